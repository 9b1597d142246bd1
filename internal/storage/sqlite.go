package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/cta-observatory/osa/internal/models"
)

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// a single connection serialises writers from concurrent goroutines
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS processing (
		telescope TEXT NOT NULL,
		date TEXT NOT NULL,
		prod_id TEXT NOT NULL,
		start_time TIMESTAMP NOT NULL,
		end_time TIMESTAMP,
		is_finished INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (telescope, date, prod_id)
	);

	CREATE TABLE IF NOT EXISTS passes (
		id TEXT PRIMARY KEY,
		telescope TEXT NOT NULL,
		date TEXT NOT NULL,
		prod_id TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		status TEXT NOT NULL DEFAULT 'running',
		submitted INTEGER NOT NULL DEFAULT 0,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS sequence_status (
		pass_id TEXT NOT NULL REFERENCES passes(id),
		seq INTEGER NOT NULL,
		parent INTEGER NOT NULL,
		telescope TEXT NOT NULL,
		kind TEXT NOT NULL,
		run_id INTEGER NOT NULL,
		subruns INTEGER NOT NULL,
		source TEXT,
		job_name TEXT NOT NULL,
		history TEXT,
		action TEXT,
		tries INTEGER NOT NULL DEFAULT 0,
		job_id INTEGER NOT NULL DEFAULT 0,
		state TEXT,
		cpu_time TEXT,
		exit TEXT,
		drs4_run INTEGER NOT NULL DEFAULT 0,
		pedcal_run INTEGER NOT NULL DEFAULT 0,
		dl1 INTEGER NOT NULL DEFAULT 0,
		muons INTEGER NOT NULL DEFAULT 0,
		dl1ab INTEGER NOT NULL DEFAULT 0,
		datacheck INTEGER NOT NULL DEFAULT 0,
		dl2 INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (pass_id, seq)
	);

	CREATE TABLE IF NOT EXISTS run_sources (
		run_id INTEGER PRIMARY KEY,
		source_name TEXT NOT NULL,
		source_ra REAL,
		source_dec REAL
	);

	CREATE INDEX IF NOT EXISTS idx_passes_night ON passes(telescope, date, prod_id);
	CREATE INDEX IF NOT EXISTS idx_sequence_status_pass ON sequence_status(pass_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to migrate processing database: %w", err)
	}
	return nil
}

// StartProcessing records the first start of a night; later calls keep it.
func (s *Storage) StartProcessing(telescope, date, prodID string, start time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO processing (telescope, date, prod_id, start_time, is_finished)
		 VALUES (?, ?, ?, ?, 0)
		 ON CONFLICT(telescope, date, prod_id) DO NOTHING`,
		telescope, date, prodID, start.UTC(),
	)
	return err
}

func (s *Storage) EndProcessing(telescope, date, prodID string, end time.Time) error {
	result, err := s.db.Exec(
		`UPDATE processing SET end_time = ?, is_finished = 1 WHERE telescope = ? AND date = ? AND prod_id = ?`,
		end.UTC(), telescope, date, prodID,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		_, err = s.db.Exec(
			`INSERT INTO processing (telescope, date, prod_id, start_time, end_time, is_finished) VALUES (?, ?, ?, ?, ?, 1)`,
			telescope, date, prodID, end.UTC(), end.UTC(),
		)
	}
	return err
}

// GetProcessing returns nil when the night was never processed.
func (s *Storage) GetProcessing(telescope, date, prodID string) (*models.Processing, error) {
	row := s.db.QueryRow(
		`SELECT telescope, date, prod_id, start_time, end_time, is_finished
		 FROM processing WHERE telescope = ? AND date = ? AND prod_id = ?`,
		telescope, date, prodID,
	)

	var p models.Processing
	var end sql.NullTime
	if err := row.Scan(&p.Telescope, &p.Date, &p.ProdID, &p.Start, &end, &p.IsFinished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if end.Valid {
		p.End = &end.Time
	}
	return &p, nil
}

// CreatePass stores a new running pass and returns its id.
func (s *Storage) CreatePass(telescope, date, prodID string, startedAt time.Time) (*models.Pass, error) {
	pass := &models.Pass{
		ID:        uuid.New().String(),
		Telescope: telescope,
		Date:      date,
		ProdID:    prodID,
		StartedAt: startedAt.UTC(),
		Status:    models.PassStatusRunning,
	}

	_, err := s.db.Exec(
		`INSERT INTO passes (id, telescope, date, prod_id, started_at, status) VALUES (?, ?, ?, ?, ?, ?)`,
		pass.ID, pass.Telescope, pass.Date, pass.ProdID, pass.StartedAt, pass.Status,
	)
	if err != nil {
		return nil, err
	}
	return pass, nil
}

func (s *Storage) CompletePass(pass *models.Pass) error {
	_, err := s.db.Exec(
		`UPDATE passes SET completed_at = ?, status = ?, submitted = ?, error = ? WHERE id = ?`,
		pass.CompletedAt, pass.Status, pass.Submitted, pass.Error, pass.ID,
	)
	return err
}

const passColumns = `id, telescope, date, prod_id, started_at, completed_at, status, submitted, error`

func scanPass(scan func(dest ...any) error) (*models.Pass, error) {
	var p models.Pass
	var completedAt sql.NullTime
	var passErr sql.NullString

	if err := scan(&p.ID, &p.Telescope, &p.Date, &p.ProdID, &p.StartedAt,
		&completedAt, &p.Status, &p.Submitted, &passErr); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.Time
	}
	if passErr.Valid {
		p.Error = passErr.String
	}
	return &p, nil
}

func (s *Storage) GetPass(id string) (*models.Pass, error) {
	return scanPass(s.db.QueryRow(`SELECT `+passColumns+` FROM passes WHERE id = ?`, id).Scan)
}

// LatestPass returns the most recent pass of a night, or nil.
func (s *Storage) LatestPass(telescope, date, prodID string) (*models.Pass, error) {
	row := s.db.QueryRow(
		`SELECT `+passColumns+` FROM passes
		 WHERE telescope = ? AND date = ? AND prod_id = ?
		 ORDER BY started_at DESC LIMIT 1`,
		telescope, date, prodID,
	)
	p, err := scanPass(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (s *Storage) ListPasses(limit int) ([]*models.Pass, error) {
	rows, err := s.db.Query(`SELECT `+passColumns+` FROM passes ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var passes []*models.Pass
	for rows.Next() {
		p, err := scanPass(rows.Scan)
		if err != nil {
			return nil, err
		}
		passes = append(passes, p)
	}
	return passes, rows.Err()
}

// SaveSequences stores the snapshot of every sequence at the end of a pass.
func (s *Storage) SaveSequences(passID string, seqs []*models.Sequence) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT OR REPLACE INTO sequence_status
		 (pass_id, seq, parent, telescope, kind, run_id, subruns, source, job_name, history, action, tries, job_id,
		  state, cpu_time, exit, drs4_run, pedcal_run, dl1, muons, dl1ab, datacheck, dl2)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, seq := range seqs {
		var source sql.NullString
		if seq.Run.Source != nil {
			source = sql.NullString{String: seq.Run.Source.Name, Valid: true}
		}
		var c models.Completion
		if p, ok := seq.Payload.(*models.DataPayload); ok {
			c = p.Completion
		}
		drs4, pedcal := seq.CalibrationRuns()

		if _, err := stmt.Exec(
			passID, seq.Seq, seq.Parent, seq.Telescope, seq.Kind, seq.Run.ID, seq.Run.Subruns, source,
			seq.JobName, seq.History, seq.Action, seq.Tries, seq.JobID, seq.State, seq.CPUTime, seq.Exit,
			drs4, pedcal, c.DL1, c.Muons, c.DL1ab, c.Datacheck, c.DL2,
		); err != nil {
			return fmt.Errorf("failed to save %s: %w", seq, err)
		}
	}

	return tx.Commit()
}

func (s *Storage) GetSequencesForPass(passID string) ([]*models.Sequence, error) {
	rows, err := s.db.Query(
		`SELECT seq, parent, telescope, kind, run_id, subruns, source, job_name, history, action, tries, job_id,
		        state, cpu_time, exit, drs4_run, pedcal_run, dl1, muons, dl1ab, datacheck, dl2
		 FROM sequence_status WHERE pass_id = ? ORDER BY seq`, passID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var seqs []*models.Sequence
	for rows.Next() {
		var seq models.Sequence
		var source, hist, action, state, cpuTime, exit sql.NullString
		var drs4, pedcal int
		var c models.Completion

		err := rows.Scan(
			&seq.Seq, &seq.Parent, &seq.Telescope, &seq.Kind, &seq.Run.ID, &seq.Run.Subruns, &source,
			&seq.JobName, &hist, &action, &seq.Tries, &seq.JobID, &state, &cpuTime, &exit,
			&drs4, &pedcal, &c.DL1, &c.Muons, &c.DL1ab, &c.Datacheck, &c.DL2,
		)
		if err != nil {
			return nil, err
		}

		if source.Valid {
			seq.Run.Source = &models.Source{Name: source.String}
		}
		seq.History = hist.String
		seq.Action = models.Action(action.String)
		seq.State = models.JobState(state.String)
		seq.CPUTime = cpuTime.String
		seq.Exit = exit.String

		if seq.Kind == models.SequenceKindData {
			seq.Run.Kind = models.RunKindData
			seq.Payload = &models.DataPayload{DRS4Run: drs4, PedcalRun: pedcal, Completion: c}
		} else {
			seq.Run.Kind = models.RunKindPedcalib
			seq.Payload = &models.CalibrationPayload{DRS4Run: drs4, PedcalRun: pedcal}
		}

		seqs = append(seqs, &seq)
	}

	return seqs, rows.Err()
}

// SourceFor returns nil when the run has no stored source.
func (s *Storage) SourceFor(ctx context.Context, runID int) (*models.Source, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT source_name, source_ra, source_dec FROM run_sources WHERE run_id = ?`, runID,
	)

	var src models.Source
	var ra, dec sql.NullFloat64
	if err := row.Scan(&src.Name, &ra, &dec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if ra.Valid {
		src.RA = &ra.Float64
	}
	if dec.Valid {
		src.Dec = &dec.Float64
	}
	return &src, nil
}

func (s *Storage) SaveSource(ctx context.Context, runID int, src models.Source) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO run_sources (run_id, source_name, source_ra, source_dec) VALUES (?, ?, ?, ?)`,
		runID, src.Name, src.RA, src.Dec,
	)
	return err
}

// DeletePass removes a pass and its snapshot.
func (s *Storage) DeletePass(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM sequence_status WHERE pass_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM passes WHERE id = ?`, id); err != nil {
		return err
	}

	return tx.Commit()
}

// FormatTimeAgo renders a timestamp relative to now for display.
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
