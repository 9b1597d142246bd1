package sequence

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/cta-observatory/osa/internal/catalog"
	"github.com/cta-observatory/osa/internal/config"
	"github.com/cta-observatory/osa/internal/models"
)

// ErrNothingToDo ends a pass without error output beyond the reason: there is
// no night to process yet.
var ErrNothingToDo = errors.New("nothing to do")

// CalibrationSeq is the sequence number of the calibration sequence, the
// parent of every data sequence.
const CalibrationSeq = 1

// Enricher attaches source information to runs in place.
type Enricher interface {
	Enrich(ctx context.Context, date time.Time, runs []models.Run)
}

type Builder struct {
	cfg       *config.Config
	catalogue catalog.Catalogue
	enricher  Enricher
	logger    arbor.ILogger
}

func NewBuilder(cfg *config.Config, catalogue catalog.Catalogue, enricher Enricher, logger arbor.ILogger) *Builder {
	return &Builder{cfg: cfg, catalogue: catalogue, enricher: enricher, logger: logger}
}

// Build turns the night's runs into one calibration sequence followed by one
// data sequence per DATA run in run id order.
func (b *Builder) Build(ctx context.Context, date time.Time) ([]*models.Sequence, error) {
	runs, err := b.catalogue.Runs(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: no runs found for %s", ErrNothingToDo, config.DateToISO(date))
	}

	var dataRuns []models.Run
	for _, r := range runs {
		if r.Kind != models.RunKindData {
			continue
		}
		if r.Subruns <= 0 {
			b.logger.Warn().Int("run", r.ID).Msg("Data run without subruns skipped")
			continue
		}
		dataRuns = append(dataRuns, r)
	}
	if len(dataRuns) == 0 {
		return nil, fmt.Errorf("%w: no data sequences found for %s", ErrNothingToDo, config.DateToISO(date))
	}

	drs4, err := b.lastRun(ctx, date, runs, models.RunKindDRS4)
	if err != nil {
		return nil, err
	}
	pedcal, err := b.lastRun(ctx, date, runs, models.RunKindPedcalib)
	if err != nil {
		return nil, err
	}

	if b.enricher != nil {
		b.enricher.Enrich(ctx, date, dataRuns)
	}

	nightDir := b.cfg.NightDirFor(date)
	prodIDs := models.ProdIDs{DL1: b.cfg.RequestedDL1ProdID(), DL2: b.cfg.RequestedDL2ProdID()}

	calib := b.newSequence(nightDir, CalibrationSeq, 0, models.SequenceKindPedcalib, pedcal, prodIDs)
	calib.Payload = &models.CalibrationPayload{DRS4Run: drs4.ID, PedcalRun: pedcal.ID}
	b.logger.Debug().
		Int("drs4_run", drs4.ID).
		Int("pedcal_run", pedcal.ID).
		Msg("Calibration sequence built")

	seqs := []*models.Sequence{calib}
	for i, r := range dataRuns {
		seq := b.newSequence(nightDir, i+2, CalibrationSeq, models.SequenceKindData, r, prodIDs)
		seq.Payload = &models.DataPayload{DRS4Run: drs4.ID, PedcalRun: pedcal.ID}
		seqs = append(seqs, seq)
		b.logger.Debug().
			Int("seq", seq.Seq).
			Int("run", r.ID).
			Int("subruns", r.Subruns).
			Msg("Data sequence built")
	}

	return seqs, nil
}

func (b *Builder) newSequence(nightDir string, seq, parent int, kind models.SequenceKind, run models.Run, prodIDs models.ProdIDs) *models.Sequence {
	job := models.JobName(b.cfg.Telescope, run.ID)
	files := Files(nightDir, job)
	return &models.Sequence{
		Telescope: b.cfg.Telescope,
		Seq:       seq,
		Parent:    parent,
		Kind:      kind,
		Run:       run,
		JobName:   job,
		Script:    files.Script,
		History:   files.History,
		Veto:      files.Veto,
		Closed:    files.Closed,
		ProdIDs:   prodIDs,
	}
}

// lastRun finds the highest run id of the kind, looking back day by day when
// the night itself has none.
func (b *Builder) lastRun(ctx context.Context, date time.Time, runs []models.Run, kind models.RunKind) (models.Run, error) {
	if r, ok := highest(runs, kind); ok {
		return r, nil
	}

	for back := 1; back <= b.cfg.LookbackDays; back++ {
		day := date.AddDate(0, 0, -back)
		earlier, err := b.catalogue.Runs(ctx, day)
		if err != nil {
			return models.Run{}, fmt.Errorf("failed to list runs of %s: %w", config.DateToISO(day), err)
		}
		if r, ok := highest(earlier, kind); ok {
			b.logger.Info().
				Str("kind", string(kind)).
				Int("run", r.ID).
				Str("night", config.DateToISO(day)).
				Msg("Using calibration run from a previous night")
			return r, nil
		}
	}

	return models.Run{}, fmt.Errorf("%w: no %s run found within %d days of %s",
		ErrNothingToDo, kind, b.cfg.LookbackDays, config.DateToISO(date))
}

func highest(runs []models.Run, kind models.RunKind) (models.Run, bool) {
	var best models.Run
	found := false
	for _, r := range runs {
		if r.Kind == kind && (!found || r.ID > best.ID) {
			best, found = r, true
		}
	}
	return best, found
}

// SequenceFiles are the per-sequence paths in the night directory.
type SequenceFiles struct {
	Script  string
	History string
	Veto    string
	Closed  string
}

// Files derives every sequence file name from the job name alone.
func Files(nightDir, jobName string) SequenceFiles {
	base := filepath.Join(nightDir, "sequence_"+jobName)
	return SequenceFiles{
		Script:  base + ".sh",
		History: base + ".history",
		Veto:    base + ".veto",
		Closed:  base + ".closed",
	}
}
