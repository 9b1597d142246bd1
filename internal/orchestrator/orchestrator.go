package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/cta-observatory/osa/internal/config"
	"github.com/cta-observatory/osa/internal/history"
	"github.com/cta-observatory/osa/internal/models"
	"github.com/cta-observatory/osa/internal/queue"
	"github.com/cta-observatory/osa/internal/report"
	"github.com/cta-observatory/osa/internal/sequence"
	"github.com/cta-observatory/osa/internal/veto"
	"github.com/cta-observatory/osa/internal/workspace"
)

// ErrUnfinished is returned by CloseNight while sequences still have stages
// left to run.
var ErrUnfinished = errors.New("night has unfinished sequences")

type Builder interface {
	Build(ctx context.Context, date time.Time) ([]*models.Sequence, error)
}

type Submitter interface {
	PrepareScripts(seqs []*models.Sequence) error
	Submit(ctx context.Context, seqs []*models.Sequence) ([]string, error)
}

type Poller interface {
	Poll(ctx context.Context) ([]models.QueueRecord, error)
}

// Store is the processing database. It is optional.
type Store interface {
	StartProcessing(telescope, date, prodID string, start time.Time) error
	EndProcessing(telescope, date, prodID string, end time.Time) error
	CreatePass(telescope, date, prodID string, startedAt time.Time) (*models.Pass, error)
	CompletePass(pass *models.Pass) error
	SaveSequences(passID string, seqs []*models.Sequence) error
}

type Orchestrator struct {
	cfg       *config.Config
	store     Store
	builder   Builder
	submitter Submitter
	poller    Poller
	levels    *history.StateMachine
	logger    arbor.ILogger
	now       func() time.Time
}

func New(cfg *config.Config, store Store, builder Builder, submitter Submitter, poller Poller, levels *history.StateMachine, logger arbor.ILogger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		store:     store,
		builder:   builder,
		submitter: submitter,
		poller:    poller,
		levels:    levels,
		logger:    logger,
		now:       time.Now,
	}
}

type Result struct {
	Pass      *models.Pass
	Sequences []*models.Sequence
	Submitted []string
	// DayClosed is set when the pass stopped because the night is closed.
	DayClosed bool
}

// Run executes one sequencer pass for the configured telescope and night.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	date := config.DateToISO(o.cfg.Date)
	startedAt := o.now()
	result := &Result{}

	if o.recording() {
		if err := o.store.StartProcessing(o.cfg.Telescope, date, o.cfg.ProdID, startedAt); err != nil {
			o.logger.Warn().Err(err).Msg("Failed to record processing start")
		}
		pass, err := o.store.CreatePass(o.cfg.Telescope, date, o.cfg.ProdID, startedAt)
		if err != nil {
			o.logger.Warn().Err(err).Msg("Failed to record pass")
		}
		result.Pass = pass
	}

	ws, lock, err := o.openNight()
	if err != nil {
		o.finishPass(result, models.PassStatusFailed, err)
		return nil, err
	}
	defer lock.Unlock()

	if workspace.IsClosed(o.cfg.ClosedFlag()) {
		o.logger.Info().Str("date", date).Str("telescope", o.cfg.Telescope).Msg("Date is already closed")
		result.DayClosed = true
		o.finishPass(result, models.PassStatusClosed, nil)
		return result, nil
	}

	seqs, err := o.builder.Build(ctx, o.cfg.Date)
	if err != nil {
		status := models.PassStatusFailed
		if errors.Is(err, sequence.ErrNothingToDo) {
			status = models.PassStatusNothingToDo
		}
		o.finishPass(result, status, err)
		return nil, fmt.Errorf("failed to build sequences: %w", err)
	}
	result.Sequences = seqs

	if err := o.submitter.PrepareScripts(seqs); err != nil {
		o.logger.Error().Err(err).Msg("Some pilot scripts could not be written")
	}

	if !o.cfg.Test {
		records, err := o.poller.Poll(ctx)
		if err != nil {
			o.finishPass(result, models.PassStatusFailed, err)
			return nil, fmt.Errorf("failed to poll the queue: %w", err)
		}
		queue.Reconcile(records, seqs)
	}

	vetoes := veto.NewEngine(ws, o.cfg.MaxTrials, o.logger)
	vetoes.DryRun = o.cfg.Simulate
	if err := vetoes.ApplyVetoes(seqs); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to apply vetoes")
	}
	if err := vetoes.ApplyClosed(seqs); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to apply closed markers")
	}

	updateCompletion(ws.Path, seqs)

	if !o.cfg.NoSubmit {
		ids, err := o.submitter.Submit(ctx, Submittable(seqs))
		result.Submitted = ids
		if err != nil {
			o.finishPass(result, models.PassStatusFailed, err)
			return nil, fmt.Errorf("failed to submit jobs: %w", err)
		}
	}

	report.Log(o.logger, seqs)

	o.persist(result, ws, startedAt)
	return result, nil
}

// Submittable drops vetoed, closed and in-flight data sequences. An in-flight
// calibration sequence stays so its job can be the dependency of data jobs.
func Submittable(seqs []*models.Sequence) []*models.Sequence {
	var out []*models.Sequence
	for _, seq := range seqs {
		if seq.Action == models.ActionVeto || seq.Action == models.ActionClosed {
			continue
		}
		if seq.State.InFlight() && seq.Kind != models.SequenceKindPedcalib {
			continue
		}
		out = append(out, seq)
	}
	return out
}

// CloseResult lists what CloseNight found.
type CloseResult struct {
	Sequences  []*models.Sequence
	Unfinished []*models.Sequence
}

// CloseNight marks every sequence and the night as closed once all of them
// have finished. Nothing is written while any sequence is unfinished.
func (o *Orchestrator) CloseNight(ctx context.Context) (*CloseResult, error) {
	seqs, err := o.builder.Build(ctx, o.cfg.Date)
	if err != nil {
		return nil, fmt.Errorf("failed to build sequences: %w", err)
	}

	result := &CloseResult{Sequences: seqs}
	for _, seq := range seqs {
		if !o.levels.Finished(seq) {
			result.Unfinished = append(result.Unfinished, seq)
		}
	}
	if len(result.Unfinished) > 0 {
		for _, seq := range result.Unfinished {
			level, rc := o.levels.SequenceLevel(seq)
			o.logger.Warn().
				Str("sequence", seq.JobName).
				Int("level", level).
				Int("exit", rc).
				Msg("Sequence not finished")
		}
		return result, fmt.Errorf("%w: %d of %d", ErrUnfinished, len(result.Unfinished), len(seqs))
	}

	if o.cfg.Simulate {
		o.logger.Info().Msg("SIMULATE closing night")
		return result, nil
	}

	ws := workspace.At(o.cfg.NightDir())
	vetoes := veto.NewEngine(ws, o.cfg.MaxTrials, o.logger)
	for _, seq := range seqs {
		if err := vetoes.Close(seq); err != nil {
			return result, fmt.Errorf("failed to close %s: %w", seq.JobName, err)
		}
	}

	if err := workspace.MarkClosed(o.cfg.ClosedFlag()); err != nil {
		return result, fmt.Errorf("failed to write night finished flag: %w", err)
	}

	if o.store != nil {
		if err := o.store.EndProcessing(o.cfg.Telescope, config.DateToISO(o.cfg.Date), o.cfg.ProdID, o.now()); err != nil {
			o.logger.Warn().Err(err).Msg("Failed to record processing end")
		}
	}

	o.logger.Info().
		Str("date", config.DateToISO(o.cfg.Date)).
		Int("sequences", len(seqs)).
		Msg("Night closed")
	return result, nil
}

func (o *Orchestrator) recording() bool {
	return o.store != nil && !o.cfg.Simulate && !o.cfg.Test
}

// openNight creates the night directory and takes its lock. Simulated
// passes touch nothing.
func (o *Orchestrator) openNight() (*workspace.Workspace, *workspace.Lock, error) {
	if o.cfg.Simulate {
		return workspace.At(o.cfg.NightDir()), nil, nil
	}

	ws, err := workspace.Create(o.cfg.NightDir())
	if err != nil {
		return nil, nil, err
	}
	lock, err := ws.Lock()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lock %s: %w", ws.Path, err)
	}
	return ws, lock, nil
}

func (o *Orchestrator) finishPass(result *Result, status models.PassStatus, err error) {
	if result.Pass == nil || o.store == nil {
		return
	}
	done := o.now()
	result.Pass.CompletedAt = &done
	result.Pass.Status = status
	result.Pass.Submitted = len(result.Submitted)
	if err != nil {
		result.Pass.Error = err.Error()
	}
	if err := o.store.CompletePass(result.Pass); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to record pass completion")
	}
}

func (o *Orchestrator) persist(result *Result, ws *workspace.Workspace, startedAt time.Time) {
	if result.Pass != nil {
		if err := o.store.SaveSequences(result.Pass.ID, result.Sequences); err != nil {
			o.logger.Warn().Err(err).Msg("Failed to save sequence snapshot")
		}
	}
	o.finishPass(result, models.PassStatusCompleted, nil)

	if o.cfg.Simulate {
		return
	}
	meta := &workspace.PassMetadata{
		Telescope: o.cfg.Telescope,
		Date:      config.DateToISO(o.cfg.Date),
		ProdID:    o.cfg.ProdID,
		StartedAt: startedAt.UTC(),
		Sequences: len(result.Sequences),
		Submitted: result.Submitted,
	}
	if result.Pass != nil {
		meta.PassID = result.Pass.ID
	}
	if err := ws.WritePassMetadata(meta); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to write pass metadata")
	}
}
