package veto

import (
	"github.com/ternarybob/arbor"

	"github.com/cta-observatory/osa/internal/history"
	"github.com/cta-observatory/osa/internal/models"
	"github.com/cta-observatory/osa/internal/workspace"
)

// FreshCalibrationMarker in the input field of the last record means the
// stage was retried against new calibration, which resets the strike count.
const FreshCalibrationMarker = "new_calib"

const (
	vetoExt   = "veto"
	closedExt = "closed"
)

// ShouldVeto reports whether the last attempt in records failed the same way
// as at least maxTrials-1 earlier attempts. Two attempts fail the same way
// when stage, card and nonzero exit code all match.
func ShouldVeto(records []models.HistoryRecord, maxTrials int) bool {
	if len(records) == 0 || len(records) < maxTrials {
		return false
	}

	last := records[len(records)-1]
	if last.ExitCode == 0 || last.Input == FreshCalibrationMarker {
		return false
	}

	strikes := 0
	for _, r := range records[:len(records)-1] {
		if r.ExitCode != 0 &&
			r.ExitCode == last.ExitCode &&
			r.Card == last.Card &&
			r.Stage == last.Stage {
			strikes++
		}
	}
	return strikes >= maxTrials-1
}

// Engine keeps the veto and closed markers of a night directory.
type Engine struct {
	ws        *workspace.Workspace
	maxTrials int
	logger    arbor.ILogger

	// DryRun flags exhausted sequences without writing their markers.
	DryRun bool
}

func NewEngine(ws *workspace.Workspace, maxTrials int, logger arbor.ILogger) *Engine {
	return &Engine{ws: ws, maxTrials: maxTrials, logger: logger}
}

// ApplyVetoes writes a veto marker for every sequence whose history has hit
// the trial limit, then flags every sequence that has a marker. Markers are
// never removed.
func (e *Engine) ApplyVetoes(seqs []*models.Sequence) error {
	existing, err := e.ws.Markers(vetoExt)
	if err != nil {
		return err
	}

	for _, seq := range seqs {
		if existing[seq.JobName] {
			continue
		}
		if !e.exhausted(seq) {
			continue
		}
		if e.DryRun {
			e.logger.Info().Str("sequence", seq.JobName).Msg("SIMULATE veto")
			seq.Action = models.ActionVeto
			continue
		}
		if err := workspace.Touch(seq.Veto); err != nil {
			e.logger.Error().Err(err).Str("sequence", seq.JobName).Msg("Failed to write veto marker")
			continue
		}
		e.logger.Warn().
			Str("sequence", seq.JobName).
			Int("max_trials", e.maxTrials).
			Msg("Sequence vetoed after repeated identical failures")
	}

	return e.flag(seqs, vetoExt, models.ActionVeto)
}

// ApplyClosed flags every sequence that has a closed marker.
func (e *Engine) ApplyClosed(seqs []*models.Sequence) error {
	return e.flag(seqs, closedExt, models.ActionClosed)
}

// Close writes the closed marker of one sequence.
func (e *Engine) Close(seq *models.Sequence) error {
	if err := workspace.Touch(seq.Closed); err != nil {
		return err
	}
	seq.Action = models.ActionClosed
	return nil
}

func (e *Engine) flag(seqs []*models.Sequence, ext string, action models.Action) error {
	marked, err := e.ws.Markers(ext)
	if err != nil {
		return err
	}
	for _, seq := range seqs {
		if marked[seq.JobName] {
			seq.Action = action
		}
	}
	return nil
}

// exhausted checks the run-wise history and, for data sequences, every
// subrun history.
func (e *Engine) exhausted(seq *models.Sequence) bool {
	paths := []string{seq.History}
	if seq.Kind == models.SequenceKindData {
		for subrun := 0; subrun < seq.Subruns(); subrun++ {
			paths = append(paths, history.SubrunFile(seq.History, subrun))
		}
	}

	for _, path := range paths {
		if !workspace.Exists(path) {
			continue
		}
		records, err := history.ReadRecords(path)
		if err != nil {
			e.logger.Warn().Err(err).Str("history", path).Msg("Could not read history, not vetoing")
			continue
		}
		if ShouldVeto(records, e.maxTrials) {
			return true
		}
	}
	return false
}
