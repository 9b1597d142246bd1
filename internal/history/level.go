package history

import (
	"github.com/ternarybob/arbor"

	"github.com/cta-observatory/osa/internal/config"
	"github.com/cta-observatory/osa/internal/models"
)

// Transition moves a sequence from level From to level To when Stage exits
// with 0. A non-empty ProdID must match the production id recorded on the
// line for the stage to count as done.
type Transition struct {
	Stage  string
	From   int
	To     int
	ProdID string
}

// StateMachine decodes history files into the level at which processing
// has to resume. Level 0 means the sequence is complete.
type StateMachine struct {
	tables map[models.SequenceKind][]Transition
	noDL2  bool
	logger arbor.ILogger
}

func NewStateMachine(cfg *config.Config, logger arbor.ILogger) *StateMachine {
	lst := cfg.Lstchain
	return &StateMachine{
		tables: map[models.SequenceKind][]Transition{
			models.SequenceKindPedcalib: {
				{Stage: lst.DRS4Baseline, From: 2, To: 1},
				{Stage: lst.ChargeCalibration, From: 1, To: 0},
			},
			models.SequenceKindData: {
				{Stage: lst.R0ToDL1, From: 4, To: 3},
				{Stage: lst.DL1ab, From: 3, To: 2, ProdID: cfg.RequestedDL1ProdID()},
				{Stage: lst.CheckDL1, From: 2, To: 1},
				{Stage: lst.DL1ToDL2, From: 1, To: 0, ProdID: cfg.RequestedDL2ProdID()},
			},
		},
		noDL2:  cfg.NoDL2,
		logger: logger,
	}
}

// InitialLevel is the number of stages a fresh sequence of this kind has to run.
func (m *StateMachine) InitialLevel(kind models.SequenceKind) int {
	level := 0
	for _, t := range m.tables[kind] {
		if t.From > level {
			level = t.From
		}
	}
	return level
}

func (m *StateMachine) transition(kind models.SequenceKind, stage string) (Transition, bool) {
	for _, t := range m.tables[kind] {
		if t.Stage == stage {
			return t, true
		}
	}
	return Transition{}, false
}

// ResumeLevel reads the history file and returns the resume level and the
// exit code of the last record. A missing or unreadable file resumes at the
// initial level.
func (m *StateMachine) ResumeLevel(path string, kind models.SequenceKind) (level int, exitCode int) {
	lines, err := ReadLines(path)
	if err != nil {
		m.logger.Warn().Err(err).Str("history", path).Msg("History file unreadable, resuming from the start")
		return m.InitialLevel(kind), 0
	}
	return m.Decode(path, lines, kind)
}

// Decode runs the level transitions over already read lines.
func (m *StateMachine) Decode(path string, lines []Line, kind models.SequenceKind) (level int, exitCode int) {
	level = m.InitialLevel(kind)

	for _, l := range lines {
		if l.Err != nil {
			m.logger.Warn().
				Str("history", path).
				Int("line", l.Number).
				Err(l.Err).
				Msg("Malformed history line skipped")
			continue
		}

		rec := l.Record
		exitCode = rec.ExitCode

		t, ok := m.transition(kind, rec.Stage)
		if !ok {
			m.logger.Warn().Str("history", path).Str("stage", rec.Stage).Msg("Program name not identified")
			continue
		}

		if rec.ExitCode != 0 {
			level = t.From
			continue
		}

		if t.ProdID != "" && rec.ProdID != t.ProdID {
			m.logger.Debug().
				Str("stage", rec.Stage).
				Str("recorded", rec.ProdID).
				Str("requested", t.ProdID).
				Msg("Stage not produced yet for the requested prod ID")
			level = t.From
			break
		}

		level = t.To
	}

	return level, exitCode
}

// SequenceLevel is the level of a whole sequence. Data sequences keep one
// history file per subrun; the least advanced subrun decides.
func (m *StateMachine) SequenceLevel(seq *models.Sequence) (level int, exitCode int) {
	if seq.Kind != models.SequenceKindData || seq.Subruns() <= 0 {
		return m.ResumeLevel(seq.History, seq.Kind)
	}

	level = -1
	for subrun := 0; subrun < seq.Subruns(); subrun++ {
		l, rc := m.ResumeLevel(SubrunFile(seq.History, subrun), seq.Kind)
		if l > level {
			level, exitCode = l, rc
		}
	}
	return level, exitCode
}

// Finished reports whether nothing is left to run for the sequence. With
// DL2 disabled a data sequence is done once the datacheck stage succeeded.
func (m *StateMachine) Finished(seq *models.Sequence) bool {
	level, _ := m.SequenceLevel(seq)
	if level == 0 {
		return true
	}
	return m.noDL2 && seq.Kind == models.SequenceKindData && level == 1
}
