package models

import "fmt"

type SequenceKind string

const (
	SequenceKindPedcalib SequenceKind = "PEDCALIB"
	SequenceKindData     SequenceKind = "DATA"
)

type Action string

const (
	ActionNone   Action = ""
	ActionCheck  Action = "Check"
	ActionVeto   Action = "Veto"
	ActionClosed Action = "Closed"
)

type JobState string

const (
	JobStateUnknown   JobState = ""
	JobStatePending   JobState = "PENDING"
	JobStateRunning   JobState = "RUNNING"
	JobStateCompleted JobState = "COMPLETED"
	JobStateFailed    JobState = "FAILED"
	JobStateCancelled JobState = "CANCELLED"
	JobStateTimeout   JobState = "TIMEOUT"
)

// InFlight reports whether the scheduler still holds the job.
func (s JobState) InFlight() bool {
	return s == JobStatePending || s == JobStateRunning
}

// ProdIDs are the production ids requested for the prod-id tagged stages.
type ProdIDs struct {
	DL1 string
	DL2 string
}

// Payload is implemented by CalibrationPayload and DataPayload only.
type Payload interface {
	payloadKind() SequenceKind
}

type CalibrationPayload struct {
	DRS4Run   int
	PedcalRun int
}

func (*CalibrationPayload) payloadKind() SequenceKind { return SequenceKindPedcalib }

type DataPayload struct {
	DRS4Run    int
	PedcalRun  int
	Completion Completion
}

func (*DataPayload) payloadKind() SequenceKind { return SequenceKindData }

// Completion holds the percentage of subruns produced per data level.
type Completion struct {
	DL1       int
	Muons     int
	DL1ab     int
	Datacheck int
	DL2       int
}

type Sequence struct {
	Telescope string
	Seq       int
	Parent    int
	Kind      SequenceKind
	Run       Run
	JobName   string

	Script  string
	History string
	Veto    string
	Closed  string

	JobID   int64
	Tries   int
	Action  Action
	State   JobState
	Exit    string
	CPUTime string

	ProdIDs ProdIDs
	Payload Payload
}

// Subruns is the number of array tasks a data sequence fans out into.
func (s *Sequence) Subruns() int {
	return s.Run.Subruns
}

// CalibrationRuns returns the DRS4 and PEDCALIB run ids the sequence depends on.
func (s *Sequence) CalibrationRuns() (drs4, pedcal int) {
	switch p := s.Payload.(type) {
	case *CalibrationPayload:
		return p.DRS4Run, p.PedcalRun
	case *DataPayload:
		return p.DRS4Run, p.PedcalRun
	}
	return 0, 0
}

func (s *Sequence) String() string {
	return fmt.Sprintf("sequence %d (%s, run %d)", s.Seq, s.Kind, s.Run.ID)
}

// JobName builds the scheduler job name shared by every file of a sequence.
func JobName(telescope string, runID int) string {
	return telescope + "_" + PadRun(runID)
}

func PadRun(runID int) string {
	return fmt.Sprintf("%05d", runID)
}
