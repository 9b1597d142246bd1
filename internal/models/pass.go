package models

import "time"

type PassStatus string

const (
	PassStatusRunning     PassStatus = "running"
	PassStatusCompleted   PassStatus = "completed"
	PassStatusFailed      PassStatus = "failed"
	PassStatusNothingToDo PassStatus = "nothing_to_do"
	PassStatusClosed      PassStatus = "closed"
)

// Pass is one sequencer invocation for a telescope, night and production.
type Pass struct {
	ID          string
	Telescope   string
	Date        string
	ProdID      string
	StartedAt   time.Time
	CompletedAt *time.Time
	Status      PassStatus
	Submitted   int
	Error       string
}

// Processing is the processing database row of a night.
type Processing struct {
	Telescope  string
	Date       string
	ProdID     string
	Start      time.Time
	End        *time.Time
	IsFinished bool
}
