package models

// QueueRecord is a single row observed from sacct or squeue. JobID is
// already normalised to the parent job id.
type QueueRecord struct {
	JobID      int64
	JobName    string
	State      string
	ExitCode   string
	CPUTimeRaw *int64
	Elapsed    string
}
