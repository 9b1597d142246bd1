package models

import "time"

type RunKind string

const (
	RunKindDRS4     RunKind = "DRS4"
	RunKindPedcalib RunKind = "PEDCALIB"
	RunKindData     RunKind = "DATA"
)

// Run is one data-taking unit as listed in the night's run summary.
type Run struct {
	ID      int
	Kind    RunKind
	Subruns int
	Night   time.Time
	Source  *Source
}

type Source struct {
	Name string
	RA   *float64
	Dec  *float64
}

// RunString is the zero padded run number used in file and job names.
func (r Run) RunString() string {
	return PadRun(r.ID)
}
