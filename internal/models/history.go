package models

import "time"

// NoneField is written in history lines for absent input and card values.
const NoneField = "None"

// HistoryRecord is one line of a sequence history file.
type HistoryRecord struct {
	Run       string
	Stage     string
	ProdID    string
	Timestamp string
	Input     string
	Card      string
	ExitCode  int
}

// NewHistoryRecord fills the timestamp with the current UTC minute.
func NewHistoryRecord(run, stage, prodID, input, card string, exitCode int) HistoryRecord {
	return HistoryRecord{
		Run:       run,
		Stage:     stage,
		ProdID:    prodID,
		Timestamp: time.Now().UTC().Format("2006-01-02 15:04"),
		Input:     input,
		Card:      card,
		ExitCode:  exitCode,
	}
}
