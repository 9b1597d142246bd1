package queue

import (
	"sort"
	"strings"

	"github.com/cta-observatory/osa/internal/models"
)

const timeoutExit = "0:15"

// failMarker also catches NODE_FAIL and OUT_OF_MEMORY style failure states.
const failMarker = "FAIL"

// Reconcile folds queue records into the sequences. Only records whose job
// name belongs to a sequence are considered, and only the latest job id of a
// sequence decides its state. Nothing changes without queue data.
func Reconcile(records []models.QueueRecord, seqs []*models.Sequence) {
	if len(records) == 0 || len(seqs) == 0 {
		return
	}

	byName := make(map[string][]models.QueueRecord)
	for _, seq := range seqs {
		byName[seq.JobName] = nil
	}
	for _, r := range records {
		if _, ok := byName[r.JobName]; ok {
			byName[r.JobName] = append(byName[r.JobName], r)
		}
	}

	for _, seq := range seqs {
		recs := byName[seq.JobName]
		seq.Action = models.ActionCheck

		ids := make(map[int64]bool)
		var latest int64
		for _, r := range recs {
			ids[r.JobID] = true
			if r.JobID > latest {
				latest = r.JobID
			}
		}
		seq.Tries = len(ids)
		if len(recs) == 0 {
			continue
		}

		var current []models.QueueRecord
		for _, r := range recs {
			if r.JobID == latest {
				current = append(current, r)
			}
		}

		seq.JobID = latest
		seq.CPUTime = medianCPUTime(current)
		seq.State, seq.Exit = State(current)
	}
}

// State applies the precedence: all completed, all pending, any failed, any
// cancelled, any timeout, any running. Other combinations leave it unset.
func State(recs []models.QueueRecord) (models.JobState, string) {
	if len(recs) == 0 {
		return models.JobStateUnknown, ""
	}

	switch {
	case all(recs, string(models.JobStateCompleted)):
		return models.JobStateCompleted, recs[0].ExitCode
	case all(recs, string(models.JobStatePending)):
		return models.JobStatePending, ""
	}

	if r, ok := first(recs, failMarker); ok {
		return models.JobStateFailed, r.ExitCode
	}
	if r, ok := first(recs, string(models.JobStateCancelled)); ok {
		return models.JobStateCancelled, r.ExitCode
	}
	if _, ok := first(recs, string(models.JobStateTimeout)); ok {
		return models.JobStateTimeout, timeoutExit
	}
	if _, ok := first(recs, string(models.JobStateRunning)); ok {
		return models.JobStateRunning, ""
	}
	return models.JobStateUnknown, ""
}

func all(recs []models.QueueRecord, state string) bool {
	for _, r := range recs {
		if r.State != state {
			return false
		}
	}
	return true
}

// first matches by substring since sacct reports e.g. "CANCELLED by 1234".
func first(recs []models.QueueRecord, state string) (models.QueueRecord, bool) {
	for _, r := range recs {
		if strings.Contains(r.State, state) {
			return r, true
		}
	}
	return models.QueueRecord{}, false
}

// medianCPUTime is empty when any task lacks a CPU time.
func medianCPUTime(recs []models.QueueRecord) string {
	values := make([]int64, 0, len(recs))
	for _, r := range recs {
		if r.CPUTimeRaw == nil {
			return ""
		}
		values = append(values, *r.CPUTimeRaw)
	}
	if len(values) == 0 {
		return ""
	}

	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	mid := len(values) / 2
	median := values[mid]
	if len(values)%2 == 0 {
		median = (values[mid-1] + values[mid]) / 2
	}
	return FormatDuration(median)
}
