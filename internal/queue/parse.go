package queue

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cta-observatory/osa/internal/models"
)

// SacctFields is the column order requested from sacct.
var SacctFields = []string{
	"JobID", "JobName", "CPUTime", "CPUTimeRAW", "Elapsed", "TotalCPU", "MaxRSS", "State", "ExitCode",
}

const (
	sacctJobID = iota
	sacctJobName
	sacctCPUTime
	sacctCPUTimeRaw
	sacctElapsed
	sacctTotalCPU
	sacctMaxRSS
	sacctState
	sacctExitCode
)

// SqueueFormat selects job id, name, state and elapsed time.
const SqueueFormat = "%i,%j,%T,%M"

// NormaliseJobID strips array task and step suffixes: 123_4, 123_[0-9],
// 123.batch and 123_4.batch all become 123.
func NormaliseJobID(raw string) (int64, error) {
	id := strings.TrimSpace(raw)
	if i := strings.IndexAny(id, "_."); i >= 0 {
		id = id[:i]
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid job id %q", raw)
	}
	return n, nil
}

// ParseSacct reads `sacct -n --parsable2 --delimiter=,` output. Rows whose
// job id cannot be read are skipped.
func ParseSacct(r io.Reader) ([]models.QueueRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse sacct output: %w", err)
	}

	var records []models.QueueRecord
	for _, row := range rows {
		if len(row) < len(SacctFields) {
			continue
		}
		id, err := NormaliseJobID(row[sacctJobID])
		if err != nil {
			continue
		}
		rec := models.QueueRecord{
			JobID:    id,
			JobName:  strings.TrimSpace(row[sacctJobName]),
			State:    strings.TrimSpace(row[sacctState]),
			ExitCode: strings.TrimSpace(row[sacctExitCode]),
			Elapsed:  strings.TrimSpace(row[sacctElapsed]),
		}
		if v, err := strconv.ParseInt(strings.TrimSpace(row[sacctCPUTimeRaw]), 10, 64); err == nil {
			rec.CPUTimeRaw = &v
		}
		records = append(records, rec)
	}
	return records, nil
}

// ParseSqueue reads squeue output in SqueueFormat. The header line squeue
// prints is skipped.
func ParseSqueue(r io.Reader) ([]models.QueueRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse squeue output: %w", err)
	}

	var records []models.QueueRecord
	for _, row := range rows {
		if len(row) < 4 || strings.TrimSpace(row[0]) == "JOBID" {
			continue
		}
		id, err := NormaliseJobID(row[0])
		if err != nil {
			continue
		}
		rec := models.QueueRecord{
			JobID:   id,
			JobName: strings.TrimSpace(row[1]),
			State:   strings.TrimSpace(row[2]),
			Elapsed: strings.TrimSpace(row[3]),
		}
		if secs, err := TimeToSeconds(rec.Elapsed); err == nil {
			rec.CPUTimeRaw = &secs
		}
		records = append(records, rec)
	}
	return records, nil
}

// TimeToSeconds converts [D-]HH:MM:SS, HH:MM:SS or MM:SS to seconds.
func TimeToSeconds(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	var days int64
	if d, rest, ok := strings.Cut(s, "-"); ok {
		n, err := strconv.ParseInt(d, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid days in %q", s)
		}
		days, s = n, rest
	}

	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time %q", s)
	}

	var total int64
	for _, p := range parts {
		// sacct may print fractional seconds as MM:SS.mmm
		whole, _, _ := strings.Cut(p, ".")
		n, err := strconv.ParseInt(whole, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid time %q", s)
		}
		total = total*60 + n
	}
	return days*86400 + total, nil
}

// FormatDuration renders seconds as HH:MM:SS; hours are not wrapped at 24.
func FormatDuration(seconds int64) string {
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, seconds%3600/60, seconds%60)
}
