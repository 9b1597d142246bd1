package history

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/cta-observatory/osa/internal/models"
)

// minFields is run, stage, prod id, at least one timestamp token, input,
// card and exit code.
const minFields = 7

// Line is either a parsed record or the error explaining why the raw line
// could not be parsed.
type Line struct {
	Number int
	Raw    string
	Record models.HistoryRecord
	Err    error
}

// ParseLine decodes one history line. Run, stage and prod id are read from
// the front, input, card and exit code from the back; whatever lies between
// is the timestamp.
func ParseLine(raw string) (models.HistoryRecord, error) {
	words := strings.Fields(raw)
	if len(words) < minFields {
		return models.HistoryRecord{}, fmt.Errorf("expected at least %d fields, got %d", minFields, len(words))
	}
	n := len(words)
	exitCode, err := strconv.Atoi(words[n-1])
	if err != nil {
		return models.HistoryRecord{}, fmt.Errorf("invalid exit code %q", words[n-1])
	}
	return models.HistoryRecord{
		Run:       words[0],
		Stage:     words[1],
		ProdID:    words[2],
		Timestamp: strings.Join(words[3:n-3], " "),
		Input:     words[n-3],
		Card:      words[n-2],
		ExitCode:  exitCode,
	}, nil
}

// FormatLine renders a record the way ParseLine reads it back.
func FormatLine(r models.HistoryRecord) string {
	return fmt.Sprintf("%s %s %s %s %s %s %d",
		orNone(r.Run), orNone(r.Stage), orNone(r.ProdID), orNone(r.Timestamp),
		orNone(r.Input), orNone(r.Card), r.ExitCode)
}

func orNone(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return models.NoneField
	}
	return s
}

// ReadLines returns every non-empty line of the history file in order. A
// missing file yields no lines and no error.
func ReadLines(path string) ([]Line, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	defer f.Close()

	var lines []Line
	scanner := bufio.NewScanner(f)
	number := 0
	for scanner.Scan() {
		number++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		rec, err := ParseLine(raw)
		lines = append(lines, Line{Number: number, Raw: raw, Record: rec, Err: err})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history file: %w", err)
	}
	return lines, nil
}

// ReadRecords returns only the well-formed records.
func ReadRecords(path string) ([]models.HistoryRecord, error) {
	lines, err := ReadLines(path)
	if err != nil {
		return nil, err
	}
	records := make([]models.HistoryRecord, 0, len(lines))
	for _, l := range lines {
		if l.Err == nil {
			records = append(records, l.Record)
		}
	}
	return records, nil
}

// Append adds one record to the history file holding an exclusive advisory
// lock, so concurrent subrun tasks never interleave lines.
func Append(path string, r models.HistoryRecord) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open history file: %w", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to lock history file: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	if _, err := f.WriteString(FormatLine(r) + "\n"); err != nil {
		return fmt.Errorf("failed to append history line: %w", err)
	}
	return f.Sync()
}

// SubrunFile is the history file written by one array task of a data sequence.
func SubrunFile(historyPath string, subrun int) string {
	return fmt.Sprintf("%s.%04d.history", strings.TrimSuffix(historyPath, ".history"), subrun)
}
