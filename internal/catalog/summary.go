package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/cta-observatory/osa/internal/models"
)

// Catalogue lists the runs taken during a night.
type Catalogue interface {
	Runs(ctx context.Context, date time.Time) ([]models.Run, error)
}

var summaryColumns = []Column{
	{Name: "run_id", Datatype: "int64"},
	{Name: "n_subruns", Datatype: "int64"},
	{Name: "run_type", Datatype: "string"},
}

// RunSummary reads the nightly RunSummary_<YYYYMMDD>.ecsv files.
type RunSummary struct {
	path func(time.Time) string
}

func NewRunSummary(path func(time.Time) string) *RunSummary {
	return &RunSummary{path: path}
}

// Runs returns the runs of the night ordered by run id. A night without a
// summary file has no runs.
func (s *RunSummary) Runs(ctx context.Context, date time.Time) ([]models.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := s.path(date)
	t, err := readECSVFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read run summary %s: %w", path, err)
	}

	runs, err := summaryRuns(t, date)
	if err != nil {
		return nil, fmt.Errorf("invalid run summary %s: %w", path, err)
	}
	return runs, nil
}

func summaryRuns(t *Table, date time.Time) ([]models.Run, error) {
	if err := t.Require("run_id", "n_subruns", "run_type"); err != nil {
		return nil, err
	}

	runs := make([]models.Run, 0, len(t.Rows))
	for i, row := range t.Rows {
		id, err := strconv.Atoi(row["run_id"])
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid run_id %q", i+1, row["run_id"])
		}
		subruns, err := strconv.Atoi(row["n_subruns"])
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid n_subruns %q", i+1, row["n_subruns"])
		}
		runs = append(runs, models.Run{
			ID:      id,
			Kind:    models.RunKind(row["run_type"]),
			Subruns: subruns,
			Night:   date,
		})
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].ID < runs[j].ID })
	return runs, nil
}

// WriteRunSummary writes runs in the RunSummary layout.
func WriteRunSummary(path string, runs []models.Run) error {
	rows := make([][]string, len(runs))
	for i, r := range runs {
		rows[i] = []string{strconv.Itoa(r.ID), strconv.Itoa(r.Subruns), string(r.Kind)}
	}
	return writeECSVFile(path, summaryColumns, rows)
}

func writeECSVFile(path string, columns []Column, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := WriteECSV(f, columns, rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
