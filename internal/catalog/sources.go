package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/cta-observatory/osa/internal/models"
)

var catalogColumns = []Column{
	{Name: "run_id", Datatype: "int32"},
	{Name: "source_name", Datatype: "string"},
	{Name: "source_ra", Datatype: "float64"},
	{Name: "source_dec", Datatype: "float64"},
}

// SourceStore is a fallback source of pointing information per run.
type SourceStore interface {
	SourceFor(ctx context.Context, runID int) (*models.Source, error)
}

// SourceLookup attaches sources to runs. The RunCatalog file of the night
// wins; without it the store is asked and its answers are written to a new
// RunCatalog file.
type SourceLookup struct {
	path   func(time.Time) string
	store  SourceStore
	logger arbor.ILogger
}

func NewSourceLookup(path func(time.Time) string, store SourceStore, logger arbor.ILogger) *SourceLookup {
	return &SourceLookup{path: path, store: store, logger: logger}
}

// Enrich never fails; missing information leaves Source nil.
func (l *SourceLookup) Enrich(ctx context.Context, date time.Time, runs []models.Run) {
	path := l.path(date)
	if path == "" {
		return
	}

	sources, err := ReadRunCatalog(path)
	switch {
	case err == nil:
		l.logger.Debug().Str("file", path).Msg("RunCatalog file found")
		for i := range runs {
			if src, ok := sources[runs[i].ID]; ok {
				s := src
				runs[i].Source = &s
			}
		}
		return
	case !errors.Is(err, os.ErrNotExist):
		l.logger.Warn().Err(err).Str("file", path).Msg("Unreadable RunCatalog file")
		return
	}

	if l.store == nil {
		return
	}

	found := make(map[int]models.Source)
	for i := range runs {
		r := &runs[i]
		if r.ID <= 0 || r.Kind != models.RunKindData {
			continue
		}
		src, err := l.store.SourceFor(ctx, r.ID)
		if err != nil {
			l.logger.Warn().Err(err).Int("run", r.ID).Msg("Source lookup failed")
			continue
		}
		if src == nil || src.Name == "" {
			continue
		}
		r.Source = src
		found[r.ID] = *src
	}
	if len(found) == 0 {
		return
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		l.logger.Warn().Err(err).Str("file", path).Msg("Cannot create RunCatalog directory")
		return
	}
	if err := WriteRunCatalog(path, found); err != nil {
		l.logger.Warn().Err(err).Str("file", path).Msg("Failed to write RunCatalog file")
	}
}

// ReadRunCatalog returns the sources of a RunCatalog file keyed by run id.
func ReadRunCatalog(path string) (map[int]models.Source, error) {
	t, err := readECSVFile(path)
	if err != nil {
		return nil, err
	}
	if err := t.Require("run_id", "source_name"); err != nil {
		return nil, fmt.Errorf("invalid RunCatalog %s: %w", path, err)
	}

	sources := make(map[int]models.Source, len(t.Rows))
	for _, row := range t.Rows {
		id, err := strconv.Atoi(row["run_id"])
		if err != nil {
			return nil, fmt.Errorf("invalid RunCatalog %s: run_id %q", path, row["run_id"])
		}
		sources[id] = models.Source{
			Name: row["source_name"],
			RA:   parseCoordinate(row["source_ra"]),
			Dec:  parseCoordinate(row["source_dec"]),
		}
	}
	return sources, nil
}

func WriteRunCatalog(path string, sources map[int]models.Source) error {
	ids := make([]int, 0, len(sources))
	for id := range sources {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	rows := make([][]string, len(ids))
	for i, id := range ids {
		s := sources[id]
		rows[i] = []string{strconv.Itoa(id), s.Name, formatCoordinate(s.RA), formatCoordinate(s.Dec)}
	}
	return writeECSVFile(path, catalogColumns, rows)
}

func parseCoordinate(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func formatCoordinate(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
