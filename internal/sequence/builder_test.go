package sequence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cta-observatory/osa/internal/config"
	"github.com/cta-observatory/osa/internal/logger"
	"github.com/cta-observatory/osa/internal/models"
)

var night = time.Date(2020, 1, 17, 0, 0, 0, 0, time.UTC)

type fakeCatalogue map[string][]models.Run

func (f fakeCatalogue) Runs(_ context.Context, date time.Time) ([]models.Run, error) {
	if runs, ok := f[config.DateToISO(date)]; ok {
		return runs, nil
	}
	return nil, nil
}

type failingCatalogue struct{}

func (failingCatalogue) Runs(context.Context, time.Time) ([]models.Run, error) {
	return nil, errors.New("disk gone")
}

type nameSources struct{ name string }

func (n nameSources) Enrich(_ context.Context, _ time.Time, runs []models.Run) {
	for i := range runs {
		runs[i].Source = &models.Source{Name: n.name}
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Setenv("OSA_DATA_DIR", t.TempDir())
	cfg, err := config.New()
	require.NoError(t, err)
	cfg.Date = night
	cfg.AnalysisDir = "/data/running_analysis"
	cfg.ProdID = "v0.9"
	return cfg
}

func nightRuns() []models.Run {
	return []models.Run{
		{ID: 1804, Kind: models.RunKindDRS4, Subruns: 5, Night: night},
		{ID: 1805, Kind: models.RunKindPedcalib, Subruns: 6, Night: night},
		{ID: 1807, Kind: models.RunKindData, Subruns: 11, Night: night},
		{ID: 1808, Kind: models.RunKindData, Subruns: 9, Night: night},
	}
}

func TestBuildNight(t *testing.T) {
	cfg := testConfig(t)
	b := NewBuilder(cfg, fakeCatalogue{"2020-01-17": nightRuns()}, nameSources{"Crab"}, logger.Discard())

	seqs, err := b.Build(context.Background(), night)
	require.NoError(t, err)
	require.Len(t, seqs, 3)

	calib := seqs[0]
	assert.Equal(t, 1, calib.Seq)
	assert.Equal(t, 0, calib.Parent)
	assert.Equal(t, models.SequenceKindPedcalib, calib.Kind)
	assert.Equal(t, 1805, calib.Run.ID)
	assert.Equal(t, "LST1_01805", calib.JobName)
	assert.Equal(t, "/data/running_analysis/20200117/v0.9/sequence_LST1_01805.sh", calib.Script)
	drs4, pedcal := calib.CalibrationRuns()
	assert.Equal(t, 1804, drs4)
	assert.Equal(t, 1805, pedcal)

	for i, want := range []struct{ run, subruns int }{{1807, 11}, {1808, 9}} {
		seq := seqs[i+1]
		assert.Equal(t, i+2, seq.Seq)
		assert.Equal(t, 1, seq.Parent)
		assert.Equal(t, models.SequenceKindData, seq.Kind)
		assert.Equal(t, want.run, seq.Run.ID)
		assert.Equal(t, want.subruns, seq.Subruns())
		require.NotNil(t, seq.Run.Source)
		assert.Equal(t, "Crab", seq.Run.Source.Name)
		drs4, pedcal := seq.CalibrationRuns()
		assert.Equal(t, 1804, drs4)
		assert.Equal(t, 1805, pedcal)
		assert.Equal(t, "v0.9", seq.ProdIDs.DL1)
	}
	assert.Equal(t, "/data/running_analysis/20200117/v0.9/sequence_LST1_01808.history", seqs[2].History)
}

func TestBuildNumbersFollowRunOrder(t *testing.T) {
	cfg := testConfig(t)
	runs := []models.Run{
		{ID: 2010, Kind: models.RunKindData, Subruns: 1},
		{ID: 2001, Kind: models.RunKindDRS4},
		{ID: 2003, Kind: models.RunKindPedcalib},
		{ID: 2002, Kind: models.RunKindPedcalib},
		{ID: 2005, Kind: models.RunKindData, Subruns: 1},
	}
	b := NewBuilder(cfg, fakeCatalogue{"2020-01-17": runs}, nil, logger.Discard())

	seqs, err := b.Build(context.Background(), night)
	require.NoError(t, err)
	require.Len(t, seqs, 3)
	assert.Equal(t, 2003, seqs[0].Run.ID)
	assert.Equal(t, 2010, seqs[1].Run.ID)
	assert.Equal(t, 2005, seqs[2].Run.ID)
	for i, s := range seqs {
		assert.Equal(t, i+1, s.Seq)
	}
}

func TestBuildSkipsDataRunsWithoutSubruns(t *testing.T) {
	cfg := testConfig(t)
	runs := append(nightRuns(), models.Run{ID: 1809, Kind: models.RunKindData, Night: night})
	b := NewBuilder(cfg, fakeCatalogue{"2020-01-17": runs}, nil, logger.Discard())

	seqs, err := b.Build(context.Background(), night)
	require.NoError(t, err)
	require.Len(t, seqs, 3)
	for _, s := range seqs {
		assert.NotEqual(t, 1809, s.Run.ID)
	}
}

func TestBuildLooksBackForCalibration(t *testing.T) {
	cfg := testConfig(t)
	cat := fakeCatalogue{
		"2020-01-17": {{ID: 1900, Kind: models.RunKindData, Subruns: 3}},
		"2020-01-15": {
			{ID: 1700, Kind: models.RunKindDRS4},
			{ID: 1701, Kind: models.RunKindPedcalib, Subruns: 4},
		},
	}
	seqs, err := NewBuilder(cfg, cat, nil, logger.Discard()).Build(context.Background(), night)
	require.NoError(t, err)
	assert.Equal(t, 1701, seqs[0].Run.ID)
	assert.Equal(t, 4, seqs[0].Subruns())
}

func TestBuildNothingToDo(t *testing.T) {
	cfg := testConfig(t)
	tests := []struct {
		name string
		cat  fakeCatalogue
	}{
		{"empty night", fakeCatalogue{}},
		{"no data runs", fakeCatalogue{"2020-01-17": {{ID: 1804, Kind: models.RunKindDRS4}}}},
		{"only empty data runs", fakeCatalogue{"2020-01-17": {
			{ID: 1804, Kind: models.RunKindDRS4},
			{ID: 1805, Kind: models.RunKindPedcalib},
			{ID: 1807, Kind: models.RunKindData},
		}}},
		{"no pedcalib", fakeCatalogue{"2020-01-17": {
			{ID: 1804, Kind: models.RunKindDRS4},
			{ID: 1807, Kind: models.RunKindData, Subruns: 2},
		}}},
		{"calibration beyond lookback", fakeCatalogue{
			"2020-01-17": {{ID: 1807, Kind: models.RunKindData, Subruns: 2}},
			"2020-01-12": {{ID: 1500, Kind: models.RunKindDRS4}, {ID: 1501, Kind: models.RunKindPedcalib}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBuilder(cfg, tt.cat, nil, logger.Discard()).Build(context.Background(), night)
			assert.ErrorIs(t, err, ErrNothingToDo)
		})
	}
}

func TestBuildPropagatesCatalogueErrors(t *testing.T) {
	_, err := NewBuilder(testConfig(t), failingCatalogue{}, nil, logger.Discard()).Build(context.Background(), night)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNothingToDo)
}

func TestFilesAreDeterministic(t *testing.T) {
	f := Files("/n", "LST1_01807")
	assert.Equal(t, SequenceFiles{
		Script:  "/n/sequence_LST1_01807.sh",
		History: "/n/sequence_LST1_01807.history",
		Veto:    "/n/sequence_LST1_01807.veto",
		Closed:  "/n/sequence_LST1_01807.closed",
	}, f)
}
