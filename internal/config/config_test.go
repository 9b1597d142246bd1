package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *Config {
	t.Setenv("OSA_DATA_DIR", t.TempDir())
	t.Setenv("OSA_CONFIG", "")
	c, err := New()
	require.NoError(t, err)
	c.Date = time.Date(2020, 1, 17, 0, 0, 0, 0, time.UTC)
	return c
}

func TestDefaultsAreValid(t *testing.T) {
	c := testConfig(t)
	require.NoError(t, Validate(c))
	assert.Equal(t, 3, c.MaxTrials)
	assert.Equal(t, 4, c.LookbackDays)
	assert.Equal(t, 2*time.Minute, c.CommandTimeout())
}

func TestDerivedPaths(t *testing.T) {
	c := testConfig(t)
	c.AnalysisDir = "/data/running_analysis"
	c.CloserDir = "/data/Closer"
	c.RunSummaryDir = "/data/RunSummary"
	c.ProdID = "v0.9"

	assert.Equal(t, "/data/running_analysis/20200117/v0.9", c.NightDir())
	assert.Equal(t, "/data/running_analysis/20200117/v0.9/log", c.LogDir())
	assert.Equal(t, "/data/Closer/20200117/v0.9/NightFinished.txt", c.ClosedFlag())
	assert.Equal(t, "/data/RunSummary/RunSummary_20200117.ecsv", c.RunSummaryFile(c.Date))
}

func TestRequestedProdIDsFallBack(t *testing.T) {
	c := testConfig(t)
	c.ProdID = "v0.9"
	assert.Equal(t, "v0.9", c.RequestedDL1ProdID())
	assert.Equal(t, "v0.9", c.RequestedDL2ProdID())

	c.DL1ProdID = "tailcut84"
	c.DL2ProdID = "model2"
	assert.Equal(t, "tailcut84", c.RequestedDL1ProdID())
	assert.Equal(t, "model2", c.RequestedDL2ProdID())
}

func TestLoadTOML(t *testing.T) {
	testConfig(t)
	path := filepath.Join(t.TempDir(), "sequencer.toml")
	content := `
telescope = "LST1"
prod_id = "v0.10"
max_trials = 2

[slurm]
partition_data = "xxl"
account = "dpps"

[lstchain]
dl1ab = "my_dl1ab"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "v0.10", c.ProdID)
	assert.Equal(t, 2, c.MaxTrials)
	assert.Equal(t, "xxl", c.Slurm.PartitionData)
	assert.Equal(t, "dpps", c.Slurm.Account)
	assert.Equal(t, "short", c.Slurm.PartitionPedcalib)
	assert.Equal(t, "my_dl1ab", c.Lstchain.DL1ab)
	assert.Equal(t, "lstchain_check_dl1", c.Lstchain.CheckDL1)
}

func TestLoadYAML(t *testing.T) {
	testConfig(t)
	path := filepath.Join(t.TempDir(), "sequencer.yaml")
	content := `
telescope: LST2
lookback_days: 2
watch:
  schedule: "@hourly"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "LST2", c.Telescope)
	assert.Equal(t, 2, c.LookbackDays)
	assert.Equal(t, "@hourly", c.Watch.Schedule)
}

func TestLoadRejectsUnknownFormat(t *testing.T) {
	testConfig(t)
	path := filepath.Join(t.TempDir(), "sequencer.ini")
	require.NoError(t, os.WriteFile(path, []byte("x=1"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	c := testConfig(t)
	c.Telescope = "MAGIC"
	assert.Error(t, Validate(c))

	c = testConfig(t)
	c.MaxTrials = 0
	assert.Error(t, Validate(c))

	c = testConfig(t)
	c.Slurm.CommandTimeout = "soon"
	assert.Error(t, Validate(c))
}

func TestParseDate(t *testing.T) {
	for _, s := range []string{"2020-01-17", "2020_01_17", "20200117"} {
		d, err := ParseDate(s)
		require.NoError(t, err, s)
		assert.Equal(t, "2020-01-17", DateToISO(d))
	}
	_, err := ParseDate("17/01/2020")
	assert.Error(t, err)
}
