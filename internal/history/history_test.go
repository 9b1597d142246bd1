package history

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cta-observatory/osa/internal/config"
	"github.com/cta-observatory/osa/internal/logger"
	"github.com/cta-observatory/osa/internal/models"
)

func testMachine(t *testing.T) (*StateMachine, *config.Config) {
	t.Setenv("OSA_DATA_DIR", t.TempDir())
	cfg, err := config.New()
	require.NoError(t, err)
	cfg.Date = time.Date(2020, 1, 17, 0, 0, 0, 0, time.UTC)
	cfg.ProdID = "v0.9"
	cfg.DL1ProdID = "tailcut84"
	cfg.DL2ProdID = "model2"
	return NewStateMachine(cfg, logger.Discard()), cfg
}

func writeHistory(t *testing.T, lines ...string) string {
	path := filepath.Join(t.TempDir(), "sequence_LST1_01807.history")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))
	return path
}

const (
	r0dl1    = "01807.0000 lstchain_data_r0_to_dl1 v0.9 2020-01-18 03:10 None None 0"
	dl1ab    = "01807.0000 lstchain_dl1ab tailcut84 2020-01-18 03:20 None lstchain_standard_config.json 0"
	check    = "01807.0000 lstchain_check_dl1 tailcut84 2020-01-18 03:25 None None 0"
	dl2      = "01807.0000 lstchain_dl1_to_dl2 model2 2020-01-18 03:40 None None 0"
	drs4     = "01804 onsite_create_drs4_pedestal_file v0.9 2020-01-18 01:00 None None 0"
	calib    = "01805 onsite_create_calibration_file v0.9 2020-01-18 01:30 None None 0"
	calibBad = "01805 onsite_create_calibration_file v0.9 2020-01-18 01:30 None None 2"
)

func TestParseLine(t *testing.T) {
	rec, err := ParseLine(dl1ab)
	require.NoError(t, err)
	assert.Equal(t, "01807.0000", rec.Run)
	assert.Equal(t, "lstchain_dl1ab", rec.Stage)
	assert.Equal(t, "tailcut84", rec.ProdID)
	assert.Equal(t, "2020-01-18 03:20", rec.Timestamp)
	assert.Equal(t, "None", rec.Input)
	assert.Equal(t, "lstchain_standard_config.json", rec.Card)
	assert.Equal(t, 0, rec.ExitCode)

	_, err = ParseLine("01807 lstchain_dl1ab v0.9 0")
	assert.Error(t, err)

	_, err = ParseLine("01807 lstchain_dl1ab v0.9 2020-01-18 03:20 None None ok")
	assert.Error(t, err)
}

func TestFormatLineRoundTrip(t *testing.T) {
	rec := models.HistoryRecord{
		Run: "01805", Stage: "onsite_create_calibration_file", ProdID: "v0.9",
		Timestamp: "2020-01-18 01:30", ExitCode: 3,
	}
	line := FormatLine(rec)
	assert.Equal(t, "01805 onsite_create_calibration_file v0.9 2020-01-18 01:30 None None 3", line)

	back, err := ParseLine(line)
	require.NoError(t, err)
	assert.Equal(t, "None", back.Input)
	assert.Equal(t, 3, back.ExitCode)
}

func TestResumeLevelMissingFile(t *testing.T) {
	m, _ := testMachine(t)
	missing := filepath.Join(t.TempDir(), "nope.history")

	level, rc := m.ResumeLevel(missing, models.SequenceKindData)
	assert.Equal(t, 4, level)
	assert.Equal(t, 0, rc)

	level, rc = m.ResumeLevel(missing, models.SequenceKindPedcalib)
	assert.Equal(t, 2, level)
	assert.Equal(t, 0, rc)
}

func TestResumeLevelDataStages(t *testing.T) {
	m, _ := testMachine(t)
	tests := []struct {
		name  string
		lines []string
		level int
		rc    int
	}{
		{"r0 done", []string{r0dl1}, 3, 0},
		{"dl1ab done", []string{r0dl1, dl1ab}, 2, 0},
		{"datacheck done", []string{r0dl1, dl1ab, check}, 1, 0},
		{"complete", []string{r0dl1, dl1ab, check, dl2}, 0, 0},
		{"r0 failed", []string{strings.Replace(r0dl1, "None None 0", "None None 1", 1)}, 4, 1},
		{
			"failure then retry succeeds",
			[]string{r0dl1, strings.Replace(dl1ab, "json 0", "json 5", 1), dl1ab},
			2, 0,
		},
		{
			"dl1ab under another prod id stops the scan",
			[]string{r0dl1, strings.Replace(dl1ab, "tailcut84", "tailcut66", 1), check, dl2},
			3, 0,
		},
		{
			"dl2 under another prod id",
			[]string{r0dl1, dl1ab, check, strings.Replace(dl2, "model2", "model1", 1)},
			1, 0,
		},
		{
			"malformed and unknown lines are skipped",
			[]string{r0dl1, "garbage", "01807.0000 mystery_tool v0.9 2020-01-18 03:12 None None 0", dl1ab},
			2, 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, rc := m.ResumeLevel(writeHistory(t, tt.lines...), models.SequenceKindData)
			assert.Equal(t, tt.level, level)
			assert.Equal(t, tt.rc, rc)
		})
	}
}

func TestResumeLevelCalibration(t *testing.T) {
	m, _ := testMachine(t)

	level, rc := m.ResumeLevel(writeHistory(t, drs4, calib), models.SequenceKindPedcalib)
	assert.Equal(t, 0, level)
	assert.Equal(t, 0, rc)

	level, rc = m.ResumeLevel(writeHistory(t, drs4, calibBad), models.SequenceKindPedcalib)
	assert.Equal(t, 1, level)
	assert.Equal(t, 2, rc)
}

func TestResumeLevelIsIdempotentAndAdvances(t *testing.T) {
	m, _ := testMachine(t)
	full := []string{r0dl1, dl1ab, check}

	path := writeHistory(t, full...)
	first, _ := m.ResumeLevel(path, models.SequenceKindData)
	second, _ := m.ResumeLevel(path, models.SequenceKindData)
	assert.Equal(t, first, second)

	truncated, _ := m.ResumeLevel(writeHistory(t, full[:len(full)-1]...), models.SequenceKindData)
	assert.Less(t, first, truncated)
}

func TestSequenceLevelUsesSlowestSubrun(t *testing.T) {
	m, _ := testMachine(t)
	dir := t.TempDir()
	seq := &models.Sequence{
		Kind:    models.SequenceKindData,
		Run:     models.Run{ID: 1807, Subruns: 2},
		History: filepath.Join(dir, "sequence_LST1_01807.history"),
	}

	require.NoError(t, os.WriteFile(SubrunFile(seq.History, 0),
		[]byte(strings.Join([]string{r0dl1, dl1ab, check, dl2}, "\n")), 0644))
	require.NoError(t, os.WriteFile(SubrunFile(seq.History, 1),
		[]byte(strings.Join([]string{r0dl1, dl1ab, check}, "\n")), 0644))

	level, _ := m.SequenceLevel(seq)
	assert.Equal(t, 1, level)
	assert.False(t, m.Finished(seq))

	m.noDL2 = true
	assert.True(t, m.Finished(seq))
}

func TestSubrunFile(t *testing.T) {
	assert.Equal(t, "/a/sequence_LST1_01807.0003.history", SubrunFile("/a/sequence_LST1_01807.history", 3))
}

func TestAppendSerialisesConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sequence_LST1_01807.history")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := models.NewHistoryRecord("01807.0000", "lstchain_data_r0_to_dl1", "v0.9", "", "", i)
			assert.NoError(t, Append(path, rec))
		}(i)
	}
	wg.Wait()

	lines, err := ReadLines(path)
	require.NoError(t, err)
	require.Len(t, lines, 20)
	for _, l := range lines {
		assert.NoError(t, l.Err)
	}
}
