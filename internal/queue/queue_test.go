package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cta-observatory/osa/internal/logger"
	"github.com/cta-observatory/osa/internal/models"
	"github.com/cta-observatory/osa/internal/scheduler"
)

const sacctFixture = `12950_0,LST1_01805,00:08:20,500,00:08:20,07:32.114,,COMPLETED,0:0
12950_0.batch,batch,00:08:20,500,00:08:20,07:32.114,2.1G,COMPLETED,0:0
12951_0,LST1_01807,00:20:00,1200,00:20:00,18:11.001,,COMPLETED,0:0
12951_1,LST1_01807,00:30:00,1800,00:30:00,28:40.010,,FAILED,1:0
12951_2,LST1_01807,00:10:00,600,00:10:00,09:40.010,,COMPLETED,0:0
12940_0,LST1_01807,00:01:00,60,00:01:00,00:40.010,,FAILED,2:0
12952_[0-8],LST1_01808,00:00:00,0,00:00:00,00:00:00,,PENDING,0:0
13000,other_job,00:01:00,60,00:01:00,00:40.010,,COMPLETED,0:0
`

const squeueFixture = `JOBID,NAME,STATE,TIME
12953_1,LST1_01809,RUNNING,1:02:03
12953_2,LST1_01809,RUNNING,1-00:00:10
12953_[3-5],LST1_01809,PENDING,0:00
`

func TestNormaliseJobID(t *testing.T) {
	for _, raw := range []string{"123", "123_4", "123_[0-9]", "123.batch", "123_4.batch", " 123 "} {
		id, err := NormaliseJobID(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, int64(123), id, raw)
	}
	_, err := NormaliseJobID("JobID")
	assert.Error(t, err)
}

func TestTimeToSeconds(t *testing.T) {
	tests := map[string]int64{
		"":           0,
		"00:08:20":   500,
		"1:02:03":    3723,
		"05:30":      330,
		"07:32.114":  452,
		"1-00:00:10": 86410,
	}
	for in, want := range tests {
		got, err := TimeToSeconds(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := TimeToSeconds("soon")
	assert.Error(t, err)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "00:08:20", FormatDuration(500))
	assert.Equal(t, "25:00:01", FormatDuration(90001))
}

func TestParseSacct(t *testing.T) {
	recs, err := ParseSacct(strings.NewReader(sacctFixture))
	require.NoError(t, err)
	require.Len(t, recs, 8)

	assert.Equal(t, int64(12950), recs[1].JobID)
	assert.Equal(t, "batch", recs[1].JobName)
	assert.Equal(t, int64(12952), recs[6].JobID)
	require.NotNil(t, recs[3].CPUTimeRaw)
	assert.Equal(t, int64(1800), *recs[3].CPUTimeRaw)
	assert.Equal(t, "1:0", recs[3].ExitCode)
}

func TestParseSqueue(t *testing.T) {
	recs, err := ParseSqueue(strings.NewReader(squeueFixture))
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, int64(12953), recs[0].JobID)
	assert.Equal(t, int64(3723), *recs[0].CPUTimeRaw)
	assert.Equal(t, "PENDING", recs[2].State)
}

func sequences(names ...string) []*models.Sequence {
	var seqs []*models.Sequence
	for i, n := range names {
		seqs = append(seqs, &models.Sequence{Seq: i + 1, JobName: n})
	}
	return seqs
}

func TestReconcile(t *testing.T) {
	sacct, err := ParseSacct(strings.NewReader(sacctFixture))
	require.NoError(t, err)
	squeue, err := ParseSqueue(strings.NewReader(squeueFixture))
	require.NoError(t, err)

	seqs := sequences("LST1_01805", "LST1_01807", "LST1_01808", "LST1_01809", "LST1_01810")
	Reconcile(append(sacct, squeue...), seqs)

	calib := seqs[0]
	assert.Equal(t, models.JobStateCompleted, calib.State)
	assert.Equal(t, "0:0", calib.Exit)
	assert.Equal(t, 1, calib.Tries)
	assert.Equal(t, int64(12950), calib.JobID)
	assert.Equal(t, "00:08:20", calib.CPUTime)

	data := seqs[1]
	assert.Equal(t, 2, data.Tries)
	assert.Equal(t, int64(12951), data.JobID)
	assert.Equal(t, models.JobStateFailed, data.State)
	assert.Equal(t, "1:0", data.Exit)
	assert.Equal(t, "00:20:00", data.CPUTime)

	assert.Equal(t, models.JobStatePending, seqs[2].State)

	running := seqs[3]
	assert.Equal(t, models.JobStateRunning, running.State)
	assert.Equal(t, "", running.Exit)

	untouched := seqs[4]
	assert.Equal(t, 0, untouched.Tries)
	assert.Equal(t, models.JobStateUnknown, untouched.State)

	for _, s := range seqs {
		assert.Equal(t, models.ActionCheck, s.Action, s.JobName)
	}
}

func TestReconcileWithoutRecordsLeavesSequences(t *testing.T) {
	seqs := sequences("LST1_01807")
	Reconcile(nil, seqs)
	assert.Equal(t, models.ActionNone, seqs[0].Action)
}

func cpu(v int64) *int64 { return &v }

func TestStatePrecedence(t *testing.T) {
	rec := func(state, exit string) models.QueueRecord {
		return models.QueueRecord{JobID: 1, State: state, ExitCode: exit, CPUTimeRaw: cpu(1)}
	}
	tests := []struct {
		name  string
		recs  []models.QueueRecord
		state models.JobState
		exit  string
	}{
		{"all completed", []models.QueueRecord{rec("COMPLETED", "0:0"), rec("COMPLETED", "0:0")}, models.JobStateCompleted, "0:0"},
		{"all pending", []models.QueueRecord{rec("PENDING", ""), rec("PENDING", "")}, models.JobStatePending, ""},
		{"failed beats completed", []models.QueueRecord{rec("COMPLETED", "0:0"), rec("FAILED", "3:0")}, models.JobStateFailed, "3:0"},
		{"node failure", []models.QueueRecord{rec("COMPLETED", "0:0"), rec("NODE_FAIL", "0:1")}, models.JobStateFailed, "0:1"},
		{"failed beats cancelled", []models.QueueRecord{rec("CANCELLED by 42", "0:9"), rec("FAILED", "1:0")}, models.JobStateFailed, "1:0"},
		{"cancelled", []models.QueueRecord{rec("COMPLETED", "0:0"), rec("CANCELLED by 42", "0:9")}, models.JobStateCancelled, "0:9"},
		{"timeout", []models.QueueRecord{rec("RUNNING", ""), rec("TIMEOUT", "0:1")}, models.JobStateTimeout, "0:15"},
		{"running", []models.QueueRecord{rec("RUNNING", ""), rec("COMPLETED", "0:0")}, models.JobStateRunning, ""},
		{"running and pending", []models.QueueRecord{rec("RUNNING", ""), rec("PENDING", "")}, models.JobStateRunning, ""},
		{"unknown mix", []models.QueueRecord{rec("PENDING", ""), rec("COMPLETED", "0:0")}, models.JobStateUnknown, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, exit := State(tt.recs)
			assert.Equal(t, tt.state, state)
			assert.Equal(t, tt.exit, exit)
		})
	}
}

func TestMedianCPUTimeNeedsEveryValue(t *testing.T) {
	recs := []models.QueueRecord{
		{JobID: 1, CPUTimeRaw: cpu(100)},
		{JobID: 1, CPUTimeRaw: cpu(300)},
	}
	assert.Equal(t, "00:03:20", medianCPUTime(recs))

	recs = append(recs, models.QueueRecord{JobID: 1})
	assert.Equal(t, "", medianCPUTime(recs))
}

type scriptedRunner struct {
	mu     sync.Mutex
	output map[string]string
	errs   map[string]error
	args   map[string][]string
}

func (s *scriptedRunner) Run(_ context.Context, command string, args ...string) (scheduler.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.args == nil {
		s.args = make(map[string][]string)
	}
	s.args[command] = args
	if err := s.errs[command]; err != nil {
		return scheduler.Result{Command: command}, err
	}
	return scheduler.Result{Command: command, Stdout: s.output[command]}, nil
}

func TestPollMergesBothTools(t *testing.T) {
	runner := &scriptedRunner{output: map[string]string{"sacct": sacctFixture, "squeue": squeueFixture}}
	p := NewPoller(runner, 7, logger.Discard())
	p.now = func() time.Time { return time.Date(2020, 1, 18, 8, 0, 0, 0, time.UTC) }

	recs, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 11)

	assert.Contains(t, runner.args["sacct"], "--starttime")
	assert.Contains(t, runner.args["sacct"], "2020-01-11")
	assert.Equal(t, []string{"--me", "-o", "%i,%j,%T,%M"}, runner.args["squeue"])
}

func TestPollDegradesWhenToolsFail(t *testing.T) {
	runner := &scriptedRunner{
		output: map[string]string{"squeue": squeueFixture},
		errs:   map[string]error{"sacct": fmt.Errorf("sacct: %w", scheduler.ErrNotInstalled)},
	}
	recs, err := NewPoller(runner, 0, logger.Discard()).Poll(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 3)
	assert.NotContains(t, runner.args["sacct"], "--starttime")
}
