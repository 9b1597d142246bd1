package report

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cta-observatory/osa/internal/models"
)

func nightSequences() []*models.Sequence {
	return []*models.Sequence{
		{
			Telescope: "LST1", Seq: 1, Kind: models.SequenceKindPedcalib,
			Run:     models.Run{ID: 1805, Subruns: 6},
			Payload: &models.CalibrationPayload{DRS4Run: 1804, PedcalRun: 1805},
			Action:  models.ActionCheck, Tries: 1, JobID: 12950,
			State: models.JobStateCompleted, CPUTime: "00:08:20", Exit: "0:0",
		},
		{
			Telescope: "LST1", Seq: 2, Parent: 1, Kind: models.SequenceKindData,
			Run: models.Run{ID: 1807, Subruns: 11, Source: &models.Source{Name: "Crab"}},
			Payload: &models.DataPayload{
				DRS4Run: 1804, PedcalRun: 1805,
				Completion: models.Completion{DL1: 100, Muons: 100, DL1ab: 54, Datacheck: 9, DL2: 0},
			},
		},
	}
}

func TestMatrix(t *testing.T) {
	m := Matrix(nightSequences())
	require.Len(t, m, 3)
	assert.Len(t, m[0], len(Header))

	calib := m[1]
	assert.Equal(t, "None", calib[2].Text)
	assert.Equal(t, "12950", calib[9].Text)
	assert.True(t, calib[9].Numeric)
	assert.Equal(t, "None", calib[13].Text)
	assert.False(t, calib[13].Numeric)

	data := m[2]
	assert.Equal(t, "Crab", data[6].Text)
	assert.Equal(t, "None", data[7].Text)
	assert.Equal(t, "None", data[9].Text)
	assert.Equal(t, "54", data[15].Text)
	assert.True(t, data[15].Numeric)
}

func TestLinesAlignment(t *testing.T) {
	m := [][]Cell{
		{{Text: "Tel"}, {Text: "Run"}},
		{{Text: "LST1"}, {Text: "7", Numeric: true}},
		{{Text: "X"}, {Text: "1807", Numeric: true}},
	}
	lines := Lines(m, 2)
	assert.Equal(t, []string{
		"Tel   Run   ",
		"LST1     7  ",
		"X     1807  ",
	}, lines)
}

func TestLinesHaveEqualWidth(t *testing.T) {
	lines := Lines(Matrix(nightSequences()), DefaultPadding)
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "Tel   Seq  Parent  Type"))
	for _, l := range lines[1:] {
		assert.Equal(t, len(lines[0]), len(l))
	}
}

func TestTableRendersEveryRow(t *testing.T) {
	out := Table(nightSequences())
	assert.Contains(t, out, "DATACHECK%")
	assert.Contains(t, out, "LST1")
	assert.Contains(t, out, "Crab")
	assert.Contains(t, out, "12950")
}
