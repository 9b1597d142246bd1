package report

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ternarybob/arbor"

	"github.com/cta-observatory/osa/internal/models"
)

// DefaultPadding is the number of spaces after every column.
const DefaultPadding = 2

const none = "None"

var Header = []string{
	"Tel", "Seq", "Parent", "Type", "Run", "Subruns", "Source", "Action", "Tries",
	"JobID", "State", "CPU_time", "Exit", "DL1%", "MUONS%", "DL1AB%", "DATACHECK%", "DL2%",
}

// Cell is one value of the report. Numeric cells are right aligned.
type Cell struct {
	Text    string
	Numeric bool
}

func text(s string) Cell {
	if s == "" {
		return Cell{Text: none}
	}
	return Cell{Text: s}
}

func number(n int) Cell {
	return Cell{Text: strconv.Itoa(n), Numeric: true}
}

// optional renders zero as None.
func optional(n int64) Cell {
	if n == 0 {
		return Cell{Text: none}
	}
	return Cell{Text: strconv.FormatInt(n, 10), Numeric: true}
}

// Matrix is the header row followed by one row per sequence.
func Matrix(seqs []*models.Sequence) [][]Cell {
	header := make([]Cell, len(Header))
	for i, h := range Header {
		header[i] = Cell{Text: h}
	}
	matrix := [][]Cell{header}

	for _, seq := range seqs {
		source := ""
		if seq.Run.Source != nil {
			source = seq.Run.Source.Name
		}
		row := []Cell{
			text(seq.Telescope),
			number(seq.Seq),
			optional(int64(seq.Parent)),
			text(string(seq.Kind)),
			number(seq.Run.ID),
			number(seq.Run.Subruns),
			text(source),
			text(string(seq.Action)),
			number(seq.Tries),
			optional(seq.JobID),
			text(string(seq.State)),
			text(seq.CPUTime),
			text(seq.Exit),
		}

		if p, ok := seq.Payload.(*models.DataPayload); ok {
			c := p.Completion
			row = append(row, number(c.DL1), number(c.Muons), number(c.DL1ab), number(c.Datacheck), number(c.DL2))
		} else {
			for i := 0; i < 5; i++ {
				row = append(row, text(""))
			}
		}
		matrix = append(matrix, row)
	}
	return matrix
}

// Lines pads every column to its widest value.
func Lines(matrix [][]Cell, padding int) []string {
	var widths []int
	for _, row := range matrix {
		for j, c := range row {
			w := utf8.RuneCountInString(c.Text)
			if j >= len(widths) {
				widths = append(widths, w)
			} else if w > widths[j] {
				widths[j] = w
			}
		}
	}

	pad := strings.Repeat(" ", padding)
	lines := make([]string, 0, len(matrix))
	for _, row := range matrix {
		var b strings.Builder
		for j, c := range row {
			fill := strings.Repeat(" ", widths[j]-utf8.RuneCountInString(c.Text))
			if c.Numeric {
				b.WriteString(fill + c.Text + pad)
			} else {
				b.WriteString(c.Text + fill + pad)
			}
		}
		lines = append(lines, b.String())
	}
	return lines
}

// Log writes the report line by line.
func Log(logger arbor.ILogger, seqs []*models.Sequence) {
	for _, line := range Lines(Matrix(seqs), DefaultPadding) {
		logger.Info().Msg(line)
	}
}
