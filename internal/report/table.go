package report

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/cta-observatory/osa/internal/models"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	numberStyle = cellStyle.Align(lipgloss.Right)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

const stateColumn = 10

// StateColor is the colour used for a job state in terminal output.
func StateColor(state models.JobState) lipgloss.Color {
	switch state {
	case models.JobStateCompleted:
		return lipgloss.Color("10")
	case models.JobStateRunning:
		return lipgloss.Color("12")
	case models.JobStatePending:
		return lipgloss.Color("11")
	case models.JobStateFailed, models.JobStateTimeout:
		return lipgloss.Color("9")
	case models.JobStateCancelled:
		return lipgloss.Color("13")
	default:
		return lipgloss.Color("8")
	}
}

// Table renders the report as a bordered terminal table.
func Table(seqs []*models.Sequence) string {
	matrix := Matrix(seqs)

	rows := make([][]string, 0, len(matrix)-1)
	for _, r := range matrix[1:] {
		row := make([]string, len(r))
		for i, c := range r {
			row[i] = c.Text
		}
		rows = append(rows, row)
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers(Header...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if row < 0 || row >= len(seqs) {
				return cellStyle
			}
			cell := matrix[row+1][col]
			if col == stateColumn {
				return cellStyle.Foreground(StateColor(seqs[row].State))
			}
			if cell.Numeric {
				return numberStyle
			}
			return cellStyle
		})

	return t.String()
}
