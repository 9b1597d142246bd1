package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/cta-observatory/osa/internal/history"
	"github.com/cta-observatory/osa/internal/models"
	"github.com/cta-observatory/osa/internal/report"
	"github.com/cta-observatory/osa/internal/storage"
)

type View int

const (
	ViewPassList View = iota
	ViewPassDetail
	ViewHistory
)

const refreshEvery = 5 * time.Second

// Store is the part of the processing database the dashboard reads.
type Store interface {
	ListPasses(limit int) ([]*models.Pass, error)
	GetSequencesForPass(passID string) ([]*models.Sequence, error)
	DeletePass(id string) error
}

// Trigger runs one sequencer pass on demand.
type Trigger func(ctx context.Context) error

type App struct {
	store   Store
	trigger Trigger

	view        View
	passes      []*models.Pass
	selectedIdx int
	selected    *models.Pass
	sequences   []*models.Sequence
	seqTable    table.Model
	history     []history.Line
	historyOf   string
	triggering  bool

	width  int
	height int
	err    error
}

func NewApp(store Store, trigger Trigger) *App {
	return &App{
		store:    store,
		trigger:  trigger,
		view:     ViewPassList,
		seqTable: newSequenceTable(),
	}
}

func newSequenceTable() table.Model {
	cols := []table.Column{
		{Title: "Tel", Width: 5},
		{Title: "Seq", Width: 4},
		{Title: "Parent", Width: 6},
		{Title: "Type", Width: 9},
		{Title: "Run", Width: 6},
		{Title: "Subruns", Width: 7},
		{Title: "Source", Width: 14},
		{Title: "Action", Width: 7},
		{Title: "Tries", Width: 5},
		{Title: "JobID", Width: 9},
		{Title: "State", Width: 10},
		{Title: "CPU_time", Width: 9},
		{Title: "Exit", Width: 5},
		{Title: "DL1%", Width: 5},
		{Title: "DL2%", Width: 5},
	}
	t := table.New(
		table.WithColumns(cols),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57"))
	t.SetStyles(styles)
	return t
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadPasses, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		if msg.Height > 10 {
			a.seqTable.SetHeight(msg.Height - 8)
		}
		return a, nil

	case passesLoadedMsg:
		a.passes = msg.passes
		a.err = msg.err
		if a.selectedIdx >= len(a.passes) && len(a.passes) > 0 {
			a.selectedIdx = len(a.passes) - 1
		}
		return a, nil

	case tickMsg:
		switch a.view {
		case ViewPassList:
			return a, tea.Batch(a.loadPasses, a.tickCmd())
		case ViewPassDetail:
			if a.selected != nil {
				return a, tea.Batch(a.loadSequences(a.selected), a.tickCmd())
			}
		}
		return a, a.tickCmd()

	case sequencesLoadedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.selected = msg.pass
			a.sequences = msg.sequences
			a.seqTable.SetRows(sequenceRows(msg.sequences))
			a.view = ViewPassDetail
		}
		return a, nil

	case historyLoadedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.history = msg.lines
			a.historyOf = msg.jobName
			a.view = ViewHistory
		}
		return a, nil

	case passDeletedMsg:
		a.err = msg.err
		if a.selectedIdx >= len(a.passes)-1 && a.selectedIdx > 0 {
			a.selectedIdx--
		}
		return a, a.loadPasses

	case passTriggeredMsg:
		a.triggering = false
		if msg.err != nil {
			a.err = msg.err
			return a, nil
		}
		return a, a.loadPasses
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewPassList:
		return a.handlePassListKey(msg)
	case ViewPassDetail:
		return a.handlePassDetailKey(msg)
	case ViewHistory:
		return a.handleHistoryKey(msg)
	}
	return a, nil
}

func (a *App) handlePassListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.passes)-1 {
			a.selectedIdx++
		}

	case "enter":
		if pass := a.current(); pass != nil {
			return a, a.loadSequences(pass)
		}

	case "r":
		return a, a.loadPasses

	case "p":
		if a.trigger != nil && !a.triggering {
			a.triggering = true
			return a, a.runPass
		}

	case "d":
		if pass := a.current(); pass != nil {
			return a, a.deletePass(pass.ID)
		}
	}

	return a, nil
}

func (a *App) handlePassDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewPassList
		a.selected = nil
		a.sequences = nil
		return a, a.loadPasses

	case "ctrl+c":
		return a, tea.Quit

	case "enter", "h":
		i := a.seqTable.Cursor()
		if i >= 0 && i < len(a.sequences) {
			return a, a.loadHistory(a.sequences[i])
		}
		return a, nil
	}

	var cmd tea.Cmd
	a.seqTable, cmd = a.seqTable.Update(msg)
	return a, cmd
}

func (a *App) handleHistoryKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewPassDetail
		a.history = nil

	case "ctrl+c":
		return a, tea.Quit
	}

	return a, nil
}

func (a *App) current() *models.Pass {
	if a.selectedIdx < 0 || a.selectedIdx >= len(a.passes) {
		return nil
	}
	return a.passes[a.selectedIdx]
}

func (a *App) View() string {
	switch a.view {
	case ViewPassList:
		return a.viewPassList()
	case ViewPassDetail:
		return a.viewPassDetail()
	case ViewHistory:
		return a.viewHistory()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusIdle     = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func (a *App) viewPassList() string {
	s := titleStyle.Render("OSA sequencer") + "\n\n"

	if a.err != nil {
		s += errorStyle.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	}
	if a.triggering {
		s += statusRunning.Render("● pass running...") + "\n"
	}

	if len(a.passes) == 0 {
		s += "No passes recorded yet.\n"
	} else {
		s += "Recent passes\n"
		s += "─────────────\n"

		for i, pass := range a.passes {
			line := formatPassLine(pass)
			switch {
			case i == a.selectedIdx:
				line = selectedStyle.Render("▶ " + line)
			case pass.Status == models.PassStatusRunning:
				line = "  " + line
			default:
				line = "  " + dimStyle.Render(line)
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] sequences  [p] run pass  [d] delete  [r] refresh  [q] quit")

	return s
}

func formatPassLine(pass *models.Pass) string {
	return fmt.Sprintf("%-5s %s %-8s %s  %3d submitted  %s",
		pass.Telescope, pass.Date, pass.ProdID,
		formatStatus(pass.Status), pass.Submitted, storage.FormatTimeAgo(pass.StartedAt))
}

func formatStatus(status models.PassStatus) string {
	label := fmt.Sprintf("%-14s", status)
	switch status {
	case models.PassStatusRunning:
		return statusRunning.Render("● " + label)
	case models.PassStatusCompleted, models.PassStatusClosed:
		return statusComplete.Render("✓ " + label)
	case models.PassStatusFailed:
		return statusFailed.Render("✗ " + label)
	default:
		return statusIdle.Render("○ " + label)
	}
}

func (a *App) viewPassDetail() string {
	if a.selected == nil {
		return "No pass selected"
	}
	pass := a.selected

	header := fmt.Sprintf("%s %s %s", pass.Telescope, pass.Date, pass.ProdID)
	s := titleStyle.Render(header) + "  " + formatStatus(pass.Status) + "\n"
	s += labelStyle.Render("Pass: ") + dimStyle.Render(pass.ID) + "\n"
	if pass.Error != "" {
		s += errorStyle.Render(pass.Error) + "\n"
	}
	s += "\n"

	if len(a.sequences) == 0 {
		s += "(no sequences recorded)\n"
	} else {
		s += a.seqTable.View() + "\n"
		s += stateSummary(a.sequences) + "\n"
	}

	s += "\n" + helpStyle.Render("[↑/↓] select  [enter] history  [esc] back  [ctrl+c] quit")
	return s
}

// stateSummary counts sequences per job state, coloured like the report.
func stateSummary(seqs []*models.Sequence) string {
	order := []models.JobState{
		models.JobStateCompleted, models.JobStateRunning, models.JobStatePending,
		models.JobStateFailed, models.JobStateTimeout, models.JobStateCancelled,
	}
	counts := make(map[models.JobState]int)
	for _, seq := range seqs {
		counts[seq.State]++
	}

	var parts []string
	for _, state := range order {
		if counts[state] == 0 {
			continue
		}
		style := lipgloss.NewStyle().Foreground(report.StateColor(state))
		parts = append(parts, style.Render(fmt.Sprintf("%s %d", state, counts[state])))
	}
	if n := counts[models.JobStateUnknown]; n > 0 {
		parts = append(parts, dimStyle.Render(fmt.Sprintf("unknown %d", n)))
	}
	return strings.Join(parts, "  ")
}

func sequenceRows(seqs []*models.Sequence) []table.Row {
	matrix := report.Matrix(seqs)
	index := make(map[string]int, len(report.Header))
	for i, h := range report.Header {
		index[h] = i
	}

	pick := func(row []report.Cell, name string) string {
		i, ok := index[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i].Text
	}

	rows := make([]table.Row, 0, len(seqs))
	for _, r := range matrix[1:] {
		rows = append(rows, table.Row{
			pick(r, "Tel"), pick(r, "Seq"), pick(r, "Parent"), pick(r, "Type"),
			pick(r, "Run"), pick(r, "Subruns"), pick(r, "Source"), pick(r, "Action"),
			pick(r, "Tries"), pick(r, "JobID"), pick(r, "State"), pick(r, "CPU_time"),
			pick(r, "Exit"), pick(r, "DL1%"), pick(r, "DL2%"),
		})
	}
	return rows
}

func (a *App) viewHistory() string {
	s := titleStyle.Render("History "+a.historyOf) + "\n\n"

	if len(a.history) == 0 {
		s += "(no history yet)\n"
	}
	for _, l := range a.history {
		switch {
		case l.Err != nil:
			s += dimStyle.Render(fmt.Sprintf("%4d  %s", l.Number, l.Raw)) + "\n"
		case l.Record.ExitCode != 0:
			s += statusFailed.Render(fmt.Sprintf("%4d  %s", l.Number, l.Raw)) + "\n"
		default:
			s += fmt.Sprintf("%4d  %s\n", l.Number, l.Raw)
		}
	}

	s += "\n" + helpStyle.Render("[esc] back  [ctrl+c] quit")
	return s
}

// Messages

type passesLoadedMsg struct {
	passes []*models.Pass
	err    error
}

type sequencesLoadedMsg struct {
	pass      *models.Pass
	sequences []*models.Sequence
	err       error
}

type historyLoadedMsg struct {
	jobName string
	lines   []history.Line
	err     error
}

type passDeletedMsg struct {
	passID string
	err    error
}

type passTriggeredMsg struct {
	err error
}

// Commands

func (a *App) loadPasses() tea.Msg {
	passes, err := a.store.ListPasses(20)
	return passesLoadedMsg{passes: passes, err: err}
}

func (a *App) loadSequences(pass *models.Pass) tea.Cmd {
	return func() tea.Msg {
		seqs, err := a.store.GetSequencesForPass(pass.ID)
		return sequencesLoadedMsg{pass: pass, sequences: seqs, err: err}
	}
}

// loadHistory reads the run-wise history followed by every subrun history.
func (a *App) loadHistory(seq *models.Sequence) tea.Cmd {
	return func() tea.Msg {
		paths := []string{seq.History}
		if seq.Kind == models.SequenceKindData {
			for subrun := 0; subrun < seq.Subruns(); subrun++ {
				paths = append(paths, history.SubrunFile(seq.History, subrun))
			}
		}

		var all []history.Line
		for _, path := range paths {
			lines, err := history.ReadLines(path)
			if err != nil {
				return historyLoadedMsg{err: err}
			}
			all = append(all, lines...)
		}
		return historyLoadedMsg{jobName: seq.JobName, lines: all}
	}
}

func (a *App) deletePass(id string) tea.Cmd {
	return func() tea.Msg {
		return passDeletedMsg{passID: id, err: a.store.DeletePass(id)}
	}
}

func (a *App) runPass() tea.Msg {
	return passTriggeredMsg{err: a.trigger(context.Background())}
}
