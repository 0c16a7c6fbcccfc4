package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/fleet/internal/models"
	"github.com/mpataki/fleet/internal/orchestrator"
	"github.com/mpataki/fleet/internal/status"
	"github.com/mpataki/fleet/internal/storage"
)

type View int

const (
	ViewRunList View = iota
	ViewRunDetail
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1)
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusColors  = map[string]lipgloss.Style{
		"pending":     lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		"in_progress": lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		"running":     lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		"completed":   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		"complete":    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		"failed":      lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		"timeout":     lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
		"interrupted": lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
	}
)

type App struct {
	orchestrator *orchestrator.Orchestrator

	view        View
	runs        []*models.Run
	selectedIdx int
	selectedRun *models.Run
	agents      []*storage.Agent
	records     map[string]*status.Record
	bar         progress.Model

	width  int
	height int
	err    error
}

func NewApp(orch *orchestrator.Orchestrator) *App {
	return &App{
		orchestrator: orch,
		view:         ViewRunList,
		records:      map[string]*status.Record{},
		bar:          progress.New(progress.WithDefaultGradient()),
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadRuns, a.tickCmd())
}

type tickMsg time.Time

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type runsLoadedMsg struct {
	runs []*models.Run
	err  error
}

func (a *App) loadRuns() tea.Msg {
	runs, err := a.orchestrator.ListRuns(50)
	return runsLoadedMsg{runs: runs, err: err}
}

type runDetailMsg struct {
	run     *models.Run
	agents  []*storage.Agent
	records map[string]*status.Record
	err     error
}

func (a *App) loadRunDetail(runID int64) tea.Cmd {
	return func() tea.Msg {
		run, err := a.orchestrator.GetRun(runID)
		if err != nil {
			return runDetailMsg{err: err}
		}
		agents, err := a.orchestrator.GetAgentsForRun(runID)
		if err != nil {
			return runDetailMsg{err: err}
		}

		// Live status straight from the run directory; the database only has
		// the last persisted snapshot.
		records := map[string]*status.Record{}
		if run.RunDir != "" {
			recs, _, err := status.NewFileStore(run.RunDir).Scan()
			if err == nil {
				for _, rec := range recs {
					records[rec.AgentID] = rec
				}
			}
		}

		return runDetailMsg{run: run, agents: agents, records: records}
	}
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.bar.Width = min(60, msg.Width-30)
		return a, nil

	case runsLoadedMsg:
		a.runs = msg.runs
		a.err = msg.err
		if a.selectedIdx >= len(a.runs) {
			a.selectedIdx = 0
		}
		return a, nil

	case runDetailMsg:
		a.err = msg.err
		if msg.err == nil {
			a.selectedRun = msg.run
			a.agents = msg.agents
			a.records = msg.records
			a.view = ViewRunDetail
		}
		return a, nil

	case tickMsg:
		switch a.view {
		case ViewRunDetail:
			if a.selectedRun != nil {
				return a, tea.Batch(a.loadRunDetail(a.selectedRun.ID), a.tickCmd())
			}
		case ViewRunList:
			return a, tea.Batch(a.loadRuns, a.tickCmd())
		}
		return a, a.tickCmd()
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up":
		if a.view == ViewRunList && a.selectedIdx > 0 {
			a.selectedIdx--
		}
	case "down":
		if a.view == ViewRunList && a.selectedIdx < len(a.runs)-1 {
			a.selectedIdx++
		}
	case "enter":
		if a.view == ViewRunList && len(a.runs) > 0 {
			return a, a.loadRunDetail(a.runs[a.selectedIdx].ID)
		}
	case "esc":
		if a.view == ViewRunDetail {
			a.view = ViewRunList
			return a, a.loadRuns
		}
	case "r":
		if a.view == ViewRunDetail && a.selectedRun != nil {
			return a, a.loadRunDetail(a.selectedRun.ID)
		}
		return a, a.loadRuns
	}
	return a, nil
}

func (a *App) View() string {
	var b strings.Builder

	switch a.view {
	case ViewRunDetail:
		a.renderRunDetail(&b)
	default:
		a.renderRunList(&b)
	}

	if a.err != nil {
		b.WriteString("\n" + errorStyle.Render("error: "+a.err.Error()) + "\n")
	}
	return b.String()
}

func (a *App) renderRunList(b *strings.Builder) {
	b.WriteString(titleStyle.Render("fleet: orchestration runs") + "\n\n")

	if len(a.runs) == 0 {
		b.WriteString(dimStyle.Render("  no runs yet, start one with `fleet run <config>`") + "\n")
	}

	for i, run := range a.runs {
		line := fmt.Sprintf("#%-4d %-12s %d/%d agents done  %s",
			run.ID, statusLabel(string(run.Status)),
			run.Completed+run.Failed+run.TimedOut, run.Total,
			dimStyle.Render(run.CreatedAt.Format("Jan 2 15:04")))
		if i == a.selectedIdx {
			line = selectedStyle.Render("> " + line)
		} else {
			line = "  " + line
		}
		b.WriteString(line + "\n")
	}

	b.WriteString("\n" + dimStyle.Render("↑/↓ select · enter detail · r refresh · q quit") + "\n")
}

func (a *App) renderRunDetail(b *strings.Builder) {
	run := a.selectedRun
	if run == nil {
		return
	}

	b.WriteString(titleStyle.Render(fmt.Sprintf("run #%d [%s]", run.ID, run.Status)) + "\n\n")

	for _, agent := range a.agents {
		st := agent.Status
		pct := agent.CompletionPercentage
		if rec, ok := a.records[agent.AgentID]; ok {
			st = string(rec.Status)
			pct = rec.CompletionPercentage
		}

		b.WriteString(fmt.Sprintf("  %-14s %-12s %s %3d%%\n",
			agent.AgentID, statusLabel(st), a.bar.ViewAs(float64(pct)/100), pct))

		if rec, ok := a.records[agent.AgentID]; ok && len(rec.Errors) > 0 {
			b.WriteString("      " + errorStyle.Render("last error: "+rec.Errors[len(rec.Errors)-1]) + "\n")
		}
	}

	b.WriteString("\n" + dimStyle.Render("esc back · r refresh · q quit") + "\n")
}

func statusLabel(st string) string {
	if style, ok := statusColors[st]; ok {
		return style.Render(st)
	}
	return st
}
