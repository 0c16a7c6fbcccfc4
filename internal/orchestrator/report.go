package orchestrator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/fleet/internal/models"
	"github.com/mpataki/fleet/internal/status"
	"github.com/mpataki/fleet/internal/storage"
)

func (o *Orchestrator) buildReport(run *models.Run, units []*unit, start time.Time) *models.Report {
	report := &models.Report{
		RunID:     run.ID,
		UUID:      run.UUID,
		Total:     len(units),
		StartedAt: start,
	}

	for _, u := range units {
		switch u.terminal {
		case status.StatusCompleted:
			report.Completed++
		case status.StatusTimeout:
			report.TimedOut++
		default:
			report.Failed++
		}
		report.PerAgent = append(report.PerAgent, u.summary())
	}

	if report.Total > 0 {
		report.SuccessRate = float64(report.Completed) / float64(report.Total) * 100
	}
	report.FinishedAt = time.Now()
	report.DurationSeconds = report.FinishedAt.Sub(start).Seconds()

	return report
}

func (u *unit) summary() models.AgentSummary {
	s := models.AgentSummary{
		AgentID:   u.agentID(),
		TaskID:    u.task.ID,
		Branch:    u.task.Branch,
		Status:    string(u.terminal),
		Errors:    []string{},
		ExitCode:  u.exitCode,
		StartedAt: u.startedAt,
		EndedAt:   u.endedAt,
	}
	if u.wctx != nil {
		s.LogPath = u.wctx.LogPath
	}
	if u.record != nil {
		s.CompletionPercentage = u.record.CompletionPercentage
		s.Errors = append(s.Errors, u.record.Errors...)
	}
	s.Errors = append(s.Errors, u.errs...)
	return s
}

// writeReport persists the report to its well-known locations inside the run
// directory, JSON for machines and text for humans. Failures are logged; the
// report is still returned to the caller.
func (o *Orchestrator) writeReport(runDir string, report *models.Report) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err == nil {
		if err := os.WriteFile(filepath.Join(runDir, "report.json"), data, 0644); err != nil {
			o.log.Warn("failed to write report.json", zap.Error(err))
		}
	}
	if err := os.WriteFile(filepath.Join(runDir, "report.txt"), []byte(report.Text()), 0644); err != nil {
		o.log.Warn("failed to write report.txt", zap.Error(err))
	}
}

// persistAgents mirrors the units into the run-history database, inserting on
// first sight and updating after.
func (o *Orchestrator) persistAgents(runID int64, units []*unit) {
	existing, err := o.store.GetAgentsForRun(runID)
	if err != nil {
		o.log.Warn("failed to load agent rows", zap.Error(err))
		return
	}
	known := make(map[string]bool, len(existing))
	for _, a := range existing {
		known[a.AgentID] = true
	}

	for _, u := range units {
		row := &storage.Agent{AgentSummary: u.summary()}
		if row.Status == "" {
			if u.record != nil {
				row.Status = string(u.record.Status)
			} else {
				row.Status = string(status.StatusPending)
			}
		}
		if u.handle != nil {
			row.PID = u.handle.PID
		}

		if known[u.agentID()] {
			err = o.store.UpdateAgent(runID, row)
		} else {
			err = o.store.CreateAgent(runID, row)
		}
		if err != nil {
			o.log.Warn("failed to persist agent row",
				zap.String("agent_id", u.agentID()), zap.Error(err))
		}
	}
}
