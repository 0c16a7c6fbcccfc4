package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/fleet/internal/models"
	"github.com/mpataki/fleet/internal/status"
	"github.com/mpataki/fleet/internal/storage"
	"github.com/mpataki/fleet/internal/supervisor"
	"github.com/mpataki/fleet/internal/workspace"
)

// Read methods for the CLI and TUI.

func (o *Orchestrator) ListRuns(limit int) ([]*models.Run, error) {
	return o.store.ListRuns(limit)
}

func (o *Orchestrator) GetRun(id int64) (*models.Run, error) {
	return o.store.GetRun(id)
}

func (o *Orchestrator) GetAgentsForRun(runID int64) ([]*storage.Agent, error) {
	return o.store.GetAgentsForRun(runID)
}

// LoadReport reads the report artifact a finished run wrote.
func (o *Orchestrator) LoadReport(runID int64) ([]byte, error) {
	run, err := o.store.GetRun(runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	data, err := os.ReadFile(filepath.Join(run.RunDir, "report.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	return data, nil
}

// KillRun force-kills every live worker process group recorded for a run and
// marks the run failed.
func (o *Orchestrator) KillRun(runID int64) error {
	run, err := o.store.GetRun(runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}

	// A finished run has nothing left to kill; leave its history row alone.
	if run.Status != models.RunStatusPending && run.Status != models.RunStatusRunning {
		o.log.Info("run already finished, nothing to kill",
			zap.Int64("run_id", runID), zap.String("status", string(run.Status)))
		return nil
	}

	agents, err := o.store.GetAgentsForRun(runID)
	if err != nil {
		return fmt.Errorf("failed to get agents: %w", err)
	}

	now := time.Now()
	for _, a := range agents {
		if a.PID <= 0 || status.AgentStatus(a.Status).Terminal() {
			continue
		}
		o.log.Info("killing worker process group",
			zap.String("agent_id", a.AgentID), zap.Int("pid", a.PID))
		supervisor.KillProcessGroup(a.PID)

		a.Status = string(status.StatusFailed)
		a.EndedAt = &now
		a.Errors = append(a.Errors, "killed by operator")
		if err := o.store.UpdateAgent(runID, a); err != nil {
			o.log.Warn("failed to update agent row", zap.String("agent_id", a.AgentID), zap.Error(err))
		}
	}

	run.Status = models.RunStatusFailed
	run.CompletedAt = &now
	return o.store.UpdateRun(run)
}

// DeleteRun removes a run's worktrees, branches, and workspace directory
// (best-effort), then deletes it from the run history.
func (o *Orchestrator) DeleteRun(runID int64) error {
	run, err := o.store.GetRun(runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}

	agents, err := o.store.GetAgentsForRun(runID)
	if err != nil {
		return fmt.Errorf("failed to get agents: %w", err)
	}

	if run.RunDir != "" {
		provider := workspace.NewProvider(run.RunDir, run.SourceRepo, o.cfg.AgentCommand, o.cfg.GitTimeout, o.log)
		for _, a := range agents {
			provider.Destroy(&workspace.Context{
				AgentID:  a.AgentID,
				Root:     filepath.Join(run.RunDir, a.AgentID),
				RepoPath: filepath.Join(run.RunDir, a.AgentID, "repo"),
				Branch:   a.Branch,
			})
		}
		if err := os.RemoveAll(run.RunDir); err != nil {
			o.log.Warn("failed to remove run directory", zap.Error(err))
		}
	}

	return o.store.DeleteRun(runID)
}
