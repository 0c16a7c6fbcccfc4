package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mpataki/fleet/internal/config"
	"github.com/mpataki/fleet/internal/models"
	"github.com/mpataki/fleet/internal/monitor"
	"github.com/mpataki/fleet/internal/status"
	"github.com/mpataki/fleet/internal/storage"
	"github.com/mpataki/fleet/internal/supervisor"
	"github.com/mpataki/fleet/internal/workspace"
)

// Policy decides whether one agent's failure affects the rest of the run.
type Policy string

const (
	PolicyContinueOnFailure Policy = "continue_on_failure"
	PolicyFailFast          Policy = "fail_fast"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyContinueOnFailure, PolicyFailFast:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("unknown recovery policy %q", s)
	}
}

// Phase is where the run currently is in its lifecycle.
type Phase string

const (
	PhaseSetup      Phase = "setup"
	PhaseLaunched   Phase = "launched"
	PhaseMonitoring Phase = "monitoring"
	PhaseFinalizing Phase = "finalizing"
	PhaseDone       Phase = "done"
)

// Options are the per-run knobs, resolved by the CLI from config defaults and
// flags.
type Options struct {
	SourceRepo string
	ConfigPath string
	Policy     Policy

	MaxRuntime       time.Duration
	PollInterval     time.Duration
	StallThreshold   time.Duration
	TimeoutThreshold time.Duration
	GracePeriod      time.Duration
}

// Orchestrator drives a run end to end: isolation contexts, worker launches,
// the monitoring loop, and the final report. One orchestrator, many workers,
// no channel back to a worker except process signals.
type Orchestrator struct {
	store *storage.Storage
	cfg   *config.Config
	log   *zap.Logger
	phase Phase
}

func New(store *storage.Storage, cfg *config.Config, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store: store,
		cfg:   cfg,
		log:   logger,
	}
}

// unit is the in-memory work unit for one agent.
type unit struct {
	task     models.Task
	wctx     *workspace.Context
	handle   *supervisor.Handle
	record   *status.Record
	terminal status.AgentStatus
	errs     []string

	startedAt *time.Time
	endedAt   *time.Time
	exitCode  *int
}

func (u *unit) agentID() string { return u.task.AgentID() }

func (u *unit) finish(st status.AgentStatus) {
	u.terminal = st
	if u.endedAt == nil {
		now := time.Now()
		u.endedAt = &now
	}
}

type loopOutcome int

const (
	outcomeAllTerminal loopOutcome = iota
	outcomeDeadline
	outcomeFailFast
	outcomeInterrupted
)

// Run executes one orchestration run. It returns an error only for fatal
// pre-flight failures; per-agent failures are folded into the report, and the
// run is considered to have completed once the loop reaches done.
func (o *Orchestrator) Run(ctx context.Context, tasks []models.Task, opts Options) (*models.Report, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("no tasks to run")
	}
	start := time.Now()

	run := &models.Run{
		UUID:       uuid.NewString(),
		SourceRepo: opts.SourceRepo,
		ConfigPath: opts.ConfigPath,
		Status:     models.RunStatusPending,
		Total:      len(tasks),
	}
	id, err := o.store.CreateRun(run)
	if err != nil {
		return nil, fmt.Errorf("failed to create run record: %w", err)
	}
	run.ID = id
	run.RunDir = o.cfg.RunDir(id)
	if err := os.MkdirAll(run.RunDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	provider := workspace.NewProvider(run.RunDir, opts.SourceRepo, o.cfg.AgentCommand, o.cfg.GitTimeout, o.log)
	sup := supervisor.New(o.log)
	mon := monitor.New(provider.Statuses(), monitor.Config{
		StallThreshold:   opts.StallThreshold,
		TimeoutThreshold: opts.TimeoutThreshold,
	}, o.log)

	o.log.Info("starting run",
		zap.Int64("run_id", id),
		zap.String("uuid", run.UUID),
		zap.Int("tasks", len(tasks)),
		zap.String("policy", string(opts.Policy)))

	units := o.setup(provider, tasks)
	o.launch(sup, units)

	run.Status = models.RunStatusRunning
	if err := o.store.UpdateRun(run); err != nil {
		o.log.Warn("failed to persist run status", zap.Error(err))
	}
	o.persistAgents(id, units)

	o.setPhase(PhaseMonitoring)
	outcome := o.monitorLoop(ctx, mon, sup, units, opts)

	o.setPhase(PhaseFinalizing)
	o.finalize(sup, units, opts.GracePeriod)

	o.setPhase(PhaseDone)
	report := o.buildReport(run, units, start)
	o.writeReport(run.RunDir, report)

	now := time.Now()
	run.CompletedAt = &now
	run.Completed = report.Completed
	run.Failed = report.Failed
	run.TimedOut = report.TimedOut
	if outcome == outcomeInterrupted {
		run.Status = models.RunStatusInterrupted
	} else {
		run.Status = models.RunStatusComplete
	}
	if err := o.store.UpdateRun(run); err != nil {
		o.log.Warn("failed to persist final run state", zap.Error(err))
	}
	o.persistAgents(id, units)

	o.log.Info("run finished",
		zap.Int64("run_id", id),
		zap.Int("completed", report.Completed),
		zap.Int("failed", report.Failed),
		zap.Int("timed_out", report.TimedOut))
	return report, nil
}

func (o *Orchestrator) setPhase(p Phase) {
	o.phase = p
	o.log.Info("phase transition", zap.String("phase", string(p)))
}

// setup creates every isolation context, continuing past individual failures.
// A task whose context cannot be created is failed on the spot and never
// launches.
func (o *Orchestrator) setup(provider *workspace.Provider, tasks []models.Task) []*unit {
	o.setPhase(PhaseSetup)

	units := make([]*unit, 0, len(tasks))
	for _, task := range tasks {
		u := &unit{task: task}
		wctx, err := provider.Create(task)
		if err != nil {
			o.log.Error("isolation context creation failed",
				zap.String("task_id", task.ID), zap.Error(err))
			u.errs = append(u.errs, "never started: "+err.Error())
			u.finish(status.StatusFailed)
		} else {
			u.wctx = wctx
		}
		units = append(units, u)
	}
	return units
}

func (o *Orchestrator) launch(sup *supervisor.Supervisor, units []*unit) {
	o.setPhase(PhaseLaunched)

	for _, u := range units {
		if u.wctx == nil {
			continue
		}
		h, err := sup.Launch(u.wctx)
		if err != nil {
			o.log.Error("worker launch failed",
				zap.String("agent_id", u.agentID()), zap.Error(err))
			u.errs = append(u.errs, "never started: "+err.Error())
			u.finish(status.StatusFailed)
			continue
		}
		u.handle = h
		u.startedAt = &h.StartedAt
	}
}

// monitorLoop is the single-threaded polling loop. Every tick reads all
// workers in one sweep before any recovery decision, so decisions always see
// a consistent snapshot.
func (o *Orchestrator) monitorLoop(ctx context.Context, mon *monitor.Monitor, sup *supervisor.Supervisor, units []*unit, opts Options) loopOutcome {
	deadline := time.NewTimer(opts.MaxRuntime)
	defer deadline.Stop()
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	byAgent := make(map[string]*unit, len(units))
	for _, u := range units {
		byAgent[u.agentID()] = u
	}

	var previous []*status.Record
	for {
		batch, err := mon.PollAll()
		if err != nil {
			o.log.Warn("status poll failed", zap.Error(err))
		} else {
			for _, tr := range monitor.DetectChanges(previous, batch) {
				o.log.Info("agent status changed",
					zap.String("agent_id", tr.AgentID),
					zap.String("from", string(tr.From)),
					zap.String("to", string(tr.To)),
					zap.Int("progress", tr.Progress))
			}
			previous = batch

			for _, rec := range batch {
				if u, ok := byAgent[rec.AgentID]; ok {
					u.record = rec
				}
			}
		}

		now := time.Now()
		for _, u := range units {
			o.assess(mon, sup, u, now, opts.GracePeriod)
		}
		for _, agentID := range mon.CorruptFailures() {
			u, ok := byAgent[agentID]
			if !ok || u.terminal != "" {
				continue
			}
			u.errs = append(u.errs, "status file stayed unreadable across consecutive polls")
			if u.handle != nil && u.handle.Alive() {
				sup.Terminate(u.handle, opts.GracePeriod)
			}
			u.finish(status.StatusFailed)
		}

		if opts.Policy == PolicyFailFast {
			for _, u := range units {
				if u.terminal == status.StatusFailed || u.terminal == status.StatusTimeout {
					o.log.Warn("failure observed under fail_fast, ending run",
						zap.String("agent_id", u.agentID()))
					return outcomeFailFast
				}
			}
		}

		if allFinished(units) {
			return outcomeAllTerminal
		}

		select {
		case <-ctx.Done():
			o.log.Warn("run interrupted, finalizing")
			return outcomeInterrupted
		case <-deadline.C:
			o.log.Warn("run deadline reached, finalizing",
				zap.Duration("max_runtime", opts.MaxRuntime))
			return outcomeDeadline
		case <-ticker.C:
		}
	}
}

// assess folds one agent's latest observation into its work unit.
func (o *Orchestrator) assess(mon *monitor.Monitor, sup *supervisor.Supervisor, u *unit, now time.Time, grace time.Duration) {
	if u.terminal != "" {
		return
	}
	rec := u.record

	// The worker's own word wins when it reports a terminal state.
	if rec != nil && rec.Status.Terminal() {
		u.finish(rec.Status)
		o.noteExit(u)
		return
	}

	// Process gone without a terminal record: the worker died mid-task.
	if u.handle != nil && !u.handle.Alive() {
		code := u.handle.ExitCode()
		u.exitCode = code
		if code != nil {
			u.errs = append(u.errs, fmt.Sprintf("worker exited before reaching a terminal status (exit %d)", *code))
		} else {
			u.errs = append(u.errs, "worker exited before reaching a terminal status")
		}
		u.finish(status.StatusFailed)
		return
	}

	if rec == nil {
		return
	}

	// Hard cutoff: silent past the timeout threshold gets terminated now.
	if mon.TimedOut(rec, now) {
		o.log.Warn("agent exceeded timeout threshold, terminating",
			zap.String("agent_id", u.agentID()),
			zap.Duration("silent_for", rec.Age(now)))
		if u.handle != nil && u.handle.Alive() {
			sup.Terminate(u.handle, grace)
		}
		u.errs = append(u.errs, fmt.Sprintf("timed out: no status update for %s", rec.Age(now).Round(time.Second)))
		u.finish(status.StatusTimeout)
		o.noteExit(u)
		return
	}

	// Stall is a soft warning only.
	if mon.Classify(rec, now) == monitor.HealthStalled {
		o.log.Warn("agent stalled",
			zap.String("agent_id", u.agentID()),
			zap.Duration("silent_for", rec.Age(now)))
	}
}

func (o *Orchestrator) noteExit(u *unit) {
	if u.handle != nil && u.exitCode == nil {
		u.exitCode = u.handle.ExitCode()
	}
}

// finalize terminates everything still running. Units that never reached a
// terminal state are reported as timed out, whatever their last on-disk
// record claimed.
func (o *Orchestrator) finalize(sup *supervisor.Supervisor, units []*unit, grace time.Duration) {
	for _, u := range units {
		if u.handle != nil && u.handle.Alive() {
			sup.Terminate(u.handle, grace)
		}
		o.noteExit(u)
		if u.terminal == "" {
			u.errs = append(u.errs, "terminated by orchestrator: run ended before the agent finished")
			u.finish(status.StatusTimeout)
		}
	}
}

func allFinished(units []*unit) bool {
	for _, u := range units {
		if u.terminal == "" {
			return false
		}
	}
	return len(units) > 0
}
