package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/fleet/internal/status"
)

// HealthState is the monitor's judgement of one status record at one instant.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthStalled   HealthState = "stalled"
	HealthFailed    HealthState = "failed"
	HealthCompleted HealthState = "completed"
)

// Transition is one observed status change between two polls.
type Transition struct {
	AgentID  string
	From     status.AgentStatus // empty when the agent appears for the first time
	To       status.AgentStatus
	Progress int
}

// CompletionResult is returned by WaitForCompletion once every tracked agent
// is terminal.
type CompletionResult struct {
	Records   []*status.Record
	Completed int
	Target    int
}

// TimeoutError reports a wait that ran out of time, with how far the batch
// got.
type TimeoutError struct {
	Completed int
	Target    int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("orchestration timed out: %d of %d agents reached a terminal status", e.Completed, e.Target)
}

// Config carries the monitor's two staleness thresholds. Stall is a soft
// warning; timeout is the hard cutoff the orchestrator enforces.
type Config struct {
	StallThreshold   time.Duration
	TimeoutThreshold time.Duration

	// CorruptFailTicks is how many consecutive polls a status file may stay
	// unparseable before the agent is classified failed.
	CorruptFailTicks int
}

// Monitor reads agent status from a Source and classifies it. It never talks
// to a worker; the status files are its only input.
type Monitor struct {
	source status.Source
	cfg    Config
	log    *zap.Logger

	corruptStreaks map[string]int
}

func New(source status.Source, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.CorruptFailTicks <= 0 {
		cfg.CorruptFailTicks = 3
	}
	return &Monitor{
		source:         source,
		cfg:            cfg,
		log:            logger,
		corruptStreaks: make(map[string]int),
	}
}

// PollAll sweeps the source once. Corrupt records are logged and excluded
// from the batch rather than aborting the poll; they are retried next tick.
func (m *Monitor) PollAll() ([]*status.Record, error) {
	records, corrupt, err := m.source.Scan()
	if err != nil {
		return nil, err
	}

	for _, rec := range records {
		delete(m.corruptStreaks, rec.AgentID)
	}
	for _, ce := range corrupt {
		m.corruptStreaks[ce.AgentID]++
		m.log.Warn("skipping corrupt status record",
			zap.String("agent_id", ce.AgentID),
			zap.Int("consecutive_polls", m.corruptStreaks[ce.AgentID]),
			zap.Error(ce.Err))
	}

	return records, nil
}

// CorruptFailures lists agents whose status file has been unparseable for
// enough consecutive polls to count as a worker-level failure.
func (m *Monitor) CorruptFailures() []string {
	var out []string
	for agentID, streak := range m.corruptStreaks {
		if streak >= m.cfg.CorruptFailTicks {
			out = append(out, agentID)
		}
	}
	sort.Strings(out)
	return out
}

// Classify maps one record to a health state at the given instant. Pure: the
// same record and the same now always yield the same state.
func (m *Monitor) Classify(rec *status.Record, now time.Time) HealthState {
	switch rec.Status {
	case status.StatusCompleted:
		return HealthCompleted
	case status.StatusFailed, status.StatusTimeout:
		return HealthFailed
	}
	if rec.Age(now) > m.cfg.StallThreshold {
		return HealthStalled
	}
	return HealthHealthy
}

// TimedOut reports whether a non-terminal record has gone silent past the
// hard cutoff. The orchestrator forces termination on it.
func (m *Monitor) TimedOut(rec *status.Record, now time.Time) bool {
	return !rec.Status.Terminal() && rec.Age(now) > m.cfg.TimeoutThreshold
}

// DetectChanges diffs two snapshots keyed by agent ID. Comparing a batch to
// itself yields nothing.
func DetectChanges(previous, current []*status.Record) []Transition {
	prev := make(map[string]*status.Record, len(previous))
	for _, rec := range previous {
		prev[rec.AgentID] = rec
	}

	var out []Transition
	for _, rec := range current {
		old, seen := prev[rec.AgentID]
		if seen && old.Status == rec.Status && old.CompletionPercentage == rec.CompletionPercentage {
			continue
		}
		tr := Transition{
			AgentID:  rec.AgentID,
			To:       rec.Status,
			Progress: rec.CompletionPercentage,
		}
		if seen {
			tr.From = old.Status
		}
		out = append(out, tr)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// AllTerminal reports whether every record in the batch is terminal. An empty
// batch is never terminal; before any worker has written its first record
// there is nothing to conclude.
func AllTerminal(batch []*status.Record) bool {
	if len(batch) == 0 {
		return false
	}
	for _, rec := range batch {
		if !rec.Status.Terminal() {
			return false
		}
	}
	return true
}

// WaitForCompletion polls until every tracked agent reaches a terminal
// status. It returns a *TimeoutError when the overall timeout elapses first
// (the timeout fires on time even when it is shorter than the poll interval)
// and the context error if the caller cancels.
func (m *Monitor) WaitForCompletion(ctx context.Context, agentIDs []string, timeout, pollInterval time.Duration) (*CompletionResult, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	check := func() (*CompletionResult, bool) {
		records := make([]*status.Record, 0, len(agentIDs))
		completed := 0
		for _, agentID := range agentIDs {
			rec, err := m.source.Read(agentID)
			if err != nil {
				var ce *status.CorruptError
				if errors.As(err, &ce) {
					continue
				}
				m.log.Warn("status read failed", zap.String("agent_id", agentID), zap.Error(err))
				continue
			}
			if rec == nil {
				continue
			}
			records = append(records, rec)
			if rec.Status.Terminal() {
				completed++
			}
		}
		if len(agentIDs) > 0 && completed == len(agentIDs) {
			return &CompletionResult{Records: records, Completed: completed, Target: len(agentIDs)}, true
		}
		return &CompletionResult{Records: records, Completed: completed, Target: len(agentIDs)}, false
	}

	if result, done := check(); done {
		return result, nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			result, _ := check()
			return nil, &TimeoutError{Completed: result.Completed, Target: result.Target}
		case <-ticker.C:
			if result, done := check(); done {
				return result, nil
			}
		}
	}
}
