package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mpataki/fleet/internal/config"
	"github.com/mpataki/fleet/internal/models"
	"github.com/mpataki/fleet/internal/storage"
)

// writeStatus is shell that rewrites the agent's status file. Fake agents
// ignore the flags the entry script passes and talk through $FLEET_STATUS_FILE
// like real ones.
const writeStatus = `
write_status() {
  cat > "$FLEET_STATUS_FILE" <<EOF
{"agent_id":"$FLEET_AGENT_ID","task_id":"$2","status":"$1","completion_percentage":$3,"last_update":"$(date -u +%Y-%m-%dT%H:%M:%SZ)","errors":[]}
EOF
}
`

func fakeAgent(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script workers are not runnable on windows")
	}
	path := filepath.Join(t.TempDir(), "fake-agent")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+writeStatus+body), 0755))
	return path
}

func testOrchestrator(t *testing.T, agentCmd string) (*Orchestrator, *storage.Storage) {
	t.Helper()
	t.Setenv("FLEET_DATA_DIR", t.TempDir())

	cfg, err := config.New()
	require.NoError(t, err)
	cfg.AgentCommand = agentCmd
	require.NoError(t, cfg.EnsureDataDir())

	store, err := storage.New(cfg.DBPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return New(store, cfg, zap.NewNop()), store
}

func testOptions() Options {
	return Options{
		Policy:           PolicyContinueOnFailure,
		MaxRuntime:       15 * time.Second,
		PollInterval:     50 * time.Millisecond,
		StallThreshold:   time.Minute,
		TimeoutThreshold: 5 * time.Minute,
		GracePeriod:      200 * time.Millisecond,
	}
}

func tasks(n int) []models.Task {
	out := make([]models.Task, 0, n)
	for i := 0; i < n; i++ {
		id := string(rune('1' + i))
		out = append(out, models.Task{ID: id, Branch: "fleet/task-" + id, Task: "work on " + id})
	}
	return out
}

func TestRunAllCompleted(t *testing.T) {
	agent := fakeAgent(t, `write_status completed "$FLEET_AGENT_ID" 100`+"\n")
	o, store := testOrchestrator(t, agent)

	report, err := o.Run(context.Background(), tasks(5), testOptions())
	require.NoError(t, err)

	assert.Equal(t, 5, report.Total)
	assert.Equal(t, 5, report.Completed)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 0, report.TimedOut)
	assert.Equal(t, 100.0, report.SuccessRate)
	assert.Len(t, report.PerAgent, 5)

	run, err := store.GetRun(report.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusComplete, run.Status)
	assert.Equal(t, 5, run.Completed)

	assert.FileExists(t, filepath.Join(run.RunDir, "report.json"))
	assert.FileExists(t, filepath.Join(run.RunDir, "report.txt"))
}

func TestRunOneAgentNeverReports(t *testing.T) {
	// agent-3 exits without ever writing a status record.
	agent := fakeAgent(t, `
if [ "$FLEET_AGENT_ID" = "agent-3" ]; then
  exit 0
fi
write_status completed "$FLEET_AGENT_ID" 100
`)
	o, _ := testOrchestrator(t, agent)

	report, err := o.Run(context.Background(), tasks(5), testOptions())
	require.NoError(t, err, "one silent agent must not abort the run")

	assert.Equal(t, 4, report.Completed)
	assert.Equal(t, 1, report.Failed+report.TimedOut)

	for _, a := range report.PerAgent {
		if a.AgentID == "agent-3" {
			assert.NotEmpty(t, a.Errors, "a silent agent gets a synthetic error")
		}
	}
}

func TestEveryAgentLandsInExactlyOneBucket(t *testing.T) {
	agent := fakeAgent(t, `
case "$FLEET_AGENT_ID" in
  agent-1) write_status completed "$FLEET_AGENT_ID" 100 ;;
  agent-2) write_status failed "$FLEET_AGENT_ID" 30 ;;
  agent-3) exit 7 ;;
  *) write_status completed "$FLEET_AGENT_ID" 100 ;;
esac
`)
	o, _ := testOrchestrator(t, agent)

	n := 4
	report, err := o.Run(context.Background(), tasks(n), testOptions())
	require.NoError(t, err)

	assert.Equal(t, n, report.Completed+report.Failed+report.TimedOut)
	assert.Equal(t, n, report.Total)
}

func TestDeadlineMarksStragglerTimedOut(t *testing.T) {
	// Writes in_progress, then keeps running well past the run deadline.
	agent := fakeAgent(t, `
write_status in_progress "$FLEET_AGENT_ID" 40
sleep 60
`)
	o, _ := testOrchestrator(t, agent)

	opts := testOptions()
	opts.MaxRuntime = 700 * time.Millisecond
	opts.GracePeriod = 100 * time.Millisecond

	start := time.Now()
	report, err := o.Run(context.Background(), tasks(1), opts)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)

	assert.Equal(t, 1, report.TimedOut)
	assert.Equal(t, 0, report.Completed)
	require.Len(t, report.PerAgent, 1)
	// The last on-disk record said in_progress; the report says timeout.
	assert.Equal(t, "timeout", report.PerAgent[0].Status)
}

func TestFailFastEndsRunOnFirstFailure(t *testing.T) {
	agent := fakeAgent(t, `
if [ "$FLEET_AGENT_ID" = "agent-1" ]; then
  write_status failed "$FLEET_AGENT_ID" 10
  exit 1
fi
write_status in_progress "$FLEET_AGENT_ID" 20
sleep 60
`)
	o, _ := testOrchestrator(t, agent)

	opts := testOptions()
	opts.Policy = PolicyFailFast
	opts.GracePeriod = 100 * time.Millisecond

	start := time.Now()
	report, err := o.Run(context.Background(), tasks(2), opts)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second, "fail_fast must not wait out the deadline")

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.TimedOut, "the survivor is terminated and reported timed out")
}

func TestIsolationFailureIsContained(t *testing.T) {
	agent := fakeAgent(t, `write_status completed "$FLEET_AGENT_ID" 100`+"\n")
	o, _ := testOrchestrator(t, agent)

	opts := testOptions()
	// A bogus source repo makes every context creation fail.
	opts.SourceRepo = t.TempDir()

	report, err := o.Run(context.Background(), tasks(2), opts)
	require.NoError(t, err, "creation failures are per-agent, not fatal")
	assert.Equal(t, 2, report.Failed)
	for _, a := range report.PerAgent {
		assert.NotEmpty(t, a.Errors)
	}
}

func TestInterruptFinalizesRun(t *testing.T) {
	// Workers report in_progress, then run well past any interrupt.
	agent := fakeAgent(t, `
write_status in_progress "$FLEET_AGENT_ID" 25
sleep 60
`)
	o, store := testOrchestrator(t, agent)

	opts := testOptions()
	opts.GracePeriod = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(500 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	report, err := o.Run(ctx, tasks(2), opts)
	require.NoError(t, err, "cancellation finalizes the run, it does not abort it")
	assert.Less(t, time.Since(start), 10*time.Second, "cancellation must not wait out the deadline")

	assert.Equal(t, 2, report.TimedOut)
	assert.Equal(t, 0, report.Completed)
	for _, a := range report.PerAgent {
		// The last on-disk record said in_progress; the report says timeout.
		assert.Equal(t, "timeout", a.Status)
		assert.NotEmpty(t, a.Errors)
	}

	run, err := store.GetRun(report.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusInterrupted, run.Status)
	assert.NotNil(t, run.CompletedAt)
}

func TestKillRunMarksLiveAgentsFailed(t *testing.T) {
	agent := fakeAgent(t, "exit 0\n")
	o, store := testOrchestrator(t, agent)

	// Seed a run that looks abandoned mid-flight: running, one agent stuck
	// in_progress with a recorded PID whose process is already gone.
	runID, err := store.CreateRun(&models.Run{UUID: uuid.NewString(), Status: models.RunStatusRunning, Total: 1})
	require.NoError(t, err)

	proc := exec.Command("true")
	require.NoError(t, proc.Start())
	pid := proc.Process.Pid
	require.NoError(t, proc.Wait())

	require.NoError(t, store.CreateAgent(runID, &storage.Agent{
		AgentSummary: models.AgentSummary{
			AgentID: "agent-1",
			TaskID:  "1",
			Status:  "in_progress",
			Errors:  []string{},
		},
		PID: pid,
	}))

	require.NoError(t, o.KillRun(runID))

	run, err := store.GetRun(runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)

	agents, err := store.GetAgentsForRun(runID)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "failed", agents[0].Status)
	assert.Contains(t, agents[0].Errors, "killed by operator")
}

func TestKillRunFinishedRunIsNoOp(t *testing.T) {
	agent := fakeAgent(t, `write_status completed "$FLEET_AGENT_ID" 100`+"\n")
	o, store := testOrchestrator(t, agent)

	report, err := o.Run(context.Background(), tasks(1), testOptions())
	require.NoError(t, err)

	before, err := store.GetRun(report.RunID)
	require.NoError(t, err)
	require.NotNil(t, before.CompletedAt)

	require.NoError(t, o.KillRun(report.RunID))

	after, err := store.GetRun(report.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusComplete, after.Status)
	require.NotNil(t, after.CompletedAt)
	assert.Equal(t, before.CompletedAt.Unix(), after.CompletedAt.Unix())

	agents, err := store.GetAgentsForRun(report.RunID)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "completed", agents[0].Status)
}

func TestRunRejectsEmptyTaskSet(t *testing.T) {
	agent := fakeAgent(t, "exit 0\n")
	o, store := testOrchestrator(t, agent)

	_, err := o.Run(context.Background(), nil, testOptions())
	require.Error(t, err)

	// Nothing gets persisted for a run that never started.
	runs, err := store.ListRuns(10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestDeleteRun(t *testing.T) {
	agent := fakeAgent(t, `write_status completed "$FLEET_AGENT_ID" 100`+"\n")
	o, store := testOrchestrator(t, agent)

	report, err := o.Run(context.Background(), tasks(1), testOptions())
	require.NoError(t, err)

	run, err := store.GetRun(report.RunID)
	require.NoError(t, err)

	require.NoError(t, o.DeleteRun(report.RunID))
	assert.NoDirExists(t, run.RunDir)

	_, err = store.GetRun(report.RunID)
	assert.Error(t, err)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("continue_on_failure")
	require.NoError(t, err)
	assert.Equal(t, PolicyContinueOnFailure, p)

	p, err = ParsePolicy("fail_fast")
	require.NoError(t, err)
	assert.Equal(t, PolicyFailFast, p)

	_, err = ParsePolicy("retry_forever")
	assert.Error(t, err)
}
