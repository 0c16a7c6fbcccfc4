package models

import (
	"fmt"
	"strings"
	"time"
)

// AgentSummary is one agent's terminal state as it appears in the final
// report.
type AgentSummary struct {
	AgentID              string     `json:"agent_id"`
	TaskID               string     `json:"task_id"`
	Branch               string     `json:"branch"`
	Status               string     `json:"status"`
	CompletionPercentage int        `json:"completion_percentage"`
	Errors               []string   `json:"errors"`
	ExitCode             *int       `json:"exit_code,omitempty"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	EndedAt              *time.Time `json:"ended_at,omitempty"`
	LogPath              string     `json:"log_path,omitempty"`
}

// Report is the immutable output artifact of one orchestration run.
type Report struct {
	RunID           int64          `json:"run_id"`
	UUID            string         `json:"uuid"`
	Total           int            `json:"total"`
	Completed       int            `json:"completed"`
	Failed          int            `json:"failed"`
	TimedOut        int            `json:"timed_out"`
	SuccessRate     float64        `json:"success_rate"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      time.Time      `json:"finished_at"`
	DurationSeconds float64        `json:"duration_seconds"`
	PerAgent        []AgentSummary `json:"per_agent"`
}

// Text renders the report for humans.
func (r *Report) Text() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Run #%d (%s)\n", r.RunID, r.UUID)
	fmt.Fprintf(&b, "Duration: %s\n", time.Duration(r.DurationSeconds*float64(time.Second)).Round(time.Second))
	fmt.Fprintf(&b, "Agents: %d total, %d completed, %d failed, %d timed out\n",
		r.Total, r.Completed, r.Failed, r.TimedOut)
	fmt.Fprintf(&b, "Success rate: %.1f%%\n\n", r.SuccessRate)

	for _, a := range r.PerAgent {
		fmt.Fprintf(&b, "  %s (task %s) [%s] %d%%", a.AgentID, a.TaskID, a.Status, a.CompletionPercentage)
		if a.ExitCode != nil {
			fmt.Fprintf(&b, " exit %d", *a.ExitCode)
		}
		b.WriteString("\n")
		for _, e := range a.Errors {
			fmt.Fprintf(&b, "      error: %s\n", e)
		}
	}

	return b.String()
}
