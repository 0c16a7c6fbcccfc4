package models

import "time"

type RunStatus string

const (
	RunStatusPending     RunStatus = "pending"
	RunStatusRunning     RunStatus = "running"
	RunStatusComplete    RunStatus = "complete"
	RunStatusFailed      RunStatus = "failed"
	RunStatusInterrupted RunStatus = "interrupted"
)

// Run is one orchestration run: a batch of agents deployed together.
type Run struct {
	ID          int64
	UUID        string
	CreatedAt   time.Time
	CompletedAt *time.Time
	SourceRepo  string
	ConfigPath  string
	RunDir      string
	Status      RunStatus
	Total       int
	Completed   int
	Failed      int
	TimedOut    int
	Error       string
}
