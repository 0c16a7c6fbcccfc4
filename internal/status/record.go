package status

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// AgentStatus is the lifecycle state an agent reports for itself.
type AgentStatus string

const (
	StatusPending    AgentStatus = "pending"
	StatusInProgress AgentStatus = "in_progress"
	StatusCompleted  AgentStatus = "completed"
	StatusFailed     AgentStatus = "failed"
	StatusTimeout    AgentStatus = "timeout"
)

// Terminal reports whether no further transitions are expected.
func (s AgentStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

func (s AgentStatus) valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// TaskID accepts either a JSON string or a JSON integer on the wire and
// normalizes to a string.
type TaskID string

func (t *TaskID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = TaskID(s)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*t = TaskID(strconv.FormatInt(n, 10))
		return nil
	}
	return fmt.Errorf("task_id must be a string or an integer, got %s", string(data))
}

// Record is the on-disk contract between an agent and the coordinator. The
// agent owning the file is its only writer; everything else reads.
type Record struct {
	AgentID              string      `json:"agent_id"`
	TaskID               TaskID      `json:"task_id"`
	Status               AgentStatus `json:"status"`
	CompletionPercentage int         `json:"completion_percentage"`
	LastUpdate           time.Time   `json:"last_update"`
	Errors               []string    `json:"errors"`
}

// NewRecord returns the initial record for a freshly created isolation
// context: pending, zero progress, no errors.
func NewRecord(agentID, taskID string) *Record {
	return &Record{
		AgentID:              agentID,
		TaskID:               TaskID(taskID),
		Status:               StatusPending,
		CompletionPercentage: 0,
		LastUpdate:           time.Now().UTC(),
		Errors:               []string{},
	}
}

// Validate rejects records that would otherwise default their way into the
// monitoring logic. Malformed data fails here, at the read boundary.
func (r *Record) Validate() error {
	if r.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	if !r.Status.valid() {
		return fmt.Errorf("unknown status %q", r.Status)
	}
	if r.CompletionPercentage < 0 || r.CompletionPercentage > 100 {
		return fmt.Errorf("completion_percentage %d out of range [0,100]", r.CompletionPercentage)
	}
	if r.LastUpdate.IsZero() {
		return fmt.Errorf("last_update is required")
	}
	return nil
}

// Decode parses and validates a serialized record.
func Decode(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if rec.Errors == nil {
		rec.Errors = []string{}
	}
	return &rec, nil
}

// Age is how long ago the agent last reported.
func (r *Record) Age(now time.Time) time.Duration {
	return now.Sub(r.LastUpdate)
}

// CorruptError marks a status file that exists but cannot be parsed, usually
// an agent caught mid-write. The read is retried on the next poll.
type CorruptError struct {
	AgentID string
	Path    string
	Err     error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt status file for %s at %s: %v", e.AgentID, e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }
