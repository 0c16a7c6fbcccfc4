package models

// Task is one element of the run configuration: a unit of work handed to a
// single agent. Description and Task are opaque to the engine; they are
// forwarded into the agent's isolation root verbatim.
type Task struct {
	ID          string `json:"task_id" yaml:"task_id"`
	Branch      string `json:"branch" yaml:"branch"`
	Description string `json:"description" yaml:"description"`
	Task        string `json:"task" yaml:"task"`
}

// AgentID returns the stable agent identifier for this task within a run.
func (t Task) AgentID() string {
	return "agent-" + t.ID
}
