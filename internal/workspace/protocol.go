package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type briefing struct {
	AgentID     string `json:"agent_id"`
	TaskID      string `json:"task_id"`
	Branch      string `json:"branch"`
	Description string `json:"description"`
	Task        string `json:"task"`
	StatusFile  string `json:"status_file"`
}

// writeBriefing materializes the .fleet/ directory inside the agent's repo:
// the opaque task payload, the protocol document, and the prompt the entry
// script feeds to the agent.
func (p *Provider) writeBriefing(c *Context) error {
	fleetDir := filepath.Join(c.RepoPath, ".fleet")
	if err := os.MkdirAll(fleetDir, 0755); err != nil {
		return fmt.Errorf("failed to create .fleet directory: %w", err)
	}

	b := briefing{
		AgentID:     c.AgentID,
		TaskID:      c.Task.ID,
		Branch:      c.Branch,
		Description: c.Task.Description,
		Task:        c.Task.Task,
		StatusFile:  c.StatusPath,
	}
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal briefing: %w", err)
	}
	if err := os.WriteFile(filepath.Join(fleetDir, "task.json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write task.json: %w", err)
	}

	if err := os.WriteFile(filepath.Join(fleetDir, "PROTOCOL.md"), []byte(protocolDoc), 0644); err != nil {
		return fmt.Errorf("failed to write PROTOCOL.md: %w", err)
	}

	prompt := p.buildPrompt(c)
	if err := os.WriteFile(filepath.Join(fleetDir, "prompt.txt"), []byte(prompt), 0644); err != nil {
		return fmt.Errorf("failed to write prompt.txt: %w", err)
	}

	return nil
}

func (p *Provider) buildPrompt(c *Context) string {
	prompt := c.Task.Task
	if c.Task.Description != "" {
		prompt = c.Task.Description + "\n\n" + prompt
	}

	prompt += fmt.Sprintf("\n\n---\nYou are agent '%s' working on task '%s' in an orchestrated run.\n", c.AgentID, c.Task.ID)
	prompt += "Read `.fleet/PROTOCOL.md` before starting work.\n\n"
	prompt += "IMPORTANT: Report progress by rewriting the JSON file at the path in\n"
	prompt += "$FLEET_STATUS_FILE (also listed in `.fleet/task.json`). Example:\n"
	prompt += "```json\n"
	prompt += fmt.Sprintf(`{
  "agent_id": %q,
  "task_id": %q,
  "status": "in_progress",
  "completion_percentage": 40,
  "last_update": "2026-08-30T10:00:00Z",
  "errors": []
}`, c.AgentID, c.Task.ID)
	prompt += "\n```\n"
	prompt += "Set status to `completed` or `failed` when you finish. Nothing else reads stdout.\n"

	return prompt
}

func (p *Provider) writeEntryScript(c *Context) error {
	script := fmt.Sprintf(`#!/bin/sh
cd %q || exit 1
export FLEET_AGENT_ID=%q
export FLEET_STATUS_FILE=%q
exec %q -p "$(cat .fleet/prompt.txt)" --dangerously-skip-permissions --max-turns 40
`, c.RepoPath, c.AgentID, c.StatusPath, p.agentCmd)

	if err := os.WriteFile(c.EntryPoint, []byte(script), 0755); err != nil {
		return fmt.Errorf("failed to write entry script: %w", err)
	}
	return nil
}

const protocolDoc = `# Fleet Worker Protocol

You are one of several agents working independent tasks in parallel. Each
agent owns its own worktree; nothing you do here is visible to the others.

## Your task

Read ` + "`" + `.fleet/task.json` + "`" + ` for your assignment. The ` + "`" + `task` + "`" + ` field is your
instruction; ` + "`" + `branch` + "`" + ` is the branch this worktree is already on.

## Reporting status

**IMPORTANT:** The orchestrator learns about your progress only through the
status file at ` + "`" + `$FLEET_STATUS_FILE` + "`" + `. Rewrite the whole file on every update:

- ` + "`" + `status` + "`" + `: pending | in_progress | completed | failed | timeout
- ` + "`" + `completion_percentage` + "`" + `: 0-100
- ` + "`" + `last_update` + "`" + `: current time, ISO-8601
- ` + "`" + `errors` + "`" + `: list of error strings, append as you hit problems

Update at least every couple of minutes while working; a silent agent is
eventually treated as stalled and then killed. Never move status backwards
from completed/failed.

## Git commits

Make atomic commits with clear messages on your branch. The commit history is
part of your deliverable. Don't touch anything outside this worktree.
`
