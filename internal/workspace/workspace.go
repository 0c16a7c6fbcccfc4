package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/fleet/internal/models"
	"github.com/mpataki/fleet/internal/status"
)

// Provider creates and tears down per-agent isolation roots under a run
// directory. Each agent gets a dedicated root with its own git worktree (or a
// plain directory when no source repo is configured), so no two agents ever
// share mutable filesystem state.
type Provider struct {
	runDir     string
	sourceRepo string
	agentCmd   string
	gitTimeout time.Duration
	statuses   *status.FileStore
	log        *zap.Logger
}

// Context is one agent's isolation context.
type Context struct {
	AgentID    string
	Task       models.Task
	Root       string
	RepoPath   string
	Branch     string
	EntryPoint string
	StatusPath string
	LogPath    string
}

// CreateError marks a context-creation failure. It is local to one task: the
// caller records it and continues with the rest of the batch.
type CreateError struct {
	TaskID string
	Err    error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("failed to create isolation context for task %s: %v", e.TaskID, e.Err)
}

func (e *CreateError) Unwrap() error { return e.Err }

// ToolStatus is one entry of a prerequisite check.
type ToolStatus struct {
	Name      string
	Path      string
	Available bool
}

func NewProvider(runDir, sourceRepo, agentCmd string, gitTimeout time.Duration, logger *zap.Logger) *Provider {
	return &Provider{
		runDir:     runDir,
		sourceRepo: sourceRepo,
		agentCmd:   agentCmd,
		gitTimeout: gitTimeout,
		statuses:   status.NewFileStore(runDir),
		log:        logger,
	}
}

// Statuses exposes the status store rooted at this provider's run directory.
func (p *Provider) Statuses() *status.FileStore {
	return p.statuses
}

// Create materializes the isolation root for one task: worktree (or plain
// directory), briefing files, entry script, and the initial pending status
// record.
func (p *Provider) Create(task models.Task) (*Context, error) {
	agentID := task.AgentID()
	root := filepath.Join(p.runDir, agentID)

	if _, err := os.Stat(root); err == nil {
		return nil, &CreateError{TaskID: task.ID, Err: fmt.Errorf("isolation root already exists: %s", root)}
	}

	c := &Context{
		AgentID:    agentID,
		Task:       task,
		Root:       root,
		RepoPath:   filepath.Join(root, "repo"),
		Branch:     task.Branch,
		EntryPoint: filepath.Join(root, "run.sh"),
		StatusPath: p.statuses.Path(agentID),
		LogPath:    filepath.Join(root, "worker.log"),
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, &CreateError{TaskID: task.ID, Err: err}
	}

	if p.sourceRepo != "" {
		if err := p.createWorktree(c); err != nil {
			p.removeRoot(c)
			return nil, &CreateError{TaskID: task.ID, Err: err}
		}
	} else {
		if err := os.MkdirAll(c.RepoPath, 0755); err != nil {
			p.removeRoot(c)
			return nil, &CreateError{TaskID: task.ID, Err: err}
		}
	}

	if err := p.writeBriefing(c); err != nil {
		p.Destroy(c)
		return nil, &CreateError{TaskID: task.ID, Err: err}
	}
	if err := p.writeEntryScript(c); err != nil {
		p.Destroy(c)
		return nil, &CreateError{TaskID: task.ID, Err: err}
	}
	if err := p.statuses.Write(status.NewRecord(agentID, task.ID)); err != nil {
		p.Destroy(c)
		return nil, &CreateError{TaskID: task.ID, Err: err}
	}

	p.log.Info("created isolation context",
		zap.String("agent_id", agentID),
		zap.String("root", root),
		zap.String("branch", c.Branch))
	return c, nil
}

func (p *Provider) createWorktree(c *Context) error {
	absRepo, err := filepath.Abs(p.sourceRepo)
	if err != nil {
		return fmt.Errorf("failed to resolve repo path: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--git-dir")
	cmd.Dir = absRepo
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s is not a git repository", absRepo)
	}

	cmd = exec.CommandContext(ctx, "git", "worktree", "add", "-b", c.Branch, c.RepoPath, "HEAD")
	cmd.Dir = absRepo
	if output, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("worktree creation timed out after %s", p.gitTimeout)
		}
		return fmt.Errorf("failed to create worktree: %s", string(output))
	}

	return nil
}

// Destroy removes the isolation root, its worktree registration, and its
// branch. Cleanup is best-effort; failures are logged and swallowed.
func (p *Provider) Destroy(c *Context) {
	if p.sourceRepo != "" {
		absRepo, err := filepath.Abs(p.sourceRepo)
		if err == nil {
			cmd := exec.Command("git", "worktree", "remove", "--force", c.RepoPath)
			cmd.Dir = absRepo
			if out, err := cmd.CombinedOutput(); err != nil {
				p.log.Debug("worktree removal failed",
					zap.String("agent_id", c.AgentID), zap.ByteString("output", out))
			}

			cmd = exec.Command("git", "branch", "-D", c.Branch)
			cmd.Dir = absRepo
			if out, err := cmd.CombinedOutput(); err != nil {
				p.log.Debug("branch deletion failed",
					zap.String("agent_id", c.AgentID), zap.ByteString("output", out))
			}
		}
	}

	p.removeRoot(c)
}

func (p *Provider) removeRoot(c *Context) {
	if err := os.RemoveAll(c.Root); err != nil {
		p.log.Warn("failed to remove isolation root",
			zap.String("agent_id", c.AgentID), zap.Error(err))
	}
}

// ValidatePrerequisites reports whether the external tools this provider
// shells out to are on PATH. No side effects.
func (p *Provider) ValidatePrerequisites() []ToolStatus {
	tools := []string{"git", p.agentCmd}
	out := make([]ToolStatus, 0, len(tools))
	for _, name := range tools {
		path, err := exec.LookPath(name)
		out = append(out, ToolStatus{Name: name, Path: path, Available: err == nil})
	}
	return out
}
