package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mpataki/fleet/internal/config"
	"github.com/mpataki/fleet/internal/orchestrator"
	"github.com/mpataki/fleet/internal/status"
	"github.com/mpataki/fleet/internal/storage"
	"github.com/mpataki/fleet/internal/taskset"
	"github.com/mpataki/fleet/internal/tui"
	"github.com/mpataki/fleet/internal/workspace"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fleet",
		Short: "Parallel coding agent orchestration",
		Long:  "Fleet deploys a batch of coding agents into isolated git worktrees and supervises them to completion.",
		RunE:  runTUI,
	}

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newReportCommand())
	rootCmd.AddCommand(newKillCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newDoctorCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// open builds the shared config/storage/orchestrator stack. The caller owns
// closing the returned orchestrator's storage via the cleanup func.
func open(logger *zap.Logger) (*orchestrator.Orchestrator, *config.Config, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	orch := orchestrator.New(store, cfg, logger)
	return orch, cfg, func() { store.Close() }, nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	// The TUI owns the terminal; keep the logger quiet.
	orch, _, cleanup, err := open(zap.NewNop())
	if err != nil {
		return err
	}
	defer cleanup()

	app := tui.NewApp(orch)
	p := tea.NewProgram(app, tea.WithAltScreen())

	_, err = p.Run()
	return err
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <task-config>",
		Short: "Deploy a batch of agents from a task config (json, yaml, or lua)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := args[0]
			repoPath, _ := cmd.Flags().GetString("repo")
			policyName, _ := cmd.Flags().GetString("policy")
			maxRuntime, _ := cmd.Flags().GetDuration("max-runtime")
			pollInterval, _ := cmd.Flags().GetDuration("poll-interval")

			policy, err := orchestrator.ParsePolicy(policyName)
			if err != nil {
				return err
			}

			tasks, err := taskset.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load task config: %w", err)
			}

			logger, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer logger.Sync()

			orch, cfg, cleanup, err := open(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			opts := orchestrator.Options{
				SourceRepo:       repoPath,
				ConfigPath:       configPath,
				Policy:           policy,
				MaxRuntime:       cfg.MaxRuntime,
				PollInterval:     cfg.PollInterval,
				StallThreshold:   cfg.StallThreshold,
				TimeoutThreshold: cfg.TimeoutThreshold,
				GracePeriod:      cfg.GracePeriod,
			}
			if maxRuntime > 0 {
				opts.MaxRuntime = maxRuntime
			}
			if pollInterval > 0 {
				opts.PollInterval = pollInterval
			}

			// First interrupt finalizes the run gracefully; a second one
			// kills the process the usual way.
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Printf("Deploying %d agents (policy: %s)\n", len(tasks), policy)

			report, err := orch.Run(ctx, tasks, opts)
			if err != nil {
				return fmt.Errorf("run failed: %w", err)
			}

			fmt.Println()
			fmt.Print(report.Text())
			return nil
		},
	}

	cmd.Flags().StringP("repo", "r", "", "Source git repository to create worktrees from (empty: plain directories)")
	cmd.Flags().StringP("policy", "p", "continue_on_failure", "Recovery policy: continue_on_failure or fail_fast")
	cmd.Flags().Duration("max-runtime", 0, "Overall run deadline (default from FLEET_MAX_RUNTIME)")
	cmd.Flags().Duration("poll-interval", 0, "Status poll interval (default from FLEET_POLL_INTERVAL)")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the current state of a run's agents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := parseRunID(args[0])
			if err != nil {
				return err
			}

			orch, _, cleanup, err := open(zap.NewNop())
			if err != nil {
				return err
			}
			defer cleanup()

			run, err := orch.GetRun(runID)
			if err != nil {
				return fmt.Errorf("failed to get run: %w", err)
			}

			fmt.Printf("Run #%d [%s]\n", run.ID, run.Status)
			fmt.Printf("Run dir: %s\n", run.RunDir)
			if run.SourceRepo != "" {
				fmt.Printf("Source repo: %s\n", run.SourceRepo)
			}
			fmt.Printf("Agents: %d total, %d completed, %d failed, %d timed out\n",
				run.Total, run.Completed, run.Failed, run.TimedOut)

			agents, err := orch.GetAgentsForRun(runID)
			if err != nil {
				return err
			}

			// Prefer live status files when the run directory still exists.
			live := map[string]*status.Record{}
			if run.RunDir != "" {
				if recs, _, err := status.NewFileStore(run.RunDir).Scan(); err == nil {
					for _, rec := range recs {
						live[rec.AgentID] = rec
					}
				}
			}

			if len(agents) > 0 {
				fmt.Println()
				for _, a := range agents {
					st, pct := a.Status, a.CompletionPercentage
					if rec, ok := live[a.AgentID]; ok {
						st, pct = string(rec.Status), rec.CompletionPercentage
					}
					fmt.Printf("  %-14s task=%-10s [%s] %3d%%\n", a.AgentID, a.TaskID, st, pct)
					for _, e := range a.Errors {
						fmt.Printf("      error: %s\n", e)
					}
				}
			}
			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, _, cleanup, err := open(zap.NewNop())
			if err != nil {
				return err
			}
			defer cleanup()

			runs, err := orch.ListRuns(20)
			if err != nil {
				return err
			}

			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			for _, run := range runs {
				fmt.Printf("#%d [%s] %d/%d done  %s\n",
					run.ID, run.Status,
					run.Completed+run.Failed+run.TimedOut, run.Total,
					run.CreatedAt.Format(time.RFC822))
			}
			return nil
		},
	}
}

func newReportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "report <run-id>",
		Short: "Print the JSON report a finished run wrote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := parseRunID(args[0])
			if err != nil {
				return err
			}

			orch, _, cleanup, err := open(zap.NewNop())
			if err != nil {
				return err
			}
			defer cleanup()

			data, err := orch.LoadReport(runID)
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}

func newKillCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <run-id>",
		Short: "Force-kill every live worker in a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := parseRunID(args[0])
			if err != nil {
				return err
			}

			logger, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer logger.Sync()

			orch, _, cleanup, err := open(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := orch.KillRun(runID); err != nil {
				return fmt.Errorf("failed to kill run: %w", err)
			}

			fmt.Printf("Killed run #%d\n", runID)
			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run, its worktrees, and its run directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := parseRunID(args[0])
			if err != nil {
				return err
			}

			orch, _, cleanup, err := open(zap.NewNop())
			if err != nil {
				return err
			}
			defer cleanup()

			if err := orch.DeleteRun(runID); err != nil {
				return fmt.Errorf("failed to delete run: %w", err)
			}

			fmt.Printf("Deleted run #%d\n", runID)
			return nil
		},
	}
}

func newDoctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that external tools are available",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}

			provider := workspace.NewProvider("", "", cfg.AgentCommand, cfg.GitTimeout, zap.NewNop())
			ok := true
			for _, tool := range provider.ValidatePrerequisites() {
				if tool.Available {
					fmt.Printf("  ok      %-10s %s\n", tool.Name, tool.Path)
				} else {
					fmt.Printf("  missing %s\n", tool.Name)
					ok = false
				}
			}
			if !ok {
				return fmt.Errorf("missing prerequisites")
			}
			fmt.Println("All prerequisites found.")
			return nil
		},
	}
}

func parseRunID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid run ID %q: %w", s, err)
	}
	return id, nil
}
