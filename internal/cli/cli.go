// Package cli implements the workflow command line: the API server, the
// tracker worker, the MCP server, migrations and direct workflow commands.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	apihttp "github.com/baja5b/claude-workflow-system/internal/http"
	"github.com/baja5b/claude-workflow-system/internal/log"
	"github.com/baja5b/claude-workflow-system/internal/mcp"
	"github.com/baja5b/claude-workflow-system/internal/observability"
	internal_storage "github.com/baja5b/claude-workflow-system/internal/storage"
	"github.com/baja5b/claude-workflow-system/pkg/models"
	"github.com/baja5b/claude-workflow-system/pkg/statusgraph"
)

// SetupCLI registers every command and the shared --config and --db flags.
func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default ./config.yaml if present)")
	rootCmd.PersistentFlags().String("db", "", "Database connection string (overrides config and DB_* env vars)")
	rootCmd.SilenceUsage = true

	rootCmd.AddCommand(
		ServeCommand(),
		WorkerCommand(),
		MCPCommand(),
		MigrateCommand(),
		createCommand(),
		listCommand(),
		showCommand(),
		transitionCommand(),
		confirmCommand(),
		tasksCommand(),
		taskCommand(),
		nextCommand(),
		decideCommand(),
		statsCommand(),
	)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func ServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the workflow REST API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			metrics, shutdownMetrics, err := observability.InitMetrics()
			if err != nil {
				return err
			}
			defer shutdownMetrics(context.Background())
			shutdownTracing, err := observability.InitTracing(ctx, a.cfg.Telemetry.ServiceName, a.cfg.Telemetry.OTLPEndpoint)
			if err != nil {
				return err
			}
			defer shutdownTracing(context.Background())

			handler := apihttp.NewHandler(apihttp.Services{
				Workflows:     a.workflows,
				Notifications: a.notifications,
				Tests:         a.tests,
				Ping:          a.ping,
			}, apihttp.Options{
				RateLimit: a.cfg.Server.RateLimit,
				Burst:     a.cfg.Server.Burst,
				Metrics:   metrics,
			})
			srv := apihttp.NewServer(a.cfg.Server.Addr, handler, a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout)
			return srv.Run(ctx)
		},
	}
}

func WorkerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Poll the issue tracker and advance issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			cfg, closer, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer closer.Close()
			w, err := newWorker(cfg)
			if err != nil {
				return err
			}
			if once, _ := cmd.Flags().GetBool("once"); once {
				results, err := w.PollOnce(ctx)
				if err != nil {
					return err
				}
				for _, r := range results {
					if r.Err != nil {
						fmt.Fprintf(cmd.OutOrStdout(), "%s %s: error: %v\n", r.Key, renderStatus(string(r.Status)), r.Err)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", r.Key, renderStatus(string(r.Status)), r.Action)
				}
				return nil
			}
			return w.Run(ctx)
		},
	}
	cmd.Flags().Bool("once", false, "Run a single poll cycle and exit")
	return cmd
}

func MCPCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the workflow tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			svc := mcp.Services{
				Workflows:     a.workflows,
				Notifications: a.notifications,
				Tests:         a.tests,
			}
			if a.cfg.Jira.BaseURL != "" {
				w, err := newWorker(a.cfg)
				if err != nil {
					return err
				}
				svc.Poller = w
			}
			return mcp.Serve(svc)
		},
	}
}

func MigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer closer.Close()
			connStr, err := cfg.RequireDatabase()
			if err != nil {
				return err
			}
			if err := internal_storage.MigrateURL(connStr); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied successfully")
			return nil
		},
	}
}

// withApp runs fn against a connected app and closes it afterwards.
func withApp(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a, args)
	}
}

func optional(cmd *cobra.Command, name string) *string {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetString(name)
	return &v
}

func createCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workflow in PLANNING",
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			project, _ := cmd.Flags().GetString("project")
			title, _ := cmd.Flags().GetString("title")
			key, _ := cmd.Flags().GetString("id")
			wf, err := a.workflows.CreateWorkflow(cmd.Context(), models.NewWorkflow{
				WorkflowID:   key,
				Project:      project,
				Title:        title,
				ProjectPath:  optional(cmd, "path"),
				Requirements: optional(cmd, "requirements"),
			})
			if err != nil {
				log.GetLogger().Errorf("Failed to create workflow: %v", err)
				return errors.Wrap(err, "failed to create workflow")
			}
			renderWorkflow(cmd.OutOrStdout(), wf)
			return nil
		}),
	}
	cmd.Flags().String("project", "", "Project name")
	cmd.Flags().String("title", "", "Workflow title")
	cmd.Flags().String("id", "", "Workflow key, e.g. an issue key (generated when empty)")
	cmd.Flags().String("path", "", "Project path")
	cmd.Flags().String("requirements", "", "Requirements text")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func listCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows, newest first",
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			if active, _ := cmd.Flags().GetBool("active"); active {
				list, err := a.workflows.ActiveWorkflows(cmd.Context())
				if err != nil {
					return err
				}
				workflows := make([]models.Workflow, 0, len(list))
				for _, aw := range list {
					workflows = append(workflows, aw.Workflow)
				}
				renderWorkflows(cmd.OutOrStdout(), workflows)
				return nil
			}
			filter := models.WorkflowFilter{}
			filter.Project, _ = cmd.Flags().GetString("project")
			filter.Limit, _ = cmd.Flags().GetInt("limit")
			if s, _ := cmd.Flags().GetString("status"); s != "" {
				st, err := parseStatus(a.workflows.Graph(), s)
				if err != nil {
					return err
				}
				filter.Status = st
			}
			workflows, err := a.workflows.ListWorkflows(cmd.Context(), filter)
			if err != nil {
				return err
			}
			renderWorkflows(cmd.OutOrStdout(), workflows)
			return nil
		}),
	}
	cmd.Flags().String("status", "", "Filter by status")
	cmd.Flags().String("project", "", "Filter by project")
	cmd.Flags().Int("limit", models.DefaultListLimit, "Maximum number of workflows")
	cmd.Flags().Bool("active", false, "Only workflows that are not in a terminal status")
	return cmd
}

func showCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show [workflow-id]",
		Short: "Show a workflow with its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			wf, err := a.workflows.GetWorkflow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			renderWorkflow(cmd.OutOrStdout(), wf)
			return nil
		}),
	}
}

// transitionCommand is operated by a person, so it may take gated edges.
func transitionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "transition [workflow-id] [status]",
		Short: "Move a workflow to another status",
		Args:  cobra.MinimumNArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			to, err := parseStatus(a.workflows.Graph(), strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			wf, err := a.workflows.Transition(cmd.Context(), args[0], to, statusgraph.OriginHuman)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", wf.WorkflowID, renderStatus(string(wf.Status)))
			return nil
		}),
	}
}

func confirmCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "confirm [workflow-id]",
		Short: "Confirm the plan of a workflow and add its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			descriptions, _ := cmd.Flags().GetStringArray("task")
			tasks := make([]models.NewTask, 0, len(descriptions))
			for _, d := range descriptions {
				tasks = append(tasks, models.NewTask{Description: d})
			}
			wf, err := a.workflows.ConfirmPlan(cmd.Context(), args[0], optional(cmd, "plan"), tasks)
			if err != nil {
				return err
			}
			renderWorkflow(cmd.OutOrStdout(), wf)
			return nil
		}),
	}
	cmd.Flags().String("plan", "", "Plan text")
	cmd.Flags().StringArray("task", nil, "Task description, repeatable; order is the execution order")
	return cmd
}

func tasksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks [workflow-id]",
		Short: "List the tasks of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			tasks, err := a.workflows.Tasks().ListTasks(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No tasks.")
				return nil
			}
			renderTasks(cmd.OutOrStdout(), tasks)
			return nil
		}),
	}
}

// taskCommand groups the task status changes.
func taskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Change the status of a task",
	}
	action := func(use, short string, do func(ctx context.Context, a *app, id int64, arg *string) (models.Task, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " [task-id]",
			Short: short,
			Args:  cobra.RangeArgs(1, 2),
			RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return errors.Wrapf(err, "invalid task id %q", args[0])
				}
				var arg *string
				if len(args) == 2 {
					arg = &args[1]
				}
				task, err := do(cmd.Context(), a, id, arg)
				if err != nil {
					return err
				}
				renderTasks(cmd.OutOrStdout(), []models.Task{task})
				return nil
			}),
		}
	}
	cmd.AddCommand(
		action("start", "Start a pending task", func(ctx context.Context, a *app, id int64, _ *string) (models.Task, error) {
			return a.workflows.Tasks().Start(ctx, id)
		}),
		action("complete", "Complete a running task with an optional result", func(ctx context.Context, a *app, id int64, result *string) (models.Task, error) {
			return a.workflows.Tasks().Complete(ctx, id, result)
		}),
		action("fail", "Fail a running task with an error message", func(ctx context.Context, a *app, id int64, msg *string) (models.Task, error) {
			if msg == nil {
				return models.Task{}, errors.New("an error message is required")
			}
			return a.workflows.Tasks().Fail(ctx, id, *msg)
		}),
		action("skip", "Skip a task", func(ctx context.Context, a *app, id int64, _ *string) (models.Task, error) {
			return a.workflows.Tasks().Skip(ctx, id)
		}),
		action("retry", "Reset a failed task to pending", func(ctx context.Context, a *app, id int64, _ *string) (models.Task, error) {
			return a.workflows.Tasks().Retry(ctx, id)
		}),
	)
	return cmd
}

func nextCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "next [workflow-id]",
		Short: "Show the next workable task",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			d, err := a.workflows.Tasks().NextTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			renderDecision(cmd.OutOrStdout(), d)
			return nil
		}),
	}
}

func decideCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "decide [workflow-id] [question]",
		Short: "Ask for a human decision on a workflow",
		Args:  cobra.MinimumNArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			n, err := a.notifications.RequestDecision(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			state := "sent"
			if !n.Delivered {
				state = "recorded, not delivered"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Decision request %d %s\n", n.ID, state)
			return nil
		}),
	}
}

func statsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show workflow counters",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			s, err := a.workflows.Stats(cmd.Context())
			if err != nil {
				return err
			}
			renderStats(cmd.OutOrStdout(), s)
			return nil
		}),
	}
}
