package cli

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/baja5b/claude-workflow-system/internal/config"
	"github.com/baja5b/claude-workflow-system/internal/github"
	"github.com/baja5b/claude-workflow-system/internal/jira"
	"github.com/baja5b/claude-workflow-system/internal/log"
	internal_storage "github.com/baja5b/claude-workflow-system/internal/storage"
	"github.com/baja5b/claude-workflow-system/internal/telegram"
	"github.com/baja5b/claude-workflow-system/internal/testrunner"
	"github.com/baja5b/claude-workflow-system/internal/worker"
	"github.com/baja5b/claude-workflow-system/pkg/collab"
	"github.com/baja5b/claude-workflow-system/pkg/models"
	"github.com/baja5b/claude-workflow-system/pkg/notify"
	"github.com/baja5b/claude-workflow-system/pkg/service"
	"github.com/baja5b/claude-workflow-system/pkg/statusgraph"
)

// loadConfig reads the --config file and applies the --db override, then
// configures logging.
func loadConfig(cmd *cobra.Command) (*config.Config, io.Closer, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.Database.URL = db
	}
	closer := log.Configure(cfg.Log.Level, log.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	return cfg, closer, nil
}

// app holds the services backed by the Postgres store.
type app struct {
	cfg           *config.Config
	store         *internal_storage.PostgresStore
	workflows     *service.WorkflowService
	notifications *service.NotificationService
	tests         *service.TestResultService
	logCloser     io.Closer
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, closer, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	connStr, err := cfg.RequireDatabase()
	if err != nil {
		return nil, err
	}
	log.GetLogger().Debugf("Connecting to database for %s", cmd.Name())
	store, err := internal_storage.InitStore(connStr)
	if err != nil {
		return nil, err
	}
	graph, err := cfg.StatusGraph()
	if err != nil {
		store.Close()
		return nil, err
	}
	runner, err := newTestRunner(cfg.Tests)
	if err != nil {
		store.Close()
		return nil, err
	}

	hook := notify.NewHook(graph, notify.WithChannel(cfg.Notify.Channel), notify.WithProgress(cfg.Notify.Progress))
	notifications := service.NewNotificationService(store, newNotifier(cfg.Telegram), hook, log.GetLogger())
	return &app{
		cfg:           cfg,
		store:         store,
		notifications: notifications,
		tests:         service.NewTestResultService(store, runner, log.GetLogger()),
		workflows: service.NewWorkflowService(store, log.GetLogger(),
			service.WithGraph(graph),
			service.WithNotifications(notifications),
		),
		logCloser: closer,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.GetLogger().Errorf("Failed to close store: %v", err)
	}
	a.logCloser.Close()
}

func (a *app) ping(ctx context.Context) error {
	return a.store.Ping(ctx)
}

// newNotifier returns nil when Telegram is not configured; notifications are
// then recorded as undelivered.
func newNotifier(cfg config.TelegramConfig) collab.Notifier {
	if cfg.BotToken == "" {
		return nil
	}
	client, err := telegram.New(telegram.Config{
		BotToken: cfg.BotToken,
		ChatID:   cfg.ChatID,
		BaseURL:  cfg.BaseURL,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		log.GetLogger().Warnf("Telegram disabled: %v", err)
		return nil
	}
	return client
}

func newTestRunner(cfg config.TestsConfig) (collab.TestRunner, error) {
	switch cfg.Runner {
	case "ssh":
		return testrunner.NewSSHRunner(cfg.SSHTarget, cfg.Command, cfg.Timeout), nil
	case "docker":
		r, err := testrunner.NewDockerRunner(cfg.DockerImage, cfg.Command, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, nil
}

// newWorker wires the tracker worker. It needs Jira but no database.
func newWorker(cfg *config.Config) (*worker.Worker, error) {
	tracker, err := jira.New(jira.Config{
		BaseURL:  cfg.Jira.BaseURL,
		Email:    cfg.Jira.Email,
		APIToken: cfg.Jira.APIToken,
		Project:  cfg.Jira.Project,
		Timeout:  cfg.Jira.Timeout,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Jira.Project == "" {
		return nil, errors.New("jira.project is required for the worker")
	}
	graph := statusgraph.Tracker()
	flow := service.NewIssueFlow(tracker, graph, log.GetLogger())

	opts := []worker.Option{
		worker.WithPollInterval(cfg.Worker.PollInterval),
		worker.WithConcurrency(cfg.Worker.Concurrency),
	}
	if n := newNotifier(cfg.Telegram); n != nil {
		opts = append(opts, worker.WithNotifier(n, notify.NewHook(graph, notify.WithChannel(cfg.Notify.Channel))))
	}
	if cfg.GitHub.Dir != "" {
		opts = append(opts, worker.WithSourceControl(github.New(cfg.GitHub.Dir), cfg.GitHub.BaseBranch))
	}
	runner, err := newTestRunner(cfg.Tests)
	if err != nil {
		return nil, err
	}
	if runner != nil {
		opts = append(opts, worker.WithTestRunner(runner, cfg.Tests.Environment, cfg.Tests.Suite))
	}
	return worker.New(tracker, flow, opts...), nil
}

// parseStatus accepts canonical names and graph aliases.
func parseStatus(graph *statusgraph.Graph[models.WorkflowStatus], s string) (models.WorkflowStatus, error) {
	st := graph.Normalize(s)
	if !graph.Knows(st) {
		return "", errors.Errorf("unknown status %q for graph %s", s, graph.Name)
	}
	return st, nil
}
