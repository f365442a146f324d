// Package config loads the workflow system configuration from config.yaml,
// .env and WORKFLOW_* environment variables.
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/baja5b/claude-workflow-system/pkg/models"
	"github.com/baja5b/claude-workflow-system/pkg/statusgraph"
)

type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Graph     GraphConfig     `mapstructure:"graph"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Jira      JiraConfig      `mapstructure:"jira"`
	GitHub    GitHubConfig    `mapstructure:"github"`
	Tests     TestsConfig     `mapstructure:"tests"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	RateLimit    float64       `mapstructure:"rate_limit"` // requests per second, 0 disables
	Burst        int           `mapstructure:"burst"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// GraphConfig selects the workflow status graph: a built-in by name or a
// YAML definition file.
type GraphConfig struct {
	Name string `mapstructure:"name"`
	File string `mapstructure:"file"`
}

type NotifyConfig struct {
	Channel  string `mapstructure:"channel"`
	Progress bool   `mapstructure:"progress"`
}

type TelegramConfig struct {
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type JiraConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Email    string        `mapstructure:"email"`
	APIToken string        `mapstructure:"api_token"`
	Project  string        `mapstructure:"project"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type GitHubConfig struct {
	Dir        string `mapstructure:"dir"`
	BaseBranch string `mapstructure:"base_branch"`
}

// TestsConfig selects the remote test runner: "ssh", "docker" or empty.
type TestsConfig struct {
	Runner      string        `mapstructure:"runner"`
	Environment string        `mapstructure:"environment"`
	Suite       string        `mapstructure:"suite"`
	SSHTarget   string        `mapstructure:"ssh_target"`
	Command     string        `mapstructure:"command"`
	DockerImage string        `mapstructure:"docker_image"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type WorkerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Concurrency  int           `mapstructure:"concurrency"`
}

type TelemetryConfig struct {
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.url", "")
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.burst", 40)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("graph.name", statusgraph.LocalGraph)
	v.SetDefault("graph.file", "")
	v.SetDefault("notify.channel", models.DefaultChannel)
	v.SetDefault("notify.progress", true)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.base_url", "https://api.telegram.org")
	v.SetDefault("telegram.timeout", "10s")
	v.SetDefault("jira.base_url", "")
	v.SetDefault("jira.email", "")
	v.SetDefault("jira.api_token", "")
	v.SetDefault("jira.project", "")
	v.SetDefault("jira.timeout", "30s")
	v.SetDefault("github.dir", "") // empty disables branch and PR creation
	v.SetDefault("github.base_branch", "main")
	v.SetDefault("tests.runner", "")
	v.SetDefault("tests.environment", "staging")
	v.SetDefault("tests.suite", "smoke")
	v.SetDefault("tests.ssh_target", "")
	v.SetDefault("tests.command", "")
	v.SetDefault("tests.docker_image", "")
	v.SetDefault("tests.timeout", "10m")
	v.SetDefault("worker.poll_interval", "60s")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("telemetry.service_name", "claude-workflow")
	v.SetDefault("telemetry.otlp_endpoint", "")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("WORKFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decoderOption() viper.DecoderConfigOption {
	return viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	)
}

// Load reads configuration with the precedence WORKFLOW_* env, config file,
// defaults. An empty path looks for config.yaml in the working directory.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !stderrors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "failed to load .env")
	}

	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !stderrors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decoderOption()); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if cfg.Database.URL == "" {
		cfg.Database.URL = databaseURLFromEnv()
	}
	if err := Validate(&cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return &cfg, nil
}

// databaseURLFromEnv builds a connection string from DB_* variables, or
// DATABASE_URL when set.
func databaseURLFromEnv() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	user := os.Getenv("DB_USERNAME")
	password := os.Getenv("DB_PASSWORD")
	host := os.Getenv("DB_HOST")
	port := os.Getenv("DB_PORT")
	name := os.Getenv("DB_NAME")
	if user == "" || host == "" || name == "" {
		return ""
	}
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, name)
}

func Validate(cfg *Config) error {
	if cfg.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be positive")
	}
	if cfg.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative")
	}
	switch cfg.Tests.Runner {
	case "", "ssh", "docker":
	default:
		return fmt.Errorf("tests.runner must be ssh or docker, got %q", cfg.Tests.Runner)
	}
	if cfg.Tests.Runner == "ssh" && cfg.Tests.SSHTarget == "" {
		return fmt.Errorf("tests.ssh_target is required for the ssh runner")
	}
	if cfg.Tests.Runner == "docker" && cfg.Tests.DockerImage == "" {
		return fmt.Errorf("tests.docker_image is required for the docker runner")
	}
	if cfg.Graph.File == "" {
		if _, err := statusgraph.ByName(cfg.Graph.Name); err != nil {
			return err
		}
	}
	return nil
}

// StatusGraph returns the configured workflow graph.
func (c *Config) StatusGraph() (*statusgraph.Graph[models.WorkflowStatus], error) {
	if c.Graph.File != "" {
		return statusgraph.Load(c.Graph.File)
	}
	return statusgraph.ByName(c.Graph.Name)
}

// RequireDatabase returns the database URL or an error naming the variables
// that can provide it.
func (c *Config) RequireDatabase() (string, error) {
	if c.Database.URL == "" {
		return "", fmt.Errorf("database url required: set WORKFLOW_DATABASE_URL, DATABASE_URL or DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME")
	}
	return c.Database.URL, nil
}
