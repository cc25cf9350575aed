// Package config loads commentops settings from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"github.com/fentz26/commentops/internal/alerts"
	"github.com/fentz26/commentops/internal/scheduler"
	"gopkg.in/yaml.v3"
)

// KPIConfig holds the thresholds behind the default goal set and anomaly detection.
type KPIConfig struct {
	SentimentAccuracyMin   float64 `yaml:"sentiment_accuracy_min" env:"KPI_SENTIMENT_ACCURACY_MIN"`
	NegativeSpikeThreshold float64 `yaml:"negative_spike_threshold" env:"KPI_NEGATIVE_SPIKE_THRESHOLD"`
	DriftThreshold         float64 `yaml:"drift_threshold" env:"KPI_DRIFT_THRESHOLD"`
}

// QueueConfig configures the persistent queue.
type QueueConfig struct {
	MaxRetries     int `yaml:"max_retries"`
	PurgeAfterDays int `yaml:"purge_after_days"`
	// VisibilityTimeout is how long a claimed message may stay processing
	// before maintenance returns it to pending.
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
}

// LearningConfig configures the continuous learning cycle.
type LearningConfig struct {
	Interval time.Duration `yaml:"interval"`
	// Schedule is an optional cron expression that replaces Interval when set.
	Schedule string `yaml:"schedule" env:"COMMENTOPS_LEARNING_SCHEDULE"`
}

// WorkflowConfig configures workflow runs started by the daemon.
type WorkflowConfig struct {
	DryRun bool `yaml:"dry_run" env:"COMMENTOPS_DRY_RUN"`
	// Schedule is an optional cron expression for unattended runs.
	Schedule string `yaml:"schedule" env:"COMMENTOPS_WORKFLOW_SCHEDULE"`
	// MetricsPath is the metrics snapshot file used by scheduled runs.
	MetricsPath string `yaml:"metrics_path"`
}

// TrainingConfig maps a model type to the command that retrains it.
type TrainingConfig struct {
	Commands map[string][]string `yaml:"commands"`
	WorkDir  string              `yaml:"work_dir"`
	Timeout  time.Duration       `yaml:"timeout"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level     string `yaml:"level" env:"COMMENTOPS_LOG_LEVEL"`
	Format    string `yaml:"format" env:"COMMENTOPS_LOG_FORMAT"`
	AddSource bool   `yaml:"add_source"`
}

// Config is the full commentops configuration.
type Config struct {
	DataDir      string `yaml:"data_dir" env:"DATA_DIR"`
	DBPath       string `yaml:"db_path" env:"COMMENTOPS_DB"`
	ArtifactsDir string `yaml:"artifacts_dir"`
	GoalsPath    string `yaml:"goals_path"`
	BaselinePath string `yaml:"baseline_path"`
	ListenAddr   string `yaml:"listen" env:"COMMENTOPS_LISTEN"`

	KPI       KPIConfig        `yaml:"kpi"`
	Queue     QueueConfig      `yaml:"queue"`
	Scheduler scheduler.Config `yaml:"scheduler"`
	Learning  LearningConfig   `yaml:"learning"`
	Workflow  WorkflowConfig   `yaml:"workflow"`
	Alerts    alerts.Config    `yaml:"alerts"`
	Training  TrainingConfig   `yaml:"training"`
	Log       LogConfig        `yaml:"log"`
}

// DefaultConfig returns a configuration rooted at ~/.commentops.
func DefaultConfig() *Config {
	return &Config{
		DataDir:    defaultDataDir(),
		ListenAddr: "127.0.0.1:7480",
		KPI: KPIConfig{
			SentimentAccuracyMin:   0.88,
			NegativeSpikeThreshold: 0.2,
			DriftThreshold:         0.15,
		},
		Queue: QueueConfig{
			MaxRetries:        3,
			PurgeAfterDays:    30,
			VisibilityTimeout: time.Hour,
		},
		Scheduler: *scheduler.DefaultConfig(),
		Learning: LearningConfig{
			Interval: 24 * time.Hour,
		},
		Workflow: WorkflowConfig{
			DryRun: true,
		},
		Alerts: alerts.DefaultConfig(),
		Training: TrainingConfig{
			Commands: map[string][]string{
				"sentiment": {"python", "scripts/train_sentiment.py"},
				"topic":     {"python", "scripts/train_topic.py"},
			},
			Timeout: 30 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "data"
	}
	return filepath.Join(home, ".commentops")
}

// DefaultPath returns ~/.commentops/config.yaml.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.yaml")
}

// Load reads configuration from a YAML file, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes configuration to a YAML file, creating parent directories if needed.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// resolvePaths fills empty file locations relative to DataDir.
func (c *Config) resolvePaths() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "commentops.db")
	}
	if c.ArtifactsDir == "" {
		c.ArtifactsDir = filepath.Join(c.DataDir, "artifacts")
	}
	if c.GoalsPath == "" {
		c.GoalsPath = filepath.Join(c.DataDir, "goals.json")
	}
	if c.BaselinePath == "" {
		c.BaselinePath = filepath.Join(c.DataDir, "baseline_metrics.json")
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	for name, v := range map[string]float64{
		"kpi.sentiment_accuracy_min":   c.KPI.SentimentAccuracyMin,
		"kpi.negative_spike_threshold": c.KPI.NegativeSpikeThreshold,
		"kpi.drift_threshold":          c.KPI.DriftThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0, 1], got %v", name, v)
		}
	}
	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("queue.max_retries must be at least 1")
	}
	if c.Queue.VisibilityTimeout <= c.Training.Timeout {
		return fmt.Errorf("queue.visibility_timeout must exceed training.timeout")
	}
	if c.Scheduler.GlobalMax < 1 {
		return fmt.Errorf("scheduler.global_max must be at least 1")
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be positive")
	}
	if c.Learning.Interval <= 0 && c.Learning.Schedule == "" {
		return fmt.Errorf("learning.interval must be positive when no schedule is set")
	}

	cron := gronx.New()
	if c.Learning.Schedule != "" && !cron.IsValid(c.Learning.Schedule) {
		return fmt.Errorf("invalid learning.schedule %q", c.Learning.Schedule)
	}
	if c.Workflow.Schedule != "" {
		if !cron.IsValid(c.Workflow.Schedule) {
			return fmt.Errorf("invalid workflow.schedule %q", c.Workflow.Schedule)
		}
		if c.Workflow.MetricsPath == "" {
			return fmt.Errorf("workflow.metrics_path is required with workflow.schedule")
		}
	}
	if c.Alerts.RatePerMinute <= 0 {
		return fmt.Errorf("alerts.rate_per_minute must be positive")
	}
	return nil
}
