package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)

	cfg, err := Load(filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "commentops.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join(dir, "goals.json"), cfg.GoalsPath)
	assert.InDelta(t, 0.88, cfg.KPI.SentimentAccuracyMin, 1e-9)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, time.Hour, cfg.Queue.VisibilityTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Learning.Interval)
	assert.True(t, cfg.Workflow.DryRun)
}

func TestLoadFileThenEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlDoc := `
data_dir: ` + dir + `
kpi:
  drift_threshold: 0.3
queue:
  max_retries: 5
learning:
  interval: 12h
alerts:
  slack_webhook_url: https://hooks.example/file
  rate_per_minute: 2
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))
	t.Setenv("SLACK_WEBHOOK_URL", "https://hooks.example/env")
	t.Setenv("KPI_NEGATIVE_SPIKE_THRESHOLD", "0.25")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.InDelta(t, 0.3, cfg.KPI.DriftThreshold, 1e-9)
	assert.InDelta(t, 0.25, cfg.KPI.NegativeSpikeThreshold, 1e-9)
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
	assert.Equal(t, 12*time.Hour, cfg.Learning.Interval)
	assert.Equal(t, "https://hooks.example/env", cfg.Alerts.SlackWebhookURL)
	assert.InDelta(t, 2.0, cfg.Alerts.RatePerMinute, 1e-9)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.KPI.DriftThreshold = 1.5
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Queue.VisibilityTimeout = cfg.Training.Timeout
	assert.Error(t, cfg.Validate(), "visibility timeout must outlast a training run")

	cfg = DefaultConfig()
	cfg.Learning.Schedule = "not a cron"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Workflow.Schedule = "*/5 * * * *"
	assert.Error(t, cfg.Validate(), "schedule without metrics path")
	cfg.Workflow.MetricsPath = "metrics.json"
	assert.NoError(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.Queue.MaxRetries = 7
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Queue.MaxRetries)

	assert.Error(t, Save(path, nil))
}
