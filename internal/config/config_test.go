package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daverage/memtriage/internal/batch"
	"github.com/daverage/memtriage/internal/validation"
)

func writeConfigFile(t *testing.T, root, content string) {
	t.Helper()
	workDir := GetWorkDir(root)
	require.NoError(t, os.MkdirAll(workDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "config.toml"), []byte(content), 0644))
}

func TestLoadDefaults(t *testing.T) {
	root := t.TempDir()

	cfg, err := loadFrom(root)
	require.NoError(t, err)

	assert.Equal(t, validation.DefaultThresholds(), cfg.Thresholds)
	assert.Equal(t, batch.DefaultMaxWorkers, cfg.MaxWorkers)
	assert.Equal(t, batch.DefaultDistribution(), cfg.Expected)
	assert.Equal(t, DefaultQueueHalfLife, cfg.QueueHalfLife)
	assert.Equal(t, DefaultWebhookTimeout, cfg.WebhookTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, filepath.Join(root, WorkDirName, "triage.sqlite3"), cfg.DBPath)
	assert.Equal(t, filepath.Join(root, WorkDirName, "reports"), cfg.ReportDir)

	// loading creates the state directories
	assert.DirExists(t, filepath.Join(root, WorkDirName, "logs"))
	assert.DirExists(t, filepath.Join(root, WorkDirName, "reports"))
}

func TestLoadFromFile(t *testing.T) {
	root := t.TempDir()
	writeConfigFile(t, root, `
[thresholds]
auto_approve = 0.80
review_required = 0.55
auto_reject = 0.40

[weights]
extraction = 0.50
emotional_coherence = 0.20
relationship_accuracy = 0.20
context_quality = 0.10

[batch]
max_workers = 4
target_throughput = 50.0
reject_min = 0.0
reject_max = 0.60

[queue]
recency_half_life_hours = 24

[calibration]
window_days = 7
min_samples = 30
max_step = 0.03

[quality]
window_days = 3
interval_minutes = 30
min_samples = 5
min_auto_approve_accuracy = 0.92
max_false_positive_rate = 0.04
baseline_review_seconds = 120

[storage]
db_path = "/var/lib/memtriage/triage.db"

[logging]
level = "debug"

[notify]
webhook_url = "https://alerts.internal/hook"
webhook_timeout_seconds = 5

[report]
dir = "/srv/reports"
`)

	cfg, err := loadFrom(root)
	require.NoError(t, err)

	assert.InDelta(t, 0.80, cfg.Thresholds.AutoApprove, 1e-9)
	assert.InDelta(t, 0.55, cfg.Thresholds.ReviewRequired, 1e-9)
	assert.InDelta(t, 0.40, cfg.Thresholds.AutoReject, 1e-9)
	assert.InDelta(t, 0.50, cfg.Thresholds.Weights.Extraction, 1e-9)

	assert.Equal(t, 4, cfg.MaxWorkers)
	assert.InDelta(t, 50.0, cfg.TargetThroughput, 1e-9)
	assert.Equal(t, batch.DistributionBand{Min: 0, Max: 0.60}, cfg.Expected.Reject)
	// untouched bands keep their defaults
	assert.Equal(t, batch.DefaultDistribution().Approve, cfg.Expected.Approve)

	assert.Equal(t, 24*time.Hour, cfg.QueueHalfLife)

	assert.Equal(t, 7*24*time.Hour, cfg.Calibration.Window)
	assert.Equal(t, 30, cfg.Calibration.MinSamples)
	assert.InDelta(t, 0.03, cfg.Calibration.MaxStep, 1e-9)

	assert.Equal(t, 3*24*time.Hour, cfg.Quality.Window)
	assert.Equal(t, 30*time.Minute, cfg.Quality.Interval)
	assert.Equal(t, 5, cfg.Quality.MinSamples)
	assert.Equal(t, 120*time.Second, cfg.Quality.BaselineReview)

	// calibration gates on the same floors the monitor alerts on
	assert.InDelta(t, 0.92, cfg.Calibration.MinAutoApproveAccuracy, 1e-9)
	assert.InDelta(t, 0.04, cfg.Calibration.MaxFalsePositiveRate, 1e-9)

	assert.Equal(t, "/var/lib/memtriage/triage.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "https://alerts.internal/hook", cfg.WebhookURL)
	assert.Equal(t, 5*time.Second, cfg.WebhookTimeout)
	assert.Equal(t, "/srv/reports", cfg.ReportDir)
}

func TestInvalidThresholdsFailStartup(t *testing.T) {
	root := t.TempDir()
	writeConfigFile(t, root, `
[thresholds]
auto_approve = 0.40
review_required = 0.55
auto_reject = 0.60
`)

	_, err := loadFrom(root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid thresholds in config file")
}

func TestThresholdSectionTakenWhole(t *testing.T) {
	// An omitted key inside a present [thresholds] section is a real
	// zero, not "keep the default".
	root := t.TempDir()
	writeConfigFile(t, root, `
[thresholds]
auto_approve = 0.80
`)

	cfg, err := loadFrom(root)
	require.NoError(t, err)
	assert.InDelta(t, 0.80, cfg.Thresholds.AutoApprove, 1e-9)
	assert.Zero(t, cfg.Thresholds.ReviewRequired)
	assert.Zero(t, cfg.Thresholds.AutoReject)
}

func TestInvalidWeightsFailStartup(t *testing.T) {
	root := t.TempDir()
	writeConfigFile(t, root, `
[weights]
extraction = 0.70
emotional_coherence = 0.30
relationship_accuracy = 0.20
context_quality = 0.10
`)

	_, err := loadFrom(root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid thresholds in config file")
}

func TestEnvOverrides(t *testing.T) {
	root := t.TempDir()
	t.Setenv("MEMTRIAGE_AUTO_APPROVE", "0.85")
	t.Setenv("MEMTRIAGE_LOG_LEVEL", "warn")
	t.Setenv("MEMTRIAGE_DB_PATH", "/tmp/override.db")
	t.Setenv("MEMTRIAGE_MAX_WORKERS", "2")
	t.Setenv("MEMTRIAGE_WEBHOOK_TIMEOUT_SECONDS", "3")

	cfg, err := loadFrom(root)
	require.NoError(t, err)

	assert.InDelta(t, 0.85, cfg.Thresholds.AutoApprove, 1e-9)
	assert.InDelta(t, validation.DefaultReviewRequired, cfg.Thresholds.ReviewRequired, 1e-9)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "/tmp/override.db", cfg.DBPath)
	assert.Equal(t, 2, cfg.MaxWorkers)
	assert.Equal(t, 3*time.Second, cfg.WebhookTimeout)
}

func TestEnvThresholdViolationFails(t *testing.T) {
	root := t.TempDir()
	t.Setenv("MEMTRIAGE_AUTO_APPROVE", "0.30")

	_, err := loadFrom(root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid thresholds in environment")
}

func TestEnvRejectsUnparseableThreshold(t *testing.T) {
	root := t.TempDir()
	t.Setenv("MEMTRIAGE_AUTO_REJECT", "lots")

	_, err := loadFrom(root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MEMTRIAGE_AUTO_REJECT")
}

func TestFindProjectRootWalksUp(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, WorkDirName), 0755))
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))

	chdir(t, nested)

	found, err := FindProjectRoot()
	require.NoError(t, err)

	// macOS tempdirs resolve through symlinks, compare resolved paths
	wantRoot, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	gotRoot, err := filepath.EvalSymlinks(found)
	require.NoError(t, err)
	assert.Equal(t, wantRoot, gotRoot)
}

func TestFindProjectRootFallsBackToCwd(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	found, err := FindProjectRoot()
	require.NoError(t, err)

	wantDir, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	gotDir, err := filepath.EvalSymlinks(found)
	require.NoError(t, err)
	assert.Equal(t, wantDir, gotDir)
}

// chdir is t.Chdir from Go 1.24+, reimplemented for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}
