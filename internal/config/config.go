package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/daverage/memtriage/internal/batch"
	"github.com/daverage/memtriage/internal/calibration"
	"github.com/daverage/memtriage/internal/quality"
	"github.com/daverage/memtriage/internal/validation"
)

const (
	DefaultQueueHalfLife  = 72 * time.Hour
	DefaultWebhookTimeout = 10 * time.Second
	DefaultLogLevel       = "info"
)

// Config holds the application configuration
type Config struct {
	Thresholds validation.ThresholdConfig

	MaxWorkers       int
	TargetThroughput float64
	Expected         batch.DistributionExpectation

	QueueHalfLife time.Duration

	Calibration calibration.Config
	Quality     quality.Config

	WebhookURL     string
	WebhookTimeout time.Duration

	LogLevel string
	LogFile  string

	DBPath     string
	ReportDir  string
	ConfigPath string
	WorkDir    string
}

type fileConfig struct {
	Thresholds struct {
		AutoApprove    float64 `toml:"auto_approve"`
		ReviewRequired float64 `toml:"review_required"`
		AutoReject     float64 `toml:"auto_reject"`
	} `toml:"thresholds"`
	Weights struct {
		Extraction           float64 `toml:"extraction"`
		EmotionalCoherence   float64 `toml:"emotional_coherence"`
		RelationshipAccuracy float64 `toml:"relationship_accuracy"`
		ContextQuality       float64 `toml:"context_quality"`
	} `toml:"weights"`
	Batch struct {
		MaxWorkers       int     `toml:"max_workers"`
		TargetThroughput float64 `toml:"target_throughput"`
		ApproveMin       float64 `toml:"approve_min"`
		ApproveMax       float64 `toml:"approve_max"`
		ReviewMin        float64 `toml:"review_min"`
		ReviewMax        float64 `toml:"review_max"`
		RejectMin        float64 `toml:"reject_min"`
		RejectMax        float64 `toml:"reject_max"`
	} `toml:"batch"`
	Queue struct {
		RecencyHalfLifeHours int `toml:"recency_half_life_hours"`
	} `toml:"queue"`
	Calibration struct {
		WindowDays    int     `toml:"window_days"`
		MinSamples    int     `toml:"min_samples"`
		MaxStep       float64 `toml:"max_step"`
		MaxWeightStep float64 `toml:"max_weight_step"`
		MaxHistory    int     `toml:"max_history"`
	} `toml:"calibration"`
	Quality struct {
		WindowDays             int     `toml:"window_days"`
		IntervalMinutes        int     `toml:"interval_minutes"`
		MinSamples             int     `toml:"min_samples"`
		MinAutoApproveAccuracy float64 `toml:"min_auto_approve_accuracy"`
		MaxFalsePositiveRate   float64 `toml:"max_false_positive_rate"`
		BaselineReviewSeconds  int     `toml:"baseline_review_seconds"`
	} `toml:"quality"`
	Storage struct {
		DBPath string `toml:"db_path"`
	} `toml:"storage"`
	Logging struct {
		Level string `toml:"level"`
		File  string `toml:"file"`
	} `toml:"logging"`
	Notify struct {
		WebhookURL            string `toml:"webhook_url"`
		WebhookTimeoutSeconds int    `toml:"webhook_timeout_seconds"`
	} `toml:"notify"`
	Report struct {
		Dir string `toml:"dir"`
	} `toml:"report"`
}

// LoadConfig loads configuration from file, environment variables, and
// defaults. It resolves the .memtriage work directory by walking up from
// the current working directory.
func LoadConfig() (*Config, error) {
	projectRoot, err := FindProjectRoot()
	if err != nil {
		return nil, err
	}
	return loadFrom(projectRoot)
}

func loadFrom(projectRoot string) (*Config, error) {
	workDir := GetWorkDir(projectRoot)
	configPath := filepath.Join(workDir, "config.toml")

	if err := EnsureWorkDirs(workDir); err != nil {
		return nil, err
	}

	cfg := &Config{
		Thresholds:       validation.DefaultThresholds(),
		MaxWorkers:       batch.DefaultMaxWorkers,
		TargetThroughput: 0,
		Expected:         batch.DefaultDistribution(),
		QueueHalfLife:    DefaultQueueHalfLife,
		Calibration:      calibration.DefaultConfig(),
		Quality:          quality.DefaultConfig(),
		WebhookTimeout:   DefaultWebhookTimeout,
		LogLevel:         DefaultLogLevel,
		LogFile:          filepath.Join(workDir, "logs", "memtriage.log"),
		DBPath:           filepath.Join(workDir, "triage.sqlite3"),
		ReportDir:        filepath.Join(workDir, "reports"),
		ConfigPath:       configPath,
		WorkDir:          workDir,
	}

	if _, err := os.Stat(configPath); err == nil {
		fileData, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}

		var parsed fileConfig
		if err := toml.Unmarshal(fileData, &parsed); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", configPath, err)
		}
		var raw map[string]interface{}
		if err := toml.Unmarshal(fileData, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", configPath, err)
		}

		if err := applyFile(cfg, &parsed, raw); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyFile merges a parsed config file onto defaults. Threshold and
// weight sections are taken whole when present, never field-by-field:
// a zero there is a real value, not an unset one, and any invariant
// violation must surface as a startup error instead of being patched.
func applyFile(cfg *Config, parsed *fileConfig, raw map[string]interface{}) error {
	_, thresholdsPresent := raw["thresholds"]
	_, weightsPresent := raw["weights"]

	autoApprove := cfg.Thresholds.AutoApprove
	reviewRequired := cfg.Thresholds.ReviewRequired
	autoReject := cfg.Thresholds.AutoReject
	weights := cfg.Thresholds.Weights

	if thresholdsPresent {
		autoApprove = parsed.Thresholds.AutoApprove
		reviewRequired = parsed.Thresholds.ReviewRequired
		autoReject = parsed.Thresholds.AutoReject
	}
	if weightsPresent {
		weights = validation.FactorWeights{
			Extraction:           parsed.Weights.Extraction,
			EmotionalCoherence:   parsed.Weights.EmotionalCoherence,
			RelationshipAccuracy: parsed.Weights.RelationshipAccuracy,
			ContextQuality:       parsed.Weights.ContextQuality,
		}
	}
	if thresholdsPresent || weightsPresent {
		thresholds, err := validation.NewThresholdConfig(autoApprove, reviewRequired, autoReject, weights)
		if err != nil {
			return fmt.Errorf("invalid thresholds in config file: %w", err)
		}
		cfg.Thresholds = thresholds
	}

	if parsed.Batch.MaxWorkers > 0 {
		cfg.MaxWorkers = parsed.Batch.MaxWorkers
	}
	if parsed.Batch.TargetThroughput > 0 {
		cfg.TargetThroughput = parsed.Batch.TargetThroughput
	}
	if parsed.Batch.ApproveMax > 0 {
		cfg.Expected.Approve = batch.DistributionBand{Min: parsed.Batch.ApproveMin, Max: parsed.Batch.ApproveMax}
	}
	if parsed.Batch.ReviewMax > 0 {
		cfg.Expected.Review = batch.DistributionBand{Min: parsed.Batch.ReviewMin, Max: parsed.Batch.ReviewMax}
	}
	if parsed.Batch.RejectMax > 0 {
		cfg.Expected.Reject = batch.DistributionBand{Min: parsed.Batch.RejectMin, Max: parsed.Batch.RejectMax}
	}

	if parsed.Queue.RecencyHalfLifeHours > 0 {
		cfg.QueueHalfLife = time.Duration(parsed.Queue.RecencyHalfLifeHours) * time.Hour
	}

	if parsed.Calibration.WindowDays > 0 {
		cfg.Calibration.Window = time.Duration(parsed.Calibration.WindowDays) * 24 * time.Hour
	}
	if parsed.Calibration.MinSamples > 0 {
		cfg.Calibration.MinSamples = parsed.Calibration.MinSamples
	}
	if parsed.Calibration.MaxStep > 0 {
		cfg.Calibration.MaxStep = parsed.Calibration.MaxStep
	}
	if parsed.Calibration.MaxWeightStep > 0 {
		cfg.Calibration.MaxWeightStep = parsed.Calibration.MaxWeightStep
	}
	if parsed.Calibration.MaxHistory > 0 {
		cfg.Calibration.MaxHistory = parsed.Calibration.MaxHistory
	}

	if parsed.Quality.WindowDays > 0 {
		cfg.Quality.Window = time.Duration(parsed.Quality.WindowDays) * 24 * time.Hour
	}
	if parsed.Quality.IntervalMinutes > 0 {
		cfg.Quality.Interval = time.Duration(parsed.Quality.IntervalMinutes) * time.Minute
	}
	if parsed.Quality.MinSamples > 0 {
		cfg.Quality.MinSamples = parsed.Quality.MinSamples
	}
	if parsed.Quality.MinAutoApproveAccuracy > 0 {
		cfg.Quality.MinAutoApproveAccuracy = parsed.Quality.MinAutoApproveAccuracy
	}
	if parsed.Quality.MaxFalsePositiveRate > 0 {
		cfg.Quality.MaxFalsePositiveRate = parsed.Quality.MaxFalsePositiveRate
	}
	if parsed.Quality.BaselineReviewSeconds > 0 {
		cfg.Quality.BaselineReview = time.Duration(parsed.Quality.BaselineReviewSeconds) * time.Second
	}

	// Calibration gates on the same quality floors the monitor alerts on.
	cfg.Calibration.MinAutoApproveAccuracy = cfg.Quality.MinAutoApproveAccuracy
	cfg.Calibration.MaxFalsePositiveRate = cfg.Quality.MaxFalsePositiveRate

	if parsed.Storage.DBPath != "" {
		cfg.DBPath = parsed.Storage.DBPath
	}
	if parsed.Logging.Level != "" {
		cfg.LogLevel = parsed.Logging.Level
	}
	if parsed.Logging.File != "" {
		cfg.LogFile = parsed.Logging.File
	}
	if parsed.Notify.WebhookURL != "" {
		cfg.WebhookURL = parsed.Notify.WebhookURL
	}
	if parsed.Notify.WebhookTimeoutSeconds > 0 {
		cfg.WebhookTimeout = time.Duration(parsed.Notify.WebhookTimeoutSeconds) * time.Second
	}
	if parsed.Report.Dir != "" {
		cfg.ReportDir = parsed.Report.Dir
	}

	return nil
}

// applyEnv applies MEMTRIAGE_* environment variable overrides.
func applyEnv(cfg *Config) error {
	autoApprove := cfg.Thresholds.AutoApprove
	reviewRequired := cfg.Thresholds.ReviewRequired
	autoReject := cfg.Thresholds.AutoReject
	thresholdsChanged := false

	if v := os.Getenv("MEMTRIAGE_AUTO_APPROVE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid MEMTRIAGE_AUTO_APPROVE %q: %w", v, err)
		}
		autoApprove = f
		thresholdsChanged = true
	}
	if v := os.Getenv("MEMTRIAGE_REVIEW_REQUIRED"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid MEMTRIAGE_REVIEW_REQUIRED %q: %w", v, err)
		}
		reviewRequired = f
		thresholdsChanged = true
	}
	if v := os.Getenv("MEMTRIAGE_AUTO_REJECT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid MEMTRIAGE_AUTO_REJECT %q: %w", v, err)
		}
		autoReject = f
		thresholdsChanged = true
	}
	if thresholdsChanged {
		thresholds, err := validation.NewThresholdConfig(autoApprove, reviewRequired, autoReject, cfg.Thresholds.Weights)
		if err != nil {
			return fmt.Errorf("invalid thresholds in environment: %w", err)
		}
		cfg.Thresholds = thresholds
	}

	if v := os.Getenv("MEMTRIAGE_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxWorkers = n
		}
	}
	if v := os.Getenv("MEMTRIAGE_TARGET_THROUGHPUT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.TargetThroughput = f
		}
	}
	if v := os.Getenv("MEMTRIAGE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MEMTRIAGE_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("MEMTRIAGE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("MEMTRIAGE_REPORT_DIR"); v != "" {
		cfg.ReportDir = v
	}
	if v := os.Getenv("MEMTRIAGE_WEBHOOK_URL"); v != "" {
		cfg.WebhookURL = v
	}
	if v := os.Getenv("MEMTRIAGE_WEBHOOK_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.WebhookTimeout = time.Duration(n) * time.Second
		}
	}

	return nil
}

// Validate verifies the configuration is usable.
func (c *Config) Validate() error {
	if err := c.Thresholds.Validate(); err != nil {
		return fmt.Errorf("thresholds: %w", err)
	}
	if err := c.Calibration.Validate(); err != nil {
		return fmt.Errorf("calibration: %w", err)
	}
	if err := c.Quality.Validate(); err != nil {
		return fmt.Errorf("quality: %w", err)
	}
	if c.MaxWorkers < 0 {
		return fmt.Errorf("batch max workers cannot be negative")
	}
	if c.TargetThroughput < 0 {
		return fmt.Errorf("batch target throughput cannot be negative")
	}
	if c.QueueHalfLife <= 0 {
		return fmt.Errorf("queue recency half-life must be positive")
	}
	if c.WebhookTimeout <= 0 {
		return fmt.Errorf("webhook timeout must be positive")
	}
	if c.DBPath == "" {
		return fmt.Errorf("storage db path is empty")
	}
	return nil
}
