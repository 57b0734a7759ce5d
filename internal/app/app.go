// Package app wires configuration, logging, storage and the triage
// engines into one runnable application instance.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/daverage/memtriage/internal/calibration"
	"github.com/daverage/memtriage/internal/config"
	"github.com/daverage/memtriage/internal/logging"
	"github.com/daverage/memtriage/internal/notify"
	"github.com/daverage/memtriage/internal/quality"
	"github.com/daverage/memtriage/internal/storage"
	"github.com/daverage/memtriage/internal/validation"
)

// App holds the core components of the application.
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Store   *storage.Store
	Engine  *calibration.Engine
	Monitor *quality.Monitor

	// metricsWriter persists the monitor's snapshots in the background;
	// Close drains it before the store goes away.
	metricsWriter *storage.MetricsWriter

	Ctx    context.Context
	Cancel context.CancelFunc
}

// NewApp initializes and returns a new App instance.
func NewApp() (*App, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return newApp(cfg)
}

func newApp(cfg *config.Config) (*App, error) {
	logFile := cfg.LogFile
	if logFile == "" {
		logDir := filepath.Join(cfg.WorkDir, "logs")
		logFile = filepath.Join(logDir, fmt.Sprintf("memtriage-%s.log", time.Now().Format("2006-01-02")))
	} else if !filepath.IsAbs(logFile) {
		logFile = filepath.Join(cfg.WorkDir, logFile)
	}
	logDir := filepath.Dir(logFile)

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, logFile)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	store, err := storage.Open(cfg.DBPath, logger)
	if err != nil {
		logger.Error("Failed to initialize database", zap.Error(err))
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	active, previous, err := seedThresholds(store, cfg.Thresholds, cfg.Calibration.MaxHistory)
	if err != nil {
		store.Close()
		return nil, err
	}

	engine, err := calibration.NewEngine(cfg.Calibration, active, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize calibration engine: %w", err)
	}
	engine.SeedHistory(previous)

	notifiers := []quality.Notifier{notify.NewLogNotifier(logger)}
	if cfg.WebhookURL != "" {
		webhook, err := notify.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookTimeout)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to initialize webhook notifier: %w", err)
		}
		notifiers = append(notifiers, webhook)
	}

	monitor, err := quality.NewMonitor(cfg.Quality, store, logger, notifiers...)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize quality monitor: %w", err)
	}
	metricsWriter := storage.NewMetricsWriter(store, logger)
	monitor.SetSnapshotSink(metricsWriter)

	ctx, cancel := context.WithCancel(context.Background())

	return &App{
		Config:        cfg,
		Logger:        logger,
		Store:         store,
		Engine:        engine,
		Monitor:       monitor,
		metricsWriter: metricsWriter,
		Ctx:           ctx,
		Cancel:        cancel,
	}, nil
}

// seedThresholds resolves the threshold state at startup: the last
// version recorded in the store wins over the config file, and a fresh
// store gets the file config written as version history. Earlier
// recorded versions come back oldest first so the calibration engine
// can roll back across process restarts.
func seedThresholds(store *storage.Store, fromFile validation.ThresholdConfig, maxHistory int) (validation.ThresholdConfig, []validation.ThresholdConfig, error) {
	ctx := context.Background()

	versions, err := store.ThresholdHistory(ctx, maxHistory+1)
	if err != nil {
		return validation.ThresholdConfig{}, nil, fmt.Errorf("failed to load stored thresholds: %w", err)
	}
	if len(versions) == 0 {
		if err := store.SaveThresholds(ctx, fromFile, storage.SourceInitial); err != nil {
			return validation.ThresholdConfig{}, nil, fmt.Errorf("failed to record initial thresholds: %w", err)
		}
		return fromFile, nil, nil
	}

	previous := make([]validation.ThresholdConfig, 0, len(versions)-1)
	for i := len(versions) - 1; i >= 1; i-- {
		previous = append(previous, versions[i].Config)
	}
	return versions[0].Config, previous, nil
}

// Close gracefully shuts down the application resources.
func (a *App) Close() {
	if a.Cancel != nil {
		a.Cancel()
	}

	a.metricsWriter.Close()

	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Error("Failed to close database connection", zap.Error(err))
		} else {
			a.Logger.Info("Database connection closed.")
		}
	}
	if a.Logger != nil {
		if err := a.Logger.Sync(); err != nil {
			// Sync on stderr fails on some platforms; only surface
			// errors that are not that.
			if !strings.Contains(err.Error(), "sync /dev/stderr: invalid argument") &&
				!strings.Contains(err.Error(), "sync <file descriptor>: bad file descriptor") &&
				!strings.Contains(err.Error(), "sync /dev/stderr: inappropriate ioctl for device") {
				fmt.Fprintf(os.Stderr, "Error syncing logger: %v\n", err)
			}
		}
	}
}
