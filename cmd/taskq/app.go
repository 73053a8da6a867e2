package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hochfrequenz/claude-task-queue/internal/config"
	"github.com/hochfrequenz/claude-task-queue/internal/lifecycle"
	"github.com/hochfrequenz/claude-task-queue/internal/notify"
	"github.com/hochfrequenz/claude-task-queue/internal/queue"
	"github.com/hochfrequenz/claude-task-queue/internal/scoring"
	"github.com/hochfrequenz/claude-task-queue/internal/taskstore"
)

// app bundles the components every command works with
type app struct {
	cfg       *config.Config
	store     *taskstore.Store
	machine   *lifecycle.Machine
	reader    *queue.Reader
	evaluator *scoring.Evaluator
}

func loadConfig() (*config.Config, error) {
	return config.LoadWithLocalFallback(configPath)
}

// openApp opens the database named by cfg and wires the core components.
// Extra machine options (listeners) are applied after the defaults.
func openApp(cfg *config.Config, opts ...lifecycle.Option) (*app, error) {
	if cfg.General.DatabasePath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	store, err := taskstore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	notifier := buildNotifier(cfg.Notifications)
	machineOpts := append([]lifecycle.Option{
		lifecycle.WithNotifier(notifier),
		lifecycle.WithDefaults(cfg.Queue.DefaultPriority, cfg.Queue.DefaultMaxAttempts),
	}, opts...)

	return &app{
		cfg:       cfg,
		store:     store,
		machine:   lifecycle.New(store, machineOpts...),
		reader:    queue.NewReader(store, cfg.Queue.TimeoutSeconds),
		evaluator: scoring.NewEvaluator(store, scoring.WithNotifier(notifier)),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// buildNotifier returns the notifiers enabled in cfg, or a no-op notifier
func buildNotifier(cfg config.NotificationsConfig) notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.SlackWebhook))
	}
	if cfg.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	switch len(notifiers) {
	case 0:
		return notify.NoopNotifier{}
	case 1:
		return notifiers[0]
	default:
		return notify.NewMultiNotifier(notifiers...)
	}
}

// withApp loads config, opens the app, runs fn and closes the app.
func withApp(fn func(a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
