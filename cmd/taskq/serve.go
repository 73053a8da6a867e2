package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/claude-task-queue/internal/config"
	"github.com/hochfrequenz/claude-task-queue/internal/inbox"
	"github.com/hochfrequenz/claude-task-queue/internal/lifecycle"
	"github.com/hochfrequenz/claude-task-queue/internal/reaper"
	"github.com/hochfrequenz/claude-task-queue/web/api"
)

var (
	servePort   int
	serveInbox  string
	serveNoReap bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the reaper and inbox watcher",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveInbox, "inbox", "", "watch this directory for bundles (overrides config)")
	serveCmd.Flags().BoolVar(&serveNoReap, "no-reaper", false, "do not release stale claims")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Web.Port = servePort
	}
	if serveInbox != "" {
		cfg.Inbox.Enabled = true
		cfg.Inbox.Dir = config.ExpandPath(serveInbox)
	}
	if serveNoReap {
		cfg.Reaper.Enabled = false
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg)
}

// serve runs the API server and the enabled background workers until ctx
// is cancelled or one of them fails.
func serve(ctx context.Context, cfg *config.Config) error {
	var server *api.Server
	a, err := openApp(cfg, lifecycle.WithListener(func(e lifecycle.Event) {
		server.Publish(e)
	}))
	if err != nil {
		return err
	}
	defer a.Close()

	server = api.NewServer(a.machine, a.reader, a.evaluator, cfg.Web.Addr())

	var sweeper *reaper.Reaper
	if cfg.Reaper.Enabled {
		ttl, err := cfg.Reaper.TTL()
		if err != nil {
			return err
		}
		sweeper, err = reaper.New(a.store, a.machine, cfg.Reaper.Cron, ttl)
		if err != nil {
			return fmt.Errorf("reaper: %w", err)
		}
	}

	var watcher *inbox.Watcher
	if cfg.Inbox.Enabled {
		watcher, err = inbox.New(cfg.Inbox.Dir, a.machine)
		if err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	if sweeper != nil {
		g.Go(func() error { return sweeper.Run(ctx) })
	}
	if watcher != nil {
		g.Go(func() error { return watcher.Run(ctx) })
	}

	log.Printf("taskq serving on http://%s (reaper=%v, inbox=%v)", cfg.Web.Addr(), sweeper != nil, watcher != nil)
	return g.Wait()
}
