package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jra3/tracker-sync/internal/assistant"
	"github.com/jra3/tracker-sync/internal/board"
	"github.com/jra3/tracker-sync/internal/config"
	"github.com/jra3/tracker-sync/internal/events"
	"github.com/jra3/tracker-sync/internal/health"
	"github.com/jra3/tracker-sync/internal/local"
	"github.com/jra3/tracker-sync/internal/logging"
	"github.com/jra3/tracker-sync/internal/primary"
	"github.com/jra3/tracker-sync/internal/store"
	"github.com/jra3/tracker-sync/internal/syncer"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon",
	Long:  `Start the reconciliation loop and the health endpoint, and run until interrupted.`,
	RunE:  runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// daemon bundles everything the run and once commands construct from config.
type daemon struct {
	cfg     *config.Config
	engine  *syncer.Engine
	store   *store.Store
	queue   *events.Queue
	tracker *health.Tracker
	prov    *assistant.Provisioner
	log     *zap.SugaredLogger
}

func buildDaemon(cmd *cobra.Command) (*daemon, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStartup, err)
	}
	if dryRun, _ := cmd.Root().PersistentFlags().GetBool("dry-run"); dryRun {
		cfg.Sync.DryRun = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStartup, err)
	}

	log, err := logging.New(cfg.Log.Mode, cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStartup, err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStartup, err)
	}

	primaryClient := primary.NewClient(cfg.Primary.URL, cfg.Primary.Token, cfg.Sync.RequestTimeout)
	boardClient := board.NewClient(cfg.Board.URL, cfg.Board.Token, cfg.Sync.RequestTimeout)
	localCLI := local.NewCLI(cfg.Local.CLIPath)

	queue := events.NewQueue(256)
	engine := syncer.New(primaryClient, boardClient, localCLI, st, queue, log, syncer.Options{
		Incremental:    cfg.Sync.Incremental,
		DryRun:         cfg.Sync.DryRun,
		SkipEmpty:      cfg.Sync.SkipEmpty,
		Parallel:       cfg.Sync.Parallel,
		MaxWorkers:     cfg.Sync.MaxWorkers,
		Projects:       cfg.Sync.Projects,
		StacksDir:      cfg.Local.StacksDir,
		RequestTimeout: cfg.Sync.RequestTimeout,
	})

	resolve := func(identifier string) string {
		if cfg.Local.StacksDir == "" {
			return ""
		}
		path := filepath.Join(cfg.Local.StacksDir, identifier)
		if !localCLI.Available(path) {
			return ""
		}
		return path
	}
	prov := assistant.New(cfg.Assistant.APIKey, queue, st.Queries(), resolve, log)

	return &daemon{
		cfg:     cfg,
		engine:  engine,
		store:   st,
		queue:   queue,
		tracker: health.NewTracker(),
		prov:    prov,
		log:     log,
	}, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	d, err := buildDaemon(cmd)
	if err != nil {
		return err
	}
	defer d.store.Close()
	defer d.log.Sync()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	server := health.NewServer(d.tracker, d.cfg.Health.Port, d.log)
	if err := server.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrStartup, err)
	}

	go d.prov.Run(ctx)

	scheduler := syncer.NewScheduler(d.engine, d.tracker, d.cfg.Sync.Interval, d.log)
	scheduler.Start(ctx)

	d.log.Infow("daemon started",
		"interval", d.cfg.Sync.Interval.String(),
		"dry_run", d.cfg.Sync.DryRun,
		"incremental", d.cfg.Sync.Incremental,
		"parallel", d.cfg.Sync.Parallel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	d.log.Infow("shutting down", "signal", sig.String())

	scheduler.Stop()
	d.queue.Close()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		d.log.Warnw("health server shutdown incomplete", "error", err)
	}
	return nil
}
