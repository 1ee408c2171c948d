package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fentz26/conductor/internal/audit"
	"github.com/fentz26/conductor/internal/config"
	"github.com/fentz26/conductor/internal/controlplane"
	"github.com/fentz26/conductor/internal/fanout"
	"github.com/fentz26/conductor/internal/logging"
	"github.com/fentz26/conductor/internal/orchestrator"
	"github.com/fentz26/conductor/internal/scheduler"
	"github.com/fentz26/conductor/internal/sequencer"
	"github.com/fentz26/conductor/internal/store"
	"github.com/fentz26/conductor/internal/supervisor"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	listenAddr  string
	dbPath      string
	logLevel    string
	workerCmd   string
	outputRoot  string
	maxWorkers  int
	watchOutput bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the Conductor daemon",
	Long:  `Starts the Conductor daemon which supervises workers and serves the HTTP and WebSocket API.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
	daemonCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	daemonCmd.Flags().StringVar(&workerCmd, "worker", "", "Worker executable (overrides config)")
	daemonCmd.Flags().StringVar(&outputRoot, "output-root", "", "Directory holding per-session output (overrides config)")
	daemonCmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "Maximum concurrent workers (overrides config)")
	daemonCmd.Flags().BoolVar(&watchOutput, "watch-output", false, "Capture files as the worker writes them")
}

// loadDaemonConfig reads the config file and applies command-line overrides.
func loadDaemonConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Server.Listen = listenAddr
	}
	if flags.Changed("db") {
		cfg.Store.Path = dbPath
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("worker") {
		cfg.Worker.Command = workerCmd
	}
	if flags.Changed("output-root") {
		cfg.Worker.OutputRoot = outputRoot
	}
	if flags.Changed("max-workers") {
		cfg.Worker.MaxConcurrent = maxWorkers
	}
	if flags.Changed("watch-output") {
		cfg.WatchOutput = watchOutput
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadDaemonConfig(cmd)
	if err != nil {
		return err
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("version", version).Msg("starting conductor daemon")

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	s, err := store.New(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer func() {
		log.Info().Msg("closing database connection")
		if err := s.Close(); err != nil {
			log.Error().Err(err).Msg("database close")
		}
	}()

	hub := fanout.New(cfg.Fanout)
	defer hub.Close()

	pdr := audit.NewPDRWriter(s)
	recorder := orchestrator.NewRecorder(s, sequencer.New(s), hub)
	sched := scheduler.New(s, pdr, &cfg.Scheduler)
	sup := supervisor.New(orchestrator.Deps{
		Store:     s,
		Recorder:  recorder,
		Scheduler: sched,
		PDR:       pdr,
		Artifacts: cfg.Artifacts,
	}, cfg.Supervisor())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if n, err := sup.RecoverOrphans(ctx); err != nil {
		log.Error().Err(err).Msg("orphan recovery")
	} else if n > 0 {
		log.Warn().Int("sessions", n).Msg("orphaned sessions marked failed")
	}

	service := controlplane.NewService(s, pdr, sup, recorder, sched, cfg.Worker.OutputRoot, version)
	server := controlplane.NewServer(service, cfg.Server.Listen)

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Listen, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("initiating graceful shutdown")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := sup.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("worker shutdown")
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http server shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("shutdown complete")
	return nil
}
