package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harrison/taskforge/internal/api"
	"github.com/harrison/taskforge/internal/breaker"
	"github.com/harrison/taskforge/internal/broadcaster"
	"github.com/harrison/taskforge/internal/config"
	"github.com/harrison/taskforge/internal/executor"
	"github.com/harrison/taskforge/internal/logger"
	"github.com/harrison/taskforge/internal/orchestrator"
	"github.com/harrison/taskforge/internal/store"
	"github.com/harrison/taskforge/internal/worker"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the task delegation server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.NewOperational(os.Stdout, cfg.LogLevel)

	taskLogger, err := logger.NewTaskLogger(cfg.LogDir)
	if err != nil {
		return fmt.Errorf("create task logger: %w", err)
	}
	defer taskLogger.Close()

	db, err := store.New(cfg.DBPath, cfg.LogDir, taskLogger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	breakerMgr, err := breaker.NewManager(cfg.Breaker.StateDir, cfg.Breaker.Threshold, cfg.Breaker.Cooldown)
	if err != nil {
		return fmt.Errorf("create breaker manager: %w", err)
	}

	adapter := worker.NewAnthropicAdapter(cfg.Worker.AnthropicAPIKey)

	hub := broadcaster.NewHub(cfg.Broadcaster.HeartbeatInterval)
	defer hub.Close()

	exec := executor.New(executor.Deps{
		Store:     db,
		Adapter:   adapter,
		Breaker:   breakerMgr,
		Publisher: hub,
		Retry: executor.RetryPolicy{
			BaseDelay:   cfg.Retry.BaseDelay,
			Factor:      cfg.Retry.Factor,
			Cap:         cfg.Retry.Cap,
			MaxAttempts: cfg.Retry.MaxAttempts,
		},
		Log: log,
	})

	orch := orchestrator.New(orchestrator.Deps{
		Store:     db,
		Runner:    exec,
		Publisher: hub,
		Log:       log,
	})

	sweeper := executor.NewSweeper(db, executor.SweepConfig{
		StuckThreshold:  cfg.Sweep.StuckThreshold,
		OrphanThreshold: cfg.Sweep.OrphanThreshold,
		BackupDir:       cfg.Sweep.BackupDir,
		BackupRetain:    cfg.Sweep.BackupRetain,
	}, log)

	maintCtx, stopMaint := context.WithCancel(ctx)
	defer stopMaint()
	maintDone := make(chan struct{})
	go func() {
		defer close(maintDone)
		runMaintenance(maintCtx, sweeper, breakerMgr, cfg.Sweep.Interval, log)
	}()

	router := api.New(api.Deps{
		Store:          db,
		Executor:       exec,
		Orchestrator:   orch,
		Hub:            hub,
		Breaker:        breakerMgr,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Version:        Version,
		Log:            log,
	})

	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: router}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	logger.PrintBanner(Version, cfg.HTTP.Addr)
	log.Info().Str("addr", cfg.HTTP.Addr).Msg("taskforge listening")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("shutting down")
	}

	// §5, "Process shutdown": stop accepting new requests, flush the
	// Broadcaster, let maintenance finish its current cycle, but do not
	// kill in-flight Executors — the next startup's contingency sweep
	// reconciles anything left RUNNING past its timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown timed out")
	}
	stopMaint()
	<-maintDone

	return nil
}

// runMaintenance drives the contingency sweep and circuit-breaker pruning on
// their configured interval until ctx is cancelled (§4.4, "background
// maintenance task").
func runMaintenance(ctx context.Context, sweeper *executor.Sweeper, breakerMgr *breaker.Manager, interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := sweeper.Run(context.WithoutCancel(ctx)); err != nil {
				log.Warn().Err(err).Msg("contingency sweep failed")
			}
			if n, err := breakerMgr.Prune(); err != nil {
				log.Warn().Err(err).Msg("breaker prune failed")
			} else if n > 0 {
				log.Info().Int("removed", n).Msg("breaker: pruned expired state")
			}
		case <-ctx.Done():
			return
		}
	}
}
