package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oriys/aurora/internal/ledger"
	"github.com/oriys/aurora/internal/logging"
	"github.com/oriys/aurora/internal/observability"
	"github.com/oriys/aurora/internal/worker"
)

func workerCmd() *cobra.Command {
	var workerID string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the Worker Runtime dispatch loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("worker-id") {
				cfg.Worker.WorkerID = workerID
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if err := initObservability(ctx, cfg); err != nil {
				return err
			}
			defer observability.Shutdown(context.Background())

			store, err := ledger.New(ctx, cfg.Ledger.DSN)
			if err != nil {
				return fmt.Errorf("connect ledger: %w", err)
			}
			defer store.Close()

			client := newRedisClient(cfg)
			defer client.Close()

			engine := newQueueEngine(client, cfg)
			if err := engine.EnsureGroup(ctx); err != nil {
				return fmt.Errorf("ensure consumer group: %w", err)
			}

			registry := newHandlerRegistry(ctx, store, client, cfg)
			statusIndex := newStatusIndex(ctx, client)

			rt := worker.New(engine, store, registry, statusIndex, worker.Config{
				WorkerID:        cfg.Worker.WorkerID,
				MaxConcurrency:  cfg.Worker.MaxConcurrency,
				BlockDuration:   cfg.Worker.BlockDuration,
				DrainTimeout:    cfg.Worker.DrainTimeout,
				HandlerDeadline: cfg.Worker.HandlerDeadline,
				ReclaimInterval: cfg.Worker.ReclaimInterval,
				TaskLockTTL:     cfg.Queue.VisibilityTimeout,
			})

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				logging.Op().Info("shutdown signal received, draining in-flight work")
				cancel()
			}()

			logging.Op().Info("worker started", "worker_id", cfg.Worker.WorkerID, "max_concurrency", cfg.Worker.MaxConcurrency)
			return rt.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&workerID, "worker-id", "", "Worker identity used as the consumer-group consumer name")
	return cmd
}
