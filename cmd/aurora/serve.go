package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/aurora/internal/auth"
	"github.com/oriys/aurora/internal/ingress"
	"github.com/oriys/aurora/internal/ledger"
	"github.com/oriys/aurora/internal/logging"
	"github.com/oriys/aurora/internal/observability"
	"github.com/oriys/aurora/internal/queue"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingress HTTP surface (submit, status, stream, webhooks)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := initObservability(ctx, cfg); err != nil {
				return err
			}
			defer observability.Shutdown(ctx)

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

			apiKeys := auth.NewAPIKeyStore(store.Pool())
			authenticators := []auth.Authenticator{auth.NewAPIKeyAuthenticator(apiKeys)}

			server := ingress.New(engine, store, registry, queue.NewChannelNotifier(), statusIndex, ingress.Config{
				WebhookSecret:              cfg.Ingress.WebhookSecret,
				WebhookTimestampToleranceS: cfg.Ingress.WebhookTimestampToleranceS,
				StreamPollInterval:         cfg.Ingress.StreamPollInterval,
				StreamTimeout:              cfg.Ingress.StreamTimeout,
			})

			handler := observability.HTTPMiddleware(auth.Middleware(authenticators, []string{"/webhooks/*"})(server.Router()))

			httpServer := &http.Server{Addr: cfg.Ingress.HTTPAddr, Handler: handler}
			go func() {
				logging.Op().Info("ingress listening", "addr", cfg.Ingress.HTTPAddr)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logging.Op().Error("ingress server error", "error", err)
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	}
	return cmd
}
