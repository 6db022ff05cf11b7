package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zapflow/telegram-gateway/internal/app"
	"github.com/zapflow/telegram-gateway/internal/config"
	"github.com/zapflow/telegram-gateway/internal/logging"
	"github.com/zapflow/telegram-gateway/internal/service"
	"github.com/zapflow/telegram-gateway/internal/storage"
	"github.com/zapflow/telegram-gateway/internal/telegram"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg)
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(context.Background()); err != nil {
		return err
	}

	sessions, err := storage.NewFileSessionStore(cfg.SessionsDir)
	if err != nil {
		return err
	}

	dialer := telegram.NewDialer(cfg, logger)
	dispatcher := service.NewWebhookDispatcher(logger, cfg.WebhookTimeout, store)
	messageLog := service.NewMessageLog()
	relay := service.NewMessageRelay(logger, messageLog, dispatcher)
	manager := service.NewAccountManager(logger, dialer, sessions, store, dispatcher, relay)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	manager.RestoreAll(ctx)

	server := app.NewServer(cfg, logger, manager, messageLog, store)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	logger.Info("gateway serving", "port", cfg.Port, "sessions_dir", cfg.SessionsDir)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		logger.Info("shutting down gateway")
		if err := server.Shutdown(shutdownCtx); err != nil && !app.IsServerClosed(err) {
			return err
		}
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
