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

	"go.uber.org/zap"

	"github.com/lalith-99/nestchat/internal/api"
	"github.com/lalith-99/nestchat/internal/config"
	"github.com/lalith-99/nestchat/internal/db"
	"github.com/lalith-99/nestchat/internal/directory"
	"github.com/lalith-99/nestchat/internal/observ"
	"github.com/lalith-99/nestchat/internal/realtime"
	"github.com/lalith-99/nestchat/internal/repository"
	"github.com/lalith-99/nestchat/internal/repository/memory"
	"github.com/lalith-99/nestchat/internal/repository/postgres"
	"github.com/lalith-99/nestchat/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	// Startup has no parent deadline; connecting takes as long as it
	// takes. Every request after this gets its own context.
	ctx := context.Background()

	var store repository.ConversationStore
	switch cfg.Store {
	case "memory":
		logger.Warn("using in-memory conversation store; data will not survive restarts")
		store = memory.NewConversationStore()
	default:
		database, err := db.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer database.Close()
		store = postgres.NewConversationStore(database.Pool())
	}

	manager := realtime.NewConnManager(func(ctx context.Context) (transport.Transport, error) {
		if cfg.Transport == "memory" {
			return transport.NewMemTransport(), nil
		}
		return transport.NewRedisTransport(ctx, cfg.RedisURL, logger)
	})

	// Hold a reference for the process lifetime so bridge sessions
	// coming and going never cycle the shared connection; it also
	// fails fast here if the transport is unreachable.
	if _, err := manager.Acquire(ctx); err != nil {
		return fmt.Errorf("connect realtime transport: %w", err)
	}
	defer func() {
		manager.Release()
		manager.ReleaseIfUnused()
	}()

	resolver := directory.NewClient(cfg.DirectoryURL, logger)

	chatHandler := api.NewChatHandler(store, resolver, logger)
	streamHandler := api.NewStreamHandler(store, resolver, manager, logger)

	router := api.NewRouter(cfg.JWTSecret, chatHandler, streamHandler)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting NestChat gateway",
			zap.String("port", cfg.Port),
			zap.String("env", cfg.Env),
			zap.String("store", cfg.Store),
			zap.String("transport", cfg.Transport),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
