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

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gluk-w/claworc/shellrelay/internal/auth"
	"github.com/gluk-w/claworc/shellrelay/internal/config"
	"github.com/gluk-w/claworc/shellrelay/internal/connection"
	"github.com/gluk-w/claworc/shellrelay/internal/database"
	"github.com/gluk-w/claworc/shellrelay/internal/handlers"
	"github.com/gluk-w/claworc/shellrelay/internal/logging"
	"github.com/gluk-w/claworc/shellrelay/internal/metrics"
	"github.com/gluk-w/claworc/shellrelay/internal/redact"
	"github.com/gluk-w/claworc/shellrelay/internal/session"
	"github.com/gluk-w/claworc/shellrelay/internal/shell"
	"github.com/gluk-w/claworc/shellrelay/internal/stream"
	"github.com/gluk-w/claworc/shellrelay/internal/transport"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay (configured through SHELLRELAY_* variables)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Settings) error {
	log, err := logging.New(logging.Config{
		Level:       cfg.LogLevel,
		Development: cfg.LogDevelopment,
		FilePath:    cfg.LogPath,
	})
	if err != nil {
		return err
	}
	defer log.Sync()
	logger := log.Logger

	m := metrics.New(nil)

	store, err := database.Open(database.Options{
		Path:          cfg.DatabasePath,
		EncryptionKey: cfg.OutputEncryptionKey,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	defer store.Close()
	guarded := database.NewGuarded(store, database.BreakerConfig{}, logger)

	filter := redact.New()
	if path := cfg.RedactionPatternsFile; path != "" {
		patterns, err := redact.LoadFile(path)
		if err != nil {
			return err
		}
		filter.SetCustom(patterns)
		if err := redact.Watch(ctx, filter, path, logger.Named("redact")); err != nil {
			logger.Warn("redaction patterns will not reload", zap.Error(err))
		}
	}

	authn, err := auth.New(cfg.AuthDisabled, cfg.Tokens())
	if err != nil {
		return err
	}
	if authn.Disabled() {
		logger.Warn("authentication disabled; every caller is user " + auth.LocalUser)
	}

	batch, _ := cfg.BatchMaxBytes()
	window, _ := cfg.WindowBytes()
	launcher := shell.NewLauncher(shell.Options{
		AllowedShells: cfg.AllowedShells,
		BridgeCommand: cfg.BridgeCommand,
		Logger:        logger,
	})
	reg := session.NewRegistry(session.Options{
		Spawner:  launcher,
		Store:    guarded,
		Redactor: filter,
		Stream: stream.Config{
			FlushInterval: cfg.BatchInterval,
			MaxBatchBytes: batch,
			WindowBytes:   window,
			WindowChunks:  cfg.WindowChunks,
		},
		IdleTimeout:    cfg.IdleTimeout,
		TerminateGrace: cfg.TerminateGrace,
		Metrics:        m,
		Logger:         logger,
	})
	mgr := connection.NewManager(connection.Options{
		Registry:       reg,
		MaxRecoveries:  cfg.MaxRecoveries,
		RecoveryWindow: cfg.RecoveryWindow,
		DefaultKind:    cfg.ShellKind(),
		Metrics:        m,
		Logger:         logger,
	})
	go mgr.Run(ctx)

	restored, err := reg.Restore(ctx)
	if err != nil {
		logger.Error("restore sessions", zap.Error(err))
	}
	logger.Info("sessions restored", zap.Int("count", restored))

	h := &handlers.Handlers{
		Registry:       reg,
		Manager:        mgr,
		History:        guarded,
		DefaultKind:    cfg.ShellKind(),
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	}
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h.Router(authn, m),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if cfg.FallbackAddr != "" {
		fs := &transport.FallbackServer{
			Auth: authn.AuthenticateToken,
			Handler: func(ctx context.Context, userID string, c transport.Conn) {
				if err := mgr.Serve(ctx, userID, c); err != nil {
					logger.Debug("fallback connection ended", zap.String("conn", c.Name()), zap.Error(err))
				}
			},
			Logger: logger,
		}
		go func() {
			if err := fs.ListenAndServe(ctx, cfg.FallbackAddr); err != nil {
				errCh <- fmt.Errorf("fallback transport: %w", err)
			}
		}()
	}

	j := &jobs{
		sessions:  reg,
		health:    mgr,
		store:     guarded,
		retention: cfg.OutputRetention,
		logger:    logger.Named("jobs"),
	}
	c := newCron(logger)
	if err := j.schedule(ctx, c, cfg.ProbeInterval); err != nil {
		return err
	}
	c.Start()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.Error("server failed", zap.Error(err))
	}

	<-c.Stop().Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http shutdown", zap.Error(serr))
	}
	// Detach clients first so they reattach after restart instead of
	// being told their session ended.
	mgr.CloseAll()
	reg.Shutdown(shutdownCtx)
	return err
}
