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

	"github.com/RichardoC/teiqr/internal/api"
	"github.com/RichardoC/teiqr/internal/auth"
	"github.com/RichardoC/teiqr/internal/chat"
	"github.com/RichardoC/teiqr/internal/config"
	"github.com/RichardoC/teiqr/internal/db"
	"github.com/RichardoC/teiqr/internal/llm"
	"github.com/RichardoC/teiqr/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "teiqr",
		Short: "TeiqR chat backend",
		Long:  `Serves the TeiqR chat API: authenticated conversations with replies streamed from an OpenAI-compatible provider.`,
		RunE:  runServe,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE:  runServe,
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema and exit",
		RunE:  runMigrate,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	gin.SetMode(cfg.Server.Mode)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to initialize database",
			zap.Error(err),
			zap.String("driver", cfg.Database.Driver))
		return err
	}

	completer, err := llm.NewCompleter(cfg.Upstream)
	if err != nil {
		logger.Error("failed to initialize completion client", zap.Error(err))
		return multierr.Append(err, store.Close())
	}

	resolver, err := auth.New(cfg.Auth)
	if err != nil {
		return multierr.Append(err, store.Close())
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	chatService := chat.NewService(store, llm.NewClient(cfg.Upstream, logger), completer, cfg.Chat, cfg.Upstream.DefaultModel, logger)
	handler := api.NewHandler(store, chatService, metrics.NewChat(reg), cfg.Chat.Models, logger)

	var limiter *api.RateLimiter
	if cfg.RateLimit.RequestsPerMinute > 0 {
		limiter = api.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewRouter(handler, resolver, limiter, reg, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server",
			zap.String("addr", cfg.Server.Addr),
			zap.String("database", cfg.Database.Driver),
			zap.String("auth", cfg.Auth.Mode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err = <-serveErr:
		logger.Error("server failed", zap.Error(err))
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()

	return multierr.Combine(err, srv.Shutdown(shutdownCtx), store.Close())
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := db.Open(cmd.Context(), cfg.Database)
	if err != nil {
		logger.Error("failed to initialize database", zap.Error(err), zap.String("driver", cfg.Database.Driver))
		return err
	}
	logger.Info("Database ready", zap.String("driver", cfg.Database.Driver))
	return store.Close()
}
