package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ategon/placecrawler/internal/api"
	"github.com/ategon/placecrawler/internal/clock/system"
	"github.com/ategon/placecrawler/internal/driver"
	"github.com/ategon/placecrawler/internal/hash/sha256"
	"github.com/ategon/placecrawler/internal/id/uuid"
	"github.com/ategon/placecrawler/internal/jobs"
	"github.com/ategon/placecrawler/internal/logging"
	"github.com/ategon/placecrawler/internal/progress"
	"github.com/ategon/placecrawler/internal/progress/sinks"
	"github.com/ategon/placecrawler/internal/scraper"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the crawl scheduler HTTP service",
		Long: `Starts the job manager and the HTTP API. Campaigns are submitted
as jobs, executed by a worker pool, and observable through status,
result and streaming endpoints.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	promSink, err := sinks.NewPrometheusSink(registry)
	if err != nil {
		return fmt.Errorf("init metrics sink: %w", err)
	}
	hub := progress.NewHub(progress.HubConfig{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("events")),
		promSink,
	)

	manager, err := jobs.New(jobs.Config{
		Workers:    cfg.Jobs.Workers,
		QueueDepth: cfg.Jobs.QueueDepth,
		MaxTarget:  cfg.Jobs.MaxTarget,
		DataDir:    cfg.Scraper.DataDir,
	}, jobs.Deps{
		Clock:   system.New(),
		IDs:     uuid.NewGenerator(),
		Hasher:  sha256.New(),
		Logger:  logger.Named("jobs"),
		Emitter: hub,
		NewDriver: func(context.Context) (scraper.PageDriver, error) {
			return driver.NewChromedp(driver.Config{
				Headless:    cfg.Driver.Headless,
				UserAgent:   cfg.Driver.UserAgent,
				NavTimeout:  cfg.NavTimeout(),
				CallTimeout: cfg.CallTimeout(),
			})
		},
	})
	if err != nil {
		return fmt.Errorf("init job manager: %w", err)
	}
	manager.Start(ctx)

	// Old terminal jobs and their artifacts are reaped periodically.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				manager.Cleanup(cfg.CleanupAge())
			}
		}
	}()

	apiServer := api.NewServer(manager, logger.Named("api"), registry, api.Defaults{
		Bounds: scraper.BoundsFromSlice(cfg.Scraper.DefaultBounds),
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	manager.Wait()
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Warn("progress hub close", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
