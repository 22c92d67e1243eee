package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tidewater/outreach/internal/api"
	"github.com/tidewater/outreach/internal/config"
	"github.com/tidewater/outreach/internal/db"
	"github.com/tidewater/outreach/internal/dispatch"
	"github.com/tidewater/outreach/internal/engine"
	"github.com/tidewater/outreach/internal/metrics"
	"github.com/tidewater/outreach/internal/repository"
	"github.com/tidewater/outreach/internal/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the engine and management API",
	RunE:  runServe,
}

var configFile string

func init() {
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "/etc/outreach/config.yml", "Path to configuration file")
}

// loadConfig reads .env for secret overrides, then the YAML file.
// A missing file falls back to defaults so local runs need no setup.
func loadConfig() (*config.Config, error) {
	_ = godotenv.Load()

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(configFile)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := database.Migrate(); err != nil {
		return err
	}

	campaigns := repository.NewCampaignRepository(database.DB)
	sequences := repository.NewSequenceRepository(database.DB)
	leads := repository.NewLeadRepository(database.DB)
	accounts := repository.NewAccountRepository(database.DB)
	records := repository.NewSendRecordRepository(database.DB)

	queue, err := newQueue(cfg, logger)
	if err != nil {
		return err
	}
	defer queue.Close()

	m := metrics.New()

	agg := engine.NewAggregator(accounts, campaigns, leads, engine.AggregatorConfig{
		FlushThreshold: cfg.Engine.StatsFlushThreshold,
		FlushInterval:  cfg.Engine.StatsFlushInterval,
	}, logger.With("component", "stats"))

	batch := engine.NewBatchProcessor(campaigns, sequences, leads, accounts, queue, agg,
		engine.BatchProcessorConfig{
			BatchSize:       cfg.Engine.BatchSize,
			RecheckInterval: cfg.Engine.RecheckInterval,
		}, logger.With("component", "batch"))
	batch.SetMetrics(m)

	ctrl := engine.NewController(campaigns, sequences, leads, accounts, records,
		queue, batch, logger.With("component", "lifecycle"))
	ctrl.SetMetrics(m)

	sender, sandbox := newSender(cfg, logger)
	consumer := transport.NewConsumer(sender, records, logger.With("component", "sender"))
	consumer.SetMetrics(m)

	processor := dispatch.NewProcessor(queue, dispatch.ProcessorConfig{
		Workers:         cfg.Dispatch.Workers,
		RetryInterval:   cfg.Dispatch.RetryInterval,
		MaxRetries:      cfg.Dispatch.MaxRetries,
		ProcessInterval: cfg.Dispatch.ProcessInterval,
	}, logger.With("component", "dispatch"))
	processor.SetMetrics(m)

	for _, jobType := range []string{
		dispatch.TypeStart, dispatch.TypePause, dispatch.TypeResume,
		dispatch.TypeComplete, dispatch.TypeProcessBatch,
	} {
		processor.Register(jobType, ctrl.HandleJob)
	}
	processor.Register(dispatch.TypeSend, consumer.HandleSend)

	apiServer := api.NewServer(campaigns, sequences, leads, accounts, records,
		ctrl, queue, &cfg.API, logger.With("component", "api"))
	apiServer.SetMetrics(m)
	if sandbox != nil {
		apiServer.SetSandbox(sandbox)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agg.Start(ctx)
	processor.Start(ctx)

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path,
			cfg.Metrics.AllowedIPs, logger.With("component", "metrics"))
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil {
				logger.Error("metrics server error", "error", err)
			}
		}()
		go pollQueueGauges(ctx, queue, m, cfg.Metrics.Interval, logger)
	}

	if bq, ok := queue.(*dispatch.BoltQueue); ok {
		go runCleanup(ctx, bq, cfg.Dispatch, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("API server error", "error", err)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API shutdown error", "error", err)
	}
	processor.Stop()
	agg.Stop(shutdownCtx)
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics shutdown error", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// newQueue builds the configured dispatch backend.
func newQueue(cfg *config.Config, logger *slog.Logger) (dispatch.Queue, error) {
	switch cfg.Dispatch.Backend {
	case config.BackendEmbedded:
		return dispatch.NewBoltQueue(cfg.Dispatch.Path)
	case config.BackendAMQP:
		return dispatch.NewAMQPQueue(cfg.Dispatch.URL, cfg.Dispatch.Queue,
			cfg.Dispatch.Prefetch, logger.With("component", "amqp"))
	default:
		return nil, fmt.Errorf("unknown dispatch backend %q", cfg.Dispatch.Backend)
	}
}

// newSender picks the relay client when configured, otherwise the
// sandbox sender. The sandbox sender is also returned so the API can
// expose its captured messages.
func newSender(cfg *config.Config, logger *slog.Logger) (transport.Sender, *transport.SandboxSender) {
	if cfg.Sender.RelayURL != "" {
		logger.Info("using relay sender", "url", cfg.Sender.RelayURL)
		return transport.NewRelayClient(cfg.Sender.RelayURL, cfg.Sender.RelayAPIKey), nil
	}

	logger.Info("no relay configured, using sandbox sender")
	sandbox := transport.NewSandboxSender(cfg.Sender.SandboxMaxMessages,
		logger.With("component", "sandbox"))
	if cfg.Sender.SimulateErrors {
		sandbox.SetErrorSimulation(true, cfg.Sender.SimulateProbability)
	}
	return sandbox, sandbox
}

// pollQueueGauges refreshes the queue depth gauges.
func pollQueueGauges(ctx context.Context, q dispatch.Queue, m *metrics.Metrics, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := q.Stats(ctx)
			if err != nil {
				logger.Warn("failed to read queue stats", "error", err)
				continue
			}
			m.QueuePending.Set(float64(stats.Pending))
			m.QueueDeferred.Set(float64(stats.Deferred))
			m.QueueFailed.Set(float64(stats.Failed))
		}
	}
}

// runCleanup periodically removes old completed jobs from the embedded
// queue.
func runCleanup(ctx context.Context, q *dispatch.BoltQueue, cfg config.Dispatch, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.Cleanup(ctx, cfg.RetentionMaxAge)
			if err != nil {
				logger.Error("queue cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("queue cleanup", "removed", n)
			}
		}
	}
}

func newLogger(cfg config.Logging) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
