package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jittakal/kafeventcoap/internal/config"
	"github.com/jittakal/kafeventcoap/internal/config/dto"
	"github.com/jittakal/kafeventcoap/internal/egress"
	"github.com/jittakal/kafeventcoap/internal/ingress"
	"github.com/jittakal/kafeventcoap/internal/kafka"
	"github.com/jittakal/kafeventcoap/internal/observability"
	"github.com/jittakal/kafeventcoap/internal/server"
	"github.com/jittakal/kafeventcoap/pkg/cecoap"
)

var (
	// Version information (set during build)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("application error: %v", err)
	}
}

func run() error {
	// Priority: CLI flag > CONFIG_PATH env var > default path
	configPath := flag.String("config", getEnv("CONFIG_PATH", "config/application.yaml"), "path to configuration file")
	flag.Parse()

	cfg, err := config.NewLoader().Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := observability.NewLogger(observability.LoggingConfig{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting kafeventcoap",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("buildTime", buildTime),
		zap.String("environment", cfg.Application.Environment),
		zap.String("configFile", *configPath),
	)

	codec, err := config.Codec(cfg)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)
	checks := server.NewChecks()

	// Cleanup runs in reverse registration order.
	var cleanupFuncs []func() error
	addCleanup := func(name string, fn func() error) {
		cleanupFuncs = append(cleanupFuncs, func() error {
			if err := fn(); err != nil {
				logger.Error("cleanup failed", zap.String("component", name), zap.Error(err))
				return err
			}
			return nil
		})
		logger.Debug("registered cleanup", zap.String("component", name))
	}
	defer func() {
		for i := len(cleanupFuncs) - 1; i >= 0; i-- {
			_ = cleanupFuncs[i]()
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.CoAP.IngressEnabled {
		listener, err := newIngress(cfg, codec, logger, metrics, addCleanup)
		if err != nil {
			return err
		}
		checks.Register("coap-listener", listener.HealthCheck)
		g.Go(func() error { return listener.ListenAndServe(gctx) })
	}

	if cfg.Egress.Enabled {
		consumer, forwarder, err := newEgress(cfg, codec, logger, metrics, addCleanup)
		if err != nil {
			return err
		}
		checks.Register("coap-forwarder", forwarder.HealthCheck)
		g.Go(func() error { return consumer.Run(gctx, forwarder) })
	}

	httpServer, err := server.NewServer(server.Config{
		HealthPort:     cfg.Observability.Health.Port,
		LivenessPath:   cfg.Observability.Health.LivenessPath,
		ReadinessPath:  cfg.Observability.Health.ReadinessPath,
		MetricsEnabled: cfg.Observability.Metrics.Enabled,
		MetricsPort:    cfg.Observability.Metrics.Port,
		MetricsPath:    cfg.Observability.Metrics.Path,
	}, checks, registry, logger)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	addCleanup("http-server", func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	logger.Info("application started successfully",
		zap.Bool("ingress", cfg.CoAP.IngressEnabled),
		zap.Bool("egress", cfg.Egress.Enabled),
		zap.String("profile", codec.Profile.Name),
	)

	<-gctx.Done()
	logger.Info("initiating graceful shutdown")
	checks.MarkShuttingDown()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			logger.Error("component failed", zap.Error(err))
			return err
		}
	case <-time.After(cfg.Shutdown.GracePeriod()):
		logger.Warn("grace period elapsed before all components stopped",
			zap.Duration("gracePeriod", cfg.Shutdown.GracePeriod()),
		)
	}

	logger.Info("application stopped successfully")
	return nil
}

func newIngress(
	cfg *dto.ApplicationConfig,
	codec *cecoap.Codec,
	logger *zap.Logger,
	metrics *observability.Metrics,
	addCleanup func(string, func() error),
) (*ingress.Listener, error) {
	producer, err := kafka.NewSyncProducer(cfg.Kafka, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	publisher := kafka.NewPublisher(producer, cfg.Kafka.EventsTopic, logger, metrics)
	addCleanup("kafka-publisher", publisher.Close)

	hostname, _ := os.Hostname()
	dlq := kafka.NewDLQPublisher(producer, cfg.Kafka.DLQ, cfg.Application.Name+"@"+hostname, logger, metrics)
	addCleanup("dlq-publisher", dlq.Close)

	listener := ingress.NewListener(ingress.Config{
		ListenAddress:    cfg.CoAP.ListenAddress,
		MaxDatagramBytes: cfg.CoAP.MaxDatagramBytes,
		ReplyEnabled:     cfg.CoAP.ReplyEnabled,
		ExchangeLifetime: cfg.CoAP.ExchangeLifetime(),
		DedupEntries:     cfg.CoAP.DedupEntries,
	}, codec, publisher, dlq, logger.Named("ingress"), metrics)
	addCleanup("coap-listener", listener.Close)
	return listener, nil
}

func newEgress(
	cfg *dto.ApplicationConfig,
	codec *cecoap.Codec,
	logger *zap.Logger,
	metrics *observability.Metrics,
	addCleanup func(string, func() error),
) (*kafka.ConsumerGroup, *egress.Forwarder, error) {
	mode, err := egress.ParseMode(cfg.Egress.Mode)
	if err != nil {
		return nil, nil, err
	}
	forwarder, err := egress.NewForwarder(egress.Config{
		TargetAddress: cfg.Egress.TargetAddress,
		URIPath:       cfg.Egress.URIPath,
		Mode:          mode,
		Confirmable:   cfg.Egress.Confirmable,
	}, codec, logger.Named("egress"), metrics)
	if err != nil {
		return nil, nil, err
	}
	addCleanup("coap-forwarder", forwarder.Close)

	consumer, err := kafka.NewConsumerGroup(cfg.Kafka, cfg.Egress.GroupID, cfg.Egress.Topics, logger)
	if err != nil {
		return nil, nil, err
	}
	addCleanup("kafka-consumer", consumer.Close)
	return consumer, forwarder, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
