package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jittakal/kafeventcoap/internal/egress"
	"github.com/jittakal/kafeventcoap/internal/generator"
	"github.com/jittakal/kafeventcoap/internal/observability"
	"github.com/jittakal/kafeventcoap/pkg/cecoap"
)

var (
	// Version information (set during build)
	version = "dev"

	// Command-line flags
	target       = flag.String("target", getEnv("COAP_TARGET", "127.0.0.1:5683"), "CoAP endpoint host:port")
	profileName  = flag.String("profile", getEnv("COAP_PROFILE", cecoap.PrivateSubject.Name), "option profile")
	mode         = flag.String("mode", getEnv("COAP_MODE", "binary"), "content mode (binary, structured)")
	uriPath      = flag.String("uri-path", getEnv("COAP_URI_PATH", "events"), "Uri-Path for profiles that do not carry subject on it")
	confirmable  = flag.Bool("confirmable", false, "send CON requests and wait for acknowledgement")
	intervalMS   = flag.Int("interval-ms", getEnvInt("INTERVAL_MS", 1000), "interval between readings in milliseconds")
	count        = flag.Int("count", 0, "stop after this many readings (0 = run until interrupted)")
	devices      = flag.Int("devices", getEnvInt("DEVICES", 5), "number of simulated devices")
	alertPercent = flag.Int("alert-percent", 10, "chance in percent that a reading is followed by an alert")
	logLevel     = flag.String("log-level", getEnv("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	logger, err := observability.NewLogger(observability.LoggingConfig{Level: *logLevel, Format: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(logger); err != nil {
		logger.Fatal("generator failed", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	profile, err := cecoap.ProfileByName(*profileName)
	if err != nil {
		return err
	}
	encoding, err := egress.ParseMode(*mode)
	if err != nil {
		return err
	}

	sender, err := egress.NewForwarder(egress.Config{
		TargetAddress: *target,
		URIPath:       *uriPath,
		Mode:          encoding,
		Confirmable:   *confirmable,
	}, cecoap.NewCodec(profile, cecoap.StrictPolicy()), logger, nil)
	if err != nil {
		return err
	}
	defer sender.Close()

	gen := generator.NewGenerator(generator.Config{
		Devices:          *devices,
		AlertProbability: float64(*alertPercent) / 100,
		Extension:        true,
	}, logger)

	logger.Info("Starting coapeventgen",
		zap.String("version", version),
		zap.String("target", *target),
		zap.String("profile", profile.Name),
		zap.String("mode", encoding.String()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(time.Duration(*intervalMS) * time.Millisecond)
	defer ticker.Stop()

	var sent, failed int
	for readings := 0; *count == 0 || readings < *count; readings++ {
		select {
		case <-ctx.Done():
			logger.Info("Stopping event generation", zap.Int("sent", sent), zap.Int("failed", failed))
			return nil
		case <-ticker.C:
		}

		for _, e := range gen.Next() {
			if err := sender.Send(ctx, &e); err != nil {
				failed++
				logger.Error("Failed to send event", zap.Error(err), zap.String("eventId", e.ID()))
				continue
			}
			sent++
			logger.Debug("Sent event",
				zap.String("eventId", e.ID()),
				zap.String("eventType", e.Type()),
				zap.String("subject", e.Subject()),
			)
		}
	}

	logger.Info("Event generation complete", zap.Int("sent", sent), zap.Int("failed", failed))
	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}
