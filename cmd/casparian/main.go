// Package main provides the Casparian control-plane API server.
//
// It serves the job/approval HTTP surface (§6) backed by the Postgres
// queue store, optionally mirroring the job event log to Kafka.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/casparian-io/casparian/internal/api"
	"github.com/casparian-io/casparian/internal/api/middleware"
	"github.com/casparian-io/casparian/internal/eventbus"
	"github.com/casparian-io/casparian/internal/queue"
	"github.com/casparian-io/casparian/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "casparian"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("starting casparian control plane",
		slog.String("service", name),
		slog.String("version", version),
	)

	jobStore, err := queue.NewPostgresStore(queue.LoadConfig())
	if err != nil {
		logger.Error("failed to connect to queue store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer jobStore.Close()

	if brokers := eventbus.LoadConfig(); len(brokers.Brokers) > 0 {
		publisher := eventbus.NewPublisher(brokers, logger)
		jobStore.SetEventPublisher(publisher)

		defer publisher.Close()

		logger.Info("kafka event mirror enabled", slog.Any("brokers", brokers.Brokers), slog.String("topic", brokers.Topic))
	} else {
		logger.Warn("CASPARIAN_KAFKA_BROKERS not set - job event mirroring disabled")
	}

	var apiKeyStore storage.APIKeyStore

	storageConfig := storage.LoadConfig()
	if storageConfig.Validate() == nil {
		conn, err := storage.NewConnection(storageConfig)
		if err != nil {
			logger.Error("failed to connect to key store database", slog.String("error", err.Error()))
			os.Exit(1)
		}

		keyStore, err := storage.NewPersistentKeyStore(conn)
		if err != nil {
			logger.Error("failed to initialize key store", slog.String("error", err.Error()))
			os.Exit(1)
		}

		apiKeyStore = keyStore

		defer func() { _ = keyStore.Close() }()
	} else {
		logger.Warn("DATABASE_URL not usable for key store - plugin authentication disabled")
	}

	rateLimiter := middleware.NewInMemoryRateLimiter(middleware.LoadConfig())
	defer rateLimiter.Close()

	server := api.NewServer(&serverConfig, apiKeyStore, rateLimiter, jobStore)

	if err := server.Start(); err != nil {
		logger.Error("server failed to start", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("casparian control plane stopped")
}
