// Package main provides Fletcher, a dataset and data product dependency
// orchestrator: it admits dataset plans, tracks each data product's run
// state through its lifecycle, and dispatches newly-eligible products to
// their compute platform.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fletcher-data/fletcher/internal/api"
	"github.com/fletcher-data/fletcher/internal/api/middleware"
	"github.com/fletcher-data/fletcher/internal/auth"
	"github.com/fletcher-data/fletcher/internal/config"
	"github.com/fletcher-data/fletcher/internal/core"
	"github.com/fletcher-data/fletcher/internal/plan"
	"github.com/fletcher-data/fletcher/internal/state"
	"github.com/fletcher-data/fletcher/internal/storage"
	"github.com/fletcher-data/fletcher/internal/trigger"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "fletcher"

	defaultTokenTTL = time.Hour
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

	logger.Info("starting Fletcher service",
		slog.String("service", name),
		slog.String("version", version),
	)

	storageConfig := storage.LoadConfig()
	if err := storageConfig.Validate(); err != nil {
		logger.Error("invalid store configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("failed to connect to store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	store := storage.NewStore(conn, logger)

	issuer, verifier, err := loadAuth(logger)
	if err != nil {
		logger.Error("failed to load authentication configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	dispatcher := buildDispatcher(store, logger)

	var coreStore core.Store = store

	stateEngine := state.NewEngine(coreStore, dispatcher, logger)
	planEngine := plan.NewEngine(coreStore, stateEngine, logger)

	rateLimiterConfig := middleware.LoadConfig()
	rateLimiter := middleware.NewInMemoryRateLimiter(rateLimiterConfig)

	server := api.NewServer(&serverConfig, coreStore, issuer, verifier, planEngine, stateEngine, rateLimiter)

	if err := server.Start(); err != nil {
		logger.Error("server failed to start", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Fletcher service stopped")
}

// loadAuth builds the token Issuer and Verifier from SECRET_KEY and
// REMOTE_APIS, both required per the configuration contract.
func loadAuth(logger *slog.Logger) (*auth.Issuer, *auth.Verifier, error) {
	secretKey := config.GetEnvStr("SECRET_KEY", "")
	if secretKey == "" {
		return nil, nil, errMissingSecretKey
	}

	remoteAPIsRaw := config.GetEnvStr("REMOTE_APIS", "")
	if remoteAPIsRaw == "" {
		return nil, nil, errMissingRemoteAPIs
	}

	apis, err := auth.ParseRemoteAPIs(remoteAPIsRaw)
	if err != nil {
		return nil, nil, err
	}

	logger.Info("loaded remote API credentials", slog.Int("service_count", len(apis)))

	ttl := config.GetEnvDuration("TOKEN_TTL", defaultTokenTTL)

	return auth.NewIssuer(secretKey, ttl, apis), auth.NewVerifier(secretKey), nil
}

// buildDispatcher wires the Trigger Dispatcher with CAMS and DBXaaS HTTP
// adapters and, when KAFKA_BROKERS is configured, a readiness event
// publisher.
func buildDispatcher(store core.Store, logger *slog.Logger) *trigger.Dispatcher {
	adapters := map[core.Compute]trigger.Adapter{
		core.ComputeCAMS: trigger.NewHTTPAdapter(
			"cams",
			config.GetEnvStr("CAMS_ENDPOINT", "http://localhost:9001/submit"),
			config.GetEnvStr("CAMS_BEARER_TOKEN", ""),
		),
		core.ComputeDBXaaS: trigger.NewHTTPAdapter(
			"dbxaas",
			config.GetEnvStr("DBXAAS_ENDPOINT", "http://localhost:9002/submit"),
			config.GetEnvStr("DBXAAS_BEARER_TOKEN", ""),
		),
	}

	opts := make([]trigger.Option, 0, 1)

	if brokersRaw := config.GetEnvStr("KAFKA_BROKERS", ""); brokersRaw != "" {
		brokers := strings.Split(brokersRaw, ",")
		topic := config.GetEnvStr("KAFKA_READY_TOPIC", "data_product.ready")

		opts = append(opts, trigger.WithPublisher(trigger.NewKafkaPublisher(brokers, topic)))

		logger.Info("readiness events will be published to Kafka",
			slog.String("topic", topic),
			slog.Int("broker_count", len(brokers)),
		)
	} else {
		logger.Info("KAFKA_BROKERS not configured - readiness events will not be published")
	}

	return trigger.NewDispatcher(adapters, store, logger, opts...)
}

var (
	errMissingSecretKey  = configError("SECRET_KEY is required")
	errMissingRemoteAPIs = configError("REMOTE_APIS is required")
)

type configError string

func (e configError) Error() string { return string(e) }
