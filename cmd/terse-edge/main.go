package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/undeadops/terse-edge/internal/api"
	"github.com/undeadops/terse-edge/internal/config"
	"github.com/undeadops/terse-edge/internal/configstore"
	"github.com/undeadops/terse-edge/internal/db"
	"github.com/undeadops/terse-edge/internal/history"
	"github.com/undeadops/terse-edge/internal/invalidation"
	"github.com/undeadops/terse-edge/internal/logging"
	"github.com/undeadops/terse-edge/internal/metrics"
	"github.com/undeadops/terse-edge/internal/redirect"
	"github.com/undeadops/terse-edge/internal/sor"
	"github.com/undeadops/terse-edge/internal/store"
	"github.com/undeadops/terse-edge/internal/supervisor"
	"github.com/undeadops/terse-edge/internal/warmer"
)

const (
	appName = "terse-edge"
)

var (
	configPath string
	version    string
)

func main() {
	flag.StringVar(&configPath, "config", getEnv("CONFIG_PATH", ""), "path to a YAML config file")

	// Parse flags
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		// no logger yet
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logging.New(appName, logging.Options{
		Level:   cfg.Log.Level,
		JSON:    cfg.Log.JSON,
		Concise: cfg.Log.Concise,
		Version: version,
	})

	logger.Info().Str("version", version).Msgf("Starting %s version %s", appName, version)

	loc, _ := cfg.Location() // validated by Load
	store.SetLocation(loc)

	source, err := newSource(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up system of record client")
	}

	cache, err := store.NewShardedLRU(cfg.Cache.Capacity, cfg.Cache.Shards)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create cache")
	}
	cache.OnEvict = metrics.CacheEvictions.Inc

	configs := configstore.New(source, cfg.SoR.ConfigRefreshInterval, logging.Component(logger, "config"))
	recorder := history.New(source, history.Options{
		QueueSize: cfg.History.QueueSize,
		Workers:   cfg.History.Workers,
		Logger:    logging.Component(logger, "history"),
	})
	warm := warmer.New(source, cache, logging.Component(logger, "warmer"))
	receiver := invalidation.New(cache, source, logging.Component(logger, "invalidation"))
	receiver.RefreshTimeout = cfg.SoR.LookupTimeout
	resolver := redirect.New(cache, configs, recorder, logging.Component(logger, "redirect"))

	router := api.Router(api.Deps{
		Resolver:   resolver,
		Receiver:   receiver,
		Warmer:     warm,
		Cache:      cache,
		Capacity:   cfg.Cache.Capacity,
		Config:     configs,
		History:    recorder,
		RateLimit:  cfg.Internal.RateLimit,
		RateWindow: cfg.Internal.RateWindow,
	}, logger)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	tree := supervisor.NewTree(appName, logging.NewSlogLogger(logging.Component(logger, "supervisor")), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddSyncService(configs)
	tree.AddSyncService(recorder)
	tree.AddAPIService(supervisor.NewHTTPService(server, cfg.Server.ShutdownTimeout))

	logger.Info().Msgf("Starting %s server on port %s", appName, cfg.Server.Port)
	// Run the tree in the background; redirects answer 503 until the warm below finishes
	done := tree.ServeBackground(ctx)

	warmCtx, cancel := context.WithTimeout(ctx, cfg.SoR.WarmTimeout)
	if err := warm.Warm(warmCtx); err != nil {
		logger.Warn().Err(err).Msg("starting with a cold cache")
	}
	cancel()

	// Listen for the interrupt signal
	<-ctx.Done()
	logger.Info().Msgf("Shutting down %s server", appName)

	select {
	case <-done:
	case <-time.After(cfg.Server.ShutdownTimeout + 5*time.Second):
		if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
			logger.Warn().Int("services", len(report)).Msg("services did not stop in time")
		}
	}
}

func newSource(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Source, error) {
	if cfg.SoR.Backend == config.BackendDynamoDB {
		logger.Info().Msg("Setting up database connection...")
		client := &db.Client{
			Region:       cfg.DynamoDB.Region,
			Table:        cfg.DynamoDB.Table,
			HistoryTable: cfg.DynamoDB.HistoryTable,
			DDBEndpoint:  cfg.DynamoDB.Endpoint,
			CreateTables: cfg.DynamoDB.CreateTables,
			Logger:       logging.Component(logger, "dynamodb"),
			ReadTimeout:  cfg.SoR.LookupTimeout,
			ScanTimeout:  cfg.SoR.WarmTimeout,
			WriteTimeout: cfg.SoR.HistoryTimeout,
		}
		if err := db.SetupDB(ctx, client); err != nil {
			return nil, err
		}
		return client, nil
	}

	client, err := sor.New(sor.Options{
		BaseURL: cfg.SoR.BaseURL,
		Timeouts: sor.Timeouts{
			Lookup:  cfg.SoR.LookupTimeout,
			Warm:    cfg.SoR.WarmTimeout,
			Config:  cfg.SoR.ConfigTimeout,
			History: cfg.SoR.HistoryTimeout,
		},
		BreakerFailures: cfg.SoR.BreakerFailures,
		BreakerTimeout:  cfg.SoR.BreakerTimeout,
		Logger:          logging.Component(logger, "sor"),
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Helper function to get environment variables with default values
func getEnv(key string, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}

	return defaultVal
}
