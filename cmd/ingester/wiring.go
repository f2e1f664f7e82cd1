package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hive-corporation/watchtower-enrich/internal/adapter/provider"
	"github.com/hive-corporation/watchtower-enrich/internal/adapter/publisher"
	"github.com/hive-corporation/watchtower-enrich/internal/adapter/quotastore"
	"github.com/hive-corporation/watchtower-enrich/internal/adapter/repository"
	"github.com/hive-corporation/watchtower-enrich/internal/adapter/reputation"
	"github.com/hive-corporation/watchtower-enrich/internal/config"
	"github.com/hive-corporation/watchtower-enrich/internal/core/ports"
	"github.com/hive-corporation/watchtower-enrich/internal/core/service"
	"github.com/hive-corporation/watchtower-enrich/internal/logging"
	"github.com/hive-corporation/watchtower-enrich/internal/metrics"
	"github.com/hive-corporation/watchtower-enrich/internal/quota"
)

// application holds everything a command needs plus the cleanups to run on
// exit, in reverse order of acquisition.
type application struct {
	cfg      *config.Config
	logger   *zap.SugaredLogger
	store    ports.IndicatorStore
	tracker  *quota.Tracker
	pipeline *service.Pipeline
	closers  []func()
}

func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.logger.Sync()
}

func newLogger(cfg *config.Config) (*zap.SugaredLogger, error) {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

func bootstrap(ctx context.Context) (*application, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	metrics.InitMetrics()

	app := &application{cfg: cfg, logger: logger}
	fail := func(err error) (*application, error) {
		app.Close()
		return nil, err
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	app.store = store
	app.closers = append(app.closers, closeStore)

	tracker, closeQuota, err := buildTracker(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	app.tracker = tracker
	app.closers = append(app.closers, closeQuota)

	collector := service.NewCollector(buildFeeds(cfg, logger), cfg.Feeds.FetchTimeout, logger)
	gate := service.NewGate(store,
		service.WithRefreshAfter(cfg.Pipeline.RefreshAfter),
		service.WithGateLogger(logger),
	)

	enricherCfg := service.DefaultEnricherConfig()
	enricherCfg.ProviderMaxWait = cfg.Provider.MaxWait
	enricherCfg.MaxRetries = cfg.Provider.MaxRetries
	enricherCfg.RateLimitCooldown = cfg.Provider.RateLimitPause
	enricher := service.NewEnricher(buildReputation(cfg, logger), tracker, enricherCfg, logger)

	pipelineCfg := service.DefaultPipelineConfig()
	pipelineCfg.FeedLimit = cfg.Pipeline.FeedLimit
	pipelineCfg.Workers = cfg.Pipeline.Workers
	pipelineCfg.BatchSize = cfg.Pipeline.BatchSize
	pipelineCfg.FlushInterval = cfg.Pipeline.FlushInterval
	pipelineCfg.IndicatorTimeout = cfg.Pipeline.IndicatorTimeout

	opts := []service.PipelineOption{service.WithPipelineLogger(logger)}
	if len(cfg.Kafka.Brokers) > 0 {
		pub := publisher.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		opts = append(opts, service.WithPublisher(pub))
		app.closers = append(app.closers, func() {
			if err := pub.Close(); err != nil {
				logger.Warnw("Failed to close Kafka writer", "error", err)
			}
		})
		logger.Infow("Publishing records to Kafka", "topic", cfg.Kafka.Topic, "brokers", cfg.Kafka.Brokers)
	}
	app.pipeline = service.NewPipeline(collector, gate, enricher, store, pipelineCfg, opts...)
	return app, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (ports.IndicatorStore, func(), error) {
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("error connecting to database: %w", err)
		}
		repo := repository.NewPostgresRepository(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("error preparing schema: %w", err)
		}
		logger.Info("Connected to PostgreSQL")
		return repo, pool.Close, nil
	case "mongo":
		repo, err := repository.ConnectMongo(ctx, cfg.Mongo.URI, cfg.Mongo.Database, logger)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() {
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = repo.Close(cctx)
		}, nil
	default:
		logger.Warn("Using in-memory store; records are lost on exit")
		return repository.NewMemoryRepository(), func() {}, nil
	}
}

func buildTracker(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*quota.Tracker, func(), error) {
	limits := map[string]quota.Limit{
		reputation.VirusTotalName: {DailyLimit: cfg.VirusTotal.Limit.DailyLimit, MinInterval: cfg.VirusTotal.Limit.MinInterval},
		reputation.AbuseIPDBName:  {DailyLimit: cfg.AbuseIPDB.Limit.DailyLimit, MinInterval: cfg.AbuseIPDB.Limit.MinInterval},
		reputation.URLhausName:    {DailyLimit: cfg.URLhaus.Limit.DailyLimit, MinInterval: cfg.URLhaus.Limit.MinInterval},
	}
	opts := []quota.Option{
		quota.WithResetHour(cfg.Quota.ResetHourUTC),
		quota.WithLogger(logger),
	}

	closeFn := func() {}
	if cfg.Redis.Addr != "" {
		client, err := quotastore.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, quota.WithStore(quotastore.NewRedisStore(client)))
		closeFn = func() { _ = client.Close() }
		logger.Infow("Persisting quota usage in Redis", "addr", cfg.Redis.Addr)
	}

	tracker := quota.NewTracker(limits, opts...)
	if err := tracker.Restore(ctx); err != nil {
		// Starting with a full budget risks overspending, but a broken quota
		// store must not stop ingestion.
		logger.Warnw("Failed to restore quota usage", "error", err)
	}
	return tracker, closeFn, nil
}

func buildReputation(cfg *config.Config, logger *zap.SugaredLogger) map[service.Role]ports.ReputationProvider {
	clientCfg := reputation.ClientConfig{
		Timeout:              cfg.Provider.Timeout,
		EnableCircuitBreaker: cfg.Provider.BreakerFailures > 0,
		MaxFailures:          cfg.Provider.BreakerFailures,
		CircuitTimeout:       cfg.Provider.BreakerTimeout,
	}

	providers := make(map[service.Role]ports.ReputationProvider)
	if cfg.VirusTotal.APIKey != "" {
		providers[service.RoleDetection] = reputation.NewVirusTotal(cfg.VirusTotal.APIKey, "", clientCfg, logger)
	} else {
		logger.Warn("VIRUSTOTAL_API_KEY not set; detection enrichment disabled")
	}
	if cfg.AbuseIPDB.APIKey != "" {
		providers[service.RoleConfidence] = reputation.NewAbuseIPDB(cfg.AbuseIPDB.APIKey, "", clientCfg, logger)
	} else {
		logger.Warn("ABUSEIPDB_API_KEY not set; abuse confidence enrichment disabled")
	}
	if cfg.URLhaus.AuthKey != "" {
		providers[service.RoleURLStatus] = reputation.NewURLhaus(cfg.URLhaus.AuthKey, "", clientCfg, logger)
	} else {
		logger.Warn("URLHAUS_AUTH_KEY not set; URL status enrichment disabled")
	}
	return providers
}

func buildFeeds(cfg *config.Config, logger *zap.SugaredLogger) []ports.FeedSource {
	client := provider.NewHTTPClient(cfg.Feeds.FetchTimeout)
	var feeds []ports.FeedSource

	if cfg.Feeds.URLhausEnabled {
		feeds = append(feeds, provider.NewURLHausProvider(client, ""))
	}
	if cfg.Feeds.URLhausPayloads {
		if cfg.URLhaus.AuthKey != "" {
			feeds = append(feeds, provider.NewURLHausPayloadsProvider(client, cfg.URLhaus.AuthKey, ""))
		} else {
			logger.Warn("URLHAUS_AUTH_KEY not set; URLhaus payload feed will be ignored")
		}
	}
	if cfg.Feeds.BlocklistsEnabled {
		for _, bl := range cfg.Feeds.Blocklists {
			feeds = append(feeds, provider.NewSimpleListProvider(client, bl.Name, bl.URL, bl.ThreatType))
		}
	}
	if cfg.Feeds.OTXAPIKey != "" {
		feeds = append(feeds, provider.NewOTXProvider(client, cfg.Feeds.OTXAPIKey, ""))
	} else {
		logger.Warn("OTX_API_KEY not found; AlienVault feed will be ignored")
	}
	for _, eco := range cfg.Feeds.OSVEcosystems {
		feeds = append(feeds, provider.NewOSVProvider(client, eco, ""))
	}
	if cfg.Feeds.ManualFile != "" {
		feeds = append(feeds, provider.NewManualProvider(cfg.Feeds.ManualFile))
	}

	logger.Infow("Feeds configured", "count", len(feeds))
	return feeds
}
