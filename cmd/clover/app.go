package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/config"
	"github.com/Ramsey-B/clover/pkg/adapters"
	"github.com/Ramsey-B/clover/pkg/adapters/registry"
	"github.com/Ramsey-B/clover/pkg/apicaller"
	"github.com/Ramsey-B/clover/pkg/credentials"
	"github.com/Ramsey-B/clover/pkg/crypto"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/expressions"
	"github.com/Ramsey-B/clover/pkg/health"
	"github.com/Ramsey-B/clover/pkg/httpclient"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/mapping"
	"github.com/Ramsey-B/clover/pkg/orchestrator"
	"github.com/Ramsey-B/clover/pkg/ratelimit"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/repositories/memory"
	"github.com/Ramsey-B/clover/pkg/startup"
	"github.com/Ramsey-B/clover/pkg/tracing"
	"github.com/Ramsey-B/clover/pkg/tracing/exporters"
	"github.com/Ramsey-B/clover/pkg/webhooks"
)

const (
	depTracing  = "tracing"
	depDatabase = "database"
	depRedis    = "redis"
	depKafka    = "kafka"
	depServices = "services"

	webhookEventLogMaxLen = 10000
)

// app holds the process dependencies. Fields are filled in by the startup
// sequence, so they are only valid after Start returns.
type app struct {
	cfg     *config.Config
	logger  ectologger.Logger
	health  *health.Checker
	startup *startup.Startup

	traceShutdown func(context.Context) error
	db            *database.Instance
	redis         *redis.Client
	producer      *kafka.Producer

	contracts    repositories.ContractStore
	credStore    repositories.CredentialStore
	credentials  *credentials.Manager
	adapters     *adapters.Factory
	orchestrator *orchestrator.Orchestrator
	sender       *webhooks.Sender
	ingestor     *webhooks.Ingestor
	eventLog     *redis.EventLog
}

func newApp(cfg *config.Config, logger ectologger.Logger) *app {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		health:  health.NewChecker(version),
		startup: startup.NewStartup(logger, cfg.StartupMaxAttempts),
	}

	a.startup.AddDependency(startup.Func{Name: depTracing, StartFn: a.startTracing, StopFn: a.stopTracing})
	a.startup.AddDependency(startup.Func{Name: depDatabase, StartFn: a.startDatabase, StopFn: a.stopDatabase})
	a.startup.AddDependency(startup.Func{Name: depRedis, StartFn: a.startRedis, StopFn: a.stopRedis})
	a.startup.AddDependency(startup.Func{Name: depKafka, StartFn: a.startKafka, StopFn: a.stopKafka})
	a.startup.AddDependency(startup.Func{
		Name:     depServices,
		Requires: []string{depTracing, depDatabase, depRedis, depKafka},
		StartFn:  a.startServices,
	})
	return a
}

func (a *app) startTracing(ctx context.Context) error {
	tcfg := tracing.Config{ServiceName: a.cfg.AppName}
	if a.cfg.OTLPEnabled {
		tcfg.Exporter = "otlp"
		tcfg.OTLP = exporters.OTLPConfig{
			Endpoint: a.cfg.OTLPEndpoint,
			Protocol: a.cfg.OTLPProtocol,
			Insecure: a.cfg.OTLPInsecure,
			Timeout:  10 * time.Second,
		}
	} else if a.cfg.ConsoleTracing {
		tcfg.Exporter = "console"
	}
	shutdown, err := tracing.Setup(ctx, tcfg)
	if err != nil {
		return err
	}
	a.traceShutdown = shutdown
	return nil
}

// stopTracing runs last since tracing starts first, so every span is flushed.
func (a *app) stopTracing(ctx context.Context) error {
	if a.traceShutdown == nil {
		return nil
	}
	return a.traceShutdown(ctx)
}

func (a *app) usePostgres() bool {
	return a.cfg.StorageDriver != "memory"
}

func (a *app) startDatabase(ctx context.Context) error {
	if !a.usePostgres() {
		a.logger.Warn("using in-memory storage, data is lost on restart")
		return nil
	}
	db, err := database.Connect(a.databaseConfig(), a.logger)
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to reach database: %w", err)
	}
	a.db = db
	a.health.Require(depDatabase, db)
	return nil
}

func (a *app) stopDatabase(context.Context) error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

func (a *app) databaseConfig() database.Config {
	return database.Config{
		Host:            a.cfg.DatabaseHost,
		Port:            a.cfg.DatabasePort,
		User:            a.cfg.DatabaseUserName,
		Password:        a.cfg.DatabasePassword,
		Name:            a.cfg.DatabaseName,
		SSLMode:         a.cfg.DatabaseSSLMode,
		MaxOpenConns:    a.cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    a.cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: a.cfg.DatabaseConnMaxLifetime,
	}
}

func (a *app) startRedis(ctx context.Context) error {
	if !a.cfg.RedisEnabled {
		return nil
	}
	client, err := redis.NewClient(ctx, redis.Config{
		Host:     a.cfg.RedisHost,
		Port:     a.cfg.RedisPort,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	}, a.logger)
	if err != nil {
		return err
	}
	a.redis = client
	// The limiter and event log fall back gracefully, so Redis only degrades readiness.
	a.health.Observe(depRedis, health.PingFunc(client.Ping))
	return nil
}

func (a *app) stopRedis(context.Context) error {
	if a.redis == nil {
		return nil
	}
	return a.redis.Close()
}

func (a *app) startKafka(context.Context) error {
	if !a.cfg.KafkaEnabled {
		return nil
	}
	a.producer = kafka.NewProducer(kafka.ParseConfig(a.cfg.KafkaBrokers, a.cfg.KafkaSyncTopic), a.logger)
	return nil
}

func (a *app) stopKafka(context.Context) error {
	if a.producer == nil {
		return nil
	}
	return a.producer.Close()
}

// startServices wires the domain services over whichever backends started.
func (a *app) startServices(context.Context) error {
	box, err := crypto.NewSecretBox(a.cfg.EncryptionSecret)
	if err != nil {
		return err
	}
	providers, err := config.LoadProviders(a.cfg.ProvidersFile)
	if err != nil {
		return err
	}

	if a.db != nil {
		a.contracts = repositories.NewContractRepository(a.db, a.logger)
		a.credStore = repositories.NewCredentialRepository(a.db, a.logger)
	} else {
		a.contracts = memory.NewContractStore()
		a.credStore = memory.NewCredentialStore()
	}

	transforms := expressions.NewTransformEvaluator()
	selector := expressions.NewSelector()

	a.credentials = credentials.NewManager(
		a.credStore,
		box,
		nil,
		credentials.NewStateSigner(a.cfg.StateSigningSecret, a.cfg.StateTTL, nil),
		a.logger,
		credentials.WithRefreshWindow(a.cfg.RefreshSafetyWindow),
		credentials.WithTransformValidator(transforms),
	)

	client := httpclient.NewClient(httpclient.Config{
		Timeout:         a.cfg.HTTPClientTimeout,
		MaxIdleConns:    100,
		IdleConnTimeout: 90 * time.Second,
	}, a.logger)

	var limiter ratelimit.Limiter = ratelimit.NewLocalLimiter(nil)
	if a.redis != nil {
		limiter = ratelimit.NewRedisLimiter(redis.NewRateLimiter(a.redis, ""), nil, time.Minute, a.logger)
		a.eventLog = redis.NewEventLog(a.redis, a.cfg.RedisWebhookEventStream, webhookEventLogMaxLen)
	}

	a.adapters = registry.New(adapters.Deps{
		HTTPClient:  client,
		Limiter:     limiter,
		Refresher:   apicaller.RefresherFunc(a.credentials.ForceRefresh),
		Selector:    selector,
		Logger:      a.logger,
		MaxAttempts: a.cfg.APIMaxAttempts,
	}, providers)
	a.credentials.SetAdapters(a.adapters)

	var publisher kafka.Publisher = kafka.Noop{}
	if a.producer != nil {
		publisher = a.producer
	}

	a.sender = webhooks.NewSender(client, a.logger, nil)
	a.orchestrator = orchestrator.New(
		a.contracts,
		a.credentials,
		a.adapters,
		mapping.NewEngine(transforms, a.logger),
		publisher,
		a.sender,
		a.logger,
		orchestrator.WithStaleSyncAfter(a.cfg.SyncStaleAfter),
	)

	var ingestorOpts []webhooks.IngestorOption
	if a.eventLog != nil {
		ingestorOpts = append(ingestorOpts, webhooks.WithEventLog(a.eventLog))
	}
	a.ingestor = webhooks.NewIngestor(a.contracts, a.credentials, a.adapters, a.orchestrator, selector, a.logger, ingestorOpts...)

	a.logger.WithFields(map[string]any{
		"storage":      a.cfg.StorageDriver,
		"redis":        a.redis != nil,
		"kafka":        a.producer != nil,
		"integrations": a.adapters.Types(),
	}).Info("services ready")
	return nil
}

func (a *app) Start(ctx context.Context) error {
	return a.startup.Start(ctx)
}

func (a *app) Stop(ctx context.Context) error {
	return a.startup.Stop(ctx)
}
