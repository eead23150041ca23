package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/elizaOS/milaidy-sub002/config"
	"github.com/elizaOS/milaidy-sub002/internal/observability"
	"github.com/elizaOS/milaidy-sub002/repositories"
	"github.com/elizaOS/milaidy-sub002/repositories/memory"
	"github.com/elizaOS/milaidy-sub002/repositories/postgres"
	"github.com/elizaOS/milaidy-sub002/services/audit"
	"github.com/elizaOS/milaidy-sub002/services/jobs"
	"github.com/elizaOS/milaidy-sub002/services/pipeline"
	"github.com/elizaOS/milaidy-sub002/services/policy"
	"github.com/elizaOS/milaidy-sub002/services/queue"
	"github.com/elizaOS/milaidy-sub002/services/quota"
	"github.com/elizaOS/milaidy-sub002/services/tenant"
	"github.com/elizaOS/milaidy-sub002/services/tools"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	Logger *zap.Logger
	// RepoFactory is nil when running on in-memory stores
	RepoFactory *postgres.RepositoryFactory
	// Redis is nil unless the redis quota backend is selected
	Redis redis.UniversalClient

	// Repositories
	Repositories *repositories.Repositories

	// Observability
	Registry *prometheus.Registry
	Metrics  *observability.Metrics

	// Services
	Tracker       quota.Tracker
	Tools         *tools.Registry
	Invoker       tools.Invoker
	SettingsCache *tenant.SettingsCache
	Tenants       *tenant.Service
	Recorder      *audit.Recorder
	Coordinator   *pipeline.Coordinator

	postgresTracker *quota.PostgresTracker
	memoryTracker   *quota.MemoryTracker
	stopCh          chan struct{}
	stopOnce        sync.Once
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
		stopCh: make(chan struct{}),
	}

	if err := deps.initRepositories(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}

	deps.initMetrics(cfg)

	if err := deps.initTracker(ctx, cfg); err != nil {
		deps.closeStores()
		return nil, fmt.Errorf("failed to initialize quota tracker: %w", err)
	}

	if err := deps.initTools(cfg); err != nil {
		deps.closeStores()
		return nil, fmt.Errorf("failed to initialize tools: %w", err)
	}

	deps.initServices(cfg)

	if err := deps.bootstrap(ctx, cfg); err != nil {
		deps.closeStores()
		return nil, fmt.Errorf("failed to bootstrap owner: %w", err)
	}

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initRepositories connects PostgreSQL when configured, otherwise uses in-memory stores
func (d *Dependencies) initRepositories(ctx context.Context, cfg *config.Config) error {
	if cfg.Database == nil {
		d.Repositories = memory.NewRepositories()
		d.Logger.Warn("no database configured, using in-memory stores")
		return nil
	}

	factory, err := postgres.NewRepositoryFactory(*cfg.Database, cfg.AuditDatabase, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}
	d.RepoFactory = factory

	if err := factory.HealthCheck(ctx); err != nil {
		_ = factory.Close()
		return fmt.Errorf("database ping failed: %w", err)
	}
	if err := factory.InitSchema(ctx); err != nil {
		_ = factory.Close()
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	d.Repositories = factory.NewRepositories()
	d.Logger.Info("database connection established",
		zap.String("connection", cfg.Database.LogString()),
		zap.Bool("separate_audit_db", cfg.AuditDatabase != nil))
	return nil
}

func (d *Dependencies) initMetrics(cfg *config.Config) {
	if !cfg.Observability.MetricsEnabled {
		return
	}
	d.Registry = prometheus.NewRegistry()
	d.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d.Metrics = observability.NewMetrics(d.Registry)
}

// initTracker selects the quota backend
func (d *Dependencies) initTracker(ctx context.Context, cfg *config.Config) error {
	switch cfg.Pipeline.QuotaBackend {
	case config.QuotaBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("redis ping failed: %w", err)
		}
		d.Redis = client
		d.Tracker = quota.NewRedisTracker(client)

	case config.QuotaBackendPostgres:
		if d.RepoFactory == nil {
			return fmt.Errorf("postgres quota backend requires a database")
		}
		tracker := quota.NewPostgresTracker(d.RepoFactory.GetDB().DB, d.Logger)
		d.postgresTracker = tracker
		d.Tracker = tracker

	default:
		tracker := quota.NewMemoryTracker()
		d.memoryTracker = tracker
		d.Tracker = tracker
	}

	d.Logger.Info("quota tracker initialized", zap.String("backend", cfg.Pipeline.QuotaBackend))
	return nil
}

// initTools registers the built-in tools, the remote catalog and the reliability wrapper
func (d *Dependencies) initTools(cfg *config.Config) error {
	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry); err != nil {
		return err
	}

	if cfg.Tools.GatewayURL != "" && cfg.Tools.CatalogFile != "" {
		defs, err := tools.LoadCatalog(cfg.Tools.CatalogFile)
		if err != nil {
			return err
		}
		gateway := tools.NewHTTPInvoker(tools.HTTPConfig{
			BaseURL: cfg.Tools.GatewayURL,
			APIKey:  cfg.Tools.GatewayAPIKey,
			Timeout: cfg.Tools.GatewayTimeout,
		})
		if err := tools.RegisterRemote(registry, gateway, defs); err != nil {
			return err
		}
		d.Logger.Info("registered remote tools",
			zap.Int("count", len(defs)),
			zap.String("gateway", cfg.Tools.GatewayURL))
	}

	reliability := tools.DefaultReliabilityConfig()
	reliability.BreakerConsecutiveFailures = uint32(cfg.Tools.BreakerConsecutiveFailures)
	reliability.BreakerTimeout = cfg.Tools.BreakerTimeout
	reliability.RateLimitQPS = cfg.Tools.RateLimitQPS
	reliability.RateLimitBurst = cfg.Tools.RateLimitBurst
	reliability.SafeRetryAttempts = uint(cfg.Tools.SafeRetryAttempts)
	reliability.CallTimeout = cfg.Tools.CallTimeout
	reliability.OnStateChange = d.Metrics.BreakerStateChanged

	d.Tools = registry
	d.Invoker = tools.NewReliable(registry, registry, reliability, d.Logger)
	d.Logger.Info("tool registry initialized", zap.Int("tools", registry.Len()))
	return nil
}

func (d *Dependencies) initServices(cfg *config.Config) {
	d.Recorder = audit.NewRecorder(d.Repositories.AuditLogs, d.Logger)
	d.SettingsCache = tenant.NewSettingsCache(cfg.Tenants.CacheSize, cfg.Tenants.CacheTTL)
	d.Tenants = tenant.NewService(d.Repositories, d.Recorder, d.SettingsCache, d.Logger,
		tenant.WithDetachedAudit(cfg.AuditDatabase != nil))

	d.Coordinator = pipeline.New(pipeline.Dependencies{
		Tenants:   d.Tenants,
		Evaluator: policy.NewEvaluator(d.Tracker, d.Logger),
		Tracker:   d.Tracker,
		Queue:     queue.New(cfg.Pipeline.MaxQueued),
		Machine:   jobs.NewMachine(d.Repositories.Jobs, d.Logger, cfg.Pipeline.ConfirmationTimeout),
		Recorder:  d.Recorder,
		Catalog:   d.Tools,
		Invoker:   d.Invoker,
		Metrics:   d.Metrics,
		Logger:    d.Logger,
	}, pipeline.Config{
		Workers:            cfg.Pipeline.Workers,
		PollInterval:       cfg.Pipeline.PollInterval,
		ReaperInterval:     cfg.Pipeline.ReaperInterval,
		TerminalAttempts:   uint(max(cfg.Pipeline.TerminalAttempts, 0)),
		TerminalRetryDelay: cfg.Pipeline.TerminalRetryDelay,
	})
}

func (d *Dependencies) bootstrap(ctx context.Context, cfg *config.Config) error {
	if cfg.Bootstrap.OwnerID == "" {
		return nil
	}
	ownerID, err := uuid.Parse(cfg.Bootstrap.OwnerID)
	if err != nil {
		return fmt.Errorf("invalid bootstrap owner id: %w", err)
	}
	owner, err := d.Tenants.BootstrapOwner(ctx, ownerID, cfg.Bootstrap.OwnerEmail)
	if err != nil {
		return err
	}
	d.Logger.Info("owner ready", zap.String("user_id", owner.ID.String()), zap.String("email", owner.Email))
	return nil
}

// Run starts the background workers and the pipeline and blocks until ctx is done
func (d *Dependencies) Run(ctx context.Context) error {
	go d.SettingsCache.StartCleanupWorker(d.Config.Tenants.CacheCleanupInterval, d.stopCh)

	if d.postgresTracker != nil {
		go d.postgresTracker.StartCleanupWorker(ctx, d.Config.Pipeline.QuotaCleanupInterval, d.Config.Pipeline.QuotaCounterRetention)
	}
	if d.memoryTracker != nil {
		go d.memoryTracker.StartCleanupWorker(ctx, d.Config.Pipeline.QuotaCleanupInterval)
	}

	return d.Coordinator.Run(ctx)
}

// HealthChecks returns the readiness checks of the configured stores
func (d *Dependencies) HealthChecks() map[string]func(ctx context.Context) error {
	checks := make(map[string]func(ctx context.Context) error)
	if d.RepoFactory != nil {
		checks["database"] = d.RepoFactory.HealthCheck
	}
	if d.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return d.Redis.Ping(ctx).Err()
		}
	}
	return checks
}

func (d *Dependencies) closeStores() []error {
	var errs []error

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}
	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}
	return errs
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	d.stopOnce.Do(func() { close(d.stopCh) })
	errs := d.closeStores()

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}
