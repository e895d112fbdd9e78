package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/centrifugal/centrifuge"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/signalhub/internal/adapter/coingecko"
	"github.com/pscheid92/signalhub/internal/adapter/eventpublisher"
	"github.com/pscheid92/signalhub/internal/adapter/httpserver"
	"github.com/pscheid92/signalhub/internal/adapter/metrics"
	"github.com/pscheid92/signalhub/internal/adapter/postgres"
	"github.com/pscheid92/signalhub/internal/adapter/redis"
	"github.com/pscheid92/signalhub/internal/adapter/sqlite"
	"github.com/pscheid92/signalhub/internal/adapter/websocket"
	"github.com/pscheid92/signalhub/internal/app"
	"github.com/pscheid92/signalhub/internal/catalog"
	"github.com/pscheid92/signalhub/internal/device"
	"github.com/pscheid92/signalhub/internal/dispatch"
	"github.com/pscheid92/signalhub/internal/domain"
	"github.com/pscheid92/signalhub/internal/market"
	"github.com/pscheid92/signalhub/internal/platform/config"
	"github.com/pscheid92/signalhub/internal/platform/logging"
	"github.com/pscheid92/signalhub/internal/platform/version"
	"github.com/pscheid92/signalhub/internal/settings"
	sig "github.com/pscheid92/signalhub/internal/signal"
	goredis "github.com/redis/go-redis/v9"
)

const (
	snapshotMemoryTTL   = 10 * time.Second
	snapshotEvictPeriod = time.Minute
	startupTimeout      = 10 * time.Second
)

type appMetrics struct {
	http      *metrics.HTTPMetrics
	websocket *metrics.WebSocketMetrics
	market    *metrics.MarketMetrics
	device    *metrics.DeviceMetrics
	dispatch  *metrics.DispatchMetrics
	redis     *metrics.RedisMetrics
	cache     *metrics.CacheMetrics
	database  *metrics.DatabaseMetrics
}

func newAppMetrics(reg prometheus.Registerer) appMetrics {
	return appMetrics{
		http:      metrics.NewHTTPMetrics(reg),
		websocket: metrics.NewWebSocketMetrics(reg),
		market:    metrics.NewMarketMetrics(reg),
		device:    metrics.NewDeviceMetrics(reg),
		dispatch:  metrics.NewDispatchMetrics(reg),
		redis:     metrics.NewRedisMetrics(reg),
		cache:     metrics.NewCacheMetrics(reg),
		database:  metrics.NewDatabaseMetrics(reg),
	}
}

// profileBackend is the durable settings store plus its lifecycle hooks.
type profileBackend struct {
	repo  domain.ProfileRepository
	ping  func(ctx context.Context) error
	close func()
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupCatalog(cfg *config.Config) *catalog.Catalog {
	if cfg.AssetCatalogPath == "" {
		return catalog.Default()
	}
	c, err := catalog.Load(cfg.AssetCatalogPath)
	if err != nil {
		slog.Error("Failed to load asset catalog", "path", cfg.AssetCatalogPath, "error", err)
		os.Exit(1)
	}
	return c
}

func setupProfiles(cfg *config.Config, m *metrics.DatabaseMetrics) profileBackend {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	if !cfg.UsesPostgres() {
		repo, err := sqlite.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("Failed to open SQLite database", "path", cfg.DatabaseURL, "error", err)
			os.Exit(1)
		}
		slog.Info("Using SQLite profile store", "path", cfg.DatabaseURL)
		return profileBackend{
			repo: repo,
			ping: repo.Ping,
			close: func() {
				if err := repo.Close(); err != nil {
					slog.Error("Failed to close SQLite database", "error", err)
				}
			},
		}
	}

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, postgres.NewMetricsTracer(m))
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("Using Postgres profile store")
	return profileBackend{
		repo:  postgres.NewProfileRepo(pool),
		ping:  pool.Ping,
		close: pool.Close,
	}
}

func setupRedis(cfg *config.Config, m *metrics.RedisMetrics) *goredis.Client {
	if cfg.RedisURL == "" {
		slog.Info("REDIS_URL not set, running single-instance without shared snapshots")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	client, err := redis.NewClient(ctx, cfg.RedisURL, m)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setupNode(cfg *config.Config, m *metrics.WebSocketMetrics) *centrifuge.Node {
	node, err := websocket.NewNode(m, cfg.LogLevel)
	if err != nil {
		slog.Error("Failed to create centrifuge node", "error", err)
		os.Exit(1)
	}

	if cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("Failed to parse REDIS_URL", "error", err)
			os.Exit(1)
		}
		if err := websocket.SetupRedis(node, opts.Addr); err != nil {
			slog.Error("Failed to attach Redis to centrifuge", "error", err)
			os.Exit(1)
		}
	}

	if err := node.Run(); err != nil {
		slog.Error("Failed to start centrifuge node", "error", err)
		os.Exit(1)
	}
	return node
}

// instanceID names this process in the provider lease.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return host + "-" + uuid.NewString()
}

func releaseLease(lease *redis.ProviderLease) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := lease.Release(ctx); err != nil {
		slog.Warn("Failed to release provider lease", "error", err)
	}
}

func healthChecks(profiles profileBackend, rdb *goredis.Client) []httpserver.HealthCheck {
	checks := []httpserver.HealthCheck{
		{Name: "database", Check: profiles.ping},
	}
	if rdb != nil {
		checks = append(checks, httpserver.HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	return checks
}

type shutdownTargets struct {
	stopCycles   context.CancelFunc
	cyclesDone   <-chan struct{}
	server       *httpserver.Server
	registry     *device.Registry
	node         *centrifuge.Node
	shutdownWait time.Duration
}

func runGracefulShutdown(t shutdownTargets) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		t.stopCycles()
		<-t.cyclesDone

		shutdownCtx, cancel := context.WithTimeout(context.Background(), t.shutdownWait)
		defer cancel()
		if err := t.server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		t.registry.Stop(t.shutdownWait)

		if err := t.node.Shutdown(shutdownCtx); err != nil {
			slog.Error("Centrifuge shutdown error", "error", err)
		}

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	info := version.Get()
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", info.Version, "commit", info.Commit)

	reg := metrics.NewRegistry()
	m := newAppMetrics(reg)

	assets := setupCatalog(cfg)
	slog.Info("Asset catalog loaded", "assets", assets.Len())

	profiles := setupProfiles(cfg, m.database)
	defer profiles.close()
	profileStore := settings.NewStore(profiles.repo, assets, clock)

	rdb := setupRedis(cfg, m.redis)
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
	}

	var provider domain.MarketProvider = coingecko.NewClient(coingecko.Config{
		BaseURL:       cfg.ProviderBaseURL,
		APIKey:        cfg.ProviderAPIKey,
		RatePerMinute: cfg.ProviderRatePerMinute,
	}, clock, m.market)
	if rdb != nil {
		lease := redis.NewProviderLease(rdb, instanceID(), 2*cfg.PollInterval)
		defer releaseLease(lease)
		provider = redis.NewSharedQuotes(provider, lease, rdb, 2*cfg.PollInterval, clock)
	}
	poller := market.NewPoller(provider, cfg.PollInterval, cfg.ProviderTimeout, clock, m.market)

	node := setupNode(cfg, m.websocket)
	dashboard := websocket.NewPublisher(node, websocket.NewPresenceChecker(node), m.websocket)

	// Avoid typed-nil interfaces: only assign the Redis-backed stores when present.
	var (
		snapshotSaver  eventpublisher.SnapshotSaver
		eventAppender  eventpublisher.EventAppender
		snapshotReader app.SnapshotStore
		eventStream    *redis.EventStream
	)
	if rdb != nil {
		snapshots := redis.NewSnapshotStore(rdb, snapshotMemoryTTL, clock, m.cache)
		stopEviction := snapshots.StartEvictionTimer(snapshotEvictPeriod)
		defer stopEviction()
		eventStream = redis.NewEventStream(rdb)

		snapshotSaver = snapshots
		snapshotReader = snapshots
		eventAppender = eventStream
	}
	events := eventpublisher.New(dashboard, snapshotSaver, eventAppender)

	// The registry calls OnIdentified only after sessions connect, which
	// happens once the server is listening and dispatcher is set.
	var dispatcher *dispatch.Dispatcher
	registry := device.NewRegistry(device.Config{
		Liveness: device.Liveness{
			MissedInterval: cfg.HeartbeatMissedInterval,
			ExpiryInterval: cfg.HeartbeatExpiryInterval,
		},
		SweepInterval: device.DefaultSweepInterval,
		IdentifyGrace: cfg.IdentifyGrace,
		SendTimeout:   cfg.SendTimeout,
		MaxSessions:   cfg.MaxDeviceConnections,
		OnIdentified: func(s domain.DeviceSession) {
			dispatcher.Welcome(context.Background(), s)
		},
	}, events, clock, m.device)

	computer := sig.Computer{BuzzerTrigger: cfg.BuzzerTriggerPercent}
	dispatcher = dispatch.NewDispatcher(profileStore, poller, computer, registry, events, clock, m.dispatch)

	appSvc := app.NewService(profileStore, dispatcher, registry, snapshotReader, poller)

	checkOrigin := websocket.NewCheckOrigin(cfg.AppURL, cfg.IsDevelopment(), cfg.DashboardOrigins...)
	deps := httpserver.Deps{
		App:           appSvc,
		Devices:       registry,
		Catalog:       assets,
		Dashboard:     centrifuge.NewWebsocketHandler(node, centrifuge.WebsocketConfig{CheckOrigin: checkOrigin}),
		CheckOrigin:   checkOrigin,
		HTTPMetrics:   m.http,
		Metrics:       metrics.Handler(reg),
		HealthChecks:  healthChecks(profiles, rdb),
		DeviceMetrics: m.device,
		Clock:         clock,
	}
	if eventStream != nil {
		deps.History = eventStream
	}
	srv := httpserver.NewServer(cfg, deps)

	cycleCtx, stopCycles := context.WithCancel(context.Background())
	cyclesDone := make(chan struct{})
	ticker := app.NewCycleTicker(dispatcher, cfg.PollInterval, clock, m.dispatch)
	go func() {
		defer close(cyclesDone)
		ticker.Run(cycleCtx)
	}()

	done := runGracefulShutdown(shutdownTargets{
		stopCycles:   stopCycles,
		cyclesDone:   cyclesDone,
		server:       srv,
		registry:     registry,
		node:         node,
		shutdownWait: cfg.ShutdownGrace,
	})

	slog.Info("Server starting", "port", cfg.Port)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
