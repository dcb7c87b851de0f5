package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tollgate-proxy/tollgate/internal/api"
	"github.com/tollgate-proxy/tollgate/internal/cache"
	"github.com/tollgate-proxy/tollgate/internal/config"
	"github.com/tollgate-proxy/tollgate/internal/events"
	"github.com/tollgate-proxy/tollgate/internal/pipeline"
	"github.com/tollgate-proxy/tollgate/internal/pool"
	"github.com/tollgate-proxy/tollgate/internal/profile"
	"github.com/tollgate-proxy/tollgate/internal/proxy"
	"github.com/tollgate-proxy/tollgate/internal/ratelimit"
	"github.com/tollgate-proxy/tollgate/internal/state"
)

const (
	storageRetryInterval = 30 * time.Second
	decisionCacheSize    = 4096
	shutdownGrace        = 10 * time.Second
)

type tollgateApp struct {
	envCfg      *config.EnvConfig
	backend     state.Backend
	failover    *state.FailoverBackend
	store       *state.TenantStore
	limiter     *ratelimit.Limiter
	pool        *pool.ConnectionPool
	pipeline    *pipeline.Manager
	cache       *cache.ResponseCache
	broadcaster *events.Broadcaster
	flushWorker *state.UsageFlushWorker
	scheduler   *cron.Cron
	server      *api.Server
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}

	app, err := newApp(envCfg)
	if err != nil {
		return err
	}

	serverErrCh := make(chan error, 1)
	go func() {
		log.Printf("[main] listening on %s:%d (backend=%s)", envCfg.ListenAddress, envCfg.Port, app.backend.Name())
		serverErrCh <- app.server.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runtimeErr error
	select {
	case sig := <-quit:
		log.Printf("[main] received %s, shutting down", sig)
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runtimeErr = err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	app.shutdown(ctx)

	return runtimeErr
}

func newApp(envCfg *config.EnvConfig) (*tollgateApp, error) {
	app := &tollgateApp{envCfg: envCfg}

	models, err := config.LoadModelAllowList(envCfg.ModelsFile)
	if err != nil {
		return nil, err
	}
	if !models.Allowed(envCfg.DefaultModel) {
		return nil, fmt.Errorf("default model %q is not in the allow-list %v", envCfg.DefaultModel, models.Names())
	}

	if err := app.openStorage(); err != nil {
		return nil, err
	}

	app.broadcaster = events.NewBroadcaster(envCfg.EventBufferSize)
	store, err := state.NewTenantStore(state.StoreConfig{
		Backend:  app.backend,
		Events:   app.broadcaster,
		WindowMs: envCfg.WindowDuration.Milliseconds(),
		BucketMs: envCfg.BucketSize.Milliseconds(),
	})
	if err != nil {
		app.closeStorage()
		return nil, err
	}
	app.store = store
	log.Printf("[main] loaded %d tenants", store.Size())

	if app.failover != nil {
		app.failover.Start()
	}

	app.limiter = ratelimit.New(ratelimit.Config{
		Recorder:          store,
		DecisionCacheSize: decisionCacheSize,
		DecisionCacheTTL:  time.Second,
	})

	if !envCfg.PoolDisabled {
		p, err := pool.New(envCfg.UpstreamBaseURL, pool.Config{
			MinConnections:           envCfg.PoolMinConnections,
			MaxConnections:           envCfg.PoolMaxConnections,
			MaxInFlightPerConnection: envCfg.PipelineMaxPerConn,
			AcquireTimeout:           envCfg.PoolAcquireTimeout,
			IdleTimeout:              envCfg.PoolIdleTimeout,
			KeepAliveTimeout:         envCfg.PoolKeepAlive,
			HealthCheckInterval:      envCfg.PoolHealthInterval,
			EnableHTTP2:              envCfg.PoolEnableHTTP2,
			WarmPool:                 envCfg.PoolWarm,
		})
		if err != nil {
			app.closeStorage()
			return nil, fmt.Errorf("connection pool: %w", err)
		}
		app.pool = p
		app.pipeline = pipeline.NewManager(pipeline.Config{
			MaxPerConnection: envCfg.PipelineMaxPerConn,
			MaxQueueSize:     envCfg.PipelineMaxQueueSize,
			QueueTimeout:     envCfg.PipelineQueueTimeout,
		})
	} else {
		log.Printf("[main] connection pool disabled; dispatching over the shared client")
	}

	if envCfg.CacheEnabled {
		c, err := cache.New(envCfg.CacheMaxEntries, envCfg.CacheDefaultTTL)
		if err != nil {
			app.closeStorage()
			return nil, fmt.Errorf("response cache: %w", err)
		}
		app.cache = c
	}

	engine := proxy.NewEngine(proxy.Config{
		Store:   store,
		Limiter: app.limiter,
		Upstream: proxy.Upstream{
			BaseURL:          envCfg.UpstreamBaseURL,
			APIKey:           envCfg.UpstreamAPIKey,
			AnthropicVersion: envCfg.AnthropicVersion,
		},
		Pool:             app.pool,
		Pipeline:         app.pipeline,
		Cache:            app.cache,
		Profiler:         profile.New(envCfg.ProfilingEnabled),
		StreamChunkSize:  envCfg.StreamChunkSize,
		StreamBufferPool: envCfg.StreamBufferPoolEnabled,
		InjectFallback:   true,
	})

	app.flushWorker = state.NewUsageFlushWorker(store, envCfg.FlushThreshold, envCfg.FlushInterval)
	app.flushWorker.Start()

	app.scheduler = cron.New()
	if _, err := app.scheduler.AddFunc(envCfg.MaintenanceSchedule, app.runMaintenance); err != nil {
		app.closeStorage()
		return nil, fmt.Errorf("maintenance schedule: %w", err)
	}
	app.scheduler.Start()

	wsHandler := events.NewWSHandler(app.broadcaster, func(token string) bool {
		return envCfg.AdminToken != "" && token == envCfg.AdminToken
	})

	app.server = api.NewServer(api.ServerConfig{
		ListenAddress: envCfg.ListenAddress,
		Port:          envCfg.Port,
		AdminToken:    envCfg.AdminToken,
		Store:         store,
		Models:        models,
		Limiter:       app.limiter,
		DefaultModel:  envCfg.DefaultModel,
		Metrics: api.MetricsSources{
			Pool:        app.pool,
			Pipeline:    app.pipeline,
			Cache:       app.cache,
			Broadcaster: app.broadcaster,
			Store:       store,
			StartedAt:   time.Now(),
		},
		EventHandler: wsHandler,
		ProxyHandler: engine,
	})
	return app, nil
}

// openStorage opens the SQLite primary with the file backend as fallback.
// When SQLite cannot be opened at all, the failover starts on the file
// backend and keeps retrying the primary.
func (a *tollgateApp) openStorage() error {
	primary, err := state.OpenSQLite(a.envCfg.DBPath)
	if err != nil {
		log.Printf("[main] sqlite backend unavailable: %v", err)
		primary = nil
	}

	fallback, err := state.OpenFile(a.envCfg.DataFile)
	if err != nil {
		if primary == nil {
			return fmt.Errorf("no storage backend available: %w", err)
		}
		// Primary works; run without failover.
		a.backend = primary
		return nil
	}

	a.failover = state.NewFailover(primary, fallback, storageRetryInterval)
	a.backend = a.failover
	return nil
}

func (a *tollgateApp) closeStorage() {
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			log.Printf("[main] storage close error: %v", err)
		}
	}
}

// runMaintenance settles idle rolling windows and reports cache health.
func (a *tollgateApp) runMaintenance() {
	touched := a.store.SweepExpiredWindows(time.Now().UnixMilli())
	if touched > 0 {
		log.Printf("[main] maintenance: settled %d tenant windows", touched)
	}
	if a.cache != nil {
		s := a.cache.Stats()
		log.Printf("[main] maintenance: cache size=%d hit_rate=%.1f%% evicted=%d expired=%d",
			s.Size, s.HitRatePct, s.Evicted, s.Expired)
	}
}

// shutdown stops accepting work, drains what is in flight, and flushes usage
// before the backends close.
func (a *tollgateApp) shutdown(ctx context.Context) {
	if err := a.server.Shutdown(ctx); err != nil {
		log.Printf("[main] server shutdown error: %v", err)
	}

	cronCtx := a.scheduler.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}

	if a.pipeline != nil {
		a.pipeline.Shutdown()
	}
	if a.pool != nil {
		a.pool.Close()
	}

	// Final flush happens inside Stop; the backend must still be open here.
	a.flushWorker.Stop()
	a.limiter.Close()
	a.closeStorage()
	log.Printf("[main] shutdown complete")
}
