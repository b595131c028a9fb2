// Package engine builds the lifecycle engine from configuration and runs it.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"lifecycle-engine/internal/alerts"
	"lifecycle-engine/internal/api"
	"lifecycle-engine/internal/audit"
	appaws "lifecycle-engine/internal/common/aws"
	"lifecycle-engine/internal/common/camunda"
	"lifecycle-engine/internal/common/config"
	"lifecycle-engine/internal/common/database"
	"lifecycle-engine/internal/common/logger"
	"lifecycle-engine/internal/common/observability"
	"lifecycle-engine/internal/eventbus"
	"lifecycle-engine/internal/handlers"
	"lifecycle-engine/internal/lifecycle"
	"lifecycle-engine/internal/revenue"
	"lifecycle-engine/internal/scheduler"
	"lifecycle-engine/internal/store"
	"lifecycle-engine/internal/supervisor"
	"lifecycle-engine/internal/workflow"
	"lifecycle-engine/pkg/registry"

	"go.uber.org/zap"
)

const redisStreamPrefix = "lifecycle:"

type closer struct {
	name string
	fn   func() error
}

// Engine holds every wired component. Build it with Build, run it with Run.
type Engine struct {
	Config     *config.Config
	Log        logger.Logger
	Store      store.Store
	Bus        *eventbus.Bus
	Machine    *lifecycle.Machine
	Scheduler  *scheduler.Scheduler
	Ledger     *revenue.Ledger
	Alerts     *alerts.Service
	Catalog    *registry.Catalog
	Supervisor *supervisor.Supervisor
	Router     http.Handler

	limiter *api.RateLimiter
	obs     *observability.Observability
	zap     *zap.Logger
	closers []closer
}

// Build connects to the configured backends and wires the engine. Nothing is started.
func Build(ctx context.Context, cfg *config.Config, zapLog *zap.Logger) (e *Engine, err error) {
	e = &Engine{Config: cfg, Log: logger.NewZapAdapter(zapLog), zap: zapLog}
	defer func() {
		if err != nil {
			e.Close()
			e = nil
		}
	}()

	var pg *database.PostgresClient
	if cfg.Database.Driver == "postgres" {
		err = retryWithBackoff(func() error {
			var err error
			pg, err = database.NewPostgres(cfg.Database.Postgres)
			if err != nil {
				return err
			}
			return pg.Ping(ctx)
		}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
		if err != nil {
			return nil, err
		}
		e.onClose("postgres", pg.Close)
		e.Store = store.NewPostgres(pg)
		zapLog.Info("PostgreSQL connected successfully")
	} else {
		e.Store = store.NewMemory()
		zapLog.Warn("using in-memory store, state is lost on exit")
	}

	rc, err := e.connectRedis(ctx)
	if err != nil {
		return nil, err
	}

	stream, err := e.newStream(pg, rc)
	if err != nil {
		return nil, err
	}
	e.onClose("event_stream", stream.Close)

	e.obs = observability.New(cfg.App.Name)
	e.Bus = eventbus.New(stream, eventbus.Options{
		QueueSize:      cfg.EventBus.QueueSize,
		HandlerRetries: cfg.EventBus.HandlerRetries,
		RetryBackoff:   cfg.EventBus.RetryBackoff,
	}, e.Log, e.obs)

	e.Alerts = alerts.NewService(e.Store, e.Bus, e.Log)
	e.Machine = lifecycle.NewMachine(e.Store, e.Bus, lifecycle.PolicyFromConfig(cfg.Lifecycle), e.Log)
	e.Scheduler = scheduler.New(e.Store, e.Machine, scheduler.OptionsFromConfig(cfg.Scheduler), e.Log)

	var collector revenue.Collector
	if billing := cfg.Integrations.Billing; billing.URL != "" {
		collector = revenue.NewHTTPCollector(billing.URL, billing.APIKey, billing.Timeout, billing.MaxRetries)
	} else {
		zapLog.Info("no billing gateway configured, collections wait for external payments")
	}
	e.Ledger = revenue.NewLedger(e.Store, e.Bus, e.Alerts, collector,
		revenue.OptionsFromConfig(cfg.Revenue, cfg.Scheduler.BatchSize), e.Log)

	deps := handlers.Deps{
		Store:     e.Store,
		Machine:   e.Machine,
		Scheduler: e.Scheduler,
		Ledger:    e.Ledger,
		Alerts:    e.Alerts,
		Log:       e.Log,
	}
	if err := e.wireIntegrations(ctx, &deps); err != nil {
		return nil, err
	}
	e.Catalog = handlers.New(deps).Register(e.Bus)

	e.Supervisor = supervisor.New(e.Store, e.Alerts, e.Ledger,
		supervisor.OptionsFromConfig(cfg.Supervisor, cfg.Revenue), e.Log)
	e.Supervisor.Register(supervisor.ComponentEventBus, e.Bus)
	e.Supervisor.Register(supervisor.ComponentScheduler, e.Scheduler)

	if err := e.buildRouter(rc); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) connectRedis(ctx context.Context) (*database.RedisClient, error) {
	cfg := e.Config
	if cfg.Database.Redis.Address == "" {
		return nil, nil
	}

	var rc *database.RedisClient
	err := retryWithBackoff(func() error {
		var err error
		rc, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		return rc.Ping(ctx)
	}, 10, 2*time.Second, e.zap, "Redis connection")
	if err != nil {
		if cfg.EventBus.Backend == "redis" {
			return nil, err
		}
		e.zap.Warn("redis unavailable, webhook dedupe disabled", zap.Error(err))
		return nil, nil
	}
	e.onClose("redis", rc.Close)
	e.zap.Info("Redis connected successfully")
	return rc, nil
}

func (e *Engine) newStream(pg *database.PostgresClient, rc *database.RedisClient) (eventbus.Stream, error) {
	cfg := e.Config.EventBus
	switch cfg.Backend {
	case "postgres":
		if pg == nil {
			return nil, fmt.Errorf("postgres event bus needs the postgres store")
		}
		return eventbus.NewPostgresStream(pg, cfg.ListenerMinReconnect, cfg.ListenerMaxReconnect, e.Log), nil
	case "redis":
		if rc == nil {
			return nil, fmt.Errorf("redis event bus needs database.redis")
		}
		return eventbus.NewRedisStream(rc.Client, redisStreamPrefix, e.Log), nil
	case "memory":
		return eventbus.NewMemoryStream(cfg.QueueSize), nil
	default:
		return nil, fmt.Errorf("unknown event bus backend %q", cfg.Backend)
	}
}

// wireIntegrations connects the optional downstream consumers that are enabled.
func (e *Engine) wireIntegrations(ctx context.Context, deps *handlers.Deps) error {
	cfg := e.Config
	in := cfg.Integrations

	var (
		topic alerts.TopicPublisher
		email alerts.EmailSender
	)
	if in.AWS.SNS.Enabled {
		client, err := appaws.NewSNSClient(ctx, in.AWS.Region, in.AWS.SNS.TopicARN)
		if err != nil {
			return fmt.Errorf("sns client: %w", err)
		}
		topic = client
	}
	if in.AWS.SES.Enabled {
		client, err := appaws.NewSESClient(ctx, in.AWS.Region, in.AWS.SES.FromEmail, in.AWS.SES.To)
		if err != nil {
			return fmt.Errorf("ses client: %w", err)
		}
		email = client
	}
	if topic != nil || email != nil {
		deps.Notifier = alerts.NewNotifier(topic, email, e.Log)
	}

	if es := cfg.Database.Elasticsearch; es.Enabled {
		var client *database.ElasticsearchClient
		err := retryWithBackoff(func() error {
			var err error
			client, err = database.NewElasticsearch(es)
			if err != nil {
				return err
			}
			return client.Ping(ctx)
		}, 15, 2*time.Second, e.zap, "Elasticsearch connection")
		if err != nil {
			return err
		}
		deps.Indexer = audit.NewIndexer(client, es.AuditIndex, e.Log)
		e.zap.Info("Elasticsearch connected successfully")
	}

	if in.Zeebe.Enabled {
		var client *camunda.Client
		err := retryWithBackoff(func() error {
			var err error
			client, err = camunda.NewClient(in.Zeebe.BrokerAddress)
			return err
		}, 10, 2*time.Second, e.zap, "Zeebe client initialization")
		if err != nil {
			return err
		}
		e.onClose("zeebe", client.Close)
		deps.Bridge = workflow.NewBridge(client, in.Zeebe.MessageTTL, e.Log)
		e.zap.Info("Zeebe client connected successfully")
	}

	if in.AMQP.Enabled {
		var fwd *eventbus.AMQPForwarder
		err := retryWithBackoff(func() error {
			var err error
			fwd, err = eventbus.NewAMQPForwarder(in.AMQP.URL, in.AMQP.Exchange, e.Log)
			return err
		}, 10, 2*time.Second, e.zap, "AMQP connection")
		if err != nil {
			return err
		}
		e.onClose("amqp", fwd.Close)
		deps.Forwarder = fwd
		e.zap.Info("AMQP connected successfully")
	}
	return nil
}

func (e *Engine) buildRouter(rc *database.RedisClient) error {
	cfg := e.Config
	schemas, err := api.NewSchemaRegistry()
	if err != nil {
		return fmt.Errorf("webhook schemas: %w", err)
	}

	var deduper *api.Deduper
	if rc != nil {
		deduper = api.NewDeduper(rc.Client, cfg.Server.DedupeTTL, e.Log)
	}
	e.limiter = api.NewRateLimiter(cfg.Server.WebhookRateLimit, cfg.Server.WebhookBurst, e.Log)

	h := api.NewHandler(api.Deps{
		Publisher:  e.Bus,
		Store:      e.Store,
		Scheduler:  e.Scheduler,
		Supervisor: e.Supervisor,
		Reconciler: e.Ledger,
		Catalog:    e.Catalog,
		Schemas:    schemas,
		Deduper:    deduper,
		Limiter:    e.limiter,
		Service:    cfg.App.Name,
		Version:    cfg.App.Version,
		Log:        e.Log,
	})
	e.Router = api.NewRouter(h)
	return nil
}

// Run starts the supervised components and the HTTP server and blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Supervisor.Start(ctx); err != nil {
		return err
	}

	stopCleanup := make(chan struct{})
	e.limiter.StartCleanup(10*time.Minute, stopCleanup)

	srv := &http.Server{
		Addr:              e.Config.Server.Address,
		Handler:           e.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		e.Log.Info("http server listening", map[string]interface{}{"address": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		e.Log.Info("shutdown signal received", nil)
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), e.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		e.Log.Error("http server shutdown failed", map[string]interface{}{"error": err.Error()})
	}
	close(stopCleanup)
	e.Supervisor.Stop(shutdownCtx)
	e.Log.Info("engine stopped", nil)
	return runErr
}

func (e *Engine) onClose(name string, fn func() error) {
	e.closers = append(e.closers, closer{name: name, fn: fn})
}

// Close releases backend connections in reverse order of opening.
func (e *Engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		c := e.closers[i]
		if err := c.fn(); err != nil {
			e.Log.Warn("close failed", map[string]interface{}{"resource": c.name, "error": err.Error()})
		}
	}
	e.closers = nil
	e.obs.Shutdown()
}
