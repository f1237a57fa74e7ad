package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wopr-platform/controlplane/internal/api"
	"github.com/wopr-platform/controlplane/internal/budget"
	"github.com/wopr-platform/controlplane/internal/circuitbreaker"
	"github.com/wopr-platform/controlplane/internal/config"
	"github.com/wopr-platform/controlplane/internal/core"
	"github.com/wopr-platform/controlplane/internal/database"
	"github.com/wopr-platform/controlplane/internal/deletion"
	"github.com/wopr-platform/controlplane/internal/events"
	"github.com/wopr-platform/controlplane/internal/fleet"
	"github.com/wopr-platform/controlplane/internal/gateway"
	"github.com/wopr-platform/controlplane/internal/ledger"
	"github.com/wopr-platform/controlplane/internal/metering"
	"github.com/wopr-platform/controlplane/internal/middleware"
	"github.com/wopr-platform/controlplane/internal/monitoring"
	"github.com/wopr-platform/controlplane/internal/objectstore"
	"github.com/wopr-platform/controlplane/internal/payments"
	"github.com/wopr-platform/controlplane/internal/ratelimit"
	"github.com/wopr-platform/controlplane/internal/security"
	"github.com/wopr-platform/controlplane/internal/tenants"
	"github.com/wopr-platform/controlplane/internal/webhooks"

	"github.com/redis/go-redis/v9"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage. Postgres is the book of record; everything degrades to
	// in-memory for database-less dev runs.
	var db *database.DB
	if cfg.Storage.PostgresDSN != "" {
		db, err = database.Connect(cfg.Storage.PostgresDSN)
		if err != nil {
			log.Fatalf("Postgres connection failed: %v", err)
		}
		defer db.Close()

		if err := db.EnsureSchema(ctx); err != nil {
			log.Fatalf("Schema verification failed: %v", err)
		}
	} else {
		log.Println("DATABASE_URL not set, running with in-memory stores")
	}

	// Credit ledger.
	var book *ledger.Ledger
	if db != nil {
		book = ledger.New(ledger.NewPostgresStore(db))
	} else {
		book = ledger.New(ledger.NewMemoryStore())
	}

	// Metering. Spanner serves the raw event stream when configured;
	// aggregation always runs on the Postgres billing store.
	var meter metering.Store
	var billing metering.BillingStore
	switch {
	case cfg.Storage.SpannerDatabase != "" && db != nil:
		spannerStore, err := metering.NewSpannerStore(ctx, cfg.Storage.SpannerDatabase)
		if err != nil {
			log.Fatalf("Spanner connection failed: %v", err)
		}
		defer spannerStore.Close()
		meter = spannerStore
		billing = metering.NewPostgresStore(db)
	case db != nil:
		pg := metering.NewPostgresStore(db)
		meter = pg
		billing = pg
	default:
		mem := metering.NewMemoryStore()
		meter = mem
		billing = mem
	}

	// Tenant directory.
	var directory tenants.Directory
	if cfg.Storage.SupabaseURL != "" {
		directory, err = tenants.NewSupabaseDirectory(cfg.Storage.SupabaseURL, cfg.Storage.SupabaseServiceKey)
		if err != nil {
			log.Fatalf("Supabase directory failed: %v", err)
		}
	} else {
		log.Println("SUPABASE_URL not set, tenant directory disabled")
	}

	// Platform events, fanned out to webhooks.
	var emitter events.Emitter
	bus := events.NewBus()
	emitter = bus
	if cfg.Storage.PubSubProject != "" {
		pubsubBus, err := events.NewPubSubBus(cfg.Storage.PubSubProject, cfg.Storage.PubSubTopic)
		if err != nil {
			log.Fatalf("Pub/Sub bus failed: %v", err)
		}
		defer pubsubBus.Close()
		bus = pubsubBus.Bus
		emitter = pubsubBus
	}

	// Payments.
	var processor payments.Processor
	if cfg.Billing.BillingEnabled() && directory != nil {
		processor = payments.NewStripeProcessor(cfg.Billing.StripeSecretKey, directory)
	}

	// Billing aggregation loop.
	aggregator := metering.NewAggregator(billing, reporterOrNil(processor, emitter), metering.AggregatorConfig{
		Period: cfg.Billing.BillingPeriod,
		Grace:  cfg.Billing.LateArrivalGrace,
	})
	go aggregator.Run(ctx)
	defer aggregator.Stop()

	hookRegistry := webhooks.NewRegistry()
	hookDispatcher := buildDispatcher(cfg, hookRegistry)
	defer hookDispatcher.Shutdown()
	forwarder := webhooks.NewForwarder(bus, hookDispatcher)
	defer forwarder.Stop()

	// Admission gates.
	metrics, registry := monitoring.NewMetrics()

	checker := budget.NewChecker(meter, cfg.Gateway.BudgetCacheTTL)

	var breakerRepo circuitbreaker.Repository
	if db != nil {
		breakerRepo = circuitbreaker.NewPostgresRepository(db)
	} else {
		breakerRepo = circuitbreaker.NewMemoryRepository()
	}
	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:        "api",
		MaxRequests: cfg.Gateway.BreakerMaxRequests,
		Window:      cfg.Gateway.BreakerWindow,
		Pause:       cfg.Gateway.BreakerPause,
		OnTrip: func(name string, count int) {
			metrics.BreakerTrips.WithLabelValues(name).Inc()
			emitter.Emit(events.TypeBreakerTripped, "/gates/breaker", name, map[string]interface{}{
				"breaker": name,
				"count":   count,
			})
		},
	}, breakerRepo)

	var limiterStore ratelimit.Store
	switch {
	case cfg.Storage.RedisAddr != "":
		limiterStore = ratelimit.NewRedisStore(redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		}))
	case db != nil:
		limiterStore = ratelimit.NewPostgresStore(db)
	default:
		limiterStore = ratelimit.NewMemoryStore()
	}
	limiter := ratelimit.New(limiterStore, ratelimit.DefaultRules(
		cfg.Gateway.RateLimitLLM,
		cfg.Gateway.RateLimitImage,
		cfg.Gateway.RateLimitAudio,
		cfg.Gateway.RateLimitTelephony,
	))

	// Adapter gateway.
	socket := gateway.NewAdapterSocket(checker, meter)
	registered := gateway.RegisterConfigured(socket, cfg.Gateway.ProviderKeys, cfg.Gateway.ProviderTimeout)
	log.Printf("Registered adapters: %v", registered)

	// Fleet orchestration.
	var nodeRepo fleet.NodeRepo
	var instanceRepo fleet.InstanceRepo
	if db != nil {
		nodeRepo = fleet.NewPostgresNodeRepo(db)
		instanceRepo = fleet.NewPostgresInstanceRepo(db)
	} else {
		nodeRepo = fleet.NewMemoryNodeRepo()
		instanceRepo = fleet.NewMemoryInstanceRepo()
	}

	orchestrator := fleet.NewOrchestrator(fleet.OrchestratorConfig{
		Nodes:          nodeRepo,
		Instances:      instanceRepo,
		NodeSecret:     cfg.Platform.NodeSecret,
		CommandTimeout: cfg.Fleet.CommandTimeout,
		Watchdog: fleet.WatchdogConfig{
			DegradedAfter:    cfg.Fleet.DegradedThreshold,
			UnreachableAfter: cfg.Fleet.UnreachableThreshold,
			Interval:         cfg.Fleet.WatchdogInterval,
			OnTransition:     nodeTransitionHook(emitter),
		},
	})
	go orchestrator.Watchdog.Run(ctx)
	defer orchestrator.Watchdog.Stop()

	destroyer, err := fleet.NewDestroyScheduler(instanceRepo, orchestrator.Commands, fleet.DestroySchedulerConfig{
		ProjectID:  cfg.Storage.CloudTasksProject,
		LocationID: cfg.Storage.CloudTasksLocation,
		QueueID:    cfg.Storage.CloudTasksQueue,
		TargetURL:  os.Getenv("DESTROY_TARGET_URL"),
	})
	if err != nil {
		log.Fatalf("Destroy scheduler failed: %v", err)
	}
	go destroyer.Run(ctx)
	defer destroyer.Stop()

	// Tenant offboarding.
	var objects objectstore.ObjectStore
	if cfg.Storage.SnapshotBucket != "" {
		objects, err = objectstore.NewS3Store(ctx, cfg.Storage.SnapshotBucket)
		if err != nil {
			log.Fatalf("S3 store failed: %v", err)
		}
	}
	var deletionStore deletion.Store
	if db != nil {
		deletionStore = deletion.NewPostgresStore(db)
	} else {
		deletionStore = deletion.NewMemoryStore()
	}
	executor := deletion.NewExecutor(deletionStore, processor, objects)

	server := api.NewServer(api.Deps{
		Ledger:   book,
		Socket:   socket,
		Tenants:  directory,
		Auth:     middleware.NewAuthenticator(),
		Deletion: executor,

		Limiter:        limiter,
		TrustedProxies: cfg.Platform.TrustedProxyIPs,
		Breaker:        breaker,

		Orchestrator: orchestrator,
		Instances:    instanceRepo,
		Destroyer:    destroyer,

		Webhooks: hookRegistry,
		Bus:      bus,
		Events:   emitter,
		Keys:     security.NewKeyRing(cfg.Platform.Secret),

		Metrics:         metrics,
		MetricsRegistry: registry,
	})

	// Graceful shutdown on SIGTERM.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Shutdown signal received, draining")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
		cancel()
	}()

	if err := server.Start(":" + cfg.Server.Port); err != nil {
		log.Printf("Server stopped: %v", err)
	}
}

// reporterOrNil keeps the aggregator's nil-reporter semantics when
// billing is not configured. A configured processor is wrapped so every
// successful report also lands on the event bus.
func reporterOrNil(p payments.Processor, emitter events.Emitter) metering.Reporter {
	if p == nil {
		return nil
	}
	return usageReporter{inner: p, emitter: emitter}
}

type usageReporter struct {
	inner   metering.Reporter
	emitter events.Emitter
}

func (r usageReporter) ReportUsage(ctx context.Context, s core.BillingPeriodSummary) error {
	if err := r.inner.ReportUsage(ctx, s); err != nil {
		return err
	}
	r.emitter.Emit(events.TypeUsageReported, "/billing/aggregator", s.TenantID, map[string]interface{}{
		"tenant_id":        s.TenantID,
		"capability":       string(s.Capability),
		"provider":         s.Provider,
		"period_start":     s.PeriodStart.Format(time.RFC3339),
		"total_charge_usd": s.TotalChargeUSD,
	})
	return nil
}

// nodeTransitionHook publishes node lifecycle changes to the event bus.
func nodeTransitionHook(emitter events.Emitter) func(core.Node, core.NodeStatus, core.NodeStatus) {
	return func(node core.Node, from, to core.NodeStatus) {
		var eventType string
		switch {
		case to == core.NodeDegraded:
			eventType = events.TypeNodeDegraded
		case to == core.NodeUnreachable:
			eventType = events.TypeNodeUnreachable
		case to == core.NodeActive && from != core.NodeProvisioning:
			eventType = events.TypeNodeRecovered
		default:
			return
		}
		emitter.Emit(eventType, "/fleet/watchdog", node.ID, map[string]interface{}{
			"node_id": node.ID,
			"from":    string(from),
			"to":      string(to),
		})
	}
}

func buildDispatcher(cfg *config.Config, registry *webhooks.Registry) webhooks.Emitter {
	if cfg.Storage.CloudTasksProject != "" {
		cd, err := webhooks.NewCloudDispatcher(registry,
			cfg.Storage.CloudTasksProject,
			cfg.Storage.CloudTasksLocation,
			"webhook-delivery", 4)
		if err == nil {
			return cd
		}
		log.Printf("Cloud Tasks dispatcher unavailable (%v), using in-process delivery", err)
	}
	return webhooks.NewDispatcher(registry, 4)
}
