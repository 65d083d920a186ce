package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/copysentry/copysentry/internal/api"
	"github.com/copysentry/copysentry/internal/api/debug"
	appprotection "github.com/copysentry/copysentry/internal/app/protection"
	appscanning "github.com/copysentry/copysentry/internal/app/scanning"
	"github.com/copysentry/copysentry/internal/config/viperloader"
	"github.com/copysentry/copysentry/internal/infra/contentstore"
	"github.com/copysentry/copysentry/internal/infra/eventbus/kafka"
	"github.com/copysentry/copysentry/internal/infra/ledger"
	"github.com/copysentry/copysentry/internal/infra/notify"
	protectionStore "github.com/copysentry/copysentry/internal/infra/storage/protection/postgres"
	scanningStore "github.com/copysentry/copysentry/internal/infra/storage/scanning/postgres"
	"github.com/copysentry/copysentry/pkg/common"
	"github.com/copysentry/copysentry/pkg/common/logger"
	"github.com/copysentry/copysentry/pkg/common/otel"
)

const serviceType = "api"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string { return otel.GetTraceID(ctx) }

	svcName := fmt.Sprintf("API-%s", hostname)
	metadata := map[string]any{
		"service":  svcName,
		"hostname": hostname,
		"app":      serviceType,
	}

	logg := logger.NewWithMetadata(os.Stdout, logger.LevelDebug, svcName, traceIDFn, logEvents, metadata)

	ctx := context.Background()
	if err := run(ctx, logg, hostname, svcName); err != nil {
		logg.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logg *logger.Logger, hostname, svcName string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg, err := viperloader.NewLoader(os.Getenv("CONFIG_PATH")).Load(ctx)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tp, telemetryTeardown, err := otel.InitTelemetry(logg, otel.Config{
		ServiceName:      cfg.Telemetry.ServiceName,
		ExporterEndpoint: cfg.Telemetry.ExporterEndpoint,
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: cfg.Telemetry.Probability,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        hostname,
		},
		InsecureExporter: true,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer telemetryTeardown(ctx)

	tracer := tp.Tracer(cfg.Telemetry.ServiceName)

	ready := &atomic.Bool{}
	healthServer := common.NewHealthServer(ready)
	defer func() {
		if err := healthServer.Server().Shutdown(ctx); err != nil {
			logg.Error(ctx, "Error shutting down health server", "error", err)
		}
	}()

	go func() {
		debugAddr := fmt.Sprintf("%s:%s", cfg.API.Host, cfg.API.DebugPort)
		logg.Info(ctx, "startup", "status", "debug router started", "host", debugAddr)
		if err := http.ListenAndServe(debugAddr, debug.Mux()); err != nil {
			logg.Error(ctx, "shutdown", "status", "debug router closed", "error", err)
		}
	}()

	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("parsing db config: %w", err)
	}
	poolCfg.MinConns = cfg.Postgres.MinConns
	poolCfg.MaxConns = cfg.Postgres.MaxConns
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("creating db pool: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logg.Info(ctx, "Migrations applied successfully")

	metricCollector, err := api.NewAPIMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("creating metrics collector: %w", err)
	}

	kafkaClient, err := kafka.NewClient(&kafka.ClientConfig{
		Brokers:     cfg.Kafka.Brokers,
		GroupID:     cfg.Kafka.GroupID,
		ClientID:    svcName,
		ServiceType: serviceType,
	})
	if err != nil {
		return fmt.Errorf("creating kafka client: %w", err)
	}
	defer kafkaClient.Close()

	bus, err := kafka.ConnectEventBus(&kafka.EventBusConfig{
		Brokers:             cfg.Kafka.Brokers,
		TaskTopic:           cfg.Kafka.TaskTopic,
		StatusTopic:         cfg.Kafka.StatusTopic,
		DeadLetterTopic:     cfg.Kafka.DeadLetterTopic,
		GroupID:             cfg.Kafka.GroupID,
		ClientID:            svcName,
		ServiceType:         serviceType,
		MaxDeliveryAttempts: cfg.Kafka.MaxDeliveryAttempts,
	}, kafkaClient, logg, metricCollector, tracer)
	if err != nil {
		return fmt.Errorf("connecting event bus: %w", err)
	}
	defer bus.Close()

	publisher := kafka.NewDomainEventPublisher(bus)

	// Status events fan out to every API instance so each can push to its
	// own websocket clients, hence the per-host consumer group.
	relayGroup := fmt.Sprintf("api-status-%s", hostname)
	relayClient, err := kafka.NewClient(&kafka.ClientConfig{
		Brokers:     cfg.Kafka.Brokers,
		GroupID:     relayGroup,
		ClientID:    relayGroup,
		ServiceType: serviceType,
	})
	if err != nil {
		return fmt.Errorf("creating relay kafka client: %w", err)
	}
	defer relayClient.Close()

	relayBus, err := kafka.ConnectEventBus(&kafka.EventBusConfig{
		Brokers:             cfg.Kafka.Brokers,
		StatusTopic:         cfg.Kafka.StatusTopic,
		DeadLetterTopic:     cfg.Kafka.DeadLetterTopic,
		GroupID:             relayGroup,
		ClientID:            relayGroup,
		ServiceType:         serviceType,
		MaxDeliveryAttempts: cfg.Kafka.MaxDeliveryAttempts,
	}, relayClient, logg, metricCollector, tracer)
	if err != nil {
		return fmt.Errorf("connecting relay event bus: %w", err)
	}
	defer relayBus.Close()

	signer, err := ledger.NewSigner(cfg.Ledger.SigningKey)
	if err != nil {
		return fmt.Errorf("loading ledger signing key: %w", err)
	}
	anchorer := ledger.NewAnchor(
		ledger.NewClient(cfg.Ledger.Endpoint, tracer),
		signer,
		logg,
		tracer,
		ledger.WithConfirmWait(cfg.Ledger.ConfirmWait),
		ledger.WithPollInterval(cfg.Ledger.PollInterval),
		ledger.WithSubmitAttempts(uint64(cfg.Ledger.SubmitAttempts)),
	)

	recordRepo := protectionStore.NewFileRecordStore(pool, tracer)
	taskRepo := scanningStore.NewTaskStore(pool, tracer)
	store := contentstore.NewHTTPStore(cfg.ContentStore.URL, tracer)

	protectionSvc := appprotection.NewService(recordRepo, store, anchorer, logg, tracer)
	scanSvc := appscanning.NewScanService(recordRepo, taskRepo, publisher, logg, tracer)

	sessionSigner, err := notify.NewSessionSigner([]byte(cfg.Session.Secret), cfg.Session.TTL)
	if err != nil {
		return fmt.Errorf("creating session signer: %w", err)
	}
	hub := notify.NewHub(logg)

	relay := api.NewStatusRelay(hub, logg, tracer)
	if err := relay.Subscribe(ctx, relayBus); err != nil {
		return fmt.Errorf("starting status relay: %w", err)
	}

	server := api.NewServer(
		api.Config{Host: cfg.API.Host, Port: cfg.API.Port},
		logg,
		tracer,
		protectionSvc,
		scanSvc,
		sessionSigner,
		hub,
		metricCollector,
	)

	ready.Store(true)

	serverErrors := make(chan error, 1)
	go func() { serverErrors <- server.Start(ctx) }()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logg.Info(ctx, "shutdown", "status", "shutdown started", "signal", sig)
		defer logg.Info(ctx, "shutdown", "status", "shutdown complete", "signal", sig)
		cancel()
	}

	return nil
}

// runMigrations applies all up migrations before the process starts serving.
// It holds a single pooled connection for the duration.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("could not acquire connection: %w", err)
	}
	defer conn.Release()

	db := stdlib.OpenDBFromPool(pool)

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	migrationsPath := os.Getenv("MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "file://db/migrations"
	}
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}
