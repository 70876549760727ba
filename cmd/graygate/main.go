// graygate - API gateway request core
//
// This is the main entry point for the graygate server. graygate serves the
// query, metadata and GraphQL APIs over HTTP and WebSocket from a versioned,
// hot-swappable schema cache:
//   - Metadata persisted in SQLite and rebuilt into an immutable schema cache
//   - SQL sources reached through pgx connection pools
//   - GraphQL executed by a configured upstream
//   - Optional Redis, MQTT schema sync and InfluxDB request telemetry
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nerrad567/graygate/migrations"

	"github.com/nerrad567/graygate/internal/api"
	"github.com/nerrad567/graygate/internal/auth"
	"github.com/nerrad567/graygate/internal/infrastructure/config"
	"github.com/nerrad567/graygate/internal/infrastructure/database"
	"github.com/nerrad567/graygate/internal/infrastructure/influxdb"
	"github.com/nerrad567/graygate/internal/infrastructure/logging"
	"github.com/nerrad567/graygate/internal/infrastructure/mqtt"
	"github.com/nerrad567/graygate/internal/infrastructure/tracing"
	"github.com/nerrad567/graygate/internal/limiter"
	"github.com/nerrad567/graygate/internal/metadata"
	"github.com/nerrad567/graygate/internal/metrics"
	"github.com/nerrad567/graygate/internal/pgdump"
	"github.com/nerrad567/graygate/internal/ratelimit"
	"github.com/nerrad567/graygate/internal/schemacache"
	"github.com/nerrad567/graygate/internal/schemasync"
	"github.com/nerrad567/graygate/internal/sqlexec"
	"github.com/nerrad567/graygate/internal/store"
	"github.com/nerrad567/graygate/internal/upstream"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// defaultSourceName is the source seeded from postgres.url.
const defaultSourceName = "default"

// rateLimitWindow is the fixed window for requests_per_minute budgets.
const rateLimitWindow = time.Minute

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting graygate",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)
	startupLog := log.ForType(logging.TypeStartup)

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, version, log)
	if err != nil {
		return fmt.Errorf("initialising tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := shutdownTracing(flushCtx); shutdownErr != nil {
			log.Error("error flushing traces", "error", shutdownErr)
		}
	}()

	// Open the metadata database
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	startupLog.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	startupLog.Info("database migrations complete")

	// SQL sources and the schema cache
	pools := sqlexec.NewPools(sqlexec.Options{StringifyNumerics: cfg.Postgres.StringifyNumerics}, log)
	defer func() {
		log.Info("closing SQL source pools")
		pools.Close()
	}()

	metaStore := metadata.NewStore(db)
	builder := metadata.NewBuilder(pools.Check)
	initial, err := metadata.Bootstrap(ctx, metaStore, builder)
	if err != nil {
		return fmt.Errorf("building schema cache: %w", err)
	}
	cell := schemacache.New(initial)
	executor := metadata.NewExecutor(cell, metaStore, builder, cfg.Modes)

	if seedErr := seedDefaultSource(ctx, cfg, cell, executor, startupLog); seedErr != nil {
		return fmt.Errorf("seeding default source: %w", seedErr)
	}
	snap := cell.Snapshot()
	startupLog.Info("schema cache ready",
		"resource_version", snap.Value.ResourceVersion,
		"sources", len(snap.Value.Sources),
		"inconsistent", len(snap.Value.Inconsistent),
	)

	// Redis backs the webhook cache and the rate limiter when enabled
	redisClient, err := connectRedis(ctx, cfg, log)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer func() {
			log.Info("closing Redis connection")
			if closeErr := redisClient.Close(); closeErr != nil {
				log.Error("error closing Redis", "error", closeErr)
			}
		}()
	}

	// Shared outbound client for the auth webhook and the GraphQL upstream.
	// Per-call timeouts are applied by each caller.
	httpClient := tracing.InstrumentClient(&http.Client{})

	authCache := store.NewCache(ctx, redisClient, "graygate:auth:")
	authenticator, err := auth.NewProvider(cfg.Auth, httpClient, authCache)
	if err != nil {
		return fmt.Errorf("configuring authentication: %w", err)
	}
	startupLog.Info("authentication configured", "mode", authenticator.Mode())

	var rateGuard *ratelimit.Guard
	if cfg.Limits.RateLimit.Enabled {
		var backend ratelimit.Limiter = ratelimit.NewInMemory(rateLimitWindow)
		if redisClient != nil {
			backend = ratelimit.NewRedis(redisClient, rateLimitWindow)
		}
		rateGuard = ratelimit.NewGuard(cfg.Limits.RateLimit, backend)
	}

	admission := limiter.New(limiter.Static(limiter.Policy{
		MaxConcurrent: cfg.Limits.MaxConcurrent,
		MaxHeapBytes:  uint64(cfg.Limits.MaxHeapMB) << 20, //nolint:gosec // validated non-negative
	}))

	upstreamClient := upstream.New(httpClient, cfg.Upstream)

	// Connect to InfluxDB (optional)
	registry := metrics.NewRegistry()
	var sink metrics.Sink
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			influxClient.Close()
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		sink = metrics.NewInfluxSink(influxClient)
		startupLog.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		startupLog.Info("InfluxDB disabled")
	}

	// Connect to MQTT and start schema sync (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = startSchemaSync(ctx, cfg, cell, executor, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
	} else {
		startupLog.Info("schema sync disabled")
	}

	server, err := api.New(api.Deps{
		Config:    cfg,
		Logger:    log,
		Auth:      authenticator,
		Cell:      cell,
		Metadata:  executor,
		Query:     sqlexec.NewExecutor(pools, cfg.Modes.ReadOnly),
		Dumper:    pgdump.New(cfg.Postgres.PgDumpPath),
		Upstream:  upstreamClient,
		Limiter:   admission,
		RateLimit: rateGuard,
		Metrics:   registry,
		Sink:      sink,
		Health:    db.HealthCheck,
		Version:   version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	startupLog.Info("all health checks passed")

	startupLog.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order: API server (draining
	// in-flight requests), MQTT, InfluxDB, Redis, SQL pools, database and
	// finally the tracer provider.

	log.Info("graygate stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYGATE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYGATE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// seedDefaultSource registers postgres.url as the "default" source when
// metadata does not already name one. The change goes through the metadata
// executor so it is persisted and announced like any other. An unreachable
// database is kept as an inconsistent source rather than failing startup.
func seedDefaultSource(ctx context.Context, cfg *config.Config, cell *metadata.Cell, executor *metadata.Executor, log *logging.Logger) error {
	if cfg.Postgres.URL == "" {
		return nil
	}
	doc := cell.Snapshot().Value.Metadata.Clone()
	if doc.SourceIndex(defaultSourceName) >= 0 {
		return nil
	}
	if cfg.Modes.ReadOnly || cfg.Modes.Maintenance {
		log.Warn("postgres.url ignored: metadata is not writable in the current mode")
		return nil
	}

	doc.Sources = append(doc.Sources, metadata.Source{
		Name: defaultSourceName,
		Kind: metadata.KindPostgres,
		Configuration: metadata.SourceConfig{
			ConnectionURL: cfg.Postgres.URL,
			MaxConns:      int32(cfg.Postgres.MaxConns), //nolint:gosec // small configured value
		},
	})
	args, err := json.Marshal(map[string]any{
		"allow_inconsistent_metadata": true,
		"metadata":                    doc,
	})
	if err != nil {
		return err
	}
	if _, err := executor.Execute(ctx, metadata.Command{Type: "replace_metadata", Args: args}); err != nil {
		return err
	}

	if src, ok := cell.Snapshot().Value.Source(defaultSourceName); ok {
		log.Info("default source added from configuration", "max_connections", src.MaxConns)
	} else {
		log.Warn("default source added but is inconsistent, see /v1/metadata get_inconsistent_metadata")
	}
	return nil
}

// connectRedis returns nil when Redis is disabled.
func connectRedis(ctx context.Context, cfg *config.Config, log *logging.Logger) (*redis.Client, error) {
	if !cfg.Redis.Enabled {
		log.ForType(logging.TypeStartup).Info("Redis disabled, using in-memory caches")
		return nil, nil
	}
	client, err := store.NewRedis(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("connecting to Redis: %w", err)
	}
	log.ForType(logging.TypeStartup).Info("Redis connected", "addr", cfg.Redis.Addr, "db", cfg.Redis.DB)
	return client, nil
}

// startSchemaSync connects to the MQTT broker and runs the schema syncer
// until ctx is cancelled.
//
// Parameters:
//   - ctx: Context bounding the syncer's lifetime
//   - cfg: Application configuration
//   - cell: Schema cell whose commits are announced
//   - executor: Reloads metadata when a peer announces a change
//   - log: Logger instance
//
// Returns:
//   - *mqtt.Client: Connected client, closed by the caller
//   - error: If the broker cannot be reached
func startSchemaSync(ctx context.Context, cfg *config.Config, cell *metadata.Cell, executor *metadata.Executor, log *logging.Logger) (*mqtt.Client, error) {
	client, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log)
	client.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	instanceID := uuid.NewString()
	syncer := schemasync.New(client, client.Topics().SchemaSync(), byte(cfg.MQTT.QoS), instanceID, executor, log) //nolint:gosec // qos validated 0-2
	syncer.Attach(cell)

	go func() {
		if runErr := syncer.Run(ctx); runErr != nil {
			log.ForType(logging.TypeSchemaSync).Error("schema sync stopped",
				"instance_id", instanceID,
				"error", runErr,
			)
		}
	}()

	log.ForType(logging.TypeStartup).Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
		"topic", client.Topics().SchemaSync(),
	)
	return client, nil
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Metadata database to check
//   - mqttClient: MQTT client to check (may be nil if disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
