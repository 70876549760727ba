package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/graygate/internal/auth"
	"github.com/nerrad567/graygate/internal/infrastructure/config"
	"github.com/nerrad567/graygate/internal/infrastructure/logging"
	"github.com/nerrad567/graygate/internal/limiter"
	"github.com/nerrad567/graygate/internal/metadata"
	"github.com/nerrad567/graygate/internal/metrics"
	"github.com/nerrad567/graygate/internal/pgdump"
	"github.com/nerrad567/graygate/internal/ratelimit"
	"github.com/nerrad567/graygate/internal/sqlexec"
	"github.com/nerrad567/graygate/internal/upstream"
)

// defaultShutdownTimeout is the maximum time to wait for in-flight requests
// during shutdown when the configuration does not set one.
const defaultShutdownTimeout = 10 * time.Second

// serverType is reported by /v1/version.
const serverType = "graygate"

// Authenticator resolves the identity of a caller. *auth.Provider is the
// production implementation.
type Authenticator interface {
	Resolve(ctx context.Context, req auth.Request) (auth.Identity, http.Header, error)
}

// HealthChecker reports whether metadata storage is reachable.
type HealthChecker func(ctx context.Context) error

// Deps holds the dependencies for the API server.
type Deps struct {
	Config *config.Config
	Logger *logging.Logger
	Auth   Authenticator
	Cell   *metadata.Cell

	// Metadata runs metadata commands; required by the query and metadata APIs.
	Metadata *metadata.Executor
	// Query runs run_sql and bulk; required by the query API.
	Query *sqlexec.Executor
	// Dumper is required by the pg_dump API.
	Dumper *pgdump.Dumper
	// Upstream executes GraphQL; required by the GraphQL API.
	Upstream *upstream.Client

	// Limiter admits requests. Nil admits everything.
	Limiter *limiter.Limiter
	// RateLimit applies per-role budgets. Nil disables rate limiting.
	RateLimit *ratelimit.Guard
	// Metrics backs /dev/ekg. A fresh registry is used when nil.
	Metrics *metrics.Registry
	// Sink receives request observations in addition to Metrics.
	Sink metrics.Sink

	Health  HealthChecker
	Version string
}

// Server is the HTTP and WebSocket front end of the gateway.
type Server struct {
	cfg     *config.Config
	logger  *logging.Logger
	httpLog *logging.Logger

	auth      Authenticator
	cell      *metadata.Cell
	metadata  *metadata.Executor
	query     *sqlexec.Executor
	dumper    *pgdump.Dumper
	upstream  *upstream.Client
	limiter   *limiter.Limiter
	rateLimit *ratelimit.Guard
	registry  *metrics.Registry
	metrics   metrics.Sink
	health    HealthChecker
	version   string

	hub    *Hub
	router http.Handler
	server *http.Server
	cancel context.CancelFunc // stops the hub on Close
}

// New creates a Server. The configuration is shared, not copied, and must
// not be modified afterwards.
//
// Parameters:
//   - deps: server dependencies; Config, Logger, Auth and Cell are required,
//     the rest are required only by the APIs that use them
//
// Returns:
//   - *Server: ready to Start, or to serve through Handler in tests
//   - error: if a required dependency is missing
func New(deps Deps) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	lim := deps.Limiter
	if lim == nil {
		lim = limiter.New(limiter.Static(limiter.Policy{}))
	}
	registry := deps.Metrics
	if registry == nil {
		registry = metrics.NewRegistry()
	}

	s := &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		httpLog:   deps.Logger.ForType(LogTypeHTTP),
		auth:      deps.Auth,
		cell:      deps.Cell,
		metadata:  deps.Metadata,
		query:     deps.Query,
		dumper:    deps.Dumper,
		upstream:  deps.Upstream,
		limiter:   lim,
		rateLimit: deps.RateLimit,
		registry:  registry,
		metrics:   metrics.Multi{registry, deps.Sink},
		health:    deps.Health,
		version:   deps.Version,
	}
	s.hub = NewHub(s.logger)

	registry.Gauge("inflight_requests", func() float64 { return float64(lim.InFlight()) })
	registry.Gauge("schema_cache_version", func() float64 { return float64(s.cell.Version()) })
	registry.Gauge("websocket_connections", func() float64 { return float64(s.hub.ClientCount()) })

	s.router = s.buildRouter()
	return s, nil
}

func (d Deps) validate() error {
	switch {
	case d.Config == nil:
		return errors.New("api: config is required")
	case d.Logger == nil:
		return errors.New("api: logger is required")
	case d.Auth == nil:
		return errors.New("api: authenticator is required")
	case d.Cell == nil:
		return errors.New("api: schema cache cell is required")
	}

	apis := d.Config.APIs
	switch {
	case (apis.Has(config.APIQuery) || apis.Has(config.APIMetadata)) && d.Metadata == nil:
		return errors.New("api: metadata executor is required by the query and metadata APIs")
	case apis.Has(config.APIQuery) && d.Query == nil:
		return errors.New("api: query executor is required by the query API")
	case apis.Has(config.APIGraphQL) && d.Upstream == nil:
		return errors.New("api: upstream client is required by the graphql API")
	case apis.Has(config.APIPGDump) && d.Dumper == nil:
		return errors.New("api: pg_dump runner is required by the pgdump API")
	}
	return nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
//
// The server runs in a background goroutine. Use Close() for graceful shutdown.
//
// Parameters:
//   - ctx: Context for the hub lifecycle
//
// Returns:
//   - error: nil on successful start
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	cfg := s.cfg.Server
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.router,
		ReadTimeout:       time.Duration(cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", cfg.TLS.CertFile,
				"apis", s.cfg.APIs,
			)
			err = s.server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr, "apis", s.cfg.APIs)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the server, waiting for in-flight requests.
// WebSocket connections are closed first.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	timeout := defaultShutdownTimeout
	if s.cfg.Server.ShutdownTimeout > 0 {
		timeout = time.Duration(s.cfg.Server.ShutdownTimeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("API server shutting down", "inflight", s.limiter.InFlight())
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
