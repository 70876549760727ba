package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/graygate/internal/apierr"
	"github.com/nerrad567/graygate/internal/infrastructure/config"
)

// Route binds an endpoint to a handler.
type Route struct {
	// Method is the HTTP method; empty matches every method.
	Method  string
	Pattern string
	// API gates the route; empty means always mounted.
	API config.API
	// Public routes skip authentication, rate limiting and admission.
	Public bool
	// AdminOnly routes reject non-admin identities before the handler runs.
	AdminOnly bool
	Handler   Handler

	// Errors and Status default to JSONErrors and ErrorStatus.
	Errors ErrorEncoder
	Status StatusModifier
}

func (rt *Route) spanName() string {
	if rt.Method == "" {
		return rt.Pattern
	}
	return rt.Method + " " + rt.Pattern
}

func (rt *Route) errorEncoder() ErrorEncoder {
	if rt.Errors == nil {
		return JSONErrors
	}
	return rt.Errors
}

func (rt *Route) statusModifier() StatusModifier {
	if rt.Status == nil {
		return ErrorStatus
	}
	return rt.Status
}

// routes is the full route table. buildRouter mounts the routes whose API
// is enabled.
func (s *Server) routes() []Route {
	graphql := func(pattern string) Route {
		return Route{
			Method:  http.MethodPost,
			Pattern: pattern,
			API:     config.APIGraphQL,
			Handler: ParseThenAuthenticate(s.handleGraphQL),
			Errors:  GraphQLErrors,
			Status:  GraphQLStatus,
		}
	}

	return []Route{
		{Method: http.MethodGet, Pattern: "/healthz", Public: true, Handler: NoBody(s.handleHealth)},
		{Method: http.MethodGet, Pattern: "/v1/version", Public: true, Handler: NoBody(s.handleVersion)},

		{Method: http.MethodPost, Pattern: "/v1/query", API: config.APIQuery, AdminOnly: true, Handler: BodyFirst(s.handleQueryV1)},
		{Method: http.MethodPost, Pattern: "/v2/query", API: config.APIQuery, AdminOnly: true, Handler: BodyFirst(s.handleQueryV2)},
		{Method: http.MethodPost, Pattern: "/v1/metadata", API: config.APIMetadata, AdminOnly: true, Handler: BodyFirst(s.handleMetadata)},

		graphql("/v1/graphql"),
		graphql("/v1beta1/relay"),
		{Method: http.MethodPost, Pattern: "/v1/graphql/explain", API: config.APIGraphQL, AdminOnly: true, Handler: BodyFirst(s.handleExplain)},
		{Pattern: "/api/rest/*", API: config.APIGraphQL, Handler: BodyFirst(s.handleREST)},

		{Method: http.MethodPost, Pattern: "/v1alpha1/pg_dump", API: config.APIPGDump, AdminOnly: true, Handler: BodyFirst(s.handlePGDump)},
		{Method: http.MethodGet, Pattern: "/v1alpha1/config", API: config.APIConfig, AdminOnly: true, Handler: NoBody(s.handleConfig)},

		{Method: http.MethodGet, Pattern: "/dev/ekg", API: config.APIDeveloper, AdminOnly: true, Handler: NoBody(s.handleEKG)},
		{Method: http.MethodGet, Pattern: "/dev/schema_cache", API: config.APIDeveloper, AdminOnly: true, Handler: NoBody(s.handleSchemaCache)},
		{Method: http.MethodGet, Pattern: "/v1/metrics", API: config.APIMetrics, AdminOnly: true, Handler: NoBody(s.handleEKG)},
	}
}

// buildRouter mounts the enabled routes on a chi router.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	for _, rt := range s.routes() {
		if rt.API != "" && !s.cfg.APIs.Has(rt.API) {
			continue
		}
		if rt.Method == "" {
			r.Handle(rt.Pattern, s.serve(rt))
			continue
		}
		r.Method(rt.Method, rt.Pattern, s.serve(rt))
	}

	if s.cfg.APIs.Has(config.APIGraphQL) {
		r.Get("/v1/graphql", s.handleWebSocket)
	}

	r.NotFound(s.serve(Route{Pattern: "*", Public: true, Handler: NoBody(
		func(context.Context, *RequestContext) (Result, error) {
			return Result{}, apierr.NotFound("resource does not exist")
		})}).ServeHTTP)
	r.MethodNotAllowed(s.serve(Route{Pattern: "*", Public: true, Handler: NoBody(
		func(context.Context, *RequestContext) (Result, error) {
			return Result{}, apierr.New(apierr.KindNotFound, apierr.CodeNotFound, http.StatusMethodNotAllowed,
				"method not allowed")
		})}).ServeHTTP)

	return r
}

// routeParams copies the URL parameters chi matched.
func routeParams(r *http.Request) map[string]string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil || len(rctx.URLParams.Keys) == 0 {
		return nil
	}
	params := make(map[string]string, len(rctx.URLParams.Keys))
	for i, k := range rctx.URLParams.Keys {
		params[k] = rctx.URLParams.Values[i]
	}
	return params
}
