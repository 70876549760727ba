package api

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/nerrad567/graygate/internal/infrastructure/config"
	"github.com/nerrad567/graygate/internal/metadata"
	"github.com/nerrad567/graygate/internal/schemacache"
)

// Health check bodies.
const (
	healthOK    = "OK"
	healthWarn  = "WARN: inconsistent objects in schema"
	healthError = "ERROR"
)

// handleHealth reports OK, or WARN when some metadata objects are
// inconsistent. Inconsistency only fails the check with ?strict=true.
func (s *Server) handleHealth(ctx context.Context, rc *RequestContext) (Result, error) {
	if s.health != nil {
		if err := s.health(ctx); err != nil {
			s.logger.Error("health check failed", "error", err)
			return Text(healthError).WithStatus(http.StatusInternalServerError), nil
		}
	}
	if rc.Cache().Consistent() {
		return Text(healthOK), nil
	}
	res := Text(healthWarn)
	if rc.Query.Get("strict") == "true" {
		return res.WithStatus(http.StatusInternalServerError), nil
	}
	return res, nil
}

func (s *Server) handleVersion(_ context.Context, _ *RequestContext) (Result, error) {
	return JSON(map[string]string{
		"version":     s.version,
		"server_type": serverType,
	}), nil
}

// serverConfig is the /v1alpha1/config document. Secrets are reported as
// set or unset only.
type serverConfig struct {
	Version          string              `json:"version"`
	IsAdminSecretSet bool                `json:"is_admin_secret_set"`
	IsAuthHookSet    bool                `json:"is_auth_hook_set"`
	IsJWTSet         bool                `json:"is_jwt_set"`
	JWT              *jwtSummary         `json:"jwt,omitempty"`
	UnauthorizedRole string              `json:"unauthorized_role,omitempty"`
	EnabledAPIs      config.APISet       `json:"enabled_apis"`
	Features         config.FeatureFlags `json:"experimental_features"`
	ReadOnly         bool                `json:"is_read_only_mode"`
	Maintenance      bool                `json:"is_maintenance_mode"`
	EventsEnabled    bool                `json:"is_events_enabled"`
	MaxConcurrent    int                 `json:"max_concurrent_requests"`
}

type jwtSummary struct {
	Algorithm       string `json:"algorithm"`
	ClaimsNamespace string `json:"claims_namespace,omitempty"`
	Issuer          string `json:"issuer,omitempty"`
}

func (s *Server) handleConfig(_ context.Context, _ *RequestContext) (Result, error) {
	a := s.cfg.Auth
	doc := serverConfig{
		Version:          s.version,
		IsAdminSecretSet: len(a.AdminSecrets) > 0,
		IsAuthHookSet:    a.Webhook.URL != "",
		IsJWTSet:         a.JWT.Enabled(),
		UnauthorizedRole: a.UnauthorizedRole,
		EnabledAPIs:      s.cfg.APIs,
		Features:         s.cfg.Features,
		ReadOnly:         s.cfg.Modes.ReadOnly,
		Maintenance:      s.cfg.Modes.Maintenance,
		EventsEnabled:    s.cfg.Modes.Events,
		MaxConcurrent:    s.cfg.Limits.MaxConcurrent,
	}
	if doc.IsJWTSet {
		doc.JWT = &jwtSummary{Algorithm: a.JWT.Algorithm, ClaimsNamespace: a.JWT.ClaimsNamespace, Issuer: a.JWT.Issuer}
	}
	return JSON(doc), nil
}

func (s *Server) handleEKG(_ context.Context, _ *RequestContext) (Result, error) {
	return JSON(s.registry.Snapshot()), nil
}

// schemaCacheDump is the /dev/schema_cache document. Resolved source URLs
// are left out since they usually embed credentials.
type schemaCacheDump struct {
	Version         schemacache.Version           `json:"version"`
	ResourceVersion int64                         `json:"resource_version"`
	Origin          metadata.Origin               `json:"origin"`
	Sources         []sourceSummary               `json:"sources"`
	Endpoints       []endpointSummary             `json:"rest_endpoints"`
	Upstream        string                        `json:"remote_upstream,omitempty"`
	Inconsistent    []metadata.InconsistentObject `json:"inconsistent_objects"`
	Metadata        metadata.Document             `json:"metadata"`
}

type sourceSummary struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	MaxConns int32  `json:"max_connections,omitempty"`
}

type endpointSummary struct {
	Name    string   `json:"name"`
	Methods []string `json:"methods"`
	Query   string   `json:"query"`
}

func (s *Server) handleSchemaCache(_ context.Context, rc *RequestContext) (Result, error) {
	c := rc.Cache()
	dump := schemaCacheDump{
		Version:      rc.Schema.Version,
		Sources:      []sourceSummary{},
		Endpoints:    []endpointSummary{},
		Inconsistent: []metadata.InconsistentObject{},
		Metadata:     metadata.Empty(),
	}
	if c == nil {
		return JSON(dump), nil
	}

	dump.ResourceVersion = c.ResourceVersion
	dump.Origin = c.Origin
	dump.Metadata = c.Metadata
	if c.Upstream != nil {
		dump.Upstream = c.Upstream.URL
	}
	dump.Inconsistent = append(dump.Inconsistent, c.Inconsistent...)
	for _, src := range c.Sources {
		dump.Sources = append(dump.Sources, sourceSummary{Name: src.Name, Kind: src.Kind, MaxConns: src.MaxConns})
	}
	slices.SortFunc(dump.Sources, func(a, b sourceSummary) int {
		return strings.Compare(a.Name, b.Name)
	})
	for _, ep := range c.Endpoints {
		dump.Endpoints = append(dump.Endpoints, endpointSummary{Name: ep.Name, Methods: ep.Methods, Query: ep.Query})
	}
	return JSON(dump), nil
}
