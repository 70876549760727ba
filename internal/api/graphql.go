package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/nerrad567/graygate/internal/apierr"
	"github.com/nerrad567/graygate/internal/gql"
	"github.com/nerrad567/graygate/internal/infrastructure/config"
	"github.com/nerrad567/graygate/internal/metadata"
	"github.com/nerrad567/graygate/internal/upstream"
)

// handleGraphQL forwards a checked GraphQL request to the executor.
func (s *Server) handleGraphQL(ctx context.Context, rc *RequestContext, req *gql.BatchedRequest) (Result, error) {
	if err := s.checkAllowlist(rc, req); err != nil {
		return Result{}, err
	}
	call, err := s.upstreamCall(rc)
	if err != nil {
		return Result{}, err
	}
	out, err := s.upstream.Execute(ctx, call, req)
	if err != nil {
		return Result{}, err
	}
	return EncodedJSON(out), nil
}

func (s *Server) handleExplain(ctx context.Context, rc *RequestContext, req upstream.ExplainRequest) (Result, error) {
	call, err := s.upstreamCall(rc)
	if err != nil {
		return Result{}, err
	}
	out, err := s.upstream.Explain(ctx, call, req)
	if err != nil {
		return Result{}, err
	}
	return EncodedJSON(out), nil
}

func (s *Server) upstreamCall(rc *RequestContext) (upstream.Call, error) {
	target, err := upstream.TargetFor(rc.Cache(), s.cfg.Upstream)
	if errors.Is(err, upstream.ErrNoUpstream) {
		return upstream.Call{}, apierr.Handler(apierr.CodeNotSupported, http.StatusBadRequest,
			"no GraphQL executor is configured").Wrap(err)
	}
	if err != nil {
		return upstream.Call{}, err
	}
	return upstream.Call{
		Target:        target,
		Identity:      rc.Identity,
		ClientHeaders: rc.Headers,
		RequestID:     rc.RequestID,
	}, nil
}

// checkAllowlist rejects non-admin operations that are not in an
// allowlisted query collection, when the allowlist feature is on.
func (s *Server) checkAllowlist(rc *RequestContext, req *gql.BatchedRequest) error {
	if !s.cfg.Features.Enabled(config.FeatureAllowlist) || rc.Identity.IsAdmin() {
		return nil
	}
	for i, r := range req.Requests {
		path := "$"
		if req.Batch {
			path = fmt.Sprintf("$[%d]", i)
		}
		normalized, err := gql.Normalize(r.Query)
		if err != nil {
			return apierr.Handler(apierr.CodeValidationFailed, http.StatusBadRequest, err.Error()).
				WithPath(path + ".query").Wrap(err)
		}
		if !rc.Cache().Allows(normalized) {
			return apierr.Handler(apierr.CodeValidationFailed, http.StatusBadRequest,
				"query is not allowed").WithPath(path + ".query")
		}
	}
	return nil
}

// restBody is the JSON object posted to a REST endpoint. A missing body is
// an empty object.
type restBody map[string]json.RawMessage

func (*restBody) allowsEmptyBody() {}

// handleREST maps /api/rest/<template> onto the endpoint's stored query.
// Variables come from the body, the query string and the path, with later
// sources overriding earlier ones.
func (s *Server) handleREST(ctx context.Context, rc *RequestContext, body restBody) (Result, error) {
	ep, pathParams, found, methodAllowed := rc.Cache().MatchEndpoint(rc.Method, rc.Params["*"])
	switch {
	case !found:
		return Result{}, apierr.NotFound("endpoint not found")
	case !methodAllowed:
		return Result{}, apierr.New(apierr.KindNotFound, apierr.CodeNotFound, http.StatusMethodNotAllowed,
			fmt.Sprintf("method %s not allowed for this endpoint", rc.Method))
	}

	vars, err := restVariables(ep, pathParams, rc.Query, body)
	if err != nil {
		return Result{}, err
	}
	req := gql.Single(gql.Request{Query: ep.Query, Variables: vars})
	if err := s.checkAllowlist(rc, req); err != nil {
		return Result{}, err
	}

	call, err := s.upstreamCall(rc)
	if err != nil {
		return Result{}, err
	}
	out, err := s.upstream.Execute(ctx, call, req)
	if err != nil {
		return Result{}, err
	}
	return EncodedJSON(out), nil
}

// restVariables merges body, query string and path parameters into the
// variables declared by the endpoint's query. URL values are coerced to the
// declared scalar type; body values are passed through.
func restVariables(ep metadata.Endpoint, pathParams map[string]string, query url.Values, body restBody) (json.RawMessage, error) {
	kinds, err := gql.VariableKinds(gql.Request{Query: ep.Query})
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("endpoint %q: %w", ep.Name, err))
	}

	vars := make(map[string]any, len(kinds))
	for name, raw := range body {
		if _, ok := kinds[name]; ok {
			vars[name] = raw
		}
	}

	coerce := func(name, value, where string) error {
		kind, ok := kinds[name]
		if !ok {
			return nil
		}
		v, err := gql.CoerceString(kind, value)
		if err != nil {
			return apierr.BadRequest(apierr.CodeValidationFailed,
				fmt.Sprintf("variable %q: %v", name, err)).WithPath("$." + where + "." + name)
		}
		vars[name] = v
		return nil
	}
	for name, values := range query {
		if len(values) == 0 {
			continue
		}
		if err := coerce(name, values[0], "query"); err != nil {
			return nil, err
		}
	}
	for name, value := range pathParams {
		if err := coerce(name, value, "path"); err != nil {
			return nil, err
		}
	}

	if len(vars) == 0 {
		return nil, nil
	}
	return json.Marshal(vars)
}
