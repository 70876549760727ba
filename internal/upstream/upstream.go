// Package upstream forwards GraphQL operations to the executor configured
// in metadata (set_remote_upstream) or, failing that, in the server config.
//
// The caller's identity travels as x-hasura-* headers. Batched requests
// fan out concurrently and are reassembled in order.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/graygate/internal/apierr"
	"github.com/nerrad567/graygate/internal/auth"
	"github.com/nerrad567/graygate/internal/gql"
	"github.com/nerrad567/graygate/internal/infrastructure/config"
	"github.com/nerrad567/graygate/internal/metadata"
)

const (
	defaultTimeout  = 30 * time.Second
	retryBackoff    = 100 * time.Millisecond
	maxResponseSize = 64 << 20
	explainSuffix   = "/explain"
	batchParallel   = 8
)

// ErrNoUpstream means neither metadata nor config names an executor.
var ErrNoUpstream = errors.New("upstream: no GraphQL executor configured")

// Target is a resolved executor endpoint.
type Target struct {
	URL                  string
	Headers              map[string]string
	Timeout              time.Duration
	ForwardClientHeaders bool
}

// TargetFor picks the executor for cache, preferring the metadata upstream.
func TargetFor(cache *metadata.SchemaCache, cfg config.UpstreamConfig) (Target, error) {
	if cache != nil && cache.Upstream != nil {
		u := cache.Upstream
		t := Target{URL: u.URL, Headers: u.Headers, ForwardClientHeaders: u.ForwardClientHeaders}
		if u.TimeoutSeconds > 0 {
			t.Timeout = time.Duration(u.TimeoutSeconds) * time.Second
		}
		return t, nil
	}
	if cfg.GraphQLURL == "" {
		return Target{}, ErrNoUpstream
	}
	t := Target{URL: cfg.GraphQLURL}
	if cfg.Timeout > 0 {
		t.Timeout = time.Duration(cfg.Timeout) * time.Second
	}
	return t, nil
}

// Call describes who is asking and where to send it.
type Call struct {
	Target        Target
	Identity      auth.Identity
	ClientHeaders http.Header
	RequestID     string
}

// Client sends operations to the executor.
type Client struct {
	http    *http.Client
	retries int
	backoff time.Duration
}

// New creates a Client using the shared outbound HTTP client.
func New(client *http.Client, cfg config.UpstreamConfig) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &Client{http: client, retries: retries, backoff: retryBackoff}
}

// Execute runs a batched request. The response is a single result for a
// single request and a JSON array for a batch.
func (c *Client) Execute(ctx context.Context, call Call, req *gql.BatchedRequest) (json.RawMessage, error) {
	if !req.Batch {
		return c.post(ctx, call, call.Target.URL, req.Requests[0])
	}

	results := make([]json.RawMessage, len(req.Requests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchParallel)
	for i, r := range req.Requests {
		g.Go(func() error {
			res, err := c.post(gctx, call, call.Target.URL, r)
			if err != nil {
				return apierr.From(err).WithPath(fmt.Sprintf("$[%d]", i))
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return json.Marshal(results)
}

// ExplainRequest is the body of /v1/graphql/explain.
type ExplainRequest struct {
	Query gql.Request `json:"query"`
	// User overrides the session used for planning.
	User auth.SessionVariables `json:"user,omitempty"`
}

// Explain asks the executor for the plan of one operation.
func (c *Client) Explain(ctx context.Context, call Call, req ExplainRequest) (json.RawMessage, error) {
	body := struct {
		Query gql.Request           `json:"query"`
		User  auth.SessionVariables `json:"user"`
	}{req.Query, call.Identity.Session}
	if len(req.User) > 0 {
		body.User = req.User
	}
	return c.post(ctx, call, strings.TrimRight(call.Target.URL, "/")+explainSuffix, body)
}

func (c *Client) post(ctx context.Context, call Call, url string, body any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("encoding upstream request: %w", err))
	}

	timeout := call.Target.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, unreachable(ctx.Err())
			case <-time.After(c.backoff << (attempt - 1)):
			}
		}

		res, retry, err := c.attempt(ctx, call, url, payload, timeout)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return nil, lastErr
}

// attempt sends one request and reports whether a failure is worth retrying.
func (c *Client) attempt(ctx context.Context, call Call, url string, payload []byte, timeout time.Duration) (json.RawMessage, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, false, apierr.Internal(fmt.Errorf("building upstream request: %w", err))
	}
	req.Header = outboundHeaders(call)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, unreachable(err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, true, unreachable(err)
	}

	switch {
	case resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		return nil, true, failed(resp.StatusCode, body)
	case resp.StatusCode >= 300 && resp.StatusCode != http.StatusBadRequest:
		return nil, false, failed(resp.StatusCode, body)
	}
	if !json.Valid(body) {
		return nil, false, failed(resp.StatusCode, body)
	}
	return json.RawMessage(body), false, nil
}

// hopHeaders are never forwarded from the client.
var hopHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Proxy-Connection":  true,
	"Te":                true,
	"Trailer":           true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
	"Host":              true,
	"Content-Length":    true,
	"Accept-Encoding":   true,
	"Content-Type":      true,
}

func outboundHeaders(call Call) http.Header {
	h := http.Header{}
	if call.Target.ForwardClientHeaders {
		for name, values := range call.ClientHeaders {
			canon := http.CanonicalHeaderKey(name)
			if hopHeaders[canon] || auth.IsSessionVariable(canon) {
				continue
			}
			h[canon] = append([]string(nil), values...)
		}
	}
	for k, v := range call.Target.Headers {
		h.Set(k, v)
	}
	for _, name := range call.Identity.Session.Names() {
		h.Set(name, call.Identity.Session[name])
	}
	if call.Identity.Role != "" {
		h.Set(auth.HeaderRole, string(call.Identity.Role))
	}
	if call.RequestID != "" {
		h.Set("X-Request-Id", call.RequestID)
	}
	h.Set("Content-Type", "application/json")
	return h
}

func unreachable(err error) *apierr.Error {
	return apierr.Handler(apierr.CodeUpstreamFailed, http.StatusInternalServerError,
		"GraphQL executor is unreachable").Wrap(err).WithInternal(map[string]any{"error": err.Error()})
}

func failed(status int, body []byte) *apierr.Error {
	return apierr.Handler(apierr.CodeUpstreamFailed, http.StatusInternalServerError,
		"invalid response from GraphQL executor").
		WithInternal(map[string]any{"status": status, "body": string(body)})
}
