package auth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/graygate/internal/apierr"
	"github.com/nerrad567/graygate/internal/gql"
	"github.com/nerrad567/graygate/internal/infrastructure/config"
	"github.com/nerrad567/graygate/internal/store"
)

// maxWebhookResponse bounds the webhook response body.
const maxWebhookResponse = 1 << 20

// ignoredWebhookHeaders are client headers not forwarded to the webhook.
var ignoredWebhookHeaders = map[string]bool{
	"Content-Length":  true,
	"Content-Type":    true,
	"Content-Md5":     true,
	"User-Agent":      true,
	"Host":            true,
	"Origin":          true,
	"Referer":         true,
	"Accept":          true,
	"Accept-Encoding": true,
	"Accept-Language": true,
	"Accept-Datetime": true,
	"Cache-Control":   true,
	"Connection":      true,
	"Dnt":             true,
}

// Webhook resolves identities by calling an external HTTP endpoint.
type Webhook struct {
	url        string
	post       bool
	client     *http.Client
	cache      store.Cache
	defaultTTL time.Duration
	timeout    time.Duration
}

// NewWebhook creates a webhook resolver. client is the server's shared
// outbound client; cache may be nil to disable caching.
func NewWebhook(cfg config.WebhookConfig, client *http.Client, cache store.Cache) *Webhook {
	if client == nil {
		client = http.DefaultClient
	}
	return &Webhook{
		url:        cfg.URL,
		post:       strings.EqualFold(cfg.Mode, http.MethodPost),
		client:     client,
		cache:      cache,
		defaultTTL: time.Duration(cfg.CacheTTL) * time.Second,
		timeout:    time.Duration(cfg.Timeout) * time.Second,
	}
}

// cachedResult is what is stored in the cache for one webhook decision.
type cachedResult struct {
	Session map[string]any `json:"session"`
	Cookies []string       `json:"cookies,omitempty"`
}

// Resolve calls the webhook with the forwarded headers and, in POST mode,
// the GraphQL request.
func (w *Webhook) Resolve(ctx context.Context, headers http.Header, req *gql.BatchedRequest) (Identity, http.Header, error) {
	forwarded := forwardHeaders(headers)

	var body []byte
	if w.post {
		payload := map[string]any{"headers": flatten(forwarded)}
		if req != nil {
			payload["request"] = req
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return Identity{}, nil, webhookFailed("encoding webhook request", err)
		}
		body = b
	}

	key := w.cacheKey(forwarded, body)
	if res, ok := w.lookup(ctx, key); ok {
		return identityFromWebhook(res)
	}

	res, ttl, err := w.call(ctx, forwarded, body)
	if err != nil {
		return Identity{}, nil, err
	}
	w.remember(ctx, key, res, ttl)
	return identityFromWebhook(res)
}

func (w *Webhook) call(ctx context.Context, forwarded http.Header, body []byte) (cachedResult, time.Duration, error) {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	method := http.MethodGet
	var reader io.Reader
	if w.post {
		method = http.MethodPost
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, w.url, reader)
	if err != nil {
		return cachedResult{}, 0, webhookFailed("building webhook request", err)
	}
	if w.post {
		httpReq.Header.Set("Content-Type", "application/json")
	} else {
		httpReq.Header = forwarded.Clone()
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return cachedResult{}, 0, webhookFailed("webhook authentication request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse))
	if err != nil {
		return cachedResult{}, 0, webhookFailed("reading webhook response", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return cachedResult{}, 0, apierr.Auth(apierr.CodeAccessDenied, http.StatusUnauthorized,
			"Authentication hook unauthorized this request")
	default:
		return cachedResult{}, 0, apierr.Auth(apierr.CodeAuthWebhookFailed, http.StatusInternalServerError,
			"Invalid response from authorization hook").
			WithInternal(map[string]any{"status": resp.StatusCode, "body": string(respBody)})
	}

	var session map[string]any
	if err := json.Unmarshal(respBody, &session); err != nil {
		return cachedResult{}, 0, webhookFailed("webhook response is not a JSON object", err)
	}

	res := cachedResult{Session: session, Cookies: resp.Header.Values("Set-Cookie")}
	return res, cacheTTL(resp.Header, w.defaultTTL, time.Now()), nil
}

func (w *Webhook) cacheKey(forwarded http.Header, body []byte) string {
	h := sha256.New()
	h.Write([]byte(w.url))
	for _, name := range slices.Sorted(maps.Keys(forwarded)) {
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write([]byte(strings.Join(forwarded[name], ",")))
		h.Write([]byte{0})
	}
	h.Write(body)
	return "authhook:" + hex.EncodeToString(h.Sum(nil))
}

func (w *Webhook) lookup(ctx context.Context, key string) (cachedResult, bool) {
	if w.cache == nil {
		return cachedResult{}, false
	}
	raw, err := w.cache.Get(ctx, key)
	if err != nil {
		return cachedResult{}, false
	}
	var res cachedResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return cachedResult{}, false
	}
	return res, true
}

func (w *Webhook) remember(ctx context.Context, key string, res cachedResult, ttl time.Duration) {
	if w.cache == nil || ttl <= 0 {
		return
	}
	b, err := json.Marshal(res)
	if err != nil {
		return
	}
	_ = w.cache.Set(ctx, key, string(b), ttl) //nolint:errcheck // a cache write failure only costs a later webhook call
}

func identityFromWebhook(res cachedResult) (Identity, http.Header, error) {
	session := SessionVariables{}
	backend := map[string]string{}
	for k, v := range res.Session {
		lower := strings.ToLower(k)
		if strings.HasPrefix(lower, SessionPrefix) {
			session[lower] = claimString(v)
		} else {
			backend[k] = claimString(v)
		}
	}

	role, ok := session[SessionRoleKey]
	if !ok || role == "" {
		return Identity{}, nil, apierr.Auth(apierr.CodeAuthWebhookFailed, http.StatusInternalServerError,
			"missing x-hasura-role key in webhook response")
	}

	id := NewIdentity(Role(role), session)
	if len(backend) > 0 {
		id.BackendAuth = backend
	}

	var extra http.Header
	if len(res.Cookies) > 0 {
		extra = http.Header{}
		for _, c := range res.Cookies {
			extra.Add("Set-Cookie", c)
		}
	}
	return id, extra, nil
}

// cacheTTL derives the caching window from Cache-Control max-age or
// Expires, falling back to def.
func cacheTTL(h http.Header, def time.Duration, now time.Time) time.Duration {
	for directive := range strings.SplitSeq(h.Get("Cache-Control"), ",") {
		directive = strings.TrimSpace(strings.ToLower(directive))
		if directive == "no-cache" || directive == "no-store" {
			return 0
		}
		if v, ok := strings.CutPrefix(directive, "max-age="); ok {
			if secs, err := strconv.Atoi(v); err == nil {
				return time.Duration(secs) * time.Second
			}
		}
	}
	if exp := h.Get("Expires"); exp != "" {
		if t, err := http.ParseTime(exp); err == nil {
			return t.Sub(now)
		}
	}
	return def
}

func forwardHeaders(h http.Header) http.Header {
	out := http.Header{}
	for name, values := range h {
		canonical := http.CanonicalHeaderKey(name)
		if ignoredWebhookHeaders[canonical] {
			continue
		}
		if strings.EqualFold(canonical, HeaderAdminSecret) || strings.EqualFold(canonical, HeaderAccessKey) {
			continue
		}
		out[canonical] = slices.Clone(values)
	}
	return out
}

func flatten(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name := range h {
		out[name] = h.Get(name)
	}
	return out
}

func webhookFailed(msg string, err error) *apierr.Error {
	e := apierr.Auth(apierr.CodeAuthWebhookFailed, http.StatusInternalServerError, msg).Wrap(err)
	if err != nil && !errors.Is(err, context.Canceled) {
		e = e.WithInternal(map[string]any{"error": err.Error()})
	}
	return e
}
