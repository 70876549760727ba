package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/graygate/internal/apierr"
	"github.com/nerrad567/graygate/internal/gql"
	"github.com/nerrad567/graygate/internal/infrastructure/config"
	"github.com/nerrad567/graygate/internal/store"
)

func TestWebhook_GET(t *testing.T) {
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		w.Header().Add("Set-Cookie", "session=refreshed")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"X-Hasura-Role":"user","X-Hasura-User-Id":"7","tenant":"acme"}`))
	}))
	defer srv.Close()

	wh := NewWebhook(config.WebhookConfig{URL: srv.URL, Mode: "GET"}, srv.Client(), nil)

	in := http.Header{}
	in.Set("Authorization", "Bearer opaque")
	in.Set("Content-Type", "application/json")
	in.Set(HeaderAdminSecret, "should-not-leak")

	id, extra, err := wh.Resolve(context.Background(), in, nil)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if id.Role != "user" {
		t.Errorf("Role = %q, want %q", id.Role, "user")
	}
	if got, _ := id.Session.Get("x-hasura-user-id"); got != "7" {
		t.Errorf("x-hasura-user-id = %q, want %q", got, "7")
	}
	if id.BackendAuth["tenant"] != "acme" {
		t.Errorf("BackendAuth[tenant] = %q, want %q", id.BackendAuth["tenant"], "acme")
	}
	if extra.Get("Set-Cookie") != "session=refreshed" {
		t.Errorf("Set-Cookie = %q", extra.Get("Set-Cookie"))
	}
	if gotHeaders.Get("Authorization") != "Bearer opaque" {
		t.Errorf("forwarded Authorization = %q", gotHeaders.Get("Authorization"))
	}
	if gotHeaders.Get(HeaderAdminSecret) != "" {
		t.Error("admin secret should not be forwarded")
	}
}

func TestWebhook_POSTBody(t *testing.T) {
	var payload struct {
		Headers map[string]string `json:"headers"`
		Request json.RawMessage   `json:"request"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		_, _ = w.Write([]byte(`{"x-hasura-role":"reader"}`))
	}))
	defer srv.Close()

	wh := NewWebhook(config.WebhookConfig{URL: srv.URL, Mode: "POST"}, srv.Client(), nil)
	in := http.Header{}
	in.Set("X-Api-Key", "k1")
	req := gql.Single(gql.Request{Query: "{ a }"})

	id, _, err := wh.Resolve(context.Background(), in, req)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if id.Role != "reader" {
		t.Errorf("Role = %q, want %q", id.Role, "reader")
	}
	if payload.Headers["X-Api-Key"] != "k1" {
		t.Errorf("forwarded headers = %v", payload.Headers)
	}
	var got gql.Request
	if err := json.Unmarshal(payload.Request, &got); err != nil {
		t.Fatalf("request payload = %s: %v", payload.Request, err)
	}
	if got.Query != "{ a }" {
		t.Errorf("forwarded query = %q", got.Query)
	}
}

func TestWebhook_Failures(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantCode   apierr.Code
		wantStatus int
	}{
		{"unauthorized", http.StatusUnauthorized, ``, apierr.CodeAccessDenied, http.StatusUnauthorized},
		{"server error", http.StatusBadGateway, `oops`, apierr.CodeAuthWebhookFailed, http.StatusInternalServerError},
		{"missing role", http.StatusOK, `{"x-hasura-user-id":"1"}`, apierr.CodeAuthWebhookFailed, http.StatusInternalServerError},
		{"not json", http.StatusOK, `[1,2]`, apierr.CodeAuthWebhookFailed, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			wh := NewWebhook(config.WebhookConfig{URL: srv.URL}, srv.Client(), nil)
			_, _, err := wh.Resolve(context.Background(), http.Header{}, nil)
			if err == nil {
				t.Fatal("Resolve() should fail")
			}
			apiErr := apierr.From(err)
			if apiErr.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", apiErr.Code, tt.wantCode)
			}
			if apiErr.Status != tt.wantStatus {
				t.Errorf("status = %d, want %d", apiErr.Status, tt.wantStatus)
			}
		})
	}
}

func TestWebhook_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	wh := NewWebhook(config.WebhookConfig{URL: url, Timeout: 1}, nil, nil)
	_, _, err := wh.Resolve(context.Background(), http.Header{}, nil)
	if got := apierr.From(err).Code; got != apierr.CodeAuthWebhookFailed {
		t.Errorf("code = %q, want %q", got, apierr.CodeAuthWebhookFailed)
	}
}

func TestWebhook_Caching(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Cache-Control", "max-age=60")
		_, _ = w.Write([]byte(`{"x-hasura-role":"user"}`))
	}))
	defer srv.Close()

	wh := NewWebhook(config.WebhookConfig{URL: srv.URL}, srv.Client(), store.NewMemoryCache())

	h := http.Header{}
	h.Set("Authorization", "Bearer a")
	for range 3 {
		if _, _, err := wh.Resolve(context.Background(), h, nil); err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("webhook calls = %d, want 1", got)
	}

	other := http.Header{}
	other.Set("Authorization", "Bearer b")
	if _, _, err := wh.Resolve(context.Background(), other, nil); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("webhook calls = %d, want 2 after new credentials", got)
	}
}

func TestCacheTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	def := 30 * time.Second

	tests := []struct {
		name   string
		header map[string]string
		want   time.Duration
	}{
		{"default", nil, def},
		{"max-age", map[string]string{"Cache-Control": "private, max-age=90"}, 90 * time.Second},
		{"no-store", map[string]string{"Cache-Control": "no-store"}, 0},
		{"expires", map[string]string{"Expires": now.Add(2 * time.Minute).Format(http.TimeFormat)}, 2 * time.Minute},
		{"bad expires", map[string]string{"Expires": "soon"}, def},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.header {
				h.Set(k, v)
			}
			if got := cacheTTL(h, def, now); got != tt.want {
				t.Errorf("cacheTTL() = %v, want %v", got, tt.want)
			}
		})
	}
}
