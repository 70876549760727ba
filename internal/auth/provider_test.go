package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nerrad567/graygate/internal/apierr"
	"github.com/nerrad567/graygate/internal/infrastructure/config"
)

func newProvider(t *testing.T, cfg config.AuthConfig) *Provider {
	t.Helper()
	p, err := NewProvider(cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	return p
}

func headers(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func TestProvider_Open(t *testing.T) {
	p := newProvider(t, config.AuthConfig{})
	if p.Mode() != ModeOpen {
		t.Errorf("Mode() = %q, want %q", p.Mode(), ModeOpen)
	}

	id, _, err := p.Resolve(context.Background(), Request{Headers: headers("X-Hasura-User-Id", "9")})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !id.IsAdmin() {
		t.Errorf("Role = %q, want admin", id.Role)
	}
	if got, _ := id.Session.Get("x-hasura-user-id"); got != "9" {
		t.Errorf("x-hasura-user-id = %q, want 9", got)
	}

	id, _, err = p.Resolve(context.Background(), Request{Headers: headers(HeaderRole, "user")})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if id.Role != "user" {
		t.Errorf("Role = %q, want user", id.Role)
	}
}

func TestProvider_AdminSecret(t *testing.T) {
	p := newProvider(t, config.AuthConfig{AdminSecrets: []string{"s3cret"}})
	if p.Mode() != ModeAdminSecret {
		t.Errorf("Mode() = %q, want %q", p.Mode(), ModeAdminSecret)
	}

	tests := []struct {
		name     string
		h        http.Header
		wantRole Role
		wantCode apierr.Code
	}{
		{"matching secret", headers(HeaderAdminSecret, "s3cret"), RoleAdmin, ""},
		{"legacy access key", headers(HeaderAccessKey, "s3cret"), RoleAdmin, ""},
		{"admin acting as role", headers(HeaderAdminSecret, "s3cret", HeaderRole, "user"), "user", ""},
		{"wrong secret", headers(HeaderAdminSecret, "nope"), "", apierr.CodeAccessDenied},
		{"no credentials", headers(), "", apierr.CodeAccessDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, _, err := p.Resolve(context.Background(), Request{Headers: tt.h})
			if tt.wantCode != "" {
				if err == nil {
					t.Fatal("Resolve() should fail")
				}
				e := apierr.From(err)
				if e.Code != tt.wantCode || e.Status != http.StatusUnauthorized {
					t.Errorf("error = %s/%d, want %s/401", e.Code, e.Status, tt.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if id.Role != tt.wantRole {
				t.Errorf("Role = %q, want %q", id.Role, tt.wantRole)
			}
		})
	}
}

func TestProvider_UnauthorizedRole(t *testing.T) {
	p := newProvider(t, config.AuthConfig{AdminSecrets: []string{"s3cret"}, UnauthorizedRole: "anonymous"})

	id, _, err := p.Resolve(context.Background(), Request{Headers: headers("X-Hasura-Device", "kiosk")})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if id.Role != "anonymous" {
		t.Errorf("Role = %q, want anonymous", id.Role)
	}
	if got, _ := id.Session.Get("x-hasura-device"); got != "kiosk" {
		t.Errorf("x-hasura-device = %q, want kiosk", got)
	}
}

func TestProvider_JWT(t *testing.T) {
	cfg := config.AuthConfig{AdminSecrets: []string{"s3cret"}, JWT: hsConfig()}
	p := newProvider(t, cfg)
	if p.Mode() != ModeJWT {
		t.Errorf("Mode() = %q, want %q", p.Mode(), ModeJWT)
	}
	token := signHS(t, userClaims(time.Now().Add(time.Hour)))

	id, _, err := p.Resolve(context.Background(), Request{Headers: headers("Authorization", "Bearer "+token)})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if id.Role != "user" {
		t.Errorf("Role = %q, want user", id.Role)
	}

	// Session headers from the client never override token claims.
	id, _, err = p.Resolve(context.Background(), Request{Headers: headers(
		"Authorization", "Bearer "+token, "X-Hasura-User-Id", "999")})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got, _ := id.Session.Get("x-hasura-user-id"); got != "42" {
		t.Errorf("x-hasura-user-id = %q, want 42", got)
	}

	_, _, err = p.Resolve(context.Background(), Request{Headers: headers()})
	if got := apierr.From(err).Code; got != apierr.CodeInvalidHeaders {
		t.Errorf("missing token code = %q, want %q", got, apierr.CodeInvalidHeaders)
	}

	cfg.UnauthorizedRole = "anonymous"
	p = newProvider(t, cfg)
	id, _, err = p.Resolve(context.Background(), Request{Headers: headers()})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if id.Role != "anonymous" {
		t.Errorf("Role = %q, want anonymous", id.Role)
	}
}

func TestProvider_Webhook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"x-hasura-role":"hooked"}`))
	}))
	defer srv.Close()

	p, err := NewProvider(config.AuthConfig{
		AdminSecrets: []string{"s3cret"},
		Webhook:      config.WebhookConfig{URL: srv.URL, Mode: "GET"},
	}, srv.Client(), nil)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if p.Mode() != ModeWebhook {
		t.Errorf("Mode() = %q, want %q", p.Mode(), ModeWebhook)
	}

	id, _, err := p.Resolve(context.Background(), Request{Headers: headers()})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if id.Role != "hooked" {
		t.Errorf("Role = %q, want hooked", id.Role)
	}

	// The admin secret bypasses the webhook.
	id, _, err = p.Resolve(context.Background(), Request{Headers: headers(HeaderAdminSecret, "s3cret")})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !id.IsAdmin() {
		t.Errorf("Role = %q, want admin", id.Role)
	}
}

func TestNewProvider_Errors(t *testing.T) {
	if _, err := NewProvider(config.AuthConfig{AdminSecrets: []string{""}}, nil, nil); err == nil {
		t.Error("empty admin secret should fail")
	}
	if _, err := NewProvider(config.AuthConfig{
		AdminSecrets: []string{"x"},
		JWT:          config.JWTConfig{Algorithm: "RS256", PublicKeyFile: "/nonexistent"},
	}, nil, nil); err == nil {
		t.Error("unreadable jwt key should fail")
	}
}
