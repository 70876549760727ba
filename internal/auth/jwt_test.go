package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nerrad567/graygate/internal/apierr"
	"github.com/nerrad567/graygate/internal/infrastructure/config"
)

const (
	testJWTSecret = "0123456789abcdef0123456789abcdef"
	testNamespace = "https://hasura.io/jwt/claims"
)

func hsConfig() config.JWTConfig {
	return config.JWTConfig{
		Algorithm:       "HS256",
		Secret:          testJWTSecret,
		ClaimsNamespace: testNamespace,
	}
}

func userClaims(exp time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"sub": "user-42",
		"iss": "graygate-test",
		"exp": exp.Unix(),
		testNamespace: map[string]any{
			"x-hasura-allowed-roles": []any{"user", "editor"},
			"x-hasura-default-role":  "user",
			"x-hasura-user-id":       "42",
			"X-Hasura-Org-Ids":       []any{1, 2},
		},
	}
}

func signHS(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return tok
}

func codeOf(t *testing.T, err error) apierr.Code {
	t.Helper()
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("error %v is not an *apierr.Error", err)
	}
	return apiErr.Code
}

// ─── Verify ────────────────────────────────────────────────────────

func TestJWTVerifier_DefaultRole(t *testing.T) {
	v, err := NewJWTVerifier(hsConfig())
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}

	id, err := v.Verify(signHS(t, userClaims(time.Now().Add(time.Hour))), "")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if id.Role != "user" {
		t.Errorf("Role = %q, want %q", id.Role, "user")
	}
	if got, _ := id.Session.Get("x-hasura-user-id"); got != "42" {
		t.Errorf("x-hasura-user-id = %q, want %q", got, "42")
	}
	if got, _ := id.Session.Get("x-hasura-org-ids"); got != "[1,2]" {
		t.Errorf("x-hasura-org-ids = %q, want %q", got, "[1,2]")
	}
	if _, ok := id.Session.Get("x-hasura-allowed-roles"); ok {
		t.Error("allowed roles should not become a session variable")
	}
	if id.BackendAuth["sub"] != "user-42" {
		t.Errorf("BackendAuth[sub] = %q, want %q", id.BackendAuth["sub"], "user-42")
	}
}

func TestJWTVerifier_RequestedRole(t *testing.T) {
	v, err := NewJWTVerifier(hsConfig())
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}
	token := signHS(t, userClaims(time.Now().Add(time.Hour)))

	id, err := v.Verify(token, "editor")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if id.Role != "editor" {
		t.Errorf("Role = %q, want %q", id.Role, "editor")
	}

	_, err = v.Verify(token, "admin")
	if got := codeOf(t, err); got != apierr.CodeAccessDenied {
		t.Errorf("code = %q, want %q", got, apierr.CodeAccessDenied)
	}
}

func TestJWTVerifier_Rejections(t *testing.T) {
	v, err := NewJWTVerifier(hsConfig())
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}

	expired := signHS(t, userClaims(time.Now().Add(-time.Hour)))

	noNamespace := signHS(t, jwt.MapClaims{"sub": "x", "exp": time.Now().Add(time.Hour).Unix()})

	badDefault := userClaims(time.Now().Add(time.Hour))
	badDefault[testNamespace].(map[string]any)["x-hasura-default-role"] = "root"

	noAllowed := userClaims(time.Now().Add(time.Hour))
	delete(noAllowed[testNamespace].(map[string]any), "x-hasura-allowed-roles")

	wrongKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, userClaims(time.Now().Add(time.Hour))).
		SignedString([]byte("ffffffffffffffffffffffffffffffff"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}

	tests := []struct {
		name  string
		token string
		want  apierr.Code
	}{
		{"expired", expired, apierr.CodeInvalidJWT},
		{"garbage", "not.a.token", apierr.CodeInvalidJWT},
		{"wrong key", wrongKey, apierr.CodeInvalidJWT},
		{"missing namespace", noNamespace, apierr.CodeJWTInvalidClaims},
		{"default not allowed", signHS(t, badDefault), apierr.CodeJWTInvalidClaims},
		{"no allowed roles", signHS(t, noAllowed), apierr.CodeJWTInvalidClaims},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token, "")
			if err == nil {
				t.Fatal("Verify() should fail")
			}
			if got := codeOf(t, err); got != tt.want {
				t.Errorf("code = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestJWTVerifier_ExpiredMessage(t *testing.T) {
	v, err := NewJWTVerifier(hsConfig())
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}
	_, err = v.Verify(signHS(t, userClaims(time.Now().Add(-time.Hour))), "")
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *apierr.Error", err)
	}
	if apiErr.Message != "Could not verify JWT: JWTExpired" {
		t.Errorf("Message = %q", apiErr.Message)
	}
}

func TestJWTVerifier_Skew(t *testing.T) {
	cfg := hsConfig()
	cfg.AllowedSkew = 120
	v, err := NewJWTVerifier(cfg)
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}
	if _, err := v.Verify(signHS(t, userClaims(time.Now().Add(-time.Minute))), ""); err != nil {
		t.Errorf("Verify() within skew error = %v", err)
	}
}

func TestJWTVerifier_RS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey() error = %v", err)
	}
	path := filepath.Join(t.TempDir(), "jwt.pub")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600); err != nil {
		t.Fatalf("writing key: %v", err)
	}

	v, err := NewJWTVerifier(config.JWTConfig{Algorithm: "RS256", PublicKeyFile: path, ClaimsNamespace: testNamespace})
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, userClaims(time.Now().Add(time.Hour))).SignedString(key)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	id, err := v.Verify(token, "")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if id.Role != "user" {
		t.Errorf("Role = %q, want %q", id.Role, "user")
	}

	// An HS256 token must not pass an RS256 verifier.
	if _, err := v.Verify(signHS(t, userClaims(time.Now().Add(time.Hour))), ""); err == nil {
		t.Error("Verify() should reject a token signed with another algorithm")
	}
}

func TestNewJWTVerifier_BadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.JWTConfig
	}{
		{"hs256 without secret", config.JWTConfig{Algorithm: "HS256"}},
		{"unknown algorithm", config.JWTConfig{Algorithm: "ES512", Secret: testJWTSecret}},
		{"missing key file", config.JWTConfig{Algorithm: "RS256", PublicKeyFile: "/nonexistent/key.pem"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewJWTVerifier(tt.cfg); err == nil {
				t.Error("NewJWTVerifier() should fail")
			}
		})
	}
}

// ─── BearerToken ───────────────────────────────────────────────────

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantOK  bool
		wantErr bool
	}{
		{"absent", "", "", false, false},
		{"bearer", "Bearer abc", "abc", true, false},
		{"lowercase scheme", "bearer abc", "abc", true, false},
		{"basic scheme", "Basic abc", "", true, true},
		{"no token", "Bearer ", "", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.header != "" {
				h.Set("Authorization", tt.header)
			}
			got, ok, err := BearerToken(h)
			if (err != nil) != tt.wantErr {
				t.Fatalf("BearerToken() error = %v, wantErr %v", err, tt.wantErr)
			}
			if ok != tt.wantOK {
				t.Errorf("ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("token = %q, want %q", got, tt.want)
			}
		})
	}
}
