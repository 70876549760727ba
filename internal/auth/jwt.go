package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nerrad567/graygate/internal/apierr"
	"github.com/nerrad567/graygate/internal/infrastructure/config"
)

// Claim names inside the namespace object.
const (
	claimAllowedRoles = "x-hasura-allowed-roles"
	claimDefaultRole  = "x-hasura-default-role"
)

// JWTVerifier validates bearer tokens and maps their claims to an Identity.
type JWTVerifier struct {
	key       any
	namespace string
	parser    *jwt.Parser
}

// NewJWTVerifier loads the verification key named by cfg.
func NewJWTVerifier(cfg config.JWTConfig) (*JWTVerifier, error) {
	alg := strings.ToUpper(cfg.Algorithm)
	v := &JWTVerifier{namespace: cfg.ClaimsNamespace}

	switch alg {
	case "HS256":
		if cfg.Secret == "" {
			return nil, fmt.Errorf("%w: HS256 requires a secret", ErrBadKey)
		}
		v.key = []byte(cfg.Secret)
	case "RS256":
		pemBytes, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading jwt public key: %w", err)
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadKey, err)
		}
		v.key = pub
	default:
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrBadKey, cfg.Algorithm)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{alg}),
		jwt.WithLeeway(time.Duration(cfg.AllowedSkew) * time.Second),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	v.parser = jwt.NewParser(opts...)
	return v, nil
}

// BearerToken extracts the token from an Authorization header. ok is false
// when the header is absent.
func BearerToken(h http.Header) (token string, ok bool, err error) {
	raw := h.Get("Authorization")
	if raw == "" {
		return "", false, nil
	}
	scheme, token, found := strings.Cut(raw, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", true, apierr.Auth(apierr.CodeInvalidHeaders, http.StatusBadRequest, "Malformed Authorization header")
	}
	return strings.TrimSpace(token), true, nil
}

// Verify checks raw and returns the identity for requestedRole, or for the
// token's default role when requestedRole is empty.
func (v *JWTVerifier) Verify(raw, requestedRole string) (Identity, error) {
	claims := jwt.MapClaims{}
	if _, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}); err != nil {
		msg := "Could not verify JWT: " + err.Error()
		if errors.Is(err, jwt.ErrTokenExpired) {
			msg = "Could not verify JWT: JWTExpired"
		}
		return Identity{}, apierr.Auth(apierr.CodeInvalidJWT, http.StatusBadRequest, msg).Wrap(err)
	}

	ns, ok := claims[v.namespace].(map[string]any)
	if !ok {
		return Identity{}, invalidClaims(fmt.Sprintf("claims key: '%s' not found", v.namespace))
	}

	allowed, err := stringList(ns[claimAllowedRoles])
	if err != nil || len(allowed) == 0 {
		return Identity{}, invalidClaims("JWT claim does not contain " + claimAllowedRoles)
	}
	defaultRole, _ := ns[claimDefaultRole].(string)
	if defaultRole == "" {
		return Identity{}, invalidClaims("JWT claim does not contain " + claimDefaultRole)
	}
	if !slices.Contains(allowed, defaultRole) {
		return Identity{}, invalidClaims("default role is not in allowed roles")
	}

	role := defaultRole
	if requestedRole != "" {
		if !slices.Contains(allowed, requestedRole) {
			return Identity{}, apierr.AccessDenied("Your requested role is not in allowed roles")
		}
		role = requestedRole
	}

	session := SessionVariables{}
	for k, val := range ns {
		lower := strings.ToLower(k)
		if !strings.HasPrefix(lower, SessionPrefix) || lower == claimAllowedRoles || lower == claimDefaultRole {
			continue
		}
		session[lower] = claimString(val)
	}

	id := NewIdentity(Role(role), session)
	id.BackendAuth = map[string]string{}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		id.BackendAuth["sub"] = sub
	}
	if iss, err := claims.GetIssuer(); err == nil && iss != "" {
		id.BackendAuth["iss"] = iss
	}
	return id, nil
}

func invalidClaims(msg string) *apierr.Error {
	return apierr.Auth(apierr.CodeJWTInvalidClaims, http.StatusBadRequest, msg)
}

func stringList(v any) ([]string, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, errors.New("not a list")
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		s, ok := it.(string)
		if !ok {
			return nil, errors.New("not a string")
		}
		out = append(out, s)
	}
	return out, nil
}

func claimString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
