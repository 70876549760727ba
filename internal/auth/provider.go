package auth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/nerrad567/graygate/internal/apierr"
	"github.com/nerrad567/graygate/internal/gql"
	"github.com/nerrad567/graygate/internal/infrastructure/config"
	"github.com/nerrad567/graygate/internal/store"
)

// Mode names how a Provider identifies callers.
type Mode string

// Authentication modes.
const (
	ModeOpen        Mode = "none"
	ModeAdminSecret Mode = "admin-secret"
	ModeJWT         Mode = "jwt"
	ModeWebhook     Mode = "webhook"
)

// Request is what the Provider sees of an incoming request. GraphQL is set
// only for endpoints that parse the body before authenticating.
type Request struct {
	Headers http.Header
	GraphQL *gql.BatchedRequest
}

// Provider resolves identities according to the configured mode.
type Provider struct {
	secrets          *AdminSecrets
	unauthorizedRole Role
	jwt              *JWTVerifier
	webhook          *Webhook
}

// NewProvider builds a Provider from configuration.
//
// Parameters:
//   - cfg: authentication settings
//   - client: shared outbound HTTP client used for the webhook
//   - cache: webhook decision cache; nil disables caching
func NewProvider(cfg config.AuthConfig, client *http.Client, cache store.Cache) (*Provider, error) {
	secrets, err := NewAdminSecrets(cfg.AdminSecrets)
	if err != nil {
		return nil, err
	}
	p := &Provider{secrets: secrets, unauthorizedRole: Role(cfg.UnauthorizedRole)}

	if cfg.JWT.Enabled() {
		if p.jwt, err = NewJWTVerifier(cfg.JWT); err != nil {
			return nil, fmt.Errorf("configuring jwt: %w", err)
		}
	}
	if cfg.Webhook.URL != "" {
		p.webhook = NewWebhook(cfg.Webhook, client, cache)
	}
	return p, nil
}

// Mode reports the active authentication mode.
func (p *Provider) Mode() Mode {
	switch {
	case !p.secrets.Configured():
		return ModeOpen
	case p.jwt != nil:
		return ModeJWT
	case p.webhook != nil:
		return ModeWebhook
	default:
		return ModeAdminSecret
	}
}

// UnauthorizedRole returns the role granted to anonymous callers, if any.
func (p *Provider) UnauthorizedRole() Role {
	return p.unauthorizedRole
}

// Resolve identifies the caller. The returned header holds values the
// provider wants added to the response, such as refreshed cookies.
func (p *Provider) Resolve(ctx context.Context, req Request) (Identity, http.Header, error) {
	h := req.Headers
	if h == nil {
		h = http.Header{}
	}

	if !p.secrets.Configured() {
		return headerIdentity(h), nil, nil
	}

	presented := h.Get(HeaderAdminSecret)
	if presented == "" {
		presented = h.Get(HeaderAccessKey)
	}
	if presented != "" {
		if !p.secrets.Match(presented) {
			return Identity{}, nil, apierr.Auth(apierr.CodeAccessDenied, http.StatusUnauthorized,
				"invalid x-hasura-admin-secret/x-hasura-access-key")
		}
		return headerIdentity(h), nil, nil
	}

	switch {
	case p.jwt != nil:
		return p.resolveJWT(h)
	case p.webhook != nil:
		return p.webhook.Resolve(ctx, h, req.GraphQL)
	case p.unauthorizedRole != "":
		return NewIdentity(p.unauthorizedRole, SessionFromHeaders(h)), nil, nil
	default:
		return Identity{}, nil, apierr.Auth(apierr.CodeAccessDenied, http.StatusUnauthorized,
			"x-hasura-admin-secret/x-hasura-access-key required, but not found")
	}
}

func (p *Provider) resolveJWT(h http.Header) (Identity, http.Header, error) {
	token, ok, err := BearerToken(h)
	if err != nil {
		return Identity{}, nil, err
	}
	if !ok {
		if p.unauthorizedRole != "" {
			return NewIdentity(p.unauthorizedRole, SessionFromHeaders(h)), nil, nil
		}
		return Identity{}, nil, apierr.Auth(apierr.CodeInvalidHeaders, http.StatusBadRequest,
			"Missing 'Authorization' header in JWT authentication mode")
	}
	id, err := p.jwt.Verify(token, h.Get(HeaderRole))
	return id, nil, err
}

// headerIdentity trusts the x-hasura-* headers of an admin caller; the role
// defaults to admin.
func headerIdentity(h http.Header) Identity {
	role := RoleAdmin
	if r := h.Get(HeaderRole); r != "" {
		role = Role(r)
	}
	return NewIdentity(role, SessionFromHeaders(h))
}
