// Package auth resolves the caller Identity for each request.
//
// A Provider is configured once from config.AuthConfig and supports four
// modes: open access (no admin secret), admin secret with an optional
// unauthorized role, locally verified JWTs, and an external webhook. The
// webhook may receive the parsed GraphQL request so that it can make
// content-aware decisions.
//
// Failures are returned as *apierr.Error values of kind KindAuth.
//
// Security Considerations:
//   - Admin secrets are compared in constant time; hashed secrets use Argon2id
//   - Only HS256 and RS256 tokens are accepted, pinned per configuration
//   - Credentials are never copied into session variables or logs
package auth
