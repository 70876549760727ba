package auth

import (
	"errors"
	"maps"
	"net/http"
	"slices"
	"strings"
)

// Role names a permission set. RoleAdmin is unrestricted.
type Role string

// RoleAdmin is the privileged role with access to diagnostic and config endpoints.
const RoleAdmin Role = "admin"

// Well-known header and session variable names.
const (
	HeaderAdminSecret = "X-Hasura-Admin-Secret"
	HeaderAccessKey   = "X-Hasura-Access-Key"
	HeaderRole        = "X-Hasura-Role"

	SessionPrefix  = "x-hasura-"
	SessionRoleKey = "x-hasura-role"
)

// Sentinel errors.
var (
	ErrEmptySecret = errors.New("auth: empty admin secret")
	ErrBadKey      = errors.New("auth: invalid jwt key")
)

// SessionVariables maps lower-cased x-hasura-* names to values.
type SessionVariables map[string]string

// Get looks a variable up case-insensitively.
func (s SessionVariables) Get(name string) (string, bool) {
	v, ok := s[strings.ToLower(name)]
	return v, ok
}

// Names returns the variable names in sorted order.
func (s SessionVariables) Names() []string {
	return slices.Sorted(maps.Keys(s))
}

// IsSessionVariable reports whether name is an x-hasura-* name.
func IsSessionVariable(name string) bool {
	return strings.HasPrefix(strings.ToLower(name), SessionPrefix)
}

// SessionFromHeaders collects x-hasura-* headers, excluding credentials.
func SessionFromHeaders(h http.Header) SessionVariables {
	vars := SessionVariables{}
	for name, values := range h {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, SessionPrefix) || len(values) == 0 {
			continue
		}
		if lower == strings.ToLower(HeaderAdminSecret) || lower == strings.ToLower(HeaderAccessKey) {
			continue
		}
		vars[lower] = values[0]
	}
	return vars
}

// Identity is the resolved caller.
type Identity struct {
	Role    Role             `json:"role"`
	Session SessionVariables `json:"session_variables"`
	// BackendAuth carries provider-specific metadata, such as the JWT subject.
	BackendAuth map[string]string `json:"-"`
}

// NewIdentity builds an Identity, recording the role as a session variable.
func NewIdentity(role Role, session SessionVariables) Identity {
	vars := make(SessionVariables, len(session)+1)
	for k, v := range session {
		vars[strings.ToLower(k)] = v
	}
	vars[SessionRoleKey] = string(role)
	return Identity{Role: role, Session: vars}
}

// IsAdmin reports whether the identity holds the privileged role.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}
