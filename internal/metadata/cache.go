package metadata

import (
	"slices"
	"strings"
)

// Origin records why a SchemaCache was built.
type Origin string

// Cache origins.
const (
	OriginStartup Origin = "startup"
	// OriginLocal caches come from a metadata command on this instance.
	OriginLocal Origin = "local"
	// OriginSync caches were reloaded after another instance changed the store.
	OriginSync Origin = "sync"
)

// InconsistentObject is a metadata object the builder could not use.
type InconsistentObject struct {
	Type       string `json:"type"`
	Name       string `json:"name"`
	Reason     string `json:"reason"`
	Definition any    `json:"definition,omitempty"`
}

// key identifies the object across rebuilds.
func (o InconsistentObject) key() string {
	return o.Type + "/" + o.Name
}

// ResolvedSource is a consistent Source with its connection URL resolved.
type ResolvedSource struct {
	Name     string
	Kind     string
	URL      string
	MaxConns int32
}

// Endpoint is a compiled RestEndpoint.
type Endpoint struct {
	Name     string
	Methods  []string
	Query    string
	segments []string
}

// SchemaCache is the immutable value held by the server's schema cell.
// Handlers must treat it as read-only.
type SchemaCache struct {
	Metadata        Document
	ResourceVersion int64
	Origin          Origin

	Sources      map[string]ResolvedSource
	Endpoints    []Endpoint
	Upstream     *RemoteUpstream
	Inconsistent []InconsistentObject

	// allowlist holds the normalized text of every allowlisted query.
	allowlist map[string]struct{}
}

// Consistent reports whether every metadata object was usable.
func (c *SchemaCache) Consistent() bool {
	return c == nil || len(c.Inconsistent) == 0
}

// Source returns a consistent source by name.
func (c *SchemaCache) Source(name string) (ResolvedSource, bool) {
	if c == nil {
		return ResolvedSource{}, false
	}
	s, ok := c.Sources[name]
	return s, ok
}

// Allows reports whether query text is on the allowlist. normalized must be
// the output of gql.Normalize.
func (c *SchemaCache) Allows(normalized string) bool {
	if c == nil {
		return false
	}
	_, ok := c.allowlist[normalized]
	return ok
}

// MatchEndpoint finds the REST endpoint for method and path (the part after
// /api/rest/). It returns the path parameters bound by the URL template.
// When a template matches but the method does not, methodAllowed is false.
func (c *SchemaCache) MatchEndpoint(method, path string) (ep Endpoint, params map[string]string, found, methodAllowed bool) {
	if c == nil {
		return Endpoint{}, nil, false, false
	}
	parts := splitPath(path)
	for _, e := range c.Endpoints {
		p, ok := e.match(parts)
		if !ok {
			continue
		}
		found = true
		if slices.Contains(e.Methods, strings.ToUpper(method)) {
			return e, p, true, true
		}
	}
	return Endpoint{}, nil, found, false
}

func (e Endpoint) match(parts []string) (map[string]string, bool) {
	if len(parts) != len(e.segments) {
		return nil, false
	}
	var params map[string]string
	for i, seg := range e.segments {
		if name, ok := strings.CutPrefix(seg, ":"); ok {
			if params == nil {
				params = map[string]string{}
			}
			params[name] = parts[i]
			continue
		}
		if seg != parts[i] {
			return nil, false
		}
	}
	return params, true
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
