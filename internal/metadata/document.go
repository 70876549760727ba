package metadata

import (
	"maps"
	"slices"
)

// FormatVersion is the metadata document format written by this server.
const FormatVersion = 3

// Document is the persisted metadata.
type Document struct {
	Version          int               `json:"version"`
	Sources          []Source          `json:"sources"`
	QueryCollections []QueryCollection `json:"query_collections,omitempty"`
	Allowlist        []AllowlistEntry  `json:"allowlist,omitempty"`
	RestEndpoints    []RestEndpoint    `json:"rest_endpoints,omitempty"`
	RemoteUpstream   *RemoteUpstream   `json:"remote_upstream,omitempty"`
}

// Empty returns a document with no objects.
func Empty() Document {
	return Document{Version: FormatVersion, Sources: []Source{}}
}

// Source is a database the query API can run SQL against.
type Source struct {
	Name          string       `json:"name"`
	Kind          string       `json:"kind"`
	Configuration SourceConfig `json:"configuration"`
}

// SourceConfig holds connection settings for a Source.
type SourceConfig struct {
	ConnectionURL string `json:"connection_url,omitempty"`
	// FromEnv names an environment variable holding the URL, read at build time.
	FromEnv       string `json:"from_env,omitempty"`
	MaxConns      int32  `json:"max_connections,omitempty"`
}

// Source kinds understood by the builder.
const (
	KindPostgres = "postgres"
)

// QueryCollection is a named set of GraphQL queries.
type QueryCollection struct {
	Name       string              `json:"name"`
	Comment    string              `json:"comment,omitempty"`
	Definition CollectionQueryList `json:"definition"`
}

// CollectionQueryList wraps the queries of a collection.
type CollectionQueryList struct {
	Queries []CollectionQuery `json:"queries"`
}

// CollectionQuery is one named query text.
type CollectionQuery struct {
	Name  string `json:"name"`
	Query string `json:"query"`
}

// AllowlistEntry admits every query of a collection.
type AllowlistEntry struct {
	Collection string `json:"collection"`
}

// RestEndpoint exposes a collection query under /api/rest/<URL>.
type RestEndpoint struct {
	Name       string             `json:"name"`
	URL        string             `json:"url"`
	Methods    []string           `json:"methods"`
	Definition RestEndpointTarget `json:"definition"`
	Comment    string             `json:"comment,omitempty"`
}

// RestEndpointTarget names the collection query a RestEndpoint runs.
type RestEndpointTarget struct {
	Query QueryRef `json:"query"`
}

// QueryRef points at a query inside a collection.
type QueryRef struct {
	CollectionName string `json:"collection_name"`
	QueryName      string `json:"query_name"`
}

// RemoteUpstream is the GraphQL executor requests are forwarded to.
type RemoteUpstream struct {
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`

	// ForwardClientHeaders passes the caller's non-credential headers on.
	ForwardClientHeaders bool `json:"forward_client_headers,omitempty"`
}

// Clone returns a deep copy, so commands can edit a working document
// without touching the one held by the current cache.
func (d Document) Clone() Document {
	out := d
	out.Sources = slices.Clone(d.Sources)
	if out.Sources == nil {
		out.Sources = []Source{}
	}
	out.QueryCollections = make([]QueryCollection, len(d.QueryCollections))
	for i, c := range d.QueryCollections {
		c.Definition.Queries = slices.Clone(c.Definition.Queries)
		out.QueryCollections[i] = c
	}
	out.Allowlist = slices.Clone(d.Allowlist)
	out.RestEndpoints = make([]RestEndpoint, len(d.RestEndpoints))
	for i, e := range d.RestEndpoints {
		e.Methods = slices.Clone(e.Methods)
		out.RestEndpoints[i] = e
	}
	if d.RemoteUpstream != nil {
		u := *d.RemoteUpstream
		u.Headers = maps.Clone(u.Headers)
		out.RemoteUpstream = &u
	}
	return out
}

// SourceIndex returns the position of the named source, or -1.
func (d Document) SourceIndex(name string) int {
	return slices.IndexFunc(d.Sources, func(s Source) bool { return s.Name == name })
}

// CollectionIndex returns the position of the named collection, or -1.
func (d Document) CollectionIndex(name string) int {
	return slices.IndexFunc(d.QueryCollections, func(c QueryCollection) bool { return c.Name == name })
}

// EndpointIndex returns the position of the named REST endpoint, or -1.
func (d Document) EndpointIndex(name string) int {
	return slices.IndexFunc(d.RestEndpoints, func(e RestEndpoint) bool { return e.Name == name })
}

// Allowlisted reports whether the named collection is on the allowlist.
func (d Document) Allowlisted(collection string) bool {
	return slices.ContainsFunc(d.Allowlist, func(a AllowlistEntry) bool { return a.Collection == collection })
}

// Query looks up a collection query.
func (d Document) Query(ref QueryRef) (CollectionQuery, bool) {
	i := d.CollectionIndex(ref.CollectionName)
	if i < 0 {
		return CollectionQuery{}, false
	}
	for _, q := range d.QueryCollections[i].Definition.Queries {
		if q.Name == ref.QueryName {
			return q, true
		}
	}
	return CollectionQuery{}, false
}
