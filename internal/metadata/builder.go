package metadata

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"

	"github.com/nerrad567/graygate/internal/gql"
)

// SourceChecker verifies that a resolved source can be reached.
type SourceChecker func(ctx context.Context, s ResolvedSource) error

// Builder derives SchemaCache values from metadata documents.
type Builder struct {
	check  SourceChecker
	getenv func(string) string
}

// NewBuilder creates a Builder. check may be nil to skip connectivity
// checks.
func NewBuilder(check SourceChecker) *Builder {
	return &Builder{check: check, getenv: os.Getenv}
}

var restMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}

// Build compiles doc. It never fails: objects that cannot be used are left
// out of the cache and listed in Inconsistent.
func (b *Builder) Build(ctx context.Context, doc Document, resourceVersion int64, origin Origin) *SchemaCache {
	c := &SchemaCache{
		Metadata:        doc,
		ResourceVersion: resourceVersion,
		Origin:          origin,
		Sources:         map[string]ResolvedSource{},
		allowlist:       map[string]struct{}{},
	}

	b.buildSources(ctx, c, doc)
	collections := b.buildCollections(c, doc)
	b.buildAllowlist(c, doc, collections)
	b.buildEndpoints(c, doc, collections)
	b.buildUpstream(c, doc)
	return c
}

func (c *SchemaCache) inconsistent(typ, name, reason string, def any) {
	c.Inconsistent = append(c.Inconsistent, InconsistentObject{Type: typ, Name: name, Reason: reason, Definition: def})
}

func (b *Builder) buildSources(ctx context.Context, c *SchemaCache, doc Document) {
	for _, s := range doc.Sources {
		if _, dup := c.Sources[s.Name]; dup {
			c.inconsistent("source", s.Name, "duplicate source name", s)
			continue
		}
		if s.Kind != KindPostgres {
			c.inconsistent("source", s.Name, fmt.Sprintf("unsupported source kind %q", s.Kind), s)
			continue
		}

		rs := ResolvedSource{Name: s.Name, Kind: s.Kind, URL: s.Configuration.ConnectionURL, MaxConns: s.Configuration.MaxConns}
		if env := s.Configuration.FromEnv; env != "" {
			rs.URL = b.getenv(env)
			if rs.URL == "" {
				c.inconsistent("source", s.Name, fmt.Sprintf("environment variable %q is not set", env), s)
				continue
			}
		}
		if rs.URL == "" {
			c.inconsistent("source", s.Name, "connection_url is required", s)
			continue
		}
		if b.check != nil {
			if err := b.check(ctx, rs); err != nil {
				c.inconsistent("source", s.Name, "source is not reachable: "+err.Error(), s)
				continue
			}
		}
		c.Sources[s.Name] = rs
	}
}

// buildCollections returns the normalized text of every parsable query,
// keyed by collection then query name.
func (b *Builder) buildCollections(c *SchemaCache, doc Document) map[string]map[string]string {
	out := map[string]map[string]string{}
	for _, coll := range doc.QueryCollections {
		if _, dup := out[coll.Name]; dup {
			c.inconsistent("query_collection", coll.Name, "duplicate collection name", coll)
			continue
		}
		queries := map[string]string{}
		for _, q := range coll.Definition.Queries {
			name := coll.Name + "." + q.Name
			if _, dup := queries[q.Name]; dup {
				c.inconsistent("collection_query", name, "duplicate query name", q)
				continue
			}
			normalized, err := gql.Normalize(q.Query)
			if err != nil {
				c.inconsistent("collection_query", name, err.Error(), q)
				continue
			}
			queries[q.Name] = normalized
		}
		out[coll.Name] = queries
	}
	return out
}

func (b *Builder) buildAllowlist(c *SchemaCache, doc Document, collections map[string]map[string]string) {
	for _, entry := range doc.Allowlist {
		queries, ok := collections[entry.Collection]
		if !ok {
			c.inconsistent("allowlist", entry.Collection, "query collection does not exist", entry)
			continue
		}
		for _, normalized := range queries {
			c.allowlist[normalized] = struct{}{}
		}
	}
}

func (b *Builder) buildEndpoints(c *SchemaCache, doc Document, collections map[string]map[string]string) {
	seen := map[string]bool{}
	taken := map[string]string{}
	for _, e := range doc.RestEndpoints {
		if seen[e.Name] {
			c.inconsistent("rest_endpoint", e.Name, "duplicate endpoint name", e)
			continue
		}
		seen[e.Name] = true

		segments, err := compileTemplate(e.URL)
		if err != nil {
			c.inconsistent("rest_endpoint", e.Name, err.Error(), e)
			continue
		}
		methods, err := normalizeMethods(e.Methods)
		if err != nil {
			c.inconsistent("rest_endpoint", e.Name, err.Error(), e)
			continue
		}

		ref := e.Definition.Query
		if _, ok := collections[ref.CollectionName][ref.QueryName]; !ok {
			c.inconsistent("rest_endpoint", e.Name,
				fmt.Sprintf("query %q not found in collection %q", ref.QueryName, ref.CollectionName), e)
			continue
		}
		q, _ := doc.Query(ref)
		op, err := gql.ParseOperation(gql.Request{Query: q.Query})
		if err != nil {
			c.inconsistent("rest_endpoint", e.Name, err.Error(), e)
			continue
		}
		if op.Type == gql.Subscription {
			c.inconsistent("rest_endpoint", e.Name, "subscriptions cannot be exposed as REST endpoints", e)
			continue
		}

		shape := templateShape(segments)
		var clash string
		for _, m := range methods {
			if owner, ok := taken[m+" "+shape]; ok {
				clash = owner
				break
			}
		}
		if clash != "" {
			c.inconsistent("rest_endpoint", e.Name, fmt.Sprintf("conflicts with endpoint %q", clash), e)
			continue
		}
		for _, m := range methods {
			taken[m+" "+shape] = e.Name
		}

		c.Endpoints = append(c.Endpoints, Endpoint{Name: e.Name, Methods: methods, Query: q.Query, segments: segments})
	}
}

func (b *Builder) buildUpstream(c *SchemaCache, doc Document) {
	u := doc.RemoteUpstream
	if u == nil {
		return
	}
	parsed, err := url.Parse(u.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		c.inconsistent("remote_upstream", u.URL, "url must be an absolute http(s) URL", u)
		return
	}
	c.Upstream = u
}

func compileTemplate(tmpl string) ([]string, error) {
	segments := splitPath(tmpl)
	if len(segments) == 0 {
		return nil, fmt.Errorf("url template is empty")
	}
	params := map[string]bool{}
	for _, seg := range segments {
		if seg == "" {
			return nil, fmt.Errorf("url template %q has an empty segment", tmpl)
		}
		if name, ok := strings.CutPrefix(seg, ":"); ok {
			if name == "" {
				return nil, fmt.Errorf("url template %q has an unnamed parameter", tmpl)
			}
			if params[name] {
				return nil, fmt.Errorf("url template %q repeats parameter %q", tmpl, name)
			}
			params[name] = true
		}
	}
	return segments, nil
}

// templateShape replaces parameter names so that "a/:x" and "a/:y" collide.
func templateShape(segments []string) string {
	shape := make([]string, len(segments))
	for i, s := range segments {
		if strings.HasPrefix(s, ":") {
			s = ":"
		}
		shape[i] = s
	}
	return strings.Join(shape, "/")
}

func normalizeMethods(in []string) ([]string, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("at least one method is required")
	}
	out := make([]string, 0, len(in))
	for _, m := range in {
		m = strings.ToUpper(strings.TrimSpace(m))
		if !slices.Contains(restMethods, m) {
			return nil, fmt.Errorf("unsupported method %q", m)
		}
		if !slices.Contains(out, m) {
			out = append(out, m)
		}
	}
	return out, nil
}
