package metadata

import (
	"encoding/json"
	"slices"
	"strings"
)

// command is one entry of the metadata API.
type command struct {
	mutating bool
	run      func(st *state, cmd Command) (any, error)
}

// commands is populated in init to break the bulk -> commands cycle.
var commands map[string]command

func init() {
	commands = map[string]command{
		"export_metadata":           {run: exportMetadata},
		"get_inconsistent_metadata": {run: getInconsistent},

		"replace_metadata":               {mutating: true, run: replaceMetadata},
		"reload_metadata":                {mutating: true, run: reloadMetadata},
		"clear_metadata":                 {mutating: true, run: clearMetadata},
		"drop_inconsistent_metadata":     {mutating: true, run: dropInconsistent},
		"add_source":                     {mutating: true, run: addSource},
		"drop_source":                    {mutating: true, run: dropSource},
		"create_query_collection":        {mutating: true, run: createCollection},
		"drop_query_collection":          {mutating: true, run: dropCollection},
		"add_query_to_collection":        {mutating: true, run: addQuery},
		"drop_query_from_collection":     {mutating: true, run: dropQuery},
		"add_collection_to_allowlist":    {mutating: true, run: addToAllowlist},
		"drop_collection_from_allowlist": {mutating: true, run: dropFromAllowlist},
		"create_rest_endpoint":           {mutating: true, run: createEndpoint},
		"add_rest_endpoint":              {mutating: true, run: createEndpoint},
		"drop_rest_endpoint":             {mutating: true, run: dropEndpoint},
		"set_remote_upstream":            {mutating: true, run: setUpstream},

		"bulk": {mutating: true, run: bulk},
	}
}

// Success is the result of a mutating command.
type Success struct {
	Message string `json:"message"`
}

var success = Success{Message: "success"}

// Inconsistency reports the consistency of a cache.
type Inconsistency struct {
	IsConsistent        bool                 `json:"is_consistent"`
	InconsistentObjects []InconsistentObject `json:"inconsistent_objects"`
}

func inconsistencyOf(c *SchemaCache) Inconsistency {
	objs := []InconsistentObject{}
	if c != nil {
		objs = append(objs, c.Inconsistent...)
	}
	return Inconsistency{IsConsistent: len(objs) == 0, InconsistentObjects: objs}
}

// ─── Read-only ─────────────────────────────────────────────────────

func exportMetadata(st *state, cmd Command) (any, error) {
	if err := decodeArgs(cmd.Args, &struct{}{}); err != nil {
		return nil, err
	}
	if cmd.Version >= 2 {
		return struct {
			ResourceVersion int64    `json:"resource_version"`
			Metadata        Document `json:"metadata"`
		}{st.expected, st.doc}, nil
	}
	return st.doc, nil
}

func getInconsistent(st *state, cmd Command) (any, error) {
	if err := decodeArgs(cmd.Args, &struct{}{}); err != nil {
		return nil, err
	}
	return inconsistencyOf(st.current()), nil
}

// ─── Whole document ────────────────────────────────────────────────

func replaceMetadata(st *state, cmd Command) (any, error) {
	var wrapped struct {
		AllowInconsistent bool      `json:"allow_inconsistent_metadata"`
		Metadata          *Document `json:"metadata"`
	}
	var doc Document
	if json.Unmarshal(cmd.Args, &wrapped) == nil && wrapped.Metadata != nil {
		if err := decodeArgs(cmd.Args, &wrapped); err != nil {
			return nil, err
		}
		doc = *wrapped.Metadata
		st.allowInconsistent = st.allowInconsistent || wrapped.AllowInconsistent
	} else if err := decodeArgs(cmd.Args, &doc); err != nil {
		return nil, err
	}

	if doc.Version == 0 {
		doc.Version = FormatVersion
	}
	if doc.Version != FormatVersion {
		return nil, invalid("unsupported metadata version %d", doc.Version)
	}
	if doc.Sources == nil {
		doc.Sources = []Source{}
	}
	st.doc = doc
	st.dirty = true

	if wrapped.Metadata != nil {
		return lateResult(func(c *SchemaCache) any { return inconsistencyOf(c) }), nil
	}
	return success, nil
}

func reloadMetadata(st *state, cmd Command) (any, error) {
	var args struct {
		ReloadSources any `json:"reload_sources,omitempty"`
	}
	if err := decodeArgs(cmd.Args, &args); err != nil {
		return nil, err
	}
	doc, version, err := st.store.Load(st.ctx)
	if err != nil {
		return nil, err
	}
	st.doc = doc
	st.expected = version
	st.allowInconsistent = true
	return lateResult(func(c *SchemaCache) any {
		return struct {
			Message string `json:"message"`
			Inconsistency
		}{"success", inconsistencyOf(c)}
	}), nil
}

func clearMetadata(st *state, cmd Command) (any, error) {
	if err := decodeArgs(cmd.Args, &struct{}{}); err != nil {
		return nil, err
	}
	st.doc = Empty()
	st.dirty = true
	return success, nil
}

func dropInconsistent(st *state, cmd Command) (any, error) {
	if err := decodeArgs(cmd.Args, &struct{}{}); err != nil {
		return nil, err
	}
	for _, o := range st.current().Inconsistent {
		switch o.Type {
		case "source":
			st.doc.Sources = dropNamed(st.doc.Sources, o.Name, func(s Source) string { return s.Name })
		case "query_collection":
			st.doc.QueryCollections = dropNamed(st.doc.QueryCollections, o.Name, func(c QueryCollection) string { return c.Name })
		case "collection_query":
			coll, query, _ := strings.Cut(o.Name, ".")
			if i := st.doc.CollectionIndex(coll); i >= 0 {
				qs := &st.doc.QueryCollections[i].Definition.Queries
				*qs = dropNamed(*qs, query, func(q CollectionQuery) string { return q.Name })
			}
		case "allowlist":
			st.doc.Allowlist = dropNamed(st.doc.Allowlist, o.Name, func(a AllowlistEntry) string { return a.Collection })
		case "rest_endpoint":
			st.doc.RestEndpoints = dropNamed(st.doc.RestEndpoints, o.Name, func(e RestEndpoint) string { return e.Name })
		case "remote_upstream":
			st.doc.RemoteUpstream = nil
		}
	}
	st.dirty = true
	return success, nil
}

// dropNamed removes the entries called name. When the name is duplicated
// the first entry is kept, since only later ones are reported.
func dropNamed[T any](items []T, name string, nameOf func(T) string) []T {
	count := 0
	for _, it := range items {
		if nameOf(it) == name {
			count++
		}
	}
	seen := false
	return slices.DeleteFunc(items, func(it T) bool {
		if nameOf(it) != name {
			return false
		}
		if count > 1 && !seen {
			seen = true
			return false
		}
		return true
	})
}

// ─── Sources ───────────────────────────────────────────────────────

func addSource(st *state, cmd Command) (any, error) {
	var args struct {
		Source
		ReplaceConfiguration bool `json:"replace_configuration"`
	}
	if err := decodeArgs(cmd.Args, &args); err != nil {
		return nil, err
	}
	if args.Name == "" {
		return nil, invalid("source name is required")
	}
	if args.Kind == "" {
		args.Kind = KindPostgres
	}

	if i := st.doc.SourceIndex(args.Name); i >= 0 {
		if !args.ReplaceConfiguration {
			return nil, alreadyExists("source", args.Name)
		}
		st.doc.Sources[i] = args.Source
	} else {
		st.doc.Sources = append(st.doc.Sources, args.Source)
	}
	st.dirty = true
	return success, nil
}

func dropSource(st *state, cmd Command) (any, error) {
	var args struct {
		Name    string `json:"name"`
		Cascade bool   `json:"cascade"`
	}
	if err := decodeArgs(cmd.Args, &args); err != nil {
		return nil, err
	}
	i := st.doc.SourceIndex(args.Name)
	if i < 0 {
		return nil, notExists("source", args.Name)
	}
	st.doc.Sources = slices.Delete(st.doc.Sources, i, i+1)
	st.dirty = true
	return success, nil
}

// ─── Query collections and allowlist ───────────────────────────────

func createCollection(st *state, cmd Command) (any, error) {
	var args QueryCollection
	if err := decodeArgs(cmd.Args, &args); err != nil {
		return nil, err
	}
	if args.Name == "" {
		return nil, invalid("collection name is required")
	}
	if st.doc.CollectionIndex(args.Name) >= 0 {
		return nil, alreadyExists("query collection", args.Name)
	}
	seen := map[string]bool{}
	for _, q := range args.Definition.Queries {
		if seen[q.Name] {
			return nil, invalid("query %q appears more than once in collection %q", q.Name, args.Name)
		}
		seen[q.Name] = true
	}
	st.doc.QueryCollections = append(st.doc.QueryCollections, args)
	st.dirty = true
	return success, nil
}

func dropCollection(st *state, cmd Command) (any, error) {
	var args struct {
		Collection string `json:"collection"`
		Cascade    bool   `json:"cascade"`
	}
	if err := decodeArgs(cmd.Args, &args); err != nil {
		return nil, err
	}
	i := st.doc.CollectionIndex(args.Collection)
	if i < 0 {
		return nil, notExists("query collection", args.Collection)
	}

	var deps []string
	if st.doc.Allowlisted(args.Collection) {
		deps = append(deps, "allowlist")
	}
	for _, e := range st.doc.RestEndpoints {
		if e.Definition.Query.CollectionName == args.Collection {
			deps = append(deps, "rest endpoint "+e.Name)
		}
	}
	if len(deps) > 0 && !args.Cascade {
		return nil, dependents("query collection", args.Collection, deps)
	}

	st.doc.QueryCollections = slices.Delete(st.doc.QueryCollections, i, i+1)
	st.doc.Allowlist = slices.DeleteFunc(st.doc.Allowlist, func(a AllowlistEntry) bool { return a.Collection == args.Collection })
	st.doc.RestEndpoints = slices.DeleteFunc(st.doc.RestEndpoints, func(e RestEndpoint) bool {
		return e.Definition.Query.CollectionName == args.Collection
	})
	st.dirty = true
	return success, nil
}

type queryArgs struct {
	CollectionName string `json:"collection_name"`
	QueryName      string `json:"query_name"`
	Query          string `json:"query,omitempty"`
}

func addQuery(st *state, cmd Command) (any, error) {
	var args queryArgs
	if err := decodeArgs(cmd.Args, &args); err != nil {
		return nil, err
	}
	i := st.doc.CollectionIndex(args.CollectionName)
	if i < 0 {
		return nil, notExists("query collection", args.CollectionName)
	}
	if _, ok := st.doc.Query(QueryRef{args.CollectionName, args.QueryName}); ok {
		return nil, alreadyExists("query", args.QueryName)
	}
	if args.QueryName == "" || args.Query == "" {
		return nil, invalid("query_name and query are required")
	}
	qs := &st.doc.QueryCollections[i].Definition.Queries
	*qs = append(*qs, CollectionQuery{Name: args.QueryName, Query: args.Query})
	st.dirty = true
	return success, nil
}

func dropQuery(st *state, cmd Command) (any, error) {
	var args queryArgs
	if err := decodeArgs(cmd.Args, &args); err != nil {
		return nil, err
	}
	ref := QueryRef{args.CollectionName, args.QueryName}
	if _, ok := st.doc.Query(ref); !ok {
		return nil, notExists("query", args.CollectionName+"."+args.QueryName)
	}
	var deps []string
	for _, e := range st.doc.RestEndpoints {
		if e.Definition.Query == ref {
			deps = append(deps, "rest endpoint "+e.Name)
		}
	}
	if len(deps) > 0 {
		return nil, dependents("query", args.QueryName, deps)
	}
	i := st.doc.CollectionIndex(args.CollectionName)
	qs := &st.doc.QueryCollections[i].Definition.Queries
	*qs = slices.DeleteFunc(*qs, func(q CollectionQuery) bool { return q.Name == args.QueryName })
	st.dirty = true
	return success, nil
}

func addToAllowlist(st *state, cmd Command) (any, error) {
	var args AllowlistEntry
	if err := decodeArgs(cmd.Args, &args); err != nil {
		return nil, err
	}
	if st.doc.CollectionIndex(args.Collection) < 0 {
		return nil, notExists("query collection", args.Collection)
	}
	if st.doc.Allowlisted(args.Collection) {
		return nil, alreadyExists("allowlist entry", args.Collection)
	}
	st.doc.Allowlist = append(st.doc.Allowlist, args)
	st.dirty = true
	return success, nil
}

func dropFromAllowlist(st *state, cmd Command) (any, error) {
	var args AllowlistEntry
	if err := decodeArgs(cmd.Args, &args); err != nil {
		return nil, err
	}
	if !st.doc.Allowlisted(args.Collection) {
		return nil, notExists("allowlist entry", args.Collection)
	}
	st.doc.Allowlist = slices.DeleteFunc(st.doc.Allowlist, func(a AllowlistEntry) bool { return a.Collection == args.Collection })
	st.dirty = true
	return success, nil
}

// ─── REST endpoints and upstream ───────────────────────────────────

func createEndpoint(st *state, cmd Command) (any, error) {
	var args RestEndpoint
	if err := decodeArgs(cmd.Args, &args); err != nil {
		return nil, err
	}
	if args.Name == "" || args.URL == "" {
		return nil, invalid("name and url are required")
	}
	if st.doc.EndpointIndex(args.Name) >= 0 {
		return nil, alreadyExists("rest endpoint", args.Name)
	}
	if _, ok := st.doc.Query(args.Definition.Query); !ok {
		ref := args.Definition.Query
		return nil, notExists("query", ref.CollectionName+"."+ref.QueryName)
	}
	st.doc.RestEndpoints = append(st.doc.RestEndpoints, args)
	st.dirty = true
	return success, nil
}

func dropEndpoint(st *state, cmd Command) (any, error) {
	var args struct {
		Name string `json:"name"`
	}
	if err := decodeArgs(cmd.Args, &args); err != nil {
		return nil, err
	}
	i := st.doc.EndpointIndex(args.Name)
	if i < 0 {
		return nil, notExists("rest endpoint", args.Name)
	}
	st.doc.RestEndpoints = slices.Delete(st.doc.RestEndpoints, i, i+1)
	st.dirty = true
	return success, nil
}

func setUpstream(st *state, cmd Command) (any, error) {
	var args RemoteUpstream
	if err := decodeArgs(cmd.Args, &args); err != nil {
		return nil, err
	}
	if args.URL == "" {
		st.doc.RemoteUpstream = nil
	} else {
		st.doc.RemoteUpstream = &args
	}
	st.dirty = true
	return success, nil
}

// ─── Bulk ──────────────────────────────────────────────────────────

// bulk runs its commands in order against one working document. Any
// failure discards the whole batch.
func bulk(st *state, cmd Command) (any, error) {
	var sub []Command
	if err := decodeArgs(cmd.Args, &sub); err != nil {
		return nil, err
	}
	results := make([]any, 0, len(sub))
	for i, c := range sub {
		if c.Type == "bulk" {
			return nil, invalid("bulk commands cannot be nested")
		}
		res, err := st.run(c)
		if err != nil {
			return nil, annotate(err, i)
		}
		results = append(results, res)
	}
	return results, nil
}
