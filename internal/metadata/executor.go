package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/nerrad567/graygate/internal/apierr"
	"github.com/nerrad567/graygate/internal/infrastructure/config"
	"github.com/nerrad567/graygate/internal/schemacache"
)

// Cell is the schema cell shared by the server.
type Cell = schemacache.Cell[*SchemaCache]

// Snapshot is a versioned view of the schema cell.
type Snapshot = schemacache.Snapshot[*SchemaCache]

// errUnchanged aborts an update section that found nothing to do.
var errUnchanged = errors.New("metadata: unchanged")

// Command is one /v1/metadata request.
type Command struct {
	Type            string          `json:"type"`
	Args            json.RawMessage `json:"args,omitempty"`
	ResourceVersion *int64          `json:"resource_version,omitempty"`
	// Version 2 makes export_metadata include the resource version.
	Version int `json:"version,omitempty"`
}

// Executor runs metadata commands against the schema cell.
type Executor struct {
	cell    *Cell
	store   Persister
	builder *Builder
	modes   config.ModesConfig
}

// NewExecutor creates an Executor.
func NewExecutor(cell *Cell, store Persister, builder *Builder, modes config.ModesConfig) *Executor {
	return &Executor{cell: cell, store: store, builder: builder, modes: modes}
}

// Bootstrap loads the stored metadata and builds the startup cache.
func Bootstrap(ctx context.Context, store Persister, builder *Builder) (*SchemaCache, error) {
	doc, version, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return builder.Build(ctx, doc, version, OriginStartup), nil
}

// Mutating reports whether cmd changes metadata.
func Mutating(cmd Command) bool {
	if cmd.Type != "bulk" {
		h, ok := commands[cmd.Type]
		return ok && h.mutating
	}
	var sub []Command
	if err := json.Unmarshal(cmd.Args, &sub); err != nil {
		return true
	}
	return slices.ContainsFunc(sub, Mutating)
}

// Execute runs cmd against the current snapshot. See ExecuteAt.
func (e *Executor) Execute(ctx context.Context, cmd Command) (any, error) {
	return e.ExecuteAt(ctx, e.cell.Snapshot(), cmd)
}

// ExecuteAt runs cmd. Read-only commands answer from snap, the view the
// request was admitted with; mutating commands run inside the cell's update
// section against the latest snapshot, persist the new document and commit
// a rebuilt cache. A snapshot with no value falls back to the current one.
func (e *Executor) ExecuteAt(ctx context.Context, snap Snapshot, cmd Command) (any, error) {
	if _, ok := commands[cmd.Type]; !ok {
		return nil, apierr.Handler(apierr.CodeNotSupported, http.StatusBadRequest,
			fmt.Sprintf("unknown metadata command %q", cmd.Type)).WithPath("$.type")
	}

	if !Mutating(cmd) {
		if snap.Value == nil {
			snap = e.cell.Snapshot()
		}
		st := newState(ctx, snap.Value, e.builder, e.store)
		res, err := st.run(cmd)
		if err != nil {
			return nil, err
		}
		return resolve(res, st.base), nil
	}

	switch {
	case e.modes.ReadOnly:
		return nil, apierr.Handler(apierr.CodeReadOnlyMode, http.StatusBadRequest,
			"metadata cannot be modified while the server is in read-only mode")
	case e.modes.Maintenance:
		return nil, apierr.Handler(apierr.CodeMaintenanceMode, http.StatusBadRequest,
			"metadata cannot be modified while the server is in maintenance mode")
	}

	var result any
	_, err := e.cell.Update(ctx, func(cur Snapshot) (*SchemaCache, error) {
		base := cur.Value
		if cmd.ResourceVersion != nil && *cmd.ResourceVersion != base.version() {
			return nil, apierr.Handler(apierr.CodeConflict, http.StatusConflict,
				fmt.Sprintf("metadata resource version referenced (%d) did not match current version (%d)",
					*cmd.ResourceVersion, base.version()))
		}

		st := newState(ctx, base, e.builder, e.store)
		res, err := st.run(cmd)
		if err != nil {
			return nil, err
		}

		next, err := e.finish(ctx, st)
		if err != nil {
			return nil, err
		}
		result = resolve(res, next)
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// finish builds and, when the document changed, persists the working state.
func (e *Executor) finish(ctx context.Context, st *state) (*SchemaCache, error) {
	version := st.expected
	if st.dirty {
		version++
	}
	next := e.builder.Build(ctx, st.doc, version, OriginLocal)

	if !st.allowInconsistent {
		if added := newInconsistencies(st.base, next); len(added) > 0 {
			return nil, apierr.Handler(apierr.CodeMetadataInconsistent, http.StatusBadRequest,
				"cannot continue due to new inconsistent metadata").WithInternal(added)
		}
	}

	if st.dirty {
		saved, err := e.store.Save(ctx, st.doc, st.expected)
		if errors.Is(err, ErrConflict) {
			return nil, apierr.Handler(apierr.CodeConflict, http.StatusConflict,
				"metadata was modified concurrently, reload and retry").Wrap(err)
		}
		if err != nil {
			return nil, apierr.Internal(err)
		}
		next.ResourceVersion = saved
	}
	return next, nil
}

// Reload rebuilds the cache from the store if the stored resource version
// differs from the cached one. It reports whether a new cache was committed.
func (e *Executor) Reload(ctx context.Context, origin Origin) (bool, error) {
	_, err := e.cell.Update(ctx, func(cur Snapshot) (*SchemaCache, error) {
		doc, version, err := e.store.Load(ctx)
		if err != nil {
			return nil, err
		}
		if cur.Value != nil && version == cur.Value.version() {
			return nil, errUnchanged
		}
		return e.builder.Build(ctx, doc, version, origin), nil
	})
	if errors.Is(err, errUnchanged) {
		return false, nil
	}
	return err == nil, err
}

// Rebuild runs fn inside the update section and then rebuilds the cache
// from the current document, for operations such as schema-changing SQL
// that alter what the builder would see without touching metadata.
func (e *Executor) Rebuild(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	if e.modes.ReadOnly {
		return nil, apierr.Handler(apierr.CodeReadOnlyMode, http.StatusBadRequest,
			"schema changes are not allowed while the server is in read-only mode")
	}
	var result any
	_, err := e.cell.Update(ctx, func(cur Snapshot) (*SchemaCache, error) {
		res, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		result = res
		doc := Empty()
		if cur.Value != nil {
			doc = cur.Value.Metadata
		}
		return e.builder.Build(ctx, doc, cur.Value.version(), OriginLocal), nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *SchemaCache) version() int64 {
	if c == nil {
		return 0
	}
	return c.ResourceVersion
}

// annotate prefixes the error path with the position of a bulk command.
func annotate(err error, index int) error {
	e := apierr.From(err)
	path := strings.TrimPrefix(e.Path, "$")
	return e.WithPath(fmt.Sprintf("$.args[%d]%s", index, path))
}

func newInconsistencies(before, after *SchemaCache) []InconsistentObject {
	known := map[string]bool{}
	if before != nil {
		for _, o := range before.Inconsistent {
			known[o.key()] = true
		}
	}
	var added []InconsistentObject
	for _, o := range after.Inconsistent {
		if !known[o.key()] {
			added = append(added, o)
		}
	}
	return added
}

// lateResult is a command result that depends on the cache built after
// the command ran.
type lateResult func(*SchemaCache) any

func resolve(res any, c *SchemaCache) any {
	switch r := res.(type) {
	case lateResult:
		return r(c)
	case []any:
		out := make([]any, len(r))
		for i, v := range r {
			out[i] = resolve(v, c)
		}
		return out
	default:
		return res
	}
}

// state is the working copy a command sequence edits.
type state struct {
	ctx     context.Context
	base    *SchemaCache
	builder *Builder
	store   Persister

	doc               Document
	expected          int64
	dirty             bool
	allowInconsistent bool
}

func newState(ctx context.Context, base *SchemaCache, b *Builder, store Persister) *state {
	st := &state{ctx: ctx, base: base, builder: b, store: store, doc: Empty()}
	if base != nil {
		st.doc = base.Metadata.Clone()
		st.expected = base.ResourceVersion
	}
	return st
}

func (st *state) run(cmd Command) (any, error) {
	h, ok := commands[cmd.Type]
	if !ok {
		return nil, apierr.Handler(apierr.CodeNotSupported, http.StatusBadRequest,
			fmt.Sprintf("unknown metadata command %q", cmd.Type)).WithPath("$.type")
	}
	return h.run(st, cmd)
}

// current returns the cache for the working document, building it only if
// the document has changed.
func (st *state) current() *SchemaCache {
	if !st.dirty && st.base != nil {
		return st.base
	}
	return st.builder.Build(st.ctx, st.doc, st.expected, OriginLocal)
}

// decodeArgs strictly decodes command arguments into v.
func decodeArgs(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apierr.Decode(apierr.CodeParseFailed, "invalid args: "+err.Error()).WithPath("$.args")
	}
	return nil
}

func notExists(what, name string) *apierr.Error {
	return apierr.Handler(apierr.CodeNotFound, http.StatusBadRequest, fmt.Sprintf("%s %q does not exist", what, name))
}

func alreadyExists(what, name string) *apierr.Error {
	return apierr.Handler(apierr.CodeAlreadyExists, http.StatusBadRequest, fmt.Sprintf("%s %q already exists", what, name))
}

func invalid(format string, args ...any) *apierr.Error {
	return apierr.Handler(apierr.CodeValidationFailed, http.StatusBadRequest, fmt.Sprintf(format, args...))
}

func dependents(what, name string, deps []string) *apierr.Error {
	return invalid("cannot drop %s %q due to the following dependent objects: %s", what, name, strings.Join(deps, ", "))
}
