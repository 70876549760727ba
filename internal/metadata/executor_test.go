package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/nerrad567/graygate/internal/apierr"
	"github.com/nerrad567/graygate/internal/infrastructure/config"
	"github.com/nerrad567/graygate/internal/schemacache"
)

// memStore is an in-memory Persister.
type memStore struct {
	mu      sync.Mutex
	doc     Document
	version int64
	saves   int
	loadErr error
}

func (m *memStore) Load(context.Context) (Document, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return Document{}, 0, m.loadErr
	}
	return m.doc.Clone(), m.version, nil
}

func (m *memStore) Save(_ context.Context, doc Document, expected int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if expected != m.version {
		return 0, ErrConflict
	}
	m.doc = doc.Clone()
	m.version++
	m.saves++
	return m.version, nil
}

type fixture struct {
	store *memStore
	cell  *Cell
	exec  *Executor
}

func newFixture(t *testing.T, doc Document, modes config.ModesConfig) *fixture {
	t.Helper()
	store := &memStore{doc: doc, version: 1}
	builder := NewBuilder(nil)
	initial, err := Bootstrap(context.Background(), store, builder)
	if err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	cell := schemacache.New(initial)
	return &fixture{store: store, cell: cell, exec: NewExecutor(cell, store, builder, modes)}
}

func cmd(t *testing.T, typ string, args any) Command {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	return Command{Type: typ, Args: raw}
}

func wantCode(t *testing.T, err error, code apierr.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("error = nil, want %s", code)
	}
	if got := apierr.From(err).Code; got != code {
		t.Errorf("code = %s, want %s (%v)", got, code, err)
	}
}

// ─── Read-only commands ────────────────────────────────────────────

func TestExecute_Export(t *testing.T) {
	f := newFixture(t, sampleDocument(), config.ModesConfig{})
	ctx := context.Background()

	res, err := f.exec.Execute(ctx, Command{Type: "export_metadata", Args: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	doc, ok := res.(Document)
	if !ok || len(doc.Sources) != 1 {
		t.Errorf("export = %#v", res)
	}

	res, err = f.exec.Execute(ctx, Command{Type: "export_metadata", Version: 2})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	b, _ := json.Marshal(res)
	var v2 struct {
		ResourceVersion int64    `json:"resource_version"`
		Metadata        Document `json:"metadata"`
	}
	if err := json.Unmarshal(b, &v2); err != nil {
		t.Fatalf("decoding v2 export: %v", err)
	}
	if v2.ResourceVersion != 1 || len(v2.Metadata.Sources) != 1 {
		t.Errorf("v2 export = %+v", v2)
	}
	if f.cell.Version() != 0 {
		t.Errorf("read-only command moved the cell to version %d", f.cell.Version())
	}
}

func TestExecuteAt_ReadsAdmissionSnapshot(t *testing.T) {
	f := newFixture(t, sampleDocument(), config.ModesConfig{})
	ctx := context.Background()

	admitted := f.cell.Snapshot()
	if _, err := f.exec.Execute(ctx, Command{Type: "clear_metadata"}); err != nil {
		t.Fatalf("clear_metadata error = %v", err)
	}

	export := func(snap Snapshot) (int64, int) {
		t.Helper()
		res, err := f.exec.ExecuteAt(ctx, snap, Command{Type: "export_metadata", Version: 2})
		if err != nil {
			t.Fatalf("ExecuteAt() error = %v", err)
		}
		b, _ := json.Marshal(res) //nolint:errcheck // export is plain data
		var v2 struct {
			ResourceVersion int64    `json:"resource_version"`
			Metadata        Document `json:"metadata"`
		}
		if err := json.Unmarshal(b, &v2); err != nil {
			t.Fatalf("decoding v2 export: %v", err)
		}
		return v2.ResourceVersion, len(v2.Metadata.Sources)
	}

	if v, n := export(admitted); v != 1 || n != 1 {
		t.Errorf("export at admission = version %d with %d sources, want 1 with 1", v, n)
	}
	if v, n := export(Snapshot{}); v != 2 || n != 0 {
		t.Errorf("export without snapshot = version %d with %d sources, want 2 with 0", v, n)
	}
}

func TestExecute_UnknownAndBadArgs(t *testing.T) {
	f := newFixture(t, sampleDocument(), config.ModesConfig{})
	ctx := context.Background()

	_, err := f.exec.Execute(ctx, Command{Type: "drop_everything"})
	wantCode(t, err, apierr.CodeNotSupported)

	_, err = f.exec.Execute(ctx, Command{Type: "add_source", Args: json.RawMessage(`{"name":"x","bogus":1}`)})
	wantCode(t, err, apierr.CodeParseFailed)
	if f.store.saves != 0 {
		t.Errorf("saves = %d, want 0", f.store.saves)
	}
}

// ─── Mutations ─────────────────────────────────────────────────────

func TestExecute_AddAndDropSource(t *testing.T) {
	f := newFixture(t, sampleDocument(), config.ModesConfig{})
	ctx := context.Background()

	add := cmd(t, "add_source", map[string]any{
		"name":          "analytics",
		"configuration": map[string]any{"connection_url": "postgres://analytics/db"},
	})
	res, err := f.exec.Execute(ctx, add)
	if err != nil {
		t.Fatalf("add_source error = %v", err)
	}
	if res != success {
		t.Errorf("result = %#v, want success", res)
	}

	snap := f.cell.Snapshot()
	if snap.Version != 1 || snap.Value.ResourceVersion != 2 {
		t.Errorf("cell version/resource version = %d/%d, want 1/2", snap.Version, snap.Value.ResourceVersion)
	}
	if s, ok := snap.Value.Source("analytics"); !ok || s.Kind != KindPostgres {
		t.Errorf("new source = %+v, %v", s, ok)
	}

	_, err = f.exec.Execute(ctx, add)
	wantCode(t, err, apierr.CodeAlreadyExists)

	if _, err := f.exec.Execute(ctx, cmd(t, "drop_source", map[string]any{"name": "analytics"})); err != nil {
		t.Fatalf("drop_source error = %v", err)
	}
	_, err = f.exec.Execute(ctx, cmd(t, "drop_source", map[string]any{"name": "analytics"}))
	wantCode(t, err, apierr.CodeNotFound)
	if f.store.version != 3 {
		t.Errorf("store version = %d, want 3", f.store.version)
	}
}

func TestExecute_ResourceVersionConflict(t *testing.T) {
	f := newFixture(t, sampleDocument(), config.ModesConfig{})
	stale := int64(99)
	c := Command{Type: "clear_metadata", ResourceVersion: &stale}

	_, err := f.exec.Execute(context.Background(), c)
	wantCode(t, err, apierr.CodeConflict)
	if apierr.From(err).Status != http.StatusConflict {
		t.Errorf("status = %d, want 409", apierr.From(err).Status)
	}
	if f.cell.Version() != 0 || f.store.saves != 0 {
		t.Error("conflicting command must not change anything")
	}

	current := int64(1)
	c.ResourceVersion = &current
	if _, err := f.exec.Execute(context.Background(), c); err != nil {
		t.Fatalf("clear_metadata with current version error = %v", err)
	}
}

func TestExecute_StoreConflict(t *testing.T) {
	f := newFixture(t, sampleDocument(), config.ModesConfig{})
	// Another instance wrote in the meantime.
	f.store.version = 5

	_, err := f.exec.Execute(context.Background(), Command{Type: "clear_metadata"})
	wantCode(t, err, apierr.CodeConflict)
	if f.cell.Version() != 0 {
		t.Error("cell should not move when the store rejects the write")
	}
}

func TestExecute_Modes(t *testing.T) {
	tests := []struct {
		name  string
		modes config.ModesConfig
		want  apierr.Code
	}{
		{"read-only", config.ModesConfig{ReadOnly: true}, apierr.CodeReadOnlyMode},
		{"maintenance", config.ModesConfig{Maintenance: true}, apierr.CodeMaintenanceMode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, sampleDocument(), tt.modes)
			_, err := f.exec.Execute(context.Background(), Command{Type: "clear_metadata"})
			wantCode(t, err, tt.want)

			if _, err := f.exec.Execute(context.Background(), Command{Type: "export_metadata"}); err != nil {
				t.Errorf("export_metadata error = %v", err)
			}
		})
	}
}

func TestExecute_RejectsNewInconsistency(t *testing.T) {
	f := newFixture(t, sampleDocument(), config.ModesConfig{})
	ctx := context.Background()

	bad := cmd(t, "add_source", map[string]any{"name": "legacy", "kind": "oracle",
		"configuration": map[string]any{"connection_url": "x"}})
	_, err := f.exec.Execute(ctx, bad)
	wantCode(t, err, apierr.CodeMetadataInconsistent)
	if f.store.saves != 0 {
		t.Error("inconsistent metadata must not be persisted")
	}

	doc := sampleDocument()
	doc.Sources = append(doc.Sources, Source{Name: "legacy", Kind: "oracle"})
	res, err := f.exec.Execute(ctx, cmd(t, "replace_metadata", map[string]any{
		"allow_inconsistent_metadata": true,
		"metadata":                    doc,
	}))
	if err != nil {
		t.Fatalf("replace_metadata error = %v", err)
	}
	inc, ok := res.(Inconsistency)
	if !ok || inc.IsConsistent || len(inc.InconsistentObjects) != 1 {
		t.Errorf("replace_metadata result = %#v", res)
	}

	// Existing inconsistencies do not block unrelated changes.
	if _, err := f.exec.Execute(ctx, cmd(t, "drop_rest_endpoint", map[string]any{"name": "user"})); err != nil {
		t.Fatalf("drop_rest_endpoint error = %v", err)
	}

	if _, err := f.exec.Execute(ctx, Command{Type: "drop_inconsistent_metadata"}); err != nil {
		t.Fatalf("drop_inconsistent_metadata error = %v", err)
	}
	snap := f.cell.Snapshot()
	if !snap.Value.Consistent() {
		t.Errorf("after drop_inconsistent_metadata: %+v", snap.Value.Inconsistent)
	}
	if snap.Value.Metadata.SourceIndex("legacy") >= 0 {
		t.Error("inconsistent source should have been removed")
	}
}

func TestExecute_CollectionsAndEndpoints(t *testing.T) {
	f := newFixture(t, Empty(), config.ModesConfig{})
	ctx := context.Background()

	steps := []Command{
		cmd(t, "create_query_collection", map[string]any{"name": "c1", "definition": map[string]any{"queries": []any{}}}),
		cmd(t, "add_query_to_collection", map[string]any{"collection_name": "c1", "query_name": "q1", "query": "query { a }"}),
		cmd(t, "add_collection_to_allowlist", map[string]any{"collection": "c1"}),
		cmd(t, "create_rest_endpoint", map[string]any{
			"name": "a", "url": "a", "methods": []string{"GET"},
			"definition": map[string]any{"query": map[string]any{"collection_name": "c1", "query_name": "q1"}},
		}),
	}
	for _, c := range steps {
		if _, err := f.exec.Execute(ctx, c); err != nil {
			t.Fatalf("%s error = %v", c.Type, err)
		}
	}

	_, err := f.exec.Execute(ctx, cmd(t, "drop_query_from_collection", map[string]any{"collection_name": "c1", "query_name": "q1"}))
	wantCode(t, err, apierr.CodeValidationFailed)

	_, err = f.exec.Execute(ctx, cmd(t, "drop_query_collection", map[string]any{"collection": "c1"}))
	wantCode(t, err, apierr.CodeValidationFailed)

	if _, err := f.exec.Execute(ctx, cmd(t, "drop_query_collection", map[string]any{"collection": "c1", "cascade": true})); err != nil {
		t.Fatalf("cascading drop error = %v", err)
	}
	doc := f.cell.Snapshot().Value.Metadata
	if len(doc.QueryCollections) != 0 || len(doc.Allowlist) != 0 || len(doc.RestEndpoints) != 0 {
		t.Errorf("cascade left %+v", doc)
	}
}

func TestExecute_Bulk(t *testing.T) {
	f := newFixture(t, Empty(), config.ModesConfig{})
	ctx := context.Background()

	batch := cmd(t, "bulk", []Command{
		cmd(t, "create_query_collection", map[string]any{"name": "c1", "definition": map[string]any{"queries": []any{}}}),
		cmd(t, "add_query_to_collection", map[string]any{"collection_name": "c1", "query_name": "q", "query": "{ a }"}),
		{Type: "get_inconsistent_metadata"},
	})
	res, err := f.exec.Execute(ctx, batch)
	if err != nil {
		t.Fatalf("bulk error = %v", err)
	}
	results, ok := res.([]any)
	if !ok || len(results) != 3 {
		t.Fatalf("bulk result = %#v", res)
	}
	if f.store.saves != 1 {
		t.Errorf("saves = %d, want 1 for the whole batch", f.store.saves)
	}
	if f.cell.Version() != 1 {
		t.Errorf("cell version = %d, want 1", f.cell.Version())
	}

	failing := cmd(t, "bulk", []Command{
		cmd(t, "drop_query_collection", map[string]any{"collection": "c1"}),
		cmd(t, "drop_source", map[string]any{"name": "ghost"}),
	})
	_, err = f.exec.Execute(ctx, failing)
	wantCode(t, err, apierr.CodeNotFound)
	if got := apierr.From(err).Path; got != "$.args[1]" {
		t.Errorf("path = %q, want $.args[1]", got)
	}
	if f.cell.Snapshot().Value.Metadata.CollectionIndex("c1") < 0 {
		t.Error("failed bulk must not apply earlier commands")
	}
}

func TestExecute_ConcurrentWritesSerialize(t *testing.T) {
	f := newFixture(t, Empty(), config.ModesConfig{})
	ctx := context.Background()

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.exec.Execute(ctx, cmd(t, "add_source", map[string]any{
				"name":          "s" + string(rune('a'+i)),
				"configuration": map[string]any{"connection_url": "postgres://x"},
			}))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent add_source error = %v", err)
		}
	}

	snap := f.cell.Snapshot()
	if snap.Version != writers {
		t.Errorf("cell version = %d, want %d", snap.Version, writers)
	}
	if len(snap.Value.Sources) != writers {
		t.Errorf("sources = %d, want %d", len(snap.Value.Sources), writers)
	}
	if snap.Value.ResourceVersion != writers+1 {
		t.Errorf("resource version = %d, want %d", snap.Value.ResourceVersion, writers+1)
	}
}

// ─── Reload and Rebuild ────────────────────────────────────────────

func TestReload(t *testing.T) {
	f := newFixture(t, sampleDocument(), config.ModesConfig{})
	ctx := context.Background()

	changed, err := f.exec.Reload(ctx, OriginSync)
	if err != nil || changed {
		t.Fatalf("Reload() = %v, %v; want false, nil when unchanged", changed, err)
	}

	f.store.doc = Empty()
	f.store.version = 9
	changed, err = f.exec.Reload(ctx, OriginSync)
	if err != nil || !changed {
		t.Fatalf("Reload() = %v, %v; want true, nil", changed, err)
	}
	snap := f.cell.Snapshot()
	if snap.Value.ResourceVersion != 9 || snap.Value.Origin != OriginSync || len(snap.Value.Sources) != 0 {
		t.Errorf("reloaded cache = %+v", snap.Value)
	}

	f.store.loadErr = errors.New("disk gone")
	if _, err := f.exec.Reload(ctx, OriginSync); err == nil {
		t.Error("Reload() should surface store errors")
	}
	if f.cell.Version() != 1 {
		t.Errorf("cell version = %d, want 1", f.cell.Version())
	}
}

func TestExecute_ReloadMetadata(t *testing.T) {
	f := newFixture(t, sampleDocument(), config.ModesConfig{})
	f.store.doc = Empty()
	f.store.version = 4

	res, err := f.exec.Execute(context.Background(), Command{Type: "reload_metadata", Args: json.RawMessage(`{"reload_sources":true}`)})
	if err != nil {
		t.Fatalf("reload_metadata error = %v", err)
	}
	b, _ := json.Marshal(res)
	var body struct {
		Message      string `json:"message"`
		IsConsistent bool   `json:"is_consistent"`
	}
	if err := json.Unmarshal(b, &body); err != nil || body.Message != "success" || !body.IsConsistent {
		t.Errorf("reload result = %s", b)
	}
	if f.store.saves != 0 {
		t.Error("reload must not write the store")
	}
	if got := f.cell.Snapshot().Value.ResourceVersion; got != 4 {
		t.Errorf("resource version = %d, want 4", got)
	}
}

func TestRebuild(t *testing.T) {
	f := newFixture(t, sampleDocument(), config.ModesConfig{})
	ran := false
	res, err := f.exec.Rebuild(context.Background(), func(context.Context) (any, error) {
		ran = true
		return "ok", nil
	})
	if err != nil || res != "ok" || !ran {
		t.Fatalf("Rebuild() = %v, %v", res, err)
	}
	if f.cell.Version() != 1 {
		t.Errorf("cell version = %d, want 1", f.cell.Version())
	}

	_, err = f.exec.Rebuild(context.Background(), func(context.Context) (any, error) {
		return nil, errors.New("sql failed")
	})
	if err == nil || f.cell.Version() != 1 {
		t.Errorf("failed Rebuild() err=%v version=%d", err, f.cell.Version())
	}

	ro := newFixture(t, sampleDocument(), config.ModesConfig{ReadOnly: true})
	_, err = ro.exec.Rebuild(context.Background(), func(context.Context) (any, error) { return nil, nil })
	wantCode(t, err, apierr.CodeReadOnlyMode)
}
