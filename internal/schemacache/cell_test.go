package schemacache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// stamped carries the version it is meant to be committed under so readers
// can detect a value observed with a foreign version.
type stamped struct {
	want Version
	data []int
}

func TestCell_InitialSnapshot(t *testing.T) {
	c := New("empty")

	snap := c.Snapshot()
	if snap.Value != "empty" {
		t.Errorf("Value = %q, want %q", snap.Value, "empty")
	}
	if snap.Version != 0 {
		t.Errorf("Version = %d, want 0", snap.Version)
	}
}

func TestCell_CommitIncrementsVersion(t *testing.T) {
	c := New(0)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		tok, err := c.BeginUpdate(ctx)
		if err != nil {
			t.Fatalf("BeginUpdate() error = %v", err)
		}
		snap, err := tok.Commit(i * 10)
		if err != nil {
			t.Fatalf("Commit() error = %v", err)
		}
		if snap.Version != Version(i) {
			t.Errorf("Commit() version = %d, want %d", snap.Version, i)
		}
	}

	if got := c.Snapshot(); got.Value != 30 || got.Version != 3 {
		t.Errorf("Snapshot() = %+v, want {30 3}", got)
	}
}

func TestCell_AbortLeavesValue(t *testing.T) {
	c := New("a")
	tok, err := c.BeginUpdate(context.Background())
	if err != nil {
		t.Fatalf("BeginUpdate() error = %v", err)
	}
	tok.Abort()

	if got := c.Snapshot(); got.Value != "a" || got.Version != 0 {
		t.Errorf("Snapshot() after abort = %+v, want {a 0}", got)
	}

	// The slot must be free again.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tok2, err := c.BeginUpdate(ctx)
	if err != nil {
		t.Fatalf("BeginUpdate() after abort error = %v", err)
	}
	tok2.Abort()
}

func TestUpdateToken_ReuseAfterRelease(t *testing.T) {
	c := New(1)
	tok, _ := c.BeginUpdate(context.Background())
	if _, err := tok.Commit(2); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	if _, err := tok.Commit(3); !errors.Is(err, ErrTokenReleased) {
		t.Errorf("second Commit() error = %v, want ErrTokenReleased", err)
	}
	tok.Abort() // no-op, must not release the slot twice

	if got := c.Snapshot(); got.Value != 2 || got.Version != 1 {
		t.Errorf("Snapshot() = %+v, want {2 1}", got)
	}
}

func TestCell_BeginUpdateHonoursContext(t *testing.T) {
	c := New(0)
	held, _ := c.BeginUpdate(context.Background())
	defer held.Abort()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := c.BeginUpdate(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("BeginUpdate() error = %v, want DeadlineExceeded", err)
	}
}

func TestCell_SnapshotDoesNotBlockOnWriter(t *testing.T) {
	c := New(7)
	tok, _ := c.BeginUpdate(context.Background())
	defer tok.Abort()

	done := make(chan Snapshot[int])
	go func() { done <- c.Snapshot() }()

	select {
	case snap := <-done:
		if snap.Value != 7 {
			t.Errorf("Snapshot() = %+v, want value 7", snap)
		}
	case <-time.After(time.Second):
		t.Fatal("Snapshot() blocked while an update was in progress")
	}
}

func TestCell_UpdateErrorAborts(t *testing.T) {
	c := New("keep")
	boom := errors.New("boom")

	_, err := c.Update(context.Background(), func(Snapshot[string]) (string, error) {
		return "lost", boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update() error = %v, want boom", err)
	}
	if got := c.Snapshot(); got.Value != "keep" || got.Version != 0 {
		t.Errorf("Snapshot() = %+v, want {keep 0}", got)
	}
}

func TestCell_UpdatePanicReleasesWriter(t *testing.T) {
	c := New(0)

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("expected panic to propagate")
			}
		}()
		_, _ = c.Update(context.Background(), func(Snapshot[int]) (int, error) {
			panic("builder failed")
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	snap, err := c.Update(ctx, func(s Snapshot[int]) (int, error) { return s.Value + 1, nil })
	if err != nil {
		t.Fatalf("Update() after panic error = %v", err)
	}
	if snap.Version != 1 {
		t.Errorf("Version = %d, want 1", snap.Version)
	}
}

func TestCell_OnCommitOrder(t *testing.T) {
	c := New(0)
	var seen []Version
	c.OnCommit(func(s Snapshot[int]) { seen = append(seen, s.Version) })

	for i := 0; i < 3; i++ {
		if _, err := c.Update(context.Background(), func(s Snapshot[int]) (int, error) {
			return s.Value + 1, nil
		}); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
	}

	if len(seen) != 3 || seen[0] != 1 || seen[1] != 2 || seen[2] != 3 {
		t.Errorf("OnCommit versions = %v, want [1 2 3]", seen)
	}
}

// ─── Concurrency ────────────────────────────────────────────────────────────

func TestCell_ConcurrentReadersSeeMatchingPairs(t *testing.T) {
	c := New(stamped{want: 0})
	ctx := context.Background()

	const writers = 8
	const updatesPerWriter = 50

	stop := make(chan struct{})
	var readers sync.WaitGroup
	var mismatches sync.Map
	for r := 0; r < 16; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := c.Snapshot()
				if snap.Value.want != snap.Version || len(snap.Value.data) != int(snap.Version) {
					mismatches.Store(snap.Version, snap.Value.want)
				}
			}
		}()
	}

	var wg sync.WaitGroup
	results := make(chan Version, writers*updatesPerWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < updatesPerWriter; i++ {
				snap, err := c.Update(ctx, func(cur Snapshot[stamped]) (stamped, error) {
					data := make([]int, len(cur.Value.data)+1)
					copy(data, cur.Value.data)
					return stamped{want: cur.Version + 1, data: data}, nil
				})
				if err != nil {
					t.Errorf("Update() error = %v", err)
					return
				}
				results <- snap.Version
			}
		}()
	}
	wg.Wait()
	close(stop)
	readers.Wait()
	close(results)

	mismatches.Range(func(k, v any) bool {
		t.Errorf("reader saw version %v paired with value stamped %v", k, v)
		return true
	})

	// Every version from 1..N was issued exactly once.
	total := writers * updatesPerWriter
	seen := make(map[Version]bool, total)
	for v := range results {
		if seen[v] {
			t.Errorf("version %d committed twice", v)
		}
		seen[v] = true
	}
	for v := 1; v <= total; v++ {
		if !seen[Version(v)] {
			t.Errorf("version %d missing", v)
		}
	}
	if got := c.Version(); got != Version(total) {
		t.Errorf("final Version() = %d, want %d", got, total)
	}
}
