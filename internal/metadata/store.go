package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/graygate/internal/infrastructure/database"
)

// Store errors.
var (
	// ErrConflict means the stored resource version moved since it was read.
	ErrConflict = errors.New("metadata: resource version conflict")
	// ErrNotInitialised means the metadata table has no row; migrations
	// have not run.
	ErrNotInitialised = errors.New("metadata: store not initialised")
)

// Persister loads and saves the metadata document.
type Persister interface {
	Load(ctx context.Context) (Document, int64, error)
	// Save writes doc if the stored version is still expected and returns
	// the new version.
	Save(ctx context.Context, doc Document, expected int64) (int64, error)
}

// Store persists metadata in the SQLite metadata table.
type Store struct {
	db  *database.DB
	now func() time.Time
}

// NewStore creates a Store over a migrated database.
func NewStore(db *database.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Load returns the stored document and its resource version.
func (s *Store) Load(ctx context.Context) (Document, int64, error) {
	var raw string
	var version int64
	err := s.db.QueryRowContext(ctx,
		"SELECT document, resource_version FROM metadata WHERE id = 1").Scan(&raw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, 0, ErrNotInitialised
	}
	if err != nil {
		return Document{}, 0, fmt.Errorf("loading metadata: %w", err)
	}

	doc := Empty()
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Document{}, 0, fmt.Errorf("decoding stored metadata: %w", err)
	}
	return doc, version, nil
}

// Save replaces the stored document, archiving the previous one.
func (s *Store) Save(ctx context.Context, doc Document, expected int64) (int64, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("encoding metadata: %w", err)
	}
	now := s.now().UTC().Format(time.RFC3339)
	next := expected + 1

	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO metadata_history (resource_version, document, replaced_at)
			SELECT resource_version, document, ? FROM metadata WHERE id = 1 AND resource_version = ?`,
			now, expected); err != nil {
			return fmt.Errorf("archiving metadata: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			"UPDATE metadata SET document = ?, resource_version = ?, updated_at = ? WHERE id = 1 AND resource_version = ?",
			string(raw), next, now, expected)
		if err != nil {
			return fmt.Errorf("saving metadata: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("saving metadata: %w", err)
		}
		if n == 0 {
			return ErrConflict
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

// History returns the archived resource versions, oldest first.
func (s *Store) History(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT resource_version FROM metadata_history ORDER BY resource_version")
	if err != nil {
		return nil, fmt.Errorf("querying metadata history: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scanning metadata history: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
