package schemasync

import (
	"context"
	"sync"

	"github.com/nerrad567/graygate/internal/infrastructure/config"
	"github.com/nerrad567/graygate/internal/metadata"
)

// sharedStore is an in-memory metadata store shared by test instances.
type sharedStore struct {
	mu      sync.Mutex
	doc     metadata.Document
	version int64
}

func (s *sharedStore) Load(context.Context) (metadata.Document, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Clone(), s.version, nil
}

func (s *sharedStore) Save(_ context.Context, doc metadata.Document, expected int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if expected != s.version {
		return 0, metadata.ErrConflict
	}
	s.doc = doc.Clone()
	s.version++
	return s.version, nil
}

func configModes() config.ModesConfig {
	return config.ModesConfig{}
}
