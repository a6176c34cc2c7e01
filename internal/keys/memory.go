package keys

import (
	"context"
	"sort"
	"sync"

	"github.com/providentiaww/identity-server/internal/oauth"
)

// MemoryStore keeps key containers in process. Keys do not survive a restart.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]oauth.SigningKeyContainer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: map[string]oauth.SigningKeyContainer{}}
}

func (s *MemoryStore) LoadKeys(context.Context) ([]oauth.SigningKeyContainer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]oauth.SigningKeyContainer, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

func (s *MemoryStore) StoreKey(_ context.Context, key oauth.SigningKeyContainer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

func (s *MemoryStore) DeleteKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	return nil
}
