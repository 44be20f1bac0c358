package dialgroup

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is a single-process reference Store for tests and local
// development. Entries carry expiry timestamps checked lazily on read; a
// single mutex serializes all access, which is what makes SetWinnerIfAbsent
// atomic here. It is explicitly not a concurrency-safe default for
// multi-process deployments; production uses RedisStore.
type MemoryStore struct {
	mu sync.Mutex

	groups   map[string]memEntry
	mappings map[string]memEntry
	winners  map[string]memEntry

	// Now is injectable for TTL tests.
	Now func() time.Time
}

type memEntry struct {
	value     string
	version   int64
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		groups:   map[string]memEntry{},
		mappings: map[string]memEntry{},
		winners:  map[string]memEntry{},
		Now:      time.Now,
	}
}

// live reports whether the entry exists and has not expired. The zero entry
// has a zero expiry and therefore reads as absent.
func (s *MemoryStore) live(e memEntry) bool {
	return !e.expiresAt.IsZero() && !s.Now().After(e.expiresAt)
}

func (s *MemoryStore) SaveGroup(ctx context.Context, g *DialGroup, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.groups[g.GroupID]
	if s.live(cur) {
		if cur.version != g.Version {
			return ErrVersionConflict
		}
	} else if g.Version != 0 {
		return ErrVersionConflict
	}

	g.Version++
	blob, err := json.Marshal(g)
	if err != nil {
		return err
	}
	s.groups[g.GroupID] = memEntry{value: string(blob), version: g.Version, expiresAt: s.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) GetGroup(ctx context.Context, groupID string) (*DialGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.groups[groupID]
	if !s.live(e) {
		return nil, nil
	}
	var g DialGroup
	if err := json.Unmarshal([]byte(e.value), &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *MemoryStore) SetCallMapping(ctx context.Context, legID, groupID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings[legID] = memEntry{value: groupID, expiresAt: s.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) GetCallMapping(ctx context.Context, legID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.mappings[legID]
	if !s.live(e) {
		return "", nil
	}
	return e.value, nil
}

func (s *MemoryStore) SetWinnerIfAbsent(ctx context.Context, groupID, legID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live(s.winners[groupID]) {
		return false, nil
	}
	s.winners[groupID] = memEntry{value: legID, expiresAt: s.Now().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) GetWinner(ctx context.Context, groupID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.winners[groupID]
	if !s.live(e) {
		return "", nil
	}
	return e.value, nil
}

func (s *MemoryStore) DeleteGroup(ctx context.Context, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, groupID)
	delete(s.winners, groupID)
	return nil
}
