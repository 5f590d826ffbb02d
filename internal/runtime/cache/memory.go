package cache

import (
	"context"
	"sync"
	"time"
)

type memoryStore struct {
	mu       sync.Mutex
	entries  map[string]Entry
	tagIndex map[string]map[string]struct{}
}

// NewMemory returns an in-process store with a tag index. Suitable for single
// instance deployments and tests.
func NewMemory() Store {
	return &memoryStore{
		entries:  make(map[string]Entry),
		tagIndex: make(map[string]map[string]struct{}),
	}
}

func (s *memoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	if entry.Expired(time.Now()) {
		s.removeLocked(key, entry)
		return Entry{}, false, nil
	}
	return cloneEntry(entry), true, nil
}

func (s *memoryStore) Set(_ context.Context, key string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[key]; ok {
		s.removeLocked(key, old)
	}
	stored := cloneEntry(entry)
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}
	s.entries[key] = stored
	for _, tag := range stored.Tags {
		members, ok := s.tagIndex[tag]
		if !ok {
			members = make(map[string]struct{})
			s.tagIndex[tag] = members
		}
		members[key] = struct{}{}
	}
	return nil
}

func (s *memoryStore) DeleteByTags(_ context.Context, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tag := range tags {
		for key := range s.tagIndex[tag] {
			if entry, ok := s.entries[key]; ok {
				s.removeLocked(key, entry)
			}
		}
	}
	return nil
}

func (s *memoryStore) Size(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.entries)), nil
}

func (s *memoryStore) Close(context.Context) error {
	return nil
}

// removeLocked drops the entry and its tag index memberships. Callers hold
// the mutex.
func (s *memoryStore) removeLocked(key string, entry Entry) {
	delete(s.entries, key)
	for _, tag := range entry.Tags {
		members, ok := s.tagIndex[tag]
		if !ok {
			continue
		}
		delete(members, key)
		if len(members) == 0 {
			delete(s.tagIndex, tag)
		}
	}
}
