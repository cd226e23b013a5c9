// Package repo provides dedup and dead-letter backends for the webhook pipeline.
package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zenGate-Global/palmyra-entitlements/domains/webhooks/be/service"
)

type eventKey struct {
	ref     string
	eventID string
}

// MemoryDedupStore keeps processed-event markers in process memory.
type MemoryDedupStore struct {
	mu      sync.Mutex
	markers map[eventKey]service.Marker
}

func NewMemoryDedupStore() *MemoryDedupStore {
	return &MemoryDedupStore{markers: make(map[eventKey]service.Marker)}
}

func (s *MemoryDedupStore) Seen(_ context.Context, ref, eventID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markers[eventKey{ref, eventID}]
	return ok && m.ExpiresAt.After(now), nil
}

func (s *MemoryDedupStore) Record(_ context.Context, m service.Marker) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := eventKey{m.SubscriptionRef, m.EventID}
	if existing, ok := s.markers[key]; ok && existing.ExpiresAt.After(m.ProcessedAt) {
		return false, nil
	}
	s.markers[key] = m
	return true, nil
}

func (s *MemoryDedupStore) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for key, m := range s.markers {
		if !m.ExpiresAt.After(cutoff) {
			delete(s.markers, key)
			removed++
		}
	}
	return removed, nil
}

// MemoryDeadLetterStore keeps dead letters in process memory.
type MemoryDeadLetterStore struct {
	mu    sync.Mutex
	byID  map[uuid.UUID]service.DeadLetter
	index map[eventKey]uuid.UUID
}

func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{
		byID:  make(map[uuid.UUID]service.DeadLetter),
		index: make(map[eventKey]uuid.UUID),
	}
}

func (s *MemoryDeadLetterStore) Put(_ context.Context, dl service.DeadLetter) (service.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := eventKey{dl.SubscriptionRef, dl.EventID}
	if id, ok := s.index[key]; ok {
		existing := s.byID[id]
		existing.Source = dl.Source
		existing.EventType = dl.EventType
		existing.Reason = dl.Reason
		existing.Detail = dl.Detail
		existing.Payload = append([]byte(nil), dl.Payload...)
		existing.Attempts++
		existing.LastAttemptAt = dl.LastAttemptAt
		s.byID[id] = existing
		return existing, nil
	}

	if dl.ID == uuid.Nil {
		dl.ID = uuid.New()
	}
	dl.Payload = append([]byte(nil), dl.Payload...)
	dl.Attempts = 1
	s.byID[dl.ID] = dl
	s.index[key] = dl.ID
	return dl, nil
}

func (s *MemoryDeadLetterStore) Get(_ context.Context, id uuid.UUID) (service.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dl, ok := s.byID[id]
	if !ok {
		return service.DeadLetter{}, service.ErrDeadLetterNotFound
	}
	return dl, nil
}

func (s *MemoryDeadLetterStore) List(_ context.Context, limit, offset int) ([]service.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]service.DeadLetter, 0, len(s.byID))
	for _, dl := range s.byID {
		items = append(items, dl)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].LastAttemptAt.Equal(items[j].LastAttemptAt) {
			return items[i].LastAttemptAt.After(items[j].LastAttemptAt)
		}
		return items[i].ID.String() < items[j].ID.String()
	})

	if limit <= 0 {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []service.DeadLetter{}, nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end], nil
}

func (s *MemoryDeadLetterStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dl, ok := s.byID[id]
	if !ok {
		return service.ErrDeadLetterNotFound
	}
	delete(s.byID, id)
	delete(s.index, eventKey{dl.SubscriptionRef, dl.EventID})
	return nil
}
