package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	byKey   map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		byKey:   make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, rec Record) (bool, error) {
	if rec.ID == "" || rec.DedupKey == "" {
		return false, errors.New("record id and dedup key are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byKey[rec.DedupKey]; exists {
		return false, nil
	}
	s.records[rec.ID] = rec
	s.byKey[rec.DedupKey] = rec.ID
	return true, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status Status, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if !CanTransition(rec.Status, status) {
		return ErrInvalidTransition
	}

	rec.Status = status
	switch status {
	case StatusSent:
		now := Now()
		rec.SentAt = &now
	case StatusFailed:
		if errorMessage != "" {
			rec.ErrorMessage = errorMessage
		}
	}
	s.records[id] = rec
	return nil
}

func (s *MemoryStore) FindByUser(_ context.Context, userID string, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		return []Record{}, nil
	}

	s.mu.RLock()
	var all []Record
	for _, rec := range s.records {
		if rec.UserID == userID {
			all = append(all, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return newer(all[i], all[j]) })

	page := all
	if offset > 0 && len(all) > 0 {
		if offset > len(all) {
			offset = len(all)
		}
		anchor := all[offset-1]
		page = nil
		for _, rec := range all {
			if newer(anchor, rec) {
				page = append(page, rec)
			}
		}
	}

	if len(page) > limit {
		page = page[:limit]
	}
	out := make([]Record, len(page))
	copy(out, page)
	return out, nil
}

func (s *MemoryStore) FindByID(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) FindByDedupKey(ctx context.Context, key string) (Record, error) {
	s.mu.RLock()
	id, ok := s.byKey[key]
	s.mu.RUnlock()
	if !ok {
		return Record{}, ErrNotFound
	}
	return s.FindByID(ctx, id)
}

func (s *MemoryStore) MarkAsRead(_ context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	now := Now()
	rec.IsRead = true
	rec.ReadAt = &now
	s.records[id] = rec
	return rec, nil
}

func (s *MemoryStore) CountUnread(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, rec := range s.records {
		if rec.UserID == userID && rec.Channel == ChannelInApp && !rec.IsRead {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Len reports the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
