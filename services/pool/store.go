// Copyright (C) 2025 Dejavu AI (oss@dejavu-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pool

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned when no record matches a lookup.
var ErrNotFound = errors.New("decoy record not found")

// Store is the persistence surface for the decoy pool.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Insert persists a single record.
	Insert(ctx context.Context, record *DecoyRecord) error

	// ListAll returns every record in the pool. Ordering is stable
	// across calls with the same contents (by CreatedAt, then ID).
	ListAll(ctx context.Context) ([]*DecoyRecord, error)

	// GetResponseByQuery returns the stored response for an exact query
	// text match. Returns ErrNotFound when no record matches or the
	// matching record has no response.
	GetResponseByQuery(ctx context.Context, queryText string) (string, error)
}

// MemoryStore is an in-memory Store used for tests and single-process
// deployments without a vector database.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*DecoyRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Insert implements the Store interface.
func (s *MemoryStore) Insert(_ context.Context, record *DecoyRecord) error {
	if record == nil {
		return errors.New("record must not be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *record
	s.records = append(s.records, &clone)
	return nil
}

// ListAll implements the Store interface.
func (s *MemoryStore) ListAll(_ context.Context) ([]*DecoyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*DecoyRecord, 0, len(s.records))
	for _, r := range s.records {
		clone := *r
		out = append(out, &clone)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GetResponseByQuery implements the Store interface. Matching is exact
// after trimming surrounding whitespace.
func (s *MemoryStore) GetResponseByQuery(_ context.Context, queryText string) (string, error) {
	want := strings.TrimSpace(queryText)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.records {
		if strings.TrimSpace(r.QueryText) == want && r.ResponseText != "" {
			return r.ResponseText, nil
		}
	}
	return "", ErrNotFound
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

var _ Store = (*MemoryStore)(nil)
