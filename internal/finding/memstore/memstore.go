// Package memstore provides an in-memory implementation of finding.Store.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/warden/internal/finding"
)

type claim struct {
	owner string
	until time.Time
}

// Store holds finding documents in memory. Suitable for dev/testing.
type Store struct {
	mu      sync.RWMutex
	indices map[string]map[string]finding.Document // index -> id -> document
	claims  map[string]claim                       // index/id -> claim
	now     func() time.Time
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		indices: make(map[string]map[string]finding.Document),
		claims:  make(map[string]claim),
		now:     time.Now,
	}
}

// Exists reports whether anything has been written to index.
func (s *Store) Exists(_ context.Context, index string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.indices[index]
	return ok, nil
}

// Search evaluates q against every document in index. Returns copies.
func (s *Store) Search(_ context.Context, index string, q finding.Query) ([]*finding.Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*finding.Finding
	for id, doc := range s.indices[index] {
		if q.Matches(doc) {
			out = append(out, finding.FromDocument(index, id, maps.Clone(doc)))
		}
	}
	finding.Sort(out, q.Descending)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Index stores a copy of doc, generating an id when none is given.
func (s *Store) Index(_ context.Context, index, id string, doc finding.Document) (string, error) {
	if index == "" {
		return "", fmt.Errorf("memstore: empty index name")
	}
	if id == "" {
		id = ulid.Make().String()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indices[index]
	if !ok {
		idx = make(map[string]finding.Document)
		s.indices[index] = idx
	}
	idx[id] = maps.Clone(doc)
	return id, nil
}

// Get retrieves a finding by id. Returns a copy.
func (s *Store) Get(_ context.Context, index, id string) (*finding.Finding, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.indices[index][id]
	if !ok {
		return nil, false, nil
	}
	return finding.FromDocument(index, id, maps.Clone(doc)), true, nil
}

// Update merges partial into the stored document.
func (s *Store) Update(_ context.Context, index, id string, partial finding.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.indices[index][id]
	if !ok {
		return fmt.Errorf("memstore: %s/%s not found", index, id)
	}
	maps.Copy(doc, partial)
	return nil
}

// Claim takes ownership of an unprocessed finding until the lease expires.
func (s *Store) Claim(_ context.Context, index, id, owner string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.indices[index][id]
	if !ok {
		return false, fmt.Errorf("memstore: %s/%s not found", index, id)
	}
	if processed, _ := doc[finding.FieldProcessed].(bool); processed {
		return false, nil
	}

	key := index + "/" + id
	now := s.now()
	if c, ok := s.claims[key]; ok && c.owner != owner && now.Before(c.until) {
		return false, nil
	}
	s.claims[key] = claim{owner: owner, until: now.Add(lease)}
	return true, nil
}

// Release drops owner's claim. Releasing a claim held by someone else is a no-op.
func (s *Store) Release(_ context.Context, index, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := index + "/" + id
	if c, ok := s.claims[key]; ok && c.owner == owner {
		delete(s.claims, key)
	}
	return nil
}

// Len returns the number of documents in index.
func (s *Store) Len(index string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.indices[index])
}
