// Package repository persists the ordered name lists (client registry, route
// registry) as whole-file JSON documents with one array field.
package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"sync"

	"github.com/vidamais/edgeguard/internal/apperr"
)

// Outcome tells a mutation apart from an idempotent no-op.
type Outcome int

const (
	// NoChange means the store already had the requested state.
	NoChange Outcome = iota
	// Applied means the store was rewritten.
	Applied
)

func (o Outcome) String() string {
	if o == Applied {
		return "applied"
	}
	return "no_change"
}

// ListStore is a JSON document of the form {"<field>": ["a", "b"]}.
// Every read-modify-write runs under the store mutex and every write is an
// atomic file replacement.
type ListStore struct {
	mu    sync.Mutex
	path  string
	field string
	perm  fs.FileMode
}

// NewListStore creates a store backed by path, keeping its items under field.
func NewListStore(path, field string) *ListStore {
	return &ListStore{path: path, field: field, perm: 0644}
}

// Path returns the backing file.
func (s *ListStore) Path() string { return s.path }

// List returns the persisted items in order. A missing document is created
// empty. An unreadable or malformed document is an ErrInternalIO failure,
// never an empty result.
func (s *ListStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Contains reports whether item is persisted.
func (s *ListStore) Contains(ctx context.Context, item string) (bool, error) {
	items, err := s.List(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(items, item), nil
}

// Add appends item unless it is already present.
func (s *ListStore) Add(ctx context.Context, item string) (Outcome, error) {
	_, outcome, err := s.Update(ctx, func(items []string) ([]string, bool) {
		if slices.Contains(items, item) {
			return items, false
		}
		return append(items, item), true
	})
	return outcome, err
}

// Remove deletes item if present.
func (s *ListStore) Remove(ctx context.Context, item string) (Outcome, error) {
	_, outcome, err := s.Update(ctx, func(items []string) ([]string, bool) {
		idx := slices.Index(items, item)
		if idx < 0 {
			return items, false
		}
		return slices.Delete(items, idx, idx+1), true
	})
	return outcome, err
}

// Update applies fn to the current items under the store lock and persists
// the result when fn reports a change. It returns the resulting items.
func (s *ListStore) Update(ctx context.Context, fn func(items []string) ([]string, bool)) ([]string, Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, NoChange, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.loadLocked()
	if err != nil {
		return nil, NoChange, err
	}
	next, changed := fn(slices.Clone(items))
	if !changed {
		return items, NoChange, nil
	}
	if err := s.writeLocked(next); err != nil {
		return nil, NoChange, err
	}
	return next, Applied, nil
}

func (s *ListStore) loadLocked() ([]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		if err := s.writeLocked([]string{}); err != nil {
			return nil, err
		}
		return []string{}, nil
	}
	if err != nil {
		return nil, apperr.InternalIO("read "+s.path, err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, apperr.InternalIO("decode "+s.path, err)
	}
	raw, ok := doc[s.field]
	if !ok {
		return nil, apperr.InternalIO(fmt.Sprintf("decode %s: missing %q field", s.path, s.field), nil)
	}
	var items []string
	if !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, apperr.InternalIO("decode "+s.path, err)
		}
	}
	if items == nil {
		items = []string{}
	}
	return items, nil
}

func (s *ListStore) writeLocked(items []string) error {
	data, err := json.Marshal(map[string][]string{s.field: items})
	if err != nil {
		return apperr.InternalIO("encode "+s.path, err)
	}
	if err := WriteFileAtomic(s.path, data, s.perm); err != nil {
		return apperr.InternalIO("write "+s.path, err)
	}
	return nil
}
