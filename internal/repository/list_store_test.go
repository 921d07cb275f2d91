package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/vidamais/edgeguard/internal/apperr"
	"pgregory.net/rapid"
)

func newTestStore(t testing.TB) *ListStore {
	return NewListStore(filepath.Join(t.TempDir(), "protected_routes.json"), "protected_routes")
}

func readDoc(t testing.TB, path string) map[string][]string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var doc map[string][]string
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return doc
}

func TestListStore_MissingFileSelfHeals(t *testing.T) {
	s := newTestStore(t)

	items, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("expected empty list, got %v", items)
	}

	doc := readDoc(t, s.Path())
	if got, ok := doc["protected_routes"]; !ok || len(got) != 0 {
		t.Errorf("expected empty document to be created, got %v", doc)
	}
}

func TestListStore_CorruptFileIsInternalIO(t *testing.T) {
	cases := map[string]string{
		"not json":      "{protected_routes: [",
		"missing field": `{"clients": []}`,
		"wrong type":    `{"protected_routes": "ehr"}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			s := newTestStore(t)
			if err := os.WriteFile(s.Path(), []byte(content), 0644); err != nil {
				t.Fatal(err)
			}

			items, err := s.List(context.Background())
			if !errors.Is(err, apperr.ErrInternalIO) {
				t.Fatalf("expected ErrInternalIO, got items=%v err=%v", items, err)
			}

			// Mutations must not overwrite a document they could not read.
			if _, err := s.Add(context.Background(), "/x"); !errors.Is(err, apperr.ErrInternalIO) {
				t.Fatalf("expected ErrInternalIO on add, got %v", err)
			}
			data, _ := os.ReadFile(s.Path())
			if string(data) != content {
				t.Errorf("corrupt document was modified: %q", data)
			}
		})
	}
}

func TestListStore_NullFieldIsEmpty(t *testing.T) {
	s := newTestStore(t)
	if err := os.WriteFile(s.Path(), []byte(`{"protected_routes": null}`), 0644); err != nil {
		t.Fatal(err)
	}
	items, err := s.List(context.Background())
	if err != nil || len(items) != 0 {
		t.Fatalf("expected empty list, got %v, %v", items, err)
	}
}

// Adding the same item twice leaves exactly one copy.
func TestProperty_AddIsIdempotent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := newTestStore(t)
		ctx := context.Background()
		item := "/" + rapid.StringMatching(`[a-z0-9/_-]{0,20}`).Draw(rt, "item")

		first, err := s.Add(ctx, item)
		if err != nil {
			rt.Fatalf("first add: %v", err)
		}
		second, err := s.Add(ctx, item)
		if err != nil {
			rt.Fatalf("second add: %v", err)
		}
		if first != Applied || second != NoChange {
			rt.Errorf("expected applied then no_change, got %s then %s", first, second)
		}

		items, err := s.List(ctx)
		if err != nil {
			rt.Fatal(err)
		}
		count := 0
		for _, it := range items {
			if it == item {
				count++
			}
		}
		if count != 1 {
			rt.Errorf("expected %q exactly once, found %d times in %v", item, count, items)
		}
	})
}

// Removing an absent item leaves the store unchanged.
func TestProperty_RemoveAbsentIsNoOp(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := newTestStore(t)
		ctx := context.Background()
		existing := rapid.SliceOfNDistinct(rapid.StringMatching(`/[a-z]{1,8}`), 0, 8, rapid.ID[string]).Draw(rt, "existing")
		for _, it := range existing {
			if _, err := s.Add(ctx, it); err != nil {
				rt.Fatal(err)
			}
		}
		absent := "/" + rapid.StringMatching(`[0-9]{1,8}`).Draw(rt, "absent")
		if _, err := s.List(ctx); err != nil {
			rt.Fatal(err)
		}

		before, _ := os.ReadFile(s.Path())
		outcome, err := s.Remove(ctx, absent)
		if err != nil {
			rt.Fatal(err)
		}
		if outcome != NoChange {
			rt.Errorf("expected no_change, got %s", outcome)
		}
		after, _ := os.ReadFile(s.Path())
		if string(before) != string(after) {
			rt.Errorf("store changed: %s -> %s", before, after)
		}
	})
}

// Order of insertion is preserved across removals.
func TestProperty_InsertionOrderPreserved(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := newTestStore(t)
		ctx := context.Background()
		items := rapid.SliceOfNDistinct(rapid.StringMatching(`/[a-z]{1,6}`), 1, 10, rapid.ID[string]).Draw(rt, "items")
		for _, it := range items {
			if _, err := s.Add(ctx, it); err != nil {
				rt.Fatal(err)
			}
		}
		victim := rapid.SampledFrom(items).Draw(rt, "victim")
		if _, err := s.Remove(ctx, victim); err != nil {
			rt.Fatal(err)
		}

		want := slices.DeleteFunc(slices.Clone(items), func(x string) bool { return x == victim })
		got, err := s.List(ctx)
		if err != nil {
			rt.Fatal(err)
		}
		if !slices.Equal(got, want) {
			rt.Errorf("expected %v, got %v", want, got)
		}
	})
}

func TestListStore_ConcurrentAddsAreSerialized(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Add(ctx, fmt.Sprintf("/p%d", i)); err != nil {
				t.Errorf("add %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	items, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != n {
		t.Fatalf("expected %d items, got %d: %v", n, len(items), items)
	}
	for i := 0; i < n; i++ {
		if !slices.Contains(items, fmt.Sprintf("/p%d", i)) {
			t.Errorf("lost update for /p%d", i)
		}
	}
}

func TestWriteFileAtomic_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "protected_routes.conf")

	for i := 0; i < 3; i++ {
		if err := WriteFileAtomic(path, []byte(fmt.Sprintf("gen %d", i)), 0644); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the target file, found %d entries", len(entries))
	}
	data, _ := os.ReadFile(path)
	if string(data) != "gen 2" {
		t.Errorf("unexpected content %q", data)
	}
}
