package clients

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vidamais/edgeguard/internal/apperr"
	"github.com/vidamais/edgeguard/internal/repository"
	"pgregory.net/rapid"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(filepath.Join(t.TempDir(), "clients.json"))
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"alice", true},
		{"dr.silva-01", true},
		{"recepcao_2", true},
		{"", false},
		{".", false},
		{"..", false},
		{"../etc", false},
		{"a/b", false},
		{"-rf", false},
		{"with space", false},
		{strings.Repeat("a", MaxNameLength+1), false},
	}
	for _, tt := range tests {
		err := ValidateName(tt.name)
		if tt.valid && err != nil {
			t.Errorf("ValidateName(%q) unexpected error %v", tt.name, err)
		}
		if !tt.valid && !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("ValidateName(%q) expected ErrValidation, got %v", tt.name, err)
		}
	}
}

func TestRegistry_AddRemove(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if out, err := r.Add(ctx, "alice"); err != nil || out != repository.Applied {
		t.Fatalf("Add() = %v, %v; want Applied", out, err)
	}
	if out, _ := r.Add(ctx, "alice"); out != repository.NoChange {
		t.Errorf("second Add() = %v, want NoChange", out)
	}
	if ok, _ := r.Contains(ctx, "alice"); !ok {
		t.Error("expected alice to be registered")
	}
	if out, _ := r.Remove(ctx, "alice"); out != repository.Applied {
		t.Errorf("Remove() = %v, want Applied", out)
	}
	if out, _ := r.Remove(ctx, "alice"); out != repository.NoChange {
		t.Errorf("second Remove() = %v, want NoChange", out)
	}
}

func TestRegistry_AddRejectsInvalidName(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Add(context.Background(), "../x"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	names, _ := r.List(context.Background())
	if len(names) != 0 {
		t.Errorf("expected empty registry, got %v", names)
	}
}

// Property: List reflects adds in insertion order with no duplicates.
func TestProperty_RegistryInsertionOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		dir, err := os.MkdirTemp("", "clients-")
		if err != nil {
			t.Fatalf("temp dir: %v", err)
		}
		defer os.RemoveAll(dir)
		r := NewRegistry(filepath.Join(dir, "clients.json"))
		ctx := context.Background()

		names := rapid.SliceOf(rapid.StringMatching(`[a-z][a-z0-9]{0,6}`)).Draw(t, "names")
		var want []string
		seen := map[string]bool{}
		for _, n := range names {
			r.Add(ctx, n)
			if !seen[n] {
				seen[n] = true
				want = append(want, n)
			}
		}

		got, err := r.List(ctx)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(got) != len(want) {
			t.Fatalf("expected %v, got %v", want, got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("expected %v, got %v", want, got)
			}
		}
	})
}
