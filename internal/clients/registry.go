// Package clients keeps the ordered registry of client identities that hold
// an issued certificate.
package clients

import (
	"context"
	"regexp"

	"github.com/vidamais/edgeguard/internal/apperr"
	"github.com/vidamais/edgeguard/internal/metrics"
	"github.com/vidamais/edgeguard/internal/repository"
)

// Field is the JSON array field of the registry document.
const Field = "clients"

// MaxNameLength bounds a client name; it becomes a directory and the CN.
const MaxNameLength = 64

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateName checks that name is usable as a single path segment and as a
// certificate common name.
func ValidateName(name string) error {
	if name == "" {
		return apperr.Validation("client name is required")
	}
	if len(name) > MaxNameLength {
		return apperr.Validation("client name exceeds %d characters", MaxNameLength)
	}
	if name == "." || name == ".." || !namePattern.MatchString(name) {
		return apperr.Validation("client name %q must be a single path segment of letters, digits, '.', '_' or '-'", name)
	}
	return nil
}

// Registry is the persisted list of issued client names. Order is insertion
// order.
type Registry struct {
	store *repository.ListStore
}

// NewRegistry opens the registry document at path ({"clients": [...]}).
func NewRegistry(path string) *Registry {
	return &Registry{store: repository.NewListStore(path, Field)}
}

// Path returns the registry document.
func (r *Registry) Path() string { return r.store.Path() }

// List returns every registered name.
func (r *Registry) List(ctx context.Context) ([]string, error) {
	names, err := r.store.List(ctx)
	if err == nil {
		metrics.SetIssuedClients(len(names))
	}
	return names, err
}

// Contains reports whether name is registered.
func (r *Registry) Contains(ctx context.Context, name string) (bool, error) {
	return r.store.Contains(ctx, name)
}

// Add registers name. Adding an existing name is a no-op.
func (r *Registry) Add(ctx context.Context, name string) (repository.Outcome, error) {
	if err := ValidateName(name); err != nil {
		return repository.NoChange, err
	}
	return r.track(r.store.Add(ctx, name))
}

// Remove unregisters name. Removing an absent name is a no-op.
func (r *Registry) Remove(ctx context.Context, name string) (repository.Outcome, error) {
	return r.track(r.store.Remove(ctx, name))
}

func (r *Registry) track(outcome repository.Outcome, err error) (repository.Outcome, error) {
	if err == nil && outcome == repository.Applied {
		if names, lerr := r.store.List(context.Background()); lerr == nil {
			metrics.SetIssuedClients(len(names))
		}
	}
	return outcome, err
}
