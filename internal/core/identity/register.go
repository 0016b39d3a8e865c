package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	v1 "github.com/kestrel-lab/project-kestrel/internal/api/v1"
	"github.com/kestrel-lab/project-kestrel/internal/core/storage"
)

// Observer is notified after an Anonymize call completed, i.e. a
// new-customer boundary. Collaborators holding identity-scoped caches
// invalidate them here. Observers run outside the register's lock.
type Observer func(ctx context.Context, newIDs v1.CustomerIDs)

// Register owns the current customer identity. Exactly one identity is
// current at any instant; Snapshot, Identify and Anonymize serialize against
// each other, so a snapshot always reflects a fully-pre- or fully-post-
// transition state.
type Register struct {
	mu        sync.Mutex
	current   v1.CustomerIDs
	store     storage.IdentityStore
	observers []Observer

	// newCookie is overridable in tests.
	newCookie func() string
}

// NewRegister loads the persisted identity, or starts a fresh anonymous
// customer on first launch.
func NewRegister(ctx context.Context, store storage.IdentityStore) (*Register, error) {
	r := &Register{
		store:     store,
		newCookie: func() string { return uuid.NewString() },
	}

	ids, err := store.ReadCustomer(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		ids = v1.CustomerIDs{v1.IDCookie: r.newCookie()}
		if err := store.WriteCustomer(ctx, ids); err != nil {
			return nil, fmt.Errorf("failed to persist initial identity: %w", err)
		}
		slog.Info("[Identity] Started fresh anonymous customer", "cookie", ids.Cookie())
	} else if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	r.current = ids
	return r, nil
}

// Subscribe registers an observer for new-customer transitions.
func (r *Register) Subscribe(obs Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, obs)
}

// Snapshot returns the current identity as an independent copy. Callers
// capture it once per event creation and never re-read it for that event.
func (r *Register) Snapshot() v1.CustomerIDs {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current.Clone()
}

// Identify merges the provided identifier types into the current registered
// set, last-write-wins per key. The anonymous cookie is owned by the
// register and cannot be overwritten. Returns the post-merge snapshot.
func (r *Register) Identify(ctx context.Context, ids v1.CustomerIDs) (v1.CustomerIDs, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	merged := r.current.Clone()
	for key, value := range ids {
		if key == v1.IDCookie {
			continue
		}
		merged[key] = value
	}

	if err := r.store.WriteCustomer(ctx, merged); err != nil {
		return nil, fmt.Errorf("failed to persist identity merge: %w", err)
	}

	r.current = merged
	slog.Debug("[Identity] Merged identifiers", "cookie", merged.Cookie(), "id_count", len(merged))
	return merged.Clone(), nil
}

// Anonymize switches to a new customer: registered identifiers are cleared
// and a fresh anonymous cookie is assigned. This is the only new-customer
// boundary; observers are notified so identity-scoped caches get
// invalidated.
func (r *Register) Anonymize(ctx context.Context) (v1.CustomerIDs, error) {
	r.mu.Lock()

	fresh := v1.CustomerIDs{v1.IDCookie: r.newCookie()}
	if err := r.store.WriteCustomer(ctx, fresh); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to persist new customer: %w", err)
	}

	r.current = fresh
	observers := make([]Observer, len(r.observers))
	copy(observers, r.observers)
	snapshot := fresh.Clone()
	r.mu.Unlock()

	slog.Info("[Identity] Switched to new customer", "cookie", snapshot.Cookie())
	for _, obs := range observers {
		obs(ctx, snapshot.Clone())
	}
	return snapshot, nil
}
