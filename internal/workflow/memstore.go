package workflow

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pitabwire/casework/model"
)

// MemoryStore is an in-memory Store. Applications are copied on the way in
// and out so callers never share state with the store.
type MemoryStore struct {
	mu   sync.RWMutex
	apps map[string]*model.Application
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{apps: make(map[string]*model.Application)}
}

func notFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("application %q not found", id))
}

// Create persists a new application.
func (s *MemoryStore) Create(_ context.Context, app *model.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.apps[app.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("application %q already exists", app.ID))
	}
	s.apps[app.ID] = app.Clone()
	return nil
}

// Get retrieves an application by id.
func (s *MemoryStore) Get(_ context.Context, id string) (*model.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	app, exists := s.apps[id]
	if !exists {
		return nil, notFound(id)
	}
	return app.Clone(), nil
}

// Save replaces an application with optimistic locking.
func (s *MemoryStore) Save(_ context.Context, app *model.Application, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.apps[app.ID]
	if !exists {
		return notFound(app.ID)
	}
	if existing.Version != expectedVersion {
		return model.NewStaleApplicationError(app.ID, expectedVersion)
	}

	app.Version = expectedVersion + 1
	s.apps[app.ID] = app.Clone()
	return nil
}

// Delete removes an application with optimistic locking.
func (s *MemoryStore) Delete(_ context.Context, id string, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.apps[id]
	if !exists {
		return notFound(id)
	}
	if existing.Version != expectedVersion {
		return model.NewStaleApplicationError(id, expectedVersion)
	}
	delete(s.apps, id)
	return nil
}

// List returns applications matching filter, newest first.
func (s *MemoryStore) List(_ context.Context, filter model.ApplicationFilter) ([]*model.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.Application
	for _, app := range s.apps {
		if filter.Matches(app) {
			result = append(result, app.Clone())
		}
	}
	sortNewestFirst(result)
	return result, nil
}

// FindPruneCandidates returns unpruned applications in state modified at or
// before cutoff, oldest first.
func (s *MemoryStore) FindPruneCandidates(_ context.Context, typeID, state string, cutoff time.Time) ([]*model.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.Application
	for _, app := range s.apps {
		if app.TypeID != typeID || app.State != state || app.Pruned {
			continue
		}
		if app.Modified.After(cutoff) {
			continue
		}
		result = append(result, app.Clone())
	}
	slices.SortFunc(result, func(a, b *model.Application) int {
		return a.Modified.Compare(b.Modified)
	})
	return result, nil
}

// MarkPruned clears an application's data and flags it pruned.
func (s *MemoryStore) MarkPruned(_ context.Context, id string, expectedVersion int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	app, exists := s.apps[id]
	if !exists {
		return notFound(id)
	}
	if app.Version != expectedVersion {
		return model.NewStaleApplicationError(id, expectedVersion)
	}

	pruned := app.Clone()
	markPruned(pruned, at)
	s.apps[id] = pruned
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of stored applications.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.apps)
}

func markPruned(app *model.Application, at time.Time) {
	at = at.UTC()
	app.Answers = map[string]any{}
	app.ExternalData = map[string]model.DataProviderResult{}
	app.Pruned = true
	app.PrunedAt = &at
	app.Version++
}

func sortNewestFirst(apps []*model.Application) {
	slices.SortStableFunc(apps, func(a, b *model.Application) int {
		if c := b.Created.Compare(a.Created); c != 0 {
			return c
		}
		return compareStrings(a.ID, b.ID)
	})
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
