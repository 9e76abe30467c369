package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/casework/model"
)

// Store persists applications. Every write is guarded by the application's
// version: a writer holding a stale version fails with STALE_APPLICATION and
// must reload.
type Store interface {
	// Create persists a new application. Returns CONFLICT if the id exists.
	Create(ctx context.Context, app *model.Application) error

	// Get retrieves an application by id. Returns NOT_FOUND if it does not
	// exist.
	Get(ctx context.Context, id string) (*model.Application, error)

	// Save replaces the stored application if its version still equals
	// expectedVersion, then sets app.Version to expectedVersion+1.
	Save(ctx context.Context, app *model.Application, expectedVersion int) error

	// Delete removes an application if its version equals expectedVersion.
	Delete(ctx context.Context, id string, expectedVersion int) error

	// List returns applications matching filter, newest first.
	List(ctx context.Context, filter model.ApplicationFilter) ([]*model.Application, error)

	// FindPruneCandidates returns unpruned applications of typeID in state
	// last modified at or before cutoff.
	FindPruneCandidates(ctx context.Context, typeID, state string, cutoff time.Time) ([]*model.Application, error)

	// MarkPruned clears answers and external data, flags the application
	// pruned at the given time and bumps its version.
	MarkPruned(ctx context.Context, id string, expectedVersion int, at time.Time) error

	// HealthCheck reports whether the backing storage is reachable.
	HealthCheck(ctx context.Context) error
}
