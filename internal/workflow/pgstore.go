package workflow

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/pitabwire/casework/model"
)

//go:embed migrations/postgres/*.sql
var pgMigrations embed.FS

const pgColumns = `id, type_id, tenant_id, state, status, applicant,
	answers, external_data, assignees, applicant_actors, history,
	version, pruned, pruned_at, created_at, modified_at`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL application store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate applies the embedded schema migrations.
func (s *PgStore) Migrate(_ context.Context) error {
	source, err := iofs.New(pgMigrations, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Create inserts a new application.
func (s *PgStore) Create(ctx context.Context, app *model.Application) error {
	r, err := encodeRow(app)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO applications (`+pgColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16
		) ON CONFLICT (id) DO NOTHING`,
		app.ID, app.TypeID, app.TenantID, app.State, app.Status, app.Applicant,
		r.answers, r.externalData, r.assignees, r.applicantActors, r.history,
		app.Version, app.Pruned, app.PrunedAt, app.Created.UTC(), app.Modified.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert application: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(fmt.Sprintf("application %q already exists", app.ID))
	}
	return nil
}

// Get retrieves an application by id.
func (s *PgStore) Get(ctx context.Context, id string) (*model.Application, error) {
	app, err := scanApplication(s.pool.QueryRow(ctx,
		`SELECT `+pgColumns+` FROM applications WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("query application: %w", err)
	}
	return app, nil
}

// Save persists an updated application with optimistic locking.
func (s *PgStore) Save(ctx context.Context, app *model.Application, expectedVersion int) error {
	r, err := encodeRow(app)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE applications SET
			state = $1,
			status = $2,
			answers = $3,
			external_data = $4,
			assignees = $5,
			applicant_actors = $6,
			history = $7,
			version = $8,
			modified_at = $9
		WHERE id = $10 AND version = $11`,
		app.State, app.Status,
		r.answers, r.externalData, r.assignees, r.applicantActors, r.history,
		expectedVersion+1, app.Modified.UTC(),
		app.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update application: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrStale(ctx, app.ID, expectedVersion)
	}
	app.Version = expectedVersion + 1
	return nil
}

// Delete removes an application with optimistic locking.
func (s *PgStore) Delete(ctx context.Context, id string, expectedVersion int) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM applications WHERE id = $1 AND version = $2`, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("delete application: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrStale(ctx, id, expectedVersion)
	}
	return nil
}

// List returns applications matching filter, newest first.
func (s *PgStore) List(ctx context.Context, filter model.ApplicationFilter) ([]*model.Application, error) {
	query := `SELECT ` + pgColumns + ` FROM applications WHERE TRUE`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(clause, len(args))
	}

	if filter.TenantID != "" {
		add(" AND tenant_id = $%d", filter.TenantID)
	}
	if filter.TypeID != "" {
		add(" AND type_id = $%d", filter.TypeID)
	}
	if filter.State != "" {
		add(" AND state = $%d", filter.State)
	}
	if filter.Applicant != "" {
		add(" AND applicant = $%d", filter.Applicant)
	}
	if filter.Assignee != "" {
		add(" AND assignees @> jsonb_build_array($%d::text)", filter.Assignee)
	}
	if !filter.IncludePruned {
		query += " AND NOT pruned"
	}
	query += " ORDER BY created_at DESC, id ASC"

	return s.queryApplications(ctx, query, args...)
}

// FindPruneCandidates returns unpruned applications in state modified at or
// before cutoff, oldest first.
func (s *PgStore) FindPruneCandidates(ctx context.Context, typeID, state string, cutoff time.Time) ([]*model.Application, error) {
	return s.queryApplications(ctx, `
		SELECT `+pgColumns+` FROM applications
		WHERE type_id = $1 AND state = $2 AND NOT pruned AND modified_at <= $3
		ORDER BY modified_at ASC`,
		typeID, state, cutoff.UTC(),
	)
}

// MarkPruned clears an application's data and flags it pruned.
func (s *PgStore) MarkPruned(ctx context.Context, id string, expectedVersion int, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE applications SET
			answers = '{}',
			external_data = '{}',
			pruned = TRUE,
			pruned_at = $1,
			version = version + 1
		WHERE id = $2 AND version = $3`,
		at.UTC(), id, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("prune application: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrStale(ctx, id, expectedVersion)
	}
	return nil
}

// HealthCheck pings the pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgStore) missOrStale(ctx context.Context, id string, expectedVersion int) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM applications WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check application: %w", err)
	}
	if !exists {
		return notFound(id)
	}
	return model.NewStaleApplicationError(id, expectedVersion)
}

func (s *PgStore) queryApplications(ctx context.Context, query string, args ...any) ([]*model.Application, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query applications: %w", err)
	}
	defer rows.Close()

	var apps []*model.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

func scanApplication(scanner pgx.Row) (*model.Application, error) {
	var app model.Application
	var r row
	if err := scanner.Scan(
		&app.ID, &app.TypeID, &app.TenantID, &app.State, &app.Status, &app.Applicant,
		&r.answers, &r.externalData, &r.assignees, &r.applicantActors, &r.history,
		&app.Version, &app.Pruned, &app.PrunedAt, &app.Created, &app.Modified,
	); err != nil {
		return nil, err
	}
	if err := r.decodeInto(&app); err != nil {
		return nil, err
	}
	app.Created = app.Created.UTC()
	app.Modified = app.Modified.UTC()
	if app.PrunedAt != nil {
		t := app.PrunedAt.UTC()
		app.PrunedAt = &t
	}
	return &app, nil
}
