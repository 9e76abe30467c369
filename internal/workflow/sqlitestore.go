package workflow

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/pitabwire/casework/internal/config"
	"github.com/pitabwire/casework/model"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

const sqliteColumns = `id, type_id, tenant_id, state, status, applicant,
	answers, external_data, assignees, applicant_actors, history,
	version, pruned, pruned_at, created_at, modified_at`

// SQLiteStore is a Store backed by database/sql and the pure Go SQLite
// driver. Timestamps are stored as Unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open database. The schema must already exist; use
// OpenSQLite to open and migrate in one step.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// OpenSQLite opens the database at cfg.SQLitePath, configures the pool and
// applies the embedded migrations.
func OpenSQLite(ctx context.Context, cfg config.StoreConfig) (*SQLiteStore, error) {
	dsn := cfg.SQLitePath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := NewSQLiteStore(db)
	if err := s.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies the embedded schema migrations.
func (s *SQLiteStore) Migrate() error {
	source, err := iofs.New(sqliteMigrations, "migrations/sqlite")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create inserts a new application.
func (s *SQLiteStore) Create(ctx context.Context, app *model.Application) error {
	r, err := encodeRow(app)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO applications (`+sqliteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		app.ID, app.TypeID, app.TenantID, app.State, app.Status, app.Applicant,
		string(r.answers), string(r.externalData), string(r.assignees), string(r.applicantActors), string(r.history),
		app.Version, app.Pruned, nanosOrNil(app.PrunedAt), app.Created.UnixNano(), app.Modified.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert application: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert application: %w", err)
	}
	if n == 0 {
		return model.NewConflictError(fmt.Sprintf("application %q already exists", app.ID))
	}
	return nil
}

// Get retrieves an application by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Application, error) {
	app, err := scanSQLiteApplication(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM applications WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("query application: %w", err)
	}
	return app, nil
}

// Save persists an updated application with optimistic locking.
func (s *SQLiteStore) Save(ctx context.Context, app *model.Application, expectedVersion int) error {
	r, err := encodeRow(app)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE applications SET
			state = ?,
			status = ?,
			answers = ?,
			external_data = ?,
			assignees = ?,
			applicant_actors = ?,
			history = ?,
			version = ?,
			modified_at = ?
		WHERE id = ? AND version = ?`,
		app.State, app.Status,
		string(r.answers), string(r.externalData), string(r.assignees), string(r.applicantActors), string(r.history),
		expectedVersion+1, app.Modified.UnixNano(),
		app.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update application: %w", err)
	}
	if err := s.checkAffected(ctx, res, app.ID, expectedVersion); err != nil {
		return err
	}
	app.Version = expectedVersion + 1
	return nil
}

// Delete removes an application with optimistic locking.
func (s *SQLiteStore) Delete(ctx context.Context, id string, expectedVersion int) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM applications WHERE id = ? AND version = ?`, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("delete application: %w", err)
	}
	return s.checkAffected(ctx, res, id, expectedVersion)
}

// List returns applications matching filter, newest first.
func (s *SQLiteStore) List(ctx context.Context, filter model.ApplicationFilter) ([]*model.Application, error) {
	query := `SELECT ` + sqliteColumns + ` FROM applications WHERE 1 = 1`
	var args []any

	if filter.TenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, filter.TenantID)
	}
	if filter.TypeID != "" {
		query += " AND type_id = ?"
		args = append(args, filter.TypeID)
	}
	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, filter.State)
	}
	if filter.Applicant != "" {
		query += " AND applicant = ?"
		args = append(args, filter.Applicant)
	}
	if filter.Assignee != "" {
		query += " AND EXISTS (SELECT 1 FROM json_each(applications.assignees) WHERE json_each.value = ?)"
		args = append(args, filter.Assignee)
	}
	if !filter.IncludePruned {
		query += " AND pruned = 0"
	}
	query += " ORDER BY created_at DESC, id ASC"

	return s.queryApplications(ctx, query, args...)
}

// FindPruneCandidates returns unpruned applications in state modified at or
// before cutoff, oldest first.
func (s *SQLiteStore) FindPruneCandidates(ctx context.Context, typeID, state string, cutoff time.Time) ([]*model.Application, error) {
	return s.queryApplications(ctx, `
		SELECT `+sqliteColumns+` FROM applications
		WHERE type_id = ? AND state = ? AND pruned = 0 AND modified_at <= ?
		ORDER BY modified_at ASC`,
		typeID, state, cutoff.UnixNano(),
	)
}

// MarkPruned clears an application's data and flags it pruned.
func (s *SQLiteStore) MarkPruned(ctx context.Context, id string, expectedVersion int, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE applications SET
			answers = '{}',
			external_data = '{}',
			pruned = 1,
			pruned_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?`,
		at.UnixNano(), id, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("prune application: %w", err)
	}
	return s.checkAffected(ctx, res, id, expectedVersion)
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) checkAffected(ctx context.Context, res sql.Result, id string, expectedVersion int) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM applications WHERE id = ?`, id,
	).Scan(&count); err != nil {
		return fmt.Errorf("check application: %w", err)
	}
	if count == 0 {
		return notFound(id)
	}
	return model.NewStaleApplicationError(id, expectedVersion)
}

func (s *SQLiteStore) queryApplications(ctx context.Context, query string, args ...any) ([]*model.Application, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query applications: %w", err)
	}
	defer rows.Close()

	var apps []*model.Application
	for rows.Next() {
		app, err := scanSQLiteApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteApplication(scanner rowScanner) (*model.Application, error) {
	var app model.Application
	var r row
	var prunedAt sql.NullInt64
	var created, modified int64
	if err := scanner.Scan(
		&app.ID, &app.TypeID, &app.TenantID, &app.State, &app.Status, &app.Applicant,
		&r.answers, &r.externalData, &r.assignees, &r.applicantActors, &r.history,
		&app.Version, &app.Pruned, &prunedAt, &created, &modified,
	); err != nil {
		return nil, err
	}
	if err := r.decodeInto(&app); err != nil {
		return nil, err
	}
	app.Created = time.Unix(0, created).UTC()
	app.Modified = time.Unix(0, modified).UTC()
	if prunedAt.Valid {
		t := time.Unix(0, prunedAt.Int64).UTC()
		app.PrunedAt = &t
	}
	return &app, nil
}

func nanosOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
