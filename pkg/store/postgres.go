package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql

	"github.com/forgebuild/forge/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresConfig holds connection and pool settings.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Postgres implements Store on PostgreSQL via the pgx stdlib driver.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a pooled connection, verifies it, and applies pending
// embedded migrations.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := runMigrations(db, cfg.Database); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an existing connection and applies migrations.
// Used by integration tests that own the container lifecycle.
func NewPostgresFromDB(db *sql.DB, database string) (*Postgres, error) {
	if err := runMigrations(db, database); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &Postgres{db: db}, nil
}

func runMigrations(db *sql.DB, database string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, database, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	// Close only the source driver. m.Close() would also close the database
	// driver, which closes the shared *sql.DB.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

// DB returns the underlying connection for health checks.
func (p *Postgres) DB() *sql.DB {
	return p.db
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

const buildColumns = `id, owner_id, app_spec, status, created_at, started_at,
	progress_completed, progress_total, artifact_key, sandbox_id, output_url,
	review_gates_enabled, complexity_tier, target_feature_count, error`

func (p *Postgres) CreateBuild(ctx context.Context, build *models.Build) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO builds (`+buildColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		build.ID, build.OwnerID, build.AppSpec, string(build.Status), build.CreatedAt,
		build.StartedAt, build.Progress.Completed, build.Progress.Total,
		build.ArtifactKey, build.SandboxID, build.OutputURL,
		build.ReviewGatesEnabled, string(build.ComplexityTier), build.TargetFeatureCount,
		build.Error,
	)
	if err != nil {
		return fmt.Errorf("insert build %s: %w", build.ID, err)
	}
	return nil
}

func (p *Postgres) GetBuild(ctx context.Context, id string) (*models.Build, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = $1`, id)
	build, err := scanBuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get build %s: %w", id, err)
	}
	return build, nil
}

func (p *Postgres) ListBuilds(ctx context.Context, ownerID string) ([]*models.Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id = $1`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close()

	var builds []*models.Build
	for rows.Next() {
		build, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("scan build: %w", err)
		}
		builds = append(builds, build)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	return builds, nil
}

func (p *Postgres) UpdateBuild(ctx context.Context, build *models.Build) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE builds SET
			owner_id = $2, app_spec = $3, status = $4, created_at = $5, started_at = $6,
			progress_completed = $7, progress_total = $8, artifact_key = $9,
			sandbox_id = $10, output_url = $11, review_gates_enabled = $12,
			complexity_tier = $13, target_feature_count = $14, error = $15
		WHERE id = $1`,
		build.ID, build.OwnerID, build.AppSpec, string(build.Status), build.CreatedAt,
		build.StartedAt, build.Progress.Completed, build.Progress.Total,
		build.ArtifactKey, build.SandboxID, build.OutputURL,
		build.ReviewGatesEnabled, string(build.ComplexityTier), build.TargetFeatureCount,
		build.Error,
	)
	if err != nil {
		return fmt.Errorf("update build %s: %w", build.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update build %s: %w", build.ID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuild(row rowScanner) (*models.Build, error) {
	var (
		build  models.Build
		status string
		tier   string
	)
	err := row.Scan(
		&build.ID, &build.OwnerID, &build.AppSpec, &status, &build.CreatedAt,
		&build.StartedAt, &build.Progress.Completed, &build.Progress.Total,
		&build.ArtifactKey, &build.SandboxID, &build.OutputURL,
		&build.ReviewGatesEnabled, &tier, &build.TargetFeatureCount, &build.Error,
	)
	if err != nil {
		return nil, err
	}
	build.Status = models.BuildStatus(status)
	build.ComplexityTier = models.ComplexityTier(tier)
	return &build, nil
}

func (p *Postgres) CreateBuildEventsBatch(ctx context.Context, buildID string, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO build_events (id, build_id, payload, created_at)
		VALUES ($1, $2, $3, $4)`)
	if err != nil {
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", ev.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, ev.ID, buildID, payload, ev.Timestamp); err != nil {
			return fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event batch: %w", err)
	}
	return nil
}

func (p *Postgres) CreateBuildLogsBatch(ctx context.Context, buildID string, logs []models.LogEntry) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin log batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO build_logs (id, build_id, level, message, created_at)
		VALUES ($1, $2, $3, $4, $5)`)
	if err != nil {
		return fmt.Errorf("prepare log insert: %w", err)
	}
	defer stmt.Close()

	for _, log := range logs {
		if _, err := stmt.ExecContext(ctx, log.ID, buildID, string(log.Level), log.Message, log.Timestamp); err != nil {
			return fmt.Errorf("insert log %s: %w", log.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit log batch: %w", err)
	}
	return nil
}

func (p *Postgres) GetBuildEvents(ctx context.Context, buildID string) ([]models.Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT payload FROM build_events WHERE build_id = $1 ORDER BY seq`, buildID)
	if err != nil {
		return nil, fmt.Errorf("query events for %s: %w", buildID, err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event payload: %w", err)
		}
		var ev models.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event payload: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query events for %s: %w", buildID, err)
	}
	return events, nil
}

func (p *Postgres) GetBuildLogs(ctx context.Context, buildID string) ([]models.LogEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, level, message, created_at FROM build_logs
		WHERE build_id = $1 ORDER BY seq`, buildID)
	if err != nil {
		return nil, fmt.Errorf("query logs for %s: %w", buildID, err)
	}
	defer rows.Close()

	var logs []models.LogEntry
	for rows.Next() {
		var (
			log   models.LogEntry
			level string
		)
		if err := rows.Scan(&log.ID, &level, &log.Message, &log.Timestamp); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		log.BuildID = buildID
		log.Level = models.LogLevel(level)
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query logs for %s: %w", buildID, err)
	}
	return logs, nil
}
