package jobstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/proptour/internal/models"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository persists jobs as JSONB documents in render_jobs.
// Updates lock the row with SELECT ... FOR UPDATE inside a transaction.
type PostgresRepository struct {
	*sql.DB
}

// NewPostgresRepository opens the database and applies pending migrations.
func NewPostgresRepository(databaseURL string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &PostgresRepository{DB: db}, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (db *PostgresRepository) Create(ctx context.Context, job *models.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	query := `
		INSERT INTO render_jobs (id, status, payload, updated_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = db.ExecContext(ctx, query,
		job.ID, job.Status(), payload, job.UpdatedBy, job.CreatedAt, job.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (db *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var payload []byte
	err := db.QueryRowContext(ctx, `SELECT payload FROM render_jobs WHERE id = $1`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return decodeJob(payload)
}

func (db *PostgresRepository) Update(ctx context.Context, id uuid.UUID, actor models.Actor, fn UpdateFunc) (*models.Job, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var payload []byte
	err = tx.QueryRowContext(ctx, `SELECT payload FROM render_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock job: %w", err)
	}

	job, err := decodeJob(payload)
	if err != nil {
		return nil, err
	}
	if err := fn(job); err != nil {
		return nil, err
	}
	stamp(job, actor)

	updated, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	query := `
		UPDATE render_jobs
		SET status = $1, payload = $2, updated_by = $3, updated_at = $4
		WHERE id = $5
	`
	if _, err := tx.ExecContext(ctx, query, job.Status(), updated, job.UpdatedBy, job.UpdatedAt, id); err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job update: %w", err)
	}
	return job, nil
}

func (db *PostgresRepository) ListActive(ctx context.Context) ([]*models.Job, error) {
	query := `
		SELECT payload FROM render_jobs
		WHERE status NOT IN ($1, $2)
		   OR payload->'talk_track'->>'status' = $3
		ORDER BY created_at
	`
	rows, err := db.QueryContext(ctx, query, models.StatusCompleted, models.StatusFailed, models.TalkTrackInProgress)
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}
	defer rows.Close()

	var active []*models.Job
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		job, err := decodeJob(payload)
		if err != nil {
			return nil, err
		}
		active = append(active, job)
	}
	return active, rows.Err()
}
