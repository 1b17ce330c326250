package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/basel-ax/sketchgen/internal/domain"
)

// Schema creates the queue table when it is missing
const Schema = `
CREATE TABLE IF NOT EXISTS sketch_jobs (
	id            SERIAL PRIMARY KEY,
	sketch_path   TEXT NOT NULL,
	params        JSONB NOT NULL,
	status        TEXT NOT NULL DEFAULT 'ReadyToGenerate',
	generation_id TEXT,
	results       TEXT[],
	error         TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// SketchJobRepository defines the interface for sketch job data access
type SketchJobRepository interface {
	Enqueue(ctx context.Context, sketchPath string, params domain.GenerationParams) (int, error)
	GetAllReadyToGenerate(ctx context.Context, limit int) ([]domain.SketchJob, error)
	UpdateStatus(ctx context.Context, id int, status string) error
	UpdateGenerationID(ctx context.Context, id int, generationID string) error
	SaveResults(ctx context.Context, id int, results []string) error
	SaveError(ctx context.Context, id int, message string) error
}

// storedParams is the JSONB layout of the params column
type storedParams struct {
	Prompt         string   `json:"prompt"`
	Temperature    *float64 `json:"temperature,omitempty"`
	GuidanceScale  *float64 `json:"guidanceScale,omitempty"`
	Seed           *int64   `json:"seed,omitempty"`
	IterationSteps *int     `json:"iterationSteps,omitempty"`
	NumImages      *int     `json:"numImages,omitempty"`
}

// PostgresSketchJobRepository implements SketchJobRepository for PostgreSQL
type PostgresSketchJobRepository struct {
	db *sql.DB
}

// NewPostgresSketchJobRepository creates a new PostgreSQL sketch job repository
func NewPostgresSketchJobRepository(db *sql.DB) *PostgresSketchJobRepository {
	return &PostgresSketchJobRepository{db: db}
}

// EnsureSchema creates the sketch_jobs table
func (r *PostgresSketchJobRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create sketch_jobs: %w", err)
	}
	return nil
}

// Enqueue stores a new job ready for generation and returns its id
func (r *PostgresSketchJobRepository) Enqueue(ctx context.Context, sketchPath string, params domain.GenerationParams) (int, error) {
	raw, err := json.Marshal(storedParams(params))
	if err != nil {
		return 0, fmt.Errorf("failed to marshal params: %w", err)
	}

	query := `
		INSERT INTO sketch_jobs (sketch_path, params, status)
		VALUES ($1, $2, $3)
		RETURNING id
	`

	var id int
	if err := r.db.QueryRowContext(ctx, query, sketchPath, raw, domain.JobReadyToGenerate).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// GetAllReadyToGenerate retrieves the oldest jobs waiting for generation
func (r *PostgresSketchJobRepository) GetAllReadyToGenerate(ctx context.Context, limit int) ([]domain.SketchJob, error) {
	query := `
		SELECT id, sketch_path, params, status, created_at
		FROM sketch_jobs
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, domain.JobReadyToGenerate, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.SketchJob
	for rows.Next() {
		var (
			job domain.SketchJob
			raw []byte
		)
		if err := rows.Scan(&job.ID, &job.SketchPath, &raw, &job.Status, &job.CreatedAt); err != nil {
			return nil, err
		}
		var params storedParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, fmt.Errorf("job %d has invalid params: %w", job.ID, err)
		}
		job.Params = domain.GenerationParams(params)
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateStatus updates the status of a job
func (r *PostgresSketchJobRepository) UpdateStatus(ctx context.Context, id int, status string) error {
	query := `
		UPDATE sketch_jobs
		SET status = $1, updated_at = $2
		WHERE id = $3
	`

	_, err := r.db.ExecContext(ctx, query, status, time.Now(), id)
	return err
}

// UpdateGenerationID records the server job id of a job
func (r *PostgresSketchJobRepository) UpdateGenerationID(ctx context.Context, id int, generationID string) error {
	query := `
		UPDATE sketch_jobs
		SET generation_id = $1, updated_at = $2
		WHERE id = $3
	`

	_, err := r.db.ExecContext(ctx, query, generationID, time.Now(), id)
	return err
}

// SaveResults stores the result references and marks the job completed
func (r *PostgresSketchJobRepository) SaveResults(ctx context.Context, id int, results []string) error {
	query := `
		UPDATE sketch_jobs
		SET results = $1, status = $2, error = NULL, updated_at = $3
		WHERE id = $4
	`

	_, err := r.db.ExecContext(ctx, query, pq.Array(results), domain.JobCompleted, time.Now(), id)
	return err
}

// SaveError stores the failure message and marks the job failed
func (r *PostgresSketchJobRepository) SaveError(ctx context.Context, id int, message string) error {
	query := `
		UPDATE sketch_jobs
		SET error = $1, status = $2, updated_at = $3
		WHERE id = $4
	`

	_, err := r.db.ExecContext(ctx, query, message, domain.JobFailed, time.Now(), id)
	return err
}
