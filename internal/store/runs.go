package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/adept-at/adept-triage-agent-sub000/internal/pipeline"
)

// TriageRun is a stored triage result for one failing workflow run.
type TriageRun struct {
	ID            uuid.UUID
	Repo          string
	WorkflowRunID int64
	TestFile      string
	TestName      string
	ErrorMessage  string
	Approach      string
	Success       bool
	Confidence    *int
	Iterations    int
	Fix           *pipeline.Fix
	CreatedAt     time.Time
}

// CreateRunParams contains parameters for storing a triage run. Embedding
// may be nil when no embedding provider was available.
type CreateRunParams struct {
	ID            uuid.UUID
	Repo          string
	WorkflowRunID int64
	TestFile      string
	TestName      string
	ErrorMessage  string
	Approach      string
	Success       bool
	Confidence    *int
	Iterations    int
	Fix           *pipeline.Fix
	Embedding     []float32
}

// runColumns is the standard column list for triage run queries.
const runColumns = `id, repo, workflow_run_id, test_file, test_name, error_message, approach, success, confidence, iterations, fix, created_at`

// scanRun scans a row into a TriageRun and unmarshals the fix JSON.
func scanRun(row pgx.Row) (*TriageRun, error) {
	var r TriageRun
	var fixJSON []byte
	err := row.Scan(
		&r.ID, &r.Repo, &r.WorkflowRunID, &r.TestFile, &r.TestName,
		&r.ErrorMessage, &r.Approach, &r.Success, &r.Confidence, &r.Iterations,
		&fixJSON, &r.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalFix(fixJSON, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func unmarshalFix(fixJSON []byte, r *TriageRun) error {
	if fixJSON != nil {
		r.Fix = &pipeline.Fix{}
		return json.Unmarshal(fixJSON, r.Fix)
	}
	return nil
}

// CreateRun stores a new triage result.
func (db *DB) CreateRun(ctx context.Context, params CreateRunParams) (*TriageRun, error) {
	var fixJSON []byte
	var err error
	if params.Fix != nil {
		fixJSON, err = json.Marshal(params.Fix)
		if err != nil {
			return nil, err
		}
	}

	var embedding any
	if params.Embedding != nil {
		embedding = pgvector.NewVector(params.Embedding)
	}

	row := db.pool.QueryRow(ctx,
		`INSERT INTO triage_runs (id, repo, workflow_run_id, test_file, test_name, error_message, approach, success, confidence, iterations, fix, embedding)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING `+runColumns,
		params.ID, params.Repo, params.WorkflowRunID, params.TestFile, params.TestName,
		params.ErrorMessage, params.Approach, params.Success, params.Confidence,
		params.Iterations, fixJSON, embedding,
	)
	return scanRun(row)
}

// GetRunByID retrieves a triage run by ID.
func (db *DB) GetRunByID(ctx context.Context, id uuid.UUID) (*TriageRun, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM triage_runs WHERE id = $1`,
		id,
	)
	return scanRun(row)
}

// GetRunForWorkflow retrieves the latest triage run for a repository and
// workflow run ID.
func (db *DB) GetRunForWorkflow(ctx context.Context, repo string, workflowRunID int64) (*TriageRun, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM triage_runs
		 WHERE repo = $1 AND workflow_run_id = $2
		 ORDER BY created_at DESC
		 LIMIT 1`,
		repo, workflowRunID,
	)
	return scanRun(row)
}

// ListRepoRuns returns triage runs for a repository, newest first.
func (db *DB) ListRepoRuns(ctx context.Context, repo string, limit int) ([]TriageRun, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM triage_runs
		 WHERE repo = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		repo, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []TriageRun
	for rows.Next() {
		var r TriageRun
		var fixJSON []byte
		if err := rows.Scan(
			&r.ID, &r.Repo, &r.WorkflowRunID, &r.TestFile, &r.TestName,
			&r.ErrorMessage, &r.Approach, &r.Success, &r.Confidence, &r.Iterations,
			&fixJSON, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		if err := unmarshalFix(fixJSON, &r); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// SimilarRun pairs a stored run with its cosine distance to a query.
type SimilarRun struct {
	TriageRun
	Distance float64
}

// SimilarFailures returns the stored runs whose error embeddings are
// closest to the query embedding, nearest first.
func (db *DB) SimilarFailures(ctx context.Context, embedding []float32, limit int) ([]SimilarRun, error) {
	if limit <= 0 {
		limit = 5
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+`, embedding <=> $1 AS distance
		 FROM triage_runs
		 WHERE embedding IS NOT NULL
		 ORDER BY embedding <=> $1
		 LIMIT $2`,
		pgvector.NewVector(embedding), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []SimilarRun
	for rows.Next() {
		var r SimilarRun
		var fixJSON []byte
		if err := rows.Scan(
			&r.ID, &r.Repo, &r.WorkflowRunID, &r.TestFile, &r.TestName,
			&r.ErrorMessage, &r.Approach, &r.Success, &r.Confidence, &r.Iterations,
			&fixJSON, &r.CreatedAt, &r.Distance,
		); err != nil {
			return nil, err
		}
		if err := unmarshalFix(fixJSON, &r.TriageRun); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// DeleteRun deletes a triage run by ID.
func (db *DB) DeleteRun(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM triage_runs WHERE id = $1`,
		id,
	)
	return err
}

// DeleteOldRuns deletes runs created before the given time.
func (db *DB) DeleteOldRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := db.pool.Exec(ctx,
		`DELETE FROM triage_runs WHERE created_at < $1`,
		olderThan,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
