// Package registry implements the job lifecycle registry over Postgres.
//
// The registry is the only component allowed to mutate a job row. It holds
// no in-memory job state: every operation is a single round-trip against
// durable storage, so job status survives worker and API process restarts.
// Transition guards live in the UPDATE's WHERE clause, which makes duplicate
// queue deliveries and concurrent workers harmless.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/samshad/bestbuy-product-price-tracker/internal/tracker"
)

// pool is the subset of pgxpool.Pool the registry needs; pgxmock satisfies
// it in tests.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Config controls the Postgres connection pool behind the registry.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Registry is the Postgres-backed implementation of tracker.Registry.
type Registry struct {
	pool  pool
	idGen tracker.IDGenerator
	clock tracker.Clock
}

// New connects a Registry to Postgres using the provided config.
func New(ctx context.Context, cfg Config, idGen tracker.IDGenerator, clock tracker.Clock) (*Registry, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Registry{pool: p, idGen: idGen, clock: clock}, nil
}

// NewWithPool constructs a Registry from an existing pool (primarily for
// testing).
func NewWithPool(p pool, idGen tracker.IDGenerator, clock tracker.Clock) (*Registry, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Registry{pool: p, idGen: idGen, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (r *Registry) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

// Ping verifies the backing store is reachable.
func (r *Registry) Ping(ctx context.Context) error {
	var one int
	if err := r.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("%w: %v", tracker.ErrStorageUnavailable, err)
	}
	return nil
}

// CreateJob allocates a fresh id and inserts a Pending job row.
func (r *Registry) CreateJob(ctx context.Context, target tracker.Target) (tracker.Job, error) {
	if err := target.Validate(); err != nil {
		return tracker.Job{}, err
	}
	id, err := r.idGen.NewID()
	if err != nil {
		return tracker.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	now := r.clock.Now()
	job := tracker.Job{
		ID:        id,
		WebCode:   target.WebCode,
		URL:       target.URL,
		Status:    tracker.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `
INSERT INTO jobs (job_id, web_code, url, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = r.pool.Exec(ctx, query,
		job.ID, nullable(job.WebCode), nullable(job.URL), string(job.Status), job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return tracker.Job{}, fmt.Errorf("%w: insert job: %v", tracker.ErrStorageUnavailable, err)
	}
	return job, nil
}

// MarkInProgress transitions Pending to In Progress.
func (r *Registry) MarkInProgress(ctx context.Context, jobID string) error {
	query := `
UPDATE jobs SET status = $2, updated_at = $3
WHERE job_id = $1 AND status = $4`
	tag, err := r.pool.Exec(ctx, query,
		jobID, string(tracker.JobStatusInProgress), r.clock.Now(), string(tracker.JobStatusPending))
	if err != nil {
		return fmt.Errorf("%w: mark in progress: %v", tracker.ErrStorageUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return r.classifyRejectedUpdate(ctx, jobID)
	}
	return nil
}

// Complete transitions to Complete and stores the scraped result. The
// resolved web code is written back so URL-submitted jobs become queryable
// by web code.
func (r *Registry) Complete(ctx context.Context, jobID string, result tracker.Product) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal job result: %w", err)
	}
	query := `
UPDATE jobs SET status = $2, result = $3, web_code = $4, updated_at = $5
WHERE job_id = $1 AND status IN ($6, $7)`
	tag, err := r.pool.Exec(ctx, query,
		jobID, string(tracker.JobStatusComplete), payload, result.WebCode, r.clock.Now(),
		string(tracker.JobStatusPending), string(tracker.JobStatusInProgress))
	if err != nil {
		return fmt.Errorf("%w: complete job: %v", tracker.ErrStorageUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return r.classifyRejectedUpdate(ctx, jobID)
	}
	return nil
}

// Fail transitions to Failed and stores the error message.
func (r *Registry) Fail(ctx context.Context, jobID string, message string) error {
	query := `
UPDATE jobs SET status = $2, error = $3, updated_at = $4
WHERE job_id = $1 AND status IN ($5, $6)`
	tag, err := r.pool.Exec(ctx, query,
		jobID, string(tracker.JobStatusFailed), message, r.clock.Now(),
		string(tracker.JobStatusPending), string(tracker.JobStatusInProgress))
	if err != nil {
		return fmt.Errorf("%w: fail job: %v", tracker.ErrStorageUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return r.classifyRejectedUpdate(ctx, jobID)
	}
	return nil
}

// GetJob returns the job record or tracker.ErrNotFound.
func (r *Registry) GetJob(ctx context.Context, jobID string) (tracker.Job, error) {
	query := `
SELECT job_id, web_code, url, status, result, error, created_at, updated_at
FROM jobs WHERE job_id = $1`
	var (
		job     tracker.Job
		webCode *string
		url     *string
		result  []byte
		errMsg  *string
		status  string
	)
	err := r.pool.QueryRow(ctx, query, jobID).Scan(
		&job.ID, &webCode, &url, &status, &result, &errMsg, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return tracker.Job{}, fmt.Errorf("%w: job %s", tracker.ErrNotFound, jobID)
	}
	if err != nil {
		return tracker.Job{}, fmt.Errorf("%w: get job: %v", tracker.ErrStorageUnavailable, err)
	}
	job.Status = tracker.JobStatus(status)
	if webCode != nil {
		job.WebCode = *webCode
	}
	if url != nil {
		job.URL = *url
	}
	if errMsg != nil {
		job.Error = *errMsg
	}
	if len(result) > 0 {
		var product tracker.Product
		if err := json.Unmarshal(result, &product); err != nil {
			return tracker.Job{}, fmt.Errorf("unmarshal job result: %w", err)
		}
		job.Result = &product
	}
	return job, nil
}

// classifyRejectedUpdate distinguishes a missing job from an illegal
// transition after an UPDATE matched zero rows.
func (r *Registry) classifyRejectedUpdate(ctx context.Context, jobID string) error {
	var status string
	err := r.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE job_id = $1`, jobID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: job %s", tracker.ErrNotFound, jobID)
	}
	if err != nil {
		return fmt.Errorf("%w: classify rejected update: %v", tracker.ErrStorageUnavailable, err)
	}
	return fmt.Errorf("%w: job %s is %s", tracker.ErrInvalidTransition, jobID, status)
}

// nullable maps an empty string to NULL so optional columns stay NULL
// instead of empty text.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
