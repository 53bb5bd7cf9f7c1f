package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"kbengine/internal/db"
	"kbengine/internal/domain"
)

// JobRepositoryPG implements domain.JobRepository.
type JobRepositoryPG struct {
	db db.DBTX
}

const jobColumns = `id, document_id, knowledge_space_id, initiator_id, job_type, status, progress, context, result, error_message, requeue_count, created_at, updated_at`

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	if err := row.Scan(
		&j.ID,
		&j.DocumentID,
		&j.KnowledgeSpaceID,
		&j.InitiatorID,
		&j.Type,
		&j.Status,
		&j.Progress,
		&j.Context,
		&j.Result,
		&j.ErrorMessage,
		&j.RequeueCount,
		&j.CreatedAt,
		&j.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]domain.Job, error) {
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// Create inserts a PENDING job. The partial unique index on active
// (document_id, job_type) pairs turns a concurrent duplicate into
// domain.ErrConflict instead of a second active job.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	query := `
INSERT INTO jobs (id, document_id, knowledge_space_id, initiator_id, job_type, status, progress, context, result, error_message)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING created_at, updated_at;
`
	err := r.db.QueryRow(ctx, query,
		job.ID,
		job.DocumentID,
		job.KnowledgeSpaceID,
		job.InitiatorID,
		job.Type,
		job.Status,
		nullableJSON(job.Progress),
		nullableJSON(job.Context),
		nullableJSON(job.Result),
		job.ErrorMessage,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return domain.ErrConflict
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (r *JobRepositoryPG) GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1;`
	job, err := scanJob(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (r *JobRepositoryPG) FindActive(ctx context.Context, documentID uuid.UUID, t domain.JobType) (*domain.Job, error) {
	query := `
SELECT ` + jobColumns + `
FROM jobs
WHERE document_id = $1 AND job_type = $2 AND status IN ('PENDING', 'RUNNING')
LIMIT 1;
`
	job, err := scanJob(r.db.QueryRow(ctx, query, documentID, t))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("find active job: %w", err)
	}
	return job, nil
}

// Transition moves a job between statuses, guarding the allowed source set in
// the WHERE clause so concurrent writers cannot race past the state machine.
func (r *JobRepositoryPG) Transition(ctx context.Context, id uuid.UUID, from []domain.JobStatus, to domain.JobStatus, upd domain.JobUpdate) (*domain.Job, error) {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}
	query := `
UPDATE jobs
SET status = $2,
    result = COALESCE($3, result),
    error_message = CASE WHEN $4 <> '' THEN $4 ELSE error_message END,
    updated_at = now()
WHERE id = $1 AND status = ANY($5)
RETURNING ` + jobColumns + `;
`
	job, err := scanJob(r.db.QueryRow(ctx, query, id, to, nullableJSON(upd.Result), upd.ErrorMessage, fromStrs))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("transition job to %s: %w", to, err)
	}
	// Distinguish a missing job from a disallowed transition.
	current, getErr := r.GetByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return current, fmt.Errorf("job %s is %s: %w", id, current.Status, domain.ErrInvalidTransition)
}

func (r *JobRepositoryPG) UpdateProgress(ctx context.Context, id uuid.UUID, progress json.RawMessage) error {
	query := `
UPDATE jobs
SET progress = $2, updated_at = now()
WHERE id = $1 AND status IN ('PENDING', 'RUNNING');
`
	if _, err := r.db.Exec(ctx, query, id, nullableJSON(progress)); err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

func (r *JobRepositoryPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM jobs WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *JobRepositoryPG) AbortActive(ctx context.Context, documentIDs []uuid.UUID, t *domain.JobType, reason string) (int, error) {
	query := `
UPDATE jobs
SET status = 'ABORTED', error_message = $2, updated_at = now()
WHERE document_id = ANY($1)
  AND status IN ('PENDING', 'RUNNING')
  AND ($3::text IS NULL OR job_type = $3);
`
	var typeArg *string
	if t != nil {
		s := string(*t)
		typeArg = &s
	}
	tag, err := r.db.Exec(ctx, query, documentIDs, reason, typeArg)
	if err != nil {
		return 0, fmt.Errorf("abort jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RequeueStale returns stuck RUNNING jobs to PENDING, or fails them once the
// requeue budget is spent. A job is stale when neither its status nor its
// progress snapshot moved within olderThan.
func (r *JobRepositoryPG) RequeueStale(ctx context.Context, olderThan time.Duration, maxRequeues int) ([]domain.Job, error) {
	cutoff := time.Now().Add(-olderThan)

	failQuery := `
UPDATE jobs
SET status = 'FAILED',
    error_message = 'worker lost: requeue budget exhausted',
    updated_at = now()
WHERE status = 'RUNNING' AND updated_at < $1 AND requeue_count >= $2
RETURNING ` + jobColumns + `;
`
	rows, err := r.db.Query(ctx, failQuery, cutoff, maxRequeues)
	if err != nil {
		return nil, fmt.Errorf("fail stale jobs: %w", err)
	}
	failed, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}

	requeueQuery := `
UPDATE jobs
SET status = 'PENDING',
    requeue_count = requeue_count + 1,
    error_message = 'requeued after stale RUNNING timeout',
    updated_at = now()
WHERE status = 'RUNNING' AND updated_at < $1 AND requeue_count < $2
RETURNING ` + jobColumns + `;
`
	rows, err = r.db.Query(ctx, requeueQuery, cutoff, maxRequeues)
	if err != nil {
		return nil, fmt.Errorf("requeue stale jobs: %w", err)
	}
	requeued, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	return append(failed, requeued...), nil
}

// ClaimPending atomically locks and starts up to limit PENDING jobs of one
// type; SKIP LOCKED lets concurrent workers share the queue.
func (r *JobRepositoryPG) ClaimPending(ctx context.Context, t domain.JobType, limit int) ([]domain.Job, error) {
	query := `
WITH next_jobs AS (
    SELECT id
    FROM jobs
    WHERE status = 'PENDING' AND job_type = $1
    ORDER BY created_at
    FOR UPDATE SKIP LOCKED
    LIMIT $2
)
UPDATE jobs
SET status = 'RUNNING', updated_at = now()
WHERE id IN (SELECT id FROM next_jobs)
RETURNING ` + jobColumns + `;
`
	rows, err := r.db.Query(ctx, query, t, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending jobs: %w", err)
	}
	return collectJobs(rows)
}

func (r *JobRepositoryPG) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE document_id = $1 ORDER BY created_at;`
	rows, err := r.db.Query(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("list jobs by document: %w", err)
	}
	return collectJobs(rows)
}

func nullableJSON(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
