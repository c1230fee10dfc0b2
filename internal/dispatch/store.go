package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/valinor-ai/relay/internal/platform/database"
)

const jobColumns = `id, connection_id, tenant_id, recipient, kind, payload, priority, attempts, max_attempts, state, next_run_at, last_error, external_id, rate_limit_class, created_at, updated_at`

// Store persists jobs in the dispatch_jobs table.
type Store struct {
	db database.Querier
}

func NewStore(db database.Querier) *Store {
	return &Store{db: db}
}

func (s *Store) Save(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("encoding job payload: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO dispatch_jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		job.ID, job.ConnectionID, job.TenantID, job.Recipient, job.Kind, payload,
		job.Priority, job.Attempts, job.MaxAttempts, string(job.State), job.NextRunAt,
		nullable(job.LastError), nullable(job.ExternalID), job.RateLimitClass,
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	return nil
}

// Update writes the mutable fields of a job.
func (s *Store) Update(ctx context.Context, job Job) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE dispatch_jobs
		 SET state = $2, attempts = $3, next_run_at = $4, last_error = $5,
		     external_id = $6, updated_at = $7
		 WHERE id = $1`,
		job.ID, string(job.State), job.Attempts, job.NextRunAt,
		nullable(job.LastError), nullable(job.ExternalID), job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM dispatch_jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting job: %w", err)
	}
	return nil
}

// LoadPending returns every job that has not finished, oldest first.
func (s *Store) LoadPending(ctx context.Context) ([]Job, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+jobColumns+`
		 FROM dispatch_jobs
		 WHERE state IN ('queued', 'delayed', 'retry_wait', 'active')
		 ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pending jobs: %w", err)
	}
	return jobs, nil
}

// RequeueActive returns jobs left active by a previous process to queued.
func (s *Store) RequeueActive(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE dispatch_jobs SET state = 'queued', updated_at = $1 WHERE state = 'active'`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("requeueing active jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Purge keeps the newest keep jobs in a finished state and deletes the rest.
func (s *Store) Purge(ctx context.Context, state State, keep int) (int, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM dispatch_jobs
		 WHERE state = $1 AND id NOT IN (
		     SELECT id FROM dispatch_jobs
		     WHERE state = $1
		     ORDER BY updated_at DESC
		     LIMIT $2
		 )`,
		string(state), keep,
	)
	if err != nil {
		return 0, fmt.Errorf("purging %s jobs: %w", state, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) DeleteFinishedBefore(ctx context.Context, state State, before time.Time) (int, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM dispatch_jobs WHERE state = $1 AND updated_at < $2`,
		string(state), before,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting %s jobs: %w", state, err)
	}
	return int(tag.RowsAffected()), nil
}

func scanJob(row pgx.Row) (Job, error) {
	var (
		job        Job
		payload    []byte
		state      string
		lastError  *string
		externalID *string
	)
	err := row.Scan(
		&job.ID, &job.ConnectionID, &job.TenantID, &job.Recipient, &job.Kind, &payload,
		&job.Priority, &job.Attempts, &job.MaxAttempts, &state, &job.NextRunAt,
		&lastError, &externalID, &job.RateLimitClass, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return Job{}, fmt.Errorf("scanning job: %w", err)
	}
	if err := json.Unmarshal(payload, &job.Payload); err != nil {
		return Job{}, fmt.Errorf("decoding job payload: %w", err)
	}
	job.State = State(state)
	if lastError != nil {
		job.LastError = *lastError
	}
	if externalID != nil {
		job.ExternalID = *externalID
	}
	return job, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
