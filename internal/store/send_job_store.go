package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Priya8975/promo-dispatch/internal/domain"
)

const jobColumns = `id, product_ids, contact_ids, channel, custom_message, recipient_count,
	success_count, fail_count, status, pause_reason, last_error, expanded,
	scheduled_at, started_at, completed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.SendJob, error) {
	var j domain.SendJob
	var channel, status string
	err := row.Scan(
		&j.ID, &j.ProductIDs, &j.ContactIDs, &channel, &j.CustomMessage, &j.RecipientCount,
		&j.SuccessCount, &j.FailCount, &status, &j.PauseReason, &j.LastError, &j.Expanded,
		&j.ScheduledAt, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Channel = domain.Channel(channel)
	j.Status = domain.JobStatus(status)
	return &j, nil
}

func statusStrings(list []domain.JobStatus) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = string(s)
	}
	return out
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *domain.SendJob) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO send_jobs (id, product_ids, contact_ids, channel, custom_message, status, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, job.ID, job.ProductIDs, job.ContactIDs, string(job.Channel), job.CustomMessage,
		string(job.Status), job.ScheduledAt, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting send job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*domain.SendJob, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM send_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("querying send job: %w", err)
	}
	return j, nil
}

// ListJobs returns one page of jobs and the total number matching the filter.
func (s *PostgresStore) ListJobs(ctx context.Context, f JobFilter) ([]domain.SendJob, int, error) {
	args := []interface{}{}
	argIdx := 1
	conditions := []string{}

	if f.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, string(f.Status))
		argIdx++
	}
	if f.Channel != "" {
		conditions = append(conditions, fmt.Sprintf("channel = $%d", argIdx))
		args = append(args, string(f.Channel))
		argIdx++
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM send_jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting send jobs: %w", err)
	}

	column, ok := JobSortColumns[f.SortBy]
	if !ok {
		column = "created_at"
	}
	direction := "ASC"
	if f.SortDesc {
		direction = "DESC"
	}

	query := `SELECT ` + jobColumns + ` FROM send_jobs` + where +
		fmt.Sprintf(" ORDER BY %s %s, id %s", column, direction, direction)
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
		args = append(args, f.Limit, f.Offset())
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying send jobs: %w", err)
	}
	defer rows.Close()

	jobs := []domain.SendJob{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning send job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, total, rows.Err()
}

// ClaimDueJobs uses SKIP LOCKED so several engine instances can poll the same table.
func (s *PostgresStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]domain.SendJob, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE send_jobs
		SET status = 'PROCESSING', started_at = COALESCE(started_at, $1), updated_at = $1
		WHERE id IN (
			SELECT id FROM send_jobs
			WHERE status = 'PENDING' AND (scheduled_at IS NULL OR scheduled_at <= $1)
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claiming due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.SendJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning claimed job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) TransitionJob(ctx context.Context, id string, from []domain.JobStatus, to domain.JobStatus, reason string, now time.Time) (*domain.SendJob, error) {
	var allowed []domain.JobStatus
	for _, f := range from {
		if domain.CanTransition(f, to) {
			allowed = append(allowed, f)
		}
	}

	j, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE send_jobs SET
			status = $3::text,
			pause_reason = CASE WHEN $3::text = 'PAUSED' THEN NULLIF($4::text, '')
			                    WHEN $3::text = 'PROCESSING' THEN NULL
			                    ELSE pause_reason END,
			started_at = CASE WHEN $3::text = 'PROCESSING' THEN COALESCE(started_at, $5::timestamptz) ELSE started_at END,
			completed_at = CASE WHEN $3::text IN ('COMPLETED', 'FAILED', 'CANCELLED') THEN $5::timestamptz ELSE completed_at END,
			updated_at = $5::timestamptz
		WHERE id = $1 AND status = ANY($2::text[])
		RETURNING `+jobColumns, id, statusStrings(allowed), string(to), reason, now))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transitioning send job: %w", err)
	}

	current, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, conflict(current, to)
}

// AbortJob locks the job row, sweeps its open rows and finalizes it in one transaction.
func (s *PostgresStore) AbortJob(ctx context.Context, id string, to domain.JobStatus, code, msg string, now time.Time) (*domain.SendJob, int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("starting abort transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM send_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, domain.ErrNotFound
		}
		return nil, 0, fmt.Errorf("locking send job: %w", err)
	}
	if !domain.CanTransition(domain.JobStatus(status), to) {
		return nil, 0, &domain.StateConflictError{JobID: id, Current: domain.JobStatus(status), Requested: "transition to " + string(to)}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE send_logs
		SET status = 'FAILED', error_code = $2, error_message = $3, next_attempt_at = NULL
		WHERE send_job_id = $1 AND status IN ('PENDING', 'RETRY')
	`, id, code, msg)
	if err != nil {
		return nil, 0, fmt.Errorf("sweeping open send logs: %w", err)
	}
	swept := int(tag.RowsAffected())

	j, err := scanJob(tx.QueryRow(ctx, `
		UPDATE send_jobs SET
			status = $2::text,
			fail_count = fail_count + $3::int,
			last_error = CASE WHEN $2::text = 'FAILED' THEN $4::text ELSE last_error END,
			completed_at = $5,
			updated_at = $5
		WHERE id = $1
		RETURNING `+jobColumns, id, string(to), swept, msg, now))
	if err != nil {
		return nil, 0, fmt.Errorf("finalizing send job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("committing abort: %w", err)
	}
	return j, swept, nil
}

// ExpandJob bulk-loads the rows with COPY and flips the expanded flag in the same transaction.
func (s *PostgresStore) ExpandJob(ctx context.Context, jobID string, logs []domain.SendLog) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("starting expansion transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var expanded bool
	err = tx.QueryRow(ctx, `SELECT expanded FROM send_jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&expanded)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("locking send job: %w", err)
	}
	if expanded {
		var n int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM send_logs WHERE send_job_id = $1`, jobID).Scan(&n); err != nil {
			return 0, fmt.Errorf("counting send logs: %w", err)
		}
		return n, nil
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"send_logs"},
		[]string{"id", "send_job_id", "product_id", "contact_id", "channel", "status", "tracking_code", "retry_count", "created_at"},
		pgx.CopyFromSlice(len(logs), func(i int) ([]any, error) {
			l := logs[i]
			return []any{l.ID, jobID, l.ProductID, l.ContactID, string(l.Channel), string(l.Status), l.TrackingCode, l.RetryCount, l.CreatedAt}, nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("copying send logs: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE send_jobs SET recipient_count = $2, expanded = TRUE WHERE id = $1`, jobID, len(logs))
	if err != nil {
		return 0, fmt.Errorf("marking send job expanded: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing expansion: %w", err)
	}
	return len(logs), nil
}
