package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/Priya8975/promo-dispatch/internal/domain"
)

const logColumns = `id, send_job_id, product_id, contact_id, channel, status, tracking_code,
	error_code, error_message, external_message_id, retry_count, next_attempt_at, sent_at, created_at, seq`

func scanLog(row rowScanner) (*domain.SendLog, error) {
	var l domain.SendLog
	var channel, status string
	err := row.Scan(
		&l.ID, &l.SendJobID, &l.ProductID, &l.ContactID, &channel, &status, &l.TrackingCode,
		&l.ErrorCode, &l.ErrorMessage, &l.ExternalMessageID, &l.RetryCount, &l.NextAttemptAt, &l.SentAt, &l.CreatedAt, &l.Seq,
	)
	if err != nil {
		return nil, err
	}
	l.Channel = domain.Channel(channel)
	l.Status = domain.LogStatus(status)
	return &l, nil
}

func (s *PostgresStore) queryLogs(ctx context.Context, query string, args ...any) ([]domain.SendLog, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying send logs: %w", err)
	}
	defer rows.Close()

	logs := []domain.SendLog{}
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning send log: %w", err)
		}
		logs = append(logs, *l)
	}
	return logs, rows.Err()
}

func (s *PostgresStore) getLogWhere(ctx context.Context, where string, arg any) (*domain.SendLog, error) {
	l, err := scanLog(s.pool.QueryRow(ctx, `SELECT `+logColumns+` FROM send_logs WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("querying send log: %w", err)
	}
	return l, nil
}

func (s *PostgresStore) ListOpenLogs(ctx context.Context, jobID string) ([]domain.SendLog, error) {
	return s.queryLogs(ctx, `
		SELECT `+logColumns+` FROM send_logs
		WHERE send_job_id = $1 AND status IN ('PENDING', 'RETRY')
		ORDER BY seq
	`, jobID)
}

func (s *PostgresStore) MarkRetry(ctx context.Context, m domain.RetryMark) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE send_logs
		SET status = 'RETRY', retry_count = $2, next_attempt_at = $3, error_code = $4, error_message = $5
		WHERE id = $1 AND status IN ('PENDING', 'RETRY')
	`, m.LogID, m.RetryCount, m.NextAttemptAt, m.ErrorCode, m.ErrorMessage)
	if err != nil {
		return false, fmt.Errorf("marking send log for retry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordOutcome finalizes an open row and bumps the job counter in one transaction,
// so success_count + fail_count always equals the number of terminal rows.
func (s *PostgresStore) RecordOutcome(ctx context.Context, o domain.Outcome) (*domain.SendJob, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("starting outcome transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the job before the row, the same order AbortJob and ExpandJob use.
	var jobID string
	err = tx.QueryRow(ctx, `SELECT send_job_id FROM send_logs WHERE id = $1`, o.LogID).Scan(&jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, domain.ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("looking up send log job: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT 1 FROM send_jobs WHERE id = $1 FOR UPDATE`, jobID); err != nil {
		return nil, false, fmt.Errorf("locking send job: %w", err)
	}

	if o.Status.Successful() {
		err = tx.QueryRow(ctx, `
			UPDATE send_logs SET
				status = $2,
				error_code = NULL,
				error_message = NULL,
				external_message_id = COALESCE(NULLIF($3::text, ''), external_message_id),
				sent_at = COALESCE(sent_at, $4),
				next_attempt_at = NULL
			WHERE id = $1 AND status IN ('PENDING', 'RETRY')
			RETURNING send_job_id
		`, o.LogID, string(o.Status), o.ExternalMessageID, o.At).Scan(&jobID)
	} else {
		err = tx.QueryRow(ctx, `
			UPDATE send_logs SET
				status = $2, error_code = $3, error_message = $4, next_attempt_at = NULL
			WHERE id = $1 AND status IN ('PENDING', 'RETRY')
			RETURNING send_job_id
		`, o.LogID, string(o.Status), o.ErrorCode, o.ErrorMessage).Scan(&jobID)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		j, jerr := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM send_jobs WHERE id = $1`, jobID))
		if jerr != nil {
			return nil, false, fmt.Errorf("reading send job: %w", jerr)
		}
		return j, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("recording send outcome: %w", err)
	}

	success, fail := 0, 1
	if o.Status.Successful() {
		success, fail = 1, 0
	}
	j, err := scanJob(tx.QueryRow(ctx, `
		UPDATE send_jobs
		SET success_count = success_count + $2, fail_count = fail_count + $3, updated_at = $4
		WHERE id = $1
		RETURNING `+jobColumns, jobID, success, fail, o.At))
	if err != nil {
		return nil, false, fmt.Errorf("updating job counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("committing outcome: %w", err)
	}
	return j, true, nil
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, logID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE send_logs SET status = 'DELIVERED' WHERE id = $1 AND status = 'SENT'`, logID)
	if err != nil {
		return false, fmt.Errorf("marking send log delivered: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetLog(ctx context.Context, id string) (*domain.SendLog, error) {
	return s.getLogWhere(ctx, "id = $1", id)
}

func (s *PostgresStore) GetLogByTrackingCode(ctx context.Context, code string) (*domain.SendLog, error) {
	return s.getLogWhere(ctx, "tracking_code = $1", code)
}

func (s *PostgresStore) GetLogByExternalID(ctx context.Context, externalID string) (*domain.SendLog, error) {
	return s.getLogWhere(ctx, "external_message_id = $1", externalID)
}

// ListLogs returns send logs with optional filtering, oldest first.
func (s *PostgresStore) ListLogs(ctx context.Context, f LogFilter) ([]domain.SendLog, error) {
	query := `SELECT ` + logColumns + ` FROM send_logs`
	args := []interface{}{}
	argIdx := 1
	conditions := []string{}

	if f.JobID != "" {
		conditions = append(conditions, fmt.Sprintf("send_job_id = $%d", argIdx))
		args = append(args, f.JobID)
		argIdx++
	}
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

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY seq"

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
	}

	return s.queryLogs(ctx, query, args...)
}
