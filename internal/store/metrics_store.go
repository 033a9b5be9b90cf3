package store

import (
	"context"
	"fmt"

	"github.com/Priya8975/promo-dispatch/internal/domain"
)

// JobSummary returns aggregated job, row and engagement statistics from the database.
func (s *PostgresStore) JobSummary(ctx context.Context) (*Summary, error) {
	sum := &Summary{
		JobsByStatus:   map[domain.JobStatus]int{},
		TrackingEvents: map[domain.EventType]int{},
	}

	// Jobs per status
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM send_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("querying job counts: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning job count: %w", err)
		}
		sum.JobsByStatus[domain.JobStatus(status)] = n
		sum.TotalJobs += n
	}
	rows.Close()

	// Row outcomes
	err = s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status IN ('SENT', 'DELIVERED')) AS success,
			COUNT(*) FILTER (WHERE status = 'FAILED') AS failed
		FROM send_logs
	`).Scan(&sum.TotalLogs, &sum.SuccessCount, &sum.FailedCount)
	if err != nil {
		return nil, fmt.Errorf("querying send log metrics: %w", err)
	}
	if done := sum.SuccessCount + sum.FailedCount; done > 0 {
		sum.SuccessRate = float64(sum.SuccessCount) / float64(done) * 100
	}

	// Engagement
	rows, err = s.pool.Query(ctx, `SELECT event_type, COUNT(*) FROM tracking_events GROUP BY event_type`)
	if err != nil {
		return nil, fmt.Errorf("querying tracking event counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var et string
		var n int
		if err := rows.Scan(&et, &n); err != nil {
			return nil, fmt.Errorf("scanning tracking event count: %w", err)
		}
		sum.TrackingEvents[domain.EventType(et)] = n
	}
	return sum, rows.Err()
}
