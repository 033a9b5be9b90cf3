package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/Priya8975/promo-dispatch/internal/domain"
)

func (s *PostgresStore) InsertTrackingEvent(ctx context.Context, ev *domain.TrackingEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tracking_events (id, product_id, contact_id, send_log_id, tracking_code, event_type, ip_address, user_agent, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, ev.ID, ev.ProductID, ev.ContactID, ev.SendLogID, ev.TrackingCode, string(ev.EventType),
		ev.IPAddress, ev.UserAgent, ev.Metadata, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting tracking event: %w", err)
	}
	return nil
}

// ListTrackingEvents returns events with optional filtering, newest first.
func (s *PostgresStore) ListTrackingEvents(ctx context.Context, f EventFilter) ([]domain.TrackingEvent, error) {
	query := `SELECT id, product_id, contact_id, send_log_id, tracking_code, event_type, ip_address, user_agent, metadata, created_at FROM tracking_events`
	args := []interface{}{}
	argIdx := 1
	conditions := []string{}

	if f.ProductID != "" {
		conditions = append(conditions, fmt.Sprintf("product_id = $%d", argIdx))
		args = append(args, f.ProductID)
		argIdx++
	}
	if f.SendLogID != "" {
		conditions = append(conditions, fmt.Sprintf("send_log_id = $%d", argIdx))
		args = append(args, f.SendLogID)
		argIdx++
	}
	if f.EventType != "" {
		conditions = append(conditions, fmt.Sprintf("event_type = $%d", argIdx))
		args = append(args, string(f.EventType))
		argIdx++
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tracking events: %w", err)
	}
	defer rows.Close()

	events := []domain.TrackingEvent{}
	for rows.Next() {
		var ev domain.TrackingEvent
		var eventType string
		err := rows.Scan(&ev.ID, &ev.ProductID, &ev.ContactID, &ev.SendLogID, &ev.TrackingCode,
			&eventType, &ev.IPAddress, &ev.UserAgent, &ev.Metadata, &ev.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning tracking event: %w", err)
		}
		ev.EventType = domain.EventType(eventType)
		events = append(events, ev)
	}
	return events, rows.Err()
}
