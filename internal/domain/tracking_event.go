package domain

import "time"

// EventType is the kind of engagement signal a tracking event records.
type EventType string

const (
	EventClick     EventType = "CLICK"
	EventRead      EventType = "READ"
	EventDelivered EventType = "DELIVERED"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return t == EventClick || t == EventRead || t == EventDelivered
}

// TrackingEvent is an append-only engagement record.
type TrackingEvent struct {
	ID           string         `json:"id"`
	ProductID    *string        `json:"product_id,omitempty"`
	ContactID    *string        `json:"contact_id,omitempty"`
	SendLogID    *string        `json:"send_log_id,omitempty"`
	EventType    EventType      `json:"event_type"`
	TrackingCode *string        `json:"tracking_code,omitempty"`
	IPAddress    *string        `json:"ip_address,omitempty"`
	UserAgent    *string        `json:"user_agent,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
