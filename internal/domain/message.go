package domain

// MessageKind is the carrier product a rendered message is sent as.
type MessageKind string

const (
	KindSMS   MessageKind = "SMS"
	KindLMS   MessageKind = "LMS"
	KindKakao MessageKind = "KAKAO"
)

// Message is one rendered delivery for a single send log row.
type Message struct {
	LogID        string      `json:"log_id"`
	JobID        string      `json:"job_id"`
	Channel      Channel     `json:"channel"`
	Kind         MessageKind `json:"kind"`
	To           string      `json:"to"`
	Subject      string      `json:"subject,omitempty"`
	Body         string      `json:"body"`
	LinkURL      string      `json:"link_url"`
	TrackingCode string      `json:"tracking_code"`
}

// Receipt is what a carrier returns for an accepted message.
type Receipt struct {
	ExternalMessageID string
	// Delivered is set when the carrier confirmed delivery synchronously.
	Delivered bool
}
