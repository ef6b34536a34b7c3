package models

import "time"

// Status event constants.
const (
	StatusEventSent     = "sent"
	StatusEventRejected = "rejected"
	StatusEventFailed   = "failed"
)

// StatusEvent is emitted once per relay attempt.
type StatusEvent struct {
	MessageID string    `json:"message_id"`
	RequestID string    `json:"request_id,omitempty"`
	EventType string    `json:"event_type"`
	Rule      string    `json:"rule,omitempty"`
	Relay     string    `json:"relay,omitempty"`
	Code      int       `json:"code,omitempty"`
	Phase     string    `json:"phase,omitempty"`
	Error     string    `json:"error,omitempty"`
	Duration  int64     `json:"duration_ms"`
	Timestamp time.Time `json:"timestamp"`
}
