package models

import "time"

// SOS delivery states.
const (
	SOSStatusReceived  = "received"
	SOSStatusDelivered = "delivered"
	SOSStatusFailed    = "failed"
)

// SOSEvent records one emergency alert. Not part of any transcript.
type SOSEvent struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id,omitempty"`
	Emergency bool      `json:"emergency"`
	ClientTS  string    `json:"timestamp"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}
