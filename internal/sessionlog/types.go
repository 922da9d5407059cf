package sessionlog

import (
	"context"
	"time"
)

// Record is the operational bookkeeping row for one relay session. No
// conversation content is ever stored here.
type Record struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	EndReason string    `json:"end_reason,omitempty"`
}

// Store persists session lifecycle records.
type Store interface {
	RecordStart(ctx context.Context, rec Record) error
	RecordEnd(ctx context.Context, sessionID, reason string, at time.Time) error
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close()
}
