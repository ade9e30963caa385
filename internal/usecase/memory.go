package usecase

import (
	"context"

	"knowledge-agent/internal/domain"
)

// SessionStore holds the bounded, expiring turn history of each session.
// Implementations evict the oldest turns beyond their capacity and refresh
// the session's expiry on every append. An expired session reads as empty.
type SessionStore interface {
	Get(ctx context.Context, sessionID string) ([]domain.ConversationTurn, error)
	Append(ctx context.Context, sessionID string, turn domain.ConversationTurn) error
	Clear(ctx context.Context, sessionID string) error
}

// AuditSink accepts query log records without blocking the caller.
type AuditSink interface {
	Submit(rec domain.QueryLog)
}
