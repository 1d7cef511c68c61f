package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	State() StateStore
}

// StateStore persists the engine's durable state as whole-key records.
// Writes are whole-value overwrites, never partial merges, so a restored
// record is always internally consistent no matter when the process was
// last terminated.
//
// GetLimits returns ErrNotFound when no record has been written yet;
// GetSessions returns an empty map in that case.
type StateStore interface {
	GetLimits(ctx context.Context) (*LimitState, error)
	PutLimits(ctx context.Context, state *LimitState) error
	GetSessions(ctx context.Context) (map[int]TrackingSession, error)
	PutSessions(ctx context.Context, sessions map[int]TrackingSession) error
}
