// Package session holds the in-memory registry of tabs currently being
// tracked, mirrored to storage on every mutation.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tabtime/tabtime/internal/storage"
)

// Registry maps open tab ids to their tracking sessions. It is the single
// authority on which tabs are being timed; the reconciler reads snapshots of
// it and the lifecycle consumer mutates it. Every mutation persists the
// whole session map as one record.
type Registry struct {
	state  storage.StateStore
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[int]storage.TrackingSession
}

// NewRegistry creates an empty registry backed by the given state store.
func NewRegistry(state storage.StateStore, logger zerolog.Logger) *Registry {
	return &Registry{
		state:    state,
		logger:   logger.With().Str("component", "session-registry").Logger(),
		sessions: make(map[int]storage.TrackingSession),
	}
}

// Restore loads the persisted session map. Restored sessions keep their
// persisted startTime untouched; the first reconciliation pass settles any
// time elapsed while the process was down, and stale tabs are removed by the
// liveness probe.
func (r *Registry) Restore(ctx context.Context) error {
	sessions, err := r.state.GetSessions(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.sessions = sessions
	count := len(sessions)
	r.mu.Unlock()

	r.logger.Info().Int("sessions", count).Msg("Restored tracking sessions")
	return nil
}

// Upsert starts tracking a tab on the given normalized hostname, replacing
// any existing session for the tab with a fresh one. Unreconciled sub-minute
// time of the prior session is discarded; that is the accounting granularity
// boundary.
func (r *Registry) Upsert(ctx context.Context, tabID int, hostname string, now time.Time) {
	r.mu.Lock()
	r.sessions[tabID] = storage.TrackingSession{
		TabID:      tabID,
		Hostname:   hostname,
		StartTime:  now,
		LastUpdate: now,
	}
	r.mu.Unlock()
	r.logger.Debug().Int("tab_id", tabID).Str("hostname", hostname).Msg("Tracking session started")

	r.persist(ctx)
}

// Remove stops tracking a tab. Removing an untracked tab is a no-op.
func (r *Registry) Remove(ctx context.Context, tabID int) {
	r.mu.Lock()
	_, ok := r.sessions[tabID]
	if ok {
		delete(r.sessions, tabID)
		r.logger.Debug().Int("tab_id", tabID).Msg("Tracking session removed")
	}
	r.mu.Unlock()

	if ok {
		r.persist(ctx)
	}
}

// Advance moves a session's reconciliation point forward by the given number
// of whole minutes, leaving any sub-minute remainder to be settled on a
// later pass. A session removed since the snapshot was taken is skipped.
func (r *Registry) Advance(tabID int, minutes int, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[tabID]
	if !ok {
		return
	}
	session.StartTime = session.StartTime.Add(time.Duration(minutes) * time.Minute)
	session.LastUpdate = now
	r.sessions[tabID] = session
}

// Snapshot returns a copy of the current session map.
func (r *Registry) Snapshot() map[int]storage.TrackingSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[int]storage.TrackingSession, len(r.sessions))
	for id, session := range r.sessions {
		out[id] = session
	}
	return out
}

// Len returns the number of tracked tabs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Persist writes the whole session map to storage.
func (r *Registry) Persist(ctx context.Context) error {
	return r.state.PutSessions(ctx, r.Snapshot())
}

// persist is the best-effort variant used on mutations: a storage failure
// loses at most the delta since the last successful write and must not stop
// event handling.
func (r *Registry) persist(ctx context.Context) {
	if err := r.Persist(ctx); err != nil {
		r.logger.Error().Err(err).Msg("Failed to persist tracking sessions")
	}
}
