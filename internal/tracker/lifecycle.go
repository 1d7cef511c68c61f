package tracker

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/tabtime/tabtime/internal/browser"
	"github.com/tabtime/tabtime/internal/domain"
	"github.com/tabtime/tabtime/internal/metrics"
	"github.com/tabtime/tabtime/internal/session"
)

// Lifecycle consumes tab events from the browser and keeps the session
// registry current. A single goroutine drains the event channel, so
// handlers for one tab never interleave.
type Lifecycle struct {
	registry   *session.Registry
	normalizer *domain.Normalizer
	clock      Clock
	blockHost  string
	logger     zerolog.Logger
}

// NewLifecycle creates a lifecycle consumer. Navigations to the block page
// host never start a session.
func NewLifecycle(registry *session.Registry, normalizer *domain.Normalizer, clock Clock, blockPageURL string, logger zerolog.Logger) *Lifecycle {
	return &Lifecycle{
		registry:   registry,
		normalizer: normalizer,
		clock:      clock,
		blockHost:  normalizer.Normalize(blockPageURL),
		logger:     logger.With().Str("component", "lifecycle").Logger(),
	}
}

// Run drains the event channel until it is closed or the context ends.
func (l *Lifecycle) Run(ctx context.Context, events <-chan browser.Event) {
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			l.Handle(ctx, event)
		case <-ctx.Done():
			return
		}
	}
}

// Handle applies one tab event to the registry.
func (l *Lifecycle) Handle(ctx context.Context, event browser.Event) {
	metrics.BridgeEventsTotal.WithLabelValues(string(event.Type)).Inc()

	switch event.Type {
	case browser.EventTabRemoved:
		l.registry.Remove(ctx, event.TabID)

	case browser.EventTabCreated, browser.EventTabUpdated, browser.EventTabActivated:
		if event.URL == "" {
			// Activation without a URL change; the tracked hostname stands.
			return
		}
		hostname := ""
		if domain.IsTrackable(event.URL) {
			hostname = l.normalizer.Normalize(event.URL)
		}
		if hostname == "" || (l.blockHost != "" && hostname == l.blockHost) {
			l.registry.Remove(ctx, event.TabID)
			return
		}
		l.registry.Upsert(ctx, event.TabID, hostname, l.clock.Now())

	default:
		l.logger.Debug().Str("type", string(event.Type)).Msg("Ignoring unknown tab event")
	}
}
