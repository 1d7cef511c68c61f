// Package tracker drives the accounting loop: it consumes tab lifecycle
// events, reconciles elapsed time into the usage counters at a fixed
// interval, evaluates limits and dispatches interventions.
package tracker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tabtime/tabtime/internal/browser"
	"github.com/tabtime/tabtime/internal/domain"
	"github.com/tabtime/tabtime/internal/limits"
	"github.com/tabtime/tabtime/internal/metrics"
	"github.com/tabtime/tabtime/internal/session"
)

const (
	// DefaultInterval is the reconciliation cadence.
	DefaultInterval = time.Minute

	// DefaultProbeTimeout bounds each tab liveness probe.
	DefaultProbeTimeout = 5 * time.Second
)

// Config holds reconciler configuration.
type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
}

// Reconciler periodically settles the elapsed time of every tracked tab
// into the limit counters. Passes never overlap: a tick that arrives while
// a pass is still running is dropped.
type Reconciler struct {
	registry     *session.Registry
	limits       *limits.Store
	tabs         browser.TabAPI
	dispatcher   *Dispatcher
	normalizer   *domain.Normalizer
	clock        Clock
	interval     time.Duration
	probeTimeout time.Duration
	logger       zerolog.Logger

	running  atomic.Bool
	stopChan chan struct{}
}

// NewReconciler creates a reconciler.
func NewReconciler(
	registry *session.Registry,
	limitStore *limits.Store,
	tabs browser.TabAPI,
	dispatcher *Dispatcher,
	normalizer *domain.Normalizer,
	clock Clock,
	config Config,
	logger zerolog.Logger,
) *Reconciler {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = DefaultProbeTimeout
	}

	return &Reconciler{
		registry:     registry,
		limits:       limitStore,
		tabs:         tabs,
		dispatcher:   dispatcher,
		normalizer:   normalizer,
		clock:        clock,
		interval:     config.Interval,
		probeTimeout: config.ProbeTimeout,
		logger:       logger.With().Str("component", "reconciler").Logger(),
		stopChan:     make(chan struct{}),
	}
}

// Start begins the reconciliation loop.
func (r *Reconciler) Start(ctx context.Context) {
	go r.run(ctx)
	r.logger.Info().Dur("interval", r.interval).Msg("Reconciler started")
}

// Stop stops the reconciliation loop.
func (r *Reconciler) Stop() {
	close(r.stopChan)
	r.logger.Info().Msg("Reconciler stopped")
}

func (r *Reconciler) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Reconcile(ctx)
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Reconcile executes one pass. Re-entrant calls are dropped.
func (r *Reconciler) Reconcile(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		metrics.ReconcileSkipsTotal.Inc()
		r.logger.Debug().Msg("Reconciliation pass still running, tick skipped")
		return
	}
	defer r.running.Store(false)

	started := time.Now()
	r.pass(ctx)
	metrics.ReconcilePassesTotal.Inc()
	metrics.ReconcileDuration.Observe(time.Since(started).Seconds())
	metrics.ActiveSessions.Set(float64(r.registry.Len()))
}

func (r *Reconciler) pass(ctx context.Context) {
	now := r.clock.Now()

	if _, err := r.limits.RolloverIfNewDay(ctx, now); err != nil {
		r.logger.Error().Err(err).Msg("Rollover check failed")
	}

	globalMinutes := 0
	perSite := make(map[string]int)

	for tabID, sess := range r.registry.Snapshot() {
		tab, err := r.probe(ctx, tabID)
		if err != nil {
			if errors.Is(err, browser.ErrTabNotFound) {
				r.registry.Remove(ctx, tabID)
				metrics.SessionsRemoved.WithLabelValues("gone").Inc()
				r.logger.Debug().Int("tab_id", tabID).Msg("Tab gone, session removed")
				continue
			}
			// Transient: the session stays and is settled on a later pass.
			r.logger.Debug().Err(err).Int("tab_id", tabID).Msg("Tab probe failed, session kept")
			continue
		}

		hostname := ""
		if domain.IsTrackable(tab.URL) {
			hostname = r.normalizer.Normalize(tab.URL)
		}
		// Time spent on the block page itself is never accounted.
		if hostname == "" || (r.dispatcher.blockHost != "" && hostname == r.dispatcher.blockHost) {
			r.registry.Remove(ctx, tabID)
			metrics.SessionsRemoved.WithLabelValues("untrackable").Inc()
			continue
		}
		if hostname != sess.Hostname {
			// Missed navigation event; restart the session clock here.
			r.registry.Upsert(ctx, tabID, hostname, now)
			continue
		}

		minutes := int(now.Sub(sess.StartTime) / time.Minute)
		if minutes <= 0 {
			continue
		}

		r.registry.Advance(tabID, minutes, now)
		globalMinutes += minutes
		perSite[hostname] += minutes
		metrics.UsageMinutesAccounted.WithLabelValues(hostname).Add(float64(minutes))
	}

	changed, err := r.limits.ApplyUsage(ctx, now, globalMinutes, perSite)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to apply usage")
	}

	if err := r.registry.Persist(ctx); err != nil {
		r.logger.Error().Err(err).Msg("Failed to persist sessions after pass")
	}

	if !changed {
		return
	}
	snap := r.limits.Snapshot()
	if breach := Evaluate(snap); breach != nil {
		r.dispatcher.Dispatch(ctx, breach, snap.WarningMessage)
	}
}

func (r *Reconciler) probe(ctx context.Context, tabID int) (*browser.Tab, error) {
	probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()
	return r.tabs.Get(probeCtx, tabID)
}
