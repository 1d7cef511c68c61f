package tracker

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rs/zerolog"
	"github.com/tabtime/tabtime/internal/browser"
	"github.com/tabtime/tabtime/internal/domain"
	"github.com/tabtime/tabtime/internal/metrics"
)

// Dispatcher turns breaches into user-visible interventions. A site breach
// raises a notification; a global breach additionally redirects every open
// trackable tab to the block page. Tabs already on the block page host are
// left alone, so redirected tabs are not redirected again pass after pass.
type Dispatcher struct {
	tabs         browser.TabAPI
	notifier     browser.Notifier
	normalizer   *domain.Normalizer
	blockPageURL string
	blockHost    string
	logger       zerolog.Logger
}

// NewDispatcher creates a dispatcher targeting the given block page.
func NewDispatcher(tabs browser.TabAPI, notifier browser.Notifier, blockPageURL string, normalizer *domain.Normalizer, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		tabs:         tabs,
		notifier:     notifier,
		normalizer:   normalizer,
		blockPageURL: blockPageURL,
		blockHost:    normalizer.Normalize(blockPageURL),
		logger:       logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch delivers the intervention for one breach. Delivery failures are
// logged and not retried; the next pass re-evaluates and dispatches again if
// the breach persists.
func (d *Dispatcher) Dispatch(ctx context.Context, breach *Breach, warningMessage string) {
	if breach.Global {
		d.dispatchGlobal(ctx, breach, warningMessage)
		return
	}
	d.dispatchSite(ctx, breach, warningMessage)
}

func (d *Dispatcher) dispatchGlobal(ctx context.Context, breach *Breach, warningMessage string) {
	metrics.InterventionsTotal.WithLabelValues("global").Inc()
	d.logger.Warn().
		Int("used_minutes", breach.Used).
		Int("limit_minutes", breach.Limit).
		Msg("Global daily limit reached")

	if err := d.notifier.Notify(ctx, browser.Notification{
		Title:    "Daily Time Limit Reached",
		Message:  warningMessage,
		Priority: 2,
	}); err != nil {
		d.logger.Error().Err(err).Msg("Failed to deliver limit notification")
	}

	tabs, err := d.tabs.Query(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to list tabs for redirect")
		return
	}

	target := d.blockTarget()
	for _, tab := range tabs {
		if !domain.IsTrackable(tab.URL) {
			continue
		}
		if d.blockHost != "" && d.normalizer.Normalize(tab.URL) == d.blockHost {
			continue
		}
		if err := d.tabs.Navigate(ctx, tab.ID, target); err != nil {
			d.logger.Error().Err(err).Int("tab_id", tab.ID).Msg("Failed to redirect tab to block page")
		}
	}
}

func (d *Dispatcher) dispatchSite(ctx context.Context, breach *Breach, warningMessage string) {
	metrics.InterventionsTotal.WithLabelValues("site").Inc()
	d.logger.Warn().
		Str("site", breach.Site).
		Int("used_minutes", breach.Used).
		Int("limit_minutes", breach.Limit).
		Msg("Site limit reached")

	if err := d.notifier.Notify(ctx, browser.Notification{
		Title:    "Site Time Limit Reached",
		Message:  fmt.Sprintf("%s: %s", breach.Site, warningMessage),
		Priority: 1,
	}); err != nil {
		d.logger.Error().Err(err).Msg("Failed to deliver limit notification")
	}
}

func (d *Dispatcher) blockTarget() string {
	u, err := url.Parse(d.blockPageURL)
	if err != nil {
		return d.blockPageURL
	}
	q := u.Query()
	q.Set("reason", "time_limit")
	u.RawQuery = q.Encode()
	return u.String()
}
