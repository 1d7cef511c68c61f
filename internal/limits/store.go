// Package limits owns the daily time-limit configuration and usage
// counters: the global daily allowance plus per-site limits, their
// accumulated minutes, and the midnight rollover that zeroes them.
package limits

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tabtime/tabtime/internal/domain"
	"github.com/tabtime/tabtime/internal/storage"
)

const dateLayout = "2006-01-02"

// DefaultWarningMessage is used when no warning message has been configured.
const DefaultWarningMessage = "You have reached your daily browsing time limit."

// ErrValidation reports invalid caller input (bad site, non-positive limit).
var ErrValidation = errors.New("limits: validation failed")

// ErrNotFound reports an operation against a site with no configured limit.
var ErrNotFound = errors.New("limits: site limit not found")

// Store holds the limit state in memory and mirrors every change to storage
// as one whole-value record.
type Store struct {
	state      storage.StateStore
	normalizer *domain.Normalizer
	logger     zerolog.Logger

	mu      sync.Mutex
	current *storage.LimitState
}

// NewStore loads the persisted limit state, starting fresh when none
// exists. defaultWarning seeds the warning message of a fresh state; empty
// means DefaultWarningMessage.
func NewStore(ctx context.Context, state storage.StateStore, normalizer *domain.Normalizer, defaultWarning string, logger zerolog.Logger) (*Store, error) {
	if defaultWarning == "" {
		defaultWarning = DefaultWarningMessage
	}
	current, err := state.GetLimits(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("load limit state: %w", err)
		}
		current = &storage.LimitState{
			WarningMessage: defaultWarning,
			SiteLimits:     []storage.SiteLimit{},
		}
	}

	return &Store{
		state:      state,
		normalizer: normalizer,
		logger:     logger.With().Str("component", "limit-store").Logger(),
		current:    current,
	}, nil
}

// ApplyUsage adds reconciled minutes to the usage counters and reports
// whether any counter moved. Global minutes count only while restrictions
// are enabled and a global limit is set; the global counter is not clamped,
// so browsing past the limit keeps registering change and limit evaluation
// keeps running on every pass. Per-site minutes count only for enabled
// limits and clamp at the limit.
func (s *Store) ApplyUsage(ctx context.Context, now time.Time, globalMinutes int, perSite map[string]int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false

	if s.current.Enabled && s.current.GlobalDailyLimit != nil && globalMinutes > 0 {
		s.current.GlobalUsed += globalMinutes
		changed = true
	}

	for site, minutes := range perSite {
		if minutes <= 0 {
			continue
		}
		i := s.current.FindSite(site)
		if i < 0 {
			continue
		}
		limit := &s.current.SiteLimits[i]
		if !limit.Enabled {
			continue
		}
		next := limit.Used + minutes
		if next > limit.Limit {
			next = limit.Limit
		}
		if next != limit.Used {
			limit.Used = next
			changed = true
		}
	}

	if !changed {
		return false, nil
	}
	return true, s.persistLocked(ctx)
}

// AddSiteLimit creates or updates a per-site limit. The site is normalized
// first; re-adding an existing site updates its limit and enables it while
// preserving accumulated usage.
func (s *Store) AddSiteLimit(ctx context.Context, rawSite string, limit int) (*storage.SiteLimit, error) {
	site := s.normalizer.Normalize(rawSite)
	if site == "" {
		return nil, fmt.Errorf("%w: %q is not a valid site", ErrValidation, rawSite)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be a positive number of minutes", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.current.FindSite(site)
	if i >= 0 {
		s.current.SiteLimits[i].Limit = limit
		s.current.SiteLimits[i].Enabled = true
		if s.current.SiteLimits[i].Used > limit {
			s.current.SiteLimits[i].Used = limit
		}
	} else {
		s.current.SiteLimits = append(s.current.SiteLimits, storage.SiteLimit{
			Site:    site,
			Limit:   limit,
			Enabled: true,
		})
		i = len(s.current.SiteLimits) - 1
	}

	if err := s.persistLocked(ctx); err != nil {
		return nil, err
	}
	out := s.current.SiteLimits[i]
	s.logger.Info().Str("site", site).Int("limit_minutes", limit).Msg("Site limit configured")
	return &out, nil
}

// RemoveSiteLimit deletes a per-site limit.
func (s *Store) RemoveSiteLimit(ctx context.Context, rawSite string) error {
	site := s.normalizer.Normalize(rawSite)
	if site == "" {
		return fmt.Errorf("%w: %q is not a valid site", ErrValidation, rawSite)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.current.FindSite(site)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, site)
	}
	s.current.SiteLimits = append(s.current.SiteLimits[:i], s.current.SiteLimits[i+1:]...)

	if err := s.persistLocked(ctx); err != nil {
		return err
	}
	s.logger.Info().Str("site", site).Msg("Site limit removed")
	return nil
}

// ToggleSiteLimit sets a site limit's enabled flag to the given value.
// Applying the same value twice is idempotent.
func (s *Store) ToggleSiteLimit(ctx context.Context, rawSite string, enabled bool) error {
	site := s.normalizer.Normalize(rawSite)
	if site == "" {
		return fmt.Errorf("%w: %q is not a valid site", ErrValidation, rawSite)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.current.FindSite(site)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, site)
	}
	s.current.SiteLimits[i].Enabled = enabled

	if err := s.persistLocked(ctx); err != nil {
		return err
	}
	s.logger.Info().Str("site", site).Bool("enabled", enabled).Msg("Site limit toggled")
	return nil
}

// UpdateGlobalLimit sets or clears the global daily limit. A non-nil limit
// enables restrictions; nil disables them while keeping today's usage so
// re-enabling does not grant a fresh allowance. A non-nil message replaces
// the warning text.
func (s *Store) UpdateGlobalLimit(ctx context.Context, limit *int, message *string) error {
	if limit != nil && *limit <= 0 {
		return fmt.Errorf("%w: limit must be a positive number of minutes", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if limit != nil {
		v := *limit
		s.current.GlobalDailyLimit = &v
		s.current.Enabled = true
	} else {
		s.current.GlobalDailyLimit = nil
		s.current.Enabled = false
	}
	if message != nil && *message != "" {
		s.current.WarningMessage = *message
	}

	if err := s.persistLocked(ctx); err != nil {
		return err
	}
	event := s.logger.Info()
	if limit != nil {
		event = event.Int("limit_minutes", *limit)
	}
	event.Bool("enabled", s.current.Enabled).Msg("Global limit updated")
	return nil
}

// RolloverIfNewDay zeroes all usage counters when the calendar day has
// changed since the last reset. Calling it repeatedly within one day is a
// no-op.
func (s *Store) RolloverIfNewDay(ctx context.Context, now time.Time) (bool, error) {
	today := now.Format(dateLayout)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current.LastResetDate == today {
		return false, nil
	}

	s.current.GlobalUsed = 0
	for i := range s.current.SiteLimits {
		s.current.SiteLimits[i].Used = 0
	}
	s.current.LastResetDate = today

	if err := s.persistLocked(ctx); err != nil {
		return false, err
	}
	s.logger.Info().Str("date", today).Msg("Daily usage counters reset")
	return true, nil
}

// Stats runs the rollover check and returns a copy of the current state.
func (s *Store) Stats(ctx context.Context, now time.Time) (*storage.LimitState, error) {
	if _, err := s.RolloverIfNewDay(ctx, now); err != nil {
		return nil, err
	}
	return s.Snapshot(), nil
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() *storage.LimitState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

func (s *Store) persistLocked(ctx context.Context) error {
	if err := s.state.PutLimits(ctx, s.current); err != nil {
		return fmt.Errorf("persist limit state: %w", err)
	}
	return nil
}
