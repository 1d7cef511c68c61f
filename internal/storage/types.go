package storage

import "time"

// TrackingSession records one open tab actively on one trackable hostname.
// StartTime is the session's current reconciliation point: during a pass it
// is advanced forward in whole-minute steps so the sub-minute remainder is
// carried, not dropped. It is deliberately left untouched on restore; at most
// one reconciliation interval of usage can be lost across a process restart.
type TrackingSession struct {
	TabID      int       `json:"tabId"`
	Hostname   string    `json:"hostname"`
	StartTime  time.Time `json:"startTime"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// SiteLimit is a per-site daily limit. Site is the normalized domain and the
// uniqueness key. Limit and Used are minutes; Used never exceeds Limit and
// only grows within a calendar day.
type SiteLimit struct {
	Site    string `json:"site"`
	Limit   int    `json:"limit"`
	Used    int    `json:"used"`
	Enabled bool   `json:"enabled"`
}

// LimitState is the durable limit configuration plus usage counters.
// GlobalDailyLimit is in minutes; nil means no global limit is configured.
// LastResetDate holds the calendar day (2006-01-02) the counters were last
// zeroed.
type LimitState struct {
	Enabled          bool        `json:"timeRestrictionsEnabled"`
	GlobalDailyLimit *int        `json:"globalDailyLimit"`
	GlobalUsed       int         `json:"globalUsed"`
	WarningMessage   string      `json:"warningMessage"`
	SiteLimits       []SiteLimit `json:"siteLimits"`
	LastResetDate    string      `json:"lastResetDate"`
}

// Clone returns a deep copy of the state.
func (s *LimitState) Clone() *LimitState {
	out := *s
	if s.GlobalDailyLimit != nil {
		v := *s.GlobalDailyLimit
		out.GlobalDailyLimit = &v
	}
	out.SiteLimits = make([]SiteLimit, len(s.SiteLimits))
	copy(out.SiteLimits, s.SiteLimits)
	return &out
}

// FindSite returns the index of the site limit keyed by the given normalized
// domain, or -1 if absent.
func (s *LimitState) FindSite(site string) int {
	for i := range s.SiteLimits {
		if s.SiteLimits[i].Site == site {
			return i
		}
	}
	return -1
}
