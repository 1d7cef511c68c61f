package tracker

import "github.com/tabtime/tabtime/internal/storage"

// Breach describes one limit that has been reached. Global is true for the
// daily allowance; otherwise Site names the breached per-site limit.
type Breach struct {
	Global bool
	Site   string
	Used   int
	Limit  int
}

// Evaluate inspects the limit state and returns at most one breach. The
// global limit is checked first and, when breached, suppresses per-site
// checks; otherwise the first enabled site at or over its limit is reported.
func Evaluate(state *storage.LimitState) *Breach {
	if state.Enabled && state.GlobalDailyLimit != nil && state.GlobalUsed >= *state.GlobalDailyLimit {
		return &Breach{
			Global: true,
			Used:   state.GlobalUsed,
			Limit:  *state.GlobalDailyLimit,
		}
	}

	for _, limit := range state.SiteLimits {
		if limit.Enabled && limit.Used >= limit.Limit {
			return &Breach{
				Site:  limit.Site,
				Used:  limit.Used,
				Limit: limit.Limit,
			}
		}
	}
	return nil
}
