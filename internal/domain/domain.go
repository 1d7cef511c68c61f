// Package domain canonicalizes URLs and hostnames into the domain keys the
// rest of the engine accounts against, and decides which URLs are trackable
// at all.
package domain

import (
	"net/url"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const cacheSize = 1024

// domainPattern matches a plausible registrable domain: dot-separated labels
// of letters, digits and hyphens, at least two labels. Single-label hosts
// (localhost, intranet names) and anything with other characters are
// rejected.
var domainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)+$`)

// Normalizer canonicalizes raw URLs and hostnames into lowercase domain
// keys. Results are cached; normalization of the same tab URL repeats every
// reconciliation pass.
type Normalizer struct {
	cache *lru.Cache[string, string]
}

// NewNormalizer creates a normalizer with a bounded result cache.
func NewNormalizer() *Normalizer {
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New[string, string](cacheSize)
	return &Normalizer{cache: cache}
}

// Normalize canonicalizes a URL or bare hostname to its domain key:
// lowercase, scheme, leading "www.", port and path stripped. It returns ""
// when the input does not contain a usable domain, and equal inputs up to
// those variations produce equal keys.
func (n *Normalizer) Normalize(raw string) string {
	if cached, ok := n.cache.Get(raw); ok {
		return cached
	}
	key := normalize(raw)
	n.cache.Add(raw, key)
	return key
}

func normalize(raw string) string {
	s := strings.TrimSpace(strings.ToLower(raw))
	if s == "" {
		return ""
	}

	host := s
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil || u.Hostname() == "" {
			return ""
		}
		host = u.Hostname()
	} else {
		// Bare hostname, possibly with port or path.
		if i := strings.IndexAny(host, "/?#"); i >= 0 {
			host = host[:i]
		}
		if h, _, ok := strings.Cut(host, ":"); ok {
			host = h
		}
	}

	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimSuffix(host, ".")

	if !domainPattern.MatchString(host) {
		return ""
	}
	return host
}

// IsTrackable reports whether a URL belongs to a page whose time should be
// accounted. Only http and https pages with a host qualify; browser-internal
// and extension pages (chrome://, chrome-extension://, about:, edge://,
// moz-extension://, file:, ...) never do.
func IsTrackable(raw string) bool {
	if strings.TrimSpace(raw) == "" {
		return false
	}

	u, err := url.Parse(raw)
	if err != nil {
		return false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}
	return u.Hostname() != ""
}
