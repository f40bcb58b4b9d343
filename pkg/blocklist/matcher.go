package blocklist

import (
	"net/url"
	"strings"
)

// Matcher is an immutable view of a Config used on the navigation path.
type Matcher struct {
	active    bool
	effective *HostSet
}

// NewMatcher snapshots cfg.
func NewMatcher(cfg *Config) *Matcher {
	if cfg == nil {
		return &Matcher{effective: NewHostSet()}
	}
	return &Matcher{
		active:    cfg.StudyModeActive,
		effective: cfg.Effective(),
	}
}

// Active reports whether study mode was on when the snapshot was taken.
func (m *Matcher) Active() bool {
	return m != nil && m.active
}

// Sites returns the effective block set in lexical order.
func (m *Matcher) Sites() []string {
	if m == nil {
		return []string{}
	}
	return m.effective.Sorted()
}

// ShouldBlock reports whether a navigation to rawURL must be redirected.
// Unparseable URLs are never blocked.
func (m *Matcher) ShouldBlock(rawURL string) bool {
	if !m.Active() {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "" {
		return false
	}
	return m.effective.Matches(host)
}

// SiteFor returns the effective site that host falls under.
func (m *Matcher) SiteFor(host string) (string, bool) {
	if m == nil {
		return "", false
	}
	name := canonicalHost(host)
	for name != "" {
		if m.effective.Contains(name) {
			return name, true
		}
		dot := strings.IndexByte(name, '.')
		if dot < 0 {
			break
		}
		name = name[dot+1:]
	}
	return "", false
}
