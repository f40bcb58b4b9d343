// Package rules builds and stores declarative redirect rules.
package rules

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ResourceMainFrame scopes a rule to top-level navigations.
const ResourceMainFrame = "main_frame"

// Variant identifies which form of a site a rule matches.
type Variant int

const (
	VariantBare Variant = iota
	VariantWWW
	VariantSubdomains
)

// VariantsPerSite is the number of rules generated for every blocked site.
const VariantsPerSite = 3

func (v Variant) String() string {
	switch v {
	case VariantBare:
		return "bare"
	case VariantWWW:
		return "www"
	case VariantSubdomains:
		return "subdomains"
	}
	return fmt.Sprintf("variant(%d)", int(v))
}

// Rule redirects navigations whose host matches HostPattern.
type Rule struct {
	ID            int      `json:"id"`
	Priority      int      `json:"priority"`
	Site          string   `json:"site"`
	Variant       Variant  `json:"variant"`
	HostPattern   string   `json:"hostPattern"`
	RedirectURL   string   `json:"redirectUrl"`
	ResourceTypes []string `json:"resourceTypes"`
}

// Matches reports whether host is covered by the rule's pattern.
func (r Rule) Matches(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if suffix, ok := strings.CutPrefix(r.HostPattern, "*."); ok {
		return strings.HasSuffix(host, "."+suffix)
	}
	return host == r.HostPattern
}

// Match is reported by engines that can observe rule hits.
type Match struct {
	Rule   Rule
	Host   string
	Client string
	At     time.Time
}

// Engine installs rules on the host platform. UpdateRules applies removals
// and additions as a single atomic step: on error nothing changes.
type Engine interface {
	UpdateRules(ctx context.Context, removeIDs []int, add []Rule) error
	Rules(ctx context.Context) ([]Rule, error)
}

// MatchObserver is implemented by engines that report rule hits.
type MatchObserver interface {
	OnRuleMatched(fn func(Match))
}

// Generate returns VariantsPerSite rules for each site, taking IDs from ids.
func Generate(sites []string, ids []int, redirectURL string) ([]Rule, error) {
	if len(ids) != len(sites)*VariantsPerSite {
		return nil, fmt.Errorf("need %d rule ids, got %d", len(sites)*VariantsPerSite, len(ids))
	}
	out := make([]Rule, 0, len(ids))
	next := 0
	for _, site := range sites {
		for _, variant := range []Variant{VariantBare, VariantWWW, VariantSubdomains} {
			out = append(out, Rule{
				ID:            ids[next],
				Priority:      1,
				Site:          site,
				Variant:       variant,
				HostPattern:   pattern(site, variant),
				RedirectURL:   redirectURL,
				ResourceTypes: []string{ResourceMainFrame},
			})
			next++
		}
	}
	return out, nil
}

func pattern(site string, variant Variant) string {
	switch variant {
	case VariantWWW:
		return "www." + site
	case VariantSubdomains:
		return "*." + site
	}
	return site
}
