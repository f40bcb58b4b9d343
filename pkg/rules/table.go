package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrQuotaExceeded is returned when an update would exceed the rule quota.
var ErrQuotaExceeded = errors.New("rule quota exceeded")

// Table is an in-memory Engine. Quota <= 0 means unlimited.
type Table struct {
	mu      sync.RWMutex
	rules   map[int]Rule
	quota   int
	matchFn func(Match)
}

// NewTable creates an empty Table.
func NewTable(quota int) *Table {
	return &Table{rules: make(map[int]Rule), quota: quota}
}

// UpdateRules removes then adds rules atomically.
func (t *Table) UpdateRules(_ context.Context, removeIDs []int, add []Rule) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := make(map[int]Rule, len(t.rules)+len(add))
	for id, rule := range t.rules {
		next[id] = rule
	}
	for _, id := range removeIDs {
		delete(next, id)
	}
	for _, rule := range add {
		if rule.HostPattern == "" {
			return fmt.Errorf("rule %d: empty host pattern", rule.ID)
		}
		if _, dup := next[rule.ID]; dup {
			return fmt.Errorf("rule %d: duplicate id", rule.ID)
		}
		next[rule.ID] = rule
	}
	if t.quota > 0 && len(next) > t.quota {
		return fmt.Errorf("%w: %d rules, quota %d", ErrQuotaExceeded, len(next), t.quota)
	}
	t.rules = next
	return nil
}

// Rules returns the installed rules ordered by ID.
func (t *Table) Rules(_ context.Context) ([]Rule, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Rule, 0, len(t.rules))
	for _, rule := range t.rules {
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Lookup returns the highest-priority rule matching host.
func (t *Table) Lookup(host string) (Rule, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var best Rule
	found := false
	for _, rule := range t.rules {
		if !rule.Matches(host) {
			continue
		}
		if !found || rule.Priority > best.Priority || (rule.Priority == best.Priority && rule.ID < best.ID) {
			best = rule
			found = true
		}
	}
	return best, found
}

// OnRuleMatched registers the hook called by Observe.
func (t *Table) OnRuleMatched(fn func(Match)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.matchFn = fn
}

// Observe reports a rule hit to the registered hook.
func (t *Table) Observe(m Match) {
	t.mu.RLock()
	fn := t.matchFn
	t.mu.RUnlock()
	if fn != nil {
		fn(m)
	}
}
