// Package blocklist holds the study-mode block list and its matching rules.
package blocklist

import (
	"sort"
	"strings"
)

// HostSet stores hostnames without a leading "www." label.
type HostSet struct {
	hosts map[string]struct{}
}

// NewHostSet creates a HostSet containing hosts.
func NewHostSet(hosts ...string) *HostSet {
	s := &HostSet{hosts: make(map[string]struct{}, len(hosts))}
	for _, host := range hosts {
		s.Add(host)
	}
	return s
}

// Add inserts host. It reports whether the set changed.
func (s *HostSet) Add(host string) bool {
	host = canonicalHost(host)
	if host == "" {
		return false
	}
	if _, ok := s.hosts[host]; ok {
		return false
	}
	s.hosts[host] = struct{}{}
	return true
}

// Remove deletes host. It reports whether the set changed.
func (s *HostSet) Remove(host string) bool {
	host = canonicalHost(host)
	if _, ok := s.hosts[host]; !ok {
		return false
	}
	delete(s.hosts, host)
	return true
}

// Contains reports whether host is a member of the set.
func (s *HostSet) Contains(host string) bool {
	if s == nil {
		return false
	}
	_, ok := s.hosts[canonicalHost(host)]
	return ok
}

// Len returns the number of hosts in the set.
func (s *HostSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.hosts)
}

// Sorted returns the members in lexical order.
func (s *HostSet) Sorted() []string {
	if s == nil {
		return []string{}
	}
	out := make([]string, 0, len(s.hosts))
	for host := range s.hosts {
		out = append(out, host)
	}
	sort.Strings(out)
	return out
}

// Clone returns an independent copy.
func (s *HostSet) Clone() *HostSet {
	out := NewHostSet()
	if s == nil {
		return out
	}
	for host := range s.hosts {
		out.hosts[host] = struct{}{}
	}
	return out
}

// Merge adds every member of other.
func (s *HostSet) Merge(other *HostSet) {
	if other == nil {
		return
	}
	for host := range other.hosts {
		s.hosts[host] = struct{}{}
	}
}

// Difference returns the members of s that are not in other.
func (s *HostSet) Difference(other *HostSet) *HostSet {
	out := NewHostSet()
	if s == nil {
		return out
	}
	for host := range s.hosts {
		if other.Contains(host) {
			continue
		}
		out.hosts[host] = struct{}{}
	}
	return out
}

// Matches checks if name equals a member or is a strict subdomain of one.
func (s *HostSet) Matches(name string) bool {
	if s == nil {
		return false
	}
	normalised := canonicalHost(name)
	if normalised == "" {
		return false
	}
	if _, ok := s.hosts[normalised]; ok {
		return true
	}
	labels := strings.Split(normalised, ".")
	return matchesSuffix(labels, s.hosts)
}

func matchesSuffix(labels []string, hosts map[string]struct{}) bool {
	for i := 1; i < len(labels); i++ {
		suffix := strings.Join(labels[i:], ".")
		if _, ok := hosts[suffix]; ok {
			return true
		}
	}
	return false
}

// canonicalHost lower-cases name, drops a trailing root dot and strips one
// leading "www." label.
func canonicalHost(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ""
	}
	trimmed = strings.ToLower(strings.TrimSuffix(trimmed, "."))
	return strings.TrimPrefix(trimmed, "www.")
}
