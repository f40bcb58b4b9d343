// Package dnscache caches upstream answers for names that are not blocked.
package dnscache

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

const (
	DefaultTTL        = 60 * time.Second
	DefaultMaxEntries = 4096
)

type entry struct {
	msg       *dns.Msg
	expiresAt time.Time
}

// Cache holds upstream replies keyed by question.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]entry
	maxEntries int
	now        func() time.Time
	log        *slog.Logger
}

// New creates a Cache. maxEntries <= 0 selects DefaultMaxEntries.
func New(maxEntries int, log *slog.Logger) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		entries:    make(map[string]entry),
		maxEntries: maxEntries,
		now:        time.Now,
		log:        log,
	}
}

// Key builds the cache key for a question.
func Key(name string, qtype uint16) string {
	return strings.ToLower(dns.Fqdn(name)) + "|" + strconv.Itoa(int(qtype))
}

// Get returns a copy of the cached reply carrying the request id.
func (c *Cache) Get(key string, id uint16) (*dns.Msg, bool) {
	c.mu.RLock()
	e, found := c.entries[key]
	c.mu.RUnlock()
	if !found {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		c.log.Debug("cache expired", "key", key)
		return nil, false
	}
	reply := e.msg.Copy()
	reply.Id = id
	reply.RecursionAvailable = true
	return reply, true
}

// Set stores msg for the lowest TTL among its answers. Negative replies use
// the SOA minimum; server failures are not cached.
func (c *Cache) Set(key string, msg *dns.Msg) {
	if msg == nil || (msg.Rcode != dns.RcodeSuccess && msg.Rcode != dns.RcodeNameError) {
		return
	}
	ttl := replyTTL(msg)
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.entries[key] = entry{msg: msg.Copy(), expiresAt: now.Add(ttl)}
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
	c.log.Info("cache cleared")
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// evictLocked drops expired entries, or an arbitrary half of the cache when
// nothing has expired.
func (c *Cache) evictLocked(now time.Time) {
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
		}
	}
	if len(c.entries) < c.maxEntries {
		return
	}
	drop := len(c.entries) / 2
	for key := range c.entries {
		if drop == 0 {
			break
		}
		delete(c.entries, key)
		drop--
	}
	c.log.Debug("cache evicted entries", "remaining", len(c.entries))
}

func replyTTL(msg *dns.Msg) time.Duration {
	if len(msg.Answer) == 0 {
		for _, rr := range msg.Ns {
			if soa, ok := rr.(*dns.SOA); ok {
				return time.Duration(min(soa.Minttl, soa.Hdr.Ttl)) * time.Second
			}
		}
		return DefaultTTL
	}
	lowest := msg.Answer[0].Header().Ttl
	for _, rr := range msg.Answer[1:] {
		lowest = min(lowest, rr.Header().Ttl)
	}
	return time.Duration(lowest) * time.Second
}
