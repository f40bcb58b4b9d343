// Package handler answers DNS queries from the installed redirect rules and
// forwards everything else upstream.
package handler

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"marshal/pkg/dnscache"
	"marshal/pkg/forward"
	"marshal/pkg/rules"

	"github.com/miekg/dns"
)

const (
	// BlockedTTL keeps redirects short-lived so lifting a block takes effect
	// quickly.
	BlockedTTL     = 10
	MaxMsgSize     = 512
	DedupeWindow   = 5 * time.Second
	ForwardTimeout = 5 * time.Second
	maxSeen        = 4096
)

// RuleSource looks up the rule for a host and receives rule hits.
type RuleSource interface {
	Lookup(host string) (rules.Rule, bool)
	Observe(m rules.Match)
}

type Options struct {
	Rules     RuleSource
	Cache     *dnscache.Cache
	Forwarder *forward.Forwarder
	// BlockedV4 answers A queries for blocked names. BlockedV6 is optional;
	// without it AAAA queries get an empty reply.
	BlockedV4 net.IP
	BlockedV6 net.IP
	Log       *slog.Logger
}

type Handler struct {
	rules     RuleSource
	cache     *dnscache.Cache
	forwarder *forward.Forwarder
	blockedV4 net.IP
	blockedV6 net.IP
	log       *slog.Logger
	now       func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

type requestState struct {
	clientIP  net.IP
	queryName string
	queryType uint16
	w         dns.ResponseWriter
}

func New(opts Options) *Handler {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		rules:     opts.Rules,
		cache:     opts.Cache,
		forwarder: opts.Forwarder,
		blockedV4: opts.BlockedV4.To4(),
		blockedV6: opts.BlockedV6,
		log:       log,
		now:       time.Now,
		seen:      make(map[string]time.Time),
	}
}

func (h *Handler) HandleDNSRequest(w dns.ResponseWriter, r *dns.Msg) {
	if len(r.Question) == 0 {
		reply := new(dns.Msg)
		reply.SetRcode(r, dns.RcodeFormatError)
		_ = w.WriteMsg(reply)
		return
	}
	q := r.Question[0]
	state := &requestState{
		queryName: q.Name,
		queryType: q.Qtype,
		w:         w,
	}
	if addr := w.RemoteAddr(); addr != nil {
		clientIP, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			h.log.Error("failed to parse client IP address", "error", err)
		}
		state.clientIP = net.ParseIP(clientIP)
	}

	h.log.Debug("received query", "name", state.queryName, "client_ip", state.clientIP, "type", dns.TypeToString[q.Qtype], "id", r.Id)

	if msg := h.handleBlocked(state, r); msg != nil {
		h.writeResponse(state, msg)
		return
	}

	cacheKey := dnscache.Key(state.queryName, state.queryType)
	if msg, ok := h.cache.Get(cacheKey, r.Id); ok {
		h.log.Debug("cache hit", "name", state.queryName, "client_ip", state.clientIP)
		h.writeResponse(state, msg)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ForwardTimeout)
	defer cancel()
	msg, err := h.forwarder.Forward(ctx, r)
	if err != nil {
		h.log.Error("upstream DNS servers failed", "name", state.queryName, "error", err)
		reply := new(dns.Msg)
		reply.SetRcode(r, dns.RcodeServerFailure)
		h.writeResponse(state, reply)
		return
	}

	h.cache.Set(cacheKey, msg)
	h.writeResponse(state, msg)
}

// handleBlocked returns the redirect reply when a rule matches the query
// name, or nil. Types other than A and AAAA get an empty authoritative
// answer so HTTPS and SVCB records cannot steer clients around the redirect.
func (h *Handler) handleBlocked(rs *requestState, r *dns.Msg) *dns.Msg {
	host := strings.ToLower(strings.TrimSuffix(rs.queryName, "."))
	rule, ok := h.rules.Lookup(host)
	if !ok {
		return nil
	}
	h.log.Debug("query matched block rule", "name", rs.queryName, "rule", rule.ID, "site", rule.Site)

	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.RecursionAvailable = true
	msg.Authoritative = true
	hdr := dns.RR_Header{Name: rs.queryName, Class: dns.ClassINET, Ttl: BlockedTTL}

	switch rs.queryType {
	case dns.TypeA:
		if h.blockedV4 != nil {
			hdr.Rrtype = dns.TypeA
			msg.Answer = append(msg.Answer, &dns.A{Hdr: hdr, A: h.blockedV4})
		}
		h.observe(rule, host, rs.clientIP)
	case dns.TypeAAAA:
		if h.blockedV6 != nil {
			hdr.Rrtype = dns.TypeAAAA
			msg.Answer = append(msg.Answer, &dns.AAAA{Hdr: hdr, AAAA: h.blockedV6})
		}
	}
	return msg
}

// observe reports the rule hit once per client and host within
// DedupeWindow; browsers resolve the same name several times per page load.
func (h *Handler) observe(rule rules.Rule, host string, client net.IP) {
	clientKey := ""
	if client != nil {
		clientKey = client.String()
	}
	key := clientKey + "|" + host
	now := h.now()

	h.mu.Lock()
	last, ok := h.seen[key]
	if ok && now.Sub(last) < DedupeWindow {
		h.mu.Unlock()
		return
	}
	if len(h.seen) >= maxSeen {
		for k, at := range h.seen {
			if now.Sub(at) >= DedupeWindow {
				delete(h.seen, k)
			}
		}
	}
	h.seen[key] = now
	h.mu.Unlock()

	h.rules.Observe(rules.Match{Rule: rule, Host: host, Client: clientKey, At: now})
}

func (h *Handler) writeResponse(rs *requestState, msg *dns.Msg) {
	if _, udp := rs.w.RemoteAddr().(*net.UDPAddr); udp && len(msg.Answer) > 0 {
		msgSize := msg.Len()
		if msgSize > MaxMsgSize {
			msg.Truncated = true
			h.log.Debug("message too large", "size", msgSize, "max", MaxMsgSize)
			for msgSize > MaxMsgSize && len(msg.Answer) > 0 {
				msg.Answer = msg.Answer[:len(msg.Answer)-1]
				msgSize = msg.Len()
			}
		}
	}

	if err := rs.w.WriteMsg(msg); err != nil {
		h.log.Error("failed to write response", "name", rs.queryName, "error", err)
	}

	h.log.Debug("wrote response", "name", rs.queryName, "client_ip", rs.clientIP, "rcode", dns.RcodeToString[msg.Rcode], "answers", len(msg.Answer))
}
