// Package forward sends queries for names that are not blocked upstream.
package forward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/miekg/dns"
)

const DefaultTimeout = 3 * time.Second

// ErrNoUpstreams is returned when no upstream server is configured.
var ErrNoUpstreams = errors.New("no upstream servers configured")

type Forwarder struct {
	upstreamServers []string
	udp             *dns.Client
	tcp             *dns.Client
	log             *slog.Logger
}

// New creates a Forwarder. Servers without a port use 53.
func New(upstreamServers []string, timeout time.Duration, log *slog.Logger) *Forwarder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	servers := make([]string, 0, len(upstreamServers))
	for _, server := range upstreamServers {
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, "53")
		}
		servers = append(servers, server)
	}
	return &Forwarder{
		upstreamServers: servers,
		udp:             &dns.Client{Net: "udp", Timeout: timeout},
		tcp:             &dns.Client{Net: "tcp", Timeout: timeout},
		log:             log,
	}
}

// Upstreams returns the normalised upstream addresses.
func (f *Forwarder) Upstreams() []string {
	return append([]string(nil), f.upstreamServers...)
}

// Forward tries every upstream in order and returns the first reply.
// Truncated UDP replies are retried over TCP.
func (f *Forwarder) Forward(ctx context.Context, r *dns.Msg) (*dns.Msg, error) {
	if len(f.upstreamServers) == 0 {
		return nil, ErrNoUpstreams
	}
	var lastErr error
	for _, server := range f.upstreamServers {
		msg, err := f.exchange(ctx, r, server)
		if err == nil {
			return msg, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		f.log.Warn("upstream query failed, trying next server", "server", server, "error", err)
	}
	return nil, fmt.Errorf("all upstream servers failed: %w", lastErr)
}

func (f *Forwarder) exchange(ctx context.Context, r *dns.Msg, server string) (*dns.Msg, error) {
	msg, _, err := f.udp.ExchangeContext(ctx, r, server)
	if err != nil {
		return nil, err
	}
	if !msg.Truncated {
		return msg, nil
	}
	f.log.Debug("truncated reply, retrying over tcp", "server", server)
	msg, _, err = f.tcp.ExchangeContext(ctx, r, server)
	return msg, err
}
