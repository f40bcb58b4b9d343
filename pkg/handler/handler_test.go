package handler

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"marshal/internal/testutil"
	"marshal/pkg/dnscache"
	"marshal/pkg/forward"
	"marshal/pkg/rules"

	"github.com/miekg/dns"
)

type observedMatches struct {
	mu      sync.Mutex
	matches []rules.Match
}

func (o *observedMatches) add(m rules.Match) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.matches = append(o.matches, m)
}

func (o *observedMatches) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.matches)
}

func newTestHandler(t *testing.T, sites ...string) (*Handler, *rules.Table, *observedMatches) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	table := rules.NewTable(0)
	ids := make([]int, len(sites)*rules.VariantsPerSite)
	for i := range ids {
		ids[i] = 1000 + i
	}
	generated, err := rules.Generate(sites, ids, "http://127.0.0.1:8053/blocked")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := table.UpdateRules(context.Background(), nil, generated); err != nil {
		t.Fatalf("UpdateRules: %v", err)
	}
	observed := &observedMatches{}
	table.OnRuleMatched(observed.add)

	stub := testutil.StartDNSStub(t, testutil.FixedHandler(map[string]testutil.Response{
		testutil.Key("allowed.example.com.", dns.TypeA): {
			Answers: []dns.RR{testutil.ARecord("allowed.example.com.", "192.0.2.10")},
		},
	}))

	h := New(Options{
		Rules:     table,
		Cache:     dnscache.New(0, logger),
		Forwarder: forward.New([]string{stub.Addr}, time.Second, logger),
		BlockedV4: net.ParseIP("127.0.0.1"),
		Log:       logger,
	})
	return h, table, observed
}

func sendQuery(t *testing.T, h *Handler, client, name string, qtype uint16) *dns.Msg {
	t.Helper()
	req := new(dns.Msg)
	req.SetQuestion(name, qtype)
	w := testutil.NewResponseRecorder(client)
	h.HandleDNSRequest(w, req)
	if w.Msg == nil {
		t.Fatal("expected response message")
	}
	if w.Msg.Id != req.Id {
		t.Fatalf("response id %d does not match request id %d", w.Msg.Id, req.Id)
	}
	return w.Msg
}

func TestHandleDNSRequest(t *testing.T) {
	h, _, _ := newTestHandler(t, "blocked.example")

	tests := []struct {
		name       string
		query      string
		qtype      uint16
		wantRcode  int
		wantTarget string
		wantAuth   bool
	}{
		{name: "blocked bare host", query: "blocked.example.", qtype: dns.TypeA, wantTarget: "127.0.0.1", wantAuth: true},
		{name: "blocked www host", query: "WWW.Blocked.Example.", qtype: dns.TypeA, wantTarget: "127.0.0.1", wantAuth: true},
		{name: "blocked subdomain", query: "m.blocked.example.", qtype: dns.TypeA, wantTarget: "127.0.0.1", wantAuth: true},
		{name: "blocked AAAA is empty", query: "blocked.example.", qtype: dns.TypeAAAA, wantAuth: true},
		{name: "blocked HTTPS is empty", query: "www.blocked.example.", qtype: dns.TypeHTTPS, wantAuth: true},
		{name: "blocked MX is empty", query: "blocked.example.", qtype: dns.TypeMX, wantAuth: true},
		{name: "lookalike is forwarded", query: "notblocked.example.", qtype: dns.TypeA, wantRcode: dns.RcodeNameError},
		{name: "allowed host is forwarded", query: "allowed.example.com.", qtype: dns.TypeA, wantTarget: "192.0.2.10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := sendQuery(t, h, "192.0.2.50", tt.query, tt.qtype)
			if msg.Rcode != tt.wantRcode {
				t.Errorf("rcode = %s, want %s", dns.RcodeToString[msg.Rcode], dns.RcodeToString[tt.wantRcode])
			}
			if msg.Authoritative != tt.wantAuth {
				t.Errorf("authoritative = %v, want %v", msg.Authoritative, tt.wantAuth)
			}
			if tt.wantTarget == "" {
				if len(msg.Answer) != 0 {
					t.Errorf("expected no answers, got %v", msg.Answer)
				}
				return
			}
			if len(msg.Answer) == 0 {
				t.Fatal("expected an answer")
			}
			a, ok := msg.Answer[0].(*dns.A)
			if !ok || a.A.String() != tt.wantTarget {
				t.Errorf("answer = %v, want A %s", msg.Answer[0], tt.wantTarget)
			}
		})
	}
}

func TestBlockedQueriesAreObservedOncePerWindow(t *testing.T) {
	h, _, observed := newTestHandler(t, "blocked.example")
	now := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	sendQuery(t, h, "192.0.2.50", "blocked.example.", dns.TypeA)
	sendQuery(t, h, "192.0.2.50", "blocked.example.", dns.TypeA)
	sendQuery(t, h, "192.0.2.50", "blocked.example.", dns.TypeAAAA)
	if got := observed.len(); got != 1 {
		t.Fatalf("expected one observed match, got %d", got)
	}

	sendQuery(t, h, "192.0.2.51", "blocked.example.", dns.TypeA)
	if got := observed.len(); got != 2 {
		t.Fatalf("expected a second client to be observed, got %d", got)
	}

	now = now.Add(DedupeWindow)
	sendQuery(t, h, "192.0.2.50", "blocked.example.", dns.TypeA)
	if got := observed.len(); got != 3 {
		t.Fatalf("expected a repeat after the window to be observed, got %d", got)
	}

	observed.mu.Lock()
	first := observed.matches[0]
	observed.mu.Unlock()
	if first.Rule.Site != "blocked.example" || first.Client != "192.0.2.50" {
		t.Errorf("unexpected match %+v", first)
	}
}

func TestRuleRemovalTakesEffectImmediately(t *testing.T) {
	h, table, _ := newTestHandler(t, "allowed.example.com")

	blocked := sendQuery(t, h, "192.0.2.50", "allowed.example.com.", dns.TypeA)
	if !blocked.Authoritative {
		t.Fatal("expected redirect while the rule is installed")
	}

	installed, _ := table.Rules(context.Background())
	ids := make([]int, 0, len(installed))
	for _, rule := range installed {
		ids = append(ids, rule.ID)
	}
	if err := table.UpdateRules(context.Background(), ids, nil); err != nil {
		t.Fatalf("UpdateRules: %v", err)
	}

	msg := sendQuery(t, h, "192.0.2.50", "allowed.example.com.", dns.TypeA)
	if msg.Authoritative || len(msg.Answer) == 0 {
		t.Fatalf("expected upstream answer once the rule is gone, got %v", msg)
	}
}

func TestEmptyQuestionIsFormatError(t *testing.T) {
	h, _, _ := newTestHandler(t)
	w := testutil.NewResponseRecorder("192.0.2.50")
	h.HandleDNSRequest(w, new(dns.Msg))
	if w.Msg == nil || w.Msg.Rcode != dns.RcodeFormatError {
		t.Fatalf("expected FORMERR, got %v", w.Msg)
	}
}

func TestUpstreamFailureIsServerFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := New(Options{
		Rules:     rules.NewTable(0),
		Cache:     dnscache.New(0, logger),
		Forwarder: forward.New(nil, time.Second, logger),
		Log:       logger,
	})
	msg := sendQuery(t, h, "192.0.2.50", "example.com.", dns.TypeA)
	if msg.Rcode != dns.RcodeServerFailure {
		t.Fatalf("expected SERVFAIL, got %s", dns.RcodeToString[msg.Rcode])
	}
}

func TestForwardedAnswersAreCached(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	upstream := testutil.FixedHandler(map[string]testutil.Response{
		testutil.Key("docs.example.org.", dns.TypeA): {
			Answers: []dns.RR{testutil.ARecord("docs.example.org.", "192.0.2.20")},
		},
	})
	stub := testutil.StartDNSStub(t, upstream)
	h := New(Options{
		Rules:     rules.NewTable(0),
		Cache:     dnscache.New(0, logger),
		Forwarder: forward.New([]string{stub.Addr}, time.Second, logger),
		Log:       logger,
	})

	for i := 0; i < 3; i++ {
		msg := sendQuery(t, h, "192.0.2.50", "docs.example.org.", dns.TypeA)
		if len(msg.Answer) != 1 {
			t.Fatalf("query %d: expected one answer, got %v", i, msg.Answer)
		}
	}
	if got := upstream.Hits("docs.example.org.", dns.TypeA); got != 1 {
		t.Errorf("upstream queried %d times, want 1", got)
	}
}
