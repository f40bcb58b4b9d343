// Package testutil provides an upstream resolver stand-in and a recording
// ResponseWriter for DNS tests.
package testutil

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// Response is the canned reply for one question. A zero Response answers
// NOERROR with no records.
type Response struct {
	Answers []dns.RR
	Rcode   int
}

// DNSStub serves a handler over UDP and TCP on one loopback port.
type DNSStub struct {
	Addr      string
	udpServer *dns.Server
	tcpServer *dns.Server
}

// StartDNSStub starts handler on a free port and stops it when t finishes.
func StartDNSStub(t *testing.T, handler dns.Handler) *DNSStub {
	t.Helper()

	udpConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	addr := fmt.Sprintf("127.0.0.1:%d", udpConn.LocalAddr().(*net.UDPAddr).Port)

	tcpListener, err := net.Listen("tcp", addr)
	if err != nil {
		_ = udpConn.Close()
		t.Fatalf("listen tcp: %v", err)
	}

	started := make(chan struct{}, 2)
	notify := func() { started <- struct{}{} }
	stub := &DNSStub{
		Addr:      addr,
		udpServer: &dns.Server{PacketConn: udpConn, Handler: handler, NotifyStartedFunc: notify},
		tcpServer: &dns.Server{Listener: tcpListener, Handler: handler, NotifyStartedFunc: notify},
	}
	go func() { _ = stub.udpServer.ActivateAndServe() }()
	go func() { _ = stub.tcpServer.ActivateAndServe() }()

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			stub.Close()
			t.Fatal("dns stub did not start")
		}
	}
	t.Cleanup(stub.Close)
	return stub
}

// Close shuts down both listeners.
func (s *DNSStub) Close() {
	_ = s.tcpServer.Shutdown()
	_ = s.udpServer.Shutdown()
}

// Fixed answers questions from a table of canned responses and counts how
// often each question was asked. Unknown questions get NXDOMAIN.
type Fixed struct {
	responses map[string]Response

	mu   sync.Mutex
	hits map[string]int
}

// FixedHandler returns a Fixed serving responses, keyed by Key.
func FixedHandler(responses map[string]Response) *Fixed {
	return &Fixed{responses: responses, hits: make(map[string]int)}
}

func (f *Fixed) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	reply := new(dns.Msg)
	if len(r.Question) == 0 {
		reply.SetRcode(r, dns.RcodeFormatError)
		_ = w.WriteMsg(reply)
		return
	}

	reply.SetReply(r)
	reply.RecursionAvailable = true
	q := r.Question[0]
	key := Key(q.Name, q.Qtype)

	f.mu.Lock()
	f.hits[key]++
	f.mu.Unlock()

	if resp, ok := f.responses[key]; ok {
		reply.Rcode = resp.Rcode
		reply.Answer = append(reply.Answer, resp.Answers...)
	} else {
		reply.Rcode = dns.RcodeNameError
	}
	_ = w.WriteMsg(reply)
}

// Hits returns how many times the question name/qtype reached the stub.
func (f *Fixed) Hits(name string, qtype uint16) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[Key(name, qtype)]
}

// Key identifies a question regardless of case and trailing dot.
func Key(name string, qtype uint16) string {
	return dns.Fqdn(strings.ToLower(strings.TrimSpace(name))) + "|" + strconv.Itoa(int(qtype))
}

// ARecord returns an A record with a one minute TTL.
func ARecord(name, ip string) dns.RR {
	return &dns.A{
		Hdr: dns.RR_Header{
			Name:   dns.Fqdn(strings.ToLower(name)),
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    60,
		},
		A: net.ParseIP(ip),
	}
}
