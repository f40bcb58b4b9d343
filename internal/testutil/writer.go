package testutil

import (
	"net"

	"github.com/miekg/dns"
)

// ResponseRecorder is a dns.ResponseWriter that keeps the last reply.
type ResponseRecorder struct {
	Remote net.Addr
	Msg    *dns.Msg
}

// NewResponseRecorder returns a recorder that reports client as a UDP peer.
func NewResponseRecorder(client string) *ResponseRecorder {
	return &ResponseRecorder{Remote: &net.UDPAddr{IP: net.ParseIP(client), Port: 40053}}
}

func (w *ResponseRecorder) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 53}
}

func (w *ResponseRecorder) RemoteAddr() net.Addr { return w.Remote }

func (w *ResponseRecorder) WriteMsg(msg *dns.Msg) error {
	w.Msg = msg
	return nil
}

func (w *ResponseRecorder) Write([]byte) (int, error) { return 0, nil }
func (w *ResponseRecorder) Close() error              { return nil }
func (w *ResponseRecorder) TsigStatus() error         { return nil }
func (w *ResponseRecorder) TsigTimersOnly(bool)       {}
func (w *ResponseRecorder) Hijack()                   {}
