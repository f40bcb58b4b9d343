// Package server runs the DNS listeners that enforce the block rules.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"marshal/pkg/version"

	"github.com/miekg/dns"
	"github.com/sourcegraph/conc/pool"
)

const ShutdownTimeout = 5 * time.Second

type Server struct {
	addr    string
	handler dns.Handler
	udp     *dns.Server
	tcp     *dns.Server
	log     *slog.Logger
}

// New creates a Server that serves handler on addr over UDP and TCP.
func New(addr string, handler dns.Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{addr: addr, handler: handler, log: log}
}

// Listen binds the UDP socket and a TCP listener on the same port.
func (s *Server) Listen() error {
	udpConn, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", s.addr, err)
	}
	tcpListener, err := net.Listen("tcp", udpConn.LocalAddr().String())
	if err != nil {
		_ = udpConn.Close()
		return fmt.Errorf("listen tcp %s: %w", s.addr, err)
	}
	s.addr = udpConn.LocalAddr().String()
	s.udp = &dns.Server{PacketConn: udpConn, Handler: s.handler}
	s.tcp = &dns.Server{Listener: tcpListener, Handler: s.handler}
	return nil
}

// Addr returns the bound address once Listen succeeded.
func (s *Server) Addr() string {
	return s.addr
}

// Serve answers queries until ctx is cancelled or a listener fails.
func (s *Server) Serve(ctx context.Context) error {
	if s.udp == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.log.Info("starting DNS server", "version", version.MarshalVersion, "address", s.addr)

	p := pool.New().WithContext(ctx).WithCancelOnError()
	udpUp, udpDone := s.run(p, "udp", s.udp)
	tcpUp, tcpDone := s.run(p, "tcp", s.tcp)

	p.Go(func(ctx context.Context) error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
		defer cancel()
		return errors.Join(
			shutdown(shutdownCtx, s.udp, udpUp, udpDone),
			shutdown(shutdownCtx, s.tcp, tcpUp, tcpDone),
		)
	})

	err := p.Wait()
	s.log.Info("DNS server stopped", "address", s.addr)
	return err
}

func (s *Server) run(p *pool.ContextPool, network string, srv *dns.Server) (up, done chan struct{}) {
	up = make(chan struct{})
	done = make(chan struct{})
	srv.NotifyStartedFunc = func() { close(up) }
	p.Go(func(context.Context) error {
		defer close(done)
		if err := srv.ActivateAndServe(); err != nil {
			return fmt.Errorf("%s server: %w", network, err)
		}
		return nil
	})
	return up, done
}

// shutdown stops srv once it has started. A server that exited on its own
// needs no shutdown.
func shutdown(ctx context.Context, srv *dns.Server, up, done <-chan struct{}) error {
	select {
	case <-up:
	case <-done:
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}
	return srv.ShutdownContext(ctx)
}
