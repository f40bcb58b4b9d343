package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/miekg/dns"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"marshal/pkg/api"
	"marshal/pkg/dnscache"
	"marshal/pkg/forward"
	"marshal/pkg/handler"
	"marshal/pkg/server"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the blocker daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) (err error) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	for _, warning := range a.cfg.Warnings() {
		a.log.Warn(warning)
	}

	var dnsServer *server.Server
	if a.cfg.DNS.Enabled {
		dnsServer = server.New(a.cfg.DNS.Listen, newDNSHandler(a), a.log)
		if err := dnsServer.Listen(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := a.rec.Start(gctx); err != nil {
		return err
	}

	httpAPI := api.New(api.Options{
		Reconciler:     a.rec,
		Navigation:     a.hub,
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		Log:            a.log,
	})
	g.Go(func() error {
		return httpAPI.ListenAndServe(gctx, a.cfg.Server.Listen)
	})
	if addr := a.cfg.Server.RedirectListen; addr != "" {
		g.Go(func() error {
			return httpAPI.ListenAndServe(gctx, addr)
		})
	}
	if dnsServer != nil {
		g.Go(func() error {
			return dnsServer.Serve(gctx)
		})
	}
	g.Go(func() error {
		reloadOnHangup(gctx, a)
		return nil
	})

	err = g.Wait()
	<-a.rec.Done()
	return err
}

func newDNSHandler(a *app) dns.Handler {
	var blockedV6 net.IP
	if a.cfg.DNS.BlockedAddressV6 != "" {
		blockedV6 = net.ParseIP(a.cfg.DNS.BlockedAddressV6)
	}
	h := handler.New(handler.Options{
		Rules:     a.table,
		Cache:     dnscache.New(a.cfg.DNS.CacheSize, a.log),
		Forwarder: forward.New(a.cfg.DNS.Upstream.Servers, forward.DefaultTimeout, a.log),
		BlockedV4: net.ParseIP(a.cfg.DNS.BlockedAddress),
		BlockedV6: blockedV6,
		Log:       a.log,
	})
	return dns.HandlerFunc(h.HandleDNSRequest)
}

// reloadOnHangup re-reads the block list on SIGHUP so edits made with the
// offline sites and study commands take effect.
func reloadOnHangup(ctx context.Context, a *app) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			a.log.Info("received SIGHUP signal, reloading block list")
			if err := a.rec.Reload(ctx); err != nil {
				a.log.Error("failed to reload block list", "error", err)
			}
		}
	}
}
