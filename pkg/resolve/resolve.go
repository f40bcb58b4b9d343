// Package resolve looks names up through a specific DNS server.
package resolve

import (
	"context"
	"net"
	"slices"
	"strings"
	"time"
)

const DefaultTimeout = 2 * time.Second

// Host returns the addresses dnsServer reports for host.
func Host(ctx context.Context, host string, dnsServer string) ([]string, error) {
	r := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			d := net.Dialer{Timeout: DefaultTimeout}
			return d.DialContext(ctx, network, dnsServer)
		},
	}
	ips, err := r.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ipAddresses := make([]string, 0, len(ips))
	for _, ip := range ips {
		ipAddresses = append(ipAddresses, strings.TrimSpace(ip.String()))
	}
	return ipAddresses, nil
}

// Redirected reports whether dnsServer answers host with blockedAddress.
func Redirected(ctx context.Context, host, dnsServer, blockedAddress string) (bool, []string, error) {
	addrs, err := Host(ctx, host, dnsServer)
	if err != nil {
		return false, nil, err
	}
	want := net.ParseIP(blockedAddress)
	return slices.ContainsFunc(addrs, func(addr string) bool {
		return net.ParseIP(addr).Equal(want)
	}), addrs, nil
}
