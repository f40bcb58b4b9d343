package blocklist

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"
)

// ErrInvalidHost is returned for input that does not name a website.
var ErrInvalidHost = errors.New("invalid hostname")

// NormalizeHost turns user input such as "https://www.Example.com/path" into
// a bare hostname ("example.com").
func NormalizeHost(input string) (string, error) {
	name := strings.TrimSpace(input)
	if name == "" {
		return "", fmt.Errorf("%w: empty entry", ErrInvalidHost)
	}
	lower := strings.ToLower(name)
	for _, scheme := range []string{"http://", "https://"} {
		lower = strings.TrimPrefix(lower, scheme)
	}
	if i := strings.IndexAny(lower, "/?#"); i >= 0 {
		lower = lower[:i]
	}
	if host, _, err := net.SplitHostPort(lower); err == nil {
		lower = host
	}
	lower = canonicalHost(lower)

	if lower == "" {
		return "", fmt.Errorf("%w: empty domain", ErrInvalidHost)
	}
	if strings.Contains(lower, "://") || strings.Contains(lower, ":") {
		return "", fmt.Errorf("%w: %q", ErrInvalidHost, input)
	}
	if ip := net.ParseIP(lower); ip != nil {
		return "", fmt.Errorf("%w: ip literals are not websites", ErrInvalidHost)
	}
	if !strings.Contains(lower, ".") {
		return "", fmt.Errorf("%w: %q has no top-level domain", ErrInvalidHost, input)
	}
	if _, ok := dns.IsDomainName(lower); !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidHost, input)
	}
	return lower, nil
}
