package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// ErrBlockedAddress is returned for a destination inside the deployment's
// own network.
var ErrBlockedAddress = errors.New("security: destination address not allowed")

var blockedHosts = map[string]struct{}{
	"localhost":                {},
	"metadata.google.internal": {},
	"metadata.google":          {},
}

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// ValidateEndpointURL checks an operator-supplied callback URL before the
// server sends anything to it: http(s) only, and neither the literal host
// nor any address it resolves to may be internal.
func ValidateEndpointURL(ctx context.Context, rawURL string) error {
	return validateEndpoint(ctx, net.DefaultResolver, rawURL)
}

func validateEndpoint(ctx context.Context, r Resolver, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL must have a host")
	}
	if _, ok := blockedHosts[strings.ToLower(host)]; ok {
		return fmt.Errorf("%w: host %q", ErrBlockedAddress, host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}
	addrs, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("cannot resolve %s: %w", host, err)
	}
	for _, a := range addrs {
		if err := checkAddr(a); err != nil {
			return fmt.Errorf("host %q: %w", host, err)
		}
	}
	return nil
}

func checkAddr(a netip.Addr) error {
	a = a.Unmap()
	switch {
	case a.IsLoopback(), a.IsPrivate(), a.IsLinkLocalUnicast(), a.IsLinkLocalMulticast(), a.IsUnspecified():
		return fmt.Errorf("%w: %s", ErrBlockedAddress, a)
	}
	return nil
}

// SafeDialer returns a dialer that refuses internal addresses at connect
// time, after DNS resolution, so a host that re-resolves to an internal
// address between validation and use is still blocked.
func SafeDialer(timeout time.Duration) *net.Dialer {
	return &net.Dialer{
		Timeout: timeout,
		Control: func(_, address string, _ syscall.RawConn) error {
			ap, err := netip.ParseAddrPort(address)
			if err != nil {
				return fmt.Errorf("%w: %s", ErrBlockedAddress, address)
			}
			return checkAddr(ap.Addr())
		},
	}
}
