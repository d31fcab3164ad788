package egress

import (
	"context"
	"fmt"
	"net"
)

// blockedRanges are the loopback/private/link-local/CGNAT/ULA/metadata
// ranges a fetch must never be allowed to reach, resolved address or not.
var blockedRanges = mustParseCIDRs(
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"0.0.0.0/8",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("egress: invalid blocked range %q: %v", c, err))
		}
		out = append(out, n)
	}
	return out
}

// isBlockedAddr reports whether ip falls in any disallowed destination
// range for an outbound fetch.
func isBlockedAddr(ip net.IP) bool {
	for _, r := range blockedRanges {
		if r.Contains(ip) {
			return true
		}
	}
	return false
}

// dialContextBlockingPrivate returns a DialContext func that resolves the
// address itself and rejects the connection before dialing if it lands in
// a blocked range. Used for the initial connection and every redirect hop,
// since a dialer applies to every connection the transport opens.
func dialContextBlockingPrivate(base *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("egress: invalid dial address %q: %w", addr, err)
		}

		ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
		if err != nil {
			return nil, fmt.Errorf("egress: resolve %q: %w", host, err)
		}

		var lastErr error
		for _, ip := range ips {
			if isBlockedAddr(ip) {
				lastErr = newError(CodeBlocked, false, "destination %s resolves to a blocked address range", host)
				continue
			}
			conn, dialErr := base.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
			if dialErr == nil {
				return conn, nil
			}
			lastErr = dialErr
		}
		if lastErr == nil {
			lastErr = newError(CodeBlocked, false, "no resolvable address for %q", host)
		}
		return nil, lastErr
	}
}
