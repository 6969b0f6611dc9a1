// Package ipfilter restricts HTTP endpoints to configured networks
package ipfilter

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Filter allows requests from a set of networks. An empty filter allows
// everything.
type Filter struct {
	allowed []netip.Prefix
	trusted []netip.Prefix
	logger  *slog.Logger
}

// ParsePrefixes parses IPs and CIDRs. A bare IP becomes a single-host
// prefix. Blank entries are skipped; invalid ones are reported.
func ParsePrefixes(entries []string) ([]netip.Prefix, []error) {
	var (
		prefixes []netip.Prefix
		errs     []error
	)
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid CIDR %q: %w", entry, err))
				continue
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}

		addr, err := netip.ParseAddr(entry)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid IP %q: %w", entry, err))
			continue
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, errs
}

// New creates a filter; invalid entries are logged and ignored
func New(allowed []string, logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}

	prefixes, errs := ParsePrefixes(allowed)
	for _, err := range errs {
		logger.Warn("ignoring allowed_ips entry", "error", err)
	}

	return &Filter{allowed: prefixes, logger: logger}
}

// TrustProxies makes the filter honor X-Forwarded-For and X-Real-IP when
// the direct peer is in one of the given networks
func (f *Filter) TrustProxies(proxies []string) *Filter {
	prefixes, errs := ParsePrefixes(proxies)
	for _, err := range errs {
		f.logger.Warn("ignoring trusted_proxies entry", "error", err)
	}
	f.trusted = prefixes
	return f
}

// Enabled reports whether the filter restricts anything
func (f *Filter) Enabled() bool {
	return len(f.allowed) > 0
}

// Count returns the number of allowed networks
func (f *Filter) Count() int {
	return len(f.allowed)
}

// Allows reports whether addr is permitted
func (f *Filter) Allows(addr netip.Addr) bool {
	if !f.Enabled() {
		return true
	}
	return contains(f.allowed, addr)
}

// AllowsString parses and checks an IP
func (f *Filter) AllowsString(s string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	return f.Allows(addr)
}

// AllowsAddr checks a host:port or bare IP
func (f *Filter) AllowsAddr(hostport string) bool {
	addr, ok := parseHost(hostport)
	if !ok {
		return false
	}
	return f.Allows(addr)
}

// ClientAddr returns the client address of r. Forwarding headers are only
// used when the peer is a trusted proxy.
func (f *Filter) ClientAddr(r *http.Request) (netip.Addr, bool) {
	peer, ok := parseHost(r.RemoteAddr)
	if !ok {
		return netip.Addr{}, false
	}
	if !contains(f.trusted, peer) {
		return peer, true
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
			return addr.Unmap(), true
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr.Unmap(), true
		}
	}
	return peer, true
}

// HTTPMiddleware rejects requests from networks outside the filter with 403
func (f *Filter) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		addr, ok := f.ClientAddr(r)
		if !ok {
			f.logger.Warn("could not parse client IP", "remote_addr", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		if !f.Allows(addr) {
			f.logger.Warn("access denied by IP filter", "ip", addr.String(), "path", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func contains(prefixes []netip.Prefix, addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func parseHost(hostport string) (netip.Addr, bool) {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
