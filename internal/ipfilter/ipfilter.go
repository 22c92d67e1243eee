// Package ipfilter restricts HTTP access to an allowlist of addresses.
// The management API and the metrics listener both sit on operator
// networks; the allowlist keeps them off the open internet.
package ipfilter

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// Filter holds the allowed networks. An empty filter allows everyone.
type Filter struct {
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// New builds a filter from a list of single IPs and CIDR ranges.
// Invalid entries are logged and skipped rather than failing startup.
func New(allowedIPs []string, logger *slog.Logger) *Filter {
	f := &Filter{logger: logger}

	for _, entry := range allowedIPs {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		ipNet := parseEntry(entry)
		if ipNet == nil {
			logger.Warn("invalid entry in allowed_ips", "entry", entry)
			continue
		}
		f.allowedNets = append(f.allowedNets, ipNet)
	}

	return f
}

// parseEntry turns an IP or CIDR string into a network. Single
// addresses become /32 or /128.
func parseEntry(entry string) *net.IPNet {
	if strings.Contains(entry, "/") {
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil
		}
		return ipNet
	}

	ip := net.ParseIP(entry)
	if ip == nil {
		return nil
	}
	mask := net.CIDRMask(128, 128)
	if ip.To4() != nil {
		mask = net.CIDRMask(32, 32)
	}
	return &net.IPNet{IP: ip, Mask: mask}
}

// Enabled reports whether any networks are configured.
func (f *Filter) Enabled() bool {
	return len(f.allowedNets) > 0
}

// IsAllowed reports whether the IP may pass. An empty filter allows
// every address.
func (f *Filter) IsAllowed(ip net.IP) bool {
	if len(f.allowedNets) == 0 {
		return true
	}
	for _, ipNet := range f.allowedNets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// GetClientIP extracts the client IP from a request, preferring the
// X-Forwarded-For and X-Real-IP headers set by reverse proxies.
func GetClientIP(r *http.Request) net.IP {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if ip := net.ParseIP(strings.TrimSpace(xri)); ip != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}

// HTTPMiddleware rejects requests from addresses outside the allowlist.
func (f *Filter) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		ip := GetClientIP(r)
		if ip == nil {
			f.logger.Warn("could not parse client IP", "remote_addr", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		if !f.IsAllowed(ip) {
			f.logger.Warn("access denied by IP filter", "ip", ip.String(), "path", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
