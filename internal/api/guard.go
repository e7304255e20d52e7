package api

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"examguard/internal/config"
)

// adminAccess gates the mutating admin endpoints. Loopback callers are
// always accepted; anything else must fall inside one of the configured
// admin_allow networks.
type adminAccess struct {
	allow []netip.Prefix
}

func buildAdminAccess(cfg config.APIConfig) *adminAccess {
	return &adminAccess{allow: buildPrefixes(cfg.AdminAllow)}
}

func buildPrefixes(values []string) []netip.Prefix {
	if len(values) == 0 {
		return nil
	}
	out := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		p, ok := parsePrefix(v)
		if !ok {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// parsePrefix accepts a CIDR block or a bare address.
func parsePrefix(value string) (netip.Prefix, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return netip.Prefix{}, false
	}
	if p, err := netip.ParsePrefix(value); err == nil {
		return p.Masked(), true
	}
	if a, err := netip.ParseAddr(value); err == nil {
		a = a.Unmap()
		return netip.PrefixFrom(a, a.BitLen()), true
	}
	return netip.Prefix{}, false
}

func (a *adminAccess) allows(remoteAddr string) bool {
	if a == nil {
		return false
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	if addr.IsLoopback() {
		return true
	}
	for _, p := range a.allow {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.admin.allows(r.RemoteAddr) {
			if s.logger != nil {
				s.logger.Warn("admin request rejected", "remote", r.RemoteAddr, "path", r.URL.Path)
			}
			w.WriteHeader(http.StatusForbidden)
			return
		}
		next(w, r)
	}
}
