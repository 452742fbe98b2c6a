package security

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ParseCIDRAllowlist accepts CIDR blocks and bare addresses, which are
// treated as single-host networks.
func ParseCIDRAllowlist(entries []string) ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, &net.ParseError{Type: "IP address", Text: entry}
			}
			bits := 128
			if v4 := ip.To4(); v4 != nil {
				ip, bits = v4, 32
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// IPAllowlist rejects callers outside allow. An empty list admits everyone.
func IPAllowlist(allow []*net.IPNet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(allow) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			if ip := remoteIP(r); ip != nil && allowed(allow, ip) {
				next.ServeHTTP(w, r)
				return
			}
			WriteJSONErrorMessage(w, r, http.StatusForbidden, "forbidden",
				fmt.Sprintf("address %s is not allowed", r.RemoteAddr))
		})
	}
}

func remoteIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func allowed(allow []*net.IPNet, ip net.IP) bool {
	for _, n := range allow {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
