package transport

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
)

// AllowList is the set of address ranges a slave accepts masters from.
// An empty list accepts everyone. It can be replaced while in use.
type AllowList struct {
	mu       sync.RWMutex
	prefixes []netip.Prefix
}

// ParseAllowList accepts CIDR ranges ("10.0.0.0/8") and bare addresses.
func ParseAllowList(entries []string) (*AllowList, error) {
	a := &AllowList{}
	if err := a.Set(entries); err != nil {
		return nil, err
	}
	return a, nil
}

// Set replaces the ranges. On error the previous ranges are kept.
func (a *AllowList) Set(entries []string) error {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return fmt.Errorf("parse allow range %q: %w", e, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		ip, err := netip.ParseAddr(e)
		if err != nil {
			return fmt.Errorf("parse allow address %q: %w", e, err)
		}
		prefixes = append(prefixes, netip.PrefixFrom(ip, ip.BitLen()))
	}
	a.mu.Lock()
	a.prefixes = prefixes
	a.mu.Unlock()
	return nil
}

// Allowed reports whether the peer address is inside one of the ranges.
// A nil or empty list allows every peer.
func (a *AllowList) Allowed(addr net.Addr) bool {
	if a == nil {
		return true
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.prefixes) == 0 {
		return true
	}
	var ip netip.Addr
	switch v := addr.(type) {
	case *net.TCPAddr:
		ip, _ = netip.AddrFromSlice(v.IP)
	case *net.UDPAddr:
		ip, _ = netip.AddrFromSlice(v.IP)
	default:
		ap, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return false
		}
		ip = ap.Addr()
	}
	ip = ip.Unmap()
	for _, p := range a.prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}
