// Package ipmatch normalizes and matches IPv4/IPv6 addresses against CIDR
// or exact-IP patterns (C1).
package ipmatch

import (
	"fmt"
	"net"
	"strings"

	"github.com/asergeyev/nradix"
)

// IsIP reports whether s parses as a bare IP address (no mask).
func IsIP(s string) bool {
	return net.ParseIP(s) != nil
}

// IsCIDR reports whether s parses as a CIDR network.
func IsCIDR(s string) bool {
	_, _, err := net.ParseCIDR(s)
	return err == nil
}

// Normalize widens a standalone IP or CIDR pattern per the coarsening
// policy: any IPv4 (bare or CIDR) is widened to its /24 supernet, a bare
// IPv6 address becomes /128, and an IPv6 CIDR keeps its own prefix
// length. This intentionally clusters NAT pools.
func Normalize(ipOrCIDR string) (string, error) {
	if ip := net.ParseIP(ipOrCIDR); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return widenV4(v4, 24)
		}
		return fmt.Sprintf("%s/128", canonicalV6(ip)), nil
	}

	ip, ipnet, err := net.ParseCIDR(ipOrCIDR)
	if err != nil {
		return "", fmt.Errorf("ipmatch: invalid IP or CIDR %q: %w", ipOrCIDR, err)
	}
	if v4 := ip.To4(); v4 != nil {
		return widenV4(v4, 24)
	}
	ones, _ := ipnet.Mask.Size()
	return fmt.Sprintf("%s/%d", canonicalV6(ip), ones), nil
}

func widenV4(v4 net.IP, prefix int) (string, error) {
	mask := net.CIDRMask(prefix, 32)
	network := v4.Mask(mask)
	return fmt.Sprintf("%s/%d", network.String(), prefix), nil
}

// canonicalV6 returns the compressed canonical string form of an IPv6
// address, so two syntactic representations of the same address produce
// identical normalized output (T4).
func canonicalV6(ip net.IP) string {
	return ip.To16().String()
}

// IPInCIDR reports whether ip lies within cidr.
func IPInCIDR(ip, cidr string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	return ipnet.Contains(parsed)
}

// IPInCIDROrEqual reports whether ip matches pattern, where pattern may be
// a CIDR network or a bare IP address (exact match). Stored whitelist
// patterns are always normalized CIDRs, but this tolerates callers that
// pass through un-normalized configuration values too.
func IPInCIDROrEqual(ip, pattern string) (bool, error) {
	if strings.Contains(pattern, "/") {
		return IPInCIDR(ip, pattern), nil
	}
	parsed := net.ParseIP(ip)
	target := net.ParseIP(pattern)
	if parsed == nil || target == nil {
		return false, fmt.Errorf("ipmatch: invalid ip or pattern")
	}
	return parsed.Equal(target), nil
}

// Matcher matches a client IP against an ordered list of normalized
// CIDR/IP patterns, in list order (§4.1: iterate patterns in order, return
// the first match — not the longest or most specific prefix).
type Matcher struct {
	patterns []string
}

// NewMatcher builds a Matcher over the given patterns, in the order
// supplied (first match wins when patterns overlap).
func NewMatcher(patterns []string) *Matcher {
	cp := make([]string, len(patterns))
	copy(cp, patterns)
	return &Matcher{patterns: cp}
}

// Match reports whether ip matches any configured pattern, and returns the
// first matching pattern string in list order. Fails soft: an unparseable
// ip yields (false, ""). Each pattern is tested against its own
// single-entry radix tree rather than one shared tree, since a shared tree
// would let nradix's longest-prefix lookup silently reorder the match away
// from list order.
func (m *Matcher) Match(ip string) (bool, string) {
	if net.ParseIP(ip) == nil {
		return false, ""
	}
	for _, p := range m.patterns {
		tree := nradix.NewTree(1)
		if err := tree.AddCIDR(toCIDR(p), 0); err != nil {
			continue
		}
		if val, err := tree.FindCIDR(ip); err == nil && val != nil {
			return true, p
		}
	}
	return false, ""
}

// toCIDR widens a bare IP pattern to a host CIDR (nradix requires a mask).
func toCIDR(p string) string {
	if strings.Contains(p, "/") {
		return p
	}
	if strings.Contains(p, ":") {
		return p + "/128"
	}
	return p + "/32"
}

// Match is a convenience one-shot matcher for a single (ip, patterns) pair
// when building a per-call radix tree (as opposed to a reusable Matcher)
// is acceptable.
func Match(ip string, patterns []string) (bool, string) {
	return NewMatcher(patterns).Match(ip)
}

// Examples enumerates up to n example addresses contained in cidr, used by
// the /debug/cidr introspection endpoint.
func Examples(cidr string, n int) ([]string, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("ipmatch: invalid CIDR %q: %w", cidr, err)
	}
	var out []string
	cur := ip.Mask(ipnet.Mask)
	for len(out) < n && ipnet.Contains(cur) {
		out = append(out, cur.String())
		cur = nextIP(cur)
		if cur == nil {
			break
		}
	}
	return out, nil
}

func nextIP(ip net.IP) net.IP {
	next := make(net.IP, len(ip))
	copy(next, ip)
	for i := len(next) - 1; i >= 0; i-- {
		next[i]++
		if next[i] != 0 {
			return next
		}
	}
	return nil // overflowed
}
