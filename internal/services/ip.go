package services

import (
	"net/netip"
	"regexp"
	"strconv"
	"strings"
)

// IPKind classifies a resolved client address.
type IPKind string

const (
	IPKindV4      IPKind = "ipv4"
	IPKindV6      IPKind = "ipv6"
	IPKindUnknown IPKind = "unknown"
)

// ResolvedIP is the client address picked from the request candidates.
type ResolvedIP struct {
	Address string `json:"address"`
	Kind    IPKind `json:"kind"`
}

// Public reports whether the address is a routable IPv4 or IPv6 address.
func (r ResolvedIP) Public() bool {
	return r.Kind == IPKindV4 || r.Kind == IPKindV6
}

// ipv6Strict is used when netip rejects a candidate that still has IPv6 shape,
// e.g. zone identifiers.
var ipv6Strict = regexp.MustCompile(`^(([0-9a-fA-F]{1,4}:){7}[0-9a-fA-F]{1,4}|(([0-9a-fA-F]{1,4}:){0,6}[0-9a-fA-F]{1,4})?::(([0-9a-fA-F]{1,4}:){0,6}[0-9a-fA-F]{1,4})?)(%[0-9A-Za-z._-]+)?$`)

var privateV6 = []netip.Prefix{
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// CandidateIPs splits each header value on commas and returns the trimmed,
// non-empty entries in order. Ports and brackets are stripped.
func CandidateIPs(sources ...string) []string {
	var out []string
	for _, src := range sources {
		for _, part := range strings.Split(src, ",") {
			if c := stripPort(strings.TrimSpace(part)); c != "" {
				out = append(out, c)
			}
		}
	}
	return out
}

// ResolveClientIP picks the client address. The first public IPv6
// candidate wins, then the first public IPv4; when neither exists the first
// raw candidate is returned with kind unknown.
func ResolveClientIP(candidates ...string) ResolvedIP {
	var firstV4 string
	for _, c := range candidates {
		switch ClassifyIP(c) {
		case IPKindV6:
			if !isPrivate(c) {
				return ResolvedIP{Address: trimBrackets(c), Kind: IPKindV6}
			}
		case IPKindV4:
			if firstV4 == "" && !isPrivate(c) {
				firstV4 = c
			}
		}
	}
	if firstV4 != "" {
		return ResolvedIP{Address: firstV4, Kind: IPKindV4}
	}
	if len(candidates) > 0 {
		return ResolvedIP{Address: candidates[0], Kind: IPKindUnknown}
	}
	return ResolvedIP{Kind: IPKindUnknown}
}

// ClassifyIP reports the literal grammar of s. Privacy is not considered.
func ClassifyIP(s string) IPKind {
	if isIPv4(s) {
		return IPKindV4
	}
	s = trimBrackets(s)
	if !strings.Contains(s, ":") {
		return IPKindUnknown
	}
	if addr, err := netip.ParseAddr(s); err == nil && addr.Is6() {
		return IPKindV6
	}
	if ipv6Strict.MatchString(s) {
		return IPKindV6
	}
	return IPKindUnknown
}

// FormatForTransmission shapes an address for the ad platform, which
// prefers IPv6. IPv4 becomes IPv4-mapped IPv6.
func FormatForTransmission(addr string) string {
	if isIPv4(addr) {
		return "::ffff:" + addr
	}
	if t := trimBrackets(addr); ClassifyIP(t) == IPKindV6 {
		return t
	}
	return addr
}

func isIPv4(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return false
		}
		if len(p) > 1 && p[0] == '0' {
			return false
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 || p[0] == '+' || p[0] == '-' {
			return false
		}
	}
	return true
}

func isPrivate(s string) bool {
	addr, err := netip.ParseAddr(trimBrackets(s))
	if err != nil {
		// Only the regex accepted it; fall back to prefix checks.
		l := strings.ToLower(trimBrackets(s))
		return l == "::1" || strings.HasPrefix(l, "fe80:") || strings.HasPrefix(l, "fc") || strings.HasPrefix(l, "fd")
	}
	addr = addr.WithZone("")
	if addr.Is4() {
		return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsUnspecified()
	}
	if addr.Is4In6() {
		return isPrivate(addr.Unmap().String())
	}
	for _, p := range privateV6 {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func trimBrackets(s string) string {
	return strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
}

// stripPort removes a port from "1.2.3.4:80" and "[::1]:80" forms.
func stripPort(s string) string {
	if strings.HasPrefix(s, "[") {
		if i := strings.Index(s, "]"); i > 0 {
			return s[1:i]
		}
		return s
	}
	if strings.Count(s, ":") == 1 {
		host, _, _ := strings.Cut(s, ":")
		return host
	}
	return s
}
