package middleware

import (
	"net/netip"

	"capproxy/internal/services"

	"github.com/gin-gonic/gin"
)

const ClientIPKey = "client_ip"

// ClientIP resolves the caller's address once per request, preferring the
// Cloudflare header, then X-Forwarded-For, X-Real-IP and the peer address.
// When trusted is non-empty the headers are only honoured for peers inside
// one of its prefixes; anyone else is keyed by the peer address alone.
func ClientIP(trusted []netip.Prefix) gin.HandlerFunc {
	return func(c *gin.Context) {
		peer := c.Request.RemoteAddr
		var candidates []string
		if len(trusted) == 0 || peerTrusted(peer, trusted) {
			candidates = services.CandidateIPs(
				c.GetHeader("CF-Connecting-IP"),
				c.GetHeader("X-Forwarded-For"),
				c.GetHeader("X-Real-IP"),
				peer,
			)
		} else {
			candidates = services.CandidateIPs(peer)
		}
		c.Set(ClientIPKey, services.ResolveClientIP(candidates...))
		c.Next()
	}
}

func peerTrusted(remoteAddr string, trusted []netip.Prefix) bool {
	hosts := services.CandidateIPs(remoteAddr)
	if len(hosts) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(hosts[0])
	if err != nil {
		return false
	}
	addr = addr.Unmap().WithZone("")
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// GetClientIP returns the address resolved by ClientIP.
func GetClientIP(c *gin.Context) services.ResolvedIP {
	if v, ok := c.Get(ClientIPKey); ok {
		if ip, ok := v.(services.ResolvedIP); ok {
			return ip
		}
	}
	return services.ResolvedIP{Kind: services.IPKindUnknown}
}
