// Package identity turns request metadata into the hashed source identity used
// for rate limiting and dedupe. Raw IPs leave this package only as HMACs.
package identity

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/PratikDhanave/kanariya/internal/digest"
)

const (
	HeaderConnectingIP = "CF-Connecting-IP"
	HeaderForwardedFor = "X-Forwarded-For"

	DefaultCountryHeader = "CF-IPCountry"
	DefaultASNHeader     = "X-ASN"
)

// ClientIP resolves the caller address: the edge header first, then the first
// X-Forwarded-For entry, then (only if trustRemoteAddr) the socket peer.
// Returns "" when nothing parses as an IP.
func ClientIP(r *http.Request, trustRemoteAddr bool) string {
	if ip := firstIP(r.Header.Get(HeaderConnectingIP)); ip != "" {
		return ip
	}
	if ip := firstIP(r.Header.Get(HeaderForwardedFor)); ip != "" {
		return ip
	}
	if trustRemoteAddr {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = strings.Trim(r.RemoteAddr, "[]")
		}
		return firstIP(host)
	}
	return ""
}

// firstIP returns the first entry of a comma-separated list if it is an IP.
func firstIP(s string) string {
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}

// Hasher derives the one-way identity hashes.
type Hasher struct {
	ipSecret string
}

func NewHasher(ipSecret string) Hasher {
	return Hasher{ipSecret: ipSecret}
}

// IPHash is HMAC(ipSecret, ip), or "" when either is missing.
func (h Hasher) IPHash(ip string) string {
	if ip == "" || h.ipSecret == "" {
		return ""
	}
	return digest.HMACHex(h.ipSecret, ip)
}

// UAHash is SHA-256(ua), or "" for an empty user agent.
func (h Hasher) UAHash(ua string) string {
	if ua == "" {
		return ""
	}
	return digest.SHA256Hex(ua)
}

// Edge is network metadata attached by the edge proxy. Values are stored as sent.
type Edge struct {
	Country string
	ASN     string
}

// EdgeMetadata reads country and ASN from the given headers; empty names
// select the defaults.
func EdgeMetadata(r *http.Request, countryHeader, asnHeader string) Edge {
	if countryHeader == "" {
		countryHeader = DefaultCountryHeader
	}
	if asnHeader == "" {
		asnHeader = DefaultASNHeader
	}
	return Edge{
		Country: r.Header.Get(countryHeader),
		ASN:     r.Header.Get(asnHeader),
	}
}
