// Package fingerprint derives a stable visitor identity from request metadata.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

const (
	// DefaultAddress is used when no client address can be determined.
	DefaultAddress = "127.0.0.1"
	// UnknownUserAgent replaces a missing User-Agent header.
	UnknownUserAgent = "Unknown"
)

// Source is the raw transport metadata a fingerprint is derived from.
type Source struct {
	ForwardedFor string // X-Forwarded-For chain, client first
	RealIP       string // X-Real-Ip
	RemoteAddr   string // socket peer, host:port
	UserAgent    string
}

// Fingerprint is the derived identity of a visitor.
type Fingerprint struct {
	Hash      string
	Address   string
	UserAgent string
}

// FromRequest collects the Source fields from an HTTP request.
func FromRequest(r *http.Request) Source {
	return Source{
		ForwardedFor: r.Header.Get("X-Forwarded-For"),
		RealIP:       r.Header.Get("X-Real-Ip"),
		RemoteAddr:   r.RemoteAddr,
		UserAgent:    r.UserAgent(),
	}
}

// Derive computes the fingerprint for src. It never fails; missing inputs
// fall back to DefaultAddress and UnknownUserAgent.
func Derive(src Source) Fingerprint {
	addr := ClientAddress(src)
	ua := strings.TrimSpace(src.UserAgent)
	if ua == "" {
		ua = UnknownUserAgent
	}
	return Fingerprint{
		Hash:      Hash(addr, ua),
		Address:   addr,
		UserAgent: ua,
	}
}

// Hash returns the hex SHA-256 digest of address + "|" + userAgent.
func Hash(address, userAgent string) string {
	sum := sha256.Sum256([]byte(address + "|" + userAgent))
	return hex.EncodeToString(sum[:])
}

// ClientAddress picks the first forwarded address, then the direct
// connection address, then DefaultAddress.
func ClientAddress(src Source) string {
	if src.ForwardedFor != "" {
		first, _, _ := strings.Cut(src.ForwardedFor, ",")
		if a := strings.TrimSpace(first); a != "" {
			return normalize(a)
		}
	}
	if a := strings.TrimSpace(src.RealIP); a != "" {
		return normalize(a)
	}
	if remote := strings.TrimSpace(src.RemoteAddr); remote != "" {
		host, _, err := net.SplitHostPort(remote)
		if err != nil {
			return normalize(remote)
		}
		if host != "" {
			return normalize(host)
		}
	}
	return DefaultAddress
}

// normalize renders IP literals canonically so that equivalent spellings of
// one address share a fingerprint. Non-IP values pass through unchanged.
func normalize(addr string) string {
	a, err := netip.ParseAddr(strings.Trim(addr, "[]"))
	if err != nil {
		return addr
	}
	return a.Unmap().WithZone("").String()
}
