package fingerprint

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientAddress(t *testing.T) {
	tests := []struct {
		name     string
		src      Source
		expected string
	}{
		{
			name:     "forwarded chain uses first entry",
			src:      Source{ForwardedFor: "203.0.113.7, 10.0.0.1, 10.0.0.2", RealIP: "10.9.9.9", RemoteAddr: "10.0.0.3:5555"},
			expected: "203.0.113.7",
		},
		{
			name:     "forwarded chain with padding",
			src:      Source{ForwardedFor: "  198.51.100.4 ,10.0.0.1"},
			expected: "198.51.100.4",
		},
		{
			name:     "empty first forwarded entry falls through",
			src:      Source{ForwardedFor: " , 10.0.0.1", RealIP: "192.0.2.10"},
			expected: "192.0.2.10",
		},
		{
			name:     "real ip header",
			src:      Source{RealIP: "192.0.2.10", RemoteAddr: "10.0.0.3:5555"},
			expected: "192.0.2.10",
		},
		{
			name:     "socket peer",
			src:      Source{RemoteAddr: "192.0.2.33:41000"},
			expected: "192.0.2.33",
		},
		{
			name:     "socket peer without port",
			src:      Source{RemoteAddr: "192.0.2.33"},
			expected: "192.0.2.33",
		},
		{
			name:     "ipv6 peer",
			src:      Source{RemoteAddr: "[2001:db8:0:0::1]:443"},
			expected: "2001:db8::1",
		},
		{
			name:     "ipv4 mapped ipv6",
			src:      Source{ForwardedFor: "::ffff:192.0.2.1"},
			expected: "192.0.2.1",
		},
		{
			name:     "non ip value kept",
			src:      Source{ForwardedFor: "unknown"},
			expected: "unknown",
		},
		{
			name:     "nothing known",
			src:      Source{},
			expected: DefaultAddress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ClientAddress(tt.src))
		})
	}
}

func TestDerive_Deterministic(t *testing.T) {
	src := Source{ForwardedFor: "203.0.113.7", UserAgent: "Mozilla/5.0"}

	a := Derive(src)
	b := Derive(src)

	assert.Equal(t, a.Hash, b.Hash)
	assert.Len(t, a.Hash, 64)
	assert.Equal(t, Hash("203.0.113.7", "Mozilla/5.0"), a.Hash)
}

func TestDerive_DistinctInputs(t *testing.T) {
	base := Derive(Source{ForwardedFor: "203.0.113.7", UserAgent: "Mozilla/5.0"})
	otherAddr := Derive(Source{ForwardedFor: "203.0.113.8", UserAgent: "Mozilla/5.0"})
	otherUA := Derive(Source{ForwardedFor: "203.0.113.7", UserAgent: "curl/8.0"})

	assert.NotEqual(t, base.Hash, otherAddr.Hash)
	assert.NotEqual(t, base.Hash, otherUA.Hash)
	assert.NotEqual(t, otherAddr.Hash, otherUA.Hash)
}

func TestDerive_Defaults(t *testing.T) {
	fp := Derive(Source{})

	assert.Equal(t, DefaultAddress, fp.Address)
	assert.Equal(t, UnknownUserAgent, fp.UserAgent)
	assert.Equal(t, Hash(DefaultAddress, UnknownUserAgent), fp.Hash)

	// Blank user agent is the same visitor as a missing one.
	assert.Equal(t, fp.Hash, Derive(Source{UserAgent: "   "}).Hash)
}

func TestDerive_EquivalentAddressSpellings(t *testing.T) {
	a := Derive(Source{ForwardedFor: "2001:db8::1", UserAgent: "ua"})
	b := Derive(Source{RemoteAddr: "[2001:0db8:0000::0001]:8080", UserAgent: "ua"})

	assert.Equal(t, a.Hash, b.Hash)
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest("POST", "/track-visit", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	r.Header.Set("X-Real-Ip", "10.0.0.9")
	r.Header.Set("User-Agent", "test-agent")

	src := FromRequest(r)

	assert.Equal(t, "203.0.113.7, 10.0.0.1", src.ForwardedFor)
	assert.Equal(t, "10.0.0.9", src.RealIP)
	assert.Equal(t, "192.0.2.1:1234", src.RemoteAddr)
	assert.Equal(t, "test-agent", src.UserAgent)
}
