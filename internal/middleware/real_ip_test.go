package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTrustedProxies(t *testing.T) {
	_, err := NewTrustedProxies([]string{"10.0.0.0/8", "192.0.2.7", " "})
	require.NoError(t, err)

	_, err = NewTrustedProxies([]string{"not-an-ip"})
	assert.Error(t, err)

	_, err = NewTrustedProxies([]string{"10.0.0.0/99"})
	assert.Error(t, err)
}

func TestTrustedProxies_Handler(t *testing.T) {
	proxies, err := NewTrustedProxies([]string{"10.0.0.0/8", "192.0.2.7"})
	require.NoError(t, err)

	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{name: "untrusted peer keeps its address", remoteAddr: "203.0.113.9:4000", forwarded: "198.51.100.1", want: "203.0.113.9:4000"},
		{name: "trusted cidr uses forwarded address", remoteAddr: "10.1.2.3:4000", forwarded: "198.51.100.1", want: "198.51.100.1"},
		{name: "trusted single ip", remoteAddr: "192.0.2.7:4000", forwarded: "198.51.100.2", want: "198.51.100.2"},
		{name: "trusted peer without header", remoteAddr: "10.1.2.3:4000", want: "10.1.2.3:4000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := proxies.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = r.RemoteAddr
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)

			assert.Equal(t, tt.want, seen)
		})
	}
}

func TestTrustedProxies_EmptyTrustsNobody(t *testing.T) {
	proxies, err := NewTrustedProxies(nil)
	require.NoError(t, err)

	assert.False(t, proxies.Trusts("127.0.0.1:80"))
	assert.False(t, proxies.Trusts("10.0.0.1"))
}
