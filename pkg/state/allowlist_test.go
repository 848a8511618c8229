package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsEndpointAllowed(t *testing.T) {
	tests := []struct {
		name      string
		allowlist []string
		url       string
		want      bool
	}{
		{
			name:      "empty allowlist denies everything",
			allowlist: nil,
			url:       "https://api.example.com/x",
			want:      false,
		},
		{
			name:      "exact host on default https port",
			allowlist: []string{"api.example.com"},
			url:       "https://api.example.com/x",
			want:      true,
		},
		{
			name:      "exact host rejects non-default port",
			allowlist: []string{"api.example.com"},
			url:       "https://api.example.com:8443/x",
			want:      false,
		},
		{
			name:      "explicit port entry matches",
			allowlist: []string{"api.example.com:8443"},
			url:       "https://api.example.com:8443/x",
			want:      true,
		},
		{
			name:      "wildcard matches strict subdomain",
			allowlist: []string{"*.example.com"},
			url:       "https://v2.api.example.com/x",
			want:      true,
		},
		{
			name:      "wildcard rejects the bare suffix",
			allowlist: []string{"*.example.com"},
			url:       "https://example.com/x",
			want:      false,
		},
		{
			name:      "http uses port 80 default",
			allowlist: []string{"internal.example.com"},
			url:       "http://internal.example.com/x",
			want:      true,
		},
		{
			name:      "ipv6 literal always denied",
			allowlist: []string{"[::1]", "::1"},
			url:       "https://[::1]/x",
			want:      false,
		},
		{
			name:      "non-http scheme denied",
			allowlist: []string{"api.example.com"},
			url:       "ftp://api.example.com/x",
			want:      false,
		},
		{
			name:      "host case insensitive",
			allowlist: []string{"API.example.com"},
			url:       "https://api.example.com/x",
			want:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Store{allowedEndpoints: tt.allowlist}
			assert.Equal(t, tt.want, s.IsEndpointAllowed(tt.url))
		})
	}
}

func TestRequireSecureEndpoints(t *testing.T) {
	s := &Store{allowedEndpoints: []string{"internal.example.com"}}
	assert.True(t, s.IsEndpointAllowed("http://internal.example.com/x"))

	s.RequireSecureEndpoints(true)
	assert.False(t, s.IsEndpointAllowed("http://internal.example.com/x"))
	assert.True(t, s.IsEndpointAllowed("https://internal.example.com:443/x"))

	s.RequireSecureEndpoints(false)
	assert.True(t, s.IsEndpointAllowed("http://internal.example.com/x"))
}
