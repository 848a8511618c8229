package oauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScopePolicyMissing(t *testing.T) {
	policy := NewScopePolicy([]string{"repo:read", "notifications", "gist:*"})

	tests := []struct {
		name      string
		requested []string
		missing   []string
	}{
		{
			name:      "exact matches",
			requested: []string{"repo:read", "notifications"},
			missing:   nil,
		},
		{
			name:      "prefix pattern",
			requested: []string{"gist:read", "gist:write"},
			missing:   nil,
		},
		{
			name:      "bare prefix token matches pattern",
			requested: []string{"gist:"},
			missing:   nil,
		},
		{
			name:      "unpermitted scope",
			requested: []string{"repo:write"},
			missing:   []string{"repo:write"},
		},
		{
			name:      "mixed",
			requested: []string{"repo:read", "admin:org", "gist:read", "user:email"},
			missing:   []string{"admin:org", "user:email"},
		},
		{
			name:      "empty request",
			requested: nil,
			missing:   nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.missing, policy.Missing(tt.requested))
		})
	}
}

func TestScopePolicyReplace(t *testing.T) {
	policy := NewScopePolicy([]string{"repo:read"})
	assert.Empty(t, policy.Missing([]string{"repo:read"}))

	policy.Replace([]string{"notifications"})
	assert.Equal(t, []string{"repo:read"}, policy.Missing([]string{"repo:read"}))
	assert.Equal(t, []string{"notifications"}, policy.Permitted())
}
