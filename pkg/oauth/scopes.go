package oauth

import (
	"strings"
	"sync"
)

// ScopePolicy is the mutable set of permitted scope tokens. Entries ending
// in "*" are prefix patterns; everything else matches exactly.
type ScopePolicy struct {
	mu        sync.RWMutex
	permitted []string
}

// NewScopePolicy returns a policy permitting the given scope tokens.
func NewScopePolicy(permitted []string) *ScopePolicy {
	return &ScopePolicy{permitted: append([]string(nil), permitted...)}
}

// Missing returns the requested scopes the policy does not permit.
func (p *ScopePolicy) Missing(requested []string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var missing []string
	for _, scope := range requested {
		if !p.permits(scope) {
			missing = append(missing, scope)
		}
	}
	return missing
}

func (p *ScopePolicy) permits(scope string) bool {
	for _, entry := range p.permitted {
		if prefix, ok := strings.CutSuffix(entry, "*"); ok {
			if strings.HasPrefix(scope, prefix) {
				return true
			}
			continue
		}
		if scope == entry {
			return true
		}
	}
	return false
}

// Replace swaps the permitted set.
func (p *ScopePolicy) Replace(permitted []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.permitted = append([]string(nil), permitted...)
}

// Permitted returns a copy of the current permitted set.
func (p *ScopePolicy) Permitted() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.permitted...)
}
