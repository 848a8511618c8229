// Package secrets expands inline {{ bw:item:field }} references into
// plaintext values fetched from the password vault. Resolved values live
// only in a per-session in-memory cache that is dropped when the session
// ends; nothing here ever touches disk.
package secrets

import (
	"context"
	"sync"
	"time"

	"github.com/mcpfleet/mcpfleet/pkg/errors"
	"github.com/mcpfleet/mcpfleet/pkg/logger"
	"github.com/mcpfleet/mcpfleet/pkg/vault"
)

// VaultReader is the single vault call the resolver needs.
type VaultReader interface {
	GetItem(ctx context.Context, handle, itemID string) (vault.Item, error)
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// Resolver resolves secret references with a per-session cache keyed by
// item_id:field. Each (session, key) pair hits the vault binary at most once
// per cache TTL.
type Resolver struct {
	vault    VaultReader
	cacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]map[string]cacheEntry

	now func() time.Time
}

// NewResolver returns a resolver. cacheTTL defaults to 30 minutes, matching
// the session timeout.
func NewResolver(reader VaultReader, cacheTTL time.Duration) *Resolver {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Minute
	}
	return &Resolver{
		vault:    reader,
		cacheTTL: cacheTTL,
		cache:    make(map[string]map[string]cacheEntry),
		now:      time.Now,
	}
}

// ResolveReference expands one reference for the given session, consulting
// the cache before invoking the vault.
func (r *Resolver) ResolveReference(ctx context.Context, ref, sessionID, vaultHandle string) (string, error) {
	itemID, field, err := ParseReference(ref)
	if err != nil {
		return "", err
	}

	key := itemID + ":" + field
	now := r.now()

	r.mu.Lock()
	if entry, ok := r.cache[sessionID][key]; ok && now.Before(entry.expiresAt) {
		r.mu.Unlock()
		return entry.value, nil
	}
	r.mu.Unlock()

	item, err := r.vault.GetItem(ctx, vaultHandle, itemID)
	if err != nil {
		return "", errors.NewSecretError("fetching vault item "+itemID, err)
	}
	value, ok := item.Field(field)
	if !ok {
		return "", errors.NewSecretError("vault item "+itemID+" has no field "+field, nil)
	}

	r.mu.Lock()
	if r.cache[sessionID] == nil {
		r.cache[sessionID] = make(map[string]cacheEntry)
	}
	r.cache[sessionID][key] = cacheEntry{value: value, expiresAt: now.Add(r.cacheTTL)}
	r.mu.Unlock()

	return value, nil
}

// ResolveAll walks config recursively, replacing every string leaf that is a
// valid reference. Mappings and sequences are descended into; every other
// leaf passes through unchanged.
func (r *Resolver) ResolveAll(ctx context.Context, config any, sessionID, vaultHandle string) (any, error) {
	switch v := config.(type) {
	case string:
		if !IsValidReference(v) {
			return v, nil
		}
		return r.ResolveReference(ctx, v, sessionID, vaultHandle)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, value := range v {
			resolved, err := r.ResolveAll(ctx, value, sessionID, vaultHandle)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, value := range v {
			resolved, err := r.ResolveAll(ctx, value, sessionID, vaultHandle)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return config, nil
	}
}

// ResolveEnv expands references in a flat environment map.
func (r *Resolver) ResolveEnv(ctx context.Context, env map[string]string, sessionID, vaultHandle string) (map[string]string, error) {
	out := make(map[string]string, len(env))
	for key, value := range env {
		if !IsValidReference(value) {
			out[key] = value
			continue
		}
		resolved, err := r.ResolveReference(ctx, value, sessionID, vaultHandle)
		if err != nil {
			return nil, err
		}
		out[key] = resolved
	}
	return out, nil
}

// OnSessionEnd drops the whole cache sub-map of a session. Registered with
// the auth manager so logout and expiry purge resolved plaintext.
func (r *Resolver) OnSessionEnd(sessionID string) {
	r.mu.Lock()
	_, had := r.cache[sessionID]
	delete(r.cache, sessionID)
	r.mu.Unlock()

	if had {
		logger.Debugw("dropped secret cache for session", "session_id", sessionID)
	}
}
