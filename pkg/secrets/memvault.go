package secrets

import "sync"

// SecretVault holds plaintext secrets in process memory, parallel to the
// opaque references persisted in the state store. Implementations must never
// write values to durable storage.
type SecretVault interface {
	Put(key, value string)
	Get(key string) (string, bool)
	Drop(key string)
}

// MemoryVault is the process-local SecretVault used in production. Tests
// substitute their own implementation through the interface.
type MemoryVault struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryVault returns an empty in-memory secret vault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{values: make(map[string]string)}
}

// Put stores or replaces a secret.
func (v *MemoryVault) Put(key, value string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.values[key] = value
}

// Get returns a secret by key.
func (v *MemoryVault) Get(key string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	value, ok := v.values[key]
	return value, ok
}

// Drop removes a secret. Dropping a missing key is a no-op.
func (v *MemoryVault) Drop(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.values, key)
}
