package oauth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpfleet/mcpfleet/pkg/state"
)

func TestLoadOrCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "token.key")

	key, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.Len(t, key, 32)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	again, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.Equal(t, key, again)
}

func TestLoadOrCreateKeyRejectsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.key")
	require.NoError(t, os.WriteFile(path, []byte("not base64!!"), 0600))

	_, err := LoadOrCreateKey(path)
	require.Error(t, err)
}

func TestSealOpenTokens(t *testing.T) {
	key, err := LoadOrCreateKey(filepath.Join(t.TempDir(), "token.key"))
	require.NoError(t, err)

	ref, err := sealTokens(key, []byte(`{"access_token":"secret"}`))
	require.NoError(t, err)
	assert.Equal(t, "aes-gcm", ref.Kind)
	assert.NotContains(t, ref.Ciphertext, "secret")

	plaintext, err := openTokens(key, ref)
	require.NoError(t, err)
	assert.Equal(t, `{"access_token":"secret"}`, string(plaintext))

	// Tampered ciphertext fails authentication.
	tampered := ref
	tampered.Ciphertext = ref.Nonce
	_, err = openTokens(key, tampered)
	require.Error(t, err)

	// Opaque refs are not recoverable.
	_, err = openTokens(key, state.TokenRef{Kind: "opaque"})
	require.Error(t, err)
}
