package oauth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mcpfleet/mcpfleet/pkg/state"
)

const encryptionKeyBytes = 32

// LoadOrCreateKey reads the AES-256 token encryption key from path,
// generating and persisting one (0600) on first use.
func LoadOrCreateKey(path string) ([]byte, error) {
	if encoded, err := os.ReadFile(path); err == nil {
		key, decodeErr := base64.StdEncoding.DecodeString(string(encoded))
		if decodeErr != nil || len(key) != encryptionKeyBytes {
			return nil, fmt.Errorf("token encryption key at %s is malformed", path)
		}
		return key, nil
	}

	key := make([]byte, encryptionKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating token encryption key: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating key directory: %w", err)
		}
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(path, []byte(encoded), 0600); err != nil {
		return nil, fmt.Errorf("writing token encryption key: %w", err)
	}
	return key, nil
}

// Seal encrypts an opaque token payload into the persisted TokenRef form.
// Other packages storing sealed tokens (the GitHub token singleton) share
// this format and the same key.
func Seal(key, plaintext []byte) (state.TokenRef, error) {
	return sealTokens(key, plaintext)
}

// Open decrypts a TokenRef produced by Seal.
func Open(key []byte, ref state.TokenRef) ([]byte, error) {
	return openTokens(key, ref)
}

// sealTokens encrypts a token payload into the persisted TokenRef form.
func sealTokens(key, plaintext []byte) (state.TokenRef, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return state.TokenRef{}, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return state.TokenRef{}, fmt.Errorf("creating GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return state.TokenRef{}, fmt.Errorf("generating nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return state.TokenRef{
		Kind:       "aes-gcm",
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

// openTokens decrypts a TokenRef sealed with sealTokens.
func openTokens(key []byte, ref state.TokenRef) ([]byte, error) {
	if ref.Kind != "aes-gcm" {
		return nil, fmt.Errorf("token ref kind %q is not recoverable", ref.Kind)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(ref.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(ref.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decoding nonce: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting token payload: %w", err)
	}
	return plaintext, nil
}
