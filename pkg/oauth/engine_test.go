package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpfleet/mcpfleet/pkg/errors"
	"github.com/mcpfleet/mcpfleet/pkg/secrets"
	"github.com/mcpfleet/mcpfleet/pkg/state"
)

func newTestEngine(t *testing.T, permitted []string, opts Options) (*Engine, *state.Store, *secrets.MemoryVault) {
	t.Helper()
	store, err := state.OpenInMemory(context.Background(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	key := make([]byte, 32)
	_, err = rand.Read(key)
	require.NoError(t, err)

	vault := secrets.NewMemoryVault()
	if opts.RedirectURI == "" {
		opts.RedirectURI = "http://127.0.0.1:8090/oauth/callback"
	}
	if len(opts.ExchangeSchedule) == 0 {
		opts.ExchangeSchedule = []time.Duration{time.Millisecond, time.Millisecond}
	}
	if len(opts.RefreshSchedule) == 0 {
		opts.RefreshSchedule = []time.Duration{time.Millisecond}
	}
	engine := NewEngine(store, vault, NewScopePolicy(permitted), key, opts)
	return engine, store, vault
}

func tokenServer(t *testing.T, hits *atomic.Int32, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		require.NoError(t, r.ParseForm())
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func serveTokens(t *testing.T, w http.ResponseWriter, tokens map[string]any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(tokens))
}

func findAudit(t *testing.T, store *state.Store, action string) state.AuditEntry {
	t.Helper()
	entries, err := store.ListAuditLog(context.Background(), 50)
	require.NoError(t, err)
	for _, entry := range entries {
		if entry.Action == action {
			return entry
		}
	}
	t.Fatalf("no audit entry with action %q", action)
	return state.AuditEntry{}
}

func TestStartAuthComposesURL(t *testing.T) {
	engine, _, _ := newTestEngine(t, []string{"repo:read", "gist:*"}, Options{})

	result, err := engine.StartAuth(context.Background(), StartAuthRequest{
		ServerID:     "srv-1",
		Scopes:       []string{"repo:read", "gist:write"},
		AuthorizeURL: "https://provider.example/authorize",
		TokenURL:     "https://provider.example/token",
		ClientID:     "client-1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.State)
	assert.Equal(t, []string{"repo:read", "gist:write"}, result.RequiredScopes)

	parsed, err := url.Parse(result.AuthURL)
	require.NoError(t, err)
	assert.Equal(t, "provider.example", parsed.Host)
	query := parsed.Query()
	assert.Equal(t, "code", query.Get("response_type"))
	assert.Equal(t, "client-1", query.Get("client_id"))
	assert.Equal(t, "repo:read gist:write", query.Get("scope"))
	assert.Equal(t, result.State, query.Get("state"))
	assert.Equal(t, "http://127.0.0.1:8090/oauth/callback", query.Get("redirect_uri"))
}

func TestStartAuthScopeDenied(t *testing.T) {
	engine, store, _ := newTestEngine(t, []string{"repo:read"}, Options{})

	_, err := engine.StartAuth(context.Background(), StartAuthRequest{
		ServerID:     "srv-1",
		Scopes:       []string{"repo:read", "admin:org"},
		AuthorizeURL: "https://provider.example/authorize",
		TokenURL:     "https://provider.example/token",
		ClientID:     "client-1",
	})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.ErrScopeNotAllowed))

	appErr, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, []string{"admin:org"}, appErr.Detail["missing_scopes"])

	entry := findAudit(t, store, "scope_denied")
	assert.Equal(t, "srv-1", entry.Target)
}

func TestStartAuthBadChallengeMethod(t *testing.T) {
	engine, _, _ := newTestEngine(t, []string{"repo:read"}, Options{})

	_, err := engine.StartAuth(context.Background(), StartAuthRequest{
		ServerID:            "srv-1",
		Scopes:              []string{"repo:read"},
		AuthorizeURL:        "https://provider.example/authorize",
		TokenURL:            "https://provider.example/token",
		ClientID:            "client-1",
		CodeChallenge:       "abc",
		CodeChallengeMethod: "md5",
	})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.ErrValidation))
}

func TestExchangeTokenPersistsCredential(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "authorization_code", r.Form.Get("grant_type"))
		assert.Equal(t, "code-1", r.Form.Get("code"))
		assert.Equal(t, "client-1", r.Form.Get("client_id"))
		serveTokens(t, w, map[string]any{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"expires_in":    7200,
			"scope":         "repo:read",
		})
	})

	engine, store, vault := newTestEngine(t, []string{"repo:read"}, Options{})
	ctx := context.Background()

	started, err := engine.StartAuth(ctx, StartAuthRequest{
		ServerID:     "srv-1",
		Scopes:       []string{"repo:read"},
		AuthorizeURL: srv.URL + "/authorize",
		TokenURL:     srv.URL,
		ClientID:     "client-1",
	})
	require.NoError(t, err)

	result, err := engine.ExchangeToken(ctx, "code-1", started.State, "srv-1", "", "admin")
	require.NoError(t, err)
	assert.Equal(t, "authorized", result.Status)
	assert.Equal(t, []string{"repo:read"}, result.Scope)
	assert.Equal(t, 7200, result.ExpiresIn)
	require.NotEmpty(t, result.CredentialKey)

	// The persisted row carries only a sealed reference.
	cred, err := store.GetCredential(ctx, result.CredentialKey)
	require.NoError(t, err)
	assert.Equal(t, "aes-gcm", cred.TokenRef.Kind)
	assert.NotContains(t, cred.TokenRef.Ciphertext, "at-1")

	// The plaintext pair is held in memory only.
	raw, ok := vault.Get(result.CredentialKey)
	require.True(t, ok)
	var pair tokenPair
	require.NoError(t, json.Unmarshal([]byte(raw), &pair))
	assert.Equal(t, "at-1", pair.AccessToken)
	assert.Equal(t, "rt-1", pair.RefreshToken)

	findAudit(t, store, "token_saved")

	// The state was consumed; replaying the callback fails.
	_, err = engine.ExchangeToken(ctx, "code-1", started.State, "srv-1", "", "admin")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.ErrOAuthStateMismatch))
}

func TestExchangeTokenPKCE(t *testing.T) {
	verifier := "correct-horse-battery-staple"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	var hits atomic.Int32
	srv := tokenServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, verifier, r.Form.Get("code_verifier"))
		serveTokens(t, w, map[string]any{"access_token": "at-1", "expires_in": 3600})
	})

	engine, _, _ := newTestEngine(t, []string{"repo:read"}, Options{})
	ctx := context.Background()

	start := func() string {
		started, err := engine.StartAuth(ctx, StartAuthRequest{
			ServerID:            "srv-1",
			Scopes:              []string{"repo:read"},
			AuthorizeURL:        srv.URL + "/authorize",
			TokenURL:            srv.URL,
			ClientID:            "client-1",
			CodeChallenge:       challenge,
			CodeChallengeMethod: "S256",
		})
		require.NoError(t, err)
		return started.State
	}

	// Wrong verifier is rejected before any provider call.
	_, err := engine.ExchangeToken(ctx, "code-1", start(), "srv-1", "wrong", "admin")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.ErrOAuthStateMismatch))
	assert.Equal(t, int32(0), hits.Load())

	result, err := engine.ExchangeToken(ctx, "code-1", start(), "srv-1", verifier, "admin")
	require.NoError(t, err)
	assert.Equal(t, "authorized", result.Status)
}

func TestExchangeTokenServerIDMismatch(t *testing.T) {
	engine, _, _ := newTestEngine(t, []string{"repo:read"}, Options{})
	ctx := context.Background()

	started, err := engine.StartAuth(ctx, StartAuthRequest{
		ServerID:     "srv-1",
		Scopes:       []string{"repo:read"},
		AuthorizeURL: "https://provider.example/authorize",
		TokenURL:     "https://provider.example/token",
		ClientID:     "client-1",
	})
	require.NoError(t, err)

	_, err = engine.ExchangeToken(ctx, "code-1", started.State, "srv-other", "", "admin")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.ErrOAuthStateMismatch))
}

func TestExchangeTokenProviderRejects(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, &hits, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusBadRequest)
	})

	engine, _, _ := newTestEngine(t, []string{"repo:read"}, Options{})
	ctx := context.Background()

	started, err := engine.StartAuth(ctx, StartAuthRequest{
		ServerID:     "srv-1",
		Scopes:       []string{"repo:read"},
		AuthorizeURL: srv.URL + "/authorize",
		TokenURL:     srv.URL,
		ClientID:     "client-1",
	})
	require.NoError(t, err)

	_, err = engine.ExchangeToken(ctx, "code-1", started.State, "srv-1", "", "admin")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.ErrOAuthProvider))
	// 4xx is permanent; no retries.
	assert.Equal(t, int32(1), hits.Load())
}

func TestExchangeTokenRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, &hits, func(w http.ResponseWriter, _ *http.Request) {
		if hits.Load() == 1 {
			http.Error(w, "try later", http.StatusBadGateway)
			return
		}
		serveTokens(t, w, map[string]any{"access_token": "at-1", "expires_in": 3600})
	})

	engine, _, _ := newTestEngine(t, []string{"repo:read"}, Options{})
	ctx := context.Background()

	started, err := engine.StartAuth(ctx, StartAuthRequest{
		ServerID:     "srv-1",
		Scopes:       []string{"repo:read"},
		AuthorizeURL: srv.URL + "/authorize",
		TokenURL:     srv.URL,
		ClientID:     "client-1",
	})
	require.NoError(t, err)

	result, err := engine.ExchangeToken(ctx, "code-1", started.State, "srv-1", "", "admin")
	require.NoError(t, err)
	assert.Equal(t, "authorized", result.Status)
	assert.Equal(t, int32(2), hits.Load())
}

func TestExchangeTokenProviderDown(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, &hits, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	engine, _, _ := newTestEngine(t, []string{"repo:read"}, Options{
		ExchangeSchedule: []time.Duration{time.Millisecond},
	})
	ctx := context.Background()

	started, err := engine.StartAuth(ctx, StartAuthRequest{
		ServerID:     "srv-1",
		Scopes:       []string{"repo:read"},
		AuthorizeURL: srv.URL + "/authorize",
		TokenURL:     srv.URL,
		ClientID:     "client-1",
	})
	require.NoError(t, err)

	_, err = engine.ExchangeToken(ctx, "code-1", started.State, "srv-1", "", "admin")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.ErrOAuthProviderUnavailable))
	assert.Equal(t, int32(2), hits.Load())
}

// seedCredential plants a credential with a sealed token pair both in the
// store and the in-memory vault.
func seedCredential(t *testing.T, engine *Engine, store *state.Store, vault *secrets.MemoryVault,
	key, tokenURL string, pair tokenPair, expiresAt time.Time,
) {
	t.Helper()
	payload, err := json.Marshal(pair)
	require.NoError(t, err)
	ref, err := sealTokens(engine.key, payload)
	require.NoError(t, err)

	cred := state.Credential{
		CredentialKey: key,
		TokenRef:      ref,
		Scopes:        []string{"repo:read"},
		ExpiresAt:     expiresAt,
		ServerID:      "srv-1",
		OAuthTokenURL: tokenURL,
		OAuthClientID: "client-1",
		CreatedBy:     "admin",
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.SaveCredential(context.Background(), cred))
	vault.Put(key, string(payload))
}

func TestRefreshSkipsFreshCredential(t *testing.T) {
	engine, store, vault := newTestEngine(t, []string{"repo:read"}, Options{})
	seedCredential(t, engine, store, vault, "cred-1", "https://provider.example/token",
		tokenPair{AccessToken: "at-1", RefreshToken: "rt-1"}, time.Now().UTC().Add(2*time.Hour))

	result, err := engine.RefreshToken(context.Background(), "srv-1", "cred-1", "admin")
	require.NoError(t, err)
	assert.False(t, result.Refreshed)
	assert.Equal(t, "cred-1", result.CredentialKey)
}

func TestRefreshTokenRotatesCredential(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "rt-1", r.Form.Get("refresh_token"))
		serveTokens(t, w, map[string]any{
			"access_token":  "at-2",
			"refresh_token": "rt-2",
			"expires_in":    3600,
		})
	})

	engine, store, vault := newTestEngine(t, []string{"repo:read"}, Options{})
	ctx := context.Background()
	seedCredential(t, engine, store, vault, "cred-1", srv.URL,
		tokenPair{AccessToken: "at-1", RefreshToken: "rt-1"}, time.Now().UTC().Add(5*time.Minute))

	result, err := engine.RefreshToken(ctx, "srv-1", "cred-1", "admin")
	require.NoError(t, err)
	assert.True(t, result.Refreshed)
	assert.NotEqual(t, "cred-1", result.CredentialKey)

	// Old credential is gone everywhere.
	_, err = store.GetCredential(ctx, "cred-1")
	assert.ErrorIs(t, err, state.ErrNotFound)
	_, ok := vault.Get("cred-1")
	assert.False(t, ok)

	raw, ok := vault.Get(result.CredentialKey)
	require.True(t, ok)
	var pair tokenPair
	require.NoError(t, json.Unmarshal([]byte(raw), &pair))
	assert.Equal(t, "at-2", pair.AccessToken)
	assert.Equal(t, "rt-2", pair.RefreshToken)

	findAudit(t, store, "token_refreshed")
}

func TestRefreshTokenKeepsOldRefreshToken(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, &hits, func(w http.ResponseWriter, _ *http.Request) {
		serveTokens(t, w, map[string]any{"access_token": "at-2", "expires_in": 3600})
	})

	engine, store, vault := newTestEngine(t, []string{"repo:read"}, Options{})
	ctx := context.Background()
	seedCredential(t, engine, store, vault, "cred-1", srv.URL,
		tokenPair{AccessToken: "at-1", RefreshToken: "rt-1"}, time.Now().UTC().Add(time.Minute))

	result, err := engine.RefreshToken(ctx, "srv-1", "cred-1", "admin")
	require.NoError(t, err)
	require.True(t, result.Refreshed)

	raw, ok := vault.Get(result.CredentialKey)
	require.True(t, ok)
	var pair tokenPair
	require.NoError(t, json.Unmarshal([]byte(raw), &pair))
	assert.Equal(t, "rt-1", pair.RefreshToken)
}

func TestRefreshTokenInvalidGrant(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, &hits, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	})

	engine, store, vault := newTestEngine(t, []string{"repo:read"}, Options{})
	ctx := context.Background()
	seedCredential(t, engine, store, vault, "cred-1", srv.URL,
		tokenPair{AccessToken: "at-1", RefreshToken: "rt-1"}, time.Now().UTC().Add(time.Minute))

	_, err := engine.RefreshToken(ctx, "srv-1", "cred-1", "admin")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.ErrOAuthInvalidGrant))

	_, err = store.GetCredential(ctx, "cred-1")
	assert.ErrorIs(t, err, state.ErrNotFound)
	_, ok := vault.Get("cred-1")
	assert.False(t, ok)
}

func TestRefreshTokenWithoutRefreshToken(t *testing.T) {
	engine, store, vault := newTestEngine(t, []string{"repo:read"}, Options{})
	ctx := context.Background()
	seedCredential(t, engine, store, vault, "cred-1", "https://provider.example/token",
		tokenPair{AccessToken: "at-1"}, time.Now().UTC().Add(time.Minute))

	_, err := engine.RefreshToken(ctx, "srv-1", "cred-1", "admin")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.ErrOAuthInvalidGrant))

	_, err = store.GetCredential(ctx, "cred-1")
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestRefreshTokenUnknownCredential(t *testing.T) {
	engine, _, _ := newTestEngine(t, []string{"repo:read"}, Options{})

	_, err := engine.RefreshToken(context.Background(), "srv-1", "no-such", "admin")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.ErrCredentialNotFound))
}

func TestUpdatePermittedScopesAdminOnly(t *testing.T) {
	engine, store, vault := newTestEngine(t, []string{"repo:read"}, Options{})
	ctx := context.Background()
	seedCredential(t, engine, store, vault, "cred-1", "https://provider.example/token",
		tokenPair{AccessToken: "at-1"}, time.Now().UTC().Add(time.Hour))

	err := engine.UpdatePermittedScopes(ctx, []string{"notifications"}, false, "bob", "corr-1")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.ErrAuth))
	findAudit(t, store, "scope_update_forbidden")

	// The policy and credentials are untouched.
	assert.Equal(t, []string{"repo:read"}, engine.policy.Permitted())
	_, err = store.GetCredential(ctx, "cred-1")
	require.NoError(t, err)
}

func TestUpdatePermittedScopesInvalidatesCredentials(t *testing.T) {
	engine, store, vault := newTestEngine(t, []string{"repo:read"}, Options{})
	ctx := context.Background()
	seedCredential(t, engine, store, vault, "cred-1", "https://provider.example/token",
		tokenPair{AccessToken: "at-1"}, time.Now().UTC().Add(time.Hour))

	err := engine.UpdatePermittedScopes(ctx, []string{"notifications"}, true, "admin", "corr-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"notifications"}, engine.policy.Permitted())

	_, err = store.GetCredential(ctx, "cred-1")
	assert.ErrorIs(t, err, state.ErrNotFound)
	_, ok := vault.Get("cred-1")
	assert.False(t, ok)

	findAudit(t, store, "scope_updated")
}

func TestAccessTokenRecoversFromSealedRef(t *testing.T) {
	engine, store, vault := newTestEngine(t, []string{"repo:read"}, Options{})
	ctx := context.Background()
	seedCredential(t, engine, store, vault, "cred-1", "https://provider.example/token",
		tokenPair{AccessToken: "at-1"}, time.Now().UTC().Add(time.Hour))

	token, err := engine.AccessToken(ctx, "cred-1")
	require.NoError(t, err)
	assert.Equal(t, "at-1", token)

	// After a restart the in-memory copy is gone; the sealed ref still works.
	vault.Drop("cred-1")
	token, err = engine.AccessToken(ctx, "cred-1")
	require.NoError(t, err)
	assert.Equal(t, "at-1", token)
}
