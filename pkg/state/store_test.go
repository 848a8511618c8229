package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory(context.Background(), []string{"api.example.com"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func fixedTime() time.Time {
	return time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
}

func TestLoginSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := fixedTime()

	sess := LoginSession{
		SessionID:         "sess-1",
		UserEmail:         "alice@example.com",
		VaultUnlockHandle: "handle-1",
		CreatedAt:         now,
		ExpiresAt:         now.Add(30 * time.Minute),
		LastActivity:      now,
	}
	require.NoError(t, s.SaveLoginSession(ctx, sess))

	got, err := s.GetLoginSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, sess, got)

	require.NoError(t, s.TouchLoginSession(ctx, "sess-1", now.Add(5*time.Minute)))
	got, err = s.GetLoginSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, now.Add(5*time.Minute), got.LastActivity)

	deleted, err := s.DeleteLoginSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.GetLoginSession(ctx, "sess-1")
	assert.ErrorIs(t, err, ErrNotFound)

	deleted, err = s.DeleteLoginSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestExecSessionAndJobRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := fixedTime()

	sess := ExecSession{
		SessionID:       "exec-1",
		ServerID:        "server-1",
		Config:          SessionConfig{MaxRunSeconds: 60, OutputBytesLimit: 128000},
		State:           ExecSessionRunning,
		IdleDeadline:    now.Add(30 * time.Minute),
		GatewayEndpoint: "container://abc123",
		MTLSCertRef:     &CertRef{Kind: "generated", Dir: "/certs/exec-1", NotAfter: now.AddDate(1, 0, 0)},
		FeatureFlags:    map[string]bool{"async_exec": true},
		CreatedAt:       now,
	}
	require.NoError(t, s.SaveExecSession(ctx, sess))

	got, err := s.GetExecSession(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, sess, got)

	exitCode := 0
	startedAt := now.Add(time.Second)
	finishedAt := now.Add(2 * time.Second)
	job := Job{
		JobID:      "job-1",
		SessionID:  "exec-1",
		Status:     JobCompleted,
		QueuedAt:   now,
		StartedAt:  &startedAt,
		FinishedAt: &finishedAt,
		ExitCode:   &exitCode,
		OutputRef:  &OutputRef{Kind: "inline", Output: "hello"},
	}
	require.NoError(t, s.SaveJob(ctx, job))

	gotJob, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job, gotJob)

	// Jobs must reference an existing exec session at write time.
	orphan := Job{JobID: "job-2", SessionID: "missing", Status: JobQueued, QueuedAt: now}
	assert.Error(t, s.SaveJob(ctx, orphan))

	// Deleting the session cascades into its jobs.
	require.NoError(t, s.DeleteExecSession(ctx, "exec-1"))
	_, err = s.GetJob(ctx, "job-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCredentialRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := fixedTime()

	cred := Credential{
		CredentialKey: "cred-1",
		TokenRef:      TokenRef{Kind: "aes-gcm", Ciphertext: "abcd", Nonce: "efgh"},
		Scopes:        []string{"repo:read"},
		ExpiresAt:     now.Add(time.Hour),
		ServerID:      "server-1",
		OAuthTokenURL: "https://idp.example.com/token",
		OAuthClientID: "client-1",
		CreatedBy:     "alice@example.com",
		CreatedAt:     now,
	}
	require.NoError(t, s.SaveCredential(ctx, cred))

	got, err := s.GetCredential(ctx, "cred-1")
	require.NoError(t, err)
	assert.Equal(t, cred, got)
}

func TestCredentialDeleteNullsRemoteServerReference(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := fixedTime()

	cred := Credential{
		CredentialKey: "cred-1",
		TokenRef:      TokenRef{Kind: "opaque"},
		Scopes:        []string{"repo:read"},
		ExpiresAt:     now.Add(time.Hour),
		ServerID:      "remote-item1",
		CreatedAt:     now,
	}
	require.NoError(t, s.SaveCredential(ctx, cred))

	srv := RemoteServer{
		ServerID:      "remote-item1",
		CatalogItemID: "item1",
		Name:          "Item One",
		Endpoint:      "https://mcp.example.com/sse",
		Status:        RemoteAuthenticated,
		CredentialKey: "cred-1",
		CreatedAt:     now,
	}
	require.NoError(t, s.SaveRemoteServer(ctx, srv))

	require.NoError(t, s.DeleteCredential(ctx, "cred-1"))

	got, err := s.GetRemoteServer(ctx, "remote-item1")
	require.NoError(t, err)
	assert.Empty(t, got.CredentialKey)
}

func TestOAuthStateSingleUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := fixedTime()

	rec := OAuthStateRecord{
		State:               "state-1",
		ServerID:            "server-1",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		Scopes:              []string{"repo:read"},
		AuthorizeURL:        "https://idp.example.com/authorize",
		TokenURL:            "https://idp.example.com/token",
		ClientID:            "client-1",
		RedirectURI:         "https://fleet.example.com/api/oauth/callback",
		ExpiresAt:           now.Add(10 * time.Minute),
		CreatedAt:           now,
	}
	require.NoError(t, s.SaveOAuthState(ctx, rec))

	got, err := s.ConsumeOAuthState(ctx, "state-1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	_, err = s.ConsumeOAuthState(ctx, "state-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoteServerDuplicateDetection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := fixedTime()

	srv := RemoteServer{
		ServerID:      "remote-item1",
		CatalogItemID: "item1",
		Name:          "Item One",
		Endpoint:      "https://mcp.example.com/sse",
		Status:        RemoteRegistered,
		CreatedAt:     now,
	}
	require.NoError(t, s.SaveRemoteServer(ctx, srv))

	conflict, err := s.FindRemoteServerConflict(ctx, "item1", "https://other.example.com/sse")
	require.NoError(t, err)
	assert.True(t, conflict)

	conflict, err = s.FindRemoteServerConflict(ctx, "item2", "https://mcp.example.com/sse")
	require.NoError(t, err)
	assert.True(t, conflict)

	conflict, err = s.FindRemoteServerConflict(ctx, "item2", "https://other.example.com/sse")
	require.NoError(t, err)
	assert.False(t, conflict)
}

func TestGitHubTokenAndSignaturePolicyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := fixedTime()

	tok := GitHubToken{
		TokenRef:  TokenRef{Kind: "aes-gcm", Ciphertext: "xx", Nonce: "yy"},
		Source:    "manual",
		UpdatedBy: "alice@example.com",
		UpdatedAt: now,
	}
	require.NoError(t, s.SaveGitHubToken(ctx, tok))
	got, err := s.GetGitHubToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, tok, got)

	require.NoError(t, s.DeleteGitHubToken(ctx))
	_, err = s.GetGitHubToken(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	rec := SignaturePolicyRecord{
		ServerID:  "server-1",
		Policy:    SignaturePolicy{Mode: SignaturePolicyEnforcing, PermitUnsigned: []string{"ghcr.io/acme/dev"}},
		UpdatedAt: now,
	}
	require.NoError(t, s.SaveSignaturePolicy(ctx, rec))
	gotRec, err := s.GetSignaturePolicy(ctx, "server-1")
	require.NoError(t, err)
	assert.Equal(t, rec, gotRec)
}

func TestGCExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := fixedTime()

	// One credential far past retention, one fresh.
	expired := Credential{
		CredentialKey: "cred-old",
		TokenRef:      TokenRef{Kind: "opaque"},
		Scopes:        []string{"a"},
		ExpiresAt:     now.Add(-31 * 24 * time.Hour),
		ServerID:      "server-1",
		CreatedAt:     now.Add(-60 * 24 * time.Hour),
	}
	fresh := expired
	fresh.CredentialKey = "cred-new"
	fresh.ExpiresAt = now.Add(time.Hour)
	require.NoError(t, s.SaveCredential(ctx, expired))
	require.NoError(t, s.SaveCredential(ctx, fresh))

	// One exec session past its idle deadline.
	require.NoError(t, s.SaveExecSession(ctx, ExecSession{
		SessionID:    "exec-stale",
		ServerID:     "server-1",
		State:        ExecSessionRunning,
		IdleDeadline: now.Add(-time.Minute),
		CreatedAt:    now.Add(-time.Hour),
	}))

	// One expired login session and oauth state.
	require.NoError(t, s.SaveLoginSession(ctx, LoginSession{
		SessionID: "sess-stale", UserEmail: "a@b.c", VaultUnlockHandle: "h",
		CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
		LastActivity: now.Add(-2 * time.Hour),
	}))
	require.NoError(t, s.SaveOAuthState(ctx, OAuthStateRecord{
		State: "state-stale", ServerID: "server-1",
		AuthorizeURL: "https://idp/authorize", TokenURL: "https://idp/token",
		ClientID: "c", RedirectURI: "https://cb",
		ExpiresAt: now.Add(-time.Minute), CreatedAt: now.Add(-11 * time.Minute),
	}))

	result, err := s.GCExpired(ctx, now, GCOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Credentials)
	assert.Equal(t, 1, result.ExecSessions)
	assert.Equal(t, 1, result.LoginSessions)
	assert.Equal(t, 1, result.OAuthStates)
	assert.Equal(t, 0, result.Jobs)

	_, err = s.GetCredential(ctx, "cred-old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetCredential(ctx, "cred-new")
	assert.NoError(t, err)
}

func TestAuditMetadataRedaction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.RecordAuditLog(ctx, "oauth", "token_saved", "alice@example.com", "server-1", map[string]any{
		"access_token":  "very-secret",
		"client_SECRET": "hunter2",
		"credentialKey": "cred-1",
		"scope":         "repo:read",
		"nested":        map[string]any{"refresh_token": "also-secret", "ok": "fine"},
	})
	require.NoError(t, err)

	entries, err := s.ListAuditLog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	md := entries[0].Metadata
	assert.Equal(t, RedactedValue, md["access_token"])
	assert.Equal(t, RedactedValue, md["client_SECRET"])
	assert.Equal(t, RedactedValue, md["credentialKey"])
	assert.Equal(t, "repo:read", md["scope"])
	nested := md["nested"].(map[string]any)
	assert.Equal(t, RedactedValue, nested["refresh_token"])
	assert.Equal(t, "fine", nested["ok"])
}
