// Package oauth implements the authorization-code flow (with optional PKCE)
// and refresh for credentials bound to remote MCP servers. Plaintext tokens
// live only in the in-memory secret vault; the state store holds encrypted
// references.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/mcpfleet/mcpfleet/pkg/errors"
	"github.com/mcpfleet/mcpfleet/pkg/logger"
	"github.com/mcpfleet/mcpfleet/pkg/secrets"
	"github.com/mcpfleet/mcpfleet/pkg/state"
)

const (
	// stateTTL bounds how long an authorization flow may stay in flight.
	stateTTL = 10 * time.Minute

	// defaultExpiresIn is assumed when the provider omits expires_in.
	defaultExpiresIn = 3600 * time.Second

	// DefaultRefreshThreshold is how close to expiry a credential must be
	// before a refresh is actually performed.
	DefaultRefreshThreshold = 15 * time.Minute

	maxTokenResponseBytes = 1 << 20
)

// tokenPair is the plaintext payload stashed in the secret vault.
type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Engine drives OAuth flows against upstream providers.
type Engine struct {
	store  *state.Store
	vault  secrets.SecretVault
	policy *ScopePolicy
	client *http.Client
	key    []byte

	redirectURI      string
	refreshThreshold time.Duration

	// Retry delay schedules for provider-unavailable responses.
	exchangeSchedule []time.Duration
	refreshSchedule  []time.Duration

	now func() time.Time
}

// Options configure the engine.
type Options struct {
	RedirectURI      string
	RefreshThreshold time.Duration
	HTTPClient       *http.Client
	ExchangeSchedule []time.Duration
	RefreshSchedule  []time.Duration
}

// NewEngine returns an OAuth engine. key is the AES-256 token sealing key
// from LoadOrCreateKey.
func NewEngine(store *state.Store, vault secrets.SecretVault, policy *ScopePolicy, key []byte, opts Options) *Engine {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.RefreshThreshold <= 0 {
		opts.RefreshThreshold = DefaultRefreshThreshold
	}
	if len(opts.ExchangeSchedule) == 0 {
		opts.ExchangeSchedule = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	}
	if len(opts.RefreshSchedule) == 0 {
		opts.RefreshSchedule = []time.Duration{2 * time.Second, 4 * time.Second}
	}
	return &Engine{
		store:            store,
		vault:            vault,
		policy:           policy,
		client:           opts.HTTPClient,
		key:              key,
		redirectURI:      opts.RedirectURI,
		refreshThreshold: opts.RefreshThreshold,
		exchangeSchedule: opts.ExchangeSchedule,
		refreshSchedule:  opts.RefreshSchedule,
		now:              time.Now,
	}
}

// StartAuthRequest begins an authorization flow.
type StartAuthRequest struct {
	ServerID            string   `json:"server_id"`
	Scopes              []string `json:"scopes"`
	AuthorizeURL        string   `json:"authorize_url"`
	TokenURL            string   `json:"token_url"`
	ClientID            string   `json:"client_id"`
	CodeChallenge       string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod string   `json:"code_challenge_method,omitempty"`
	Actor               string   `json:"-"`
}

// StartAuthResult carries the composed authorize URL back to the client.
type StartAuthResult struct {
	AuthURL        string   `json:"auth_url"`
	State          string   `json:"state"`
	RequiredScopes []string `json:"required_scopes"`
}

// StartAuth validates the requested scopes against the policy, mints a
// single-use state, and composes the provider authorize URL.
func (e *Engine) StartAuth(ctx context.Context, req StartAuthRequest) (StartAuthResult, error) {
	if req.ServerID == "" || req.AuthorizeURL == "" || req.TokenURL == "" || req.ClientID == "" {
		return StartAuthResult{}, errors.NewValidationError(
			"server_id, authorize_url, token_url, and client_id are required")
	}

	if missing := e.policy.Missing(req.Scopes); len(missing) > 0 {
		e.audit(ctx, "scope_denied", req.Actor, req.ServerID, map[string]any{
			"requested": req.Scopes, "missing": missing,
		})
		return StartAuthResult{}, errors.New(errors.ErrScopeNotAllowed,
			"requested scopes are not permitted", nil).WithDetail("missing_scopes", missing)
	}

	if req.CodeChallenge != "" &&
		req.CodeChallengeMethod != "S256" && req.CodeChallengeMethod != "plain" {
		return StartAuthResult{}, errors.NewValidationError(
			"code_challenge_method must be S256 or plain")
	}

	stateValue, err := randomState()
	if err != nil {
		return StartAuthResult{}, errors.NewInternalError("generating state", err)
	}

	params := url.Values{
		"response_type": {"code"},
		"client_id":     {req.ClientID},
		"redirect_uri":  {e.redirectURI},
		"state":         {stateValue},
	}
	if len(req.Scopes) > 0 {
		params.Set("scope", strings.Join(req.Scopes, " "))
	}
	if req.CodeChallenge != "" {
		params.Set("code_challenge", req.CodeChallenge)
		params.Set("code_challenge_method", req.CodeChallengeMethod)
	}

	now := e.now().UTC()
	record := state.OAuthStateRecord{
		State:               stateValue,
		ServerID:            req.ServerID,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Scopes:              req.Scopes,
		AuthorizeURL:        req.AuthorizeURL,
		TokenURL:            req.TokenURL,
		ClientID:            req.ClientID,
		RedirectURI:         e.redirectURI,
		ExpiresAt:           now.Add(stateTTL),
		CreatedAt:           now,
	}
	if err := e.store.SaveOAuthState(ctx, record); err != nil {
		return StartAuthResult{}, errors.NewInternalError("persisting oauth state", err)
	}

	return StartAuthResult{
		AuthURL:        req.AuthorizeURL + "?" + params.Encode(),
		State:          stateValue,
		RequiredScopes: req.Scopes,
	}, nil
}

// ExchangeResult is the outcome of a successful code exchange.
type ExchangeResult struct {
	Status        string    `json:"status"`
	Scope         []string  `json:"scope"`
	ExpiresIn     int       `json:"expires_in"`
	CredentialKey string    `json:"credential_key"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// ExchangeToken consumes the state record, verifies PKCE, exchanges the
// code at the provider, and persists the resulting credential.
func (e *Engine) ExchangeToken(ctx context.Context, code, stateValue, serverID, codeVerifier, actor string) (ExchangeResult, error) {
	record, err := e.store.ConsumeOAuthState(ctx, stateValue)
	if err != nil {
		if err == state.ErrNotFound {
			return ExchangeResult{}, errors.New(errors.ErrOAuthStateMismatch,
				"unknown or already-used oauth state", nil)
		}
		return ExchangeResult{}, err
	}
	if e.now().UTC().After(record.ExpiresAt) {
		return ExchangeResult{}, errors.New(errors.ErrOAuthStateMismatch,
			"oauth state has expired", nil)
	}
	if serverID != "" && serverID != record.ServerID {
		return ExchangeResult{}, errors.New(errors.ErrOAuthStateMismatch,
			"oauth state does not belong to this server", nil)
	}
	if err := verifyPKCE(record, codeVerifier); err != nil {
		return ExchangeResult{}, err
	}

	params := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {record.RedirectURI},
		"client_id":    {record.ClientID},
	}
	if codeVerifier != "" {
		params.Set("code_verifier", codeVerifier)
	}

	tokens, err := e.tokenRequest(ctx, record.TokenURL, params, e.exchangeSchedule)
	if err != nil {
		return ExchangeResult{}, err
	}

	scopes := parseScopes(tokens.Scope, record.Scopes)
	cred, err := e.saveCredential(ctx, record.ServerID, record.TokenURL, record.ClientID,
		scopes, tokens, actor)
	if err != nil {
		return ExchangeResult{}, err
	}

	e.audit(ctx, "token_saved", actor, record.ServerID, map[string]any{
		"credential_key": cred.CredentialKey, "scope": scopes,
	})

	return ExchangeResult{
		Status:        "authorized",
		Scope:         scopes,
		ExpiresIn:     tokens.ExpiresIn,
		CredentialKey: cred.CredentialKey,
		ExpiresAt:     cred.ExpiresAt,
	}, nil
}

// RefreshResult is the outcome of a refresh attempt.
type RefreshResult struct {
	Refreshed     bool      `json:"refreshed"`
	CredentialKey string    `json:"credential_key,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
}

// RefreshToken refreshes a credential nearing expiry. Credentials with more
// than the refresh threshold remaining are left alone.
func (e *Engine) RefreshToken(ctx context.Context, serverID, credentialKey, actor string) (RefreshResult, error) {
	cred, err := e.store.GetCredential(ctx, credentialKey)
	if err != nil {
		if err == state.ErrNotFound {
			return RefreshResult{}, errors.New(errors.ErrCredentialNotFound,
				"credential "+credentialKey+" not found", nil)
		}
		return RefreshResult{}, err
	}

	if cred.ExpiresAt.Sub(e.now().UTC()) > e.refreshThreshold {
		return RefreshResult{Refreshed: false, CredentialKey: credentialKey, ExpiresAt: cred.ExpiresAt}, nil
	}

	pair, ok := e.loadTokens(credentialKey, cred)
	if !ok || pair.RefreshToken == "" {
		e.dropCredential(ctx, credentialKey)
		return RefreshResult{}, errors.New(errors.ErrOAuthInvalidGrant,
			"no refresh token held for credential "+credentialKey, nil)
	}

	params := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {pair.RefreshToken},
		"client_id":     {cred.OAuthClientID},
	}
	tokens, err := e.tokenRequest(ctx, cred.OAuthTokenURL, params, e.refreshSchedule)
	if err != nil {
		if errors.IsKind(err, errors.ErrOAuthProvider) {
			// The provider rejected the grant outright; the stored
			// credential is dead.
			e.dropCredential(ctx, credentialKey)
			return RefreshResult{}, errors.New(errors.ErrOAuthInvalidGrant,
				"provider rejected the refresh grant", err)
		}
		return RefreshResult{}, err
	}

	// Providers may withhold a new refresh token; keep the old one.
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = pair.RefreshToken
	}

	scopes := parseScopes(tokens.Scope, cred.Scopes)
	fresh, err := e.saveCredential(ctx, serverID, cred.OAuthTokenURL, cred.OAuthClientID,
		scopes, tokens, actor)
	if err != nil {
		return RefreshResult{}, err
	}
	e.dropCredential(ctx, credentialKey)

	e.audit(ctx, "token_refreshed", actor, serverID, map[string]any{
		"old_credential_key": credentialKey, "new_credential_key": fresh.CredentialKey,
	})

	return RefreshResult{Refreshed: true, CredentialKey: fresh.CredentialKey, ExpiresAt: fresh.ExpiresAt}, nil
}

// UpdatePermittedScopes replaces the scope policy. Only admins may mutate
// it; acceptance invalidates every known credential.
func (e *Engine) UpdatePermittedScopes(ctx context.Context, scopes []string, isAdmin bool, actor, correlationID string) error {
	if !isAdmin {
		e.audit(ctx, "scope_update_forbidden", actor, "", map[string]any{
			"correlation_id": correlationID,
		})
		return errors.NewAuthError("only admins may update the scope policy", nil)
	}

	e.policy.Replace(scopes)

	creds, err := e.store.ListCredentials(ctx)
	if err != nil {
		return err
	}
	for _, cred := range creds {
		e.dropCredential(ctx, cred.CredentialKey)
	}

	e.audit(ctx, "scope_updated", actor, "", map[string]any{
		"permitted": scopes, "invalidated": len(creds), "correlation_id": correlationID,
	})
	return nil
}

// AccessToken returns the plaintext access token for a credential,
// recovering from the sealed reference when the in-memory copy is gone.
func (e *Engine) AccessToken(ctx context.Context, credentialKey string) (string, error) {
	cred, err := e.store.GetCredential(ctx, credentialKey)
	if err != nil {
		if err == state.ErrNotFound {
			return "", errors.New(errors.ErrCredentialNotFound,
				"credential "+credentialKey+" not found", nil)
		}
		return "", err
	}
	pair, ok := e.loadTokens(credentialKey, cred)
	if !ok || pair.AccessToken == "" {
		return "", errors.New(errors.ErrCredentialNotFound,
			"no access token held for credential "+credentialKey, nil)
	}
	return pair.AccessToken, nil
}

// saveCredential seals and persists a fresh credential and stashes the
// plaintext pair in the secret vault.
func (e *Engine) saveCredential(ctx context.Context, serverID, tokenURL, clientID string,
	scopes []string, tokens tokenResponse, actor string,
) (state.Credential, error) {
	pair := tokenPair{AccessToken: tokens.AccessToken, RefreshToken: tokens.RefreshToken}
	payload, err := json.Marshal(pair)
	if err != nil {
		return state.Credential{}, errors.NewInternalError("encoding token pair", err)
	}
	ref, err := sealTokens(e.key, payload)
	if err != nil {
		return state.Credential{}, errors.NewInternalError("sealing token pair", err)
	}

	expiresIn := time.Duration(tokens.ExpiresIn) * time.Second
	if tokens.ExpiresIn <= 0 {
		expiresIn = defaultExpiresIn
	}

	cred := state.Credential{
		CredentialKey: uuid.NewString(),
		TokenRef:      ref,
		Scopes:        scopes,
		ExpiresAt:     e.now().UTC().Add(expiresIn),
		ServerID:      serverID,
		OAuthTokenURL: tokenURL,
		OAuthClientID: clientID,
		CreatedBy:     actor,
		CreatedAt:     e.now().UTC(),
	}
	if err := e.store.SaveCredential(ctx, cred); err != nil {
		return state.Credential{}, errors.NewInternalError("persisting credential", err)
	}
	e.vault.Put(cred.CredentialKey, string(payload))
	return cred, nil
}

// loadTokens reads the plaintext pair from the vault, falling back to the
// sealed reference.
func (e *Engine) loadTokens(credentialKey string, cred state.Credential) (tokenPair, bool) {
	var pair tokenPair
	if raw, ok := e.vault.Get(credentialKey); ok {
		if err := json.Unmarshal([]byte(raw), &pair); err == nil {
			return pair, true
		}
	}
	payload, err := openTokens(e.key, cred.TokenRef)
	if err != nil {
		return tokenPair{}, false
	}
	if err := json.Unmarshal(payload, &pair); err != nil {
		return tokenPair{}, false
	}
	return pair, true
}

// dropCredential removes a credential from the store and the vault.
// RemoveCredential drops a credential record and its cached plaintext.
// Used when a remote server's credential binding is revoked.
func (e *Engine) RemoveCredential(ctx context.Context, credentialKey string) {
	e.dropCredential(ctx, credentialKey)
}

func (e *Engine) dropCredential(ctx context.Context, credentialKey string) {
	if err := e.store.DeleteCredential(ctx, credentialKey); err != nil && err != state.ErrNotFound {
		logger.Warnw("deleting credential", "credential_key", credentialKey, "error", err)
	}
	e.vault.Drop(credentialKey)
}

func (e *Engine) audit(ctx context.Context, action, actor, target string, metadata map[string]any) {
	if err := e.store.RecordAuditLog(ctx, "oauth", action, actor, target, metadata); err != nil {
		logger.Warnw("recording oauth audit entry", "action", action, "error", err)
	}
}

// tokenResponse is the provider token endpoint payload.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
}

// tokenRequest posts to the provider token endpoint. Provider errors (4xx)
// are permanent; 5xx and transport failures retry on the given schedule.
func (e *Engine) tokenRequest(ctx context.Context, tokenURL string, params url.Values, schedule []time.Duration) (tokenResponse, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = schedule[0]
	expBackoff.RandomizationFactor = 0
	expBackoff.Multiplier = 2

	operation := func() (tokenResponse, error) {
		resp, err := e.postForm(ctx, tokenURL, params)
		if err != nil {
			return tokenResponse{}, err
		}
		return resp, nil
	}

	tokens, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(len(schedule)+1)),
		backoff.WithNotify(func(err error, delay time.Duration) {
			logger.Debugw("retrying token request", "token_url", tokenURL, "delay", delay, "error", err)
		}),
	)
	if err != nil {
		if appErr, ok := errors.As(err); ok {
			return tokenResponse{}, appErr
		}
		return tokenResponse{}, errors.New(errors.ErrOAuthProviderUnavailable,
			"token endpoint unreachable", err)
	}
	return tokens, nil
}

func (e *Engine) postForm(ctx context.Context, tokenURL string, params url.Values) (tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL,
		strings.NewReader(params.Encode()))
	if err != nil {
		return tokenResponse{}, backoff.Permanent(errors.NewInternalError("creating token request", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		// Transport failure: retryable.
		return tokenResponse{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return tokenResponse{}, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var tokens tokenResponse
		if err := json.Unmarshal(body, &tokens); err != nil {
			return tokenResponse{}, backoff.Permanent(errors.New(errors.ErrOAuthProvider,
				"provider returned malformed token payload", err))
		}
		return tokens, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return tokenResponse{}, backoff.Permanent(errors.New(errors.ErrOAuthProvider,
			"provider rejected token request: "+strconv.Itoa(resp.StatusCode), nil).
			WithDetail("provider_response", truncateBody(body)))
	default:
		// 5xx: retryable.
		return tokenResponse{}, fmt.Errorf("provider returned %d", resp.StatusCode)
	}
}

func truncateBody(body []byte) string {
	const limit = 512
	if len(body) > limit {
		body = body[:limit]
	}
	return string(body)
}

// verifyPKCE checks the verifier against the stored challenge.
func verifyPKCE(record state.OAuthStateRecord, verifier string) error {
	if record.CodeChallenge == "" {
		return nil
	}
	if verifier == "" {
		return errors.NewValidationError("code_verifier is required for this authorization")
	}

	switch record.CodeChallengeMethod {
	case "S256":
		sum := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		if computed != record.CodeChallenge {
			return errors.New(errors.ErrOAuthStateMismatch, "PKCE verification failed", nil)
		}
	case "plain":
		if verifier != record.CodeChallenge {
			return errors.New(errors.ErrOAuthStateMismatch, "PKCE verification failed", nil)
		}
	default:
		return errors.NewValidationError("stored challenge has unsupported method " + record.CodeChallengeMethod)
	}
	return nil
}

// parseScopes splits the provider scope string, falling back to the
// requested scopes when the provider omits it.
func parseScopes(scope string, requested []string) []string {
	if strings.TrimSpace(scope) == "" {
		return requested
	}
	return strings.Fields(scope)
}

// randomState mints a 32-byte URL-safe state value.
func randomState() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
