// Package github manages the singleton GitHub token and proxies code
// search against the GitHub API. The token is sealed at rest with the same
// AES-GCM format the OAuth engine uses; plaintext only ever lives in a
// request-scoped HTTP client.
package github

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/mcpfleet/mcpfleet/pkg/errors"
	"github.com/mcpfleet/mcpfleet/pkg/logger"
	"github.com/mcpfleet/mcpfleet/pkg/oauth"
	"github.com/mcpfleet/mcpfleet/pkg/state"
)

const (
	defaultAPIBase    = "https://api.github.com"
	searchTimeout     = 30 * time.Second
	maxSearchBody     = 4 << 20
	previewTailLength = 4
)

// Service owns the GitHub token singleton.
type Service struct {
	store   *state.Store
	key     []byte
	apiBase string

	// base transport for outbound calls; oauth2 layers the bearer on top.
	transport http.RoundTripper

	now func() time.Time
}

// Options configure the service.
type Options struct {
	// APIBase overrides the GitHub API root. Tests point it at a local
	// server.
	APIBase string
	// Transport overrides the outbound transport.
	Transport http.RoundTripper
}

// New returns a GitHub token service. key is the shared token encryption
// key.
func New(store *state.Store, key []byte, opts Options) *Service {
	if opts.APIBase == "" {
		opts.APIBase = defaultAPIBase
	}
	return &Service{
		store:     store,
		key:       key,
		apiBase:   strings.TrimSuffix(opts.APIBase, "/"),
		transport: opts.Transport,
		now:       time.Now,
	}
}

// Status is the redacted view of the stored token.
type Status struct {
	Configured   bool      `json:"configured"`
	Source       string    `json:"source,omitempty"`
	TokenPreview string    `json:"token_preview,omitempty"`
	UpdatedBy    string    `json:"updated_by,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// SaveToken seals and stores the token, replacing any previous one.
func (s *Service) SaveToken(ctx context.Context, token, source, actor string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.NewValidationError("token must not be empty")
	}
	if source == "" {
		source = "manual"
	}

	ref, err := oauth.Seal(s.key, []byte(token))
	if err != nil {
		return errors.NewInternalError("sealing github token", err)
	}
	if err := s.store.SaveGitHubToken(ctx, state.GitHubToken{
		TokenRef:  ref,
		Source:    source,
		UpdatedBy: actor,
		UpdatedAt: s.now(),
	}); err != nil {
		return errors.NewInternalError("saving github token", err)
	}

	s.audit(ctx, actor, "github_token_saved", map[string]any{"source": source})
	return nil
}

// GetStatus reports whether a token is configured, without revealing it.
func (s *Service) GetStatus(ctx context.Context) (Status, error) {
	tok, err := s.store.GetGitHubToken(ctx)
	if err == state.ErrNotFound {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, errors.NewInternalError("loading github token", err)
	}

	status := Status{
		Configured: true,
		Source:     tok.Source,
		UpdatedBy:  tok.UpdatedBy,
		UpdatedAt:  tok.UpdatedAt,
	}
	if plaintext, err := oauth.Open(s.key, tok.TokenRef); err == nil {
		status.TokenPreview = previewToken(string(plaintext))
	}
	return status, nil
}

// DeleteToken removes the stored token.
func (s *Service) DeleteToken(ctx context.Context, actor string) error {
	if err := s.store.DeleteGitHubToken(ctx); err != nil {
		return errors.NewInternalError("deleting github token", err)
	}
	s.audit(ctx, actor, "github_token_deleted", nil)
	return nil
}

// SearchResult is one code search hit.
type SearchResult struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	Repository string `json:"repository"`
	HTMLURL    string `json:"html_url"`
}

// SearchResponse is the proxied code search payload.
type SearchResponse struct {
	TotalCount int            `json:"total_count"`
	Items      []SearchResult `json:"items"`
}

// Search proxies a code search with the stored token as bearer.
func (s *Service) Search(ctx context.Context, query string) (SearchResponse, error) {
	if strings.TrimSpace(query) == "" {
		return SearchResponse{}, errors.NewValidationError("search query must not be empty")
	}
	token, err := s.accessToken(ctx)
	if err != nil {
		return SearchResponse{}, err
	}

	client := oauth2.NewClient(
		context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: s.transport}),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
	)
	client.Timeout = searchTimeout

	searchURL := s.apiBase + "/search/code?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return SearchResponse{}, errors.NewInternalError("building search request", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := client.Do(req)
	if err != nil {
		return SearchResponse{}, errors.New(errors.ErrUpstreamUnavailable, "github unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSearchBody))
	if err != nil {
		return SearchResponse{}, errors.New(errors.ErrUpstreamUnavailable, "reading github response", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return SearchResponse{}, errors.NewAuthError("github rejected the stored token", nil)
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		return SearchResponse{}, errors.New(errors.ErrRateLimited, "github rate limited the search", nil)
	case resp.StatusCode >= 500:
		return SearchResponse{}, errors.Newf(errors.ErrUpstreamUnavailable, "github returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return SearchResponse{}, errors.Newf(errors.ErrValidation, "github rejected the search with %d", resp.StatusCode)
	}

	var payload struct {
		TotalCount int `json:"total_count"`
		Items      []struct {
			Name       string `json:"name"`
			Path       string `json:"path"`
			HTMLURL    string `json:"html_url"`
			Repository struct {
				FullName string `json:"full_name"`
			} `json:"repository"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return SearchResponse{}, errors.NewInternalError("github search payload is malformed", err)
	}

	out := SearchResponse{TotalCount: payload.TotalCount}
	for _, item := range payload.Items {
		out.Items = append(out.Items, SearchResult{
			Name:       item.Name,
			Path:       item.Path,
			Repository: item.Repository.FullName,
			HTMLURL:    item.HTMLURL,
		})
	}
	return out, nil
}

// accessToken unseals the stored token.
func (s *Service) accessToken(ctx context.Context) (string, error) {
	tok, err := s.store.GetGitHubToken(ctx)
	if err == state.ErrNotFound {
		return "", errors.New(errors.ErrCredentialNotFound, "no github token configured", nil)
	}
	if err != nil {
		return "", errors.NewInternalError("loading github token", err)
	}
	plaintext, err := oauth.Open(s.key, tok.TokenRef)
	if err != nil {
		return "", errors.NewInternalError("unsealing github token", err)
	}
	return string(plaintext), nil
}

// previewToken keeps the recognizable prefix and the last few characters.
func previewToken(token string) string {
	prefix := ""
	for _, known := range []string{"github_pat_", "ghp_", "gho_", "ghs_"} {
		if strings.HasPrefix(token, known) {
			prefix = known
			break
		}
	}
	if len(token) <= previewTailLength {
		return "****"
	}
	return prefix + "****" + token[len(token)-previewTailLength:]
}

func (s *Service) audit(ctx context.Context, actor, action string, metadata map[string]any) {
	if err := s.store.RecordAuditLog(ctx, "github", action, actor, "github-token", metadata); err != nil {
		logger.Warnw("recording github audit entry", "action", action, "error", err)
	}
}
