package state

import (
	"time"
)

// LoginSession is a vault-unlock login session. The VaultUnlockHandle is
// opaque and must never be logged or returned to clients outside of session
// issuance.
type LoginSession struct {
	SessionID         string    `json:"session_id"`
	UserEmail         string    `json:"user_email"`
	VaultUnlockHandle string    `json:"-"`
	CreatedAt         time.Time `json:"created_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	LastActivity      time.Time `json:"last_activity"`
}

// ContainerConfigRecord is the immutable record of a started container.
type ContainerConfigRecord struct {
	ContainerID string          `json:"container_id"`
	Name        string          `json:"name"`
	Image       string          `json:"image"`
	Config      ContainerConfig `json:"config"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ContainerConfig describes how a container is to be created.
type ContainerConfig struct {
	Name          string            `json:"name"`
	Image         string            `json:"image"`
	Env           map[string]string `json:"env,omitempty"`
	Ports         map[string]int    `json:"ports,omitempty"`
	Volumes       map[string]string `json:"volumes,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	Command       []string          `json:"command,omitempty"`
	NetworkMode   string            `json:"network_mode,omitempty"`
	CPUs          float64           `json:"cpus,omitempty"`
	MemoryLimit   int64             `json:"memory_limit,omitempty"`
	RestartPolicy string            `json:"restart_policy,omitempty"`
	MaxRetries    int               `json:"max_retries,omitempty"`
}

// Exec session states.
const (
	ExecSessionRunning = "running"
	ExecSessionStopped = "stopped"
)

// ExecSession is one interactive execution session backed by a container.
type ExecSession struct {
	SessionID       string          `json:"session_id"`
	ServerID        string          `json:"server_id"`
	Config          SessionConfig   `json:"config"`
	State           string          `json:"state"`
	IdleDeadline    time.Time       `json:"idle_deadline"`
	GatewayEndpoint string          `json:"gateway_endpoint"`
	MetricsEndpoint string          `json:"metrics_endpoint"`
	MTLSCertRef     *CertRef        `json:"mtls_cert_ref,omitempty"`
	FeatureFlags    map[string]bool `json:"feature_flags,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// SessionConfig is the execution policy of an exec session.
type SessionConfig struct {
	MaxRunSeconds    int `json:"max_run_seconds"`
	OutputBytesLimit int `json:"output_bytes_limit"`
}

// CertRef is the tagged reference to an issued mTLS bundle. Kind is either
// "generated" or "placeholder".
type CertRef struct {
	Kind     string    `json:"kind"`
	Dir      string    `json:"dir"`
	NotAfter time.Time `json:"not_after,omitempty"`
}

// Job statuses.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job is an asynchronous command execution.
type Job struct {
	JobID      string     `json:"job_id"`
	SessionID  string     `json:"session_id"`
	Status     string     `json:"status"`
	QueuedAt   time.Time  `json:"queued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Timeout    bool       `json:"timeout"`
	Truncated  bool       `json:"truncated"`
	OutputRef  *OutputRef `json:"output_ref,omitempty"`
}

// OutputRef is the tagged job output payload. Kind "inline" carries the
// truncated output text; kind "error" carries a failure message.
type OutputRef struct {
	Kind   string `json:"kind"`
	Output string `json:"output"`
}

// Credential is a persisted opaque reference to an OAuth token pair. The
// plaintext tokens live only in the in-memory secret vault.
type Credential struct {
	CredentialKey string    `json:"credential_key"`
	TokenRef      TokenRef  `json:"token_ref"`
	Scopes        []string  `json:"scopes"`
	ExpiresAt     time.Time `json:"expires_at"`
	ServerID      string    `json:"server_id"`
	OAuthTokenURL string    `json:"oauth_token_url,omitempty"`
	OAuthClientID string    `json:"oauth_client_id,omitempty"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
}

// TokenRef is the tagged persisted token reference. Kind "aes-gcm" carries
// the base64 ciphertext of the token pair under the daemon encryption key;
// kind "opaque" carries nothing recoverable.
type TokenRef struct {
	Kind       string `json:"kind"`
	Ciphertext string `json:"ciphertext,omitempty"`
	Nonce      string `json:"nonce,omitempty"`
}

// OAuthStateRecord is a single-use authorization-flow state entry.
type OAuthStateRecord struct {
	State               string    `json:"state"`
	ServerID            string    `json:"server_id"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	Scopes              []string  `json:"scopes"`
	AuthorizeURL        string    `json:"authorize_url"`
	TokenURL            string    `json:"token_url"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	ExpiresAt           time.Time `json:"expires_at"`
	CreatedAt           time.Time `json:"created_at"`
}

// Remote server statuses.
const (
	RemoteUnregistered  = "unregistered"
	RemoteRegistered    = "registered"
	RemoteAuthRequired  = "auth_required"
	RemoteAuthenticated = "authenticated"
	RemoteDisabled      = "disabled"
	RemoteError         = "error"
)

// RemoteServer is a registered remote MCP endpoint.
type RemoteServer struct {
	ServerID        string     `json:"server_id"`
	CatalogItemID   string     `json:"catalog_item_id"`
	Name            string     `json:"name"`
	Endpoint        string     `json:"endpoint"`
	Status          string     `json:"status"`
	CredentialKey   string     `json:"credential_key,omitempty"`
	LastConnectedAt *time.Time `json:"last_connected_at,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Gateway allowlist entry types.
const (
	AllowEntryDomain  = "domain"
	AllowEntryPattern = "pattern"
	AllowEntryService = "service"
)

// GatewayAllowEntry is one entry of the gateway allowlist. When entries with
// the same ID are merged, the higher Version wins.
type GatewayAllowEntry struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	Enabled   bool      `json:"enabled"`
	Version   int       `json:"version"`
}

// Gateway is a registered external gateway whose health is probed.
type Gateway struct {
	GatewayID string    `json:"gateway_id"`
	URL       string    `json:"url"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// GitHubToken is the singleton stored GitHub token reference.
type GitHubToken struct {
	TokenRef  TokenRef  `json:"token_ref"`
	Source    string    `json:"source"`
	UpdatedBy string    `json:"updated_by"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Signature policy modes.
const (
	SignaturePolicyAuditOnly = "audit-only"
	SignaturePolicyEnforcing = "enforcing"
)

// SignaturePolicy is the per-server image signature policy payload.
type SignaturePolicy struct {
	Mode           string   `json:"mode"`
	PermitUnsigned []string `json:"permit_unsigned,omitempty"`
}

// SignaturePolicyRecord binds a signature policy to a server.
type SignaturePolicyRecord struct {
	ServerID  string          `json:"server_id"`
	Policy    SignaturePolicy `json:"policy"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// AuditEntry is one audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Category  string         `json:"category"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor"`
	Target    string         `json:"target"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
