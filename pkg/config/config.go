// Package config contains the definition of the daemon configuration and the
// logic required to load it from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mcpfleet/mcpfleet/pkg/errors"
)

// Environment variable names recognized by the daemon. Every variable is
// optional; Load falls back to the defaults below.
const (
	// EnvVaultBinary is the path to the password-vault CLI binary
	EnvVaultBinary = "MCPFLEET_VAULT_BINARY"
	// EnvVaultTimeout is the vault subprocess timeout in seconds
	EnvVaultTimeout = "MCPFLEET_VAULT_TIMEOUT_SECONDS"
	// EnvContainerSocket is a custom container runtime socket path
	EnvContainerSocket = "MCPFLEET_CONTAINER_SOCKET"
	// EnvSessionTimeout is the login/exec session timeout in minutes
	EnvSessionTimeout = "MCPFLEET_SESSION_TIMEOUT_MINUTES"
	// EnvCredentialRetention is the credential retention period in days
	EnvCredentialRetention = "MCPFLEET_CREDENTIAL_RETENTION_DAYS"
	// EnvJobRetention is the completed-job retention period in hours
	EnvJobRetention = "MCPFLEET_JOB_RETENTION_HOURS"
	// EnvStatePath is the path of the embedded state database
	EnvStatePath = "MCPFLEET_STATE_PATH"
	// EnvCertBase is the directory under which per-session mTLS bundles are written
	EnvCertBase = "MCPFLEET_CERT_BASE"
	// EnvOAuthAllowedDomains is the comma-separated OAuth endpoint allowlist
	EnvOAuthAllowedDomains = "MCPFLEET_OAUTH_ALLOWED_DOMAINS"
	// EnvOAuthEncryptionKeyPath is the path of the OAuth token encryption key
	EnvOAuthEncryptionKeyPath = "MCPFLEET_OAUTH_ENCRYPTION_KEY"
	// EnvRemoteMCPAllowedDomains is the comma-separated remote MCP endpoint allowlist
	EnvRemoteMCPAllowedDomains = "REMOTE_MCP_ALLOWED_DOMAINS"
	// EnvAllowInsecureEndpoint permits plain http endpoints (development only)
	EnvAllowInsecureEndpoint = "ALLOW_INSECURE_ENDPOINT"
	// EnvCatalogDockerURL is the docker catalog source URL
	EnvCatalogDockerURL = "MCPFLEET_CATALOG_DOCKER_URL"
	// EnvCatalogOfficialURL is the official registry catalog source URL
	EnvCatalogOfficialURL = "MCPFLEET_CATALOG_OFFICIAL_URL"
	// EnvCatalogMaxPages caps official registry pagination
	EnvCatalogMaxPages = "MCPFLEET_CATALOG_MAX_PAGES"
	// EnvCatalogPageDelay is the inter-page delay in milliseconds
	EnvCatalogPageDelay = "MCPFLEET_CATALOG_PAGE_DELAY_MS"
	// EnvCatalogTimeout is the per-request catalog timeout in seconds
	EnvCatalogTimeout = "MCPFLEET_CATALOG_TIMEOUT_SECONDS"
	// EnvMaxConnections caps concurrent remote MCP sessions
	EnvMaxConnections = "MCPFLEET_MAX_CONNECTIONS"
	// EnvGatewayToken is the bearer token sent on gateway health probes
	EnvGatewayToken = "MCPFLEET_GATEWAY_TOKEN"
	// EnvListenAddress is the HTTP listen address
	EnvListenAddress = "MCPFLEET_LISTEN_ADDRESS"
)

// Config represents the daemon configuration.
type Config struct {
	ListenAddress string

	VaultBinary  string
	VaultTimeout time.Duration

	ContainerSocket string

	SessionTimeout      time.Duration
	CredentialRetention time.Duration
	JobRetention        time.Duration

	StatePath string
	CertBase  string

	OAuthAllowedDomains    []string
	OAuthEncryptionKeyPath string
	OAuthTokenTimeout      time.Duration

	RemoteMCPAllowedDomains []string
	AllowInsecureEndpoint   bool
	MaxConnections          int

	GatewayToken string

	CatalogDockerURL   string
	CatalogOfficialURL string
	CatalogMaxPages    int
	CatalogPageDelay   time.Duration
	CatalogTimeout     time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(EnvListenAddress, "127.0.0.1:8420")
	v.SetDefault(EnvVaultBinary, "bw")
	v.SetDefault(EnvVaultTimeout, 30)
	v.SetDefault(EnvContainerSocket, "")
	v.SetDefault(EnvSessionTimeout, 30)
	v.SetDefault(EnvCredentialRetention, 30)
	v.SetDefault(EnvJobRetention, 24)
	v.SetDefault(EnvStatePath, "data/state.db")
	v.SetDefault(EnvCertBase, "data/certs")
	v.SetDefault(EnvOAuthAllowedDomains, "")
	v.SetDefault(EnvOAuthEncryptionKeyPath, "data/oauth_encryption.key")
	v.SetDefault(EnvRemoteMCPAllowedDomains, "")
	v.SetDefault(EnvAllowInsecureEndpoint, false)
	v.SetDefault(EnvMaxConnections, 10)
	v.SetDefault(EnvGatewayToken, "")
	v.SetDefault(EnvCatalogDockerURL, "https://hub.docker.com/v2/repositories/mcp/")
	v.SetDefault(EnvCatalogOfficialURL, "https://registry.modelcontextprotocol.io/v0/servers")
	v.SetDefault(EnvCatalogMaxPages, 20)
	v.SetDefault(EnvCatalogPageDelay, 200)
	v.SetDefault(EnvCatalogTimeout, 15)
}

// Load reads the configuration from the environment, applying defaults for
// anything unset, and validates the result.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		ListenAddress:           v.GetString(EnvListenAddress),
		VaultBinary:             v.GetString(EnvVaultBinary),
		VaultTimeout:            time.Duration(v.GetInt(EnvVaultTimeout)) * time.Second,
		ContainerSocket:         v.GetString(EnvContainerSocket),
		SessionTimeout:          time.Duration(v.GetInt(EnvSessionTimeout)) * time.Minute,
		CredentialRetention:     time.Duration(v.GetInt(EnvCredentialRetention)) * 24 * time.Hour,
		JobRetention:            time.Duration(v.GetInt(EnvJobRetention)) * time.Hour,
		StatePath:               v.GetString(EnvStatePath),
		CertBase:                v.GetString(EnvCertBase),
		OAuthAllowedDomains:     splitList(v.GetString(EnvOAuthAllowedDomains)),
		OAuthEncryptionKeyPath:  v.GetString(EnvOAuthEncryptionKeyPath),
		OAuthTokenTimeout:       30 * time.Second,
		RemoteMCPAllowedDomains: splitList(v.GetString(EnvRemoteMCPAllowedDomains)),
		AllowInsecureEndpoint:   v.GetBool(EnvAllowInsecureEndpoint),
		MaxConnections:          v.GetInt(EnvMaxConnections),
		GatewayToken:            v.GetString(EnvGatewayToken),
		CatalogDockerURL:        v.GetString(EnvCatalogDockerURL),
		CatalogOfficialURL:      v.GetString(EnvCatalogOfficialURL),
		CatalogMaxPages:         v.GetInt(EnvCatalogMaxPages),
		CatalogPageDelay:        time.Duration(v.GetInt(EnvCatalogPageDelay)) * time.Millisecond,
		CatalogTimeout:          time.Duration(v.GetInt(EnvCatalogTimeout)) * time.Second,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.VaultBinary == "" {
		return errors.NewConfigError("vault binary path must not be empty", nil)
	}
	if c.VaultTimeout <= 0 {
		return errors.NewConfigError(fmt.Sprintf("vault timeout must be positive, got %s", c.VaultTimeout), nil)
	}
	if c.SessionTimeout <= 0 {
		return errors.NewConfigError(fmt.Sprintf("session timeout must be positive, got %s", c.SessionTimeout), nil)
	}
	if c.StatePath == "" {
		return errors.NewConfigError("state database path must not be empty", nil)
	}
	if c.MaxConnections < 1 {
		return errors.NewConfigError(fmt.Sprintf("max connections must be at least 1, got %d", c.MaxConnections), nil)
	}
	if c.CatalogMaxPages < 1 {
		return errors.NewConfigError(fmt.Sprintf("catalog max pages must be at least 1, got %d", c.CatalogMaxPages), nil)
	}
	return nil
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
