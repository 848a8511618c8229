package app

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/mcpfleet/mcpfleet/pkg/api"
	"github.com/mcpfleet/mcpfleet/pkg/auth"
	"github.com/mcpfleet/mcpfleet/pkg/catalog"
	"github.com/mcpfleet/mcpfleet/pkg/config"
	"github.com/mcpfleet/mcpfleet/pkg/container"
	"github.com/mcpfleet/mcpfleet/pkg/gateway"
	"github.com/mcpfleet/mcpfleet/pkg/github"
	"github.com/mcpfleet/mcpfleet/pkg/inspector"
	"github.com/mcpfleet/mcpfleet/pkg/logger"
	"github.com/mcpfleet/mcpfleet/pkg/oauth"
	"github.com/mcpfleet/mcpfleet/pkg/remote"
	"github.com/mcpfleet/mcpfleet/pkg/secrets"
	"github.com/mcpfleet/mcpfleet/pkg/sessions"
	"github.com/mcpfleet/mcpfleet/pkg/state"
	"github.com/mcpfleet/mcpfleet/pkg/tasks"
	"github.com/mcpfleet/mcpfleet/pkg/vault"
	"github.com/mcpfleet/mcpfleet/pkg/versions"
)

// gcInterval is how often expired sessions, credentials, and jobs are
// swept from the state store.
const gcInterval = time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fleet control-plane API server",
	Long: `Start the control-plane daemon: open the state store, connect the
vault CLI and container runtime, and serve the HTTP API until interrupted.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd)
	},
}

func runServe(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	info := versions.GetVersionInfo()
	logger.Infow("starting mcpfleetd", "version", info.Version, "commit", info.Commit)

	store, err := state.Open(ctx, cfg.StatePath, cfg.RemoteMCPAllowedDomains)
	if err != nil {
		return err
	}
	defer store.Close()
	store.RequireSecureEndpoints(!cfg.AllowInsecureEndpoint)

	vaultClient := vault.NewClient(cfg.VaultBinary, cfg.VaultTimeout)
	authManager := auth.NewManager(store, vaultClient, cfg.SessionTimeout)

	resolver := secrets.NewResolver(vaultClient, 0)
	authManager.OnSessionEnd(resolver.OnSessionEnd)

	containers := container.NewSupervisor(cfg.ContainerSocket, resolver, store)
	sessionRuntime := sessions.NewRuntime(store, containers, sessions.Options{
		CertBase:    cfg.CertBase,
		IdleTimeout: cfg.SessionTimeout,
	})
	insp := inspector.New(containers)

	key, err := oauth.LoadOrCreateKey(cfg.OAuthEncryptionKeyPath)
	if err != nil {
		return err
	}
	policy := oauth.NewScopePolicy([]string{"*"})
	engine := oauth.NewEngine(store, secrets.NewMemoryVault(), policy, key, oauth.Options{
		RedirectURI: "http://" + cfg.ListenAddress + "/api/oauth/callback",
		HTTPClient:  &http.Client{Timeout: cfg.OAuthTokenTimeout},
	})

	remoteRegistry := remote.NewRegistry(store, remote.Options{
		ConnectionCap: cfg.MaxConnections,
		Tokens:        engine,
	})
	defer remoteRegistry.Shutdown()

	taskRegistry := tasks.NewRegistry()
	defer taskRegistry.Shutdown()

	gatewaySupervisor := gateway.NewSupervisor(store, gateway.Options{
		Metrics: gateway.NewMetrics(prometheus.DefaultRegisterer),
		Tasks:   taskRegistry,
		Prober:  gateway.NewProber(gateway.ProberOptions{BearerToken: cfg.GatewayToken}),
	})
	defer gatewaySupervisor.Shutdown()

	ingester := catalog.NewIngester(catalog.Options{
		DockerURL:   cfg.CatalogDockerURL,
		OfficialURL: cfg.CatalogOfficialURL,
		MaxPages:    cfg.CatalogMaxPages,
		PageDelay:   cfg.CatalogPageDelay,
		Timeout:     cfg.CatalogTimeout,
	})
	defer ingester.Close()

	ghService := github.New(store, key, github.Options{})

	taskRegistry.Periodic("state-gc", gcInterval, func(ctx context.Context) {
		result, err := store.GCExpired(ctx, time.Now(), state.GCOptions{
			CredentialRetention: cfg.CredentialRetention,
			JobRetention:        cfg.JobRetention,
		})
		if err != nil {
			logger.Warnw("state GC pass failed", "error", err)
			return
		}
		logger.Debugw("state GC pass complete", "result", result)
	})

	logger.Infow("serving API", "address", cfg.ListenAddress)
	return api.Serve(ctx, cfg.ListenAddress, false, api.Deps{
		Auth:       authManager,
		Containers: containers,
		Sessions:   sessionRuntime,
		Inspector:  insp,
		OAuth:      engine,
		Remote:     remoteRegistry,
		Remover:    engine,
		Gateways:   gatewaySupervisor,
		Catalog:    ingester,
		GitHub:     ghService,
	})
}
