// Package api exposes the fleet control plane over HTTP: auth, container
// lifecycle, exec sessions, MCP inspection, OAuth flows, remote servers,
// gateways, catalog, and the GitHub token singleton.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mcpfleet/mcpfleet/pkg/logger"
	"github.com/mcpfleet/mcpfleet/pkg/remote"
)

const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
	socketPermissions = 0660
)

// Deps are the constructed services the router mounts. Every field is
// required except Remover, which may be nil when credential revocation is
// not wired.
type Deps struct {
	Auth       AuthManager
	Containers ContainerSupervisor
	Sessions   SessionRuntime
	Inspector  MCPInspector
	OAuth      OAuthEngine
	Remote     RemoteRegistry
	Remover    remote.CredentialRemover
	Gateways   GatewaySupervisor
	Catalog    CatalogIngester
	GitHub     GitHubService
}

// NewRouter assembles the full API router.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Timeout(middlewareTimeout),
		headersMiddleware,
	)

	protect := sessionAuth(deps.Auth)
	routers := map[string]http.Handler{
		"/health":             healthRouter(),
		"/api/auth":           AuthRouter(deps.Auth),
		"/api/containers":     ContainerRouter(deps.Containers, deps.Auth),
		"/api/sessions":       protect(SessionRouter(deps.Sessions)),
		"/api/inspector":      protect(InspectorRouter(deps.Inspector)),
		"/api/oauth":          OAuthRouter(deps.OAuth, deps.Auth),
		"/api/remote-servers": protect(RemoteRouter(deps.Remote, deps.Remover)),
		"/api/gateways":       protect(GatewayRouter(deps.Gateways)),
		"/api/catalog":        protect(CatalogRouter(deps.Catalog)),
		"/api/github-token":   protect(GitHubRouter(deps.GitHub)),
	}
	for prefix, router := range routers {
		r.Mount(prefix, router)
	}
	return r
}

func healthRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

func headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}

// Serve runs the API server on address until ctx is cancelled. A UNIX
// socket path is used when isUnixSocket is set; the caller handles signal
// wiring.
func Serve(ctx context.Context, address string, isUnixSocket bool, deps Deps) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              address,
		Handler:           NewRouter(deps),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	var (
		listener net.Listener
		addrType string
		err      error
	)
	if isUnixSocket {
		listener, err = setupUnixSocket(address)
		addrType = "UNIX socket"
	} else {
		listener, err = net.Listen("tcp", address)
		addrType = "HTTP"
	}
	if err != nil {
		return err
	}

	logger.Infow("starting api server", "type", addrType, "address", address)

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("api server shutdown", "error", err)
	}
	if isUnixSocket {
		cleanupUnixSocket(address)
	}
	return nil
}

func setupUnixSocket(address string) (net.Listener, error) {
	if _, err := os.Stat(address); err == nil {
		if err := os.Remove(address); err != nil {
			return nil, fmt.Errorf("removing existing socket: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(address), 0750); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}

	listener, err := net.Listen("unix", address)
	if err != nil {
		return nil, fmt.Errorf("creating UNIX socket listener: %w", err)
	}
	if err := os.Chmod(address, socketPermissions); err != nil {
		return nil, fmt.Errorf("setting socket permissions: %w", err)
	}
	return listener, nil
}

func cleanupUnixSocket(address string) {
	if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
		logger.Warnw("removing socket file", "error", err)
	}
}
