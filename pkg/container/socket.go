package container

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"

	"github.com/mcpfleet/mcpfleet/pkg/logger"
)

// defaultSocketPath is the system-wide runtime socket.
const defaultSocketPath = "/var/run/docker.sock"

// findSocket resolves the runtime socket path. A configured path is used as
// given (and must exist); otherwise the rootless locations are probed before
// falling back to the system socket.
func findSocket(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("invalid container socket path: %w", err)
		}
		return configured, nil
	}

	var candidates []string
	if xdg.RuntimeDir != "" {
		candidates = append(candidates, filepath.Join(xdg.RuntimeDir, "docker.sock"))
	}
	candidates = append(candidates,
		fmt.Sprintf("/run/user/%d/docker.sock", os.Getuid()),
		defaultSocketPath,
	)

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			logger.Debugf("Found container socket at %s", path)
			return path, nil
		}
	}
	return "", fmt.Errorf("container socket not found in standard locations")
}
