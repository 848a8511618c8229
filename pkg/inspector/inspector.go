// Package inspector queries a workload container's MCP surface: tool,
// resource, and prompt listings plus the advertised capabilities. It talks
// JSON-RPC to an HTTP endpoint discovered from the container, falling back
// to the `mcp` CLI executed inside the container when no endpoint answers.
package inspector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/mcpfleet/mcpfleet/pkg/errors"
	"github.com/mcpfleet/mcpfleet/pkg/logger"
)

// endpointEnvVar names the env var a container can set to advertise its
// MCP endpoint directly.
const endpointEnvVar = "MCP_ENDPOINT"

// conventionalPorts are probed on the local host when the container does
// not advertise an endpoint.
var conventionalPorts = []int{8080, 3000, 5000}

const (
	defaultHTTPTimeout = 10 * time.Second
	maxResponseBytes   = 4 << 20
)

// Runtime is the slice of the container supervisor the inspector drives.
type Runtime interface {
	Env(ctx context.Context, containerID string) (map[string]string, error)
	Exec(ctx context.Context, containerID string, argv []string) (int, []byte, error)
}

// Inspector resolves MCP listings for a container.
type Inspector struct {
	runtime Runtime
	client  *http.Client

	// endpointForPort builds a candidate URL for a conventional port.
	// Overridable in tests.
	endpointForPort func(port int) string
}

// New returns an inspector over the given container runtime.
func New(runtime Runtime) *Inspector {
	return &Inspector{
		runtime: runtime,
		client:  &http.Client{Timeout: defaultHTTPTimeout},
		endpointForPort: func(port int) string {
			return fmt.Sprintf("http://localhost:%d", port)
		},
	}
}

// Tools lists the container's MCP tools.
func (i *Inspector) Tools(ctx context.Context, containerID string) (json.RawMessage, error) {
	return i.query(ctx, containerID, "tools/list", "tools")
}

// Resources lists the container's MCP resources.
func (i *Inspector) Resources(ctx context.Context, containerID string) (json.RawMessage, error) {
	return i.query(ctx, containerID, "resources/list", "resources")
}

// Prompts lists the container's MCP prompts.
func (i *Inspector) Prompts(ctx context.Context, containerID string) (json.RawMessage, error) {
	return i.query(ctx, containerID, "prompts/list", "prompts")
}

// Capabilities returns the capabilities block from the server's initialize
// response.
func (i *Inspector) Capabilities(ctx context.Context, containerID string) (json.RawMessage, error) {
	result, err := i.query(ctx, containerID, "initialize", "capabilities")
	if err != nil {
		return nil, err
	}
	if caps := gjson.GetBytes(result, "capabilities"); caps.Exists() {
		return json.RawMessage(caps.Raw), nil
	}
	return result, nil
}

// query tries every candidate HTTP endpoint in order, then the in-container
// CLI. cliSubcommand is the `mcp <subcommand>` spelling of the same listing.
func (i *Inspector) query(ctx context.Context, containerID, method, cliSubcommand string) (json.RawMessage, error) {
	endpoints, err := i.candidateEndpoints(ctx, containerID)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, endpoint := range endpoints {
		result, err := i.rpc(ctx, endpoint, method)
		if err == nil {
			return result, nil
		}
		lastErr = err
		logger.Debugw("inspector endpoint did not answer", "container_id", containerID,
			"endpoint", endpoint, "error", err)
	}

	result, execErr := i.execCLI(ctx, containerID, cliSubcommand)
	if execErr == nil {
		return result, nil
	}
	if lastErr != nil {
		return nil, errors.New(errors.ErrInspector,
			"no MCP endpoint answered and the mcp CLI fallback failed", execErr).
			WithDetail("last_endpoint_error", lastErr.Error())
	}
	return nil, execErr
}

// candidateEndpoints returns the MCP_ENDPOINT value when set, otherwise the
// conventional local ports.
func (i *Inspector) candidateEndpoints(ctx context.Context, containerID string) ([]string, error) {
	env, err := i.runtime.Env(ctx, containerID)
	if err != nil {
		return nil, err
	}
	if endpoint := env[endpointEnvVar]; endpoint != "" {
		return []string{endpoint}, nil
	}

	endpoints := make([]string, 0, len(conventionalPorts))
	for _, port := range conventionalPorts {
		endpoints = append(endpoints, i.endpointForPort(port))
	}
	return endpoints, nil
}

// rpc posts one JSON-RPC request (id=1) and returns the result payload.
func (i *Inspector) rpc(ctx context.Context, endpoint, method string) (json.RawMessage, error) {
	payload, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.New(errors.ErrInspector, "building inspector request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, errors.New(errors.ErrInspector, "MCP endpoint unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.New(errors.ErrInspector, "reading MCP response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Newf(errors.ErrInspector, "MCP endpoint returned %d", resp.StatusCode)
	}
	return extractResult(body)
}

// execCLI runs `mcp <subcommand>` inside the container and parses its
// stdout as either a JSON-RPC envelope or a bare result object.
func (i *Inspector) execCLI(ctx context.Context, containerID, subcommand string) (json.RawMessage, error) {
	exitCode, output, err := i.runtime.Exec(ctx, containerID, []string{"mcp", subcommand})
	if err != nil {
		return nil, errors.New(errors.ErrInspector, "executing mcp CLI in container", err)
	}
	if exitCode != 0 {
		return nil, errors.Newf(errors.ErrInspector, "mcp %s exited with code %d", subcommand, exitCode).
			WithDetail("output", truncate(string(output), 512))
	}

	if gjson.ValidBytes(output) && gjson.GetBytes(output, "result").Exists() {
		return extractResult(output)
	}
	if !gjson.ValidBytes(output) {
		return nil, errors.Newf(errors.ErrInspector, "mcp %s produced malformed output", subcommand)
	}
	return json.RawMessage(bytes.TrimSpace(output)), nil
}

// extractResult validates a JSON-RPC envelope and returns its result.
func extractResult(body []byte) (json.RawMessage, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New(errors.ErrInspector, "MCP response is not valid JSON", nil)
	}
	if rpcErr := gjson.GetBytes(body, "error"); rpcErr.Exists() {
		return nil, errors.Newf(errors.ErrInspector, "MCP server returned an error: %s",
			rpcErr.Get("message").String())
	}
	result := gjson.GetBytes(body, "result")
	if !result.Exists() {
		return nil, errors.New(errors.ErrInspector, "MCP response carries no result", nil)
	}
	return json.RawMessage(result.Raw), nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
