package inspector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/mcpfleet/mcpfleet/pkg/errors"
)

type fakeRuntime struct {
	env      map[string]string
	envErr   error
	exitCode int
	output   []byte
	execErr  error

	execs    atomic.Int32
	lastArgv []string
}

func (r *fakeRuntime) Env(context.Context, string) (map[string]string, error) {
	return r.env, r.envErr
}

func (r *fakeRuntime) Exec(_ context.Context, _ string, argv []string) (int, []byte, error) {
	r.execs.Add(1)
	r.lastArgv = argv
	return r.exitCode, r.output, r.execErr
}

func mcpServer(t *testing.T, results map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		method := gjson.GetBytes(body, "method").String()
		assert.Equal(t, int64(1), gjson.GetBytes(body, "id").Int())

		result, ok := results[method]
		if !ok {
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`)
			return
		}
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":%s}`, result)
	}))
}

func TestToolsViaAdvertisedEndpoint(t *testing.T) {
	srv := mcpServer(t, map[string]string{
		"tools/list": `{"tools":[{"name":"search"},{"name":"fetch"}]}`,
	})
	defer srv.Close()

	runtime := &fakeRuntime{env: map[string]string{"MCP_ENDPOINT": srv.URL}}
	insp := New(runtime)

	result, err := insp.Tools(context.Background(), "c-1")
	require.NoError(t, err)
	tools := gjson.GetBytes(result, "tools")
	assert.Equal(t, int64(2), int64(len(tools.Array())))
	assert.Equal(t, int32(0), runtime.execs.Load())
}

func TestConventionalPortDiscovery(t *testing.T) {
	srv := mcpServer(t, map[string]string{
		"resources/list": `{"resources":[]}`,
	})
	defer srv.Close()

	// No MCP_ENDPOINT: the second conventional port answers.
	runtime := &fakeRuntime{env: map[string]string{}}
	insp := New(runtime)
	attempts := 0
	insp.endpointForPort = func(port int) string {
		attempts++
		if port == 3000 {
			return srv.URL
		}
		return "http://127.0.0.1:1"
	}

	result, err := insp.Resources(context.Background(), "c-1")
	require.NoError(t, err)
	assert.True(t, gjson.GetBytes(result, "resources").Exists())
	assert.Equal(t, 3, attempts)
}

func TestCapabilitiesUnwrapsInitialize(t *testing.T) {
	srv := mcpServer(t, map[string]string{
		"initialize": `{"protocolVersion":"2025-03-26","capabilities":{"tools":{"listChanged":true}},"serverInfo":{"name":"demo"}}`,
	})
	defer srv.Close()

	insp := New(&fakeRuntime{env: map[string]string{"MCP_ENDPOINT": srv.URL}})
	result, err := insp.Capabilities(context.Background(), "c-1")
	require.NoError(t, err)
	assert.True(t, gjson.GetBytes(result, "tools.listChanged").Bool())
	assert.False(t, gjson.GetBytes(result, "serverInfo").Exists())
}

func TestExecFallback(t *testing.T) {
	runtime := &fakeRuntime{
		env:    map[string]string{},
		output: []byte(`{"prompts":[{"name":"greet"}]}`),
	}
	insp := New(runtime)
	insp.endpointForPort = func(int) string { return "http://127.0.0.1:1" }

	result, err := insp.Prompts(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, "greet", gjson.GetBytes(result, "prompts.0.name").String())
	assert.Equal(t, []string{"mcp", "prompts"}, runtime.lastArgv)
}

func TestExecFallbackEnvelope(t *testing.T) {
	runtime := &fakeRuntime{
		env:    map[string]string{},
		output: []byte(`{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`),
	}
	insp := New(runtime)
	insp.endpointForPort = func(int) string { return "http://127.0.0.1:1" }

	result, err := insp.Tools(context.Background(), "c-1")
	require.NoError(t, err)
	assert.True(t, gjson.GetBytes(result, "tools").Exists())
}

func TestExecFallbackNonZeroExit(t *testing.T) {
	runtime := &fakeRuntime{
		env:      map[string]string{},
		exitCode: 127,
		output:   []byte("mcp: not found"),
	}
	insp := New(runtime)
	insp.endpointForPort = func(int) string { return "http://127.0.0.1:1" }

	_, err := insp.Tools(context.Background(), "c-1")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.ErrInspector))
	appErr, ok := errors.As(err)
	require.True(t, ok)
	assert.NotEmpty(t, appErr.Detail["last_endpoint_error"])
}

func TestServerErrorEnvelope(t *testing.T) {
	srv := mcpServer(t, nil)
	defer srv.Close()

	insp := New(&fakeRuntime{
		env:      map[string]string{"MCP_ENDPOINT": srv.URL},
		exitCode: 1,
	})

	_, err := insp.Tools(context.Background(), "c-1")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.ErrInspector))
}
