package remote

import (
	"context"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

const dialTimeout = 30 * time.Second

// bearerRoundTripper adds the credential's access token to every request.
type bearerRoundTripper struct {
	base  http.RoundTripper
	token string
}

func (b *bearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if b.token != "" {
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	return b.base.RoundTrip(req)
}

// SSEDialer opens MCP sessions over SSE transport.
type SSEDialer struct {
	base http.RoundTripper
}

// NewSSEDialer returns a dialer. A nil transport uses http.DefaultTransport.
func NewSSEDialer(base http.RoundTripper) *SSEDialer {
	if base == nil {
		base = http.DefaultTransport
	}
	return &SSEDialer{base: base}
}

// Dial opens and starts an SSE client session against the endpoint.
func (d *SSEDialer) Dial(ctx context.Context, endpoint, bearerToken string) (MCPSession, error) {
	httpClient := &http.Client{
		Transport: &bearerRoundTripper{base: d.base, token: bearerToken},
		Timeout:   dialTimeout,
	}

	c, err := client.NewSSEMCPClient(endpoint, transport.WithHTTPClient(httpClient))
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return &sseSession{client: c}, nil
}

type sseSession struct {
	client *client.Client
}

func (s *sseSession) Initialize(ctx context.Context) (Capabilities, error) {
	result, err := s.client.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "mcpfleet",
				Version: "0.1.0",
			},
		},
	})
	if err != nil {
		return Capabilities{}, err
	}
	return Capabilities{
		Tools:      result.Capabilities.Tools != nil,
		Resources:  result.Capabilities.Resources != nil,
		Prompts:    result.Capabilities.Prompts != nil,
		ServerName: result.ServerInfo.Name,
	}, nil
}

func (s *sseSession) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

func (s *sseSession) Close() error {
	return s.client.Close()
}
