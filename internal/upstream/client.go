package upstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mcpgate/pkg/logging"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// protocolVersion is the MCP protocol revision this gateway speaks to
// its upstreams.
const protocolVersion = "2024-11-05"

const (
	clientName    = "mcpgate"
	clientVersion = "1.0.0"
)

// AuthKind selects how the gateway authenticates against an upstream.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthBearer AuthKind = "bearer"
	AuthAPIKey AuthKind = "api_key"
)

// AuthConfig carries the upstream credential.
type AuthConfig struct {
	Kind   AuthKind `yaml:"kind"`
	Secret string   `yaml:"secret"`
}

// Headers renders the auth header set for HTTP transports.
func (a AuthConfig) Headers() map[string]string {
	switch a.Kind {
	case AuthBearer:
		return map[string]string{"Authorization": "Bearer " + a.Secret}
	case AuthAPIKey:
		return map[string]string{"X-API-Key": a.Secret}
	default:
		return nil
	}
}

// Client is the interface the registry programs against. Both HTTP
// transports implement it.
type Client interface {
	// Initialize establishes the connection and performs the protocol
	// handshake. Transport failures surface as *ConnectError.
	Initialize(ctx context.Context) error

	// Close cleanly shuts down the client connection.
	Close() error

	// SessionID returns the protocol-level session identifier assigned
	// by the upstream, or "" before Initialize.
	SessionID() string

	// ListTools returns all available tools from the server.
	ListTools(ctx context.Context) ([]mcp.Tool, error)

	// CallTool executes a specific tool and returns the result.
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)

	// ListPrompts returns all available prompts from the server.
	ListPrompts(ctx context.Context) ([]mcp.Prompt, error)

	// GetPrompt retrieves a specific prompt.
	GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error)

	// ListResources returns all available resources from the server.
	ListResources(ctx context.Context) ([]mcp.Resource, error)

	// ReadResource retrieves a specific resource.
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)

	// Ping checks if the server is responsive.
	Ping(ctx context.Context) error
}

// Transport names accepted in upstream configuration.
const (
	TransportStreamableHTTP = "http-streamable"
	TransportSSE            = "sse"
)

// NewClient builds a client for the given transport name.
func NewClient(transportName, url string, auth AuthConfig, timeout time.Duration) (Client, error) {
	switch transportName {
	case TransportStreamableHTTP, "":
		return NewStreamableHTTPClient(url, auth, timeout), nil
	case TransportSSE:
		return NewSSEClient(url, auth, timeout), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", transportName)
	}
}

// httpClient is the shared implementation behind both HTTP transports.
type httpClient struct {
	url       string
	auth      AuthConfig
	timeout   time.Duration
	transport string

	mu        sync.RWMutex
	client    client.MCPClient
	sessionID string
	connected bool
}

// StreamableHTTPClient speaks MCP over the streamable-http transport:
// every request is a POST to <base>/mcp carrying the mcp-session-id
// header assigned during initialize.
type StreamableHTTPClient struct {
	httpClient
}

// NewStreamableHTTPClient creates a streamable-http client. The
// timeout bounds every individual call.
func NewStreamableHTTPClient(url string, auth AuthConfig, timeout time.Duration) *StreamableHTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &StreamableHTTPClient{httpClient{
		url:       url,
		auth:      auth,
		timeout:   timeout,
		transport: TransportStreamableHTTP,
	}}
}

// SSEClient speaks MCP over the SSE transport.
type SSEClient struct {
	httpClient
}

// NewSSEClient creates an SSE client.
func NewSSEClient(url string, auth AuthConfig, timeout time.Duration) *SSEClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SSEClient{httpClient{
		url:       url,
		auth:      auth,
		timeout:   timeout,
		transport: TransportSSE,
	}}
}

// Initialize establishes the connection and performs the protocol
// handshake.
func (c *httpClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	logging.Debug("UpstreamClient", "Creating %s client for URL: %s", c.transport, c.url)

	var mcpClient client.MCPClient
	var err error

	switch c.transport {
	case TransportSSE:
		var opts []transport.ClientOption
		if headers := c.auth.Headers(); len(headers) > 0 {
			opts = append(opts, transport.WithHeaders(headers))
		}
		mcpClient, err = client.NewSSEMCPClient(c.url, opts...)
	default:
		var opts []transport.StreamableHTTPCOption
		if headers := c.auth.Headers(); len(headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(headers))
		}
		opts = append(opts, transport.WithHTTPTimeout(c.timeout))
		mcpClient, err = client.NewStreamableHttpClient(c.url, opts...)
	}
	if err != nil {
		return &ConnectError{URL: c.url, Err: err}
	}

	if c.transport == TransportSSE {
		if err := mcpClient.(*client.Client).Start(ctx); err != nil {
			mcpClient.Close()
			return &ConnectError{URL: c.url, Err: err}
		}
	}

	initCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	initResult, err := mcpClient.Initialize(initCtx, mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: protocolVersion,
			ClientInfo: mcp.Implementation{
				Name:    clientName,
				Version: clientVersion,
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		mcpClient.Close()
		if _, isRPC := AsMCPError(err); isRPC {
			return fmt.Errorf("failed to initialize MCP protocol: %w", err)
		}
		return &ConnectError{URL: c.url, Err: err}
	}

	c.client = mcpClient
	c.connected = true

	if concrete, ok := mcpClient.(*client.Client); ok {
		c.sessionID = concrete.GetSessionId()
	}

	logging.Debug("UpstreamClient", "%s client initialized. Server: %s, Version: %s",
		c.transport, initResult.ServerInfo.Name, initResult.ServerInfo.Version)

	return nil
}

// Close cleanly shuts down the client connection.
func (c *httpClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.connected = false
	c.client = nil
	c.sessionID = ""

	return err
}

// SessionID returns the protocol-level session identifier.
func (c *httpClient) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// conn returns the live client or an error when not connected.
func (c *httpClient) conn() (client.MCPClient, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected || c.client == nil {
		return nil, fmt.Errorf("client not connected")
	}
	return c.client, nil
}

func (c *httpClient) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// ListTools returns all available tools from the server.
func (c *httpClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	conn, err := c.conn()
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	result, err := conn.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	return result.Tools, nil
}

// CallTool executes a specific tool and returns the result.
func (c *httpClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	conn, err := c.conn()
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	result, err := conn.CallTool(ctx, mcp.CallToolRequest{
		Params: struct {
			Name      string    `json:"name"`
			Arguments any       `json:"arguments,omitempty"`
			Meta      *mcp.Meta `json:"_meta,omitempty"`
		}{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListPrompts returns all available prompts from the server.
func (c *httpClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	conn, err := c.conn()
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	result, err := conn.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return nil, err
	}
	return result.Prompts, nil
}

// GetPrompt retrieves a specific prompt.
func (c *httpClient) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	conn, err := c.conn()
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	// The prompt API takes string arguments only.
	stringArgs := make(map[string]string, len(args))
	for k, v := range args {
		if str, ok := v.(string); ok {
			stringArgs[k] = str
		} else {
			stringArgs[k] = fmt.Sprintf("%v", v)
		}
	}

	result, err := conn.GetPrompt(ctx, mcp.GetPromptRequest{
		Params: struct {
			Name      string            `json:"name"`
			Arguments map[string]string `json:"arguments,omitempty"`
		}{
			Name:      name,
			Arguments: stringArgs,
		},
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListResources returns all available resources from the server.
func (c *httpClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	conn, err := c.conn()
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	result, err := conn.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, err
	}
	return result.Resources, nil
}

// ReadResource retrieves a specific resource.
func (c *httpClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	conn, err := c.conn()
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	result, err := conn.ReadResource(ctx, mcp.ReadResourceRequest{
		Params: struct {
			URI       string         `json:"uri"`
			Arguments map[string]any `json:"arguments,omitempty"`
		}{
			URI: uri,
		},
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Ping checks if the server is responsive.
func (c *httpClient) Ping(ctx context.Context) error {
	conn, err := c.conn()
	if err != nil {
		return err
	}

	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	return conn.Ping(ctx)
}
