package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// sessionHeader is the MCP session header echoed on every request
// after initialize.
const sessionHeader = "Mcp-Session-Id"

// Prober issues hand-built JSON-RPC requests against an upstream MCP
// endpoint. It exists for security probing: verifying that the
// upstream enforces its auth, and that it survives malformed payloads.
// It never goes through the session-holding client.
type Prober struct {
	baseURL   string
	auth      AuthConfig
	http      *http.Client
	sessionID string
	nextID    atomic.Int64
}

// ProbeResult is the parsed JSON-RPC envelope of one probe, along with
// the HTTP status it rode in on.
type ProbeResult struct {
	HTTPStatus int
	Result     json.RawMessage
	Err        *MCPError
}

// NewProber creates a prober for the given endpoint. The URL should
// include the /mcp path.
func NewProber(baseURL string, auth AuthConfig, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Prober{
		baseURL: baseURL,
		auth:    auth,
		http:    &http.Client{Timeout: timeout},
	}
}

// Initialize performs the MCP handshake and captures the session id
// for subsequent probes.
func (p *Prober) Initialize(ctx context.Context) (*ProbeResult, error) {
	res, err := p.Call(ctx, "initialize", map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    clientName,
			"version": clientVersion,
		},
	})
	return res, err
}

// Call sends one JSON-RPC request with the configured auth headers.
func (p *Prober) Call(ctx context.Context, method string, params map[string]interface{}) (*ProbeResult, error) {
	return p.call(ctx, method, params, true)
}

// CallWithoutAuth sends one JSON-RPC request with the auth header
// deliberately omitted, to check the upstream rejects it.
func (p *Prober) CallWithoutAuth(ctx context.Context, method string, params map[string]interface{}) (*ProbeResult, error) {
	return p.call(ctx, method, params, false)
}

func (p *Prober) call(ctx context.Context, method string, params map[string]interface{}, withAuth bool) (*ProbeResult, error) {
	envelope := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"id":      p.nextID.Add(1),
	}
	if params != nil {
		envelope["params"] = params
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return p.SendRaw(ctx, body, withAuth)
}

// SendRaw posts arbitrary bytes as the request body. Used to probe how
// the upstream handles deliberately malformed payloads.
func (p *Prober) SendRaw(ctx context.Context, payload []byte, withAuth bool) (*ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if p.sessionID != "" {
		req.Header.Set(sessionHeader, p.sessionID)
	}
	if withAuth {
		for k, v := range p.auth.Headers() {
			req.Header.Set(k, v)
		}
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, &ConnectError{URL: p.baseURL, Err: err}
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get(sessionHeader); sid != "" {
		p.sessionID = sid
	}

	result := &ProbeResult{HTTPStatus: resp.StatusCode}

	envelope, err := decodeEnvelope(resp)
	if err != nil {
		// Non-JSON-RPC answers (404 pages, auth challenges) are a
		// legitimate probe outcome, not a prober failure.
		return result, nil
	}

	result.Result = envelope.Result
	if envelope.Error != nil {
		result.Err = &MCPError{Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	return result, nil
}

// SessionID returns the captured mcp-session-id, or "".
func (p *Prober) SessionID() string { return p.sessionID }

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// decodeEnvelope accepts either a plain JSON body or an SSE stream in
// which one "data: " line carries the JSON-RPC envelope.
func decodeEnvelope(resp *http.Response) (*rpcEnvelope, error) {
	contentType := resp.Header.Get("Content-Type")

	if strings.HasPrefix(contentType, "text/event-stream") {
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				var env rpcEnvelope
				if err := json.Unmarshal([]byte(data), &env); err != nil {
					return nil, fmt.Errorf("failed to decode SSE data line: %w", err)
				}
				return &env, nil
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("no data line in SSE response")
	}

	var env rpcEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	return &env, nil
}
