package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"mcpgate/internal/authsvc"
	"mcpgate/internal/config"
	"mcpgate/internal/policy"
	"mcpgate/internal/registry"
	"mcpgate/internal/upstream"
	"mcpgate/pkg/logging"
	pkgstrings "mcpgate/pkg/strings"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/mcp"
)

// protocolVersion is advertised in the synthesized initialize reply.
const protocolVersion = "2024-11-05"

const (
	serverName    = "mcpgate"
	serverVersion = "1.0.0"
)

// maxErrorMessageLen caps upstream error text surfaced to clients so
// upstream internals never leak verbatim.
const maxErrorMessageLen = 200

// JSON-RPC error codes used by the dispatcher.
const (
	codeParseError     = -32700
	codeInvalidParams  = -32602
	codeMethodNotFound = -32601
	codeInternalError  = -32603
	codeServerError    = -32000
)

// FlowRecorder receives request-processing checkpoints. The returned
// node id lets later checkpoints chain to earlier ones; parentID is
// empty for the first checkpoint of a request. The events package
// provides the Redis-backed implementation.
type FlowRecorder interface {
	Record(ctx context.Context, flowID, userID, eventType, parentID string, payload map[string]interface{}) string
}

// NopFlowRecorder discards all checkpoints.
type NopFlowRecorder struct{}

// Record implements FlowRecorder.
func (NopFlowRecorder) Record(context.Context, string, string, string, string, map[string]interface{}) string {
	return ""
}

// Dispatcher is the JSON-RPC gateway request path.
type Dispatcher struct {
	registry  *registry.Registry
	sessions  *SessionCache
	validator authsvc.Validator
	store     config.Store
	blocks    BlockChecker
	flows     FlowRecorder
}

// NewDispatcher wires the request path. blocks and flows may be nil.
func NewDispatcher(reg *registry.Registry, sessions *SessionCache, validator authsvc.Validator, store config.Store, blocks BlockChecker, flows FlowRecorder) *Dispatcher {
	if blocks == nil {
		blocks = NopBlockChecker{}
	}
	if flows == nil {
		flows = NopFlowRecorder{}
	}
	return &Dispatcher{
		registry:  reg,
		sessions:  sessions,
		validator: validator,
		store:     store,
		blocks:    blocks,
		flows:     flows,
	}
}

// Routes mounts the gateway endpoints.
func (d *Dispatcher) Routes(r chi.Router) {
	r.Post("/mcp", d.handleSingle)
	r.Post("/mcp/stream", d.handleStream)
	r.Get("/healthz", d.handleHealthz)
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func resultResponse(id json.RawMessage, result interface{}) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, message string) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

// handleSingle serves the request/response endpoint: one JSON-RPC
// envelope in, one out.
func (d *Dispatcher) handleSingle(w http.ResponseWriter, r *http.Request) {
	sess, ok := d.authenticate(w, r)
	if !ok {
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, errorResponse(nil, codeParseError, "Parse error"))
		return
	}

	resp := d.dispatch(r.Context(), sess, &req)
	if resp == nil {
		// Notification: acknowledge with 202 and no body.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, resp)
}

// handleStream serves the streaming endpoint: newline-delimited
// JSON-RPC requests in, one newline-delimited frame per response out.
// Notifications produce no frame.
func (d *Dispatcher) handleStream(w http.ResponseWriter, r *http.Request) {
	sess, ok := d.authenticate(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	flusher, _ := w.(http.Flusher)

	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var req rpcRequest
		var resp *rpcResponse
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			resp = errorResponse(nil, codeParseError, "Parse error")
		} else {
			resp = d.dispatch(r.Context(), sess, &req)
		}
		if resp == nil {
			continue
		}

		frame, err := json.Marshal(resp)
		if err != nil {
			logging.Error("Gateway", err, "Failed to marshal stream frame")
			continue
		}
		if _, err := w.Write(append(frame, '\n')); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// handleHealthz reports gateway liveness plus the upstream pool state.
func (d *Dispatcher) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status":    "ok",
		"upstreams": d.registry.Statuses(),
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("Gateway", err, "Failed to encode response")
	}
}

// bearerToken extracts the opaque token from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return "", false
	}
	return token, true
}

// authenticate runs the inbound pipeline: bearer extraction, token
// validation (cache first), service-grant check and block check. On
// failure the response has already been written.
func (d *Dispatcher) authenticate(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	token, ok := bearerToken(r)
	if !ok {
		http.Error(w, "missing or malformed Authorization header", http.StatusUnauthorized)
		return nil, false
	}

	ctx := r.Context()
	sess, cached := d.sessions.Get(token)
	if !cached {
		var err error
		sess, err = d.establishSession(ctx, token)
		if err != nil {
			if errors.Is(err, authsvc.ErrInvalidToken) {
				http.Error(w, "invalid or expired token", http.StatusUnauthorized)
			} else {
				logging.Error("Gateway", err, "Token validation failed for %s", logging.TruncateToken(token))
				http.Error(w, "authorization service unavailable", http.StatusServiceUnavailable)
			}
			return nil, false
		}
	}

	if !sess.Context.HasGrant("mcp") {
		http.Error(w, "missing mcp service grant", http.StatusForbidden)
		return nil, false
	}

	blocked, err := d.blocks.IsBlocked(ctx, sess.UserID, "mcp")
	if err != nil {
		logBlockCheckFailure(sess.UserID, err)
	} else if blocked {
		http.Error(w, "user is blocked for mcp", http.StatusForbidden)
		return nil, false
	}

	return sess, true
}

// establishSession validates the token with the auth service, resolves
// the role policy from the store and caches the filtered view.
func (d *Dispatcher) establishSession(ctx context.Context, token string) (*Session, error) {
	identity, err := d.validator.Validate(ctx, token)
	if err != nil {
		return nil, err
	}

	grants := make(map[string]struct{}, len(identity.ServiceGrants))
	for _, g := range identity.ServiceGrants {
		grants[g] = struct{}{}
	}

	uc := &policy.UserContext{
		UserID:        identity.UserID,
		RoleName:      identity.RoleName,
		ServiceGrants: grants,
	}

	role, found, err := d.store.Role(ctx, identity.RoleName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve role %s: %w", identity.RoleName, err)
	}
	if !found {
		// Unknown role is a configuration error: deny everything but
		// keep the dispatcher alive.
		logging.Warn("Gateway", "Unknown role %q for user %s, denying all upstreams", identity.RoleName, identity.UserID)
	} else {
		uc.MCPAccess = policy.NormalizeAccess(role.MCPAccess)
		uc.ToolRestrictions = role.Restrictions()
	}

	visible := policy.VisibleUpstreams(uc.MCPAccess, d.registry.LoadedNames())
	tools := d.buildFilteredTools(uc, visible)

	logging.Debug("Gateway", "Session established for user %s (role %s): %d upstreams, %d tools",
		identity.UserID, identity.RoleName, len(visible), len(tools))
	return d.sessions.Set(token, identity.UserID, uc, visible, tools), nil
}

// buildFilteredTools materializes the user's combined tool catalog
// with mangled names and prefixed descriptions.
func (d *Dispatcher) buildFilteredTools(uc *policy.UserContext, visible []string) []mcp.Tool {
	var out []mcp.Tool
	for _, name := range visible {
		catalog, ok := d.registry.Catalog(name)
		if !ok {
			continue
		}
		for _, tool := range uc.FilterTools(name, catalog.Tools) {
			mangled, ok := Mangle(name, tool.Name)
			if !ok {
				logging.Warn("Gateway", "Dropping tool %q on %s: name not representable", tool.Name, name)
				continue
			}
			t := tool
			t.Name = mangled
			t.Description = fmt.Sprintf("[%s] %s", name, tool.Description)
			out = append(out, t)
		}
	}
	return out
}

// dispatch routes one JSON-RPC request. A nil response means the
// request was a notification.
func (d *Dispatcher) dispatch(ctx context.Context, sess *Session, req *rpcRequest) *rpcResponse {
	if strings.HasPrefix(req.Method, "notifications/") {
		return nil
	}

	reqNode := d.flows.Record(ctx, sess.FlowID, sess.UserID, "gateway_request", "", map[string]interface{}{
		"method": req.Method,
	})

	switch req.Method {
	case "initialize":
		return resultResponse(req.ID, map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
			"serverInfo": map[string]interface{}{
				"name":    serverName,
				"version": serverVersion,
			},
		})
	case "ping":
		return resultResponse(req.ID, map[string]interface{}{})
	case "tools/list":
		tools := sess.FilteredTools
		if tools == nil {
			tools = []mcp.Tool{}
		}
		return resultResponse(req.ID, map[string]interface{}{"tools": tools})
	case "tools/call":
		return d.handleToolCall(ctx, sess, req, reqNode)
	case "prompts/list":
		return resultResponse(req.ID, map[string]interface{}{"prompts": d.buildFilteredPrompts(sess)})
	case "prompts/get":
		return d.handlePromptGet(ctx, sess, req)
	case "resources/list":
		return resultResponse(req.ID, map[string]interface{}{"resources": d.buildFilteredResources(sess)})
	case "resources/read":
		return d.handleResourceRead(ctx, sess, req)
	case "resources/templates/list":
		return resultResponse(req.ID, map[string]interface{}{"resourceTemplates": []interface{}{}})
	case "logging/setLevel":
		return resultResponse(req.ID, map[string]interface{}{})
	default:
		return errorResponse(req.ID, codeMethodNotFound, "Method not found")
	}
}

// visible reports whether the upstream is part of the session's
// allowed set.
func (s *Session) visible(upstreamName string) bool {
	for _, name := range s.AvailableUpstreams {
		if name == upstreamName {
			return true
		}
	}
	return false
}

func (d *Dispatcher) handleToolCall(ctx context.Context, sess *Session, req *rpcRequest, parentNode string) *rpcResponse {
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return errorResponse(req.ID, codeInvalidParams, "Invalid params: missing tool name")
	}

	upstreamName, toolName, ok := Split(params.Name)
	if !ok {
		return errorResponse(req.ID, codeInvalidParams, "Invalid tool name: expected <mcp>__<tool>")
	}
	upstreamName = sess.ResolveUpstream(upstreamName)

	if !sess.visible(upstreamName) || !sess.Context.CanCallTool(upstreamName, toolName) {
		return errorResponse(req.ID, codeInternalError, "Permission denied")
	}

	start := time.Now()
	result, err := d.registry.CallTool(ctx, upstreamName, toolName, params.Arguments)
	d.flows.Record(ctx, sess.FlowID, sess.UserID, "tool_call", parentNode, map[string]interface{}{
		"mcp_name":    upstreamName,
		"tool_name":   toolName,
		"duration_ms": time.Since(start).Milliseconds(),
		"success":     err == nil,
	})
	if err != nil {
		return d.upstreamErrorResponse(req.ID, upstreamName, err)
	}

	return resultResponse(req.ID, map[string]interface{}{
		"content": convertContent(result.Content),
		"isError": result.IsError,
	})
}

func (d *Dispatcher) handlePromptGet(ctx context.Context, sess *Session, req *rpcRequest) *rpcResponse {
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return errorResponse(req.ID, codeInvalidParams, "Invalid params: missing prompt name")
	}

	upstreamName, promptName, ok := Split(params.Name)
	if !ok {
		return errorResponse(req.ID, codeInvalidParams, "Invalid prompt name: expected <mcp>__<prompt>")
	}
	upstreamName = sess.ResolveUpstream(upstreamName)

	if !sess.visible(upstreamName) || !sess.Context.CanGetPrompt(upstreamName, promptName) {
		return errorResponse(req.ID, codeInternalError, "Permission denied")
	}

	result, err := d.registry.GetPrompt(ctx, upstreamName, promptName, params.Arguments)
	if err != nil {
		return d.upstreamErrorResponse(req.ID, upstreamName, err)
	}

	messages := make([]map[string]interface{}, 0, len(result.Messages))
	for _, m := range result.Messages {
		messages = append(messages, map[string]interface{}{
			"role":    m.Role,
			"content": convertOneContent(m.Content),
		})
	}
	return resultResponse(req.ID, map[string]interface{}{"messages": messages})
}

func (d *Dispatcher) handleResourceRead(ctx context.Context, sess *Session, req *rpcRequest) *rpcResponse {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return errorResponse(req.ID, codeInvalidParams, "Invalid params: missing uri")
	}

	// The prefixed form is an opaque identifier, never parsed as a URI.
	upstreamName, uri, ok := Split(params.URI)
	if !ok {
		return errorResponse(req.ID, codeInvalidParams, "Invalid resource uri: expected <mcp>__<uri>")
	}
	upstreamName = sess.ResolveUpstream(upstreamName)

	if !sess.visible(upstreamName) || !sess.Context.CanReadResource(upstreamName, uri) {
		return errorResponse(req.ID, codeInternalError, "Permission denied")
	}

	result, err := d.registry.ReadResource(ctx, upstreamName, uri)
	if err != nil {
		return d.upstreamErrorResponse(req.ID, upstreamName, err)
	}

	contents := make([]map[string]interface{}, 0, len(result.Contents))
	for _, c := range result.Contents {
		switch rc := c.(type) {
		case mcp.TextResourceContents:
			contents = append(contents, map[string]interface{}{
				"uri":      rc.URI,
				"mimeType": rc.MIMEType,
				"text":     rc.Text,
			})
		case mcp.BlobResourceContents:
			contents = append(contents, map[string]interface{}{
				"uri":      rc.URI,
				"mimeType": rc.MIMEType,
				"blob":     rc.Blob,
			})
		}
	}
	return resultResponse(req.ID, map[string]interface{}{"contents": contents})
}

// upstreamErrorResponse maps registry call errors onto the wire.
func (d *Dispatcher) upstreamErrorResponse(id json.RawMessage, upstreamName string, err error) *rpcResponse {
	var unavailable *registry.UnavailableError
	if errors.As(err, &unavailable) {
		// Short-circuited by the breaker: a structured result, not an
		// error, so clients can schedule a retry.
		return resultResponse(id, map[string]interface{}{
			"status":              "unavailable",
			"circuit_state":       unavailable.CircuitState,
			"retry_after_seconds": int(unavailable.RetryAfter.Seconds()),
		})
	}

	var notLoaded *registry.NotLoadedError
	if errors.As(err, &notLoaded) {
		return errorResponse(id, codeInternalError, "MCP not available")
	}

	if me, ok := upstream.AsMCPError(err); ok {
		return errorResponse(id, codeServerError, safeErrorMessage(me.Message))
	}
	return errorResponse(id, codeServerError, safeErrorMessage(err.Error()))
}

// safeErrorMessage flattens and truncates upstream error text before
// it reaches external clients.
func safeErrorMessage(msg string) string {
	return pkgstrings.Truncate(msg, maxErrorMessageLen)
}

func (d *Dispatcher) buildFilteredPrompts(sess *Session) []map[string]interface{} {
	out := []map[string]interface{}{}
	for _, name := range sess.AvailableUpstreams {
		catalog, ok := d.registry.Catalog(name)
		if !ok {
			continue
		}
		for _, prompt := range sess.Context.FilterPrompts(name, catalog.Prompts) {
			mangled, ok := Mangle(name, prompt.Name)
			if !ok {
				logging.Warn("Gateway", "Dropping prompt %q on %s: name not representable", prompt.Name, name)
				continue
			}
			out = append(out, map[string]interface{}{
				"name":        mangled,
				"description": fmt.Sprintf("[%s] %s", name, prompt.Description),
				"arguments":   prompt.Arguments,
			})
		}
	}
	return out
}

func (d *Dispatcher) buildFilteredResources(sess *Session) []map[string]interface{} {
	out := []map[string]interface{}{}
	for _, name := range sess.AvailableUpstreams {
		catalog, ok := d.registry.Catalog(name)
		if !ok {
			continue
		}
		sanitized := SanitizeName(name)
		if sanitized == "" {
			continue
		}
		for _, res := range sess.Context.FilterResources(name, catalog.Resources) {
			// URIs are prefixed but otherwise untouched; the combined
			// form is an opaque identifier.
			out = append(out, map[string]interface{}{
				"uri":         sanitized + separator + res.URI,
				"name":        res.Name,
				"description": fmt.Sprintf("[%s] %s", name, res.Description),
				"mimeType":    res.MIMEType,
			})
		}
	}
	return out
}

// convertContent flattens tool result content blocks to plain maps.
func convertContent(content []mcp.Content) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(content))
	for _, c := range content {
		out = append(out, convertOneContent(c))
	}
	return out
}

func convertOneContent(c mcp.Content) map[string]interface{} {
	switch tc := c.(type) {
	case mcp.TextContent:
		m := map[string]interface{}{"type": "text", "text": tc.Text}
		return m
	default:
		// Non-text blocks pass through their own JSON shape.
		raw, err := json.Marshal(c)
		if err != nil {
			return map[string]interface{}{"type": "text", "text": ""}
		}
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err != nil {
			return map[string]interface{}{"type": "text", "text": ""}
		}
		return m
	}
}
