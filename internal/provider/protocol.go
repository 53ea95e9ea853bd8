package provider

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	jsonrpcVersion = "2.0"

	methodInitialize  = string(mcp.MethodInitialize)
	methodInitialized = "notifications/initialized"
	methodToolsList   = string(mcp.MethodToolsList)
	methodToolsCall   = string(mcp.MethodToolsCall)
	methodPing        = string(mcp.MethodPing)

	codeMethodNotFound = -32601
)

// request is an outgoing call or, with a nil ID, a notification.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// reply answers a server-initiated request.
type reply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// message is any incoming line: a response, a notification or a
// server-initiated request.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (m *message) hasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
}

// numericID returns the id as an integer; ids we did not issue (strings,
// fractions) report false.
func (m *message) numericID() (int64, bool) {
	if !m.hasID() {
		return 0, false
	}
	var id int64
	if err := json.Unmarshal(m.ID, &id); err != nil {
		return 0, false
	}
	return id, true
}

// RPCError is an error object returned by a provider.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

type initializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    mcp.ClientCapabilities `json:"capabilities"`
	ClientInfo      mcp.Implementation     `json:"clientInfo"`
}

type listToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

type listToolsResult struct {
	Tools      []wireTool `json:"tools"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// wireTool keeps the input schema raw so nothing the provider advertises is
// lost before validation or before it is handed to the reasoning service.
type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type callToolResult struct {
	Content []contentFragment `json:"content"`
	IsError bool              `json:"isError,omitempty"`
}

type contentFragment struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}
