// Package provider manages external tool providers: subprocesses that speak
// newline-delimited JSON-RPC 2.0 over stdio using the MCP tool methods.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kalambet/seabone/internal/tools"
)

// DefaultTimeout bounds a single request when the provider Spec sets none.
const DefaultTimeout = 30 * time.Second

const maxListPages = 10

var (
	ErrNotRunning = errors.New("provider not running")
	ErrHandshake  = errors.New("provider handshake failed")
	ErrTimeout    = errors.New("provider request timed out")
	ErrExited     = errors.New("provider exited")
)

// clientVersion is reported to providers in the initialize handshake.
var clientVersion = "dev"

// SetClientVersion overrides the version sent during the handshake.
func SetClientVersion(v string) {
	if v != "" {
		clientVersion = v
	}
}

// State is the lifecycle state of a connection.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateDead     State = "dead"
)

// Spec describes how to launch one provider.
type Spec struct {
	Name        string
	Command     string
	Args        []string
	Env         map[string]string
	Dir         string
	Description string
	Timeout     time.Duration
	Enabled     bool
}

// Tool is one entry of a provider's catalog.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage

	schema *jsonschema.Schema
}

// Connection owns one provider subprocess. Calls are serialized: a provider
// sees at most one outstanding request from us at a time.
type Connection struct {
	spec   Spec
	logger *slog.Logger

	life sync.Mutex // serializes Start, Stop and Restart
	call sync.Mutex // serializes requests

	mu     sync.Mutex
	proc   *process
	state  State
	tools  []Tool
	nextID int64
}

// NewConnection returns a stopped connection for spec.
func NewConnection(spec Spec, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	if spec.Timeout <= 0 {
		spec.Timeout = DefaultTimeout
	}
	return &Connection{
		spec:   spec,
		logger: logger.With("provider", spec.Name),
		state:  StateStopped,
	}
}

// Name returns the provider name.
func (c *Connection) Name() string { return c.spec.Name }

// Spec returns the launch spec.
func (c *Connection) Spec() Spec { return c.spec }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Tools returns a copy of the tool catalog from the last handshake.
func (c *Connection) Tools() []Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Tool(nil), c.tools...)
}

// Tool looks up one catalog entry by its provider-local name.
func (c *Connection) Tool(name string) (Tool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// Alive reports whether the subprocess is running, has not missed a
// deadline, and completed its handshake.
func (c *Connection) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proc != nil && c.proc.alive() && c.state == StateReady
}

// PID returns the process id of the running subprocess, or 0.
func (c *Connection) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc == nil || c.proc.cmd.Process == nil {
		return 0
	}
	return c.proc.cmd.Process.Pid
}

// Start launches the subprocess and performs the handshake. A connection
// that is already ready is left alone.
func (c *Connection) Start(ctx context.Context) error {
	c.life.Lock()
	defer c.life.Unlock()
	return c.start(ctx)
}

func (c *Connection) start(ctx context.Context) error {
	c.mu.Lock()
	if c.proc != nil && c.proc.alive() && c.state == StateReady {
		c.mu.Unlock()
		return nil
	}
	old := c.proc
	c.proc = nil
	c.state = StateStarting
	c.tools = nil
	c.mu.Unlock()

	if old != nil {
		old.terminate()
	}

	proc, err := spawn(c.spec, c.logger)
	if err != nil {
		c.setState(StateDead)
		return err
	}
	c.mu.Lock()
	c.proc = proc
	c.mu.Unlock()

	catalog, err := c.handshake(ctx)
	if err != nil {
		proc.terminate()
		c.mu.Lock()
		c.proc = nil
		c.state = StateDead
		c.mu.Unlock()
		return fmt.Errorf("%w: %s: %w", ErrHandshake, c.spec.Name, err)
	}

	c.mu.Lock()
	c.tools = catalog
	c.state = StateReady
	c.mu.Unlock()
	c.logger.Info("provider ready", "pid", proc.cmd.Process.Pid, "tools", len(catalog))
	return nil
}

// Stop terminates the subprocess. It is safe to call on a stopped
// connection.
func (c *Connection) Stop() {
	c.life.Lock()
	defer c.life.Unlock()
	c.stop()
}

func (c *Connection) stop() {
	c.mu.Lock()
	proc := c.proc
	c.proc = nil
	c.tools = nil
	c.state = StateStopped
	c.mu.Unlock()

	if proc != nil {
		proc.terminate()
		c.logger.Info("provider stopped")
	}
}

// Restart stops and starts the subprocess unconditionally.
func (c *Connection) Restart(ctx context.Context) error {
	c.life.Lock()
	defer c.life.Unlock()
	return c.restart(ctx)
}

// restartIfDead restarts the connection unless another caller already
// brought it back while this one waited for the lifecycle lock.
func (c *Connection) restartIfDead(ctx context.Context) error {
	c.life.Lock()
	defer c.life.Unlock()
	if c.Alive() {
		return nil
	}
	return c.restart(ctx)
}

func (c *Connection) restart(ctx context.Context) error {
	c.logger.Warn("restarting provider")
	c.stop()
	if err := c.start(ctx); err != nil {
		c.logger.Error("provider restart failed", "error", err)
		return err
	}
	return nil
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) handshake(ctx context.Context) ([]Tool, error) {
	params := initializeParams{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo:      mcp.Implementation{Name: "seabone", Version: clientVersion},
	}
	if _, err := c.request(ctx, methodInitialize, params); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if err := c.notify(methodInitialized, nil); err != nil {
		return nil, fmt.Errorf("initialized notification: %w", err)
	}

	catalog, err := c.listTools(ctx)
	if err != nil {
		// A provider without a usable catalog still counts as started.
		c.logger.Warn("listing tools failed", "error", err)
		return nil, nil
	}
	return catalog, nil
}

func (c *Connection) listTools(ctx context.Context) ([]Tool, error) {
	var out []Tool
	cursor := ""
	for page := 0; page < maxListPages; page++ {
		raw, err := c.request(ctx, methodToolsList, listToolsParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		var res listToolsResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("decoding tools/list result: %w", err)
		}
		for _, wt := range res.Tools {
			if wt.Name == "" {
				continue
			}
			t := Tool{Name: wt.Name, Description: wt.Description, InputSchema: wt.InputSchema}
			s, err := tools.CompileSchema(c.spec.Name+"/"+wt.Name, wt.InputSchema)
			if err != nil {
				c.logger.Warn("tool schema does not compile, arguments will not be validated", "tool", wt.Name, "error", err)
			}
			t.schema = s
			out = append(out, t)
		}
		if res.NextCursor == "" {
			return out, nil
		}
		cursor = res.NextCursor
	}
	c.logger.Warn("tools/list pagination truncated", "pages", maxListPages)
	return out, nil
}

// CallTool invokes a tool and flattens its text content. A result flagged
// as an error comes back as text with the error prefix, not as an error.
func (c *Connection) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := c.request(ctx, methodToolsCall, callToolParams{Name: name, Arguments: args})
	if err != nil {
		return "", err
	}
	var res callToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("decoding tools/call result: %w", err)
	}

	var parts []string
	for _, frag := range res.Content {
		if frag.Type == "text" && frag.Text != "" {
			parts = append(parts, frag.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if text == "" {
		text = "(no output)"
	}
	if res.IsError {
		return tools.ErrorPrefix + text, nil
	}
	return text, nil
}

// Validate checks args against the named tool's input schema.
func (t Tool) Validate(args map[string]any) error {
	return tools.Validate(t.schema, args)
}

func (c *Connection) notify(method string, params any) error {
	c.mu.Lock()
	proc := c.proc
	c.mu.Unlock()
	if proc == nil {
		return ErrNotRunning
	}
	return proc.send(request{JSONRPC: jsonrpcVersion, Method: method, Params: params})
}

// request sends one call and waits for the reply with the matching id.
// Replies to earlier, abandoned calls are discarded. Missing the deadline
// marks the process unresponsive so the next caller restarts it.
func (c *Connection) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.call.Lock()
	defer c.call.Unlock()

	c.mu.Lock()
	proc := c.proc
	c.nextID++
	id := c.nextID
	c.mu.Unlock()
	if proc == nil {
		return nil, ErrNotRunning
	}
	if proc.hasExited() {
		return nil, ErrExited
	}

	if err := proc.send(request{JSONRPC: jsonrpcVersion, ID: &id, Method: method, Params: params}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.spec.Timeout)
	defer timer.Stop()
	for {
		select {
		case msg, ok := <-proc.responses:
			if !ok {
				return nil, fmt.Errorf("%w while waiting for %s", ErrExited, method)
			}
			got, ok := msg.numericID()
			if !ok || got != id {
				c.logger.Debug("discarding stale reply", "id", string(msg.ID), "want", id)
				continue
			}
			if msg.Error != nil {
				return nil, msg.Error
			}
			return msg.Result, nil
		case <-timer.C:
			proc.unresponsive.Store(true)
			c.logger.Warn("provider request timed out", "method", method, "timeout", c.spec.Timeout)
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, method, c.spec.Timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
