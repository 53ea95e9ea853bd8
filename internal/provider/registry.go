package provider

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/seabone/internal/tools"
)

// NamePrefix starts every namespaced provider tool name.
const NamePrefix = "mcp_"

// Health is a point-in-time view of one provider.
type Health struct {
	Name        string `json:"name"`
	State       State  `json:"state"`
	Alive       bool   `json:"alive"`
	Tools       int    `json:"tools"`
	Description string `json:"description,omitempty"`
}

// Registry owns every provider connection and routes namespaced tool calls
// to them.
type Registry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger, conns: make(map[string]*Connection)}
}

// StartAll launches every enabled spec concurrently. Only providers that
// complete the handshake are registered; a failure is logged and leaves that
// provider absent without stopping the others. It returns the number of
// providers that came up.
func (r *Registry) StartAll(ctx context.Context, specs []Spec) int {
	var pending []*Connection
	seen := make(map[string]bool)
	r.mu.RLock()
	for _, spec := range specs {
		if !spec.Enabled {
			r.logger.Info("provider disabled, skipping", "provider", spec.Name)
			continue
		}
		if spec.Command == "" {
			r.logger.Warn("provider has no command, skipping", "provider", spec.Name)
			continue
		}
		if _, exists := r.conns[spec.Name]; exists || seen[spec.Name] {
			r.logger.Warn("provider already registered", "provider", spec.Name)
			continue
		}
		seen[spec.Name] = true
		pending = append(pending, NewConnection(spec, r.logger))
	}
	r.mu.RUnlock()

	var (
		g     errgroup.Group
		mu    sync.Mutex
		ready []*Connection
	)
	for _, c := range pending {
		g.Go(func() error {
			if err := c.Start(ctx); err != nil {
				r.logger.Error("provider failed to start", "provider", c.Name(), "error", err)
				c.Stop()
				return nil
			}
			mu.Lock()
			ready = append(ready, c)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	r.mu.Lock()
	for _, c := range ready {
		r.conns[c.Name()] = c
	}
	r.mu.Unlock()

	r.logger.Info("providers started", "ready", len(ready), "configured", len(pending))
	return len(ready)
}

// StopAll terminates every provider and empties the registry.
func (r *Registry) StopAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*Connection)
	r.mu.Unlock()

	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error {
			c.Stop()
			return nil
		})
	}
	g.Wait()
}

// Connection returns the named provider.
func (r *Registry) Connection(name string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[name]
	return c, ok
}

func (r *Registry) sorted() []*Connection {
	r.mu.RLock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// ToolName namespaces a provider-local tool name.
func ToolName(provider, tool string) string {
	return NamePrefix + provider + "_" + tool
}

// Tools returns the namespaced catalog of every live provider.
func (r *Registry) Tools() []tools.Descriptor {
	var out []tools.Descriptor
	for _, c := range r.sorted() {
		if !c.Alive() {
			continue
		}
		for _, t := range c.Tools() {
			desc := strings.TrimSpace(t.Description + " [MCP: " + c.Name() + "]")
			params := t.InputSchema
			if len(params) == 0 {
				params = tools.EmptySchema
			}
			out = append(out, tools.Descriptor{
				Name:        ToolName(c.Name(), t.Name),
				Description: desc,
				Parameters:  params,
			})
		}
	}
	return out
}

// resolve finds the provider and local tool name for a namespaced name.
// The longest matching provider name wins, so "a_b" beats "a" for
// "mcp_a_b_tool".
func (r *Registry) resolve(name string) (*Connection, string, bool) {
	if !strings.HasPrefix(name, NamePrefix) {
		return nil, "", false
	}
	rest := strings.TrimPrefix(name, NamePrefix)

	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		best  *Connection
		local string
	)
	for pname, c := range r.conns {
		prefix := pname + "_"
		if !strings.HasPrefix(rest, prefix) || len(rest) == len(prefix) {
			continue
		}
		if best == nil || len(pname) > len(best.Name()) {
			best = c
			local = rest[len(prefix):]
		}
	}
	return best, local, best != nil
}

// IsManaged reports whether name routes to a registered provider.
func (r *Registry) IsManaged(name string) bool {
	_, _, ok := r.resolve(name)
	return ok
}

// CallTool routes a namespaced call. It never returns an error: every
// failure is rendered as tool result text. A dead provider is restarted
// once before the call.
func (r *Registry) CallTool(ctx context.Context, name string, args map[string]any) string {
	c, local, ok := r.resolve(name)
	if !ok {
		return tools.Errorf("no provider found for tool '%s'", name)
	}

	if !c.Alive() {
		r.logger.Warn("provider not alive, restarting before call", "provider", c.Name(), "tool", local)
		if err := c.restartIfDead(ctx); err != nil {
			return tools.Errorf("provider %s failed to restart", c.Name())
		}
	}

	t, ok := c.Tool(local)
	if !ok {
		return tools.Errorf("provider %s has no tool '%s'", c.Name(), local)
	}
	if err := t.Validate(args); err != nil {
		return tools.Errorf("invalid arguments for %s: %v", name, err)
	}

	out, err := c.CallTool(ctx, local, args)
	switch {
	case errors.Is(err, ErrTimeout):
		return tools.Errorf("provider %s tool call timed out", c.Name())
	case err != nil:
		return tools.Errorf("%v", err)
	}
	return out
}

// Health reports every registered provider, sorted by name.
func (r *Registry) Health() []Health {
	conns := r.sorted()
	out := make([]Health, 0, len(conns))
	for _, c := range conns {
		out = append(out, Health{
			Name:        c.Name(),
			State:       c.State(),
			Alive:       c.Alive(),
			Tools:       len(c.Tools()),
			Description: c.Spec().Description,
		})
	}
	return out
}
