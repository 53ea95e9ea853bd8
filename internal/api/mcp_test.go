package api

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/seabone/internal/tools"
	"github.com/kalambet/seabone/internal/transcript"
)

type mockMemory struct {
	written []string
	fail    bool
}

func (m *mockMemory) WriteMemory(content, target string) (string, error) {
	if m.fail {
		return "", errors.New("read-only file system")
	}
	m.written = append(m.written, content)
	return "Written to MEMORY.md", nil
}

func (m *mockMemory) ReadMemory(query string) string {
	return "## Notes\nquery was " + query
}

type mockWorkspace map[string]string

func (m mockWorkspace) Read(name string) string { return m[name] }

type mockStatus string

func (m mockStatus) LiveStatus() string { return string(m) }

func newTestMCPDeps(t *testing.T) (MCPDeps, *mockMemory, *mockDispatcher) {
	t.Helper()
	mem := &mockMemory{}
	d := &mockDispatcher{reply: "pong"}
	return MCPDeps{
		Native:     tools.NewNative(mem, nil),
		Workspace:  mockWorkspace{"MEMORY.md": "# Long-term Memory\n"},
		Status:     mockStatus("# Live Status"),
		Dispatcher: d,
		Version:    "test",
	}, mem, d
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestMCPServerRegistersNativeTools(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	s := NewMCPServer(deps)

	got := s.ListTools()
	for _, name := range []string{"write_memory", "read_memory", "send_message"} {
		if _, ok := got[name]; !ok {
			t.Errorf("tool %q not registered; have %v", name, got)
		}
	}
	if _, ok := got["provider_status"]; ok {
		t.Errorf("provider_status registered without a status reporter")
	}
}

func TestMCPTool_WriteMemory(t *testing.T) {
	deps, mem, _ := newTestMCPDeps(t)
	handler := mcpNative(deps, "write_memory")

	result, err := handler(context.Background(), makeCallToolRequest("write_memory", map[string]interface{}{
		"content": "prefers short answers",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	if got := toolText(t, result); got != "Written to MEMORY.md" {
		t.Errorf("text = %q", got)
	}
	if len(mem.written) != 1 || mem.written[0] != "prefers short answers" {
		t.Errorf("written = %v", mem.written)
	}
}

func TestMCPTool_WriteMemoryErrors(t *testing.T) {
	deps, mem, _ := newTestMCPDeps(t)
	handler := mcpNative(deps, "write_memory")

	result, _ := handler(context.Background(), makeCallToolRequest("write_memory", map[string]interface{}{}))
	if !result.IsError {
		t.Errorf("missing content accepted: %s", toolText(t, result))
	}

	mem.fail = true
	result, _ = handler(context.Background(), makeCallToolRequest("write_memory", map[string]interface{}{"content": "x"}))
	if !result.IsError || toolText(t, result) != "read-only file system" {
		t.Errorf("result = %+v", result)
	}
}

func TestMCPTool_ReadMemory(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	result, err := mcpNative(deps, "read_memory")(context.Background(), makeCallToolRequest("read_memory", map[string]interface{}{"query": "deploy"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := toolText(t, result); got != "## Notes\nquery was deploy" {
		t.Errorf("text = %q", got)
	}
}

func TestMCPTool_SendMessage(t *testing.T) {
	deps, _, d := newTestMCPDeps(t)
	handler := mcpSendMessage(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("send_message", map[string]interface{}{"text": "ping"}))
	if result.IsError || toolText(t, result) != "pong" {
		t.Fatalf("result = %+v", result)
	}
	if d.deliveries[0].key != MCPSession {
		t.Errorf("session = %q, want %q", d.deliveries[0].key, MCPSession)
	}

	d.err = transcript.ErrBusy
	result, _ = handler(context.Background(), makeCallToolRequest("send_message", map[string]interface{}{"text": "ping", "session": "ops"}))
	if !result.IsError || toolText(t, result) != `session "ops" is busy` {
		t.Errorf("result = %q", toolText(t, result))
	}

	result, _ = handler(context.Background(), makeCallToolRequest("send_message", map[string]interface{}{}))
	if !result.IsError {
		t.Error("missing text accepted")
	}
}

func TestMCPResources(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	req := mcp.ReadResourceRequest{Params: mcp.ReadResourceParams{URI: "seabone://memory"}}

	contents, err := mcpResourceFile(deps, "MEMORY.md")(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok || tc.Text != "# Long-term Memory\n" || tc.URI != "seabone://memory" {
		t.Errorf("contents = %+v", contents)
	}

	contents, _ = mcpResourceStatus(deps)(context.Background(), mcp.ReadResourceRequest{Params: mcp.ReadResourceParams{URI: "seabone://status"}})
	if tc := contents[0].(mcp.TextResourceContents); tc.Text != "# Live Status" {
		t.Errorf("status = %q", tc.Text)
	}
}
