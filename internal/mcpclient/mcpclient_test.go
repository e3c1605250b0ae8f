package mcpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rakunlabs/mawi-gateway/internal/domain"
	"github.com/rakunlabs/mawi-gateway/pkg/mcp"
)

// TestMain lets this binary re-exec itself as a fake MCP server subprocess
// when GO_WANT_HELPER_PROCESS is set — the standard os/exec self-test
// pattern, used here instead of shelling out to an external interpreter.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		runFakeServer()
		return
	}
	os.Exit(m.Run())
}

// runFakeServer speaks just enough JSON-RPC to exercise Connection:
// answers initialize, tools/list, and echoes tools/call arguments back as
// text content.
func runFakeServer() {
	reader := bufio.NewReader(os.Stdin)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			return
		}

		var req mcp.JSONRPCRequest
		if jsonErr := json.Unmarshal(line, &req); jsonErr != nil {
			continue
		}

		switch req.Method {
		case "initialize":
			writeResponse(req.ID, mcp.InitializeResult{
				ProtocolVersion: "2025-06-18",
				ServerInfo:      mcp.ServerInfo{Name: "fake", Version: "1"},
			})
		case "notifications/initialized", "notifications/cancelled":
			// no response expected
		case "tools/list":
			writeResponse(req.ID, map[string]any{
				"tools": []mcp.Tool{{Name: "echo", Description: "echoes input"}},
			})
		case "tools/call":
			var params struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			}
			_ = json.Unmarshal(req.Params, &params)
			text := fmt.Sprintf("called %s with %v", params.Name, params.Arguments)
			writeResponse(req.ID, map[string]any{
				"content": []map[string]any{{"type": "text", "text": text}},
			})
		}

		if err != nil {
			return
		}
	}
}

func writeResponse(id any, result any) {
	resp := mcp.JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result}
	data, _ := json.Marshal(resp)
	os.Stdout.Write(data)
	os.Stdout.Write([]byte("\n"))
}

// helperServer describes a domain.McpServer whose Command re-execs this
// test binary in helper-process mode.
func helperServer(t *testing.T) domain.McpServer {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	return domain.McpServer{
		Key:       "fake",
		Transport: domain.McpTransportStdio,
		Command:   exe,
		Args:      []string{"-test.run=TestMain"},
		Env:       map[string]string{"GO_WANT_HELPER_PROCESS": "1"},
	}
}

func TestConnectHandshakeAndListTools(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Connect(ctx, helperServer(t))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	if conn.State() != StateConnected {
		t.Fatalf("expected StateConnected, got %s", conn.State())
	}

	tools := conn.Tools()
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("expected one 'echo' tool, got %+v", tools)
	}
}

func TestCallToolReturnsConcatenatedText(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Connect(ctx, helperServer(t))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	text, err := conn.CallTool(ctx, "echo", map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if text == "" {
		t.Fatal("expected non-empty text result")
	}
}

func TestManagerEnsureReusesConnection(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mgr := NewManager()
	server := helperServer(t)

	c1, err := mgr.Ensure(ctx, server)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	c2, err := mgr.Ensure(ctx, server)
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if c1 != c2 {
		t.Fatal("expected Ensure to reuse the existing connection")
	}

	mgr.CloseAll()
}
