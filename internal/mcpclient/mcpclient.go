// Package mcpclient is the gateway's Model Context Protocol client
// (spec.md §4.6): it spawns one subprocess per configured domain.McpServer
// (direct command, or `docker run --rm -i <image>`), speaks line-delimited
// JSON-RPC 2.0 over its stdin/stdout, and exposes the connected server's
// tools to the agentic executor.
package mcpclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rakunlabs/mawi-gateway/internal/domain"
	"github.com/rakunlabs/mawi-gateway/pkg/mcp"
)

// maxLineBytes caps one stdout line, defending against an adversarial or
// runaway server filling the pipe without ever sending a newline.
const maxLineBytes = 10 << 20 // 10 MB

// clientInfo identifies this gateway to every MCP server it connects to.
var clientInfo = mcp.ClientInfo{Name: "mawi-gateway", Version: "1"}

// State is a connection's lifecycle stage.
type State string

const (
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateFailed     State = "failed"
	StateClosed     State = "closed"
)

// Connection owns one subprocess and its stdin/stdout framing. Exactly one
// tool call is in flight per connection at a time — the spec's own
// deliberate choice (§4.6, §5): stdin/stdout each get their own mutex, and
// those mutexes are held across the await that waits for the matching
// response, serializing concurrent callers rather than multiplexing
// requests over one subprocess.
type Connection struct {
	server domain.McpServer

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	stdinMu  sync.Mutex
	stdoutMu sync.Mutex

	nextID atomic.Int64

	mu    sync.RWMutex
	state State
	tools []mcp.Tool
	info  mcp.ServerInfo
	err   error

	closeOnce sync.Once
}

// Connect spawns the subprocess, performs the initialize handshake, and
// fetches the server's tool list. The returned Connection is in
// StateConnected only on success; callers should still check State() since
// a later tool call can independently flip it to StateFailed.
func Connect(ctx context.Context, server domain.McpServer) (*Connection, error) {
	cmd := buildCommand(ctx, server)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcpclient: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcpclient: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("mcpclient: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcpclient: start %s: %w", server.Key, err)
	}

	c := &Connection{
		server: server,
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReaderSize(stdout, 64<<10),
		state:  StateConnecting,
	}

	go drainStderr(server.Key, stderr)

	if err := c.handshake(ctx); err != nil {
		c.setState(StateFailed, err)
		c.killUnconditionally()
		return c, err
	}

	c.setState(StateConnected, nil)
	return c, nil
}

// buildCommand builds the exec.Cmd for a server's transport: "stdio" runs
// Command/Args directly; "docker" wraps it as `docker run --rm -i <image>
// <args...>`.
func buildCommand(ctx context.Context, server domain.McpServer) *exec.Cmd {
	var cmd *exec.Cmd
	switch server.Transport {
	case domain.McpTransportDocker:
		args := append([]string{"run", "--rm", "-i", server.Command}, server.Args...)
		cmd = exec.CommandContext(ctx, "docker", args...)
	default: // stdio
		cmd = exec.CommandContext(ctx, server.Command, server.Args...)
	}

	for k, v := range server.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	return cmd
}

func drainStderr(serverKey string, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 4096), maxLineBytes)
	for scanner.Scan() {
		slog.Warn("mcp server stderr", "server", serverKey, "line", scanner.Text())
	}
}

// handshake performs the initialize/initialized sequence, then fetches
// the tool list, per spec.md §4.6.
func (c *Connection) handshake(ctx context.Context) error {
	initParams := mcp.InitializeParams{
		ProtocolVersion: "2025-06-18",
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo,
	}

	var result mcp.InitializeResult
	if err := c.call(ctx, "initialize", initParams, &result); err != nil {
		return fmt.Errorf("mcpclient: initialize: %w", err)
	}
	c.mu.Lock()
	c.info = result.ServerInfo
	c.mu.Unlock()

	if err := c.notify("notifications/initialized", nil); err != nil {
		return fmt.Errorf("mcpclient: initialized notification: %w", err)
	}

	tools, err := c.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("mcpclient: tools/list: %w", err)
	}
	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()

	return nil
}

// ListTools returns the server's advertised tools.
func (c *Connection) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	var result struct {
		Tools []mcp.Tool `json:"tools"`
	}
	if err := c.call(ctx, "tools/list", struct{}{}, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// ToolResultContent is one block of a tools/call result's content array.
type ToolResultContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallTool invokes name with arguments and returns the concatenated text
// of every "text" content block, falling back to the raw JSON result when
// the response carries no text items (spec.md §4.6).
func (c *Connection) CallTool(ctx context.Context, name string, arguments map[string]any) (string, error) {
	params := struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}{Name: name, Arguments: arguments}

	var result struct {
		Content []ToolResultContent `json:"content"`
		IsError bool                `json:"isError,omitempty"`
	}
	if err := c.call(ctx, "tools/call", params, &result); err != nil {
		c.setState(StateFailed, err)
		return "", err
	}

	var text bytes.Buffer
	for _, block := range result.Content {
		if block.Type == "text" {
			if text.Len() > 0 {
				text.WriteByte('\n')
			}
			text.WriteString(block.Text)
		}
	}
	if text.Len() > 0 {
		return text.String(), nil
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("mcpclient: marshal fallback result: %w", err)
	}
	return string(raw), nil
}

// call sends a JSON-RPC request and blocks until the matching response
// arrives, decoding its result into out. Unrelated notifications or
// responses read in the meantime are discarded, per spec.md §4.6.
func (c *Connection) call(ctx context.Context, method string, params, out any) error {
	id := c.nextID.Add(1)

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("mcpclient: marshal params: %w", err)
	}

	req := mcp.JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: paramsJSON}
	if err := c.writeLine(req); err != nil {
		return err
	}

	resp, err := c.readUntilID(ctx, id)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("mcpclient: %s: rpc error %d: %s", method, resp.Error.Code, resp.Error.Message)
	}
	if out == nil {
		return nil
	}

	raw, err := json.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("mcpclient: re-marshal result: %w", err)
	}
	return json.Unmarshal(raw, out)
}

// notify sends a JSON-RPC notification (no ID, no response expected).
func (c *Connection) notify(method string, params any) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("mcpclient: marshal notification params: %w", err)
	}
	return c.writeLine(mcp.JSONRPCRequest{JSONRPC: "2.0", Method: method, Params: paramsJSON})
}

func (c *Connection) writeLine(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("mcpclient: marshal request: %w", err)
	}

	c.stdinMu.Lock()
	defer c.stdinMu.Unlock()

	if _, err := c.stdin.Write(line); err != nil {
		return fmt.Errorf("mcpclient: write stdin: %w", err)
	}
	if _, err := c.stdin.Write([]byte("\n")); err != nil {
		return fmt.Errorf("mcpclient: write stdin newline: %w", err)
	}
	return nil
}

// readUntilID holds the stdout mutex across every line read until the
// response matching id arrives, deliberately serializing concurrent
// callers onto this connection (spec.md §5's documented exception to
// "no task may hold a lock across a suspension").
func (c *Connection) readUntilID(ctx context.Context, id int64) (*mcp.JSONRPCResponse, error) {
	c.stdoutMu.Lock()
	defer c.stdoutMu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line, err := readLineLimited(c.stdout, maxLineBytes)
		if err != nil {
			return nil, fmt.Errorf("mcpclient: read stdout: %w", err)
		}

		var resp mcp.JSONRPCResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			slog.Warn("mcpclient: discarding unparseable line", "server", c.server.Key)
			continue
		}

		if !isOurResponse(resp.ID, id) {
			// Notification, or a response to a stale/unrelated request; discard.
			continue
		}
		return &resp, nil
	}
}

// isOurResponse reports whether a decoded JSON-RPC ID (json.Unmarshal
// produces a float64 for numbers) matches the int64 ID we sent.
func isOurResponse(got any, want int64) bool {
	v, ok := got.(float64)
	return ok && int64(v) == want
}

// readLineLimited reads one newline-terminated line, erroring if it
// exceeds limit bytes before a newline is found.
func readLineLimited(r *bufio.Reader, limit int) ([]byte, error) {
	var buf bytes.Buffer
	for {
		chunk, err := r.ReadBytes('\n')
		buf.Write(chunk)
		if buf.Len() > limit {
			return nil, fmt.Errorf("mcpclient: line exceeds %d byte cap", limit)
		}
		if err == nil {
			return bytes.TrimRight(buf.Bytes(), "\r\n"), nil
		}
		if err == io.EOF {
			if buf.Len() > 0 {
				return bytes.TrimRight(buf.Bytes(), "\r\n"), nil
			}
			return nil, io.EOF
		}
		return nil, err
	}
}

func (c *Connection) setState(s State, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
	c.err = err
}

// State reports the connection's current lifecycle stage.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Tools returns the server's advertised tool list, captured at connect time.
func (c *Connection) Tools() []mcp.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]mcp.Tool(nil), c.tools...)
}

// Close sends a best-effort cancellation notification, then kills the
// subprocess unconditionally (spec.md §4.6: "Drop must start-kill
// unconditionally").
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		_ = c.notify("notifications/cancelled", struct{}{})
		time.Sleep(50 * time.Millisecond)
		c.killUnconditionally()
		c.setState(StateClosed, nil)
	})
}

func (c *Connection) killUnconditionally() {
	_ = c.stdin.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	_ = c.cmd.Wait()
}
