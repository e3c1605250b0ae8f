// Package mcp holds the wire-format types for the Model Context Protocol's
// JSON-RPC transport. mawi-gateway only ever acts as an MCP client (see
// internal/mcpclient) — dialing a subprocess MCP server, initializing the
// session, and listing/calling its tools — so this package carries just the
// request/response envelope and the handful of MCP structures a client
// round-trips, not the server-side dispatch, registries, or the
// prompt/resource/completion surface a full MCP server would also expose.
package mcp

import "encoding/json"

// JSON-RPC 2.0 structures.
// See: https://www.jsonrpc.org/specification

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id,omitempty"`
	Result  any           `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// MCP specific structures.

type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      ClientInfo     `json:"clientInfo"`
}

type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the server's reply to initialize. Capabilities is
// omitted here: the gateway never negotiates optional server features, it
// only dials tool-serving MCP servers and calls tools/list + tools/call.
type InitializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
}

type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Tool describes one tool advertised by an MCP server's tools/list response.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}
