// Package agentic implements the plan-verify-act executor for AGENTIC
// services (spec.md §4.3): a planner model drives a bounded loop of
// plan → execute-step → verify stages, backed by short-term memory and a
// tool set assembled from declared tools, connected MCP servers, and the
// service's own assigned models.
package agentic

import (
	"strings"
	"sync"
)

// EventType tags one emitted event in the agentic SSE stream.
type EventType string

const (
	EventLog            EventType = "log"
	EventToolStart      EventType = "tool_start"
	EventToolEnd        EventType = "tool_end"
	EventStepStart      EventType = "step_start"
	EventChunk          EventType = "chunk"
	EventReasoningDelta EventType = "reasoning_delta"
)

// Event is one tagged item in the agentic executor's output stream.
type Event struct {
	Type    EventType `json:"type"`
	Message string    `json:"message,omitempty"`
	Tool    string    `json:"tool,omitempty"`
	Step    string    `json:"step,omitempty"`
	Content string    `json:"content,omitempty"`
}

// Tool is one callable the planner can invoke, assembled from
// domain.AgenticTool entries, connected MCP server tools, or the
// service's own assigned models (spec.md §4.3 step 1).
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any

	// Kind distinguishes how Invoke should dispatch this tool.
	Kind ToolKind
	// TargetID is the model/service id for Kind model/service/image/
	// video/tts/stt, or the MCP server key for Kind mcp.
	TargetID string
	// MCPToolName is the tool's original (un-namespaced) name on its MCP
	// server, preserved per spec.md §4.3 step 1.
	MCPToolName string
}

// ToolKind is where a Tool dispatches to.
type ToolKind string

const (
	ToolKindModel   ToolKind = "model"
	ToolKindService ToolKind = "service"
	ToolKindImage   ToolKind = "image"
	ToolKindVideo   ToolKind = "video"
	ToolKindTTS     ToolKind = "tts"
	ToolKindSTT     ToolKind = "stt"
	ToolKindMCP     ToolKind = "mcp"
)

// memoryEntry is one record in short-term memory.
type memoryEntry struct {
	Step   string
	Result string
	Failed bool
}

// STM is a bounded, FIFO-evicting short-term memory (spec.md §4.3 step 4c:
// "bounded deque, capacity 10; evict FIFO").
type STM struct {
	mu       sync.Mutex
	capacity int
	entries  []memoryEntry
}

// NewSTM builds an STM with the given capacity.
func NewSTM(capacity int) *STM {
	if capacity <= 0 {
		capacity = 10
	}
	return &STM{capacity: capacity}
}

// Record appends a step outcome, evicting the oldest entry if at capacity.
func (s *STM) Record(step, result string, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, memoryEntry{Step: step, Result: result, Failed: failed})
	if len(s.entries) > s.capacity {
		s.entries = s.entries[len(s.entries)-s.capacity:]
	}
}

// Context renders memory as plain-text system context, most recent last.
func (s *STM) Context() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sb strings.Builder
	for _, e := range s.entries {
		status := "ok"
		if e.Failed {
			status = "failed"
		}
		sb.WriteString("- [" + status + "] " + e.Step + " -> " + e.Result + "\n")
	}
	return sb.String()
}

// Entries returns a copy of every recorded entry's result text, used by
// the final synthesis pass to scan for markdown images.
func (s *STM) Results() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Result
	}
	return out
}
