package agentic

import (
	"context"
	"fmt"
	"strings"

	"github.com/rakunlabs/mawi-gateway/internal/domain"
	"github.com/rakunlabs/mawi-gateway/internal/mcpclient"
)

// Store is the persistence surface agentic needs beyond what
// internal/executor already wraps: the service's declared tools, its
// assigned MCP servers, and its non-planner model assignments for
// auto-mapping.
type Store interface {
	GetServiceByName(ctx context.Context, name string) (*domain.Service, error)
	ListAgenticTools(ctx context.Context, serviceID string) ([]domain.AgenticTool, error)
	ListServiceMcpServers(ctx context.Context, serviceID string) ([]domain.McpServer, error)
	ListAssignments(ctx context.Context, serviceID string) ([]domain.ServiceModelAssignment, error)
	GetModelByID(ctx context.Context, id string) (*domain.Model, error)
}

// genericAliases are the modality-auto-mapped tool names that a specific,
// explicitly-declared tool takes precedence over (spec.md §4.3 step 1:
// "if specific tools exist, strip the generic aliases").
var genericAliases = map[ToolKind]string{
	ToolKindImage: "generate_image",
	ToolKindVideo: "generate_video",
}

// AssembleTools builds a service's full tool set from its three sources,
// in the precedence order spec.md §4.3 step 1 describes.
func AssembleTools(ctx context.Context, store Store, mcp *mcpclient.Manager, service domain.Service) ([]Tool, error) {
	var tools []Tool
	seen := map[string]int{} // name -> count, for _N collision suffixing

	addTool := func(t Tool) {
		name := t.Name
		if n := seen[name]; n > 0 {
			name = fmt.Sprintf("%s_%d", t.Name, n)
		}
		seen[t.Name]++
		t.Name = name
		tools = append(tools, t)
	}

	declared, err := store.ListAgenticTools(ctx, service.ID)
	if err != nil {
		return nil, fmt.Errorf("agentic: list declared tools: %w", err)
	}
	explicitKinds := map[ToolKind]bool{}
	for _, d := range declared {
		kind := ToolKind(d.Type)
		explicitKinds[kind] = true
		addTool(Tool{Name: d.Name, Description: "", Schema: d.Params, Kind: kind, TargetID: d.TargetID})
	}

	mcpServers, err := store.ListServiceMcpServers(ctx, service.ID)
	if err != nil {
		return nil, fmt.Errorf("agentic: list mcp servers: %w", err)
	}
	connected := map[string]bool{}
	for _, key := range mcp.Connected() {
		connected[key] = true
	}
	for _, srv := range mcpServers {
		if !connected[srv.Key] {
			continue
		}
		conn := mcp.Get(srv.Key)
		if conn == nil {
			continue
		}
		for _, mt := range conn.Tools() {
			addTool(Tool{
				Name:        srv.Key + "." + mt.Name,
				Description: mt.Description,
				Schema:      mt.InputSchema,
				Kind:        ToolKindMCP,
				TargetID:    srv.Key,
				MCPToolName: mt.Name,
			})
		}
	}

	assignments, err := store.ListAssignments(ctx, service.ID)
	if err != nil {
		return nil, fmt.Errorf("agentic: list assignments: %w", err)
	}
	for _, a := range assignments {
		if a.ModelID == service.PlannerModelID {
			continue
		}
		model, err := store.GetModelByID(ctx, a.ModelID)
		if err != nil || model == nil {
			continue
		}
		kind, name := autoMapKind(model.Modality)
		if explicitKinds[kind] && name == genericAliases[kind] {
			continue // a specific tool of this kind already exists; drop the generic alias
		}
		addTool(Tool{
			Name:        name,
			Description: fmt.Sprintf("invoke model %s (%s)", model.Name, model.Modality),
			Kind:        kind,
			TargetID:    model.ID,
		})
	}

	return tools, nil
}

// autoMapKind maps a model's modality to its generic auto-mapped tool
// kind and name (spec.md §4.3 step 1).
func autoMapKind(m domain.Modality) (ToolKind, string) {
	switch m {
	case domain.ModalityImage:
		return ToolKindImage, "generate_image"
	case domain.ModalityVideo:
		return ToolKindVideo, "generate_video"
	case domain.ModalityAudio:
		return ToolKindTTS, "text_to_speech"
	default:
		return ToolKindModel, "Model"
	}
}

// DescribeTools renders the tool set as plain text for inclusion in the
// planner prompt (the planner sees tools as prose, not a native
// function-calling schema — spec.md §4.3 describes plan/tool-call output
// as freeform JSON or text the gateway parses, not vendor tool-calling).
func DescribeTools(tools []Tool) string {
	var sb strings.Builder
	for _, t := range tools {
		sb.WriteString("- " + t.Name)
		if t.Description != "" {
			sb.WriteString(": " + t.Description)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
