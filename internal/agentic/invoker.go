package agentic

import (
	"context"
	"fmt"

	"github.com/rakunlabs/mawi-gateway/internal/domain"
	"github.com/rakunlabs/mawi-gateway/internal/executor"
	"github.com/rakunlabs/mawi-gateway/internal/mcpclient"
	"github.com/rakunlabs/mawi-gateway/internal/provider"
)

// AdapterResolver builds the Adapter a Model dispatches to — satisfied by
// internal/executor.Executor.ResolveAdapter.
type AdapterResolver interface {
	ResolveAdapter(ctx context.Context, model domain.Model) (provider.Adapter, error)
}

// DefaultInvoker dispatches a resolved Tool to its backing model, service,
// or MCP server, per the tool kinds spec.md §4.3 step 1 assembles.
type DefaultInvoker struct {
	store    Store
	mcp      *mcpclient.Manager
	caller   ModelCaller
	resolver AdapterResolver
	exec     *executor.Executor
}

// NewDefaultInvoker builds a DefaultInvoker. exec is used for the
// ToolKindService path, which re-enters the full routed executor loop
// rather than a single fixed model.
func NewDefaultInvoker(store Store, mcp *mcpclient.Manager, caller ModelCaller, resolver AdapterResolver, exec *executor.Executor) *DefaultInvoker {
	return &DefaultInvoker{store: store, mcp: mcp, caller: caller, resolver: resolver, exec: exec}
}

// Invoke dispatches t with args and returns its textual result for the
// agent's memory/sub-loop.
func (d *DefaultInvoker) Invoke(ctx context.Context, t Tool, args map[string]any) (string, error) {
	switch t.Kind {
	case ToolKindMCP:
		conn := d.mcp.Get(t.TargetID)
		if conn == nil {
			return "", fmt.Errorf("agentic: mcp server %s not connected", t.TargetID)
		}
		return conn.CallTool(ctx, t.MCPToolName, args)

	case ToolKindModel:
		model, err := d.store.GetModelByID(ctx, t.TargetID)
		if err != nil || model == nil {
			return "", fmt.Errorf("agentic: load model %s: %w", t.TargetID, err)
		}
		prompt := argString(args, "prompt", "input", "query")
		resp, err := d.caller.CallModel(ctx, executor.Request{Messages: []provider.Message{{Role: "user", Content: prompt}}}, *model)
		if err != nil {
			return "", err
		}
		return resp.Content, nil

	case ToolKindImage:
		model, err := d.store.GetModelByID(ctx, t.TargetID)
		if err != nil || model == nil {
			return "", fmt.Errorf("agentic: load model %s: %w", t.TargetID, err)
		}
		adapter, err := d.resolver.ResolveAdapter(ctx, *model)
		if err != nil {
			return "", err
		}
		resp, err := adapter.GenerateImage(ctx, provider.ImageRequest{Model: model.ID, Prompt: argString(args, "prompt", "input")})
		if err != nil {
			return "", err
		}
		return formatImageResult(resp), nil

	case ToolKindTTS:
		model, err := d.store.GetModelByID(ctx, t.TargetID)
		if err != nil || model == nil {
			return "", fmt.Errorf("agentic: load model %s: %w", t.TargetID, err)
		}
		adapter, err := d.resolver.ResolveAdapter(ctx, *model)
		if err != nil {
			return "", err
		}
		if _, err := adapter.TextToSpeech(ctx, provider.SpeechRequest{Model: model.ID, Text: argString(args, "text", "input", "prompt")}); err != nil {
			return "", err
		}
		return "speech generated", nil

	case ToolKindVideo:
		model, err := d.store.GetModelByID(ctx, t.TargetID)
		if err != nil || model == nil {
			return "", fmt.Errorf("agentic: load model %s: %w", t.TargetID, err)
		}
		adapter, err := d.resolver.ResolveAdapter(ctx, *model)
		if err != nil {
			return "", err
		}
		job, err := adapter.GenerateVideo(ctx, provider.VideoRequest{Model: model.ID, Prompt: argString(args, "prompt", "input")})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("video generation started, job id: %s (poll separately for completion)", job.ID), nil

	case ToolKindService:
		resp, err := d.exec.Run(ctx, executor.Request{
			ServiceName: t.TargetID,
			Messages:    []provider.Message{{Role: "user", Content: argString(args, "prompt", "input", "query")}},
		})
		if err != nil {
			return "", err
		}
		return resp.Response.Content, nil

	default:
		return "", fmt.Errorf("agentic: unknown tool kind %q", t.Kind)
	}
}

// argString returns the first present string value among keys, or "".
func argString(args map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := args[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// formatImageResult renders an ImageResponse as markdown for inclusion in
// agent memory/output, preferring a URL over an inline base64 data URI.
func formatImageResult(resp *provider.ImageResponse) string {
	if len(resp.Images) == 0 {
		return "image generated (no content returned)"
	}
	img := resp.Images[0]
	if img.URL != "" {
		return "![image](" + img.URL + ")"
	}
	return "![image](data:image/png;base64," + img.B64JSON + ")"
}
