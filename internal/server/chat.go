package server

import (
	"encoding/json"
	"net/http"

	"github.com/rakunlabs/mawi-gateway/internal/agentic"
	"github.com/rakunlabs/mawi-gateway/internal/domain"
	"github.com/rakunlabs/mawi-gateway/internal/executor"
	"github.com/rakunlabs/mawi-gateway/internal/gatewayerr"
	"github.com/rakunlabs/mawi-gateway/internal/provider"
)

// chatRequestBody is spec.md §6's POST /chat/completions body.
type chatRequestBody struct {
	Service         string         `json:"service"`
	Messages        []chatMessage  `json:"messages"`
	Params          map[string]any `json:"params,omitempty"`
	Stream          bool           `json:"stream,omitempty"`
	Model           string         `json:"model,omitempty"`
	RoutingStrategy string         `json:"routing_strategy,omitempty"`
	ResponseFormat  string         `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// UnifiedChatResponse is the non-streaming JSON shape of
// POST /chat/completions, used for both POOL and AGENTIC services.
type UnifiedChatResponse struct {
	ID            string              `json:"id"`
	Service       string              `json:"service"`
	Model         string              `json:"model,omitempty"`
	Content       string              `json:"content"`
	ToolCalls     []provider.ToolCall `json:"tool_calls,omitempty"`
	Usage         provider.Usage      `json:"usage"`
	FailoverCount int                 `json:"failover_count,omitempty"`
}

func toProviderMessages(in []chatMessage) []provider.Message {
	out := make([]provider.Message, len(in))
	for i, m := range in {
		out[i] = provider.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func parseParams(params map[string]any) (temperature *float64, maxTokens *int) {
	if v, ok := params["temperature"].(float64); ok {
		temperature = &v
	}
	if v, ok := params["max_tokens"].(float64); ok {
		n := int(v)
		maxTokens = &n
	}
	return temperature, maxTokens
}

// ChatCompletions dispatches to the POOL or AGENTIC path depending on the
// named service's Type, streaming via SSE when body.Stream is set.
func (s *Server) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	var body chatRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpResponseError(w, gatewayerr.Wrap(gatewayerr.ValidationFailure, "decode request body", err))
		return
	}
	if body.Service == "" || len(body.Messages) == 0 {
		httpResponseError(w, gatewayerr.New(gatewayerr.ValidationFailure, "service and messages are required"))
		return
	}

	identity, _ := identityFromContext(r.Context())
	if !isModelAllowed(identity, body.Model) {
		httpResponseError(w, gatewayerr.New(gatewayerr.AuthFailure, "model not permitted for this token"))
		return
	}

	svc, err := s.store.GetServiceByName(r.Context(), body.Service)
	isAgentic := err == nil && svc != nil && svc.Type == domain.ServiceAgentic

	if body.Stream {
		s.streamChat(w, r, body, identity, isAgentic)
		return
	}

	if isAgentic {
		s.chatAgentic(w, r, body)
		return
	}
	s.chatPool(w, r, body, identity)
}

func (s *Server) chatPool(w http.ResponseWriter, r *http.Request, body chatRequestBody, identity authIdentity) {
	temperature, maxTokens := parseParams(body.Params)

	result, err := s.exec.Run(r.Context(), executor.Request{
		UserID:          identity.UserID,
		ServiceName:     body.Service,
		ModelOverride:   body.Model,
		RoutingStrategy: domain.Strategy(body.RoutingStrategy),
		Messages:        toProviderMessages(body.Messages),
		Temperature:     temperature,
		MaxTokens:       maxTokens,
	})
	if err != nil {
		httpResponseError(w, err)
		return
	}

	httpResponseJSON(w, UnifiedChatResponse{
		Service:       body.Service,
		Model:         result.ModelID,
		Content:       result.Response.Content,
		ToolCalls:     result.Response.ToolCalls,
		Usage:         result.Response.Usage,
		FailoverCount: result.FailoverCount,
	}, http.StatusOK)
}

func (s *Server) chatAgentic(w http.ResponseWriter, r *http.Request, body chatRequestBody) {
	query := lastUserContent(body.Messages)

	runner := s.newAgenticRunner(nil)
	answer, err := runner.Run(r.Context(), r.Header.Get("X-Request-Id"), "", body.Service, query)
	if err != nil {
		httpResponseError(w, err)
		return
	}

	httpResponseJSON(w, UnifiedChatResponse{
		Service: body.Service,
		Content: answer,
	}, http.StatusOK)
}

func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, body chatRequestBody, identity authIdentity, isAgentic bool) {
	sw, ok := newSSEWriter(w)
	if !ok {
		httpResponseError(w, gatewayerr.New(gatewayerr.InternalFailure, "streaming unsupported by this response writer"))
		return
	}
	defer sw.Close()

	if isAgentic {
		s.streamAgentic(r, body, sw)
		return
	}
	s.streamPool(r, body, identity, sw)
}

func (s *Server) streamPool(r *http.Request, body chatRequestBody, identity authIdentity, sw *sseWriter) {
	temperature, maxTokens := parseParams(body.Params)

	stream, err := s.exec.RunStream(r.Context(), executor.Request{
		UserID:          identity.UserID,
		ServiceName:     body.Service,
		ModelOverride:   body.Model,
		RoutingStrategy: domain.Strategy(body.RoutingStrategy),
		Messages:        toProviderMessages(body.Messages),
		Temperature:     temperature,
		MaxTokens:       maxTokens,
	})
	if err != nil {
		sw.WriteError(err)
		return
	}

	for chunk := range stream.Chunks {
		if chunk.Err != nil {
			sw.WriteError(chunk.Err)
			return
		}
		if chunk.Content != "" {
			sw.WriteEvent("chunk", chunk.Content)
		}
	}
}

func (s *Server) streamAgentic(r *http.Request, body chatRequestBody, sw *sseWriter) {
	query := lastUserContent(body.Messages)

	events := make(chan agentic.Event, 32)
	runner := s.newAgenticRunner(events)

	var answer string
	var runErr error
	go func() {
		defer close(events)
		answer, runErr = runner.Run(r.Context(), r.Header.Get("X-Request-Id"), "", body.Service, query)
	}()

	for ev := range events {
		sw.WriteEvent(string(ev.Type), eventPayload(ev))
	}

	if runErr != nil {
		sw.WriteError(runErr)
		return
	}
	sw.WriteEvent("chunk", answer)
}

// eventPayload picks whichever field an agentic.Event actually carries for
// its Type, since Event is a flat struct reused across all event kinds.
func eventPayload(ev agentic.Event) string {
	switch {
	case ev.Content != "":
		return ev.Content
	case ev.Tool != "":
		return ev.Tool
	case ev.Step != "":
		return ev.Step
	default:
		return ev.Message
	}
}

func lastUserContent(messages []chatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		if s, ok := messages[i].Content.(string); ok {
			return s
		}
	}
	return ""
}

// isModelAllowed enforces a token's AllowedModels scope (spec.md §7's
// auth-failure path); an empty list means no restriction.
func isModelAllowed(identity authIdentity, model string) bool {
	if model == "" || len(identity.AllowedModels) == 0 {
		return true
	}
	for _, m := range identity.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}
