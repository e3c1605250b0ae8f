package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/mawi-gateway/internal/sse"
)

// OpenAIDefaultBaseURL is the default chat completions endpoint for the
// plain OpenAI vendor.
const OpenAIDefaultBaseURL = "https://api.openai.com/v1/chat/completions"

// OpenAI is the OpenAI-family adapter: plain OpenAI and every
// OpenAI-compatible vendor (xAI, Mistral, Perplexity, DeepSeek,
// self-hosted/vLLM/Ollama-OpenAI-compat) wrap it with a different default
// base URL and auth header, per spec.md §4.1's wire format table row
// "Self-hosted generic ... Same as OpenAI chat".
type OpenAI struct {
	UnsupportedAdapter

	APIKey  string
	BaseURL string

	client      *klient.Client
	tokenSource TokenSource
}

// TokenSource supplies a fresh bearer token per request, overriding the
// adapter's static APIKey. Used by Vertex's Google ADC credential path.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// WithTokenSource attaches a per-request token source to an already-built
// adapter (used by NewVertex, which needs Google ADC tokens instead of a
// static API key).
func (o *OpenAI) WithTokenSource(ts TokenSource) *OpenAI {
	o.tokenSource = ts
	return o
}

// NewOpenAI builds an OpenAI-wire-compatible adapter. authHeader/authValue
// let callers plug in a vendor-specific auth scheme (Azure's "api-key",
// ElevenLabs' "xi-api-key") while reusing the same request/response shape;
// pass "Authorization", "Bearer "+apiKey for plain Bearer auth.
func NewOpenAI(providerName, apiKey, baseURL string, extraHeaders map[string]string) (*OpenAI, error) {
	if baseURL == "" {
		baseURL = OpenAIDefaultBaseURL
	}

	headers := http.Header{"Content-Type": []string{"application/json"}}
	if apiKey != "" {
		headers["Authorization"] = []string{"Bearer " + apiKey}
	}
	for k, v := range extraHeaders {
		headers[k] = []string{v}
	}

	client, err := klient.New(
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(headers),
		klient.WithDisableRetry(true),
	)
	if err != nil {
		return nil, fmt.Errorf("build %s client: %w", providerName, err)
	}

	return &OpenAI{
		UnsupportedAdapter: UnsupportedAdapter{ProviderName: providerName},
		APIKey:             apiKey,
		BaseURL:            baseURL,
		client:             client,
	}, nil
}

type openAIChoice struct {
	Message struct {
		Content   string               `json:"content"`
		ToolCalls []openAIWireToolCall `json:"tool_calls"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type openAIWireToolCall struct {
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIResponse struct {
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Choices []openAIChoice `json:"choices"`
	Usage   *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

func (o *OpenAI) buildBody(req ChatRequest) map[string]any {
	wireTools := make([]map[string]any, len(req.Tools))
	for i, t := range req.Tools {
		wireTools[i] = map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.InputSchema,
			},
		}
	}

	wireMessages := make([]any, len(req.Messages))
	for i, m := range req.Messages {
		if shaped, ok := m.Content.(map[string]any); ok {
			wireMessages[i] = shaped
			continue
		}
		wireMessages[i] = map[string]any{"role": m.Role, "content": m.Content}
	}

	body := map[string]any{
		"model":    req.Model,
		"messages": wireMessages,
	}
	if len(req.Tools) > 0 {
		body["tools"] = wireTools
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		body["max_tokens"] = *req.MaxTokens
	}
	if req.ResponseFormat != "" {
		body["response_format"] = map[string]any{"type": req.ResponseFormat}
	}
	if req.ReasoningEffort != "" {
		body["reasoning_effort"] = req.ReasoningEffort
	}

	return body
}

func (o *OpenAI) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(o.buildBody(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if err := o.applyTokenSource(httpReq); err != nil {
		return nil, err
	}

	var result openAIResponse
	if err := o.client.Do(httpReq, func(r *http.Response) error {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		if r.StatusCode >= 300 {
			return fmt.Errorf("provider error %d %s", r.StatusCode, string(data))
		}
		return json.Unmarshal(data, &result)
	}); err != nil {
		return nil, err
	}

	if result.Error != nil {
		return nil, fmt.Errorf("provider error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("no response choices from provider")
	}

	choice := result.Choices[0]
	resp := &ChatResponse{
		Content:  choice.Message.Content,
		Finished: choice.FinishReason != "tool_calls",
	}
	if result.Usage != nil {
		resp.Usage = Usage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
		}
	}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("parse tool call arguments: %w", err)
			}
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}

	return resp, nil
}

type openAIStreamChunkWire struct {
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Choices []struct {
		Delta struct {
			Content   string               `json:"content,omitempty"`
			ToolCalls []openAIWireToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

func (o *OpenAI) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	body := o.buildBody(req)
	body["stream"] = true
	body["stream_options"] = map[string]any{"include_usage": true}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.BaseURL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if err := o.applyTokenSource(httpReq); err != nil {
		return nil, err
	}

	resp, err := o.client.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("streaming request failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("provider error %d %s", resp.StatusCode, string(body))
	}

	ch := make(chan StreamChunk, 64)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		var dec sse.Decoder
		buf := make([]byte, 64*1024)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				for _, payload := range dec.Feed(buf[:n]) {
					if done := emitOpenAIChunk(ch, payload); done {
						return
					}
				}
			}
			if readErr != nil {
				if readErr != io.EOF {
					ch <- StreamChunk{Err: fmt.Errorf("stream read error: %w", readErr)}
				}
				return
			}
			if dec.Done() {
				return
			}
		}
	}()

	return ch, nil
}

// applyTokenSource overrides the Authorization header with a freshly
// minted token, when a token source is configured. klient only applies its
// default headers when they aren't already present, so this takes priority
// over the static APIKey header.
func (o *OpenAI) applyTokenSource(req *http.Request) error {
	if o.tokenSource == nil {
		return nil
	}
	token, err := o.tokenSource.Token(req.Context())
	if err != nil {
		return fmt.Errorf("get auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// emitOpenAIChunk decodes one SSE data payload and sends it on ch. Returns
// true if the caller should stop reading (terminal error).
func emitOpenAIChunk(ch chan<- StreamChunk, payload string) bool {
	var sr openAIStreamChunkWire
	if err := json.Unmarshal([]byte(payload), &sr); err != nil {
		ch <- StreamChunk{Err: fmt.Errorf("decode stream chunk: %w", err)}
		return true
	}

	if sr.Error != nil {
		ch <- StreamChunk{Err: fmt.Errorf("provider error: %s", sr.Error.Message)}
		return true
	}

	if len(sr.Choices) == 0 {
		if sr.Usage != nil {
			ch <- StreamChunk{Usage: &Usage{
				PromptTokens:     sr.Usage.PromptTokens,
				CompletionTokens: sr.Usage.CompletionTokens,
				TotalTokens:      sr.Usage.TotalTokens,
			}}
		}
		return false
	}

	choice := sr.Choices[0]
	chunk := StreamChunk{Content: choice.Delta.Content}
	for _, tc := range choice.Delta.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		}
		chunk.ToolCalls = append(chunk.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	if choice.FinishReason != nil {
		chunk.FinishReason = *choice.FinishReason
	}

	ch <- chunk
	return false
}
