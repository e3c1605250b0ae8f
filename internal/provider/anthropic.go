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

const AnthropicDefaultBaseURL = "https://api.anthropic.com"

// Anthropic implements the /v1/messages wire format: system prompt
// separated from the message list, SSE events of type content_block_delta
// carrying delta.text (spec.md §4.1's wire format table).
type Anthropic struct {
	UnsupportedAdapter

	APIKey string
	client *klient.Client
}

func NewAnthropic(apiKey, baseURL string) (*Anthropic, error) {
	if baseURL == "" {
		baseURL = AnthropicDefaultBaseURL
	}

	client, err := klient.New(
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(http.Header{
			"X-Api-Key":         []string{apiKey},
			"Anthropic-Version": []string{"2023-06-01"},
			"Content-Type":      []string{"application/json"},
		}),
		klient.WithDisableRetry(true),
	)
	if err != nil {
		return nil, fmt.Errorf("build anthropic client: %w", err)
	}

	return &Anthropic{UnsupportedAdapter: UnsupportedAdapter{ProviderName: "anthropic"}, APIKey: apiKey, client: client}, nil
}

type anthropicContentBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

func (a *Anthropic) buildBody(req ChatRequest) map[string]any {
	var system string
	var messages []map[string]any
	for _, m := range req.Messages {
		if m.Role == "system" {
			if s, ok := m.Content.(string); ok {
				system = s
			}
			continue
		}
		if shaped, ok := m.Content.(map[string]any); ok {
			messages = append(messages, shaped)
			continue
		}
		messages = append(messages, map[string]any{"role": m.Role, "content": m.Content})
	}

	body := map[string]any{
		"model":      req.Model,
		"messages":   messages,
		"max_tokens": 4096,
	}
	if req.MaxTokens != nil {
		body["max_tokens"] = *req.MaxTokens
	}
	if system != "" {
		body["system"] = system
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.InputSchema,
			}
		}
		body["tools"] = tools
	}

	return body
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Error      *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *Anthropic) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(a.buildBody(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var result anthropicResponse
	if err := a.client.Do(httpReq, func(r *http.Response) error {
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

	resp := &ChatResponse{
		Finished: result.StopReason != "tool_use",
		Usage: Usage{
			PromptTokens:     result.Usage.InputTokens,
			CompletionTokens: result.Usage.OutputTokens,
			TotalTokens:      result.Usage.InputTokens + result.Usage.OutputTokens,
		},
	}
	for _, block := range result.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Arguments: block.Input})
		}
	}

	return resp, nil
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Anthropic) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	body := a.buildBody(req)
	body["stream"] = true

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/messages", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	resp, err := a.client.HTTP.Do(httpReq)
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
		var currentToolID, currentToolName string
		var currentToolArgsJSON string
		var inToolBlock bool

		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				for _, payload := range dec.Feed(buf[:n]) {
					var ev anthropicStreamEvent
					if err := json.Unmarshal([]byte(payload), &ev); err != nil {
						continue // Anthropic SSE also emits "event: ..." framing lines we don't model separately
					}

					switch ev.Type {
					case "content_block_start":
						if ev.ContentBlock.Type == "tool_use" {
							inToolBlock = true
							currentToolID = ev.ContentBlock.ID
							currentToolName = ev.ContentBlock.Name
							currentToolArgsJSON = ""
						}
					case "content_block_delta":
						if ev.Delta.Type == "text_delta" {
							ch <- StreamChunk{Content: ev.Delta.Text}
						} else if ev.Delta.Type == "input_json_delta" {
							currentToolArgsJSON += ev.Delta.PartialJSON
						}
					case "content_block_stop":
						if inToolBlock {
							var args map[string]any
							_ = json.Unmarshal([]byte(currentToolArgsJSON), &args)
							ch <- StreamChunk{ToolCalls: []ToolCall{{ID: currentToolID, Name: currentToolName, Arguments: args}}}
							inToolBlock = false
						}
					case "message_delta":
						if ev.Delta.StopReason != "" {
							ch <- StreamChunk{
								FinishReason: ev.Delta.StopReason,
								Usage:        &Usage{CompletionTokens: ev.Usage.OutputTokens},
							}
						}
					case "error":
						ch <- StreamChunk{Err: fmt.Errorf("provider error: %s", ev.Error.Message)}
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
		}
	}()

	return ch, nil
}
