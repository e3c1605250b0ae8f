package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/mawi-gateway/internal/sse"
)

const GeminiDefaultBaseURL = "https://generativelanguage.googleapis.com"

// Gemini implements the Google Generative Language API: non-streaming
// POST /v1beta/models/{model}:generateContent, streaming
// POST /v1beta/models/{model}:streamGenerateContent?alt=sse (spec.md §4.1's
// wire format table: "Gemini ... NDJSON/SSE").
type Gemini struct {
	UnsupportedAdapter

	BaseURL string
	APIKey  string
	client  *klient.Client
}

func NewGemini(apiKey, baseURL string) (*Gemini, error) {
	if baseURL == "" {
		baseURL = GeminiDefaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	client, err := klient.New(
		klient.WithBaseURL(baseURL),
		klient.WithDisableBaseURLCheck(true),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(http.Header{
			"Content-Type":   []string{"application/json"},
			"x-goog-api-key": []string{apiKey},
		}),
		klient.WithDisableRetry(true),
	)
	if err != nil {
		return nil, fmt.Errorf("build gemini client: %w", err)
	}

	return &Gemini{UnsupportedAdapter: UnsupportedAdapter{ProviderName: "gemini"}, BaseURL: baseURL, APIKey: apiKey, client: client}, nil
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string          `json:"text,omitempty"`
	FunctionCall     *geminiFuncCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFuncResp `json:"functionResponse,omitempty"`
}

type geminiFuncCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFuncResp struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

func (g *Gemini) buildBody(req ChatRequest) map[string]any {
	var system *geminiContent
	var contents []geminiContent
	for _, m := range req.Messages {
		role := m.Role
		if role == "assistant" {
			role = "model"
		}
		text, _ := m.Content.(string)
		if m.Role == "system" {
			system = &geminiContent{Parts: []geminiPart{{Text: text}}}
			continue
		}
		contents = append(contents, geminiContent{Role: role, Parts: []geminiPart{{Text: text}}})
	}

	body := map[string]any{"contents": contents}
	if system != nil {
		body["systemInstruction"] = system
	}
	if len(req.Tools) > 0 {
		decls := make([]map[string]any, len(req.Tools))
		for i, t := range req.Tools {
			decls[i] = map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  sanitizeSchema(t.InputSchema),
			}
		}
		body["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}

	genConfig := map[string]any{}
	if req.Temperature != nil {
		genConfig["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		genConfig["maxOutputTokens"] = *req.MaxTokens
	}
	if len(genConfig) > 0 {
		body["generationConfig"] = genConfig
	}

	return body
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func extractGeminiChunk(cand geminiContent) (string, []ToolCall) {
	var text string
	var calls []ToolCall
	for _, part := range cand.Parts {
		text += part.Text
		if part.FunctionCall != nil {
			calls = append(calls, ToolCall{Name: part.FunctionCall.Name, Arguments: part.FunctionCall.Args})
		}
	}
	return text, calls
}

func (g *Gemini) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	data, err := json.Marshal(g.buildBody(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	path := fmt.Sprintf("/v1beta/models/%s:generateContent", req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	var result geminiResponse
	if err := g.client.Do(httpReq, func(r *http.Response) error {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		if r.StatusCode >= 300 {
			return fmt.Errorf("provider error %d %s", r.StatusCode, string(body))
		}
		return json.Unmarshal(body, &result)
	}); err != nil {
		return nil, err
	}

	if result.Error != nil {
		return nil, fmt.Errorf("provider error: %s", result.Error.Message)
	}
	if len(result.Candidates) == 0 {
		return nil, fmt.Errorf("no response candidates from provider")
	}

	text, calls := extractGeminiChunk(result.Candidates[0].Content)
	return &ChatResponse{
		Content:   text,
		ToolCalls: calls,
		Finished:  result.Candidates[0].FinishReason != "" && result.Candidates[0].FinishReason != "FUNCTION_CALL",
		Usage: Usage{
			PromptTokens:     result.UsageMetadata.PromptTokenCount,
			CompletionTokens: result.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      result.UsageMetadata.TotalTokenCount,
		},
	}, nil
}

func (g *Gemini) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	data, err := json.Marshal(g.buildBody(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	path := fmt.Sprintf("/v1beta/models/%s:streamGenerateContent?alt=sse", req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	resp, err := g.client.HTTP.Do(httpReq)
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
					var chunk geminiResponse
					if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
						ch <- StreamChunk{Err: fmt.Errorf("decode stream chunk: %w", err)}
						return
					}
					if chunk.Error != nil {
						ch <- StreamChunk{Err: fmt.Errorf("provider error: %s", chunk.Error.Message)}
						return
					}
					if len(chunk.Candidates) == 0 {
						continue
					}
					text, calls := extractGeminiChunk(chunk.Candidates[0].Content)
					out := StreamChunk{Content: text, ToolCalls: calls, FinishReason: chunk.Candidates[0].FinishReason}
					if chunk.UsageMetadata.TotalTokenCount > 0 {
						out.Usage = &Usage{
							PromptTokens:     chunk.UsageMetadata.PromptTokenCount,
							CompletionTokens: chunk.UsageMetadata.CandidatesTokenCount,
							TotalTokens:      chunk.UsageMetadata.TotalTokenCount,
						}
					}
					ch <- out
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
