package provider

import "fmt"

// The xAI, Mistral, Perplexity, DeepSeek, and self-hosted/vLLM vendors are
// wire-compatible with OpenAI's chat completions API (spec.md §4.1's wire
// format table row "Self-hosted generic ... Same as OpenAI chat"); each
// constructor below is a thin default-base-URL wrapper around the shared
// OpenAI adapter, the same pattern the teacher's config doc comment
// describes for Groq/GitHub Models/OpenRouter/LM Studio/vLLM.

const (
	XAIDefaultBaseURL        = "https://api.x.ai/v1/chat/completions"
	MistralDefaultBaseURL    = "https://api.mistral.ai/v1/chat/completions"
	PerplexityDefaultBaseURL = "https://api.perplexity.ai/chat/completions"
	DeepSeekDefaultBaseURL   = "https://api.deepseek.com/chat/completions"
)

func NewXAI(apiKey, baseURL string) (*OpenAI, error) {
	if baseURL == "" {
		baseURL = XAIDefaultBaseURL
	}
	return NewOpenAI("xai", apiKey, baseURL, nil)
}

func NewMistral(apiKey, baseURL string) (*OpenAI, error) {
	if baseURL == "" {
		baseURL = MistralDefaultBaseURL
	}
	return NewOpenAI("mistral", apiKey, baseURL, nil)
}

func NewPerplexity(apiKey, baseURL string) (*OpenAI, error) {
	if baseURL == "" {
		baseURL = PerplexityDefaultBaseURL
	}
	return NewOpenAI("perplexity", apiKey, baseURL, nil)
}

func NewDeepSeek(apiKey, baseURL string) (*OpenAI, error) {
	if baseURL == "" {
		baseURL = DeepSeekDefaultBaseURL
	}
	return NewOpenAI("deepseek", apiKey, baseURL, nil)
}

// NewSelfHosted builds an adapter for a self-hosted OpenAI-compatible
// endpoint (vLLM, LM Studio, Ollama's /v1 compat surface, ...). baseURL is
// required; apiKey is usually empty for local deployments.
func NewSelfHosted(apiKey, baseURL string) (*OpenAI, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("self-hosted provider requires a base URL")
	}

	adapter, err := NewOpenAI("selfhosted", apiKey, baseURL, nil)
	if err != nil {
		return nil, err
	}

	adapter.client.HTTP.Transport = withFallbackTransport(adapter.client.HTTP.Transport)

	return adapter, nil
}

// NewAzure builds an adapter for Azure OpenAI. deployment and apiVersion are
// folded into the base URL since Azure's path shape is
// "/openai/deployments/{dep}/chat/completions?api-version=..." rather than
// a flat "/chat/completions" (spec.md §4.1's wire table).
func NewAzure(apiKey, endpoint, deployment, apiVersion string) (*OpenAI, error) {
	if apiVersion == "" {
		apiVersion = "2024-02-15-preview"
	}
	baseURL := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s", endpoint, deployment, apiVersion)

	return NewOpenAI("azure", "", baseURL, map[string]string{"api-key": apiKey})
}
