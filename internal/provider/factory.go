package provider

import (
	"fmt"
	"strings"

	"github.com/rakunlabs/mawi-gateway/internal/domain"
)

// New builds the Adapter for a Provider, given its decrypted API key (empty
// for providers that use ambient credentials, like Vertex's ADC token
// source or a self-hosted server with no auth) and the Azure deployment
// name (ignored for every other provider type — Azure is the only vendor
// whose URL path names the model instead of the request body).
func New(p domain.Provider, apiKey, azureDeployment string) (Adapter, error) {
	switch p.Type {
	case domain.ProviderOpenAI:
		base := p.Endpoint
		if base == "" {
			base = OpenAIDefaultBaseURL
		}
		return NewOpenAI("openai", apiKey, base, nil)
	case domain.ProviderAzure:
		return NewAzure(apiKey, p.Endpoint, azureDeployment, p.APIVersion)
	case domain.ProviderGoogle:
		// Vertex AI is wire-compatible OpenAI chat completions reached
		// through an aiplatform.googleapis.com endpoint and ADC
		// credentials; the plain Gemini API uses its own REST shape and
		// an x-goog-api-key header. Distinguish by endpoint host.
		if strings.Contains(p.Endpoint, "aiplatform.googleapis.com") {
			return NewVertex(p.Endpoint)
		}
		base := p.Endpoint
		if base == "" {
			base = GeminiDefaultBaseURL
		}
		return NewGemini(apiKey, base)
	case domain.ProviderAnthropic:
		base := p.Endpoint
		if base == "" {
			base = AnthropicDefaultBaseURL
		}
		return NewAnthropic(apiKey, base)
	case domain.ProviderXAI:
		return NewXAI(apiKey)
	case domain.ProviderMistral:
		return NewMistral(apiKey)
	case domain.ProviderPerplexity:
		return NewPerplexity(apiKey)
	case domain.ProviderDeepSeek:
		return NewDeepSeek(apiKey)
	case domain.ProviderElevenLabs:
		base := p.Endpoint
		if base == "" {
			base = ElevenLabsDefaultBaseURL
		}
		return NewElevenLabs(apiKey, base)
	case domain.ProviderSelfHosted, domain.ProviderOllama:
		return NewSelfHosted(apiKey, p.Endpoint)
	default:
		return nil, fmt.Errorf("provider: unknown provider type %q", p.Type)
	}
}

// NewForModel builds the Adapter a Model should be dispatched to: Azure
// uses the model's own name as its deployment name, and a self-hosted or
// Ollama model's endpoint override (a model pinned to its own server)
// takes precedence over the owning Provider's endpoint.
func NewForModel(p domain.Provider, m domain.Model, apiKey string) (Adapter, error) {
	if m.EndpointOverride != "" {
		p.Endpoint = m.EndpointOverride
	}
	return New(p, apiKey, m.Name)
}
