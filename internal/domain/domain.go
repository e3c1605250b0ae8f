// Package domain holds the gateway's core entity types: the things that get
// routed, executed against, billed, and logged. Nothing here talks to a
// database or the network — it is the shape every store backend and every
// request handler agrees on.
package domain

import (
	"time"

	"github.com/worldline-go/types"
)

// Modality is a coarse content type a Model or Service can accept/produce.
type Modality string

const (
	ModalityText       Modality = "text"
	ModalityImage      Modality = "image"
	ModalityAudio      Modality = "audio"
	ModalityVideo      Modality = "video"
	ModalityMultimodal Modality = "multimodal"
)

// ProviderType is the closed enum of upstream vendor kinds.
type ProviderType string

const (
	ProviderOpenAI      ProviderType = "openai"
	ProviderAzure       ProviderType = "azure"
	ProviderGoogle      ProviderType = "google"
	ProviderAnthropic   ProviderType = "anthropic"
	ProviderXAI         ProviderType = "xai"
	ProviderMistral     ProviderType = "mistral"
	ProviderPerplexity  ProviderType = "perplexity"
	ProviderDeepSeek    ProviderType = "deepseek"
	ProviderElevenLabs  ProviderType = "elevenlabs"
	ProviderSelfHosted  ProviderType = "selfhosted"
	ProviderOllama      ProviderType = "ollama"
)

// ServiceType distinguishes a plain model pool from an agentic orchestrator.
type ServiceType string

const (
	ServicePool    ServiceType = "POOL"
	ServiceAgentic ServiceType = "AGENTIC"
)

// Strategy selects how a Service orders its candidate models for an attempt.
type Strategy string

const (
	StrategyWeighted       Strategy = "weighted"
	StrategyWeightedRandom Strategy = "weighted_random"
	StrategyPool           Strategy = "pool"
	StrategyHealth         Strategy = "health"
	StrategyLeaderWorker   Strategy = "leader-worker"
	StrategyPriority       Strategy = "priority"
	StrategyLeastCost      Strategy = "least_cost"
	StrategyLeastLatency   Strategy = "least_latency"
	StrategyNone           Strategy = "none"
)

// AgenticToolType enumerates where an AgenticTool's target_id points.
type AgenticToolType string

const (
	ToolKindModel   AgenticToolType = "model"
	ToolKindService AgenticToolType = "service"
	ToolKindImage   AgenticToolType = "image"
	ToolKindVideo   AgenticToolType = "video"
	ToolKindTTS     AgenticToolType = "tts"
	ToolKindSTT     AgenticToolType = "stt"
	ToolKindMCP     AgenticToolType = "mcp"
)

// McpTransport is how the gateway talks to an MCP server subprocess.
type McpTransport string

const (
	McpTransportStdio  McpTransport = "stdio"
	McpTransportDocker McpTransport = "docker"
	McpTransportSSE    McpTransport = "sse" // reserved, not implemented
)

// User is a billable identity with a monthly USD quota.
type User struct {
	ID             string          `json:"id"`
	Email          string          `json:"email"`
	OrganizationID types.Null[string] `json:"organization_id,omitzero"`
	QuotaUSD       float64         `json:"quota_usd"`
	UsedUSD        float64         `json:"used_usd"`
	ResetAt        time.Time       `json:"reset_at"`
	IsFreeTier     bool            `json:"is_free_tier"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Organization is a group-level quota bucket users can overflow into.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	QuotaUSD  float64   `json:"quota_usd"`
	UsedUSD   float64   `json:"used_usd"`
	ResetAt   time.Time `json:"reset_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Provider is a vendor configuration: how to reach and authenticate to one
// upstream. The API key is always stored through internal/crypto.
type Provider struct {
	ID              string       `json:"id"`
	Key             string       `json:"key"`
	Type            ProviderType `json:"type"`
	Endpoint        string       `json:"endpoint,omitempty"`
	APIVersion      string       `json:"api_version,omitempty"`
	EncryptedAPIKey string       `json:"-"`
	OwnerID         string       `json:"owner_id"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Model is one addressable model on a Provider, with optional overrides.
type Model struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	ProviderID   string       `json:"provider_id"`
	ProviderType ProviderType `json:"provider_type"`
	Modality     Modality     `json:"modality"`
	ContextWindow          int      `json:"context_window"`
	CostInputPer1KUSD      *float64 `json:"cost_input_per_1k_usd,omitempty"`
	CostOutputPer1KUSD     *float64 `json:"cost_output_per_1k_usd,omitempty"`
	EndpointOverride       string   `json:"endpoint_override,omitempty"`
	EncryptedAPIKeyOverride string  `json:"-"`
	OwnerID                string  `json:"owner_id"`
}

// RTCROS is the six-section prompt template attached to a ServiceModelAssignment.
type RTCROS struct {
	Role      string `json:"role,omitempty"`
	Task      string `json:"task,omitempty"`
	Context   string `json:"context,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
	Output    string `json:"output,omitempty"`
	Stop      string `json:"stop,omitempty"`
}

// IsEmpty reports whether every section is blank.
func (r RTCROS) IsEmpty() bool {
	return r.Role == "" && r.Task == "" && r.Context == "" &&
		r.Reasoning == "" && r.Output == "" && r.Stop == ""
}

// Service is the named, client-facing routing unit: either a POOL over
// several models, or an AGENTIC orchestrator driven by a planner model.
type Service struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	Type             ServiceType `json:"type"`
	Strategy         Strategy    `json:"strategy"`
	InputModalities  []Modality  `json:"input_modalities"`
	OutputModalities []Modality  `json:"output_modalities"`

	// Agentic-only fields.
	PlannerModelID string `json:"planner_model_id,omitempty"`
	SystemPrompt   string `json:"system_prompt,omitempty"`
	MaxIterations  int    `json:"max_iterations,omitempty"`

	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ServiceModelAssignment binds a Model into a Service at a position/weight.
type ServiceModelAssignment struct {
	ID        string `json:"id"`
	ServiceID string `json:"service_id"`
	ModelID   string `json:"model_id"`
	Position  int    `json:"position"`
	Weight    int    `json:"weight"`
	RTCROS    RTCROS `json:"rtcros"`
}

// ModelHealth is passively-derived, mutated only by the executor.
type ModelHealth struct {
	ModelID             string    `json:"model_id"`
	IsHealthy           bool      `json:"is_healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCheck           time.Time `json:"last_check"`
	LastError           string    `json:"last_error,omitempty"`
	ResponseTimeMS      int64     `json:"response_time_ms"`
}

// RequestLog is an immutable record of one execution attempt.
type RequestLog struct {
	ID             string    `json:"id"`
	CorrelationID  string    `json:"correlation_id"`
	UserID         string    `json:"user_id"`
	ServiceName    string    `json:"service_name"`
	ModelID        string    `json:"model_id"`
	Status         string    `json:"status"` // "success" | "error"
	DurationUS     int64     `json:"duration_us"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	CostUSD        float64   `json:"cost_usd"`
	FailoverCount  int       `json:"failover_count"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// AgenticTool is one entry in an AGENTIC service's declared tool set.
type AgenticTool struct {
	ID       string          `json:"id"`
	ServiceID string         `json:"service_id"`
	Name     string          `json:"name"`
	Type     AgenticToolType `json:"type"`
	TargetID string          `json:"target_id"`
	Params   map[string]any  `json:"params,omitempty"`
}

// McpServer is a subprocess descriptor for one MCP connection.
type McpServer struct {
	ID        string            `json:"id"`
	Key       string            `json:"key"`
	Transport McpTransport      `json:"transport"`
	Command   string            `json:"command"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	OwnerID   string            `json:"owner_id"`
}

// Session is a sliding-window login token; each validation extends expiry.
type Session struct {
	Token     string    `json:"-"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// APIToken is a long-lived `sk_`-prefixed bearer credential.
type APIToken struct {
	ID               string                  `json:"id"`
	OwnerID          string                  `json:"owner_id"`
	Name             string                  `json:"name"`
	TokenPrefix      string                  `json:"token_prefix"`
	AllowedProviders types.Slice[string]     `json:"allowed_providers"`
	AllowedModels    types.Slice[string]     `json:"allowed_models"`
	ExpiresAt        types.Null[types.Time]  `json:"expires_at,omitzero"`
	CreatedAt        types.Time              `json:"created_at"`
	LastUsedAt       types.Null[types.Time]  `json:"last_used_at,omitzero"`
}
