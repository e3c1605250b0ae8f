package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rakunlabs/mawi-gateway/internal/domain"
	"github.com/rakunlabs/mawi-gateway/internal/gatewayerr"
	"github.com/worldline-go/types"
)

func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return gatewayerr.Wrap(gatewayerr.ValidationFailure, "decode request body", err)
	}
	return nil
}

// ── Providers ──

type providerRequest struct {
	Key        string              `json:"key"`
	Type       domain.ProviderType `json:"type"`
	Endpoint   string              `json:"endpoint,omitempty"`
	APIVersion string              `json:"api_version,omitempty"`
	APIKey     string              `json:"api_key,omitempty"`
}

func (s *Server) ListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.store.ListProviders(r.Context())
	if err != nil {
		httpResponseError(w, err)
		return
	}
	httpResponseJSON(w, providers, http.StatusOK)
}

func (s *Server) CreateProvider(w http.ResponseWriter, r *http.Request) {
	var req providerRequest
	if err := decodeBody(r, &req); err != nil {
		httpResponseError(w, err)
		return
	}

	created, err := s.store.CreateProvider(r.Context(), domain.Provider{
		Key:        req.Key,
		Type:       req.Type,
		Endpoint:   req.Endpoint,
		APIVersion: req.APIVersion,
	}, req.APIKey)
	if err != nil {
		httpResponseError(w, err)
		return
	}

	httpResponseJSON(w, created, http.StatusCreated)
}

func (s *Server) UpdateProvider(w http.ResponseWriter, r *http.Request) {
	var req providerRequest
	if err := decodeBody(r, &req); err != nil {
		httpResponseError(w, err)
		return
	}

	updated, err := s.store.UpdateProvider(r.Context(), r.PathValue("id"), domain.Provider{
		Key:        req.Key,
		Type:       req.Type,
		Endpoint:   req.Endpoint,
		APIVersion: req.APIVersion,
	}, req.APIKey)
	if err != nil {
		httpResponseError(w, err)
		return
	}

	httpResponseJSON(w, updated, http.StatusOK)
}

func (s *Server) DeleteProvider(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteProvider(r.Context(), r.PathValue("id")); err != nil {
		httpResponseError(w, err)
		return
	}
	httpResponse(w, "deleted", http.StatusOK)
}

// RotateEncryptionKey implements the §8 "rotate-key" admin operation:
// re-encrypts every stored credential under a newly generated master key.
// The generated key is returned exactly once — callers must persist it to
// MAWI_MASTER_KEY themselves before the next restart.
func (s *Server) RotateEncryptionKey(w http.ResponseWriter, r *http.Request) {
	newKey := make([]byte, 32)
	if _, err := rand.Read(newKey); err != nil {
		httpResponseError(w, gatewayerr.Wrap(gatewayerr.InternalFailure, "generate key", err))
		return
	}

	if err := s.store.RotateEncryptionKey(r.Context(), newKey); err != nil {
		httpResponseError(w, err)
		return
	}

	httpResponseJSON(w, map[string]string{"master_key": hex.EncodeToString(newKey)}, http.StatusOK)
}

// ── Models ──

type modelRequest struct {
	Name               string              `json:"name"`
	ProviderID         string              `json:"provider_id"`
	ProviderType       domain.ProviderType `json:"provider_type"`
	Modality           domain.Modality     `json:"modality"`
	ContextWindow      int                 `json:"context_window"`
	CostInputPer1KUSD  *float64            `json:"cost_input_per_1k_usd,omitempty"`
	CostOutputPer1KUSD *float64            `json:"cost_output_per_1k_usd,omitempty"`
	EndpointOverride   string              `json:"endpoint_override,omitempty"`
	APIKeyOverride     string              `json:"api_key_override,omitempty"`
}

func (s *Server) ListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.store.ListModels(r.Context())
	if err != nil {
		httpResponseError(w, err)
		return
	}
	httpResponseJSON(w, models, http.StatusOK)
}

func (s *Server) CreateModel(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := decodeBody(r, &req); err != nil {
		httpResponseError(w, err)
		return
	}

	created, err := s.store.CreateModel(r.Context(), modelRequestToDomain(req), req.APIKeyOverride)
	if err != nil {
		httpResponseError(w, err)
		return
	}
	httpResponseJSON(w, created, http.StatusCreated)
}

func (s *Server) UpdateModel(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := decodeBody(r, &req); err != nil {
		httpResponseError(w, err)
		return
	}

	updated, err := s.store.UpdateModel(r.Context(), r.PathValue("id"), modelRequestToDomain(req), req.APIKeyOverride)
	if err != nil {
		httpResponseError(w, err)
		return
	}
	httpResponseJSON(w, updated, http.StatusOK)
}

func modelRequestToDomain(req modelRequest) domain.Model {
	return domain.Model{
		Name:               req.Name,
		ProviderID:         req.ProviderID,
		ProviderType:       req.ProviderType,
		Modality:           req.Modality,
		ContextWindow:      req.ContextWindow,
		CostInputPer1KUSD:  req.CostInputPer1KUSD,
		CostOutputPer1KUSD: req.CostOutputPer1KUSD,
		EndpointOverride:   req.EndpointOverride,
	}
}

func (s *Server) DeleteModel(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteModel(r.Context(), r.PathValue("id")); err != nil {
		httpResponseError(w, err)
		return
	}
	httpResponse(w, "deleted", http.StatusOK)
}

// ── Services ──

type serviceRequest struct {
	Name             string             `json:"name"`
	Type             domain.ServiceType `json:"type"`
	Strategy         domain.Strategy    `json:"strategy"`
	InputModalities  []domain.Modality  `json:"input_modalities,omitempty"`
	OutputModalities []domain.Modality  `json:"output_modalities,omitempty"`
	PlannerModelID   string             `json:"planner_model_id,omitempty"`
	SystemPrompt     string             `json:"system_prompt,omitempty"`
	MaxIterations    int                `json:"max_iterations,omitempty"`
}

func (s *Server) ListServices(w http.ResponseWriter, r *http.Request) {
	services, err := s.store.ListServices(r.Context())
	if err != nil {
		httpResponseError(w, err)
		return
	}
	httpResponseJSON(w, services, http.StatusOK)
}

func (s *Server) CreateService(w http.ResponseWriter, r *http.Request) {
	var req serviceRequest
	if err := decodeBody(r, &req); err != nil {
		httpResponseError(w, err)
		return
	}

	created, err := s.store.CreateService(r.Context(), serviceRequestToDomain(req))
	if err != nil {
		httpResponseError(w, err)
		return
	}
	httpResponseJSON(w, created, http.StatusCreated)
}

func (s *Server) UpdateService(w http.ResponseWriter, r *http.Request) {
	var req serviceRequest
	if err := decodeBody(r, &req); err != nil {
		httpResponseError(w, err)
		return
	}

	updated, err := s.store.UpdateService(r.Context(), r.PathValue("id"), serviceRequestToDomain(req))
	if err != nil {
		httpResponseError(w, err)
		return
	}
	httpResponseJSON(w, updated, http.StatusOK)
}

func serviceRequestToDomain(req serviceRequest) domain.Service {
	return domain.Service{
		Name:             req.Name,
		Type:             req.Type,
		Strategy:         req.Strategy,
		InputModalities:  req.InputModalities,
		OutputModalities: req.OutputModalities,
		PlannerModelID:   req.PlannerModelID,
		SystemPrompt:     req.SystemPrompt,
		MaxIterations:    req.MaxIterations,
	}
}

func (s *Server) DeleteService(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteService(r.Context(), r.PathValue("id")); err != nil {
		httpResponseError(w, err)
		return
	}
	httpResponse(w, "deleted", http.StatusOK)
}

func (s *Server) SetServiceAssignments(w http.ResponseWriter, r *http.Request) {
	var assignments []domain.ServiceModelAssignment
	if err := decodeBody(r, &assignments); err != nil {
		httpResponseError(w, err)
		return
	}

	if err := s.store.SetAssignments(r.Context(), r.PathValue("id"), assignments); err != nil {
		httpResponseError(w, err)
		return
	}
	httpResponse(w, "updated", http.StatusOK)
}

func (s *Server) SetServiceTools(w http.ResponseWriter, r *http.Request) {
	var tools []domain.AgenticTool
	if err := decodeBody(r, &tools); err != nil {
		httpResponseError(w, err)
		return
	}

	if err := s.store.SetAgenticTools(r.Context(), r.PathValue("id"), tools); err != nil {
		httpResponseError(w, err)
		return
	}
	httpResponse(w, "updated", http.StatusOK)
}

// ── Users ──

type userRequest struct {
	Email          string  `json:"email"`
	OrganizationID string  `json:"organization_id,omitempty"`
	QuotaUSD       float64 `json:"quota_usd"`
	IsFreeTier     bool    `json:"is_free_tier,omitempty"`
}

func (s *Server) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		httpResponseError(w, err)
		return
	}
	httpResponseJSON(w, users, http.StatusOK)
}

func (s *Server) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := decodeBody(r, &req); err != nil {
		httpResponseError(w, err)
		return
	}

	created, err := s.store.CreateUser(r.Context(), userRequestToDomain(req))
	if err != nil {
		httpResponseError(w, err)
		return
	}
	httpResponseJSON(w, created, http.StatusCreated)
}

func (s *Server) UpdateUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := decodeBody(r, &req); err != nil {
		httpResponseError(w, err)
		return
	}

	updated, err := s.store.UpdateUser(r.Context(), r.PathValue("id"), userRequestToDomain(req))
	if err != nil {
		httpResponseError(w, err)
		return
	}
	httpResponseJSON(w, updated, http.StatusOK)
}

func userRequestToDomain(req userRequest) domain.User {
	u := domain.User{
		Email:      req.Email,
		QuotaUSD:   req.QuotaUSD,
		IsFreeTier: req.IsFreeTier,
	}
	if req.OrganizationID != "" {
		u.OrganizationID = types.NewNull(req.OrganizationID)
	}
	return u
}

func (s *Server) DeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteUser(r.Context(), r.PathValue("id")); err != nil {
		httpResponseError(w, err)
		return
	}
	httpResponse(w, "deleted", http.StatusOK)
}

// ── Organizations ──

type organizationRequest struct {
	Name     string  `json:"name"`
	QuotaUSD float64 `json:"quota_usd"`
}

func (s *Server) ListOrganizations(w http.ResponseWriter, r *http.Request) {
	orgs, err := s.store.ListOrganizations(r.Context())
	if err != nil {
		httpResponseError(w, err)
		return
	}
	httpResponseJSON(w, orgs, http.StatusOK)
}

func (s *Server) CreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req organizationRequest
	if err := decodeBody(r, &req); err != nil {
		httpResponseError(w, err)
		return
	}

	created, err := s.store.CreateOrganization(r.Context(), domain.Organization{Name: req.Name, QuotaUSD: req.QuotaUSD})
	if err != nil {
		httpResponseError(w, err)
		return
	}
	httpResponseJSON(w, created, http.StatusCreated)
}

func (s *Server) UpdateOrganization(w http.ResponseWriter, r *http.Request) {
	var req organizationRequest
	if err := decodeBody(r, &req); err != nil {
		httpResponseError(w, err)
		return
	}

	updated, err := s.store.UpdateOrganization(r.Context(), r.PathValue("id"), domain.Organization{Name: req.Name, QuotaUSD: req.QuotaUSD})
	if err != nil {
		httpResponseError(w, err)
		return
	}
	httpResponseJSON(w, updated, http.StatusOK)
}

func (s *Server) DeleteOrganization(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteOrganization(r.Context(), r.PathValue("id")); err != nil {
		httpResponseError(w, err)
		return
	}
	httpResponse(w, "deleted", http.StatusOK)
}

// ── API tokens ──

type createAPITokenRequest struct {
	Name             string   `json:"name"`
	AllowedProviders []string `json:"allowed_providers,omitempty"`
	AllowedModels    []string `json:"allowed_models,omitempty"`
	ExpiresInSeconds *int     `json:"expires_in,omitempty"`
}

type createAPITokenResponse struct {
	Token string          `json:"token"`
	Info  domain.APIToken `json:"info"`
}

func (s *Server) ListAPITokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.store.ListAPITokens(r.Context())
	if err != nil {
		httpResponseError(w, err)
		return
	}
	httpResponseJSON(w, tokens, http.StatusOK)
}

// CreateAPIToken generates an sk_-prefixed credential (spec.md §7's bearer
// token scheme — deliberately not the teacher's at_ prefix) and returns the
// full token exactly once; only its SHA-256 hash and an 8-char prefix are
// persisted.
func (s *Server) CreateAPIToken(w http.ResponseWriter, r *http.Request) {
	var req createAPITokenRequest
	if err := decodeBody(r, &req); err != nil {
		httpResponseError(w, err)
		return
	}
	if req.Name == "" {
		httpResponseError(w, gatewayerr.New(gatewayerr.ValidationFailure, "name is required"))
		return
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		httpResponseError(w, gatewayerr.Wrap(gatewayerr.InternalFailure, "generate token", err))
		return
	}
	fullToken := "sk_" + hex.EncodeToString(raw)
	hash := hashToken(fullToken)

	token := domain.APIToken{
		Name:             req.Name,
		TokenPrefix:      fullToken[:8],
		AllowedProviders: req.AllowedProviders,
		AllowedModels:    req.AllowedModels,
	}
	if req.ExpiresInSeconds != nil && *req.ExpiresInSeconds > 0 {
		expiresAt := time.Now().UTC().Add(time.Duration(*req.ExpiresInSeconds) * time.Second)
		token.ExpiresAt = types.NewNull(types.NewTime(expiresAt))
	}

	created, err := s.store.CreateAPIToken(r.Context(), token, hash)
	if err != nil {
		httpResponseError(w, err)
		return
	}

	httpResponseJSON(w, createAPITokenResponse{Token: fullToken, Info: *created}, http.StatusCreated)
}

func (s *Server) DeleteAPIToken(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteAPIToken(r.Context(), r.PathValue("id")); err != nil {
		httpResponseError(w, err)
		return
	}
	httpResponse(w, "deleted", http.StatusOK)
}

// ── MCP servers ──

type mcpServerRequest struct {
	Key       string              `json:"key"`
	Transport domain.McpTransport `json:"transport"`
	Command   string              `json:"command"`
	Args      []string            `json:"args,omitempty"`
	Env       map[string]string   `json:"env,omitempty"`
}

func (s *Server) ListMcpServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.store.ListMcpServers(r.Context())
	if err != nil {
		httpResponseError(w, err)
		return
	}
	httpResponseJSON(w, servers, http.StatusOK)
}

func (s *Server) CreateMcpServer(w http.ResponseWriter, r *http.Request) {
	var req mcpServerRequest
	if err := decodeBody(r, &req); err != nil {
		httpResponseError(w, err)
		return
	}

	created, err := s.store.CreateMcpServer(r.Context(), domain.McpServer{
		Key:       req.Key,
		Transport: req.Transport,
		Command:   req.Command,
		Args:      req.Args,
		Env:       req.Env,
	})
	if err != nil {
		httpResponseError(w, err)
		return
	}
	httpResponseJSON(w, created, http.StatusCreated)
}

func (s *Server) DeleteMcpServer(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteMcpServer(r.Context(), r.PathValue("id")); err != nil {
		httpResponseError(w, err)
		return
	}
	httpResponse(w, "deleted", http.StatusOK)
}
