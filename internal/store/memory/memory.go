// Package memory is the in-memory reference implementation of store.Storer,
// used for local development and tests. Data does not survive process
// restarts.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/worldline-go/types"

	"github.com/rakunlabs/mawi-gateway/internal/crypto"
	"github.com/rakunlabs/mawi-gateway/internal/domain"
)

// Memory is an in-memory implementation of the store interfaces.
type Memory struct {
	mu sync.RWMutex

	masterKey []byte

	users         map[string]domain.User
	organizations map[string]domain.Organization
	providers     map[string]domain.Provider
	models        map[string]domain.Model
	services      map[string]domain.Service
	assignments   map[string][]domain.ServiceModelAssignment // service_id -> assignments
	modelHealth   map[string]domain.ModelHealth              // model_id -> health
	requestLogs   []domain.RequestLog
	agenticTools  map[string][]domain.AgenticTool // service_id -> tools
	mcpServers    map[string]domain.McpServer
	serviceMcp    map[string][]string // service_id -> mcp_server ids
	apiTokens     map[string]domain.APIToken
	apiTokensHash map[string]string // hash -> id
	sessions      map[string]domain.Session
}

// New returns an empty in-memory store keyed with masterKey for credential
// encryption, matching the encrypted-at-rest contract the persistent
// backends uphold.
func New(masterKey []byte) *Memory {
	return &Memory{
		masterKey:     masterKey,
		users:         make(map[string]domain.User),
		organizations: make(map[string]domain.Organization),
		providers:     make(map[string]domain.Provider),
		models:        make(map[string]domain.Model),
		services:      make(map[string]domain.Service),
		assignments:   make(map[string][]domain.ServiceModelAssignment),
		modelHealth:   make(map[string]domain.ModelHealth),
		agenticTools:  make(map[string][]domain.AgenticTool),
		mcpServers:    make(map[string]domain.McpServer),
		serviceMcp:    make(map[string][]string),
		apiTokens:     make(map[string]domain.APIToken),
		apiTokensHash: make(map[string]string),
		sessions:      make(map[string]domain.Session),
	}
}

func (m *Memory) Close() {}

func sortByField[T any](items []T, less func(a, b T) bool) []T {
	slices.SortFunc(items, func(a, b T) int {
		if less(a, b) {
			return -1
		}
		if less(b, a) {
			return 1
		}
		return 0
	})
	return items
}

// ─── Providers ───

func (m *Memory) ListProviders(_ context.Context) ([]domain.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]domain.Provider, 0, len(m.providers))
	for _, p := range m.providers {
		result = append(result, p)
	}

	return sortByField(result, func(a, b domain.Provider) bool { return a.Key < b.Key }), nil
}

func (m *Memory) GetProviderByID(_ context.Context, id string) (*domain.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.providers[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *Memory) GetProviderByKey(_ context.Context, key string) (*domain.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.providers {
		if p.Key == key {
			return &p, nil
		}
	}
	return nil, nil
}

func (m *Memory) CreateProvider(_ context.Context, p domain.Provider, apiKey string) (*domain.Provider, error) {
	encrypted := ""
	if apiKey != "" {
		enc, err := crypto.Encrypt(apiKey, m.masterKey)
		if err != nil {
			return nil, fmt.Errorf("encrypt provider api key: %w", err)
		}
		encrypted = enc
	}

	now := time.Now().UTC()
	p.ID = ulid.Make().String()
	p.EncryptedAPIKey = encrypted
	p.CreatedAt = now
	p.UpdatedAt = now

	m.mu.Lock()
	m.providers[p.ID] = p
	m.mu.Unlock()

	return &p, nil
}

func (m *Memory) UpdateProvider(_ context.Context, id string, p domain.Provider, apiKey string) (*domain.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.providers[id]
	if !ok {
		return nil, nil
	}

	existing.Key = p.Key
	existing.Type = p.Type
	existing.Endpoint = p.Endpoint
	existing.APIVersion = p.APIVersion
	existing.OwnerID = p.OwnerID
	existing.UpdatedAt = time.Now().UTC()

	if apiKey != "" {
		enc, err := crypto.Encrypt(apiKey, m.masterKey)
		if err != nil {
			return nil, fmt.Errorf("encrypt provider api key: %w", err)
		}
		existing.EncryptedAPIKey = enc
	}

	m.providers[id] = existing
	return &existing, nil
}

func (m *Memory) DeleteProvider(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.providers, id)

	for modelID, mdl := range m.models {
		if mdl.ProviderID == id {
			delete(m.models, modelID)
		}
	}

	return nil
}

// RotateEncryptionKey re-encrypts every provider API key and model API key
// override under newKey, matching the transactional guarantee the SQL
// backends give: either every secret moves to the new key or none do.
func (m *Memory) RotateEncryptionKey(_ context.Context, newKey []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rotatedProviders := make(map[string]string, len(m.providers))
	for id, p := range m.providers {
		if p.EncryptedAPIKey == "" {
			continue
		}
		plain, err := crypto.Decrypt(p.EncryptedAPIKey, m.masterKey)
		if err != nil {
			return fmt.Errorf("decrypt provider %q: %w", id, err)
		}
		enc, err := crypto.Encrypt(plain, newKey)
		if err != nil {
			return fmt.Errorf("re-encrypt provider %q: %w", id, err)
		}
		rotatedProviders[id] = enc
	}

	rotatedModels := make(map[string]string, len(m.models))
	for id, mdl := range m.models {
		if mdl.EncryptedAPIKeyOverride == "" {
			continue
		}
		plain, err := crypto.Decrypt(mdl.EncryptedAPIKeyOverride, m.masterKey)
		if err != nil {
			return fmt.Errorf("decrypt model override %q: %w", id, err)
		}
		enc, err := crypto.Encrypt(plain, newKey)
		if err != nil {
			return fmt.Errorf("re-encrypt model override %q: %w", id, err)
		}
		rotatedModels[id] = enc
	}

	for id, enc := range rotatedProviders {
		p := m.providers[id]
		p.EncryptedAPIKey = enc
		m.providers[id] = p
	}
	for id, enc := range rotatedModels {
		mdl := m.models[id]
		mdl.EncryptedAPIKeyOverride = enc
		m.models[id] = mdl
	}

	m.masterKey = newKey
	return nil
}

// ─── Models ───

func (m *Memory) ListModels(_ context.Context) ([]domain.Model, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]domain.Model, 0, len(m.models))
	for _, mdl := range m.models {
		result = append(result, mdl)
	}

	return sortByField(result, func(a, b domain.Model) bool { return a.Name < b.Name }), nil
}

func (m *Memory) GetModelByID(_ context.Context, id string) (*domain.Model, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mdl, ok := m.models[id]
	if !ok {
		return nil, nil
	}
	return &mdl, nil
}

func (m *Memory) CreateModel(_ context.Context, mdl domain.Model, apiKeyOverride string) (*domain.Model, error) {
	encrypted := ""
	if apiKeyOverride != "" {
		enc, err := crypto.Encrypt(apiKeyOverride, m.masterKey)
		if err != nil {
			return nil, fmt.Errorf("encrypt model api key override: %w", err)
		}
		encrypted = enc
	}

	mdl.ID = ulid.Make().String()
	mdl.EncryptedAPIKeyOverride = encrypted

	m.mu.Lock()
	m.models[mdl.ID] = mdl
	m.mu.Unlock()

	return &mdl, nil
}

func (m *Memory) UpdateModel(_ context.Context, id string, mdl domain.Model, apiKeyOverride string) (*domain.Model, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.models[id]
	if !ok {
		return nil, nil
	}

	existing.Name = mdl.Name
	existing.ProviderID = mdl.ProviderID
	existing.ProviderType = mdl.ProviderType
	existing.Modality = mdl.Modality
	existing.ContextWindow = mdl.ContextWindow
	existing.CostInputPer1KUSD = mdl.CostInputPer1KUSD
	existing.CostOutputPer1KUSD = mdl.CostOutputPer1KUSD
	existing.EndpointOverride = mdl.EndpointOverride
	existing.OwnerID = mdl.OwnerID

	if apiKeyOverride != "" {
		enc, err := crypto.Encrypt(apiKeyOverride, m.masterKey)
		if err != nil {
			return nil, fmt.Errorf("encrypt model api key override: %w", err)
		}
		existing.EncryptedAPIKeyOverride = enc
	}

	m.models[id] = existing
	return &existing, nil
}

func (m *Memory) DeleteModel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.models, id)
	delete(m.modelHealth, id)

	for serviceID, assigns := range m.assignments {
		filtered := assigns[:0]
		for _, a := range assigns {
			if a.ModelID != id {
				filtered = append(filtered, a)
			}
		}
		m.assignments[serviceID] = filtered
	}

	return nil
}

func (m *Memory) MeanLatencyMS(_ context.Context, modelID string) (float64, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.modelHealth[modelID]
	if !ok {
		return 0, 0, nil
	}

	return float64(h.ResponseTimeMS), 1, nil
}

// ─── Services ───

func (m *Memory) ListServices(_ context.Context) ([]domain.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]domain.Service, 0, len(m.services))
	for _, s := range m.services {
		result = append(result, s)
	}

	return sortByField(result, func(a, b domain.Service) bool { return a.Name < b.Name }), nil
}

func (m *Memory) GetServiceByName(_ context.Context, name string) (*domain.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.services {
		if s.Name == name {
			return &s, nil
		}
	}
	return nil, nil
}

func (m *Memory) CreateService(_ context.Context, s domain.Service) (*domain.Service, error) {
	now := time.Now().UTC()
	s.ID = ulid.Make().String()
	s.CreatedAt = now
	s.UpdatedAt = now

	m.mu.Lock()
	m.services[s.ID] = s
	m.mu.Unlock()

	return &s, nil
}

func (m *Memory) UpdateService(_ context.Context, id string, s domain.Service) (*domain.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.services[id]
	if !ok {
		return nil, nil
	}

	existing.Name = s.Name
	existing.Type = s.Type
	existing.Strategy = s.Strategy
	existing.InputModalities = s.InputModalities
	existing.OutputModalities = s.OutputModalities
	existing.PlannerModelID = s.PlannerModelID
	existing.SystemPrompt = s.SystemPrompt
	existing.MaxIterations = s.MaxIterations
	existing.OwnerID = s.OwnerID
	existing.UpdatedAt = time.Now().UTC()

	m.services[id] = existing
	return &existing, nil
}

func (m *Memory) DeleteService(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.services, id)
	delete(m.assignments, id)
	delete(m.agenticTools, id)
	delete(m.serviceMcp, id)

	return nil
}

func (m *Memory) ListAssignments(_ context.Context, serviceID string) ([]domain.ServiceModelAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	assigns := m.assignments[serviceID]
	result := make([]domain.ServiceModelAssignment, len(assigns))
	copy(result, assigns)

	return sortByField(result, func(a, b domain.ServiceModelAssignment) bool { return a.Position < b.Position }), nil
}

func (m *Memory) SetAssignments(_ context.Context, serviceID string, assignments []domain.ServiceModelAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]domain.ServiceModelAssignment, len(assignments))
	for i, a := range assignments {
		if a.ID == "" {
			a.ID = ulid.Make().String()
		}
		a.ServiceID = serviceID
		result[i] = a
	}

	m.assignments[serviceID] = result
	return nil
}

// ─── Users ───

func (m *Memory) ListUsers(_ context.Context) ([]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]domain.User, 0, len(m.users))
	for _, u := range m.users {
		result = append(result, u)
	}

	return sortByField(result, func(a, b domain.User) bool { return a.Email < b.Email }), nil
}

func (m *Memory) GetUser(_ context.Context, userID string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userID]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *Memory) CreateUser(_ context.Context, u domain.User) (*domain.User, error) {
	now := time.Now().UTC()
	u.ID = ulid.Make().String()
	u.UsedUSD = 0
	if u.ResetAt.IsZero() {
		u.ResetAt = now.AddDate(0, 1, 0)
	}
	u.CreatedAt = now
	u.UpdatedAt = now

	m.mu.Lock()
	m.users[u.ID] = u
	m.mu.Unlock()

	return &u, nil
}

func (m *Memory) UpdateUser(_ context.Context, id string, u domain.User) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.users[id]
	if !ok {
		return nil, nil
	}

	existing.Email = u.Email
	existing.OrganizationID = u.OrganizationID
	existing.QuotaUSD = u.QuotaUSD
	existing.IsFreeTier = u.IsFreeTier
	existing.UpdatedAt = time.Now().UTC()

	m.users[id] = existing
	return &existing, nil
}

func (m *Memory) DeleteUser(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.users, id)
	return nil
}

// ChargeUsage debits costUSD against the user's personal quota, never
// letting used_usd exceed quota_usd (quota_usd≤0 means unlimited). If
// personal quota can't absorb the full amount, it fills personal to the cap
// and charges the remainder against the user's organization, if any; an org
// that also can't absorb it drops the remainder. The whole operation runs
// under m.mu, which is this store's substitute for the conditional UPDATE
// the SQL-backed stores use to get the same atomicity.
func (m *Memory) ChargeUsage(_ context.Context, userID string, costUSD float64) error {
	if costUSD <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return fmt.Errorf("charge usage: user %q not found", userID)
	}

	now := time.Now().UTC()

	if u.QuotaUSD <= 0 || u.UsedUSD+costUSD <= u.QuotaUSD {
		u.UsedUSD += costUSD
		u.UpdatedAt = now
		m.users[userID] = u
		return nil
	}

	remaining := u.QuotaUSD - u.UsedUSD
	if remaining < 0 {
		remaining = 0
	}
	u.UsedUSD += remaining
	overflow := costUSD - remaining
	u.UpdatedAt = now
	m.users[userID] = u

	if overflow <= 0 {
		return nil
	}

	if !u.OrganizationID.Valid || u.OrganizationID.Value == "" {
		slog.Warn("quota charge overflow with no organization, dropping remainder", "user_id", userID, "overflow_usd", overflow)
		return nil
	}

	org, ok := m.organizations[u.OrganizationID.Value]
	if !ok {
		slog.Warn("quota charge overflow references missing organization, dropping remainder", "user_id", userID, "organization_id", u.OrganizationID.Value)
		return nil
	}

	if org.QuotaUSD > 0 && org.UsedUSD+overflow > org.QuotaUSD {
		slog.Warn("organization quota exhausted, dropping overflow charge", "organization_id", org.ID, "overflow_usd", overflow)
		return nil
	}

	org.UsedUSD += overflow
	org.UpdatedAt = now
	m.organizations[org.ID] = org
	return nil
}

// GetOrganizationByID looks up a single organization, mirroring the
// SQL-backed stores' lookup used by ChargeUsage's overflow path.
func (m *Memory) GetOrganizationByID(_ context.Context, id string) (*domain.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.organizations[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

// ─── Organizations ───

func (m *Memory) ListOrganizations(_ context.Context) ([]domain.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]domain.Organization, 0, len(m.organizations))
	for _, o := range m.organizations {
		result = append(result, o)
	}

	return sortByField(result, func(a, b domain.Organization) bool { return a.Name < b.Name }), nil
}

func (m *Memory) CreateOrganization(_ context.Context, o domain.Organization) (*domain.Organization, error) {
	now := time.Now().UTC()
	o.ID = ulid.Make().String()
	o.UsedUSD = 0
	if o.ResetAt.IsZero() {
		o.ResetAt = now.AddDate(0, 1, 0)
	}
	o.CreatedAt = now
	o.UpdatedAt = now

	m.mu.Lock()
	m.organizations[o.ID] = o
	m.mu.Unlock()

	return &o, nil
}

func (m *Memory) UpdateOrganization(_ context.Context, id string, o domain.Organization) (*domain.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.organizations[id]
	if !ok {
		return nil, nil
	}

	existing.Name = o.Name
	existing.QuotaUSD = o.QuotaUSD
	existing.UpdatedAt = time.Now().UTC()

	m.organizations[id] = existing
	return &existing, nil
}

func (m *Memory) DeleteOrganization(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.organizations, id)
	return nil
}

// ─── API Tokens ───

func (m *Memory) ListAPITokens(_ context.Context) ([]domain.APIToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]domain.APIToken, 0, len(m.apiTokens))
	for _, t := range m.apiTokens {
		result = append(result, t)
	}

	return sortByField(result, func(a, b domain.APIToken) bool { return a.CreatedAt.Time.After(b.CreatedAt.Time) }), nil
}

func (m *Memory) GetAPITokenByHash(_ context.Context, hash string) (*domain.APIToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.apiTokensHash[hash]
	if !ok {
		return nil, nil
	}

	t, ok := m.apiTokens[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *Memory) CreateAPIToken(_ context.Context, t domain.APIToken, hash string) (*domain.APIToken, error) {
	t.ID = ulid.Make().String()
	t.CreatedAt = types.NewTime(time.Now().UTC())

	m.mu.Lock()
	m.apiTokens[t.ID] = t
	m.apiTokensHash[hash] = t.ID
	m.mu.Unlock()

	return &t, nil
}

func (m *Memory) DeleteAPIToken(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for hash, tokenID := range m.apiTokensHash {
		if tokenID == id {
			delete(m.apiTokensHash, hash)
			break
		}
	}
	delete(m.apiTokens, id)

	return nil
}

func (m *Memory) UpdateLastUsed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.apiTokens[id]
	if !ok {
		return nil
	}

	t.LastUsedAt = types.NewNull(types.NewTime(time.Now().UTC()))
	m.apiTokens[id] = t

	return nil
}

// ─── Sessions ───

func (m *Memory) GetSessionByToken(_ context.Context, token string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[token]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) CreateSession(_ context.Context, s domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[s.Token] = s
	return nil
}

func (m *Memory) ExtendSession(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[token]
	if !ok {
		return nil
	}

	s.ExpiresAt = time.Now().Add(24 * time.Hour)
	m.sessions[token] = s

	return nil
}

func (m *Memory) DeleteSession(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, token)
	return nil
}

// ─── MCP servers ───

func (m *Memory) ListMcpServers(_ context.Context) ([]domain.McpServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]domain.McpServer, 0, len(m.mcpServers))
	for _, s := range m.mcpServers {
		result = append(result, s)
	}

	return sortByField(result, func(a, b domain.McpServer) bool { return a.Key < b.Key }), nil
}

func (m *Memory) CreateMcpServer(_ context.Context, s domain.McpServer) (*domain.McpServer, error) {
	s.ID = ulid.Make().String()

	m.mu.Lock()
	m.mcpServers[s.ID] = s
	m.mu.Unlock()

	return &s, nil
}

func (m *Memory) DeleteMcpServer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.mcpServers, id)

	for serviceID, ids := range m.serviceMcp {
		filtered := ids[:0]
		for _, mcpID := range ids {
			if mcpID != id {
				filtered = append(filtered, mcpID)
			}
		}
		m.serviceMcp[serviceID] = filtered
	}

	return nil
}

func (m *Memory) ListServiceMcpServers(_ context.Context, serviceID string) ([]domain.McpServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.serviceMcp[serviceID]
	result := make([]domain.McpServer, 0, len(ids))
	for _, id := range ids {
		if s, ok := m.mcpServers[id]; ok {
			result = append(result, s)
		}
	}

	return result, nil
}

// ─── Agentic tools ───

func (m *Memory) ListAgenticTools(_ context.Context, serviceID string) ([]domain.AgenticTool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tools := m.agenticTools[serviceID]
	result := make([]domain.AgenticTool, len(tools))
	copy(result, tools)

	return result, nil
}

func (m *Memory) SetAgenticTools(_ context.Context, serviceID string, tools []domain.AgenticTool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]domain.AgenticTool, len(tools))
	for i, t := range tools {
		if t.ID == "" {
			t.ID = ulid.Make().String()
		}
		t.ServiceID = serviceID
		result[i] = t

		if t.Type == domain.ToolKindMCP && t.TargetID != "" {
			ids := m.serviceMcp[serviceID]
			if !slices.Contains(ids, t.TargetID) {
				m.serviceMcp[serviceID] = append(ids, t.TargetID)
			}
		}
	}

	m.agenticTools[serviceID] = result
	return nil
}

// ─── Request logs / model health ───

func (m *Memory) InsertRequestLogs(_ context.Context, logs []domain.RequestLog) error {
	if len(logs) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, l := range logs {
		if l.ID == "" {
			l.ID = ulid.Make().String()
		}
		if l.CreatedAt.IsZero() {
			l.CreatedAt = time.Now().UTC()
		}
		m.requestLogs = append(m.requestLogs, l)
	}

	return nil
}

func (m *Memory) GetModelHealth(_ context.Context, modelID string) (*domain.ModelHealth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.modelHealth[modelID]
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func (m *Memory) ListModelHealth(_ context.Context) ([]domain.ModelHealth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]domain.ModelHealth, 0, len(m.modelHealth))
	for _, h := range m.modelHealth {
		result = append(result, h)
	}

	return sortByField(result, func(a, b domain.ModelHealth) bool { return a.ModelID < b.ModelID }), nil
}

func (m *Memory) UpsertModelHealth(_ context.Context, h domain.ModelHealth) error {
	if h.LastCheck.IsZero() {
		h.LastCheck = time.Now().UTC()
	}

	m.mu.Lock()
	m.modelHealth[h.ModelID] = h
	m.mu.Unlock()

	return nil
}
