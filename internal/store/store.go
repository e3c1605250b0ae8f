// Package store defines the persistence contract the rest of the gateway
// depends on and dispatches to a concrete backend (postgres, sqlite3, or
// the in-memory reference store) based on config.
package store

import (
	"context"

	"github.com/rakunlabs/mawi-gateway/internal/config"
	"github.com/rakunlabs/mawi-gateway/internal/domain"
	"github.com/rakunlabs/mawi-gateway/internal/store/memory"
	"github.com/rakunlabs/mawi-gateway/internal/store/postgres"
	"github.com/rakunlabs/mawi-gateway/internal/store/sqlite3"
)

// RoutingStore is what internal/router needs to resolve a service name to
// an ordered candidate list.
type RoutingStore interface {
	GetServiceByName(ctx context.Context, name string) (*domain.Service, error)
	GetModelByID(ctx context.Context, id string) (*domain.Model, error)
	ListAssignments(ctx context.Context, serviceID string) ([]domain.ServiceModelAssignment, error)
	MeanLatencyMS(ctx context.Context, modelID string) (float64, int, error)
}

// CredentialStore is what internal/executor needs to resolve a Model's
// owning Provider for credential decryption.
type CredentialStore interface {
	GetProviderByID(ctx context.Context, id string) (*domain.Provider, error)
}

// QuotaStore is what internal/executor and internal/ingest need to check
// and charge a User's (and, on overflow, their Organization's) monthly
// quota.
type QuotaStore interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	GetOrganizationByID(ctx context.Context, id string) (*domain.Organization, error)
	ChargeUsage(ctx context.Context, userID string, costUSD float64) error
}

// LogStore is what internal/ingest needs to persist batched RequestLog rows.
type LogStore interface {
	InsertRequestLogs(ctx context.Context, logs []domain.RequestLog) error
}

// AgenticStore is what internal/agentic needs beyond RoutingStore to
// assemble an AGENTIC service's tool set.
type AgenticStore interface {
	GetServiceByName(ctx context.Context, name string) (*domain.Service, error)
	GetModelByID(ctx context.Context, id string) (*domain.Model, error)
	ListAssignments(ctx context.Context, serviceID string) ([]domain.ServiceModelAssignment, error)
	ListAgenticTools(ctx context.Context, serviceID string) ([]domain.AgenticTool, error)
	ListServiceMcpServers(ctx context.Context, serviceID string) ([]domain.McpServer, error)
}

// AdminStore is the thin CRUD surface spec.md §1/§9 allows for
// Provider/Model/Service/User/Organization/APIToken/McpServer/AgenticTool
// management, used by internal/server's admin handlers.
type AdminStore interface {
	ListProviders(ctx context.Context) ([]domain.Provider, error)
	GetProviderByKey(ctx context.Context, key string) (*domain.Provider, error)
	CreateProvider(ctx context.Context, p domain.Provider, apiKey string) (*domain.Provider, error)
	UpdateProvider(ctx context.Context, id string, p domain.Provider, apiKey string) (*domain.Provider, error)
	DeleteProvider(ctx context.Context, id string) error
	RotateEncryptionKey(ctx context.Context, newKey []byte) error

	ListModels(ctx context.Context) ([]domain.Model, error)
	CreateModel(ctx context.Context, m domain.Model, apiKeyOverride string) (*domain.Model, error)
	UpdateModel(ctx context.Context, id string, m domain.Model, apiKeyOverride string) (*domain.Model, error)
	DeleteModel(ctx context.Context, id string) error

	ListServices(ctx context.Context) ([]domain.Service, error)
	CreateService(ctx context.Context, s domain.Service) (*domain.Service, error)
	UpdateService(ctx context.Context, id string, s domain.Service) (*domain.Service, error)
	DeleteService(ctx context.Context, id string) error
	SetAssignments(ctx context.Context, serviceID string, assignments []domain.ServiceModelAssignment) error

	ListUsers(ctx context.Context) ([]domain.User, error)
	CreateUser(ctx context.Context, u domain.User) (*domain.User, error)
	UpdateUser(ctx context.Context, id string, u domain.User) (*domain.User, error)
	DeleteUser(ctx context.Context, id string) error

	ListOrganizations(ctx context.Context) ([]domain.Organization, error)
	CreateOrganization(ctx context.Context, o domain.Organization) (*domain.Organization, error)
	UpdateOrganization(ctx context.Context, id string, o domain.Organization) (*domain.Organization, error)
	DeleteOrganization(ctx context.Context, id string) error

	ListAPITokens(ctx context.Context) ([]domain.APIToken, error)
	GetAPITokenByHash(ctx context.Context, hash string) (*domain.APIToken, error)
	CreateAPIToken(ctx context.Context, t domain.APIToken, hash string) (*domain.APIToken, error)
	DeleteAPIToken(ctx context.Context, id string) error
	UpdateLastUsed(ctx context.Context, id string) error

	GetSessionByToken(ctx context.Context, token string) (*domain.Session, error)
	CreateSession(ctx context.Context, s domain.Session) error
	ExtendSession(ctx context.Context, token string) error
	DeleteSession(ctx context.Context, token string) error

	ListMcpServers(ctx context.Context) ([]domain.McpServer, error)
	CreateMcpServer(ctx context.Context, s domain.McpServer) (*domain.McpServer, error)
	DeleteMcpServer(ctx context.Context, id string) error

	ListAgenticTools(ctx context.Context, serviceID string) ([]domain.AgenticTool, error)
	SetAgenticTools(ctx context.Context, serviceID string, tools []domain.AgenticTool) error

	GetModelHealth(ctx context.Context, modelID string) (*domain.ModelHealth, error)
	UpsertModelHealth(ctx context.Context, h domain.ModelHealth) error

	// ListModelHealth reports every model's last observed passive health,
	// used by the /healthz status surface.
	ListModelHealth(ctx context.Context) ([]domain.ModelHealth, error)
}

// Storer is the full persistence contract: everything the routing/
// execution/agentic/ingest packages read at request time, plus the admin
// CRUD surface, plus lifecycle management.
type Storer interface {
	RoutingStore
	CredentialStore
	QuotaStore
	LogStore
	AgenticStore
	AdminStore

	GetProviderByID(ctx context.Context, id string) (*domain.Provider, error)

	Close()
}

// New builds a Storer from cfg. Exactly one of cfg.Postgres/cfg.SQLite must
// be set; an unset Store config falls back to the in-memory reference store
// (matching the teacher's own "memory store when nothing is configured"
// default, used for local development and tests).
func New(ctx context.Context, cfg config.Store, masterKey []byte) (Storer, error) {
	switch {
	case cfg.Postgres != nil:
		return postgres.New(ctx, cfg.Postgres, masterKey)
	case cfg.SQLite != nil:
		return sqlite3.New(ctx, cfg.SQLite, masterKey)
	default:
		return memory.New(masterKey), nil
	}
}
