// Package server is the gateway's HTTP surface: the OpenAI-shaped /v1
// endpoints spec.md §6 defines, plus a thin admin CRUD surface over
// providers/models/services/users/organizations (SPEC_FULL.md §9).
package server

import (
	"context"
	"net"

	"github.com/rakunlabs/ada"
	"github.com/rakunlabs/mawi-gateway/internal/agentic"
	"github.com/rakunlabs/mawi-gateway/internal/breaker"
	"github.com/rakunlabs/mawi-gateway/internal/config"
	"github.com/rakunlabs/mawi-gateway/internal/executor"
	"github.com/rakunlabs/mawi-gateway/internal/health"
	"github.com/rakunlabs/mawi-gateway/internal/ingest"
	"github.com/rakunlabs/mawi-gateway/internal/mcpclient"
	"github.com/rakunlabs/mawi-gateway/internal/provider"
	"github.com/rakunlabs/mawi-gateway/internal/store"

	mcors "github.com/rakunlabs/ada/middleware/cors"
	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"
)

// Server wires the HTTP surface to the gateway's routing/execution core.
type Server struct {
	mux *ada.Server

	cfg        config.Server
	authTokens []config.AuthTokenConfig

	store   store.Storer
	exec    *executor.Executor
	mcp     *mcpclient.Manager
	health  *health.Tracker
	breaker *breaker.Breaker
	pricing *provider.PricingTable
	logger  *ingest.Logger
}

// New builds the Server and registers every route. It does not start
// listening — call Start for that.
func New(
	cfg config.Server,
	gatewayCfg config.Gateway,
	st store.Storer,
	exec *executor.Executor,
	mcp *mcpclient.Manager,
	healthTracker *health.Tracker,
	br *breaker.Breaker,
	pricing *provider.PricingTable,
	logger *ingest.Logger,
) *Server {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		mux:        mux,
		cfg:        cfg,
		authTokens: gatewayCfg.AuthTokens,
		store:      st,
		exec:       exec,
		mcp:        mcp,
		health:     healthTracker,
		breaker:    br,
		pricing:    pricing,
		logger:     logger,
	}

	baseGroup := mux.Group(cfg.BasePath)

	if cfg.ForwardAuth != nil {
		baseGroup.Use(mforwardauth.Middleware(mforwardauth.WithConfig(*cfg.ForwardAuth)))
	}

	v1 := baseGroup.Group("/v1")
	v1.Use(s.bearerAuthMiddleware())
	v1.POST("/chat/completions", s.ChatCompletions)
	v1.POST("/images/generations", s.ImageGenerations)
	v1.POST("/audio/speech", s.AudioSpeech)
	v1.POST("/audio/transcriptions", s.AudioTranscriptions)
	v1.POST("/audio/speech-to-speech", s.AudioSpeechToSpeech)
	v1.POST("/videos/generations", s.VideoGenerations)
	v1.GET("/videos/jobs/{job_id}/{model_id}", s.VideoJobStatus)
	v1.GET("/videos/content/{gen_id}/{model_id}", s.VideoContent)
	v1.GET("/topology", s.Topology)

	baseGroup.GET("/v1/health", s.Healthz)
	if cfg.EnableMetrics {
		baseGroup.GET("/v1/metrics", s.Metrics)
	}

	admin := baseGroup.Group("/admin/v1")
	admin.Use(s.adminAuthMiddleware())

	admin.GET("/providers", s.ListProviders)
	admin.POST("/providers", s.CreateProvider)
	admin.PUT("/providers/{id}", s.UpdateProvider)
	admin.DELETE("/providers/{id}", s.DeleteProvider)
	admin.POST("/providers/rotate-key", s.RotateEncryptionKey)

	admin.GET("/models", s.ListModels)
	admin.POST("/models", s.CreateModel)
	admin.PUT("/models/{id}", s.UpdateModel)
	admin.DELETE("/models/{id}", s.DeleteModel)

	admin.GET("/services", s.ListServices)
	admin.POST("/services", s.CreateService)
	admin.PUT("/services/{id}", s.UpdateService)
	admin.DELETE("/services/{id}", s.DeleteService)
	admin.PUT("/services/{id}/assignments", s.SetServiceAssignments)
	admin.PUT("/services/{id}/tools", s.SetServiceTools)

	admin.GET("/users", s.ListUsers)
	admin.POST("/users", s.CreateUser)
	admin.PUT("/users/{id}", s.UpdateUser)
	admin.DELETE("/users/{id}", s.DeleteUser)

	admin.GET("/organizations", s.ListOrganizations)
	admin.POST("/organizations", s.CreateOrganization)
	admin.PUT("/organizations/{id}", s.UpdateOrganization)
	admin.DELETE("/organizations/{id}", s.DeleteOrganization)

	admin.GET("/api-tokens", s.ListAPITokens)
	admin.POST("/api-tokens", s.CreateAPIToken)
	admin.DELETE("/api-tokens/{id}", s.DeleteAPIToken)

	admin.GET("/mcp-servers", s.ListMcpServers)
	admin.POST("/mcp-servers", s.CreateMcpServer)
	admin.DELETE("/mcp-servers/{id}", s.DeleteMcpServer)

	return s
}

func (s *Server) Start(ctx context.Context) error {
	return s.mux.StartWithContext(ctx, net.JoinHostPort(s.cfg.Host, s.cfg.Port))
}

// newAgenticRunner builds a Runner sharing the server's store/mcp/executor,
// one per request since each run owns its own event channel.
func (s *Server) newAgenticRunner(events chan<- agentic.Event) *agentic.Runner {
	invoker := agentic.NewDefaultInvoker(s.store, s.mcp, s.exec, s.exec, s.exec)
	return agentic.NewRunner(s.store, s.mcp, s.exec, invoker, events)
}
