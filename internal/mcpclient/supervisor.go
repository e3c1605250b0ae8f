package mcpclient

import (
	"context"
	"log/slog"

	"github.com/rakunlabs/mawi-gateway/internal/domain"
	"github.com/worldline-go/hardloop"
)

// ServerLister is the slice of store.Storer a Supervisor needs: the
// registered MCP server rows to keep warm.
type ServerLister interface {
	ListMcpServers(ctx context.Context) ([]domain.McpServer, error)
}

// cronRunner is satisfied by hardloop's unexported *cronJob type, the same
// indirection internal/quota.ResetScheduler uses.
type cronRunner interface {
	Start(ctx context.Context) error
	Stop()
}

// Supervisor proactively calls Manager.Ensure for every registered MCP
// server on a cron tick, so a disconnected or never-yet-dialed subprocess
// is reconnected before the first agentic request needs its tools rather
// than paying that latency inline.
type Supervisor struct {
	manager *Manager
	servers ServerLister
	cron    cronRunner
}

// NewSupervisor builds a Supervisor over manager, using servers to
// discover which MCP servers should be kept connected.
func NewSupervisor(manager *Manager, servers ServerLister) *Supervisor {
	return &Supervisor{manager: manager, servers: servers}
}

// Start builds and starts the underlying hardloop cron runner.
func (s *Supervisor) Start(ctx context.Context) error {
	cronJob, err := hardloop.NewCron(hardloop.Cron{
		Name:  "mcp-reconnect-supervisor",
		Specs: []string{"@every 30s"},
		Func:  s.reconnect,
	})
	if err != nil {
		return err
	}

	s.cron = cronJob
	return cronJob.Start(ctx)
}

// Stop stops the cron runner. Safe to call even if Start was never called
// or failed.
func (s *Supervisor) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

func (s *Supervisor) reconnect(ctx context.Context) error {
	servers, err := s.servers.ListMcpServers(ctx)
	if err != nil {
		slog.Warn("mcp reconnect supervisor: list mcp servers", "error", err)
		return nil
	}

	for _, server := range servers {
		if existing := s.manager.Get(server.Key); existing != nil && existing.State() == StateConnected {
			continue
		}
		if _, err := s.manager.Ensure(ctx, server); err != nil {
			slog.Warn("mcp reconnect supervisor: reconnect failed", "server_key", server.Key, "error", err)
		}
	}

	return nil
}
