package sqlite3

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/mawi-gateway/internal/domain"

	"github.com/doug-martin/goqu/v9"
)

// ─── MCP servers ───

func (s *SQLite) ListMcpServers(ctx context.Context) ([]domain.McpServer, error) {
	query, _, err := s.goqu.From(s.tableMcpServers).
		Select("id", "key", "transport", "command", "args", "env", "owner_id").
		Order(goqu.I("key").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list mcp_servers query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list mcp_servers: %w", err)
	}
	defer rows.Close()

	var result []domain.McpServer
	for rows.Next() {
		var m domain.McpServer
		var argsJSON, envJSON string
		if err := rows.Scan(&m.ID, &m.Key, &m.Transport, &m.Command, &argsJSON, &envJSON, &m.OwnerID); err != nil {
			return nil, fmt.Errorf("scan mcp_server row: %w", err)
		}
		if argsJSON != "" {
			if err := json.Unmarshal([]byte(argsJSON), &m.Args); err != nil {
				return nil, fmt.Errorf("unmarshal mcp_server args: %w", err)
			}
		}
		if envJSON != "" {
			if err := json.Unmarshal([]byte(envJSON), &m.Env); err != nil {
				return nil, fmt.Errorf("unmarshal mcp_server env: %w", err)
			}
		}
		result = append(result, m)
	}

	return result, rows.Err()
}

func (s *SQLite) CreateMcpServer(ctx context.Context, m domain.McpServer) (*domain.McpServer, error) {
	argsJSON, err := json.Marshal(m.Args)
	if err != nil {
		return nil, fmt.Errorf("marshal mcp_server args: %w", err)
	}
	envJSON, err := json.Marshal(m.Env)
	if err != nil {
		return nil, fmt.Errorf("marshal mcp_server env: %w", err)
	}

	id := ulid.Make().String()

	query, _, err := s.goqu.Insert(s.tableMcpServers).Rows(
		goqu.Record{
			"id":        id,
			"key":       m.Key,
			"transport": string(m.Transport),
			"command":   m.Command,
			"args":      string(argsJSON),
			"env":       string(envJSON),
			"owner_id":  m.OwnerID,
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create mcp_server query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create mcp_server %q: %w", m.Key, err)
	}

	m.ID = id
	return &m, nil
}

func (s *SQLite) DeleteMcpServer(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableMcpServers).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete mcp_server query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete mcp_server %q: %w", id, err)
	}

	return nil
}

// ListServiceMcpServers resolves the MCP servers attached to a service
// through the service_mcp_servers join table.
func (s *SQLite) ListServiceMcpServers(ctx context.Context, serviceID string) ([]domain.McpServer, error) {
	query, _, err := s.goqu.From(s.tableMcpServers).
		Join(s.tableServiceMcp, goqu.On(s.tableMcpServers.Col("id").Eq(s.tableServiceMcp.Col("mcp_server_id")))).
		Select(
			s.tableMcpServers.Col("id"), s.tableMcpServers.Col("key"), s.tableMcpServers.Col("transport"),
			s.tableMcpServers.Col("command"), s.tableMcpServers.Col("args"), s.tableMcpServers.Col("env"), s.tableMcpServers.Col("owner_id"),
		).
		Where(s.tableServiceMcp.Col("service_id").Eq(serviceID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list service mcp servers query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list service mcp servers for %q: %w", serviceID, err)
	}
	defer rows.Close()

	var result []domain.McpServer
	for rows.Next() {
		var m domain.McpServer
		var argsJSON, envJSON string
		if err := rows.Scan(&m.ID, &m.Key, &m.Transport, &m.Command, &argsJSON, &envJSON, &m.OwnerID); err != nil {
			return nil, fmt.Errorf("scan service mcp server row: %w", err)
		}
		if argsJSON != "" {
			if err := json.Unmarshal([]byte(argsJSON), &m.Args); err != nil {
				return nil, fmt.Errorf("unmarshal mcp_server args: %w", err)
			}
		}
		if envJSON != "" {
			if err := json.Unmarshal([]byte(envJSON), &m.Env); err != nil {
				return nil, fmt.Errorf("unmarshal mcp_server env: %w", err)
			}
		}
		result = append(result, m)
	}

	return result, rows.Err()
}

// ─── Agentic tools ───

func (s *SQLite) ListAgenticTools(ctx context.Context, serviceID string) ([]domain.AgenticTool, error) {
	query, _, err := s.goqu.From(s.tableAgenticTools).
		Select("id", "service_id", "name", "type", "target_id", "params").
		Where(goqu.I("service_id").Eq(serviceID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list agentic_tools query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list agentic_tools for %q: %w", serviceID, err)
	}
	defer rows.Close()

	var result []domain.AgenticTool
	for rows.Next() {
		var t domain.AgenticTool
		var paramsJSON string
		if err := rows.Scan(&t.ID, &t.ServiceID, &t.Name, &t.Type, &t.TargetID, &paramsJSON); err != nil {
			return nil, fmt.Errorf("scan agentic_tool row: %w", err)
		}
		if paramsJSON != "" {
			if err := json.Unmarshal([]byte(paramsJSON), &t.Params); err != nil {
				return nil, fmt.Errorf("unmarshal agentic_tool params: %w", err)
			}
		}
		result = append(result, t)
	}

	return result, rows.Err()
}

// SetAgenticTools replaces a service's entire declared tool set atomically.
func (s *SQLite) SetAgenticTools(ctx context.Context, serviceID string, tools []domain.AgenticTool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	delQuery, _, err := s.goqu.Delete(s.tableAgenticTools).Where(goqu.I("service_id").Eq(serviceID)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete agentic_tools query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, delQuery); err != nil {
		return fmt.Errorf("clear agentic_tools for %q: %w", serviceID, err)
	}

	for _, t := range tools {
		id := t.ID
		if id == "" {
			id = ulid.Make().String()
		}

		paramsJSON, err := json.Marshal(t.Params)
		if err != nil {
			return fmt.Errorf("marshal agentic_tool params: %w", err)
		}

		insQuery, _, err := s.goqu.Insert(s.tableAgenticTools).Rows(
			goqu.Record{
				"id":         id,
				"service_id": serviceID,
				"name":       t.Name,
				"type":       string(t.Type),
				"target_id":  t.TargetID,
				"params":     string(paramsJSON),
			},
		).ToSQL()
		if err != nil {
			return fmt.Errorf("build insert agentic_tool query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insQuery); err != nil {
			return fmt.Errorf("insert agentic_tool for %q: %w", serviceID, err)
		}
	}

	return tx.Commit()
}
