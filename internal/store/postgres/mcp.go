package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/mawi-gateway/internal/domain"

	"github.com/doug-martin/goqu/v9"
)

// ─── MCP servers ───

func (p *Postgres) ListMcpServers(ctx context.Context) ([]domain.McpServer, error) {
	query, _, err := p.goqu.From(p.tableMcpServers).
		Select("id", "key", "transport", "command", "args", "env", "owner_id").
		Order(goqu.I("key").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list mcp_servers query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list mcp_servers: %w", err)
	}
	defer rows.Close()

	var result []domain.McpServer
	for rows.Next() {
		var s domain.McpServer
		var argsJSON, envJSON []byte
		if err := rows.Scan(&s.ID, &s.Key, &s.Transport, &s.Command, &argsJSON, &envJSON, &s.OwnerID); err != nil {
			return nil, fmt.Errorf("scan mcp_server row: %w", err)
		}
		if len(argsJSON) > 0 {
			if err := json.Unmarshal(argsJSON, &s.Args); err != nil {
				return nil, fmt.Errorf("unmarshal mcp_server args: %w", err)
			}
		}
		if len(envJSON) > 0 {
			if err := json.Unmarshal(envJSON, &s.Env); err != nil {
				return nil, fmt.Errorf("unmarshal mcp_server env: %w", err)
			}
		}
		result = append(result, s)
	}

	return result, rows.Err()
}

func (p *Postgres) CreateMcpServer(ctx context.Context, s domain.McpServer) (*domain.McpServer, error) {
	argsJSON, err := json.Marshal(s.Args)
	if err != nil {
		return nil, fmt.Errorf("marshal mcp_server args: %w", err)
	}
	envJSON, err := json.Marshal(s.Env)
	if err != nil {
		return nil, fmt.Errorf("marshal mcp_server env: %w", err)
	}

	id := ulid.Make().String()

	query, _, err := p.goqu.Insert(p.tableMcpServers).Rows(
		goqu.Record{
			"id":        id,
			"key":       s.Key,
			"transport": string(s.Transport),
			"command":   s.Command,
			"args":      argsJSON,
			"env":       envJSON,
			"owner_id":  s.OwnerID,
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create mcp_server query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create mcp_server %q: %w", s.Key, err)
	}

	s.ID = id
	return &s, nil
}

func (p *Postgres) DeleteMcpServer(ctx context.Context, id string) error {
	query, _, err := p.goqu.Delete(p.tableMcpServers).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete mcp_server query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete mcp_server %q: %w", id, err)
	}

	return nil
}

// ListServiceMcpServers resolves the MCP servers attached to a service
// through the service_mcp_servers join table.
func (p *Postgres) ListServiceMcpServers(ctx context.Context, serviceID string) ([]domain.McpServer, error) {
	query, _, err := p.goqu.From(p.tableMcpServers).
		Join(p.tableServiceMcp, goqu.On(p.tableMcpServers.Col("id").Eq(p.tableServiceMcp.Col("mcp_server_id")))).
		Select(
			p.tableMcpServers.Col("id"), p.tableMcpServers.Col("key"), p.tableMcpServers.Col("transport"),
			p.tableMcpServers.Col("command"), p.tableMcpServers.Col("args"), p.tableMcpServers.Col("env"), p.tableMcpServers.Col("owner_id"),
		).
		Where(p.tableServiceMcp.Col("service_id").Eq(serviceID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list service mcp servers query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list service mcp servers for %q: %w", serviceID, err)
	}
	defer rows.Close()

	var result []domain.McpServer
	for rows.Next() {
		var s domain.McpServer
		var argsJSON, envJSON []byte
		if err := rows.Scan(&s.ID, &s.Key, &s.Transport, &s.Command, &argsJSON, &envJSON, &s.OwnerID); err != nil {
			return nil, fmt.Errorf("scan service mcp server row: %w", err)
		}
		if len(argsJSON) > 0 {
			if err := json.Unmarshal(argsJSON, &s.Args); err != nil {
				return nil, fmt.Errorf("unmarshal mcp_server args: %w", err)
			}
		}
		if len(envJSON) > 0 {
			if err := json.Unmarshal(envJSON, &s.Env); err != nil {
				return nil, fmt.Errorf("unmarshal mcp_server env: %w", err)
			}
		}
		result = append(result, s)
	}

	return result, rows.Err()
}

// ─── Agentic tools ───

func (p *Postgres) ListAgenticTools(ctx context.Context, serviceID string) ([]domain.AgenticTool, error) {
	query, _, err := p.goqu.From(p.tableAgenticTools).
		Select("id", "service_id", "name", "type", "target_id", "params").
		Where(goqu.I("service_id").Eq(serviceID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list agentic_tools query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list agentic_tools for %q: %w", serviceID, err)
	}
	defer rows.Close()

	var result []domain.AgenticTool
	for rows.Next() {
		var t domain.AgenticTool
		var paramsJSON []byte
		if err := rows.Scan(&t.ID, &t.ServiceID, &t.Name, &t.Type, &t.TargetID, &paramsJSON); err != nil {
			return nil, fmt.Errorf("scan agentic_tool row: %w", err)
		}
		if len(paramsJSON) > 0 {
			if err := json.Unmarshal(paramsJSON, &t.Params); err != nil {
				return nil, fmt.Errorf("unmarshal agentic_tool params: %w", err)
			}
		}
		result = append(result, t)
	}

	return result, rows.Err()
}

// SetAgenticTools replaces a service's entire declared tool set atomically.
func (p *Postgres) SetAgenticTools(ctx context.Context, serviceID string, tools []domain.AgenticTool) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	delQuery, _, err := p.goqu.Delete(p.tableAgenticTools).Where(goqu.I("service_id").Eq(serviceID)).ToSQL()
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

		insQuery, _, err := p.goqu.Insert(p.tableAgenticTools).Rows(
			goqu.Record{
				"id":         id,
				"service_id": serviceID,
				"name":       t.Name,
				"type":       string(t.Type),
				"target_id":  t.TargetID,
				"params":     paramsJSON,
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
