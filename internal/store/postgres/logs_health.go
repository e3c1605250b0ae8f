package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/mawi-gateway/internal/domain"

	"github.com/doug-martin/goqu/v9"
)

// InsertRequestLogs batch-inserts a slice of RequestLog rows in one statement.
func (p *Postgres) InsertRequestLogs(ctx context.Context, logs []domain.RequestLog) error {
	if len(logs) == 0 {
		return nil
	}

	rows := make([]any, 0, len(logs))
	for _, l := range logs {
		id := l.ID
		if id == "" {
			id = ulid.Make().String()
		}
		rows = append(rows, goqu.Record{
			"id":             id,
			"correlation_id": l.CorrelationID,
			"user_id":        l.UserID,
			"service_name":   l.ServiceName,
			"model_id":       l.ModelID,
			"status":         l.Status,
			"duration_us":    l.DurationUS,
			"input_tokens":   l.InputTokens,
			"output_tokens":  l.OutputTokens,
			"cost_usd":       l.CostUSD,
			"failover_count": l.FailoverCount,
			"error":          l.Error,
			"created_at":     l.CreatedAt,
		})
	}

	query, _, err := p.goqu.Insert(p.tableRequestLogs).Rows(rows...).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert request_logs query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("insert request_logs: %w", err)
	}

	return nil
}

// ─── Model health ───

func (p *Postgres) GetModelHealth(ctx context.Context, modelID string) (*domain.ModelHealth, error) {
	query, _, err := p.goqu.From(p.tableModelHealth).
		Select("model_id", "is_healthy", "consecutive_failures", "last_check", "last_error", "response_time_ms").
		Where(goqu.I("model_id").Eq(modelID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get model health query: %w", err)
	}

	var h domain.ModelHealth
	err = p.db.QueryRowContext(ctx, query).Scan(&h.ModelID, &h.IsHealthy, &h.ConsecutiveFailures, &h.LastCheck, &h.LastError, &h.ResponseTimeMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get model health %q: %w", modelID, err)
	}

	return &h, nil
}

func (p *Postgres) ListModelHealth(ctx context.Context) ([]domain.ModelHealth, error) {
	query, _, err := p.goqu.From(p.tableModelHealth).
		Select("model_id", "is_healthy", "consecutive_failures", "last_check", "last_error", "response_time_ms").
		Order(goqu.I("model_id").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list model health query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list model health: %w", err)
	}
	defer rows.Close()

	var result []domain.ModelHealth
	for rows.Next() {
		var h domain.ModelHealth
		if err := rows.Scan(&h.ModelID, &h.IsHealthy, &h.ConsecutiveFailures, &h.LastCheck, &h.LastError, &h.ResponseTimeMS); err != nil {
			return nil, fmt.Errorf("scan model health row: %w", err)
		}
		result = append(result, h)
	}

	return result, rows.Err()
}

// UpsertModelHealth writes h, inserting a new row or overwriting the existing
// one for h.ModelID.
func (p *Postgres) UpsertModelHealth(ctx context.Context, h domain.ModelHealth) error {
	if h.LastCheck.IsZero() {
		h.LastCheck = time.Now().UTC()
	}

	existing, err := p.GetModelHealth(ctx, h.ModelID)
	if err != nil {
		return err
	}

	if existing == nil {
		query, _, err := p.goqu.Insert(p.tableModelHealth).Rows(
			goqu.Record{
				"model_id":             h.ModelID,
				"is_healthy":           h.IsHealthy,
				"consecutive_failures": h.ConsecutiveFailures,
				"last_check":           h.LastCheck,
				"last_error":           h.LastError,
				"response_time_ms":     h.ResponseTimeMS,
			},
		).ToSQL()
		if err != nil {
			return fmt.Errorf("build insert model health query: %w", err)
		}

		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("insert model health %q: %w", h.ModelID, err)
		}

		return nil
	}

	query, _, err := p.goqu.Update(p.tableModelHealth).Set(
		goqu.Record{
			"is_healthy":           h.IsHealthy,
			"consecutive_failures": h.ConsecutiveFailures,
			"last_check":           h.LastCheck,
			"last_error":           h.LastError,
			"response_time_ms":     h.ResponseTimeMS,
		},
	).Where(goqu.I("model_id").Eq(h.ModelID)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update model health query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("update model health %q: %w", h.ModelID, err)
	}

	return nil
}
