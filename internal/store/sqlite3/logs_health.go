package sqlite3

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

func (s *SQLite) InsertRequestLogs(ctx context.Context, logs []domain.RequestLog) error {
	if len(logs) == 0 {
		return nil
	}

	rows := make([]any, 0, len(logs))
	for _, l := range logs {
		id := l.ID
		if id == "" {
			id = ulid.Make().String()
		}
		createdAt := l.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
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
			"created_at":     formatTime(createdAt),
		})
	}

	query, _, err := s.goqu.Insert(s.tableRequestLogs).Rows(rows...).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert request_logs query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("insert request_logs: %w", err)
	}

	return nil
}

// ─── Model health ───

func scanHealthRow(scanner interface{ Scan(...any) error }) (domain.ModelHealth, error) {
	var h domain.ModelHealth
	var isHealthy int
	var lastCheck string
	err := scanner.Scan(&h.ModelID, &isHealthy, &h.ConsecutiveFailures, &lastCheck, &h.LastError, &h.ResponseTimeMS)
	if err != nil {
		return h, err
	}
	h.IsHealthy = isHealthy != 0
	if h.LastCheck, err = parseTime(lastCheck); err != nil {
		return h, fmt.Errorf("parse last_check: %w", err)
	}
	return h, nil
}

func (s *SQLite) GetModelHealth(ctx context.Context, modelID string) (*domain.ModelHealth, error) {
	query, _, err := s.goqu.From(s.tableModelHealth).
		Select("model_id", "is_healthy", "consecutive_failures", "last_check", "last_error", "response_time_ms").
		Where(goqu.I("model_id").Eq(modelID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get model health query: %w", err)
	}

	h, err := scanHealthRow(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get model health %q: %w", modelID, err)
	}

	return &h, nil
}

func (s *SQLite) ListModelHealth(ctx context.Context) ([]domain.ModelHealth, error) {
	query, _, err := s.goqu.From(s.tableModelHealth).
		Select("model_id", "is_healthy", "consecutive_failures", "last_check", "last_error", "response_time_ms").
		Order(goqu.I("model_id").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list model health query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list model health: %w", err)
	}
	defer rows.Close()

	var result []domain.ModelHealth
	for rows.Next() {
		h, err := scanHealthRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model health row: %w", err)
		}
		result = append(result, h)
	}

	return result, rows.Err()
}

func (s *SQLite) UpsertModelHealth(ctx context.Context, h domain.ModelHealth) error {
	if h.LastCheck.IsZero() {
		h.LastCheck = time.Now().UTC()
	}

	existing, err := s.GetModelHealth(ctx, h.ModelID)
	if err != nil {
		return err
	}

	isHealthy := 0
	if h.IsHealthy {
		isHealthy = 1
	}

	if existing == nil {
		query, _, err := s.goqu.Insert(s.tableModelHealth).Rows(
			goqu.Record{
				"model_id":             h.ModelID,
				"is_healthy":           isHealthy,
				"consecutive_failures": h.ConsecutiveFailures,
				"last_check":           formatTime(h.LastCheck),
				"last_error":           h.LastError,
				"response_time_ms":     h.ResponseTimeMS,
			},
		).ToSQL()
		if err != nil {
			return fmt.Errorf("build insert model health query: %w", err)
		}

		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("insert model health %q: %w", h.ModelID, err)
		}

		return nil
	}

	query, _, err := s.goqu.Update(s.tableModelHealth).Set(
		goqu.Record{
			"is_healthy":           isHealthy,
			"consecutive_failures": h.ConsecutiveFailures,
			"last_check":           formatTime(h.LastCheck),
			"last_error":           h.LastError,
			"response_time_ms":     h.ResponseTimeMS,
		},
	).Where(goqu.I("model_id").Eq(h.ModelID)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update model health query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("update model health %q: %w", h.ModelID, err)
	}

	return nil
}
