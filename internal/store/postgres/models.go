package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/mawi-gateway/internal/crypto"
	"github.com/rakunlabs/mawi-gateway/internal/domain"

	"github.com/doug-martin/goqu/v9"
)

type modelRow struct {
	ID                      string  `db:"id"`
	Name                    string  `db:"name"`
	ProviderID              string  `db:"provider_id"`
	ProviderType            string  `db:"provider_type"`
	Modality                string  `db:"modality"`
	ContextWindow           int     `db:"context_window"`
	CostInputPer1KUSD       sql.NullFloat64 `db:"cost_input_per_1k_usd"`
	CostOutputPer1KUSD      sql.NullFloat64 `db:"cost_output_per_1k_usd"`
	EndpointOverride        string  `db:"endpoint_override"`
	EncryptedAPIKeyOverride string  `db:"encrypted_api_key_override"`
	OwnerID                 string  `db:"owner_id"`
}

func (r modelRow) toDomain() domain.Model {
	m := domain.Model{
		ID:                      r.ID,
		Name:                    r.Name,
		ProviderID:              r.ProviderID,
		ProviderType:            domain.ProviderType(r.ProviderType),
		Modality:                domain.Modality(r.Modality),
		ContextWindow:           r.ContextWindow,
		EndpointOverride:        r.EndpointOverride,
		EncryptedAPIKeyOverride: r.EncryptedAPIKeyOverride,
		OwnerID:                 r.OwnerID,
	}
	if r.CostInputPer1KUSD.Valid {
		v := r.CostInputPer1KUSD.Float64
		m.CostInputPer1KUSD = &v
	}
	if r.CostOutputPer1KUSD.Valid {
		v := r.CostOutputPer1KUSD.Float64
		m.CostOutputPer1KUSD = &v
	}
	return m
}

var modelColumns = []any{
	"id", "name", "provider_id", "provider_type", "modality", "context_window",
	"cost_input_per_1k_usd", "cost_output_per_1k_usd", "endpoint_override",
	"encrypted_api_key_override", "owner_id",
}

func scanModelRow(scanner interface{ Scan(...any) error }) (modelRow, error) {
	var row modelRow
	err := scanner.Scan(&row.ID, &row.Name, &row.ProviderID, &row.ProviderType, &row.Modality, &row.ContextWindow,
		&row.CostInputPer1KUSD, &row.CostOutputPer1KUSD, &row.EndpointOverride,
		&row.EncryptedAPIKeyOverride, &row.OwnerID)
	return row, err
}

func (p *Postgres) ListModels(ctx context.Context) ([]domain.Model, error) {
	query, _, err := p.goqu.From(p.tableModels).Select(modelColumns...).Order(goqu.I("name").Asc()).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list models query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var result []domain.Model
	for rows.Next() {
		row, err := scanModelRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model row: %w", err)
		}
		result = append(result, row.toDomain())
	}

	return result, rows.Err()
}

func (p *Postgres) GetModelByID(ctx context.Context, id string) (*domain.Model, error) {
	query, _, err := p.goqu.From(p.tableModels).Select(modelColumns...).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get model query: %w", err)
	}

	row, err := scanModelRow(p.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get model %q: %w", id, err)
	}

	m := row.toDomain()
	return &m, nil
}

func (p *Postgres) CreateModel(ctx context.Context, m domain.Model, apiKeyOverride string) (*domain.Model, error) {
	encrypted := ""
	if apiKeyOverride != "" {
		enc, err := crypto.Encrypt(apiKeyOverride, p.masterKey)
		if err != nil {
			return nil, fmt.Errorf("encrypt model api key override: %w", err)
		}
		encrypted = enc
	}

	id := ulid.Make().String()

	query, _, err := p.goqu.Insert(p.tableModels).Rows(
		goqu.Record{
			"id":                         id,
			"name":                       m.Name,
			"provider_id":                m.ProviderID,
			"provider_type":              string(m.ProviderType),
			"modality":                   string(m.Modality),
			"context_window":             m.ContextWindow,
			"cost_input_per_1k_usd":      m.CostInputPer1KUSD,
			"cost_output_per_1k_usd":     m.CostOutputPer1KUSD,
			"endpoint_override":          m.EndpointOverride,
			"encrypted_api_key_override": encrypted,
			"owner_id":                   m.OwnerID,
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create model query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create model %q: %w", m.Name, err)
	}

	return p.GetModelByID(ctx, id)
}

func (p *Postgres) UpdateModel(ctx context.Context, id string, m domain.Model, apiKeyOverride string) (*domain.Model, error) {
	set := goqu.Record{
		"name":               m.Name,
		"provider_id":        m.ProviderID,
		"provider_type":      string(m.ProviderType),
		"modality":           string(m.Modality),
		"context_window":     m.ContextWindow,
		"cost_input_per_1k_usd":  m.CostInputPer1KUSD,
		"cost_output_per_1k_usd": m.CostOutputPer1KUSD,
		"endpoint_override":  m.EndpointOverride,
		"owner_id":           m.OwnerID,
	}

	if apiKeyOverride != "" {
		encrypted, err := crypto.Encrypt(apiKeyOverride, p.masterKey)
		if err != nil {
			return nil, fmt.Errorf("encrypt model api key override: %w", err)
		}
		set["encrypted_api_key_override"] = encrypted
	}

	query, _, err := p.goqu.Update(p.tableModels).Set(set).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update model query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("update model %q: %w", id, err)
	}

	return p.GetModelByID(ctx, id)
}

func (p *Postgres) DeleteModel(ctx context.Context, id string) error {
	query, _, err := p.goqu.Delete(p.tableModels).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete model query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete model %q: %w", id, err)
	}

	return nil
}

// MeanLatencyMS reports the mean observed response time and sample count for
// a model over its logged health history, used by the least_latency strategy.
func (p *Postgres) MeanLatencyMS(ctx context.Context, modelID string) (float64, int, error) {
	query, _, err := p.goqu.From(p.tableModelHealth).
		Select("response_time_ms").
		Where(goqu.I("model_id").Eq(modelID)).
		ToSQL()
	if err != nil {
		return 0, 0, fmt.Errorf("build mean latency query: %w", err)
	}

	var responseTimeMS sql.NullInt64
	err = p.db.QueryRowContext(ctx, query).Scan(&responseTimeMS)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("mean latency for %q: %w", modelID, err)
	}
	if !responseTimeMS.Valid {
		return 0, 0, nil
	}

	return float64(responseTimeMS.Int64), 1, nil
}
