package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/mawi-gateway/internal/domain"

	"github.com/doug-martin/goqu/v9"
)

type serviceRow struct {
	ID               string
	Name             string
	Type             string
	Strategy         string
	InputModalities  string
	OutputModalities string
	PlannerModelID   string
	SystemPrompt     string
	MaxIterations    int
	OwnerID          string
	CreatedAt        string
	UpdatedAt        string
}

var serviceColumns = []any{
	"id", "name", "type", "strategy", "input_modalities", "output_modalities",
	"planner_model_id", "system_prompt", "max_iterations", "owner_id", "created_at", "updated_at",
}

func (r serviceRow) toDomain() (domain.Service, error) {
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return domain.Service{}, fmt.Errorf("parse created_at: %w", err)
	}
	updatedAt, err := parseTime(r.UpdatedAt)
	if err != nil {
		return domain.Service{}, fmt.Errorf("parse updated_at: %w", err)
	}

	s := domain.Service{
		ID:             r.ID,
		Name:           r.Name,
		Type:           domain.ServiceType(r.Type),
		Strategy:       domain.Strategy(r.Strategy),
		PlannerModelID: r.PlannerModelID,
		SystemPrompt:   r.SystemPrompt,
		MaxIterations:  r.MaxIterations,
		OwnerID:        r.OwnerID,
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
	}
	if r.InputModalities != "" {
		if err := json.Unmarshal([]byte(r.InputModalities), &s.InputModalities); err != nil {
			return s, fmt.Errorf("unmarshal input_modalities: %w", err)
		}
	}
	if r.OutputModalities != "" {
		if err := json.Unmarshal([]byte(r.OutputModalities), &s.OutputModalities); err != nil {
			return s, fmt.Errorf("unmarshal output_modalities: %w", err)
		}
	}
	return s, nil
}

func scanServiceRow(scanner interface{ Scan(...any) error }) (serviceRow, error) {
	var row serviceRow
	err := scanner.Scan(&row.ID, &row.Name, &row.Type, &row.Strategy, &row.InputModalities, &row.OutputModalities,
		&row.PlannerModelID, &row.SystemPrompt, &row.MaxIterations, &row.OwnerID, &row.CreatedAt, &row.UpdatedAt)
	return row, err
}

func (s *SQLite) ListServices(ctx context.Context) ([]domain.Service, error) {
	query, _, err := s.goqu.From(s.tableServices).Select(serviceColumns...).Order(goqu.I("name").Asc()).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list services query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()

	var result []domain.Service
	for rows.Next() {
		row, err := scanServiceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan service row: %w", err)
		}
		d, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}

	return result, rows.Err()
}

func (s *SQLite) GetServiceByName(ctx context.Context, name string) (*domain.Service, error) {
	query, _, err := s.goqu.From(s.tableServices).Select(serviceColumns...).Where(goqu.I("name").Eq(name)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get service query: %w", err)
	}

	row, err := scanServiceRow(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get service %q: %w", name, err)
	}

	d, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *SQLite) getServiceByID(ctx context.Context, id string) (*domain.Service, error) {
	query, _, err := s.goqu.From(s.tableServices).Select(serviceColumns...).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get service by id query: %w", err)
	}

	row, err := scanServiceRow(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get service %q: %w", id, err)
	}

	d, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *SQLite) CreateService(ctx context.Context, svc domain.Service) (*domain.Service, error) {
	inputJSON, err := json.Marshal(svc.InputModalities)
	if err != nil {
		return nil, fmt.Errorf("marshal input_modalities: %w", err)
	}
	outputJSON, err := json.Marshal(svc.OutputModalities)
	if err != nil {
		return nil, fmt.Errorf("marshal output_modalities: %w", err)
	}

	id := ulid.Make().String()
	now := formatTime(time.Now())

	query, _, err := s.goqu.Insert(s.tableServices).Rows(
		goqu.Record{
			"id":                id,
			"name":              svc.Name,
			"type":              string(svc.Type),
			"strategy":          string(svc.Strategy),
			"input_modalities":  string(inputJSON),
			"output_modalities": string(outputJSON),
			"planner_model_id":  svc.PlannerModelID,
			"system_prompt":     svc.SystemPrompt,
			"max_iterations":    svc.MaxIterations,
			"owner_id":          svc.OwnerID,
			"created_at":        now,
			"updated_at":        now,
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create service query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create service %q: %w", svc.Name, err)
	}

	return s.getServiceByID(ctx, id)
}

func (s *SQLite) UpdateService(ctx context.Context, id string, svc domain.Service) (*domain.Service, error) {
	inputJSON, err := json.Marshal(svc.InputModalities)
	if err != nil {
		return nil, fmt.Errorf("marshal input_modalities: %w", err)
	}
	outputJSON, err := json.Marshal(svc.OutputModalities)
	if err != nil {
		return nil, fmt.Errorf("marshal output_modalities: %w", err)
	}

	query, _, err := s.goqu.Update(s.tableServices).Set(
		goqu.Record{
			"name":              svc.Name,
			"type":              string(svc.Type),
			"strategy":          string(svc.Strategy),
			"input_modalities":  string(inputJSON),
			"output_modalities": string(outputJSON),
			"planner_model_id":  svc.PlannerModelID,
			"system_prompt":     svc.SystemPrompt,
			"max_iterations":    svc.MaxIterations,
			"owner_id":          svc.OwnerID,
			"updated_at":        formatTime(time.Now()),
		},
	).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update service query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("update service %q: %w", id, err)
	}

	return s.getServiceByID(ctx, id)
}

func (s *SQLite) DeleteService(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableServices).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete service query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete service %q: %w", id, err)
	}

	return nil
}

// ─── service_models assignments ───

func (s *SQLite) ListAssignments(ctx context.Context, serviceID string) ([]domain.ServiceModelAssignment, error) {
	query, _, err := s.goqu.From(s.tableServiceModels).
		Select("id", "service_id", "model_id", "position", "weight",
			"rtcros_role", "rtcros_task", "rtcros_context", "rtcros_reasoning", "rtcros_output", "rtcros_stop").
		Where(goqu.I("service_id").Eq(serviceID)).
		Order(goqu.I("position").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list assignments query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list assignments for %q: %w", serviceID, err)
	}
	defer rows.Close()

	var result []domain.ServiceModelAssignment
	for rows.Next() {
		var a domain.ServiceModelAssignment
		if err := rows.Scan(&a.ID, &a.ServiceID, &a.ModelID, &a.Position, &a.Weight,
			&a.RTCROS.Role, &a.RTCROS.Task, &a.RTCROS.Context, &a.RTCROS.Reasoning, &a.RTCROS.Output, &a.RTCROS.Stop); err != nil {
			return nil, fmt.Errorf("scan assignment row: %w", err)
		}
		result = append(result, a)
	}

	return result, rows.Err()
}

func (s *SQLite) SetAssignments(ctx context.Context, serviceID string, assignments []domain.ServiceModelAssignment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	delQuery, _, err := s.goqu.Delete(s.tableServiceModels).Where(goqu.I("service_id").Eq(serviceID)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete assignments query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, delQuery); err != nil {
		return fmt.Errorf("clear assignments for %q: %w", serviceID, err)
	}

	for _, a := range assignments {
		id := a.ID
		if id == "" {
			id = ulid.Make().String()
		}

		insQuery, _, err := s.goqu.Insert(s.tableServiceModels).Rows(
			goqu.Record{
				"id":               id,
				"service_id":       serviceID,
				"model_id":         a.ModelID,
				"position":         a.Position,
				"weight":           a.Weight,
				"rtcros_role":      a.RTCROS.Role,
				"rtcros_task":      a.RTCROS.Task,
				"rtcros_context":   a.RTCROS.Context,
				"rtcros_reasoning": a.RTCROS.Reasoning,
				"rtcros_output":    a.RTCROS.Output,
				"rtcros_stop":      a.RTCROS.Stop,
			},
		).ToSQL()
		if err != nil {
			return fmt.Errorf("build insert assignment query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insQuery); err != nil {
			return fmt.Errorf("insert assignment for %q: %w", serviceID, err)
		}
	}

	return tx.Commit()
}
