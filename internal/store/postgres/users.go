package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/mawi-gateway/internal/domain"

	"github.com/doug-martin/goqu/v9"
)

var userColumns = []any{
	"id", "email", "organization_id", "quota_usd", "used_usd", "reset_at", "is_free_tier", "created_at", "updated_at",
}

func scanUserRow(scanner interface{ Scan(...any) error }) (domain.User, error) {
	var u domain.User
	err := scanner.Scan(&u.ID, &u.Email, &u.OrganizationID, &u.QuotaUSD, &u.UsedUSD, &u.ResetAt, &u.IsFreeTier, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (p *Postgres) ListUsers(ctx context.Context) ([]domain.User, error) {
	query, _, err := p.goqu.From(p.tableUsers).Select(userColumns...).Order(goqu.I("email").Asc()).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list users query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var result []domain.User
	for rows.Next() {
		u, err := scanUserRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		result = append(result, u)
	}

	return result, rows.Err()
}

func (p *Postgres) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query, _, err := p.goqu.From(p.tableUsers).Select(userColumns...).Where(goqu.I("id").Eq(userID)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get user query: %w", err)
	}

	u, err := scanUserRow(p.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %q: %w", userID, err)
	}

	return &u, nil
}

func (p *Postgres) CreateUser(ctx context.Context, u domain.User) (*domain.User, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()
	if u.ResetAt.IsZero() {
		u.ResetAt = now.AddDate(0, 1, 0)
	}

	query, _, err := p.goqu.Insert(p.tableUsers).Rows(
		goqu.Record{
			"id":              id,
			"email":           u.Email,
			"organization_id": u.OrganizationID,
			"quota_usd":       u.QuotaUSD,
			"used_usd":        0,
			"reset_at":        u.ResetAt,
			"is_free_tier":    u.IsFreeTier,
			"created_at":      now,
			"updated_at":      now,
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create user query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create user %q: %w", u.Email, err)
	}

	return p.GetUser(ctx, id)
}

func (p *Postgres) UpdateUser(ctx context.Context, id string, u domain.User) (*domain.User, error) {
	query, _, err := p.goqu.Update(p.tableUsers).Set(
		goqu.Record{
			"email":           u.Email,
			"organization_id": u.OrganizationID,
			"quota_usd":       u.QuotaUSD,
			"is_free_tier":    u.IsFreeTier,
			"updated_at":      time.Now().UTC(),
		},
	).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update user query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("update user %q: %w", id, err)
	}

	return p.GetUser(ctx, id)
}

func (p *Postgres) DeleteUser(ctx context.Context, id string) error {
	query, _, err := p.goqu.Delete(p.tableUsers).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete user query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete user %q: %w", id, err)
	}

	return nil
}

// ChargeUsage debits costUSD against the user's personal quota with a
// single conditional UPDATE (used_usd+Δ≤quota_usd, or quota_usd≤0 for
// unlimited) so concurrent charges can never push used_usd past quota_usd.
// If the personal quota can't absorb the full amount, it fills personal to
// the cap and charges the remainder against the user's organization with
// the same conditional guard; an org that also can't absorb it drops the
// remainder rather than violating either invariant.
func (p *Postgres) ChargeUsage(ctx context.Context, userID string, costUSD float64) error {
	if costUSD <= 0 {
		return nil
	}

	charged, err := p.tryChargeUser(ctx, userID, costUSD)
	if err != nil {
		return err
	}
	if charged {
		return nil
	}

	u, err := p.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if u == nil {
		return fmt.Errorf("charge usage: user %q not found", userID)
	}

	remaining := u.QuotaUSD - u.UsedUSD
	if remaining < 0 {
		remaining = 0
	}
	fill := costUSD
	if remaining < fill {
		fill = remaining
	}
	overflow := costUSD - fill

	if fill > 0 {
		filled, err := p.tryChargeUser(ctx, userID, fill)
		if err != nil {
			return err
		}
		if !filled {
			// Lost the race for the remaining headroom: nothing landed on
			// the personal side, so the whole charge overflows to the org.
			overflow = costUSD
		}
	}
	if overflow <= 0 {
		return nil
	}

	if !u.OrganizationID.Valid || u.OrganizationID.Value == "" {
		slog.Warn("quota charge overflow with no organization, dropping remainder", "user_id", userID, "overflow_usd", overflow)
		return nil
	}

	orgCharged, err := p.tryChargeOrganization(ctx, u.OrganizationID.Value, overflow)
	if err != nil {
		return err
	}
	if !orgCharged {
		slog.Warn("organization quota exhausted, dropping overflow charge", "organization_id", u.OrganizationID.Value, "overflow_usd", overflow)
	}

	return nil
}

// tryChargeUser attempts to add delta to the user's used_usd, guarded by
// used_usd+delta≤quota_usd (quota_usd≤0 means unlimited). Reports whether
// the conditional UPDATE actually matched a row.
func (p *Postgres) tryChargeUser(ctx context.Context, userID string, delta float64) (bool, error) {
	query, _, err := p.goqu.Update(p.tableUsers).Set(
		goqu.Record{
			"used_usd":   goqu.L("used_usd + ?", delta),
			"updated_at": time.Now().UTC(),
		},
	).Where(
		goqu.I("id").Eq(userID),
		goqu.Or(
			goqu.I("quota_usd").Lte(0),
			goqu.L("used_usd + ? <= quota_usd", delta),
		),
	).ToSQL()
	if err != nil {
		return false, fmt.Errorf("build charge user query: %w", err)
	}

	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return false, fmt.Errorf("charge user %q: %w", userID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("charge user %q: rows affected: %w", userID, err)
	}

	return affected > 0, nil
}

// tryChargeOrganization is tryChargeUser's organization-table counterpart.
func (p *Postgres) tryChargeOrganization(ctx context.Context, orgID string, delta float64) (bool, error) {
	query, _, err := p.goqu.Update(p.tableOrganizations).Set(
		goqu.Record{
			"used_usd":   goqu.L("used_usd + ?", delta),
			"updated_at": time.Now().UTC(),
		},
	).Where(
		goqu.I("id").Eq(orgID),
		goqu.Or(
			goqu.I("quota_usd").Lte(0),
			goqu.L("used_usd + ? <= quota_usd", delta),
		),
	).ToSQL()
	if err != nil {
		return false, fmt.Errorf("build charge organization query: %w", err)
	}

	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return false, fmt.Errorf("charge organization %q: %w", orgID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("charge organization %q: rows affected: %w", orgID, err)
	}

	return affected > 0, nil
}

// ─── Organizations ───

func (p *Postgres) ListOrganizations(ctx context.Context) ([]domain.Organization, error) {
	query, _, err := p.goqu.From(p.tableOrganizations).
		Select("id", "name", "quota_usd", "used_usd", "reset_at", "created_at", "updated_at").
		Order(goqu.I("name").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list organizations query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	defer rows.Close()

	var result []domain.Organization
	for rows.Next() {
		var o domain.Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.QuotaUSD, &o.UsedUSD, &o.ResetAt, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan organization row: %w", err)
		}
		result = append(result, o)
	}

	return result, rows.Err()
}

func (p *Postgres) GetOrganizationByID(ctx context.Context, id string) (*domain.Organization, error) {
	query, _, err := p.goqu.From(p.tableOrganizations).
		Select("id", "name", "quota_usd", "used_usd", "reset_at", "created_at", "updated_at").
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get organization query: %w", err)
	}

	var o domain.Organization
	err = p.db.QueryRowContext(ctx, query).Scan(&o.ID, &o.Name, &o.QuotaUSD, &o.UsedUSD, &o.ResetAt, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get organization %q: %w", id, err)
	}

	return &o, nil
}

func (p *Postgres) CreateOrganization(ctx context.Context, o domain.Organization) (*domain.Organization, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()
	if o.ResetAt.IsZero() {
		o.ResetAt = now.AddDate(0, 1, 0)
	}

	query, _, err := p.goqu.Insert(p.tableOrganizations).Rows(
		goqu.Record{
			"id":         id,
			"name":       o.Name,
			"quota_usd":  o.QuotaUSD,
			"used_usd":   0,
			"reset_at":   o.ResetAt,
			"created_at": now,
			"updated_at": now,
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create organization query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create organization %q: %w", o.Name, err)
	}

	return p.GetOrganizationByID(ctx, id)
}

func (p *Postgres) UpdateOrganization(ctx context.Context, id string, o domain.Organization) (*domain.Organization, error) {
	query, _, err := p.goqu.Update(p.tableOrganizations).Set(
		goqu.Record{
			"name":       o.Name,
			"quota_usd":  o.QuotaUSD,
			"updated_at": time.Now().UTC(),
		},
	).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update organization query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("update organization %q: %w", id, err)
	}

	return p.GetOrganizationByID(ctx, id)
}

func (p *Postgres) DeleteOrganization(ctx context.Context, id string) error {
	query, _, err := p.goqu.Delete(p.tableOrganizations).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete organization query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete organization %q: %w", id, err)
	}

	return nil
}
