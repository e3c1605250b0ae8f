package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/worldline-go/types"

	"github.com/rakunlabs/mawi-gateway/internal/domain"

	"github.com/doug-martin/goqu/v9"
)

var userColumns = []any{
	"id", "email", "organization_id", "quota_usd", "used_usd", "reset_at", "is_free_tier", "created_at", "updated_at",
}

func scanUserRow(scanner interface{ Scan(...any) error }) (domain.User, error) {
	var u domain.User
	var orgID sql.NullString
	var resetAt, createdAt, updatedAt string
	err := scanner.Scan(&u.ID, &u.Email, &orgID, &u.QuotaUSD, &u.UsedUSD, &resetAt, &u.IsFreeTier, &createdAt, &updatedAt)
	if err != nil {
		return u, err
	}
	if orgID.Valid {
		u.OrganizationID = types.NewNull(orgID.String)
	}
	if u.ResetAt, err = parseTime(resetAt); err != nil {
		return u, fmt.Errorf("parse reset_at: %w", err)
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return u, fmt.Errorf("parse created_at: %w", err)
	}
	if u.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return u, fmt.Errorf("parse updated_at: %w", err)
	}
	return u, nil
}

func (s *SQLite) ListUsers(ctx context.Context) ([]domain.User, error) {
	query, _, err := s.goqu.From(s.tableUsers).Select(userColumns...).Order(goqu.I("email").Asc()).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list users query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
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

func (s *SQLite) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query, _, err := s.goqu.From(s.tableUsers).Select(userColumns...).Where(goqu.I("id").Eq(userID)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get user query: %w", err)
	}

	u, err := scanUserRow(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %q: %w", userID, err)
	}

	return &u, nil
}

func (s *SQLite) CreateUser(ctx context.Context, u domain.User) (*domain.User, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()
	resetAt := u.ResetAt
	if resetAt.IsZero() {
		resetAt = now.AddDate(0, 1, 0)
	}

	var orgID any
	if u.OrganizationID.Valid {
		orgID = u.OrganizationID.Value
	}

	query, _, err := s.goqu.Insert(s.tableUsers).Rows(
		goqu.Record{
			"id":              id,
			"email":           u.Email,
			"organization_id": orgID,
			"quota_usd":       u.QuotaUSD,
			"used_usd":        0,
			"reset_at":        formatTime(resetAt),
			"is_free_tier":    u.IsFreeTier,
			"created_at":      formatTime(now),
			"updated_at":      formatTime(now),
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create user query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create user %q: %w", u.Email, err)
	}

	return s.GetUser(ctx, id)
}

func (s *SQLite) UpdateUser(ctx context.Context, id string, u domain.User) (*domain.User, error) {
	var orgID any
	if u.OrganizationID.Valid {
		orgID = u.OrganizationID.Value
	}

	query, _, err := s.goqu.Update(s.tableUsers).Set(
		goqu.Record{
			"email":           u.Email,
			"organization_id": orgID,
			"quota_usd":       u.QuotaUSD,
			"is_free_tier":    u.IsFreeTier,
			"updated_at":      formatTime(time.Now()),
		},
	).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update user query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("update user %q: %w", id, err)
	}

	return s.GetUser(ctx, id)
}

func (s *SQLite) DeleteUser(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableUsers).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete user query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
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
func (s *SQLite) ChargeUsage(ctx context.Context, userID string, costUSD float64) error {
	if costUSD <= 0 {
		return nil
	}

	charged, err := s.tryChargeUser(ctx, userID, costUSD)
	if err != nil {
		return err
	}
	if charged {
		return nil
	}

	u, err := s.GetUser(ctx, userID)
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
		filled, err := s.tryChargeUser(ctx, userID, fill)
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

	orgCharged, err := s.tryChargeOrganization(ctx, u.OrganizationID.Value, overflow)
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
func (s *SQLite) tryChargeUser(ctx context.Context, userID string, delta float64) (bool, error) {
	query, _, err := s.goqu.Update(s.tableUsers).Set(
		goqu.Record{
			"used_usd":   goqu.L("used_usd + ?", delta),
			"updated_at": formatTime(time.Now().UTC()),
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

	res, err := s.db.ExecContext(ctx, query)
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
func (s *SQLite) tryChargeOrganization(ctx context.Context, orgID string, delta float64) (bool, error) {
	query, _, err := s.goqu.Update(s.tableOrganizations).Set(
		goqu.Record{
			"used_usd":   goqu.L("used_usd + ?", delta),
			"updated_at": formatTime(time.Now().UTC()),
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

	res, err := s.db.ExecContext(ctx, query)
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

func (s *SQLite) ListOrganizations(ctx context.Context) ([]domain.Organization, error) {
	query, _, err := s.goqu.From(s.tableOrganizations).
		Select("id", "name", "quota_usd", "used_usd", "reset_at", "created_at", "updated_at").
		Order(goqu.I("name").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list organizations query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	defer rows.Close()

	var result []domain.Organization
	for rows.Next() {
		o, err := scanOrganizationRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan organization row: %w", err)
		}
		result = append(result, o)
	}

	return result, rows.Err()
}

func scanOrganizationRow(scanner interface{ Scan(...any) error }) (domain.Organization, error) {
	var o domain.Organization
	var resetAt, createdAt, updatedAt string
	err := scanner.Scan(&o.ID, &o.Name, &o.QuotaUSD, &o.UsedUSD, &resetAt, &createdAt, &updatedAt)
	if err != nil {
		return o, err
	}
	if o.ResetAt, err = parseTime(resetAt); err != nil {
		return o, fmt.Errorf("parse reset_at: %w", err)
	}
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return o, fmt.Errorf("parse created_at: %w", err)
	}
	if o.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return o, fmt.Errorf("parse updated_at: %w", err)
	}
	return o, nil
}

func (s *SQLite) GetOrganizationByID(ctx context.Context, id string) (*domain.Organization, error) {
	query, _, err := s.goqu.From(s.tableOrganizations).
		Select("id", "name", "quota_usd", "used_usd", "reset_at", "created_at", "updated_at").
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get organization query: %w", err)
	}

	o, err := scanOrganizationRow(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get organization %q: %w", id, err)
	}

	return &o, nil
}

func (s *SQLite) CreateOrganization(ctx context.Context, o domain.Organization) (*domain.Organization, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()
	resetAt := o.ResetAt
	if resetAt.IsZero() {
		resetAt = now.AddDate(0, 1, 0)
	}

	query, _, err := s.goqu.Insert(s.tableOrganizations).Rows(
		goqu.Record{
			"id":         id,
			"name":       o.Name,
			"quota_usd":  o.QuotaUSD,
			"used_usd":   0,
			"reset_at":   formatTime(resetAt),
			"created_at": formatTime(now),
			"updated_at": formatTime(now),
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create organization query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create organization %q: %w", o.Name, err)
	}

	return s.GetOrganizationByID(ctx, id)
}

func (s *SQLite) UpdateOrganization(ctx context.Context, id string, o domain.Organization) (*domain.Organization, error) {
	query, _, err := s.goqu.Update(s.tableOrganizations).Set(
		goqu.Record{
			"name":       o.Name,
			"quota_usd":  o.QuotaUSD,
			"updated_at": formatTime(time.Now()),
		},
	).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update organization query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("update organization %q: %w", id, err)
	}

	return s.GetOrganizationByID(ctx, id)
}

func (s *SQLite) DeleteOrganization(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableOrganizations).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete organization query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete organization %q: %w", id, err)
	}

	return nil
}
