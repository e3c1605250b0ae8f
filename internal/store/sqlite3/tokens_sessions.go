package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/worldline-go/types"

	"github.com/rakunlabs/mawi-gateway/internal/domain"

	"github.com/doug-martin/goqu/v9"
)

var apiTokenColumns = []any{
	"id", "owner_id", "name", "token_prefix", "allowed_providers", "allowed_models", "expires_at", "created_at", "last_used_at",
}

func scanAPITokenRow(scanner interface{ Scan(...any) error }) (domain.APIToken, error) {
	var t domain.APIToken
	err := scanner.Scan(&t.ID, &t.OwnerID, &t.Name, &t.TokenPrefix, &t.AllowedProviders, &t.AllowedModels, &t.ExpiresAt, &t.CreatedAt, &t.LastUsedAt)
	return t, err
}

func (s *SQLite) ListAPITokens(ctx context.Context) ([]domain.APIToken, error) {
	query, _, err := s.goqu.From(s.tableAPITokens).Select(apiTokenColumns...).Order(goqu.I("created_at").Desc()).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list api_tokens query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list api_tokens: %w", err)
	}
	defer rows.Close()

	var result []domain.APIToken
	for rows.Next() {
		t, err := scanAPITokenRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api_token row: %w", err)
		}
		result = append(result, t)
	}

	return result, rows.Err()
}

func (s *SQLite) GetAPITokenByHash(ctx context.Context, hash string) (*domain.APIToken, error) {
	query, _, err := s.goqu.From(s.tableAPITokens).Select(apiTokenColumns...).Where(goqu.I("token_hash").Eq(hash)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get api_token query: %w", err)
	}

	t, err := scanAPITokenRow(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get api_token by hash: %w", err)
	}

	return &t, nil
}

func (s *SQLite) CreateAPIToken(ctx context.Context, t domain.APIToken, hash string) (*domain.APIToken, error) {
	id := ulid.Make().String()
	now := types.NewTime(time.Now().UTC())

	query, _, err := s.goqu.Insert(s.tableAPITokens).Rows(
		goqu.Record{
			"id":                id,
			"owner_id":          t.OwnerID,
			"name":              t.Name,
			"token_hash":        hash,
			"token_prefix":      t.TokenPrefix,
			"allowed_providers": t.AllowedProviders,
			"allowed_models":    t.AllowedModels,
			"expires_at":        t.ExpiresAt,
			"created_at":        now,
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create api_token query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create api_token: %w", err)
	}

	t.ID = id
	t.CreatedAt = now
	return &t, nil
}

func (s *SQLite) DeleteAPIToken(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableAPITokens).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete api_token query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete api_token %q: %w", id, err)
	}

	return nil
}

func (s *SQLite) UpdateLastUsed(ctx context.Context, id string) error {
	now := types.NewTime(time.Now().UTC())

	query, _, err := s.goqu.Update(s.tableAPITokens).Set(
		goqu.Record{"last_used_at": types.NewNull(now)},
	).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update last_used query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("update last_used for %q: %w", id, err)
	}

	return nil
}

// ─── Sessions ───

func (s *SQLite) GetSessionByToken(ctx context.Context, token string) (*domain.Session, error) {
	query, _, err := s.goqu.From(s.tableSessions).Select("user_id", "expires_at").Where(goqu.I("token").Eq(token)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get session query: %w", err)
	}

	var sess domain.Session
	var expiresAt string
	err = s.db.QueryRowContext(ctx, query).Scan(&sess.UserID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	if sess.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	sess.Token = token
	return &sess, nil
}

func (s *SQLite) CreateSession(ctx context.Context, sess domain.Session) error {
	query, _, err := s.goqu.Insert(s.tableSessions).Rows(
		goqu.Record{
			"token":      sess.Token,
			"user_id":    sess.UserID,
			"expires_at": formatTime(sess.ExpiresAt),
		},
	).ToSQL()
	if err != nil {
		return fmt.Errorf("build create session query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	return nil
}

func (s *SQLite) ExtendSession(ctx context.Context, token string) error {
	query, _, err := s.goqu.Update(s.tableSessions).Set(
		goqu.Record{"expires_at": formatTime(time.Now().Add(24 * time.Hour))},
	).Where(goqu.I("token").Eq(token)).ToSQL()
	if err != nil {
		return fmt.Errorf("build extend session query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("extend session: %w", err)
	}

	return nil
}

func (s *SQLite) DeleteSession(ctx context.Context, token string) error {
	query, _, err := s.goqu.Delete(s.tableSessions).Where(goqu.I("token").Eq(token)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete session query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	return nil
}
