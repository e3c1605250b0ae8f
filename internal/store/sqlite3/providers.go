package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/mawi-gateway/internal/crypto"
	"github.com/rakunlabs/mawi-gateway/internal/domain"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
)

type providerRow struct {
	ID              string
	Key             string
	Type            string
	Endpoint        string
	APIVersion      string
	EncryptedAPIKey string
	OwnerID         string
	CreatedAt       string
	UpdatedAt       string
}

func (r providerRow) toDomain() (domain.Provider, error) {
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return domain.Provider{}, fmt.Errorf("parse created_at: %w", err)
	}
	updatedAt, err := parseTime(r.UpdatedAt)
	if err != nil {
		return domain.Provider{}, fmt.Errorf("parse updated_at: %w", err)
	}

	return domain.Provider{
		ID:              r.ID,
		Key:             r.Key,
		Type:            domain.ProviderType(r.Type),
		Endpoint:        r.Endpoint,
		APIVersion:      r.APIVersion,
		EncryptedAPIKey: r.EncryptedAPIKey,
		OwnerID:         r.OwnerID,
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
	}, nil
}

func (s *SQLite) ListProviders(ctx context.Context) ([]domain.Provider, error) {
	query, _, err := s.goqu.From(s.tableProviders).
		Select("id", "key", "type", "endpoint", "api_version", "encrypted_api_key", "owner_id", "created_at", "updated_at").
		Order(goqu.I("key").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list providers query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	var result []domain.Provider
	for rows.Next() {
		var row providerRow
		if err := rows.Scan(&row.ID, &row.Key, &row.Type, &row.Endpoint, &row.APIVersion, &row.EncryptedAPIKey, &row.OwnerID, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan provider row: %w", err)
		}
		d, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}

	return result, rows.Err()
}

func (s *SQLite) GetProviderByID(ctx context.Context, id string) (*domain.Provider, error) {
	return s.getProviderBy(ctx, goqu.I("id").Eq(id))
}

func (s *SQLite) GetProviderByKey(ctx context.Context, key string) (*domain.Provider, error) {
	return s.getProviderBy(ctx, goqu.I("key").Eq(key))
}

func (s *SQLite) getProviderBy(ctx context.Context, where exp.Expression) (*domain.Provider, error) {
	query, _, err := s.goqu.From(s.tableProviders).
		Select("id", "key", "type", "endpoint", "api_version", "encrypted_api_key", "owner_id", "created_at", "updated_at").
		Where(where).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get provider query: %w", err)
	}

	var row providerRow
	err = s.db.QueryRowContext(ctx, query).Scan(&row.ID, &row.Key, &row.Type, &row.Endpoint, &row.APIVersion, &row.EncryptedAPIKey, &row.OwnerID, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get provider: %w", err)
	}

	d, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *SQLite) CreateProvider(ctx context.Context, pv domain.Provider, apiKey string) (*domain.Provider, error) {
	encrypted := ""
	if apiKey != "" {
		enc, err := crypto.Encrypt(apiKey, s.masterKey)
		if err != nil {
			return nil, fmt.Errorf("encrypt provider api key: %w", err)
		}
		encrypted = enc
	}

	id := ulid.Make().String()
	now := formatTime(time.Now())

	query, _, err := s.goqu.Insert(s.tableProviders).Rows(
		goqu.Record{
			"id":                id,
			"key":               pv.Key,
			"type":              string(pv.Type),
			"endpoint":          pv.Endpoint,
			"api_version":       pv.APIVersion,
			"encrypted_api_key": encrypted,
			"owner_id":          pv.OwnerID,
			"created_at":        now,
			"updated_at":        now,
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create provider query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create provider %q: %w", pv.Key, err)
	}

	return s.GetProviderByID(ctx, id)
}

func (s *SQLite) UpdateProvider(ctx context.Context, id string, pv domain.Provider, apiKey string) (*domain.Provider, error) {
	set := goqu.Record{
		"key":         pv.Key,
		"type":        string(pv.Type),
		"endpoint":    pv.Endpoint,
		"api_version": pv.APIVersion,
		"owner_id":    pv.OwnerID,
		"updated_at":  formatTime(time.Now()),
	}

	if apiKey != "" {
		encrypted, err := crypto.Encrypt(apiKey, s.masterKey)
		if err != nil {
			return nil, fmt.Errorf("encrypt provider api key: %w", err)
		}
		set["encrypted_api_key"] = encrypted
	}

	query, _, err := s.goqu.Update(s.tableProviders).Set(set).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update provider query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("update provider %q: %w", id, err)
	}

	return s.GetProviderByID(ctx, id)
}

func (s *SQLite) DeleteProvider(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableProviders).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete provider query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete provider %q: %w", id, err)
	}

	return nil
}

// RotateEncryptionKey re-encrypts every provider's and model's credential
// under newKey within a single transaction. SQLite has no row-level locking,
// so this relies on SQLite's whole-database write lock for isolation.
func (s *SQLite) RotateEncryptionKey(ctx context.Context, newKey []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := s.rotateTable(ctx, tx, s.tableProviders, "encrypted_api_key", newKey); err != nil {
		return err
	}
	if err := s.rotateTable(ctx, tx, s.tableModels, "encrypted_api_key_override", newKey); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit key rotation: %w", err)
	}

	s.masterKey = newKey

	return nil
}

func (s *SQLite) rotateTable(ctx context.Context, tx *sql.Tx, table exp.IdentifierExpression, column string, newKey []byte) error {
	selQuery, _, err := s.goqu.From(table).Select("id", column).ToSQL()
	if err != nil {
		return fmt.Errorf("build rotation select: %w", err)
	}

	rows, err := tx.QueryContext(ctx, selQuery)
	if err != nil {
		return fmt.Errorf("select rows for rotation: %w", err)
	}

	type rowData struct {
		id    string
		value string
	}

	var all []rowData
	for rows.Next() {
		var r rowData
		if err := rows.Scan(&r.id, &r.value); err != nil {
			rows.Close()
			return fmt.Errorf("scan rotation row: %w", err)
		}
		all = append(all, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate rotation rows: %w", err)
	}

	for _, r := range all {
		if r.value == "" {
			continue
		}

		plain, err := crypto.Decrypt(r.value, s.masterKey)
		if err != nil {
			return fmt.Errorf("decrypt %q: %w", r.id, err)
		}

		reEncrypted, err := crypto.Encrypt(plain, newKey)
		if err != nil {
			return fmt.Errorf("re-encrypt %q: %w", r.id, err)
		}

		updQuery, _, err := s.goqu.Update(table).Set(goqu.Record{column: reEncrypted}).Where(goqu.I("id").Eq(r.id)).ToSQL()
		if err != nil {
			return fmt.Errorf("build rotation update: %w", err)
		}

		if _, err := tx.ExecContext(ctx, updQuery); err != nil {
			return fmt.Errorf("update %q: %w", r.id, err)
		}
	}

	return nil
}
