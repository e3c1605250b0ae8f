package postgres

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
	ID              string    `db:"id"`
	Key             string    `db:"key"`
	Type            string    `db:"type"`
	Endpoint        string    `db:"endpoint"`
	APIVersion      string    `db:"api_version"`
	EncryptedAPIKey string    `db:"encrypted_api_key"`
	OwnerID         string    `db:"owner_id"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r providerRow) toDomain() domain.Provider {
	return domain.Provider{
		ID:              r.ID,
		Key:             r.Key,
		Type:            domain.ProviderType(r.Type),
		Endpoint:        r.Endpoint,
		APIVersion:      r.APIVersion,
		EncryptedAPIKey: r.EncryptedAPIKey,
		OwnerID:         r.OwnerID,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func (p *Postgres) ListProviders(ctx context.Context) ([]domain.Provider, error) {
	query, _, err := p.goqu.From(p.tableProviders).
		Select("id", "key", "type", "endpoint", "api_version", "encrypted_api_key", "owner_id", "created_at", "updated_at").
		Order(goqu.I("key").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list providers query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
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
		result = append(result, row.toDomain())
	}

	return result, rows.Err()
}

func (p *Postgres) GetProviderByID(ctx context.Context, id string) (*domain.Provider, error) {
	return p.getProviderBy(ctx, goqu.I("id").Eq(id))
}

func (p *Postgres) GetProviderByKey(ctx context.Context, key string) (*domain.Provider, error) {
	return p.getProviderBy(ctx, goqu.I("key").Eq(key))
}

func (p *Postgres) getProviderBy(ctx context.Context, where exp.Expression) (*domain.Provider, error) {
	query, _, err := p.goqu.From(p.tableProviders).
		Select("id", "key", "type", "endpoint", "api_version", "encrypted_api_key", "owner_id", "created_at", "updated_at").
		Where(where).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get provider query: %w", err)
	}

	var row providerRow
	err = p.db.QueryRowContext(ctx, query).Scan(&row.ID, &row.Key, &row.Type, &row.Endpoint, &row.APIVersion, &row.EncryptedAPIKey, &row.OwnerID, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get provider: %w", err)
	}

	d := row.toDomain()
	return &d, nil
}

// CreateProvider encrypts apiKey (when non-empty) with the store's master key
// before persisting it.
func (p *Postgres) CreateProvider(ctx context.Context, pv domain.Provider, apiKey string) (*domain.Provider, error) {
	encrypted := ""
	if apiKey != "" {
		enc, err := crypto.Encrypt(apiKey, p.masterKey)
		if err != nil {
			return nil, fmt.Errorf("encrypt provider api key: %w", err)
		}
		encrypted = enc
	}

	id := ulid.Make().String()
	now := time.Now().UTC()

	query, _, err := p.goqu.Insert(p.tableProviders).Rows(
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

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create provider %q: %w", pv.Key, err)
	}

	return p.GetProviderByID(ctx, id)
}

func (p *Postgres) UpdateProvider(ctx context.Context, id string, pv domain.Provider, apiKey string) (*domain.Provider, error) {
	set := goqu.Record{
		"key":         pv.Key,
		"type":        string(pv.Type),
		"endpoint":    pv.Endpoint,
		"api_version": pv.APIVersion,
		"owner_id":    pv.OwnerID,
		"updated_at":  time.Now().UTC(),
	}

	if apiKey != "" {
		encrypted, err := crypto.Encrypt(apiKey, p.masterKey)
		if err != nil {
			return nil, fmt.Errorf("encrypt provider api key: %w", err)
		}
		set["encrypted_api_key"] = encrypted
	}

	query, _, err := p.goqu.Update(p.tableProviders).Set(set).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update provider query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("update provider %q: %w", id, err)
	}

	return p.GetProviderByID(ctx, id)
}

func (p *Postgres) DeleteProvider(ctx context.Context, id string) error {
	query, _, err := p.goqu.Delete(p.tableProviders).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete provider query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete provider %q: %w", id, err)
	}

	return nil
}

// RotateEncryptionKey re-encrypts every provider's and model's credential
// under newKey within a single transaction, mirroring the teacher's
// SELECT ... FOR UPDATE atomic-rotation pattern.
func (p *Postgres) RotateEncryptionKey(ctx context.Context, newKey []byte) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := p.rotateTable(ctx, tx, p.tableProviders, "encrypted_api_key", newKey); err != nil {
		return err
	}
	if err := p.rotateTable(ctx, tx, p.tableModels, "encrypted_api_key_override", newKey); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit key rotation: %w", err)
	}

	p.masterKey = newKey

	return nil
}

func (p *Postgres) rotateTable(ctx context.Context, tx *sql.Tx, table exp.IdentifierExpression, column string, newKey []byte) error {
	selQuery, _, err := p.goqu.From(table).Select("id", column).ForUpdate(exp.Wait).ToSQL()
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

		plain, err := crypto.Decrypt(r.value, p.masterKey)
		if err != nil {
			return fmt.Errorf("decrypt %q: %w", r.id, err)
		}

		reEncrypted, err := crypto.Encrypt(plain, newKey)
		if err != nil {
			return fmt.Errorf("re-encrypt %q: %w", r.id, err)
		}

		updQuery, _, err := p.goqu.Update(table).Set(goqu.Record{column: reEncrypted}).Where(goqu.I("id").Eq(r.id)).ToSQL()
		if err != nil {
			return fmt.Errorf("build rotation update: %w", err)
		}

		if _, err := tx.ExecContext(ctx, updQuery); err != nil {
			return fmt.Errorf("update %q: %w", r.id, err)
		}
	}

	return nil
}
