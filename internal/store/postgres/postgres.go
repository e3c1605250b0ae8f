// Package postgres implements internal/store.Storer against PostgreSQL using
// goqu as a query builder over database/sql and pgx as the driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/mawi-gateway/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
)

var (
	ConnMaxLifetime = 15 * time.Minute
	MaxIdleConns    = 3
	MaxOpenConns    = 3

	DefaultTablePrefix = "mawi_"
)

// Postgres backs internal/store.Storer against a PostgreSQL database.
type Postgres struct {
	db   *sql.DB
	goqu *goqu.Database

	masterKey []byte

	tableUsers           exp.IdentifierExpression
	tableOrganizations   exp.IdentifierExpression
	tableProviders       exp.IdentifierExpression
	tableModels          exp.IdentifierExpression
	tableServices        exp.IdentifierExpression
	tableServiceModels   exp.IdentifierExpression
	tableModelHealth     exp.IdentifierExpression
	tableRequestLogs     exp.IdentifierExpression
	tableAgenticTools    exp.IdentifierExpression
	tableMcpServers      exp.IdentifierExpression
	tableServiceMcp      exp.IdentifierExpression
	tableMcpTools        exp.IdentifierExpression
	tableAPITokens       exp.IdentifierExpression
	tableSessions        exp.IdentifierExpression
}

// New opens a PostgreSQL connection, runs migrations, and returns a ready Store.
func New(ctx context.Context, cfg *config.StorePostgres, masterKey []byte) (*Postgres, error) {
	if cfg == nil {
		return nil, errors.New("postgres configuration is nil")
	}

	if cfg.Datasource == "" {
		return nil, errors.New("postgres datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	migrate := cfg.Migrate
	if migrate.Table == "" {
		migrate.Table = "migrations"
	}

	if migrate.Datasource == "" {
		migrate.Datasource = cfg.Datasource
	}

	if migrate.Schema == "" {
		migrate.Schema = cfg.Schema
	}

	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	db, err := sql.Open("pgx", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if cfg.Schema != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", cfg.Schema)); err != nil {
			db.Close()

			return nil, fmt.Errorf("set search_path: %w", err)
		}
	}

	if err := MigrateDB(ctx, &migrate, db); err != nil {
		db.Close()

		return nil, fmt.Errorf("migrate store postgres: %w", err)
	}

	if cfg.ConnMaxLifetime != nil {
		ConnMaxLifetime = *cfg.ConnMaxLifetime
	}
	if cfg.MaxIdleConns != nil {
		MaxIdleConns = *cfg.MaxIdleConns
	}
	if cfg.MaxOpenConns != nil {
		MaxOpenConns = *cfg.MaxOpenConns
	}

	db.SetConnMaxLifetime(ConnMaxLifetime)
	db.SetMaxIdleConns(MaxIdleConns)
	db.SetMaxOpenConns(MaxOpenConns)

	slog.Info("connected to store postgres")

	dbGoqu := goqu.New("postgres", db)

	return &Postgres{
		db:                 db,
		goqu:               dbGoqu,
		masterKey:          masterKey,
		tableUsers:         goqu.T(tablePrefix + "users"),
		tableOrganizations: goqu.T(tablePrefix + "organizations"),
		tableProviders:     goqu.T(tablePrefix + "providers"),
		tableModels:        goqu.T(tablePrefix + "models"),
		tableServices:      goqu.T(tablePrefix + "services"),
		tableServiceModels: goqu.T(tablePrefix + "service_models"),
		tableModelHealth:   goqu.T(tablePrefix + "model_health"),
		tableRequestLogs:   goqu.T(tablePrefix + "request_logs"),
		tableAgenticTools:  goqu.T(tablePrefix + "agentic_tools"),
		tableMcpServers:    goqu.T(tablePrefix + "mcp_servers"),
		tableServiceMcp:    goqu.T(tablePrefix + "service_mcp_servers"),
		tableMcpTools:      goqu.T(tablePrefix + "mcp_tools"),
		tableAPITokens:     goqu.T(tablePrefix + "api_tokens"),
		tableSessions:      goqu.T(tablePrefix + "sessions"),
	}, nil
}

func (p *Postgres) Close() {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			slog.Error("close store postgres connection", "error", err)
		}
	}
}
