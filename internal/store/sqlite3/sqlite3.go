// Package sqlite3 implements internal/store.Storer against SQLite using goqu
// as a query builder over database/sql and modernc.org/sqlite as the driver.
package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/mawi-gateway/internal/config"

	_ "modernc.org/sqlite"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
)

var DefaultTablePrefix = "mawi_"

// SQLite backs internal/store.Storer against a single-file SQLite database.
type SQLite struct {
	db   *sql.DB
	goqu *goqu.Database

	masterKey []byte

	tableUsers         exp.IdentifierExpression
	tableOrganizations exp.IdentifierExpression
	tableProviders     exp.IdentifierExpression
	tableModels        exp.IdentifierExpression
	tableServices      exp.IdentifierExpression
	tableServiceModels exp.IdentifierExpression
	tableModelHealth   exp.IdentifierExpression
	tableRequestLogs   exp.IdentifierExpression
	tableAgenticTools  exp.IdentifierExpression
	tableMcpServers    exp.IdentifierExpression
	tableServiceMcp    exp.IdentifierExpression
	tableMcpTools      exp.IdentifierExpression
	tableAPITokens     exp.IdentifierExpression
	tableSessions      exp.IdentifierExpression
}

// New opens a SQLite connection, runs migrations, and returns a ready Store.
func New(ctx context.Context, cfg *config.StoreSQLite, masterKey []byte) (*SQLite, error) {
	if cfg == nil {
		return nil, errors.New("sqlite configuration is nil")
	}

	if cfg.Datasource == "" {
		return nil, errors.New("sqlite datasource is required")
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

	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	db, err := sql.Open("sqlite", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()

		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()

		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := MigrateDB(ctx, &migrate, db); err != nil {
		db.Close()

		return nil, fmt.Errorf("migrate store sqlite: %w", err)
	}

	// SQLite is single-writer; limit connections accordingly.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	slog.Info("connected to store sqlite")

	dbGoqu := goqu.New("sqlite3", db)

	return &SQLite{
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

func (s *SQLite) Close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Error("close store sqlite connection", "error", err)
		}
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
