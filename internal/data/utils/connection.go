package utils

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/dfryer1193/flowbeacon/internal/config"
	"github.com/dfryer1193/flowbeacon/internal/data/schema"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// BuildConnectionString constructs the driver DSN for the configured database type
func BuildConnectionString(cfg config.DatabaseConfig) (string, error) {
	dialect, err := schema.ParseDialect(cfg.Type)
	if err != nil {
		return "", err
	}

	switch dialect {
	case schema.Postgres:
		pg := cfg.Postgres
		if pg.Port <= 0 || pg.Port > 65535 {
			return "", fmt.Errorf("invalid port number: %d", pg.Port)
		}
		u := &url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(pg.User, pg.Password),
			Host:   net.JoinHostPort(pg.Host, strconv.Itoa(pg.Port)),
			Path:   "/" + pg.Database,
		}
		return u.String(), nil
	default:
		// foreign keys are off by default in sqlite
		return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)", cfg.SQLite.Database), nil
	}
}

// Open connects to the configured database and returns the handle with a
// schema builder bound to it.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, *schema.Builder, error) {
	dialect, err := schema.ParseDialect(cfg.Type)
	if err != nil {
		return nil, nil, err
	}

	connString, err := BuildConnectionString(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build connection string: %w", err)
	}

	db, err := sql.Open(dialect.DriverName(), connString)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}

	if dialect == schema.SQLite {
		// one writer avoids SQLITE_BUSY during DDL
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to connect to %s database: %w", dialect, err)
	}

	log.Debug().Str("dbType", dialect.String()).Msg("database connection established")

	var pgSchema string
	if dialect == schema.Postgres {
		pgSchema = cfg.Postgres.Schema
	}

	return db, schema.NewBuilder(db, dialect, cfg.TablePrefix, pgSchema), nil
}
