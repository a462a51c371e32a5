package schema

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Builder issues DDL for a single dialect against an Execer. Table names
// passed to it are unprefixed; the builder applies the configured prefix.
type Builder struct {
	db          Execer
	dialect     Dialect
	tablePrefix string
	pgSchema    string
}

func NewBuilder(db Execer, dialect Dialect, tablePrefix string, pgSchema string) *Builder {
	return &Builder{
		db:          db,
		dialect:     dialect,
		tablePrefix: tablePrefix,
		pgSchema:    pgSchema,
	}
}

// WithExecer returns a copy of the builder bound to another executor, usually a transaction.
func (b *Builder) WithExecer(db Execer) *Builder {
	clone := *b
	clone.db = db
	return &clone
}

func (b *Builder) Dialect() Dialect {
	return b.dialect
}

func (b *Builder) TablePrefix() string {
	return b.tablePrefix
}

// TableName returns the quoted, prefixed and (on postgres) schema qualified table name.
func (b *Builder) TableName(table string) string {
	name := b.tablePrefix + table
	if b.dialect == Postgres && b.pgSchema != "" {
		return pgx.Identifier{b.pgSchema, name}.Sanitize()
	}
	return pgx.Identifier{name}.Sanitize()
}

// AddColumns adds each column with its own ALTER TABLE statement, in order.
// The first failing statement's error is returned as is.
func (b *Builder) AddColumns(ctx context.Context, table string, columns ...*Column) error {
	for _, col := range columns {
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", b.TableName(table), col.definition())
		if _, err := b.db.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

// DropColumns drops each named column with its own ALTER TABLE statement, in order.
func (b *Builder) DropColumns(ctx context.Context, table string, columns ...string) error {
	for _, col := range columns {
		query := fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", b.TableName(table), pgx.Identifier{col}.Sanitize())
		if _, err := b.db.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

// ColumnExists reports whether the prefixed table has the named column.
func (b *Builder) ColumnExists(ctx context.Context, table string, column string) (bool, error) {
	var exists bool
	var err error

	switch b.dialect {
	case Postgres:
		query := `SELECT EXISTS(
        SELECT 1 FROM information_schema.columns
        WHERE table_schema = COALESCE(NULLIF($1, ''), current_schema())
          AND table_name = $2
          AND column_name = $3
    )`
		err = b.db.QueryRowContext(ctx, query, b.pgSchema, b.tablePrefix+table, column).Scan(&exists)
	case SQLite:
		query := `SELECT COUNT(*) > 0 FROM pragma_table_info(?) WHERE name = ?`
		err = b.db.QueryRowContext(ctx, query, b.tablePrefix+table, column).Scan(&exists)
	default:
		return false, fmt.Errorf("%w: %s", ErrUnknownDialect, b.dialect)
	}

	if err != nil {
		return false, fmt.Errorf("failed to check column existence: %w", err)
	}

	return exists, nil
}
