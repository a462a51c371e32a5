// repository/sqldb/migration_repository.go
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dfryer1193/flowbeacon/api"
	"github.com/dfryer1193/flowbeacon/internal/data/schema"
)

const migrationsTable = "migrations"

// MigrationRepository stores applied migrations in the <prefix>migrations table.
type MigrationRepository struct {
	db      *sql.DB
	builder *schema.Builder
}

func NewMigrationRepository(db *sql.DB, builder *schema.Builder) *MigrationRepository {
	return &MigrationRepository{db: db, builder: builder}
}

func (r *MigrationRepository) EnsureTable(ctx context.Context) error {
	var idColumn string
	switch r.builder.Dialect() {
	case schema.Postgres:
		idColumn = `"id" SERIAL PRIMARY KEY`
	case schema.SQLite:
		idColumn = `"id" INTEGER PRIMARY KEY AUTOINCREMENT`
	default:
		return fmt.Errorf("%w: %s", schema.ErrUnknownDialect, r.builder.Dialect())
	}

	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
        %s,
        "timestamp" BIGINT NOT NULL,
        "name" VARCHAR NOT NULL,
        "appliedAt" BIGINT NOT NULL
    )`, r.table(), idColumn)

	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	return nil
}

func (r *MigrationRepository) Applied(ctx context.Context) ([]api.MigrationRecord, error) {
	query := fmt.Sprintf(`
        SELECT "id", "timestamp", "name", "appliedAt"
        FROM %s
        ORDER BY "timestamp", "id"`, r.table())

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	var records []api.MigrationRecord
	for rows.Next() {
		var rec api.MigrationRecord
		var appliedAt int64
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Name, &appliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		rec.AppliedAt = time.UnixMilli(appliedAt).UTC()
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating migration rows: %w", err)
	}

	return records, nil
}

func (r *MigrationRepository) Insert(ctx context.Context, tx *sql.Tx, record *api.MigrationRecord) error {
	if record.AppliedAt.IsZero() {
		record.AppliedAt = time.Now().UTC()
	}

	query := fmt.Sprintf(`INSERT INTO %s ("timestamp", "name", "appliedAt") VALUES (%s, %s, %s)`,
		r.table(), r.placeholder(1), r.placeholder(2), r.placeholder(3))

	_, err := tx.ExecContext(ctx, query, record.Timestamp, record.Name, record.AppliedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record migration %s: %w", record.Name, err)
	}

	return nil
}

func (r *MigrationRepository) Delete(ctx context.Context, tx *sql.Tx, name string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE "name" = %s`, r.table(), r.placeholder(1))

	if _, err := tx.ExecContext(ctx, query, name); err != nil {
		return fmt.Errorf("failed to remove migration record %s: %w", name, err)
	}

	return nil
}

func (r *MigrationRepository) table() string {
	return r.builder.TableName(migrationsTable)
}

func (r *MigrationRepository) placeholder(n int) string {
	if r.builder.Dialect() == schema.Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}
