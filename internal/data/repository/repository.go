package repository

import (
	"context"
	"database/sql"

	"github.com/dfryer1193/flowbeacon/api"
)

type MigrationRepository interface {
	EnsureTable(ctx context.Context) error
	Applied(ctx context.Context) ([]api.MigrationRecord, error)
	Insert(ctx context.Context, tx *sql.Tx, record *api.MigrationRecord) error
	Delete(ctx context.Context, tx *sql.Tx, name string) error
}
