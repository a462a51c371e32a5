package managers

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dfryer1193/flowbeacon/api"
	"github.com/dfryer1193/flowbeacon/internal/data/migrations"
	"github.com/dfryer1193/flowbeacon/internal/data/repository/sqldb"
	"github.com/dfryer1193/flowbeacon/internal/data/schema"
)

type MigrationRunner interface {
	Up(ctx context.Context) ([]string, error)
	Down(ctx context.Context) (string, error)
	Status(ctx context.Context) ([]api.MigrationStatus, error)
}

// MigrationManager is shared by the admin endpoint and the migrate command.
type MigrationManager struct {
	db     *sql.DB
	runner MigrationRunner
}

// NewMigrationManager runs every registered migration against db.
func NewMigrationManager(db *sql.DB, builder *schema.Builder) *MigrationManager {
	records := sqldb.NewMigrationRepository(db, builder)
	return &MigrationManager{
		db:     db,
		runner: migrations.NewRunner(db, builder, records, migrations.All()),
	}
}

func NewMigrationManagerWithRunner(runner MigrationRunner) *MigrationManager {
	return &MigrationManager{runner: runner}
}

func (mgr *MigrationManager) Close() error {
	if mgr.db == nil {
		return nil
	}
	return mgr.db.Close()
}

func (mgr *MigrationManager) ApplyPending(ctx context.Context) ([]string, error) {
	applied, err := mgr.runner.Up(ctx)
	if err != nil {
		return applied, fmt.Errorf("failed to apply pending migrations: %w", err)
	}

	return applied, nil
}

func (mgr *MigrationManager) RevertLast(ctx context.Context) (string, error) {
	name, err := mgr.runner.Down(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to revert last migration: %w", err)
	}

	return name, nil
}

func (mgr *MigrationManager) GetStatus(ctx context.Context) (*api.MigrationStatusList, error) {
	status, err := mgr.runner.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch migration status: %w", err)
	}

	return &api.MigrationStatusList{Migrations: status}, nil
}
