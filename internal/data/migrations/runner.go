package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dfryer1193/flowbeacon/api"
	"github.com/dfryer1193/flowbeacon/internal/data/repository"
	"github.com/dfryer1193/flowbeacon/internal/data/schema"
	"github.com/rs/zerolog/log"
)

var (
	ErrNothingToRevert  = errors.New("no applied migrations to revert")
	ErrUnknownMigration = errors.New("migration is not registered")
)

// Runner applies and reverts migrations, one transaction per step.
type Runner struct {
	db         *sql.DB
	builder    *schema.Builder
	records    repository.MigrationRepository
	migrations []ReversibleMigration
}

func NewRunner(db *sql.DB, builder *schema.Builder, records repository.MigrationRepository, ms []ReversibleMigration) *Runner {
	sorted := sortMigrations(append([]ReversibleMigration(nil), ms...))
	return &Runner{
		db:         db,
		builder:    builder,
		records:    records,
		migrations: sorted,
	}
}

// Up applies every pending migration in timestamp order and returns the
// names it applied. It stops at the first failure.
func (r *Runner) Up(ctx context.Context) ([]string, error) {
	applied, err := r.appliedByName(ctx)
	if err != nil {
		return nil, err
	}

	done := make([]string, 0)
	for _, m := range r.migrations {
		if _, ok := applied[m.Name()]; ok {
			continue
		}

		err := r.inTx(ctx, func(tx *sql.Tx) error {
			if err := m.Up(ctx, r.contextFor(tx, m)); err != nil {
				return err
			}
			return r.records.Insert(ctx, tx, &api.MigrationRecord{Timestamp: m.Timestamp(), Name: m.Name()})
		})
		if err != nil {
			return done, fmt.Errorf("migration %s failed: %w", m.Name(), err)
		}

		log.Info().Str("migration", m.Name()).Msg("migration applied")
		done = append(done, m.Name())
	}

	return done, nil
}

// Down reverts the most recently applied migration.
func (r *Runner) Down(ctx context.Context) (string, error) {
	if err := r.records.EnsureTable(ctx); err != nil {
		return "", err
	}

	records, err := r.records.Applied(ctx)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", ErrNothingToRevert
	}

	last := records[len(records)-1]
	m := r.find(last.Name)
	if m == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownMigration, last.Name)
	}

	err = r.inTx(ctx, func(tx *sql.Tx) error {
		if err := m.Down(ctx, r.contextFor(tx, m)); err != nil {
			return err
		}
		return r.records.Delete(ctx, tx, m.Name())
	})
	if err != nil {
		return "", fmt.Errorf("reverting migration %s failed: %w", m.Name(), err)
	}

	log.Info().Str("migration", m.Name()).Msg("migration reverted")
	return m.Name(), nil
}

// Status lists every registered migration and whether it has been applied.
func (r *Runner) Status(ctx context.Context) ([]api.MigrationStatus, error) {
	applied, err := r.appliedByName(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]api.MigrationStatus, 0, len(r.migrations))
	for _, m := range r.migrations {
		status := api.MigrationStatus{Timestamp: m.Timestamp(), Name: m.Name()}
		if rec, ok := applied[m.Name()]; ok {
			appliedAt := rec.AppliedAt
			status.Applied = true
			status.AppliedAt = &appliedAt
		}
		out = append(out, status)
	}

	return out, nil
}

func (r *Runner) appliedByName(ctx context.Context) (map[string]api.MigrationRecord, error) {
	if err := r.records.EnsureTable(ctx); err != nil {
		return nil, err
	}

	records, err := r.records.Applied(ctx)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]api.MigrationRecord, len(records))
	for _, rec := range records {
		byName[rec.Name] = rec
	}
	return byName, nil
}

func (r *Runner) find(name string) ReversibleMigration {
	for _, m := range r.migrations {
		if m.Name() == name {
			return m
		}
	}
	return nil
}

func (r *Runner) contextFor(tx *sql.Tx, m ReversibleMigration) *Context {
	return &Context{
		Schema:      r.builder.WithExecer(tx),
		Dialect:     r.builder.Dialect(),
		TablePrefix: r.builder.TablePrefix(),
		Logger:      log.With().Str("migration", m.Name()).Logger(),
	}
}

func (r *Runner) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	start := time.Now()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error().Err(rbErr).Msg("failed to roll back migration transaction")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	log.Debug().Dur("took", time.Since(start)).Msg("migration transaction committed")
	return nil
}
