package migrations

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dfryer1193/flowbeacon/internal/data/schema"
	"github.com/rs/zerolog"
)

// Context is handed to every migration step. Schema is bound to the step's
// transaction.
type Context struct {
	Schema      *schema.Builder
	Dialect     schema.Dialect
	TablePrefix string
	Logger      zerolog.Logger
}

// ReversibleMigration is a single schema change that Down undoes exactly.
type ReversibleMigration interface {
	Name() string
	Timestamp() int64
	Up(ctx context.Context, mc *Context) error
	Down(ctx context.Context, mc *Context) error
}

var (
	registryMu sync.Mutex
	registry   = map[string]ReversibleMigration{}
)

// Register adds a migration to the process-wide set. It is meant to be
// called from init and panics on a duplicate name.
func Register(m ReversibleMigration) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, dup := registry[m.Name()]; dup {
		panic(fmt.Sprintf("migration %s registered twice", m.Name()))
	}
	registry[m.Name()] = m
}

// All returns the registered migrations ordered by timestamp.
func All() []ReversibleMigration {
	registryMu.Lock()
	defer registryMu.Unlock()

	out := make([]ReversibleMigration, 0, len(registry))
	for _, m := range registry {
		out = append(out, m)
	}
	return sortMigrations(out)
}

func sortMigrations(ms []ReversibleMigration) []ReversibleMigration {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Timestamp() == ms[j].Timestamp() {
			return ms[i].Name() < ms[j].Name()
		}
		return ms[i].Timestamp() < ms[j].Timestamp()
	})
	return ms
}
