package schema

import (
	"errors"
	"fmt"
)

// Dialect identifies the SQL flavour a Builder renders for.
type Dialect int

const (
	Postgres Dialect = iota + 1
	SQLite
)

var ErrUnknownDialect = errors.New("unknown database type")

// ParseDialect maps the DB_TYPE setting onto a Dialect.
func ParseDialect(dbType string) (Dialect, error) {
	switch dbType {
	case "postgresdb":
		return Postgres, nil
	case "sqlite":
		return SQLite, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownDialect, dbType)
	}
}

func (d Dialect) String() string {
	switch d {
	case Postgres:
		return "postgresdb"
	case SQLite:
		return "sqlite"
	default:
		return fmt.Sprintf("Dialect(%d)", int(d))
	}
}

// DriverName is the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	switch d {
	case Postgres:
		return "pgx"
	case SQLite:
		return "sqlite"
	default:
		return ""
	}
}
