package api

import "time"

// MigrationRecord is a row of the migrations table
type MigrationRecord struct {
	ID        uint64    `json:"id" db:"id"`
	Timestamp int64     `json:"timestamp" db:"timestamp"`
	Name      string    `json:"name" db:"name"`
	AppliedAt time.Time `json:"appliedAt" db:"appliedAt"`
}

// MigrationStatus describes a registered migration and whether it has been applied
type MigrationStatus struct {
	Timestamp int64      `json:"timestamp"`
	Name      string     `json:"name"`
	Applied   bool       `json:"applied"`
	AppliedAt *time.Time `json:"appliedAt,omitempty"`
}

type MigrationStatusList struct {
	Migrations []MigrationStatus `json:"migrations"`
}
