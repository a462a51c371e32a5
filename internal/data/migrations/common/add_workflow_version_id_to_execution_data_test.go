package common

import (
	"context"
	"database/sql"
	"testing"

	"github.com/dfryer1193/flowbeacon/internal/data/migrations"
	"github.com/dfryer1193/flowbeacon/internal/data/repository/sqldb"
	"github.com/dfryer1193/flowbeacon/internal/data/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

type columnInfo struct {
	Name      string
	Type      string
	NotNull   bool
	Default   sql.NullString
	PrimaryKy int
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func createExecutionData(t *testing.T, db *sql.DB, table string) {
	t.Helper()
	_, err := db.Exec(`CREATE TABLE "` + table + `" (
        "executionId" INTEGER PRIMARY KEY,
        "workflowData" TEXT NOT NULL,
        "data" TEXT NOT NULL
    )`)
	require.NoError(t, err)
}

func tableColumns(t *testing.T, db *sql.DB, table string) []columnInfo {
	t.Helper()
	rows, err := db.Query(`SELECT name, type, "notnull", dflt_value, pk FROM pragma_table_info(?) ORDER BY cid`, table)
	require.NoError(t, err)
	defer rows.Close()

	var cols []columnInfo
	for rows.Next() {
		var c columnInfo
		require.NoError(t, rows.Scan(&c.Name, &c.Type, &c.NotNull, &c.Default, &c.PrimaryKy))
		cols = append(cols, c)
	}
	require.NoError(t, rows.Err())
	return cols
}

func newRunner(db *sql.DB, prefix string) *migrations.Runner {
	builder := schema.NewBuilder(db, schema.SQLite, prefix, "")
	return migrations.NewRunner(db, builder, sqldb.NewMigrationRepository(db, builder),
		[]migrations.ReversibleMigration{AddWorkflowVersionIdToExecutionData{}})
}

func TestAddWorkflowVersionIdRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	createExecutionData(t, db, "execution_data")
	before := tableColumns(t, db, "execution_data")

	runner := newRunner(db, "")

	applied, err := runner.Up(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"AddWorkflowVersionIdToExecutionData1764072875856"}, applied)

	after := tableColumns(t, db, "execution_data")
	require.Len(t, after, len(before)+1)
	added := after[len(after)-1]
	assert.Equal(t, "workflowVersionId", added.Name)
	assert.Equal(t, "VARCHAR", added.Type)
	assert.False(t, added.NotNull, "column must be nullable")
	assert.False(t, added.Default.Valid, "column must carry no default")

	_, err = db.Exec(`INSERT INTO "execution_data" ("executionId", "workflowData", "data") VALUES (1, '{}', '[]')`)
	require.NoError(t, err, "existing inserts keep working without the new column")

	reverted, err := runner.Down(ctx)
	require.NoError(t, err)
	assert.Equal(t, "AddWorkflowVersionIdToExecutionData1764072875856", reverted)
	assert.Equal(t, before, tableColumns(t, db, "execution_data"))
}

func TestAddWorkflowVersionIdHonoursTablePrefix(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	createExecutionData(t, db, "n8n_execution_data")

	runner := newRunner(db, "n8n_")
	_, err := runner.Up(ctx)
	require.NoError(t, err)

	exists, err := schema.NewBuilder(db, schema.SQLite, "n8n_", "").ColumnExists(ctx, "execution_data", "workflowVersionId")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestAddWorkflowVersionIdPropagatesSchemaErrors(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	// no execution_data table at all
	runner := newRunner(db, "")
	_, err := runner.Up(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution_data")

	status, err := runner.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status, 1)
	assert.False(t, status[0].Applied, "failed migration must not be recorded")
}

func TestAddWorkflowVersionIdAlreadyPresent(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	createExecutionData(t, db, "execution_data")
	_, err := db.Exec(`ALTER TABLE "execution_data" ADD COLUMN "workflowVersionId" VARCHAR`)
	require.NoError(t, err)

	_, err = newRunner(db, "").Up(ctx)
	assert.Error(t, err, "duplicate column is reported, not skipped")
}

func TestRegistered(t *testing.T) {
	var found bool
	for _, m := range migrations.All() {
		if m.Name() == (AddWorkflowVersionIdToExecutionData{}).Name() {
			found = true
		}
	}
	assert.True(t, found)
}
