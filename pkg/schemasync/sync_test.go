package schemasync_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetherws/tether/pkg/schemasync"
)

func openDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := schemasync.Open(filepath.Join(t.TempDir(), "nested", "data", "database.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func columns(t *testing.T, db *sqlx.DB, table string) []string {
	t.Helper()
	var names []string
	require.NoError(t, db.Select(&names, "SELECT name FROM pragma_table_info(?) ORDER BY cid", table))
	return names
}

func TestSyncCreatesTables(t *testing.T) {
	db := openDB(t)
	schema, err := schemasync.LoadSchema("testdata/schema.toml")
	require.NoError(t, err)

	changes, err := schemasync.Sync(context.Background(), db, schema, nil)
	require.NoError(t, err)
	assert.Equal(t, []schemasync.Change{
		{Kind: schemasync.CreateTable, Table: "example_user_table"},
		{Kind: schemasync.CreateTable, Table: "example_product_table"},
	}, changes)

	assert.Equal(t, []string{"id", "name", "email", "password"}, columns(t, db, "example_user_table"))
	assert.Equal(t, []string{"id", "product_id", "name", "description", "price"}, columns(t, db, "example_product_table"))

	_, err = db.Exec(`INSERT INTO example_product_table (product_id, name) VALUES (7, 'lamp')`)
	require.NoError(t, err)
	var description string
	require.NoError(t, db.Get(&description, `SELECT description FROM example_product_table WHERE product_id = 7`))
	assert.Equal(t, "An amazing new product!", description)

	// A second run is a no-op.
	changes, err = schemasync.Sync(context.Background(), db, schema, nil)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestSyncAddsAndDropsColumns(t *testing.T) {
	db := openDB(t)

	v1, err := schemasync.ParseSchema(`
[[table]]
name = "users"
  [[table.column]]
  name = "id"
  definition = "INTEGER PRIMARY KEY"
  [[table.column]]
  name = "legacy"
  definition = "TEXT"
`)
	require.NoError(t, err)
	_, err = schemasync.Sync(context.Background(), db, v1, nil)
	require.NoError(t, err)

	v2, err := schemasync.ParseSchema(`
[[table]]
name = "users"
  [[table.column]]
  name = "id"
  definition = "INTEGER PRIMARY KEY"
  [[table.column]]
  name = "email"
  definition = "TEXT DEFAULT ''"
`)
	require.NoError(t, err)

	changes, err := schemasync.Sync(context.Background(), db, v2, nil)
	require.NoError(t, err)
	assert.Equal(t, []schemasync.Change{
		{Kind: schemasync.AddColumn, Table: "users", Column: "email", Definition: "TEXT DEFAULT ''"},
		{Kind: schemasync.DropColumn, Table: "users", Column: "legacy"},
	}, changes)
	assert.Equal(t, []string{"id", "email"}, columns(t, db, "users"))
}

func TestSyncRollsBackOnFailure(t *testing.T) {
	db := openDB(t)

	schema, err := schemasync.ParseSchema(`
[[table]]
name = "first"
  [[table.column]]
  name = "id"
  definition = "INTEGER PRIMARY KEY"

[[table]]
name = "second"
  [[table.column]]
  name = "id"
  definition = "NOT A TYPE ("
`)
	require.NoError(t, err)

	_, err = schemasync.Sync(context.Background(), db, schema, nil)
	require.Error(t, err)

	var count int
	require.NoError(t, db.Get(&count, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'first'`))
	assert.Zero(t, count)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"no tables":         ``,
		"bad table name":    "[[table]]\nname = \"drop table;\"\n[[table.column]]\nname = \"id\"\ndefinition = \"INTEGER\"\n",
		"no columns":        "[[table]]\nname = \"t\"\n",
		"bad column name":   "[[table]]\nname = \"t\"\n[[table.column]]\nname = \"1id\"\ndefinition = \"INTEGER\"\n",
		"empty definition":  "[[table]]\nname = \"t\"\n[[table.column]]\nname = \"id\"\ndefinition = \"\"\n",
		"duplicate columns": "[[table]]\nname = \"t\"\n[[table.column]]\nname = \"id\"\ndefinition = \"INTEGER\"\n[[table.column]]\nname = \"ID\"\ndefinition = \"TEXT\"\n",
	}

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := schemasync.ParseSchema(data)
			assert.ErrorIs(t, err, schemasync.ErrInvalidSchema)
		})
	}
}

func TestChangeString(t *testing.T) {
	assert.Equal(t, "add email TEXT to users",
		schemasync.Change{Kind: schemasync.AddColumn, Table: "users", Column: "email", Definition: "TEXT"}.String())
	assert.Equal(t, "drop legacy from users",
		schemasync.Change{Kind: schemasync.DropColumn, Table: "users", Column: "legacy"}.String())
}
