package database_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h8man13/h8man-finance-sub000/database"
	sqlite "github.com/h8man13/h8man-finance-sub000/database/drivers/sqlite3"
)

func memoryDB(t *testing.T) *database.Instance {
	t.Helper()
	db, err := sqlite.Connect(&database.Config{Driver: database.DBSQLite3, Database: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, db.CloseConnection())
	})
	return db
}

func TestConnectRequiresDatabase(t *testing.T) {
	t.Parallel()
	_, err := sqlite.Connect(nil)
	assert.ErrorIs(t, err, database.ErrNoDatabaseProvided)
	_, err = sqlite.Connect(&database.Config{Driver: database.DBSQLite3})
	assert.ErrorIs(t, err, database.ErrNoDatabaseProvided)
}

func TestConnectStateAndPing(t *testing.T) {
	t.Parallel()
	db := memoryDB(t)
	assert.True(t, db.IsConnected())
	assert.NotNil(t, db.GetSQL())
	assert.NoError(t, db.Ping())

	cfg := db.GetConfig()
	require.NotNil(t, cfg)
	assert.Equal(t, ":memory:", cfg.Database)
}

func TestCreateTablesRerunIsHarmless(t *testing.T) {
	t.Parallel()
	db := memoryDB(t)
	ddl := map[string]string{
		"things": `CREATE TABLE IF NOT EXISTS things (
			id integer PRIMARY KEY,
			name text NOT NULL
		);`,
	}
	ctx := context.Background()
	require.NoError(t, db.CreateTables(ctx, ddl))
	require.NoError(t, db.CreateTables(ctx, ddl))

	_, err := db.SQL.ExecContext(ctx, `INSERT INTO things (name) VALUES ('a')`)
	assert.NoError(t, err)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	t.Parallel()
	db := memoryDB(t)
	ctx := context.Background()
	require.NoError(t, db.CreateTables(ctx, map[string]string{
		"things": `CREATE TABLE IF NOT EXISTS things (id integer PRIMARY KEY, name text NOT NULL);`,
	}))

	boom := errors.New("boom")
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO things (name) VALUES ('a')`); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.SQL.QueryRowContext(ctx, `SELECT COUNT(1) FROM things`).Scan(&n))
	assert.Zero(t, n)
}

func TestWithTxCommits(t *testing.T) {
	t.Parallel()
	db := memoryDB(t)
	ctx := context.Background()
	require.NoError(t, db.CreateTables(ctx, map[string]string{
		"things": `CREATE TABLE IF NOT EXISTS things (id integer PRIMARY KEY, name text NOT NULL);`,
	}))

	require.NoError(t, db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO things (name) VALUES ('a')`)
		return err
	}))

	var n int
	require.NoError(t, db.SQL.QueryRowContext(ctx, `SELECT COUNT(1) FROM things`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestNilInstanceGuards(t *testing.T) {
	t.Parallel()
	var db *database.Instance
	assert.Error(t, db.Ping())
	assert.Error(t, db.WithTx(context.Background(), func(*sql.Tx) error { return nil }))
	assert.Nil(t, db.GetSQL())
}
