package database_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbolis/regional-survey/database"
	"github.com/mbolis/regional-survey/database/dbtest"
)

func TestOpenMigratesSchema(t *testing.T) {
	db := dbtest.Open(t)

	for _, table := range []string{
		"governorate", "region", "user", "governorate_admin",
		"survey", "survey_governorate", "survey_field", "user_survey",
		"response", "response_detail", "token",
	} {
		ok, err := database.Exists(context.Background(), db,
			"SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?", table)
		require.NoError(t, err)
		assert.True(t, ok, "table %s missing", table)
	}
}

func TestOpenTwiceIsNoChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.sqlite")
	db, err := database.Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = database.Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestWALAndForeignKeys(t *testing.T) {
	db := dbtest.Open(t)

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	_, err := db.Exec("INSERT INTO region (name, governorate_id) VALUES ('orphan', 999)")
	require.Error(t, err)
	assert.True(t, database.IsForeignKeyViolation(err))
}

func TestInTxRollsBack(t *testing.T) {
	db := dbtest.Open(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := database.InTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO governorate (name) VALUES ('Cairo')"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, dbtest.Count(t, db, "governorate", ""))

	err = database.InTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO governorate (name) VALUES ('Cairo')")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, dbtest.Count(t, db, "governorate", ""))
}

func TestIsUniqueViolation(t *testing.T) {
	db := dbtest.Open(t)

	_, err := db.Exec("INSERT INTO governorate (name) VALUES ('Giza')")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO governorate (name) VALUES ('Giza')")
	require.Error(t, err)
	assert.True(t, database.IsUniqueViolation(err))
	assert.False(t, database.IsForeignKeyViolation(err))
	assert.False(t, database.IsUniqueViolation(errors.New("other")))
}
