package main

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/osu-tender/crypto"
	"github.com/onnwee/osu-tender/db"
	"github.com/onnwee/osu-tender/testutil"
)

// base64 of "0123456789abcdef0123456789abcdef"
const testKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	database := testutil.SetupTestDB(t)
	cleanup := func() {
		_, _ = database.Exec(`DELETE FROM identity_links WHERE identity_id LIKE 'test-migrate-%'`)
	}
	cleanup()
	t.Cleanup(cleanup)
	return database
}

func insertPlaintext(t *testing.T, database *sql.DB, identity string, osuID int64, token string) {
	t.Helper()
	_, err := database.Exec(`INSERT INTO identity_links(identity_id, osu_user_id, username, refresh_token, encryption_version)
		VALUES($1,$2,'tester',$3,0)`, identity, osuID, token)
	require.NoError(t, err)
}

func encryptionVersion(t *testing.T, database *sql.DB, identity string) (int, string) {
	t.Helper()
	var version int
	var stored string
	require.NoError(t, database.QueryRow(`SELECT encryption_version, refresh_token FROM identity_links WHERE identity_id=$1`, identity).Scan(&version, &stored))
	return version, stored
}

func newEncryptor(t *testing.T) crypto.Encryptor {
	t.Helper()
	enc, err := crypto.NewAESEncryptor(testKey)
	require.NoError(t, err)
	return enc
}

func TestMigrateTokens_DryRun(t *testing.T) {
	database := setupTestDB(t)
	insertPlaintext(t, database, "test-migrate-dry", 900001, "refresh-dry")

	require.NoError(t, migrateTokens(context.Background(), database, newEncryptor(t), true, ""))

	version, stored := encryptionVersion(t, database, "test-migrate-dry")
	assert.Equal(t, 0, version)
	assert.Equal(t, "refresh-dry", stored)
}

func TestMigrateTokens_EncryptsAndStaysReadable(t *testing.T) {
	database := setupTestDB(t)
	enc := newEncryptor(t)
	insertPlaintext(t, database, "test-migrate-a", 900002, "refresh-a")
	insertPlaintext(t, database, "test-migrate-b", 900003, "refresh-b")

	require.NoError(t, migrateTokens(context.Background(), database, enc, false, ""))

	store := db.NewLinkStore(database, enc)
	for identity, want := range map[string]string{"test-migrate-a": "refresh-a", "test-migrate-b": "refresh-b"} {
		version, stored := encryptionVersion(t, database, identity)
		assert.Equal(t, 1, version, identity)
		assert.NotEqual(t, want, stored, identity)

		got, err := store.GetRefreshToken(context.Background(), identity)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// a second run finds nothing left to do
	require.NoError(t, migrateTokens(context.Background(), database, enc, false, ""))
}

func TestMigrateTokens_IdentityFilter(t *testing.T) {
	database := setupTestDB(t)
	insertPlaintext(t, database, "test-migrate-one", 900004, "refresh-one")
	insertPlaintext(t, database, "test-migrate-two", 900005, "refresh-two")

	require.NoError(t, migrateTokens(context.Background(), database, newEncryptor(t), false, "test-migrate-one"))

	v1, _ := encryptionVersion(t, database, "test-migrate-one")
	v2, _ := encryptionVersion(t, database, "test-migrate-two")
	assert.Equal(t, 1, v1)
	assert.Equal(t, 0, v2)
}

func TestMigrateToken_RotatedConcurrently(t *testing.T) {
	database := setupTestDB(t)
	insertPlaintext(t, database, "test-migrate-race", 900006, "refresh-new")

	err := migrateToken(context.Background(), database, newEncryptor(t), LinkRow{IdentityID: "test-migrate-race", RefreshToken: "refresh-old"})
	require.Error(t, err)
	version, stored := encryptionVersion(t, database, "test-migrate-race")
	assert.Equal(t, 0, version)
	assert.Equal(t, "refresh-new", stored)
}

func TestValidateMigration(t *testing.T) {
	database := setupTestDB(t)
	insertPlaintext(t, database, "test-migrate-validate", 900007, "refresh")
	assert.NoError(t, ValidateMigration(context.Background(), database))
}
