package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/providentiaww/identity-server/internal/oauth"
	"github.com/providentiaww/identity-server/internal/storage"
)

func TestFileKeyStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := storage.NewFileKeyStore(dir)
	require.NoError(t, err)

	now := time.Now().UTC()
	older := oauth.SigningKeyContainer{ID: "k1", Algorithm: "RS256", Created: now.Add(-time.Hour), Data: "pem-1"}
	newer := oauth.SigningKeyContainer{ID: "k2", Algorithm: "ES256", Created: now, Data: "pem-2", DataProtected: true}
	require.NoError(t, store.StoreKey(ctx, newer))
	require.NoError(t, store.StoreKey(ctx, older))

	// Unrelated and corrupt files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "is-signing-key-bad.json"), []byte("{"), 0o600))

	keys, err := store.LoadKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "k1", keys[0].ID)
	assert.Equal(t, "k2", keys[1].ID)
	assert.True(t, keys[1].DataProtected)

	require.NoError(t, store.DeleteKey(ctx, "k1"))
	require.NoError(t, store.DeleteKey(ctx, "k1"))
	keys, err = store.LoadKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestPostgresKeyStore(t *testing.T) {
	db, mock := newMockDB(t)
	store := storage.NewPostgresKeyStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	mock.ExpectExec("INSERT INTO signing_keys").
		WithArgs("k1", "RS256", sqlmock.AnyArg(), false, true, "protected", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.StoreKey(ctx, oauth.SigningKeyContainer{
		ID: "k1", Algorithm: "RS256", Created: now, DataProtected: true, Data: "protected",
	}))

	mock.ExpectQuery("SELECT id, algorithm, created").
		WillReturnRows(sqlmock.NewRows([]string{"id", "algorithm", "created", "is_x509_certificate", "data_protected", "data", "certificate_data"}).
			AddRow("k1", "RS256", now, false, true, "protected", nil).
			AddRow("k2", "PS256", now, true, false, "pem", "cert"))
	keys, err := store.LoadKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "", keys[0].CertificateData)
	assert.Equal(t, "cert", keys[1].CertificateData)
	assert.True(t, keys[1].IsX509Certificate)

	mock.ExpectExec("DELETE FROM signing_keys").WithArgs("k1").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.DeleteKey(ctx, "k1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
