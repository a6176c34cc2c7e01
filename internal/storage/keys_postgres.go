package storage

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/providentiaww/identity-server/internal/oauth"
)

// PostgresKeyStore keeps signing keys in signing_keys.
type PostgresKeyStore struct {
	db *sql.DB
}

// NewPostgresKeyStore builds the store.
func NewPostgresKeyStore(db *sql.DB) *PostgresKeyStore {
	return &PostgresKeyStore{db: db}
}

// EnsureSchema creates the signing_keys table.
func (s *PostgresKeyStore) EnsureSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS signing_keys (
		id VARCHAR(100) PRIMARY KEY,
		algorithm VARCHAR(20) NOT NULL,
		created TIMESTAMP NOT NULL,
		is_x509_certificate BOOLEAN NOT NULL DEFAULT FALSE,
		data_protected BOOLEAN NOT NULL DEFAULT FALSE,
		data TEXT NOT NULL,
		certificate_data TEXT
	);
	`
	_, err := s.db.ExecContext(ctx, query)
	return errors.Wrap(err, "create signing_keys")
}

// LoadKeys returns every stored key, oldest first.
func (s *PostgresKeyStore) LoadKeys(ctx context.Context) ([]oauth.SigningKeyContainer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, algorithm, created, is_x509_certificate, data_protected, data, certificate_data
		FROM signing_keys
		ORDER BY created ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "query signing keys")
	}
	defer rows.Close()

	var keys []oauth.SigningKeyContainer
	for rows.Next() {
		var (
			key  oauth.SigningKeyContainer
			cert sql.NullString
		)
		if err := rows.Scan(&key.ID, &key.Algorithm, &key.Created, &key.IsX509Certificate, &key.DataProtected, &key.Data, &cert); err != nil {
			return nil, errors.Wrap(err, "scan signing key")
		}
		key.CertificateData = cert.String
		keys = append(keys, key)
	}
	return keys, errors.Wrap(rows.Err(), "iterate signing keys")
}

// StoreKey inserts key. Keys are immutable once written.
func (s *PostgresKeyStore) StoreKey(ctx context.Context, key oauth.SigningKeyContainer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signing_keys (id, algorithm, created, is_x509_certificate, data_protected, data, certificate_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, key.ID, key.Algorithm, key.Created.UTC(), key.IsX509Certificate, key.DataProtected, key.Data, nullableString(key.CertificateData))
	return errors.Wrap(err, "store signing key")
}

// DeleteKey removes key id.
func (s *PostgresKeyStore) DeleteKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM signing_keys WHERE id = $1`, id)
	return errors.Wrap(err, "delete signing key")
}
