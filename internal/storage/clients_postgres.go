package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/providentiaww/identity-server/internal/oauth"
)

// OpenPostgresFromEnv opens the lib/pq pool used by the client and key
// stores. OAUTH_DATABASE_URL wins over DATABASE_URL.
func OpenPostgresFromEnv(ctx context.Context) (*sql.DB, error) {
	connString := os.Getenv("OAUTH_DATABASE_URL")
	if connString == "" {
		connString = os.Getenv("DATABASE_URL")
	}
	if connString == "" {
		return nil, errors.New("OAUTH_DATABASE_URL or DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	db.SetMaxOpenConns(parseEnvInt("OAUTH_DB_MAX_OPEN_CONNS", 5))
	db.SetMaxIdleConns(parseEnvInt("OAUTH_DB_MAX_IDLE_CONNS", 2))
	db.SetConnMaxLifetime(parseEnvDuration("OAUTH_DB_CONN_MAX_LIFETIME", 5*time.Minute))

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return db, nil
}

// PostgresClientStore keeps client registrations in oauth_clients. Queryable
// fields get their own columns; everything else lives in the settings
// document.
type PostgresClientStore struct {
	db *sql.DB
}

// NewPostgresClientStore builds the store.
func NewPostgresClientStore(db *sql.DB) *PostgresClientStore {
	return &PostgresClientStore{db: db}
}

type secretRecord struct {
	Value       string     `json:"value"`
	Type        string     `json:"type"`
	Description string     `json:"description,omitempty"`
	Expiration  *time.Time `json:"expiration,omitempty"`
}

// EnsureSchema creates the clients table.
func (s *PostgresClientStore) EnsureSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS oauth_clients (
		client_id VARCHAR(200) PRIMARY KEY,
		client_name TEXT,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		grant_types TEXT[] NOT NULL,
		allowed_scopes TEXT[] NOT NULL,
		redirect_uris TEXT[] NOT NULL,
		post_logout_redirect_uris TEXT[] NOT NULL,
		secrets JSONB NOT NULL DEFAULT '[]',
		settings JSONB NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP NOT NULL DEFAULT NOW()
	);
	`
	_, err := s.db.ExecContext(ctx, query)
	return errors.Wrap(err, "create oauth_clients")
}

// SaveClient inserts or updates client.
func (s *PostgresClientStore) SaveClient(ctx context.Context, client *oauth.Client) error {
	query := `
		INSERT INTO oauth_clients
			(client_id, client_name, enabled, grant_types, allowed_scopes, redirect_uris, post_logout_redirect_uris, secrets, settings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (client_id)
		DO UPDATE SET
			client_name = EXCLUDED.client_name,
			enabled = EXCLUDED.enabled,
			grant_types = EXCLUDED.grant_types,
			allowed_scopes = EXCLUDED.allowed_scopes,
			redirect_uris = EXCLUDED.redirect_uris,
			post_logout_redirect_uris = EXCLUDED.post_logout_redirect_uris,
			secrets = EXCLUDED.secrets,
			settings = EXCLUDED.settings,
			updated_at = EXCLUDED.updated_at
	`

	now := time.Now().UTC()
	if client.CreatedAt.IsZero() {
		client.CreatedAt = now
	}
	client.UpdatedAt = now

	secrets := make([]secretRecord, 0, len(client.Secrets))
	for _, sec := range client.Secrets {
		secrets = append(secrets, secretRecord(sec))
	}
	secretsJSON, err := json.Marshal(secrets)
	if err != nil {
		return errors.Wrap(err, "marshal client secrets")
	}
	settings, err := json.Marshal(client)
	if err != nil {
		return errors.Wrap(err, "marshal client settings")
	}

	_, err = s.db.ExecContext(ctx, query,
		client.ClientID,
		nullableString(client.ClientName),
		client.Enabled,
		pq.Array(client.AllowedGrantTypes),
		pq.Array(client.AllowedScopes),
		pq.Array(nonNil(client.RedirectURIs)),
		pq.Array(nonNil(client.PostLogoutRedirectURIs)),
		secretsJSON,
		settings,
		client.CreatedAt,
		client.UpdatedAt,
	)
	if err != nil {
		logrus.WithFields(logrus.Fields{"package": "storage", "method": "SaveClient", "client_id": client.ClientID}).
			WithError(err).Error("failed to save client")
		return errors.Wrap(err, "save client")
	}
	return nil
}

// FindClientByID loads a client. Unknown ids return oauth.ErrNotFound.
func (s *PostgresClientStore) FindClientByID(ctx context.Context, clientID string) (*oauth.Client, error) {
	query := `
		SELECT client_id, client_name, enabled, grant_types, allowed_scopes, redirect_uris, post_logout_redirect_uris, secrets, settings, created_at, updated_at
		FROM oauth_clients
		WHERE client_id = $1
	`

	var (
		id                          string
		clientName                  sql.NullString
		enabled                     bool
		grantTypes, scopes          []string
		redirectURIs, postLogoutURI []string
		secretsJSON, settings       []byte
		createdAt, updatedAt        time.Time
	)
	err := s.db.QueryRowContext(ctx, query, clientID).Scan(
		&id,
		&clientName,
		&enabled,
		pq.Array(&grantTypes),
		pq.Array(&scopes),
		pq.Array(&redirectURIs),
		pq.Array(&postLogoutURI),
		&secretsJSON,
		&settings,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, oauth.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get client")
	}

	var client oauth.Client
	if err := json.Unmarshal(settings, &client); err != nil {
		return nil, errors.Wrapf(err, "decode settings of client %s", id)
	}
	var secrets []secretRecord
	if err := json.Unmarshal(secretsJSON, &secrets); err != nil {
		return nil, errors.Wrapf(err, "decode secrets of client %s", id)
	}

	client.ClientID = id
	client.ClientName = clientName.String
	client.Enabled = enabled
	client.AllowedGrantTypes = grantTypes
	client.AllowedScopes = scopes
	client.RedirectURIs = redirectURIs
	client.PostLogoutRedirectURIs = postLogoutURI
	client.Secrets = make([]oauth.Secret, 0, len(secrets))
	for _, sec := range secrets {
		client.Secrets = append(client.Secrets, oauth.Secret(sec))
	}
	client.CreatedAt = createdAt
	client.UpdatedAt = updatedAt
	client.ApplyDefaults()
	return &client, nil
}

// DeleteClient removes a registration.
func (s *PostgresClientStore) DeleteClient(ctx context.Context, clientID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM oauth_clients WHERE client_id = $1`, clientID)
	if err != nil {
		return errors.Wrap(err, "delete client")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return oauth.ErrNotFound
	}
	return nil
}

func nullableString(val string) sql.NullString {
	if val == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: val, Valid: true}
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func parseEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}
