package iasauthpg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/iasauth/internal/iasauth"
	"github.com/tyemirov/iasauth/pkg/oauthtokens"
)

// PostgresTokenRepository persists encrypted session tokens in PostgreSQL via pgx.
type PostgresTokenRepository struct {
	pool   *pgxpool.Pool
	cipher *iasauth.TokenCipher
	now    func() time.Time
}

// NewPostgresTokenRepository constructs a Postgres repository.
func NewPostgresTokenRepository(pool *pgxpool.Pool, cipher *iasauth.TokenCipher) (*PostgresTokenRepository, error) {
	if pool == nil {
		return nil, errors.New("token_repository.pg.missing_pool")
	}
	if cipher == nil {
		return nil, fmt.Errorf("token_repository.pg: %w", iasauth.ErrMissingCipher)
	}
	return &PostgresTokenRepository{pool: pool, cipher: cipher, now: time.Now}, nil
}

// Load returns the tokens stored for key.
func (repository *PostgresTokenRepository) Load(ctx context.Context, key iasauth.SessionKey) (oauthtokens.OAuthTokens, bool, error) {
	var sealed iasauth.SealedTokens
	row := repository.pool.QueryRow(ctx, selectTokensSQL, key.UserID, key.SessionID)
	scanErr := row.Scan(&sealed.AccessToken, &sealed.RefreshToken, &sealed.TokenType, &sealed.ExpiresUnix)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return oauthtokens.OAuthTokens{}, false, nil
		}
		return oauthtokens.OAuthTokens{}, false, fmt.Errorf("token_repository.pg.load: %w", scanErr)
	}
	tokens, err := repository.cipher.OpenTokens(key, sealed)
	if err != nil {
		return oauthtokens.OAuthTokens{}, false, fmt.Errorf("token_repository.pg.load: %w", err)
	}
	return tokens, true, nil
}

// Save upserts the tokens for key.
func (repository *PostgresTokenRepository) Save(ctx context.Context, key iasauth.SessionKey, tokens oauthtokens.OAuthTokens) error {
	if err := key.Validate(); err != nil {
		return err
	}
	sealed, err := repository.cipher.SealTokens(key, tokens)
	if err != nil {
		return fmt.Errorf("token_repository.pg.save: %w", err)
	}
	_, execErr := repository.pool.Exec(ctx, upsertTokensSQL,
		key.UserID, key.SessionID, sealed.AccessToken, sealed.RefreshToken, sealed.TokenType, sealed.ExpiresUnix, repository.now().UTC().Unix())
	if execErr != nil {
		return fmt.Errorf("token_repository.pg.save: %w", execErr)
	}
	return nil
}

// Delete removes the tokens for key.
func (repository *PostgresTokenRepository) Delete(ctx context.Context, key iasauth.SessionKey) error {
	if _, err := repository.pool.Exec(ctx, deleteTokensSQL, key.UserID, key.SessionID); err != nil {
		return fmt.Errorf("token_repository.pg.delete: %w", err)
	}
	return nil
}

// PurgeStale removes sessions not written since olderThan.
func (repository *PostgresTokenRepository) PurgeStale(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := repository.pool.Exec(ctx, purgeTokensSQL, olderThan.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("token_repository.pg.purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

const (
	selectTokensSQL = `
SELECT access_token, refresh_token, token_type, expires_unix
FROM ias_session_tokens
WHERE user_id = $1 AND session_id = $2
`
	upsertTokensSQL = `
INSERT INTO ias_session_tokens (user_id, session_id, access_token, refresh_token, token_type, expires_unix, updated_unix)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (user_id, session_id) DO UPDATE SET
    access_token = EXCLUDED.access_token,
    refresh_token = EXCLUDED.refresh_token,
    token_type = EXCLUDED.token_type,
    expires_unix = EXCLUDED.expires_unix,
    updated_unix = EXCLUDED.updated_unix
`
	deleteTokensSQL = `
DELETE FROM ias_session_tokens
WHERE user_id = $1 AND session_id = $2
`
	purgeTokensSQL = `
DELETE FROM ias_session_tokens
WHERE updated_unix < $1
`
)
