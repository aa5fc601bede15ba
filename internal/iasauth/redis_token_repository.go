package iasauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tyemirov/iasauth/pkg/oauthtokens"
)

const defaultRedisKeyPrefix = "ias:tokens"

// RedisTokenRepository stores encrypted session tokens in Redis, one key per session.
type RedisTokenRepository struct {
	client    redis.UniversalClient
	cipher    *TokenCipher
	prefix    string
	retention time.Duration
}

// RedisTokenRepositoryConfig wires a RedisTokenRepository.
type RedisTokenRepositoryConfig struct {
	Client redis.UniversalClient
	Cipher *TokenCipher
	// Prefix defaults to "ias:tokens".
	Prefix string
	// Retention bounds how long an untouched session survives. Zero keeps keys forever.
	Retention time.Duration
}

// NewRedisTokenRepository validates configuration and constructs the repository.
func NewRedisTokenRepository(configuration RedisTokenRepositoryConfig) (*RedisTokenRepository, error) {
	if configuration.Client == nil {
		return nil, errors.New("token_repository.redis.missing_client")
	}
	if configuration.Cipher == nil {
		return nil, fmt.Errorf("token_repository.redis: %w", ErrMissingCipher)
	}
	prefix := configuration.Prefix
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisTokenRepository{
		client:    configuration.Client,
		cipher:    configuration.Cipher,
		prefix:    prefix,
		retention: configuration.Retention,
	}, nil
}

// NewRedisClient parses a redis:// or rediss:// URL and pings the server.
func NewRedisClient(ctx context.Context, redisURL string) (redis.UniversalClient, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("token_repository.redis.parse_url: %w", err)
	}
	client := redis.NewClient(options)
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("token_repository.redis.ping: %w", pingErr)
	}
	return client, nil
}

func (repository *RedisTokenRepository) redisKey(key SessionKey) string {
	return fmt.Sprintf("%s:%s:%s", repository.prefix, url.QueryEscape(key.UserID), url.QueryEscape(key.SessionID))
}

// Load returns the tokens stored for key.
func (repository *RedisTokenRepository) Load(ctx context.Context, key SessionKey) (oauthtokens.OAuthTokens, bool, error) {
	payload, err := repository.client.Get(ctx, repository.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return oauthtokens.OAuthTokens{}, false, nil
		}
		return oauthtokens.OAuthTokens{}, false, fmt.Errorf("token_repository.redis.load: %w", err)
	}
	var sealed SealedTokens
	if err := json.Unmarshal(payload, &sealed); err != nil {
		return oauthtokens.OAuthTokens{}, false, fmt.Errorf("token_repository.redis.decode: %w", err)
	}
	tokens, err := repository.cipher.OpenTokens(key, sealed)
	if err != nil {
		return oauthtokens.OAuthTokens{}, false, fmt.Errorf("token_repository.redis.load: %w", err)
	}
	return tokens, true, nil
}

// Save replaces the tokens for key.
func (repository *RedisTokenRepository) Save(ctx context.Context, key SessionKey, tokens oauthtokens.OAuthTokens) error {
	if err := key.Validate(); err != nil {
		return err
	}
	sealed, err := repository.cipher.SealTokens(key, tokens)
	if err != nil {
		return fmt.Errorf("token_repository.redis.save: %w", err)
	}
	payload, err := json.Marshal(sealed)
	if err != nil {
		return fmt.Errorf("token_repository.redis.encode: %w", err)
	}
	if err := repository.client.Set(ctx, repository.redisKey(key), payload, repository.retention).Err(); err != nil {
		return fmt.Errorf("token_repository.redis.save: %w", err)
	}
	return nil
}

// Delete removes the tokens for key.
func (repository *RedisTokenRepository) Delete(ctx context.Context, key SessionKey) error {
	if err := repository.client.Del(ctx, repository.redisKey(key)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("token_repository.redis.delete: %w", err)
	}
	return nil
}
