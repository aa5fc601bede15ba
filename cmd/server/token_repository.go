package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/tyemirov/iasauth/internal/iasauth"
	"github.com/tyemirov/iasauth/internal/iasauthpg"
	"go.uber.org/zap"
)

const stalePurgeInterval = time.Hour

var (
	errMissingEncryptionKey = errors.New("token_store.missing_encryption_key: token_encryption_key must be provided for durable token stores")
	errUnsupportedStoreURL  = errors.New("token_store.unsupported_url")
)

type stalePurger interface {
	PurgeStale(ctx context.Context, olderThan time.Time) (int64, error)
}

// buildTokenRepository selects the repository named by storeURL. Durable repositories
// encrypt tokens with a key derived from encryptionKey and forget sessions idle for
// longer than retention.
func buildTokenRepository(ctx context.Context, storeURL string, encryptionKey string, retention time.Duration, logger *zap.Logger) (iasauth.TokenRepository, func(), error) {
	trimmed := strings.TrimSpace(storeURL)
	if trimmed == "" || strings.EqualFold(trimmed, "memory") {
		logger.Info("using in-memory token store")
		return iasauth.NewMemoryTokenRepository(), func() {}, nil
	}

	parsed, parseErr := url.Parse(trimmed)
	if parseErr != nil || parsed.Scheme == "" {
		return nil, nil, fmt.Errorf("%w: %q", errUnsupportedStoreURL, storeURL)
	}
	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case "sqlite", "sqlite3", "postgres", "postgresql", "pgx+postgres", "pgx+postgresql", "redis", "rediss":
	default:
		return nil, nil, fmt.Errorf("%w: scheme %q", errUnsupportedStoreURL, scheme)
	}

	if strings.TrimSpace(encryptionKey) == "" {
		return nil, nil, errMissingEncryptionKey
	}
	cipher, cipherErr := iasauth.NewTokenCipherFromSecret(encryptionKey)
	if cipherErr != nil {
		return nil, nil, cipherErr
	}

	switch scheme {
	case "redis", "rediss":
		client, clientErr := iasauth.NewRedisClient(ctx, trimmed)
		if clientErr != nil {
			return nil, nil, clientErr
		}
		repository, repositoryErr := iasauth.NewRedisTokenRepository(iasauth.RedisTokenRepositoryConfig{
			Client:    client,
			Cipher:    cipher,
			Retention: retention,
		})
		if repositoryErr != nil {
			_ = client.Close()
			return nil, nil, repositoryErr
		}
		logger.Info("using redis token store")
		return repository, func() { _ = client.Close() }, nil
	case "pgx+postgres", "pgx+postgresql":
		pool, poolErr := iasauthpg.BuildPool(ctx, trimmed)
		if poolErr != nil {
			return nil, nil, poolErr
		}
		if schemaErr := iasauthpg.EnsureSchema(ctx, pool); schemaErr != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("token_repository.pg.schema: %w", schemaErr)
		}
		repository, repositoryErr := iasauthpg.NewPostgresTokenRepository(pool, cipher)
		if repositoryErr != nil {
			pool.Close()
			return nil, nil, repositoryErr
		}
		logger.Info("using pgx token store")
		stopPurge := startStalePurge(ctx, repository, retention, logger)
		return repository, func() { stopPurge(); pool.Close() }, nil
	default:
		repository, repositoryErr := iasauth.NewDatabaseTokenRepository(ctx, trimmed, cipher)
		if repositoryErr != nil {
			return nil, nil, repositoryErr
		}
		logger.Info("using persistent token store", zap.String("driver", repository.Driver()))
		stopPurge := startStalePurge(ctx, repository, retention, logger)
		return repository, func() {
			stopPurge()
			if err := repository.Close(); err != nil {
				logger.Warn("token store close failed", zap.Error(err))
			}
		}, nil
	}
}

// startStalePurge removes idle sessions once per stalePurgeInterval until stopped.
func startStalePurge(ctx context.Context, purger stalePurger, retention time.Duration, logger *zap.Logger) func() {
	if retention <= 0 {
		return func() {}
	}
	purgeCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(stalePurgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-purgeCtx.Done():
				return
			case <-ticker.C:
				removed, err := purger.PurgeStale(purgeCtx, time.Now().Add(-retention))
				if err != nil {
					logger.Warn("stale session purge failed", zap.String("code", "token_store.purge_failed"), zap.Error(err))
					continue
				}
				if removed > 0 {
					logger.Info("purged stale sessions", zap.Int64("removed", removed))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
