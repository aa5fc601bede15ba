package iasauth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tyemirov/iasauth/pkg/oauthtokens"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// SessionKey addresses the tokens of one login session of one user.
type SessionKey struct {
	UserID    string
	SessionID string
}

// Validate rejects keys with an empty component.
func (key SessionKey) Validate() error {
	if strings.TrimSpace(key.UserID) == "" || strings.TrimSpace(key.SessionID) == "" {
		return ErrInvalidSessionKey
	}
	return nil
}

// String renders an unambiguous key; the length prefix keeps ("a:b","c") and ("a","b:c") apart.
func (key SessionKey) String() string {
	return fmt.Sprintf("%d:%s:%s", len(key.UserID), key.UserID, key.SessionID)
}

// TokenStore persists the OAuth tokens of the session it was bound to with Init.
type TokenStore interface {
	// Init binds the store to a session. It must precede every other call.
	Init(userID string, sessionID string) error
	// GetTokens returns the current tokens, refreshing expired ones first. A nil result
	// means the session must re-authenticate.
	GetTokens(ctx context.Context) (*oauthtokens.OAuthTokens, error)
	SaveTokens(ctx context.Context, tokens oauthtokens.OAuthTokens) error
	DeleteTokens(ctx context.Context) error
	// GetAuthenticationHeaderValue returns "" when no valid tokens are available.
	GetAuthenticationHeaderValue(ctx context.Context) (string, error)
}

// TokenStoreProvider creates request-scoped TokenStore instances.
type TokenStoreProvider interface {
	New() TokenStore
}

// TokenRepository is the storage backend behind RefreshingTokenStore.
type TokenRepository interface {
	Load(ctx context.Context, key SessionKey) (oauthtokens.OAuthTokens, bool, error)
	Save(ctx context.Context, key SessionKey, tokens oauthtokens.OAuthTokens) error
	Delete(ctx context.Context, key SessionKey) error
}

// TokenRefresher exchanges a refresh token for new tokens.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (oauthtokens.OAuthTokens, error)
}

// TokenStoreFactoryConfig wires a TokenStoreFactory.
type TokenStoreFactoryConfig struct {
	Repository TokenRepository
	// Refresher may be nil, in which case expired tokens are never renewed.
	Refresher  TokenRefresher
	Clock      Clock
	ExpirySkew time.Duration
	Logger     *zap.Logger
	Metrics    MetricsRecorder
}

// TokenStoreFactory holds the dependencies shared by all RefreshingTokenStore instances,
// including the per-session refresh serialization.
type TokenStoreFactory struct {
	repository TokenRepository
	refresher  TokenRefresher
	clock      Clock
	skew       time.Duration
	logger     *zap.Logger
	metrics    MetricsRecorder
	refreshes  singleflight.Group
}

// NewTokenStoreFactory validates configuration and constructs a factory.
func NewTokenStoreFactory(configuration TokenStoreFactoryConfig) (*TokenStoreFactory, error) {
	if configuration.Repository == nil {
		return nil, fmt.Errorf("token_store.new_factory: %w", ErrMissingRepository)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	skew := configuration.ExpirySkew
	if skew < 0 {
		skew = 0
	}
	return &TokenStoreFactory{
		repository: configuration.Repository,
		refresher:  configuration.Refresher,
		clock:      clock,
		skew:       skew,
		logger:     logger,
		metrics:    metricsOrNop(configuration.Metrics),
	}, nil
}

// New returns an unbound store.
func (factory *TokenStoreFactory) New() TokenStore {
	return &RefreshingTokenStore{factory: factory}
}

// RefreshingTokenStore is the repository-backed TokenStore.
type RefreshingTokenStore struct {
	factory *TokenStoreFactory
	key     SessionKey
	bound   bool
}

// Init binds the store to the session.
func (store *RefreshingTokenStore) Init(userID string, sessionID string) error {
	key := SessionKey{UserID: userID, SessionID: sessionID}
	if err := key.Validate(); err != nil {
		return fmt.Errorf("token_store.init: %w", err)
	}
	if store.bound {
		if store.key != key {
			return fmt.Errorf("token_store.init: %w", ErrTokenStoreRebind)
		}
		return nil
	}
	store.key = key
	store.bound = true
	return nil
}

// GetTokens loads the session tokens and refreshes them when expired.
func (store *RefreshingTokenStore) GetTokens(ctx context.Context) (*oauthtokens.OAuthTokens, error) {
	if !store.bound {
		return nil, ErrTokenStoreNotInitialized
	}
	key := store.key
	// The shared flight must not fail for every waiter because the first caller went away.
	flightCtx := context.WithoutCancel(ctx)
	result, err, _ := store.factory.refreshes.Do(key.String(), func() (interface{}, error) {
		return store.factory.loadCurrent(flightCtx, key)
	})
	if err != nil {
		return nil, err
	}
	tokens, _ := result.(*oauthtokens.OAuthTokens)
	if tokens == nil {
		return nil, nil
	}
	current := *tokens
	return &current, nil
}

// SaveTokens upserts the session tokens.
func (store *RefreshingTokenStore) SaveTokens(ctx context.Context, tokens oauthtokens.OAuthTokens) error {
	if !store.bound {
		return ErrTokenStoreNotInitialized
	}
	if strings.TrimSpace(tokens.AccessToken) == "" {
		return fmt.Errorf("token_store.save: %w", ErrInvalidTokens)
	}
	if err := store.factory.repository.Save(ctx, store.key, tokens); err != nil {
		return &StorageError{Op: "save", Err: err}
	}
	return nil
}

// DeleteTokens removes the session tokens.
func (store *RefreshingTokenStore) DeleteTokens(ctx context.Context) error {
	if !store.bound {
		return ErrTokenStoreNotInitialized
	}
	if err := store.factory.repository.Delete(ctx, store.key); err != nil {
		return &StorageError{Op: "delete", Err: err}
	}
	return nil
}

// GetAuthenticationHeaderValue renders the Authorization header for the current tokens.
func (store *RefreshingTokenStore) GetAuthenticationHeaderValue(ctx context.Context) (string, error) {
	tokens, err := store.GetTokens(ctx)
	if err != nil || tokens == nil {
		return "", err
	}
	return tokens.AuthorizationHeader(), nil
}

// AuthorizationHeader lets the store act as a bearer.AccessTokenSource.
func (store *RefreshingTokenStore) AuthorizationHeader(ctx context.Context) (string, error) {
	return store.GetAuthenticationHeaderValue(ctx)
}

func (factory *TokenStoreFactory) loadCurrent(ctx context.Context, key SessionKey) (*oauthtokens.OAuthTokens, error) {
	stored, found, err := factory.repository.Load(ctx, key)
	if err != nil {
		return nil, &StorageError{Op: "load", Err: err}
	}
	if !found {
		return nil, nil
	}
	if !stored.IsExpired(factory.clock.Now(), factory.skew) {
		return &stored, nil
	}
	if !stored.HasRefreshToken() || factory.refresher == nil {
		factory.metrics.Increment(metricTokenExpired)
		factory.logger.Debug("session tokens expired without refresh token",
			zap.String("code", "token_store.expired"),
			zap.String("user_id", key.UserID))
		return nil, nil
	}

	refreshed, refreshErr := factory.refresher.Refresh(ctx, stored.RefreshToken)
	if refreshErr != nil {
		factory.metrics.Increment(metricRefreshFailure)
		factory.logger.Info("session token refresh failed",
			zap.String("code", "token_store.refresh_failed"),
			zap.String("user_id", key.UserID),
			zap.String("oauth_error", oauthtokens.ErrorCode(refreshErr)),
			zap.Error(refreshErr))
		return nil, nil
	}
	if !refreshed.HasRefreshToken() {
		refreshed, err = oauthtokens.New(refreshed.AccessToken, refreshed.TokenType, stored.RefreshToken, refreshed.UTCExpiresAt)
		if err != nil {
			factory.metrics.Increment(metricRefreshFailure)
			return nil, nil
		}
	}
	if saveErr := factory.repository.Save(ctx, key, refreshed); saveErr != nil {
		return nil, &StorageError{Op: "save", Err: saveErr}
	}
	factory.metrics.Increment(metricRefreshSuccess)
	factory.logger.Debug("session tokens refreshed",
		zap.String("code", "token_store.refreshed"),
		zap.String("user_id", key.UserID),
		zap.Time("expires_at", refreshed.UTCExpiresAt))
	return &refreshed, nil
}
