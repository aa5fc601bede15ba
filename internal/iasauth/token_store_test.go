package iasauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tyemirov/iasauth/pkg/oauthtokens"
	"go.uber.org/zap/zaptest"
	"golang.org/x/oauth2"
)

type controllableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newControllableClock(start time.Time) *controllableClock {
	return &controllableClock{current: start}
}

func (clock *controllableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

type countingRefresher struct {
	calls   atomic.Int32
	tokens  oauthtokens.OAuthTokens
	err     error
	release chan struct{}
}

func (refresher *countingRefresher) Refresh(ctx context.Context, refreshToken string) (oauthtokens.OAuthTokens, error) {
	refresher.calls.Add(1)
	if refresher.release != nil {
		<-refresher.release
	}
	return refresher.tokens, refresher.err
}

type failingRepository struct {
	*MemoryTokenRepository
	loadErr error
	saveErr error
}

func (repository *failingRepository) Load(ctx context.Context, key SessionKey) (oauthtokens.OAuthTokens, bool, error) {
	if repository.loadErr != nil {
		return oauthtokens.OAuthTokens{}, false, repository.loadErr
	}
	return repository.MemoryTokenRepository.Load(ctx, key)
}

func (repository *failingRepository) Save(ctx context.Context, key SessionKey, tokens oauthtokens.OAuthTokens) error {
	if repository.saveErr != nil {
		return repository.saveErr
	}
	return repository.MemoryTokenRepository.Save(ctx, key, tokens)
}

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func mustTokens(t *testing.T, accessToken string, refreshToken string, expiresAt time.Time) oauthtokens.OAuthTokens {
	t.Helper()
	tokens, err := oauthtokens.New(accessToken, "Bearer", refreshToken, expiresAt)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	return tokens
}

func newTestFactory(t *testing.T, repository TokenRepository, refresher TokenRefresher, clock Clock) *TokenStoreFactory {
	t.Helper()
	factory, err := NewTokenStoreFactory(TokenStoreFactoryConfig{
		Repository: repository,
		Refresher:  refresher,
		Clock:      clock,
		ExpirySkew: 30 * time.Second,
		Logger:     zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	return factory
}

func boundStore(t *testing.T, factory *TokenStoreFactory, userID string, sessionID string) TokenStore {
	t.Helper()
	store := factory.New()
	if err := store.Init(userID, sessionID); err != nil {
		t.Fatalf("init: %v", err)
	}
	return store
}

func TestNewTokenStoreFactoryRequiresRepository(t *testing.T) {
	if _, err := NewTokenStoreFactory(TokenStoreFactoryConfig{}); !errors.Is(err, ErrMissingRepository) {
		t.Fatalf("expected missing repository error, got %v", err)
	}
}

func TestTokenStoreRequiresInit(t *testing.T) {
	factory := newTestFactory(t, NewMemoryTokenRepository(), nil, newControllableClock(testEpoch))
	store := factory.New()
	if _, err := store.GetTokens(context.Background()); !errors.Is(err, ErrTokenStoreNotInitialized) {
		t.Fatalf("expected not initialized, got %v", err)
	}
	if err := store.SaveTokens(context.Background(), mustTokens(t, "a", "", time.Time{})); !errors.Is(err, ErrTokenStoreNotInitialized) {
		t.Fatalf("expected not initialized, got %v", err)
	}
}

func TestTokenStoreInitIsIdempotentAndRejectsRebind(t *testing.T) {
	factory := newTestFactory(t, NewMemoryTokenRepository(), nil, newControllableClock(testEpoch))
	store := factory.New()
	if err := store.Init("user-1", "session-1"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := store.Init("user-1", "session-1"); err != nil {
		t.Fatalf("repeated init: %v", err)
	}
	if err := store.Init("user-1", "session-2"); !errors.Is(err, ErrTokenStoreRebind) {
		t.Fatalf("expected rebind error, got %v", err)
	}
	if err := factory.New().Init("", "session-1"); !errors.Is(err, ErrInvalidSessionKey) {
		t.Fatalf("expected invalid key error, got %v", err)
	}
}

func TestTokenStoreRoundTrip(t *testing.T) {
	clock := newControllableClock(testEpoch)
	factory := newTestFactory(t, NewMemoryTokenRepository(), nil, clock)
	store := boundStore(t, factory, "user-1", "session-1")
	saved := mustTokens(t, "access-1", "refresh-1", testEpoch.Add(time.Hour))

	if err := store.SaveTokens(context.Background(), saved); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := boundStore(t, factory, "user-1", "session-1").GetTokens(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded == nil || *loaded != saved {
		t.Fatalf("expected %#v, got %#v", saved, loaded)
	}
	header, err := store.GetAuthenticationHeaderValue(context.Background())
	if err != nil || header != "Bearer access-1" {
		t.Fatalf("unexpected header %q err %v", header, err)
	}

	other, err := boundStore(t, factory, "user-1", "session-2").GetTokens(context.Background())
	if err != nil || other != nil {
		t.Fatalf("expected no tokens for another session, got %#v err %v", other, err)
	}
}

func TestTokenStoreRefreshesExpiredTokensExactlyOnce(t *testing.T) {
	clock := newControllableClock(testEpoch)
	repository := NewMemoryTokenRepository()
	refresher := &countingRefresher{tokens: mustTokens(t, "access-2", "", testEpoch.Add(2*time.Hour))}
	factory := newTestFactory(t, repository, refresher, clock)
	store := boundStore(t, factory, "user-1", "session-1")
	if err := store.SaveTokens(context.Background(), mustTokens(t, "access-1", "refresh-1", testEpoch.Add(time.Hour))); err != nil {
		t.Fatalf("save: %v", err)
	}

	clock.Advance(time.Hour)
	refreshed, err := store.GetTokens(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if refreshed == nil || refreshed.AccessToken != "access-2" {
		t.Fatalf("expected refreshed tokens, got %#v", refreshed)
	}
	if refreshed.RefreshToken != "refresh-1" {
		t.Fatalf("expected the previous refresh token to be kept, got %q", refreshed.RefreshToken)
	}
	if calls := refresher.calls.Load(); calls != 1 {
		t.Fatalf("expected one refresh, got %d", calls)
	}

	persisted, found, _ := repository.Load(context.Background(), SessionKey{UserID: "user-1", SessionID: "session-1"})
	if !found || persisted.AccessToken != "access-2" {
		t.Fatalf("expected refreshed tokens to be persisted, got %#v", persisted)
	}
	if _, err := store.GetTokens(context.Background()); err != nil {
		t.Fatalf("second get: %v", err)
	}
	if calls := refresher.calls.Load(); calls != 1 {
		t.Fatalf("expected no further refresh for valid tokens, got %d", calls)
	}
}

func TestTokenStoreRefreshesWithinSkew(t *testing.T) {
	clock := newControllableClock(testEpoch)
	refresher := &countingRefresher{tokens: mustTokens(t, "access-2", "refresh-2", testEpoch.Add(2*time.Hour))}
	factory := newTestFactory(t, NewMemoryTokenRepository(), refresher, clock)
	store := boundStore(t, factory, "user-1", "session-1")
	_ = store.SaveTokens(context.Background(), mustTokens(t, "access-1", "refresh-1", testEpoch.Add(20*time.Second)))

	tokens, err := store.GetTokens(context.Background())
	if err != nil || tokens == nil || tokens.AccessToken != "access-2" {
		t.Fatalf("expected refresh inside the skew window, got %#v err %v", tokens, err)
	}
}

func TestTokenStoreExpiredWithoutRefreshTokenMakesNoNetworkCall(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		requests.Add(1)
		writer.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	clock := newControllableClock(testEpoch)
	refresher := NewOAuth2Refresher(&oauth2.Config{ClientID: "client", Endpoint: oauth2.Endpoint{TokenURL: server.URL}}, server.Client())
	factory := newTestFactory(t, NewMemoryTokenRepository(), refresher, clock)
	store := boundStore(t, factory, "user-1", "session-1")
	_ = store.SaveTokens(context.Background(), mustTokens(t, "access-1", "", testEpoch.Add(time.Minute)))

	clock.Advance(time.Hour)
	tokens, err := store.GetTokens(context.Background())
	if err != nil || tokens != nil {
		t.Fatalf("expected nil tokens, got %#v err %v", tokens, err)
	}
	header, _ := store.GetAuthenticationHeaderValue(context.Background())
	if header != "" {
		t.Fatalf("expected empty header, got %q", header)
	}
	if requests.Load() != 0 {
		t.Fatalf("expected no token endpoint calls, got %d", requests.Load())
	}
}

func TestTokenStoreRefreshFailureReturnsNil(t *testing.T) {
	clock := newControllableClock(testEpoch)
	refresher := &countingRefresher{err: &oauthtokens.OAuthError{Code: oauthtokens.ErrorCodeInvalidGrant}}
	metrics := NewCounterMetrics()
	factory, err := NewTokenStoreFactory(TokenStoreFactoryConfig{
		Repository: NewMemoryTokenRepository(),
		Refresher:  refresher,
		Clock:      clock,
		Logger:     zaptest.NewLogger(t),
		Metrics:    metrics,
	})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	store := boundStore(t, factory, "user-1", "session-1")
	_ = store.SaveTokens(context.Background(), mustTokens(t, "access-1", "refresh-1", testEpoch))

	tokens, getErr := store.GetTokens(context.Background())
	if getErr != nil || tokens != nil {
		t.Fatalf("expected nil tokens without error, got %#v err %v", tokens, getErr)
	}
	if metrics.Count(metricRefreshFailure) != 1 {
		t.Fatalf("expected refresh failure metric, got %v", metrics.Snapshot())
	}
}

func TestTokenStoreConcurrentCallersShareOneRefresh(t *testing.T) {
	clock := newControllableClock(testEpoch)
	refresher := &countingRefresher{
		tokens:  mustTokens(t, "access-2", "refresh-2", testEpoch.Add(2*time.Hour)),
		release: make(chan struct{}),
	}
	factory := newTestFactory(t, NewMemoryTokenRepository(), refresher, clock)
	_ = boundStore(t, factory, "user-1", "session-1").SaveTokens(context.Background(), mustTokens(t, "access-1", "refresh-1", testEpoch))

	const callers = 8
	var started sync.WaitGroup
	var finished sync.WaitGroup
	results := make(chan *oauthtokens.OAuthTokens, callers)
	for index := 0; index < callers; index++ {
		started.Add(1)
		finished.Add(1)
		store := boundStore(t, factory, "user-1", "session-1")
		go func() {
			defer finished.Done()
			started.Done()
			tokens, err := store.GetTokens(context.Background())
			if err != nil {
				t.Errorf("get: %v", err)
			}
			results <- tokens
		}()
	}
	started.Wait()
	for refresher.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(refresher.release)
	finished.Wait()
	close(results)

	for tokens := range results {
		if tokens == nil || tokens.AccessToken != "access-2" {
			t.Fatalf("expected refreshed tokens for every caller, got %#v", tokens)
		}
	}
	if calls := refresher.calls.Load(); calls != 1 {
		t.Fatalf("expected one refresh for concurrent callers, got %d", calls)
	}
}

func TestTokenStoreStorageFailuresPropagate(t *testing.T) {
	clock := newControllableClock(testEpoch)
	repository := &failingRepository{
		MemoryTokenRepository: NewMemoryTokenRepository(),
		loadErr:               errors.New("disk on fire"),
	}
	factory := newTestFactory(t, repository, nil, clock)
	store := boundStore(t, factory, "user-1", "session-1")

	if _, err := store.GetTokens(context.Background()); !IsStorageError(err) {
		t.Fatalf("expected storage error, got %v", err)
	}
	repository.loadErr = nil
	repository.saveErr = errors.New("read only")
	if err := store.SaveTokens(context.Background(), mustTokens(t, "a", "", time.Time{})); !IsStorageError(err) {
		t.Fatalf("expected storage error on save, got %v", err)
	}
}

func TestTokenStoreDeleteTokens(t *testing.T) {
	factory := newTestFactory(t, NewMemoryTokenRepository(), nil, newControllableClock(testEpoch))
	store := boundStore(t, factory, "user-1", "session-1")
	_ = store.SaveTokens(context.Background(), mustTokens(t, "access-1", "", time.Time{}))
	if err := store.DeleteTokens(context.Background()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	tokens, err := store.GetTokens(context.Background())
	if err != nil || tokens != nil {
		t.Fatalf("expected no tokens after delete, got %#v err %v", tokens, err)
	}
}

func TestOAuth2RefresherExchangesRefreshToken(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		requests.Add(1)
		if err := request.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if request.Form.Get("grant_type") != "refresh_token" || request.Form.Get("refresh_token") != "refresh-1" {
			t.Errorf("unexpected form %v", request.Form)
		}
		if request.Form.Get("client_secret") != "" {
			t.Errorf("public client must not send a secret")
		}
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"access_token":"access-2","token_type":"Bearer","expires_in":3600}`))
	}))
	defer server.Close()

	configuration := ServerConfig{ClientID: "client", Endpoints: Endpoints{Token: server.URL}}
	refresher := NewOAuth2Refresher(configuration.OAuth2Config(), server.Client())
	tokens, err := refresher.Refresh(context.Background(), "refresh-1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if tokens.AccessToken != "access-2" || !tokens.HasExpiry() {
		t.Fatalf("unexpected tokens %#v", tokens)
	}
	if requests.Load() != 1 {
		t.Fatalf("expected one request, got %d", requests.Load())
	}
}

func TestOAuth2RefresherMapsOAuthErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(http.StatusBadRequest)
		_, _ = writer.Write([]byte(`{"error":"invalid_grant","error_description":"revoked"}`))
	}))
	defer server.Close()

	refresher := NewOAuth2Refresher(&oauth2.Config{
		ClientID: "client",
		Endpoint: oauth2.Endpoint{TokenURL: server.URL, AuthStyle: oauth2.AuthStyleInParams},
	}, server.Client())
	_, err := refresher.Refresh(context.Background(), "refresh-1")
	if code := oauthtokens.ErrorCode(err); code != oauthtokens.ErrorCodeInvalidGrant {
		t.Fatalf("expected invalid_grant, got %q (%v)", code, err)
	}
}
