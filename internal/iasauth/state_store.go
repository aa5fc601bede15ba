package iasauth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

var (
	// ErrStateNotFound indicates the state was never issued or was already consumed.
	ErrStateNotFound = errors.New("login_state.not_found")
	// ErrStateExpired indicates the state outlived its TTL before the callback arrived.
	ErrStateExpired = errors.New("login_state.expired")
)

// PendingLogin is remembered between the login redirect and the callback.
type PendingLogin struct {
	Verifier     string
	ReturnURL    string
	AllowRefresh bool
	ExpiresAt    time.Time
}

// LoginStateStore holds one-time OAuth state values and their PKCE verifiers.
type LoginStateStore struct {
	cache *ttlcache.Cache[string, PendingLogin]
	ttl   time.Duration
	clock Clock
}

// NewLoginStateStore starts a store whose entries expire after ttl. Call Stop on shutdown.
func NewLoginStateStore(ttl time.Duration, clock Clock) *LoginStateStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, PendingLogin](ttl),
		ttlcache.WithDisableTouchOnHit[string, PendingLogin](),
	)
	go cache.Start()
	return &LoginStateStore{cache: cache, ttl: ttl, clock: clock}
}

// Issue stores pending and returns the opaque state value that names it.
func (store *LoginStateStore) Issue(pending PendingLogin) (string, error) {
	buffer := make([]byte, 32)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	state := base64.RawURLEncoding.EncodeToString(buffer)
	pending.ExpiresAt = store.clock.Now().Add(store.ttl)
	store.cache.Set(state, pending, ttlcache.DefaultTTL)
	return state, nil
}

// Consume returns and invalidates the pending login for state.
func (store *LoginStateStore) Consume(state string) (PendingLogin, error) {
	if state == "" {
		return PendingLogin{}, ErrStateNotFound
	}
	item, found := store.cache.GetAndDelete(state)
	if !found || item == nil {
		return PendingLogin{}, ErrStateNotFound
	}
	pending := item.Value()
	if store.clock.Now().After(pending.ExpiresAt) {
		return PendingLogin{}, ErrStateExpired
	}
	return pending, nil
}

// Len reports the number of outstanding states.
func (store *LoginStateStore) Len() int {
	return store.cache.Len()
}

// Stop halts the expiry goroutine.
func (store *LoginStateStore) Stop() {
	store.cache.Stop()
}
