package iasauth

import (
	"context"
	"sync"

	"github.com/tyemirov/iasauth/pkg/oauthtokens"
)

// MemoryTokenRepository is an in-memory repository intended for tests and dev.
type MemoryTokenRepository struct {
	mutex   sync.Mutex
	entries map[SessionKey]oauthtokens.OAuthTokens
}

// NewMemoryTokenRepository creates an empty repository.
func NewMemoryTokenRepository() *MemoryTokenRepository {
	return &MemoryTokenRepository{entries: make(map[SessionKey]oauthtokens.OAuthTokens)}
}

// Load returns the tokens stored for key.
func (repository *MemoryTokenRepository) Load(ctx context.Context, key SessionKey) (oauthtokens.OAuthTokens, bool, error) {
	repository.mutex.Lock()
	defer repository.mutex.Unlock()
	tokens, found := repository.entries[key]
	return tokens, found, nil
}

// Save replaces the tokens stored for key.
func (repository *MemoryTokenRepository) Save(ctx context.Context, key SessionKey, tokens oauthtokens.OAuthTokens) error {
	if err := key.Validate(); err != nil {
		return err
	}
	repository.mutex.Lock()
	defer repository.mutex.Unlock()
	repository.entries[key] = tokens
	return nil
}

// Delete removes the tokens stored for key.
func (repository *MemoryTokenRepository) Delete(ctx context.Context, key SessionKey) error {
	repository.mutex.Lock()
	defer repository.mutex.Unlock()
	delete(repository.entries, key)
	return nil
}

// Len reports the number of stored sessions.
func (repository *MemoryTokenRepository) Len() int {
	repository.mutex.Lock()
	defer repository.mutex.Unlock()
	return len(repository.entries)
}
