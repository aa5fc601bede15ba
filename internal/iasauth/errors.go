package iasauth

import (
	"errors"
	"fmt"
)

var (
	// ErrTokenStoreNotInitialized indicates a TokenStore used before Init.
	ErrTokenStoreNotInitialized = errors.New("token_store.not_initialized")
	// ErrTokenStoreRebind indicates Init called again with a different session.
	ErrTokenStoreRebind = errors.New("token_store.rebind")
	// ErrInvalidSessionKey indicates an empty user or session id.
	ErrInvalidSessionKey = errors.New("token_store.invalid_session_key")
	// ErrInvalidTokens indicates tokens without an access token.
	ErrInvalidTokens = errors.New("token_store.invalid_tokens")
	// ErrMissingRepository indicates a TokenStoreFactory without a repository.
	ErrMissingRepository = errors.New("token_store.missing_repository")
	// ErrMissingCipher indicates a durable repository without a token cipher.
	ErrMissingCipher = errors.New("token_repository.missing_cipher")
)

// StorageError wraps a failure of the token repository. It signals an infrastructure
// problem, as opposed to an expired or revoked session.
type StorageError struct {
	Op  string
	Err error
}

func (storageErr *StorageError) Error() string {
	return fmt.Sprintf("token_store.%s: %v", storageErr.Op, storageErr.Err)
}

func (storageErr *StorageError) Unwrap() error {
	return storageErr.Err
}

// IsStorageError reports whether err is, or wraps, a StorageError.
func IsStorageError(err error) bool {
	var storageErr *StorageError
	return errors.As(err, &storageErr)
}
