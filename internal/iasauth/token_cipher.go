package iasauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/tyemirov/iasauth/pkg/oauthtokens"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	errCipherKeyLength  = errors.New("token_cipher.invalid_key_length")
	errCipherCiphertext = errors.New("token_cipher.invalid_ciphertext")
)

// TokenCipher encrypts tokens at rest with XChaCha20-Poly1305. Ciphertexts are bound to
// their session key, so a row copied to another session fails to open.
type TokenCipher struct {
	key []byte
}

// NewTokenCipher builds a cipher from a 32-byte key.
func NewTokenCipher(key []byte) (*TokenCipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", errCipherKeyLength, chacha20poly1305.KeySize, len(key))
	}
	cloned := make([]byte, len(key))
	copy(cloned, key)
	return &TokenCipher{key: cloned}, nil
}

// NewTokenCipherFromSecret derives the key from a configured secret string.
func NewTokenCipherFromSecret(secret string) (*TokenCipher, error) {
	if secret == "" {
		return nil, ErrMissingCipher
	}
	sum := sha256.Sum256([]byte(secret))
	return NewTokenCipher(sum[:])
}

// Seal encrypts plaintext for key.
func (tokenCipher *TokenCipher) Seal(key SessionKey, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	aead, err := chacha20poly1305.NewX(tokenCipher.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("token_cipher.random: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(key.String()))
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal for key.
func (tokenCipher *TokenCipher) Open(key SessionKey, encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	sealed, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errCipherCiphertext, err)
	}
	aead, err := chacha20poly1305.NewX(tokenCipher.key)
	if err != nil {
		return "", err
	}
	if len(sealed) < aead.NonceSize() {
		return "", errCipherCiphertext
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(key.String()))
	if err != nil {
		return "", fmt.Errorf("%w: %w", errCipherCiphertext, err)
	}
	return string(plaintext), nil
}

// SealedTokens is the at-rest form of OAuthTokens shared by the durable repositories.
type SealedTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresUnix  int64  `json:"expires_unix,omitempty"`
}

// SealTokens encrypts the secret parts of tokens.
func (tokenCipher *TokenCipher) SealTokens(key SessionKey, tokens oauthtokens.OAuthTokens) (SealedTokens, error) {
	accessToken, err := tokenCipher.Seal(key, tokens.AccessToken)
	if err != nil {
		return SealedTokens{}, err
	}
	refreshToken, err := tokenCipher.Seal(key, tokens.RefreshToken)
	if err != nil {
		return SealedTokens{}, err
	}
	var expiresUnix int64
	if tokens.HasExpiry() {
		expiresUnix = tokens.UTCExpiresAt.Unix()
	}
	return SealedTokens{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    tokens.TokenType,
		ExpiresUnix:  expiresUnix,
	}, nil
}

// OpenTokens reverses SealTokens.
func (tokenCipher *TokenCipher) OpenTokens(key SessionKey, sealed SealedTokens) (oauthtokens.OAuthTokens, error) {
	accessToken, err := tokenCipher.Open(key, sealed.AccessToken)
	if err != nil {
		return oauthtokens.OAuthTokens{}, err
	}
	refreshToken, err := tokenCipher.Open(key, sealed.RefreshToken)
	if err != nil {
		return oauthtokens.OAuthTokens{}, err
	}
	var expiresAt time.Time
	if sealed.ExpiresUnix != 0 {
		expiresAt = time.Unix(sealed.ExpiresUnix, 0).UTC()
	}
	return oauthtokens.New(accessToken, sealed.TokenType, refreshToken, expiresAt)
}
