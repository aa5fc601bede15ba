// Package oauthtokens holds the OAuth token value object shared by the web and CLI flows,
// together with the token-endpoint wire formats and the errors they produce.
package oauthtokens

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// DefaultTokenType is used when the token endpoint omits token_type.
const DefaultTokenType = "Bearer"

// ErrMissingAccessToken indicates a token value without an access token.
var ErrMissingAccessToken = errors.New("oauth_tokens.missing_access_token")

// OAuthTokens is an immutable snapshot of the tokens issued for one session.
// A refresh produces a new value; stored values are replaced, never edited.
type OAuthTokens struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	// UTCExpiresAt is the zero time when the provider did not report a lifetime.
	UTCExpiresAt time.Time
}

// New validates and constructs an OAuthTokens value.
func New(accessToken string, tokenType string, refreshToken string, expiresAt time.Time) (OAuthTokens, error) {
	if strings.TrimSpace(accessToken) == "" {
		return OAuthTokens{}, ErrMissingAccessToken
	}
	if strings.TrimSpace(tokenType) == "" {
		tokenType = DefaultTokenType
	}
	if !expiresAt.IsZero() {
		expiresAt = expiresAt.UTC()
	}
	return OAuthTokens{
		AccessToken:  accessToken,
		TokenType:    tokenType,
		RefreshToken: refreshToken,
		UTCExpiresAt: expiresAt,
	}, nil
}

// HasExpiry reports whether the provider supplied an expiry.
func (tokens OAuthTokens) HasExpiry() bool {
	return !tokens.UTCExpiresAt.IsZero()
}

// HasRefreshToken reports whether a refresh token is available.
func (tokens OAuthTokens) HasRefreshToken() bool {
	return strings.TrimSpace(tokens.RefreshToken) != ""
}

// IsExpired reports whether the access token is expired at now, or will expire within skew.
func (tokens OAuthTokens) IsExpired(now time.Time, skew time.Duration) bool {
	if !tokens.HasExpiry() {
		return false
	}
	return !now.Add(skew).Before(tokens.UTCExpiresAt)
}

// AuthorizationHeader renders the value of an Authorization header for these tokens.
func (tokens OAuthTokens) AuthorizationHeader() string {
	if tokens.AccessToken == "" {
		return ""
	}
	tokenType := tokens.TokenType
	if tokenType == "" || strings.EqualFold(tokenType, DefaultTokenType) {
		tokenType = DefaultTokenType
	}
	return tokenType + " " + tokens.AccessToken
}

// ExpiryMarker renders the expiry as the string property stored alongside a session.
func (tokens OAuthTokens) ExpiryMarker() string {
	if !tokens.HasExpiry() {
		return ""
	}
	return tokens.UTCExpiresAt.UTC().Format(time.RFC3339)
}

// OAuth2 converts the value into a golang.org/x/oauth2 token.
func (tokens OAuthTokens) OAuth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  tokens.AccessToken,
		TokenType:    tokens.TokenType,
		RefreshToken: tokens.RefreshToken,
		Expiry:       tokens.UTCExpiresAt,
	}
}

// FromOAuth2 converts a golang.org/x/oauth2 token into an OAuthTokens value.
func FromOAuth2(token *oauth2.Token) (OAuthTokens, error) {
	if token == nil {
		return OAuthTokens{}, ErrMissingAccessToken
	}
	converted, err := New(token.AccessToken, token.TokenType, token.RefreshToken, token.Expiry)
	if err != nil {
		return OAuthTokens{}, fmt.Errorf("oauth_tokens.from_oauth2: %w", err)
	}
	return converted, nil
}
