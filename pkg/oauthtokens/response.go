package oauthtokens

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TokenResponse is the JSON body of a successful token-endpoint response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// Tokens converts the response into OAuthTokens issued at issuedAt. A missing or
// non-positive expires_in falls back to defaultLifetime; a zero defaultLifetime leaves the
// expiry unset.
func (response TokenResponse) Tokens(issuedAt time.Time, defaultLifetime time.Duration) (OAuthTokens, error) {
	lifetime := time.Duration(response.ExpiresIn) * time.Second
	if response.ExpiresIn <= 0 {
		lifetime = defaultLifetime
	}
	var expiresAt time.Time
	if lifetime > 0 {
		expiresAt = issuedAt.Add(lifetime)
	}
	return New(response.AccessToken, response.TokenType, response.RefreshToken, expiresAt)
}

// ErrorResponse is the JSON body of an OAuth error response.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorURI         string `json:"error_uri"`
}

// ParseErrorResponse decodes an OAuth error body. ok is false when the body carries no error code.
func ParseErrorResponse(body []byte) (ErrorResponse, bool) {
	var parsed ErrorResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ErrorResponse{}, false
	}
	if strings.TrimSpace(parsed.Error) == "" {
		return ErrorResponse{}, false
	}
	return parsed, true
}

// AsError converts the response into an OAuthError tagged with the HTTP status.
func (response ErrorResponse) AsError(statusCode int) *OAuthError {
	return &OAuthError{
		Code:        response.Error,
		Description: response.ErrorDescription,
		URI:         response.ErrorURI,
		StatusCode:  statusCode,
	}
}

// DecodeTokenResponse parses a token-endpoint success body.
func DecodeTokenResponse(body []byte) (TokenResponse, error) {
	var parsed TokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return TokenResponse{}, fmt.Errorf("oauth_tokens.decode: %w", err)
	}
	return parsed, nil
}
