package oauthtokens

import (
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// Error codes defined by RFC 6749 and RFC 8628 that callers branch on.
const (
	ErrorCodeAuthorizationPending = "authorization_pending"
	ErrorCodeSlowDown             = "slow_down"
	ErrorCodeAccessDenied         = "access_denied"
	ErrorCodeExpiredToken         = "expired_token"
	ErrorCodeInvalidGrant         = "invalid_grant"
)

// OAuthError is a structured error returned by an OAuth endpoint.
type OAuthError struct {
	Code        string
	Description string
	URI         string
	StatusCode  int
}

func (oauthErr *OAuthError) Error() string {
	if oauthErr.Description == "" {
		return fmt.Sprintf("oauth error %s", oauthErr.Code)
	}
	return fmt.Sprintf("oauth error %s: %s", oauthErr.Code, oauthErr.Description)
}

// IsRetryable reports whether the code asks the client to keep polling.
func (oauthErr *OAuthError) IsRetryable() bool {
	return oauthErr.Code == ErrorCodeAuthorizationPending || oauthErr.Code == ErrorCodeSlowDown
}

// HTTPError is a non-success response that carried no OAuth error body.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (httpErr *HTTPError) Error() string {
	return fmt.Sprintf("http error %d %s", httpErr.StatusCode, http.StatusText(httpErr.StatusCode))
}

// ErrorCode extracts the OAuth error code from err, or "" when err is not an OAuth error.
func ErrorCode(err error) string {
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr.Code
	}
	return ""
}

// FromRetrieveError maps a golang.org/x/oauth2 retrieval failure onto OAuthError or HTTPError.
// Other errors (transport failures) are returned unchanged.
func FromRetrieveError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return err
	}
	statusCode := 0
	if retrieveErr.Response != nil {
		statusCode = retrieveErr.Response.StatusCode
	}
	if retrieveErr.ErrorCode != "" {
		return &OAuthError{
			Code:        retrieveErr.ErrorCode,
			Description: retrieveErr.ErrorDescription,
			URI:         retrieveErr.ErrorURI,
			StatusCode:  statusCode,
		}
	}
	return &HTTPError{StatusCode: statusCode, Body: string(retrieveErr.Body)}
}
