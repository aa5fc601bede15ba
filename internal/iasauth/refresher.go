package iasauth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/tyemirov/iasauth/pkg/oauthtokens"
	"golang.org/x/oauth2"
)

var errEmptyRefreshToken = errors.New("token_refresher.empty_refresh_token")

// OAuth2Refresher redeems refresh tokens at the configured token endpoint.
type OAuth2Refresher struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// NewOAuth2Refresher constructs a refresher. httpClient may be nil.
func NewOAuth2Refresher(config *oauth2.Config, httpClient *http.Client) *OAuth2Refresher {
	return &OAuth2Refresher{config: config, httpClient: httpClient}
}

// Refresh performs the refresh_token grant.
func (refresher *OAuth2Refresher) Refresh(ctx context.Context, refreshToken string) (oauthtokens.OAuthTokens, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return oauthtokens.OAuthTokens{}, errEmptyRefreshToken
	}
	if refresher.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, refresher.httpClient)
	}
	token, err := refresher.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return oauthtokens.OAuthTokens{}, oauthtokens.FromRetrieveError(err)
	}
	return oauthtokens.FromOAuth2(token)
}
