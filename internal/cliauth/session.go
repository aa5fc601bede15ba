package cliauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/tyemirov/iasauth/pkg/bearer"
	"github.com/tyemirov/iasauth/pkg/devicelogin"
	"github.com/tyemirov/iasauth/pkg/oauthtokens"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// SessionManagerConfig wires a SessionManager.
type SessionManagerConfig struct {
	IssuerURL   string
	OAuth       *oauth2.Config
	Device      *devicelogin.Client
	Credentials *CredentialsFile
	// HTTPClient is used for refresh requests; nil means http.DefaultClient.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// SessionManager runs the device login, persists the result, and refreshes it on use.
type SessionManager struct {
	issuerURL   string
	oauthConfig *oauth2.Config
	device      *devicelogin.Client
	credentials *CredentialsFile
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewSessionManager validates the configuration.
func NewSessionManager(configuration SessionManagerConfig) (*SessionManager, error) {
	if configuration.OAuth == nil {
		return nil, errors.New("cli_auth.missing_oauth_config")
	}
	if configuration.Credentials == nil {
		return nil, errors.New("cli_auth.missing_credentials_file")
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{
		issuerURL:   configuration.IssuerURL,
		oauthConfig: configuration.OAuth,
		device:      configuration.Device,
		credentials: configuration.Credentials,
		httpClient:  configuration.HTTPClient,
		logger:      logger,
	}, nil
}

// Login runs the device authorization flow and stores the issued tokens.
func (manager *SessionManager) Login(ctx context.Context, prompt devicelogin.PromptFunc) (oauthtokens.OAuthTokens, error) {
	if manager.device == nil {
		return oauthtokens.OAuthTokens{}, errors.New("cli_auth.missing_device_client")
	}
	tokens, err := manager.device.Login(ctx, prompt)
	if err != nil {
		return oauthtokens.OAuthTokens{}, err
	}
	credentials := Credentials{IssuerURL: manager.issuerURL, ClientID: manager.oauthConfig.ClientID}.WithTokens(tokens)
	if err := manager.credentials.Save(credentials); err != nil {
		return oauthtokens.OAuthTokens{}, err
	}
	manager.logger.Debug("cli login stored", zap.String("path", manager.credentials.Path()))
	return tokens, nil
}

// Logout forgets the stored tokens.
func (manager *SessionManager) Logout() error {
	return manager.credentials.Delete()
}

// TokenSource returns a source that refreshes the stored tokens when they expire and
// writes every new token back to the credentials file.
func (manager *SessionManager) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	credentials, err := manager.credentials.Load()
	if err != nil {
		return nil, err
	}
	tokens, err := credentials.Tokens()
	if err != nil {
		return nil, fmt.Errorf("cli_auth.token_source: %w", err)
	}
	if manager.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, manager.httpClient)
	}
	current := tokens.OAuth2()
	refreshing := manager.oauthConfig.TokenSource(ctx, current)
	return &persistingTokenSource{
		base:        oauth2.ReuseTokenSource(current, refreshing),
		credentials: manager.credentials,
		stored:      credentials,
		logger:      manager.logger,
	}, nil
}

// AccessTokenSource adapts TokenSource for bearer transports.
func (manager *SessionManager) AccessTokenSource(ctx context.Context) (bearer.AccessTokenSource, error) {
	source, err := manager.TokenSource(ctx)
	if err != nil {
		return nil, err
	}
	return bearer.NewOAuth2TokenSource(source), nil
}

type persistingTokenSource struct {
	mutex       sync.Mutex
	base        oauth2.TokenSource
	credentials *CredentialsFile
	stored      Credentials
	logger      *zap.Logger
}

// Token returns the current token, persisting it when a refresh replaced it.
func (source *persistingTokenSource) Token() (*oauth2.Token, error) {
	token, err := source.base.Token()
	if err != nil {
		return nil, oauthtokens.FromRetrieveError(err)
	}
	source.mutex.Lock()
	defer source.mutex.Unlock()
	if token.AccessToken == source.stored.AccessToken {
		return token, nil
	}
	tokens, convertErr := oauthtokens.FromOAuth2(token)
	if convertErr != nil {
		return nil, convertErr
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = source.stored.RefreshToken
	}
	updated := source.stored.WithTokens(tokens)
	if saveErr := source.credentials.Save(updated); saveErr != nil {
		source.logger.Warn("failed to persist refreshed credentials", zap.String("code", "cli_auth.persist"), zap.Error(saveErr))
	}
	source.stored = updated
	return token, nil
}
