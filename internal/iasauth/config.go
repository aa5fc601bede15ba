package iasauth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// AuthMode selects how requests are authenticated. It is resolved once at startup.
type AuthMode string

const (
	// AuthModeCookie uses the built-in OAuth login with a session cookie and TokenStore.
	AuthModeCookie AuthMode = "cookie"
	// AuthModeExternal trusts an upstream identity provider and forwards its bearer token.
	AuthModeExternal AuthMode = "external"
)

// ErrUnknownAuthMode indicates an unsupported auth_mode value.
var ErrUnknownAuthMode = errors.New("config.unknown_auth_mode")

// ParseAuthMode parses a configured mode; empty means cookie.
func ParseAuthMode(value string) (AuthMode, error) {
	switch AuthMode(strings.ToLower(strings.TrimSpace(value))) {
	case "", AuthModeCookie:
		return AuthModeCookie, nil
	case AuthModeExternal:
		return AuthModeExternal, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAuthMode, value)
	}
}

// ClientKind distinguishes confidential clients from PKCE-only public clients.
type ClientKind int

const (
	ClientKindConfidential ClientKind = iota
	ClientKindPublic
)

const (
	DefaultIssuerURL        = "https://appstore.intelligentplant.com/"
	DefaultLoginPath        = "/auth/login"
	DefaultCallbackPath     = "/auth/callback"
	DefaultLogoutPath       = "/auth/logout"
	DefaultCookieName       = "ias_session"
	DefaultDeviceCookieName = "ias_device"
	DefaultSessionIssuer    = "ias-auth"
	DefaultCookieTTL        = 14 * 24 * time.Hour
	DefaultTokenExpirySkew  = 30 * time.Second
	DefaultStateTTL         = 10 * time.Minute
)

// Endpoints are the identity provider URLs.
type Endpoints struct {
	Authorization       string
	Token               string
	DeviceAuthorization string
	UserInfo            string
}

// DefaultEndpoints derives the Industrial App Store endpoint layout from an issuer URL.
func DefaultEndpoints(issuerURL string) (Endpoints, error) {
	base, err := url.Parse(strings.TrimSpace(issuerURL))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return Endpoints{}, fmt.Errorf("config.invalid_issuer_url: %q", issuerURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	resolve := func(path string) string {
		return base.ResolveReference(&url.URL{Path: path}).String()
	}
	return Endpoints{
		Authorization:       resolve("AuthorizationServer/OAuth/Authorize"),
		Token:               resolve("AuthorizationServer/OAuth/Token"),
		DeviceAuthorization: resolve("AuthorizationServer/OAuth/Device"),
		UserInfo:            resolve("api/resource/userinfo"),
	}, nil
}

// ServerConfig configures the OAuth client, the session cookie, and token handling.
type ServerConfig struct {
	ClientID string
	// ClientSecret is empty for public clients; no placeholder is ever substituted.
	ClientSecret        string
	Endpoints           Endpoints
	RedirectURL         string
	Scopes              []string
	SessionSigningKey   []byte
	SessionIssuer       string
	CookieName          string
	CookieDomain        string
	CookieTTL           time.Duration
	SameSiteMode        http.SameSite
	AllowInsecureHTTP   bool
	LoginPath           string
	CallbackPath        string
	LogoutPath          string
	ShowConsentPrompt   bool
	RequestRefreshToken bool
	TokenExpirySkew     time.Duration
	StateTTL            time.Duration
	AuthMode            AuthMode
}

var (
	ErrMissingClientID      = errors.New("config.missing_client_id")
	ErrMissingTokenEndpoint = errors.New("config.missing_token_endpoint")
	ErrMissingAuthEndpoint  = errors.New("config.missing_authorization_endpoint")
	ErrMissingSigningKey    = errors.New("config.missing_session_signing_key")
	ErrInvalidCookieTTL     = errors.New("config.invalid_cookie_ttl")
)

// WithDefaults fills unset optional fields.
func (configuration ServerConfig) WithDefaults() ServerConfig {
	if configuration.SessionIssuer == "" {
		configuration.SessionIssuer = DefaultSessionIssuer
	}
	if configuration.CookieName == "" {
		configuration.CookieName = DefaultCookieName
	}
	if configuration.CookieTTL == 0 {
		configuration.CookieTTL = DefaultCookieTTL
	}
	if configuration.SameSiteMode == 0 {
		configuration.SameSiteMode = http.SameSiteLaxMode
	}
	if configuration.LoginPath == "" {
		configuration.LoginPath = DefaultLoginPath
	}
	if configuration.CallbackPath == "" {
		configuration.CallbackPath = DefaultCallbackPath
	}
	if configuration.LogoutPath == "" {
		configuration.LogoutPath = DefaultLogoutPath
	}
	if configuration.TokenExpirySkew == 0 {
		configuration.TokenExpirySkew = DefaultTokenExpirySkew
	}
	if configuration.StateTTL == 0 {
		configuration.StateTTL = DefaultStateTTL
	}
	if configuration.AuthMode == "" {
		configuration.AuthMode = AuthModeCookie
	}
	return configuration
}

// Validate checks the settings required before serving the first request.
func (configuration ServerConfig) Validate() error {
	if strings.TrimSpace(configuration.ClientID) == "" {
		return ErrMissingClientID
	}
	if strings.TrimSpace(configuration.Endpoints.Token) == "" {
		return ErrMissingTokenEndpoint
	}
	if configuration.AuthMode == AuthModeExternal {
		return nil
	}
	if strings.TrimSpace(configuration.Endpoints.Authorization) == "" {
		return ErrMissingAuthEndpoint
	}
	if len(configuration.SessionSigningKey) == 0 {
		return ErrMissingSigningKey
	}
	if configuration.CookieTTL < 0 {
		return ErrInvalidCookieTTL
	}
	return nil
}

// ClientKind reports whether the client authenticates with a secret.
func (configuration ServerConfig) ClientKind() ClientKind {
	if strings.TrimSpace(configuration.ClientSecret) == "" {
		return ClientKindPublic
	}
	return ClientKindConfidential
}

// OAuth2Config builds the golang.org/x/oauth2 configuration for the authorization server.
func (configuration ServerConfig) OAuth2Config() *oauth2.Config {
	authStyle := oauth2.AuthStyleAutoDetect
	if configuration.ClientKind() == ClientKindPublic {
		authStyle = oauth2.AuthStyleInParams
	}
	return &oauth2.Config{
		ClientID:     configuration.ClientID,
		ClientSecret: configuration.ClientSecret,
		RedirectURL:  configuration.RedirectURL,
		Scopes:       configuration.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:       configuration.Endpoints.Authorization,
			TokenURL:      configuration.Endpoints.Token,
			DeviceAuthURL: configuration.Endpoints.DeviceAuthorization,
			AuthStyle:     authStyle,
		},
	}
}

// AuthorizationOptions returns the extra authorization-request parameters. Both are
// suppressed when the login explicitly disallows refresh tokens.
func (configuration ServerConfig) AuthorizationOptions(allowRefresh bool) []oauth2.AuthCodeOption {
	if !allowRefresh {
		return nil
	}
	var options []oauth2.AuthCodeOption
	if configuration.ShowConsentPrompt {
		options = append(options, oauth2.ApprovalForce)
	}
	if configuration.RequestRefreshToken {
		options = append(options, oauth2.AccessTypeOffline)
	}
	return options
}
