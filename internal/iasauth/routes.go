package iasauth

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/iasauth/internal/iasapi"
	"github.com/tyemirov/iasauth/pkg/bearer"
	"github.com/tyemirov/iasauth/pkg/oauthtokens"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// UserInfoClient fetches the identity of the user whose token is attached to ctx.
type UserInfoClient interface {
	UserInfo(ctx context.Context) (iasapi.UserInfo, error)
}

// AuthRoutesConfig wires the authorization-code login routes.
type AuthRoutesConfig struct {
	Server     ServerConfig
	States     *LoginStateStore
	Cookies    *SessionCookies
	Provider   TokenStoreProvider
	UserInfo   UserInfoClient
	SessionIDs SessionIDGenerator
	// Events may be nil.
	Events     *LoginEventQueue
	HTTPClient *http.Client
	Clock      Clock
	Logger     *zap.Logger
	Metrics    MetricsRecorder

	// TrustedOrigins may post to the logout route in addition to the serving host.
	TrustedOrigins []string
}

var (
	errMissingStateStore = errors.New("auth_routes.missing_state_store")
	errMissingCookies    = errors.New("auth_routes.missing_cookies")
	errMissingProvider   = errors.New("auth_routes.missing_token_store_provider")
	errMissingUserInfo   = errors.New("auth_routes.missing_userinfo_client")
)

// AuthRoutes implements the browser login: PKCE redirect, callback, and logout.
type AuthRoutes struct {
	server     ServerConfig
	oauth      *oauth2.Config
	states     *LoginStateStore
	cookies    *SessionCookies
	provider   TokenStoreProvider
	userInfo   UserInfoClient
	sessionIDs SessionIDGenerator
	events     *LoginEventQueue
	httpClient *http.Client
	clock      Clock
	logger     *zap.Logger
	metrics    MetricsRecorder

	trustedOrigins []string
}

// NewAuthRoutes validates dependencies and builds the route handlers.
func NewAuthRoutes(configuration AuthRoutesConfig) (*AuthRoutes, error) {
	switch {
	case configuration.States == nil:
		return nil, errMissingStateStore
	case configuration.Cookies == nil:
		return nil, errMissingCookies
	case configuration.Provider == nil:
		return nil, errMissingProvider
	case configuration.UserInfo == nil:
		return nil, errMissingUserInfo
	}
	server := configuration.Server.WithDefaults()
	sessionIDs := configuration.SessionIDs
	if sessionIDs == nil {
		sessionIDs = RandomSessionIDGenerator{}
	}
	clock := configuration.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthRoutes{
		server:     server,
		oauth:      server.OAuth2Config(),
		states:     configuration.States,
		cookies:    configuration.Cookies,
		provider:   configuration.Provider,
		userInfo:   configuration.UserInfo,
		sessionIDs: sessionIDs,
		events:     configuration.Events,
		httpClient: configuration.HTTPClient,
		clock:      clock,
		logger:     logger,
		metrics:    metricsOrNop(configuration.Metrics),

		trustedOrigins: append([]string(nil), configuration.TrustedOrigins...),
	}, nil
}

// MountAuthRoutes registers the login, callback and logout routes.
func MountAuthRoutes(router gin.IRouter, routes *AuthRoutes) {
	router.GET(routes.server.LoginPath, routes.handleLogin)
	router.GET(routes.server.CallbackPath, routes.handleCallback)
	router.POST(routes.server.LogoutPath, routes.handleLogout)
}

func (routes *AuthRoutes) handleLogin(contextGin *gin.Context) {
	if !routes.server.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "https_required"})
		return
	}
	allowRefresh := !strings.EqualFold(strings.TrimSpace(contextGin.Query("refresh")), "false")
	returnURL := sanitizeReturnURL(firstNonEmpty(contextGin.Query("returnUrl"), contextGin.Query("return_url")))
	verifier := oauth2.GenerateVerifier()

	state, err := routes.states.Issue(PendingLogin{
		Verifier:     verifier,
		ReturnURL:    returnURL,
		AllowRefresh: allowRefresh,
	})
	if err != nil {
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	routes.setCorrelationCookie(contextGin, state)
	options := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	options = append(options, routes.server.AuthorizationOptions(allowRefresh)...)
	options = append(options, routes.redirectOptions(contextGin.Request)...)
	contextGin.Redirect(http.StatusFound, routes.oauth.AuthCodeURL(state, options...))
}

func (routes *AuthRoutes) handleCallback(contextGin *gin.Context) {
	if providerError := strings.TrimSpace(contextGin.Query("error")); providerError != "" {
		routes.metrics.Increment(metricLoginFailure)
		routes.logger.Info("authorization rejected by provider",
			zap.String("code", "auth.callback.provider_error"),
			zap.String("oauth_error", providerError))
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":             providerError,
			"error_description": contextGin.Query("error_description"),
		})
		return
	}
	state := contextGin.Query("state")
	if !verifyCorrelationCookie(contextGin.Request, state) {
		routes.metrics.Increment(metricLoginFailure)
		routes.logger.Warn("login state not bound to this browser",
			zap.String("code", "auth.callback.correlation_failed"))
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_state"})
		return
	}
	routes.clearCorrelationCookie(contextGin, state)
	pending, stateErr := routes.states.Consume(state)
	if stateErr != nil {
		routes.metrics.Increment(metricLoginFailure)
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_state"})
		return
	}
	code := strings.TrimSpace(contextGin.Query("code"))
	if code == "" {
		routes.metrics.Increment(metricLoginFailure)
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_code"})
		return
	}

	ctx := contextGin.Request.Context()
	if routes.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, routes.httpClient)
	}
	exchangeOptions := append([]oauth2.AuthCodeOption{oauth2.VerifierOption(pending.Verifier)}, routes.redirectOptions(contextGin.Request)...)
	token, exchangeErr := routes.oauth.Exchange(ctx, code, exchangeOptions...)
	if exchangeErr != nil {
		routes.rejectLogin(contextGin, "auth.callback.exchange_failed", oauthtokens.FromRetrieveError(exchangeErr))
		return
	}
	tokens, convertErr := oauthtokens.FromOAuth2(token)
	if convertErr != nil {
		routes.rejectLogin(contextGin, "auth.callback.invalid_tokens", convertErr)
		return
	}

	userCtx := bearer.WithSource(ctx, bearer.NewStaticTokenSource(tokens.AccessToken))
	info, infoErr := routes.userInfo.UserInfo(userCtx)
	if infoErr != nil {
		routes.metrics.Increment(metricLoginFailure)
		routes.logger.Warn("user info lookup failed",
			zap.String("code", "auth.callback.userinfo_failed"),
			zap.Error(infoErr))
		contextGin.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "userinfo_failed"})
		return
	}

	sessionID, sessionErr := routes.sessionIDs.GenerateSessionID(contextGin)
	if sessionErr != nil || strings.TrimSpace(sessionID) == "" {
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	principal := &SessionPrincipal{
		UserID:      info.ID,
		SessionID:   sessionID,
		Name:        info.Name,
		DisplayName: info.DisplayName,
		OrgID:       info.OrgID,
		OrgName:     info.OrgName,
		PictureURL:  info.PictureURL,
	}
	principal.SetProperty(ExpiresAtProperty, tokens.ExpiryMarker())
	if issueErr := routes.cookies.Issue(contextGin, principal); issueErr != nil {
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	store := routes.provider.New()
	if initErr := store.Init(principal.UserID, principal.SessionID); initErr != nil {
		routes.cookies.Clear(contextGin)
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	if saveErr := store.SaveTokens(ctx, tokens); saveErr != nil {
		routes.logger.Error("token store save failed",
			zap.String("code", "auth.callback.save_failed"),
			zap.String("user_id", principal.UserID),
			zap.Error(saveErr))
		routes.cookies.Clear(contextGin)
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token_store_unavailable"})
		return
	}

	routes.metrics.Increment(metricLoginSuccess)
	if routes.events != nil {
		postErr := routes.events.Post(LoginEvent{
			UserID:    principal.UserID,
			SessionID: principal.SessionID,
			OrgID:     principal.OrgID,
			At:        routes.clock.Now(),
		})
		if postErr != nil {
			routes.logger.Warn("login event dropped",
				zap.String("code", "auth.callback.event_dropped"),
				zap.String("user_id", principal.UserID),
				zap.Error(postErr))
		}
	}
	contextGin.Redirect(http.StatusFound, pending.ReturnURL)
}

func (routes *AuthRoutes) handleLogout(contextGin *gin.Context) {
	if !routes.sameOriginRequest(contextGin.Request) {
		routes.logger.Warn("cross-origin logout rejected",
			zap.String("code", "auth.logout.origin_mismatch"),
			zap.String("origin", contextGin.GetHeader("Origin")))
		contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "origin_mismatch"})
		return
	}
	principal, readErr := routes.cookies.Read(contextGin)
	if readErr == nil {
		store := routes.provider.New()
		if initErr := store.Init(principal.UserID, principal.SessionID); initErr == nil {
			if deleteErr := store.DeleteTokens(contextGin.Request.Context()); deleteErr != nil {
				routes.logger.Error("token store delete failed",
					zap.String("code", "auth.logout.delete_failed"),
					zap.String("user_id", principal.UserID),
					zap.Error(deleteErr))
			}
		}
		routes.metrics.Increment(metricLogoutSuccess)
	}
	routes.cookies.Clear(contextGin)
	contextGin.Status(http.StatusNoContent)
}

func (routes *AuthRoutes) rejectLogin(contextGin *gin.Context, code string, err error) {
	routes.metrics.Increment(metricLoginFailure)
	routes.logger.Warn("login failed", zap.String("code", code), zap.Error(err))
	errorCode := oauthtokens.ErrorCode(err)
	if errorCode == "" {
		errorCode = "token_exchange_failed"
	}
	contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCode})
}

// redirectOptions derives redirect_uri from the request when no RedirectURL is configured.
func (routes *AuthRoutes) redirectOptions(request *http.Request) []oauth2.AuthCodeOption {
	if routes.oauth.RedirectURL != "" {
		return nil
	}
	scheme := "http"
	if request.TLS != nil || strings.EqualFold(request.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("redirect_uri", scheme+"://"+request.Host+routes.server.CallbackPath)}
}

// sanitizeReturnURL only accepts local absolute paths. Browsers drop tabs and newlines
// and treat backslashes as slashes, so any of those falls back to "/".
func sanitizeReturnURL(candidate string) string {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" || !strings.HasPrefix(candidate, "/") || strings.HasPrefix(candidate, "//") {
		return "/"
	}
	for _, character := range candidate {
		if character < 0x20 || character == 0x7f || character == '\\' {
			return "/"
		}
	}
	parsed, err := url.Parse(candidate)
	if err != nil || parsed.Scheme != "" || parsed.Host != "" {
		return "/"
	}
	return candidate
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	scheme := request.Header.Get("X-Forwarded-Proto")
	if strings.EqualFold(scheme, "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	if splitErr == nil && host == "localhost" {
		return true
	}
	return false
}
