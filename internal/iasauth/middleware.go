package iasauth

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/iasauth/pkg/bearer"
	"go.uber.org/zap"
)

const (
	contextKeyPrincipal  = "ias_principal"
	contextKeyTokenStore = "ias_token_store"
)

// PrincipalFromContext returns the principal stored by RequireSession.
func PrincipalFromContext(contextGin *gin.Context) (*SessionPrincipal, bool) {
	value, exists := contextGin.Get(contextKeyPrincipal)
	if !exists {
		return nil, false
	}
	principal, ok := value.(*SessionPrincipal)
	return principal, ok && principal != nil
}

// TokenStoreFromContext returns the store bound to the current session by RequireSession.
func TokenStoreFromContext(contextGin *gin.Context) (TokenStore, bool) {
	value, exists := contextGin.Get(contextKeyTokenStore)
	if !exists {
		return nil, false
	}
	store, ok := value.(TokenStore)
	return store, ok && store != nil
}

// SessionAuthenticator validates the session cookie against the token store on every request.
type SessionAuthenticator struct {
	cookies     *SessionCookies
	coordinator *TokenRefreshCoordinator
	loginPath   string
	logger      *zap.Logger
}

// NewSessionAuthenticator constructs the cookie-mode authenticator.
func NewSessionAuthenticator(cookies *SessionCookies, coordinator *TokenRefreshCoordinator, loginPath string, logger *zap.Logger) *SessionAuthenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loginPath == "" {
		loginPath = DefaultLoginPath
	}
	return &SessionAuthenticator{cookies: cookies, coordinator: coordinator, loginPath: loginPath, logger: logger}
}

// RequireSession rejects requests without a valid session, renews the cookie when the
// tokens were refreshed, and binds the session's token store to the request context.
func (authenticator *SessionAuthenticator) RequireSession() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		principal, readErr := authenticator.cookies.Read(contextGin)
		if readErr != nil {
			authenticator.challenge(contextGin)
			return
		}
		result, validateErr := authenticator.coordinator.ValidatePrincipal(contextGin.Request.Context(), principal)
		if validateErr != nil {
			authenticator.logger.Error("session validation failed",
				zap.String("code", "session.validate_failed"),
				zap.String("user_id", principal.UserID),
				zap.Error(validateErr))
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token_store_unavailable"})
			return
		}
		if result.Reject {
			authenticator.cookies.Clear(contextGin)
			authenticator.challenge(contextGin)
			return
		}
		if result.ShouldRenew {
			if issueErr := authenticator.cookies.Issue(contextGin, principal); issueErr != nil {
				authenticator.logger.Warn("session cookie renewal failed",
					zap.String("code", "session.renew_failed"),
					zap.Error(issueErr))
			}
		}
		contextGin.Set(contextKeyPrincipal, principal)
		contextGin.Set(contextKeyTokenStore, result.Store)
		source := bearer.HeaderValueFunc(result.Store.GetAuthenticationHeaderValue)
		contextGin.Request = contextGin.Request.WithContext(bearer.WithSource(contextGin.Request.Context(), source))
		contextGin.Next()
	}
}

// challenge sends browsers to the login page and answers API callers with 401.
func (authenticator *SessionAuthenticator) challenge(contextGin *gin.Context) {
	if wantsHTML(contextGin.Request) && contextGin.Request.Method == http.MethodGet {
		target := authenticator.loginPath + "?" + url.Values{"returnUrl": {contextGin.Request.URL.RequestURI()}}.Encode()
		contextGin.Redirect(http.StatusFound, target)
		contextGin.Abort()
		return
	}
	contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
}

// ForwardIncomingBearer is the external-mode middleware: an upstream identity provider has
// already authenticated the caller, and its bearer token is forwarded to the IAS API.
func ForwardIncomingBearer() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		token := incomingBearerToken(contextGin.Request)
		if token == "" {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_bearer_token"})
			return
		}
		source := bearer.NewStaticTokenSource(token)
		contextGin.Request = contextGin.Request.WithContext(bearer.WithSource(contextGin.Request.Context(), source))
		contextGin.Next()
	}
}

// RequestAuthentication picks the authentication middleware for mode. Handlers behind it
// call the IAS API through bearer.ContextSource regardless of the mode.
func RequestAuthentication(mode AuthMode, authenticator *SessionAuthenticator) gin.HandlerFunc {
	if mode == AuthModeExternal {
		return ForwardIncomingBearer()
	}
	return authenticator.RequireSession()
}

func incomingBearerToken(request *http.Request) string {
	header := strings.TrimSpace(request.Header.Get("Authorization"))
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func wantsHTML(request *http.Request) bool {
	return strings.Contains(request.Header.Get("Accept"), "text/html")
}
