package iasauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// correlationCookiePrefix names the per-login cookie that binds a state to the browser
// that started the login. One cookie per pending login keeps parallel tabs working.
const correlationCookiePrefix = "ias_correlation."

func correlationDigest(state string) string {
	sum := sha256.Sum256([]byte(state))
	return hex.EncodeToString(sum[:])
}

func correlationCookieName(digest string) string {
	return correlationCookiePrefix + digest[:16]
}

func (routes *AuthRoutes) setCorrelationCookie(contextGin *gin.Context, state string) {
	digest := correlationDigest(state)
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     correlationCookieName(digest),
		Value:    digest,
		Path:     routes.server.CallbackPath,
		MaxAge:   int(routes.server.StateTTL.Seconds()),
		Secure:   !routes.server.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// verifyCorrelationCookie reports whether the request carries the cookie set for state.
func verifyCorrelationCookie(request *http.Request, state string) bool {
	if strings.TrimSpace(state) == "" {
		return false
	}
	digest := correlationDigest(state)
	cookie, err := request.Cookie(correlationCookieName(digest))
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(digest)) == 1
}

func (routes *AuthRoutes) clearCorrelationCookie(contextGin *gin.Context, state string) {
	if strings.TrimSpace(state) == "" {
		return
	}
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     correlationCookieName(correlationDigest(state)),
		Value:    "",
		Path:     routes.server.CallbackPath,
		MaxAge:   -1,
		Secure:   !routes.server.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// sameOriginRequest rejects cross-site browser requests. Requests without Origin and
// Sec-Fetch-Site come from non-browser clients and are accepted.
func (routes *AuthRoutes) sameOriginRequest(request *http.Request) bool {
	origin := strings.TrimSpace(request.Header.Get("Origin"))
	if origin == "" {
		return !strings.EqualFold(request.Header.Get("Sec-Fetch-Site"), "cross-site")
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if strings.EqualFold(parsed.Host, request.Host) {
		return true
	}
	for _, trusted := range routes.trustedOrigins {
		if strings.EqualFold(strings.TrimRight(trusted, "/"), origin) {
			return true
		}
	}
	return false
}
