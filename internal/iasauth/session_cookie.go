package iasauth

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/iasauth/pkg/sessionvalidator"
)

// SessionPrincipal is the authenticated identity carried by the session cookie.
type SessionPrincipal struct {
	UserID      string
	SessionID   string
	Name        string
	DisplayName string
	OrgID       string
	OrgName     string
	PictureURL  string
	Properties  map[string]string
}

// Property returns a session property, or "" when absent.
func (principal *SessionPrincipal) Property(key string) string {
	if principal == nil || principal.Properties == nil {
		return ""
	}
	return principal.Properties[key]
}

// SetProperty stores a session property; an empty value removes it.
func (principal *SessionPrincipal) SetProperty(key string, value string) {
	if value == "" {
		delete(principal.Properties, key)
		return
	}
	if principal.Properties == nil {
		principal.Properties = make(map[string]string)
	}
	principal.Properties[key] = value
}

func (principal *SessionPrincipal) claims() sessionvalidator.Claims {
	properties := make(map[string]string, len(principal.Properties))
	for key, value := range principal.Properties {
		properties[key] = value
	}
	return sessionvalidator.Claims{
		UserID:      principal.UserID,
		SessionID:   principal.SessionID,
		Name:        principal.Name,
		DisplayName: principal.DisplayName,
		OrgID:       principal.OrgID,
		OrgName:     principal.OrgName,
		PictureURL:  principal.PictureURL,
		Properties:  properties,
	}
}

func principalFromClaims(claims *sessionvalidator.Claims) *SessionPrincipal {
	properties := make(map[string]string, len(claims.Properties))
	for key, value := range claims.Properties {
		properties[key] = value
	}
	return &SessionPrincipal{
		UserID:      claims.UserID,
		SessionID:   claims.SessionID,
		Name:        claims.Name,
		DisplayName: claims.DisplayName,
		OrgID:       claims.OrgID,
		OrgName:     claims.OrgName,
		PictureURL:  claims.PictureURL,
		Properties:  properties,
	}
}

// SessionCookies reads, writes, renews and clears the signed session cookie.
type SessionCookies struct {
	validator *sessionvalidator.Validator
	config    ServerConfig
}

// NewSessionCookies builds the cookie transport from server configuration.
func NewSessionCookies(configuration ServerConfig, clock Clock) (*SessionCookies, error) {
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: configuration.SessionSigningKey,
		Issuer:     configuration.SessionIssuer,
		CookieName: configuration.CookieName,
		Clock:      clock,
	})
	if err != nil {
		return nil, fmt.Errorf("session_cookie.new: %w", err)
	}
	return &SessionCookies{validator: validator, config: configuration}, nil
}

// Read returns the principal from the request cookie.
func (cookies *SessionCookies) Read(contextGin *gin.Context) (*SessionPrincipal, error) {
	claims, err := cookies.validator.ValidateRequest(contextGin.Request)
	if err != nil {
		return nil, err
	}
	return principalFromClaims(claims), nil
}

// Issue signs principal into a fresh cookie. It is used both at login and on renewal.
func (cookies *SessionCookies) Issue(contextGin *gin.Context, principal *SessionPrincipal) error {
	value, expiresAt, err := cookies.validator.Mint(principal.claims(), cookies.config.CookieTTL)
	if err != nil {
		return err
	}
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     cookies.validator.CookieName(),
		Value:    value,
		Path:     "/",
		Domain:   cookies.config.CookieDomain,
		Expires:  expiresAt,
		MaxAge:   int(cookies.config.CookieTTL.Seconds()),
		Secure:   !cookies.config.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: cookies.config.SameSiteMode,
	})
	return nil
}

// Clear expires the session cookie.
func (cookies *SessionCookies) Clear(contextGin *gin.Context) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     cookies.validator.CookieName(),
		Value:    "",
		Path:     "/",
		Domain:   cookies.config.CookieDomain,
		MaxAge:   -1,
		Secure:   !cookies.config.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: cookies.config.SameSiteMode,
	})
}
