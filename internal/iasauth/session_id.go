package iasauth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// SessionIDGenerator produces the session id attached to a new login.
type SessionIDGenerator interface {
	GenerateSessionID(contextGin *gin.Context) (string, error)
}

// SessionIDGeneratorFunc adapts a function into a SessionIDGenerator.
type SessionIDGeneratorFunc func(contextGin *gin.Context) (string, error)

// GenerateSessionID calls the underlying function.
func (generator SessionIDGeneratorFunc) GenerateSessionID(contextGin *gin.Context) (string, error) {
	return generator(contextGin)
}

// RandomSessionIDGenerator gives every login a fresh random id.
type RandomSessionIDGenerator struct{}

// GenerateSessionID returns a random UUID.
func (RandomSessionIDGenerator) GenerateSessionID(*gin.Context) (string, error) {
	return uuid.NewString(), nil
}

// DeviceCookieSessionIDGenerator reuses a long-lived device cookie as the session id, so
// repeated logins from one browser land on the same TokenStore entry.
type DeviceCookieSessionIDGenerator struct {
	CookieName   string
	CookieDomain string
	MaxAge       time.Duration
	Secure       bool
}

// GenerateSessionID returns the device id from the request, minting and setting one when absent.
func (generator DeviceCookieSessionIDGenerator) GenerateSessionID(contextGin *gin.Context) (string, error) {
	cookieName := generator.CookieName
	if cookieName == "" {
		cookieName = DefaultDeviceCookieName
	}
	if existing, err := contextGin.Cookie(cookieName); err == nil {
		if deviceID := strings.TrimSpace(existing); deviceID != "" {
			return deviceID, nil
		}
	}
	maxAge := generator.MaxAge
	if maxAge <= 0 {
		maxAge = 365 * 24 * time.Hour
	}
	deviceID := uuid.NewString()
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     cookieName,
		Value:    deviceID,
		Path:     "/",
		Domain:   generator.CookieDomain,
		MaxAge:   int(maxAge.Seconds()),
		Secure:   generator.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return deviceID, nil
}
