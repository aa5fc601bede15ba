package sessionvalidator

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type fixedClock struct {
	current time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.current
}

func mintToken(t *testing.T, signingKey []byte, issuer string, issuedAt time.Time, ttl time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID:      "user-123",
		SessionID:   "session-1",
		Name:        "demo",
		DisplayName: "Demo User",
		OrgID:       "org-9",
		OrgName:     "Plant Co",
		Properties:  map[string]string{".Token.expires_at": "2023-11-14T22:13:20Z"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "user-123",
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	})
	result, err := token.SignedString(signingKey)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return result
}

func newTestValidator(t *testing.T, now time.Time, cookieName string) *Validator {
	t.Helper()
	validator, err := New(Config{
		SigningKey: []byte("secret-key"),
		Issuer:     "issuer",
		CookieName: cookieName,
		Clock:      fixedClock{current: now},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return validator
}

func TestNewValidatorRequiresSigningKey(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Issuer: "issuer"})
	if err == nil || !errors.Is(err, ErrMissingSigningKey) {
		t.Fatalf("expected missing signing key error, got %v", err)
	}
}

func TestNewValidatorDefaults(t *testing.T) {
	t.Parallel()

	validator, err := New(Config{
		SigningKey: []byte("secret"),
		Issuer:     "issuer",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if validator.CookieName() != DefaultCookieName {
		t.Fatalf("expected default cookie name, got %s", validator.CookieName())
	}
	if validator.clock == nil {
		t.Fatalf("expected default clock to be set")
	}
}

func TestValidateTokenSuccess(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	validator := newTestValidator(t, now, "session")
	tokenValue := mintToken(t, []byte("secret-key"), "issuer", now, time.Minute)

	claims, validateErr := validator.ValidateToken(tokenValue)
	if validateErr != nil {
		t.Fatalf("unexpected validation error: %v", validateErr)
	}
	if claims.GetUserID() != "user-123" || claims.GetSessionID() != "session-1" {
		t.Fatalf("unexpected claims: %#v", claims)
	}
	if claims.GetDisplayName() != "Demo User" {
		t.Fatalf("unexpected display name: %s", claims.GetDisplayName())
	}
	if claims.GetProperty(".Token.expires_at") != "2023-11-14T22:13:20Z" {
		t.Fatalf("unexpected properties: %#v", claims.Properties)
	}
	if !claims.GetExpiresAt().Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected expiry: %v", claims.GetExpiresAt())
	}
}

func TestMintRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	validator := newTestValidator(t, now, "session")

	tokenValue, expiresAt, err := validator.Mint(Claims{
		UserID:     "user-7",
		SessionID:  "device-abc",
		Name:       "seven",
		Properties: map[string]string{"k": "v"},
	}, time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if !expiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", expiresAt)
	}
	claims, err := validator.ValidateToken(tokenValue)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.GetSessionID() != "device-abc" || claims.GetProperty("k") != "v" || claims.GetDisplayName() != "seven" {
		t.Fatalf("unexpected claims %#v", claims)
	}
	if claims.Issuer != "issuer" || claims.Subject != "user-7" {
		t.Fatalf("unexpected registered claims %#v", claims.RegisteredClaims)
	}
}

func TestMintRequiresSessionIdentity(t *testing.T) {
	validator := newTestValidator(t, time.Unix(1700000000, 0).UTC(), "")
	if _, _, err := validator.Mint(Claims{UserID: "user-7"}, time.Hour); !errors.Is(err, ErrMissingSession) {
		t.Fatalf("expected missing session error, got %v", err)
	}
}

func TestValidateTokenRejectsInvalidCases(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	tests := []struct {
		name      string
		tokenFunc func() string
		expectErr error
	}{
		{
			name:      "empty token",
			tokenFunc: func() string { return "" },
			expectErr: ErrMissingToken,
		},
		{
			name: "bad signature",
			tokenFunc: func() string {
				return mintToken(t, []byte("other-key"), "issuer", now, time.Minute)
			},
			expectErr: ErrInvalidToken,
		},
		{
			name: "wrong issuer",
			tokenFunc: func() string {
				return mintToken(t, []byte("secret-key"), "other-issuer", now, time.Minute)
			},
			expectErr: ErrInvalidIssuer,
		},
		{
			name: "expired",
			tokenFunc: func() string {
				return mintToken(t, []byte("secret-key"), "issuer", now.Add(-2*time.Minute), time.Minute)
			},
			expectErr: ErrTokenExpired,
		},
	}

	validator := newTestValidator(t, now, "session")

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			_, validateErr := validator.ValidateToken(testCase.tokenFunc())
			if validateErr == nil || !errors.Is(validateErr, testCase.expectErr) {
				t.Fatalf("expected %v, got %v", testCase.expectErr, validateErr)
			}
		})
	}
}

func TestValidateRequest(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	tokenValue := mintToken(t, []byte("secret-key"), "issuer", now, time.Minute)
	validator := newTestValidator(t, now, "session")

	request := httptest.NewRequest(http.MethodGet, "/protected", nil)
	request.AddCookie(&http.Cookie{Name: "session", Value: tokenValue})
	claims, validateErr := validator.ValidateRequest(request)
	if validateErr != nil {
		t.Fatalf("unexpected validation error: %v", validateErr)
	}
	if claims.GetUserID() != "user-123" {
		t.Fatalf("unexpected user: %v", claims.GetUserID())
	}

	badRequest := httptest.NewRequest(http.MethodGet, "/protected", nil)
	_, missingErr := validator.ValidateRequest(badRequest)
	if missingErr == nil || !errors.Is(missingErr, ErrMissingCookie) {
		t.Fatalf("expected missing cookie error, got %v", missingErr)
	}
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	now := time.Unix(1700000000, 0).UTC()
	tokenValue := mintToken(t, []byte("secret-key"), "issuer", now, time.Minute)
	validator := newTestValidator(t, now, "")

	router := gin.New()
	router.Use(validator.GinMiddleware("claims"))
	router.GET("/protected", func(contextGin *gin.Context) {
		value, exists := contextGin.Get("claims")
		if !exists {
			t.Fatalf("claims missing")
		}
		if _, ok := value.(*Claims); !ok {
			t.Fatalf("unexpected claims type: %T", value)
		}
		contextGin.Status(http.StatusOK)
	})

	request := httptest.NewRequest(http.MethodGet, "/protected", nil)
	request.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: tokenValue})
	response := httptest.NewRecorder()
	router.ServeHTTP(response, request)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.Code)
	}

	requestMissing := httptest.NewRequest(http.MethodGet, "/protected", nil)
	responseMissing := httptest.NewRecorder()
	router.ServeHTTP(responseMissing, requestMissing)
	if responseMissing.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing cookie, got %d", responseMissing.Code)
	}
}
