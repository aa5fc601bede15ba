package cliauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tyemirov/iasauth/pkg/devicelogin"
	"github.com/tyemirov/iasauth/pkg/oauthtokens"
	"go.uber.org/zap/zaptest"
	"golang.org/x/oauth2"
)

type instantClock struct{}

func (instantClock) Now() time.Time { return time.Now().UTC() }

func (instantClock) After(time.Duration) <-chan time.Time {
	fired := make(chan time.Time, 1)
	fired <- time.Now()
	return fired
}

func (instantClock) WithDeadline(parent context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	return context.WithDeadline(parent, deadline)
}

func newCredentialsFile(t *testing.T) *CredentialsFile {
	t.Helper()
	file, err := NewCredentialsFile(filepath.Join(t.TempDir(), "nested", "credentials.yaml"))
	if err != nil {
		t.Fatalf("credentials file: %v", err)
	}
	return file
}

func TestCredentialsFileRoundTrip(t *testing.T) {
	file := newCredentialsFile(t)
	if _, err := file.Load(); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("expected not logged in, got %v", err)
	}
	expiresAt := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	stored := Credentials{IssuerURL: "https://ias.example", ClientID: "cli", AccessToken: "access-1", TokenType: "Bearer", RefreshToken: "refresh-1", ExpiresAt: expiresAt}
	if err := file.Save(stored); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(file.Path())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected owner-only permissions, got %v", info.Mode().Perm())
	}
	loaded, err := file.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.AccessToken != "access-1" || loaded.RefreshToken != "refresh-1" || !loaded.ExpiresAt.Equal(expiresAt) {
		t.Fatalf("unexpected credentials %#v", loaded)
	}
	if err := file.Delete(); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := file.Delete(); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := file.Load(); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("expected not logged in after delete, got %v", err)
	}
}

func TestNewCredentialsFileRequiresPath(t *testing.T) {
	if _, err := NewCredentialsFile(" "); err == nil {
		t.Fatalf("expected missing path error")
	}
}

type tokenEndpoint struct {
	mutex  sync.Mutex
	grants []string
}

func (endpoint *tokenEndpoint) handler(t *testing.T) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		if err := request.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		endpoint.mutex.Lock()
		endpoint.grants = append(endpoint.grants, request.PostForm.Get("grant_type"))
		endpoint.mutex.Unlock()
		writer.Header().Set("Content-Type", "application/json")
		switch request.PostForm.Get("grant_type") {
		case "refresh_token":
			if request.PostForm.Get("refresh_token") != "refresh-1" {
				writer.WriteHeader(http.StatusBadRequest)
				_, _ = writer.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			_, _ = writer.Write([]byte(`{"access_token":"access-2","token_type":"Bearer","expires_in":3600}`))
		default:
			_, _ = writer.Write([]byte(`{"access_token":"device-access","token_type":"Bearer","refresh_token":"device-refresh","expires_in":3600}`))
		}
	}
}

func (endpoint *tokenEndpoint) Grants() []string {
	endpoint.mutex.Lock()
	defer endpoint.mutex.Unlock()
	return append([]string(nil), endpoint.grants...)
}

func TestTokenSourceRefreshesAndPersists(t *testing.T) {
	endpoint := &tokenEndpoint{}
	server := httptest.NewServer(endpoint.handler(t))
	defer server.Close()

	file := newCredentialsFile(t)
	expired := Credentials{ClientID: "cli", AccessToken: "access-1", TokenType: "Bearer", RefreshToken: "refresh-1", ExpiresAt: time.Now().Add(-time.Minute).UTC()}
	if err := file.Save(expired); err != nil {
		t.Fatalf("save: %v", err)
	}
	manager, err := NewSessionManager(SessionManagerConfig{
		OAuth:       &oauth2.Config{ClientID: "cli", Endpoint: oauth2.Endpoint{TokenURL: server.URL + "/token", AuthStyle: oauth2.AuthStyleInParams}},
		Credentials: file,
		HTTPClient:  server.Client(),
		Logger:      zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	source, err := manager.AccessTokenSource(context.Background())
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	header, err := source.AuthorizationHeader(context.Background())
	if err != nil || header != "Bearer access-2" {
		t.Fatalf("expected refreshed header, got %q err %v", header, err)
	}
	if _, err := source.AuthorizationHeader(context.Background()); err != nil {
		t.Fatalf("second header: %v", err)
	}
	if grants := endpoint.Grants(); len(grants) != 1 || grants[0] != "refresh_token" {
		t.Fatalf("expected exactly one refresh, got %v", grants)
	}
	persisted, err := file.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if persisted.AccessToken != "access-2" || persisted.RefreshToken != "refresh-1" {
		t.Fatalf("expected refreshed credentials on disk, got %#v", persisted)
	}
}

func TestTokenSourceRequiresLogin(t *testing.T) {
	manager, _ := NewSessionManager(SessionManagerConfig{OAuth: &oauth2.Config{ClientID: "cli"}, Credentials: newCredentialsFile(t)})
	if _, err := manager.TokenSource(context.Background()); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("expected not logged in, got %v", err)
	}
}

func TestLoginStoresDeviceTokensAndLogoutForgetsThem(t *testing.T) {
	endpoint := &tokenEndpoint{}
	mux := http.NewServeMux()
	mux.HandleFunc("/device", func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"device_code":"dc","user_code":"ABCD-EFGH","verification_uri":"https://ias.example/device","expires_in":60,"interval":1}`))
	})
	mux.HandleFunc("/token", endpoint.handler(t))
	server := httptest.NewServer(mux)
	defer server.Close()

	device, err := devicelogin.New(devicelogin.Config{
		ClientID:                    "cli",
		DeviceAuthorizationEndpoint: server.URL + "/device",
		TokenEndpoint:               server.URL + "/token",
		HTTPClient:                  server.Client(),
		Clock:                       instantClock{},
	})
	if err != nil {
		t.Fatalf("device client: %v", err)
	}
	file := newCredentialsFile(t)
	manager, err := NewSessionManager(SessionManagerConfig{
		IssuerURL:   server.URL,
		OAuth:       &oauth2.Config{ClientID: "cli"},
		Device:      device,
		Credentials: file,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	var shownCode string
	tokens, err := manager.Login(context.Background(), func(ctx context.Context, verificationURI string, userCode string, deadline time.Time) error {
		shownCode = userCode
		return nil
	})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if shownCode != "ABCD-EFGH" || tokens.AccessToken != "device-access" {
		t.Fatalf("unexpected login result code=%q tokens=%#v", shownCode, tokens)
	}
	stored, err := file.Load()
	if err != nil || stored.RefreshToken != "device-refresh" || stored.IssuerURL != server.URL {
		t.Fatalf("unexpected stored credentials %#v err %v", stored, err)
	}
	if err := manager.Logout(); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := file.Load(); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("expected credentials to be removed, got %v", err)
	}
}

func TestPersistingSourceMapsInvalidGrant(t *testing.T) {
	endpoint := &tokenEndpoint{}
	server := httptest.NewServer(endpoint.handler(t))
	defer server.Close()
	file := newCredentialsFile(t)
	_ = file.Save(Credentials{AccessToken: "access-1", RefreshToken: "revoked", ExpiresAt: time.Now().Add(-time.Minute).UTC()})
	manager, _ := NewSessionManager(SessionManagerConfig{
		OAuth:       &oauth2.Config{ClientID: "cli", Endpoint: oauth2.Endpoint{TokenURL: server.URL, AuthStyle: oauth2.AuthStyleInParams}},
		Credentials: file,
		HTTPClient:  server.Client(),
	})
	source, err := manager.TokenSource(context.Background())
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	if _, err := source.Token(); oauthtokens.ErrorCode(err) != oauthtokens.ErrorCodeInvalidGrant {
		t.Fatalf("expected invalid_grant, got %v", err)
	}
}
