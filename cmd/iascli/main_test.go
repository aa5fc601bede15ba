package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/tyemirov/iasauth/internal/cliauth"
	"github.com/tyemirov/iasauth/pkg/devicelogin"
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

func withInstantClock(t *testing.T) {
	t.Helper()
	previous := newDeviceClock
	newDeviceClock = func() devicelogin.Clock { return instantClock{} }
	t.Cleanup(func() { newDeviceClock = previous })
}

func newAppStore(t *testing.T, tokenReply string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/AuthorizationServer/OAuth/Device", func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"device_code":"dc","user_code":"WXYZ-1234","verification_uri":"https://ias.example/device","expires_in":60,"interval":1}`))
	})
	mux.HandleFunc("/AuthorizationServer/OAuth/Token", func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		if strings.Contains(tokenReply, `"error"`) {
			writer.WriteHeader(http.StatusBadRequest)
		}
		_, _ = writer.Write([]byte(tokenReply))
	})
	mux.HandleFunc("/api/resource/userinfo", func(writer http.ResponseWriter, request *http.Request) {
		if request.Header.Get("Authorization") != "Bearer cli-access" {
			http.Error(writer, "unauthorized", http.StatusUnauthorized)
			return
		}
		_, _ = writer.Write([]byte(`{"id":"user-9","name":"Operator","org":{"id":"org-9","name":"Refinery"}}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func execute(t *testing.T, arguments ...string) (string, error) {
	t.Helper()
	viper.Reset()
	command := newRootCommand()
	var output bytes.Buffer
	command.SetOut(&output)
	command.SetErr(&output)
	command.SetArgs(arguments)
	err := command.ExecuteContext(context.Background())
	return output.String(), err
}

func TestLoginWhoAmILogout(t *testing.T) {
	withInstantClock(t)
	defer viper.Reset()
	server := newAppStore(t, `{"access_token":"cli-access","token_type":"Bearer","refresh_token":"cli-refresh","expires_in":3600}`)
	credentialsPath := filepath.Join(t.TempDir(), "credentials.yaml")
	common := []string{"--issuer_url", server.URL, "--client_id", "cli", "--credentials_file", credentialsPath}

	output, err := execute(t, append([]string{"login"}, common...)...)
	if err != nil {
		t.Fatalf("login: %v\n%s", err, output)
	}
	if !strings.Contains(output, "WXYZ-1234") || !strings.Contains(output, "Signed in.") {
		t.Fatalf("unexpected login output %q", output)
	}

	output, err = execute(t, append([]string{"whoami"}, common...)...)
	if err != nil {
		t.Fatalf("whoami: %v\n%s", err, output)
	}
	if !strings.Contains(output, "id: user-9") || !strings.Contains(output, "org_name: Refinery") {
		t.Fatalf("unexpected whoami output %q", output)
	}

	if output, err = execute(t, append([]string{"logout"}, common...)...); err != nil || !strings.Contains(output, "Signed out.") {
		t.Fatalf("logout: %v %q", err, output)
	}
	if _, err = execute(t, append([]string{"whoami"}, common...)...); !errors.Is(err, cliauth.ErrNotLoggedIn) {
		t.Fatalf("expected not signed in after logout, got %v", err)
	}
}

func TestLoginReportsDeniedAuthorization(t *testing.T) {
	withInstantClock(t)
	defer viper.Reset()
	server := newAppStore(t, `{"error":"access_denied","error_description":"user declined"}`)

	_, err := execute(t, "login", "--issuer_url", server.URL, "--client_id", "cli", "--credentials_file", filepath.Join(t.TempDir(), "credentials.yaml"))
	if err == nil || !strings.Contains(err.Error(), "access_denied") {
		t.Fatalf("expected access_denied failure, got %v", err)
	}
}

func TestCommandsRequireClientID(t *testing.T) {
	defer viper.Reset()
	_, err := execute(t, "whoami", "--credentials_file", filepath.Join(t.TempDir(), "credentials.yaml"))
	if err == nil || !strings.HasPrefix(err.Error(), "config.missing_client_id") {
		t.Fatalf("expected missing client id, got %v", err)
	}
}

func TestDescribeLoginError(t *testing.T) {
	expired := describeLoginError(devicelogin.ErrLoginExpired)
	if !strings.HasPrefix(expired.Error(), "login expired") || !errors.Is(expired, devicelogin.ErrLoginExpired) {
		t.Fatalf("unexpected expired message %v", expired)
	}
	cancelled := describeLoginError(devicelogin.ErrLoginCancelled)
	if !strings.HasPrefix(cancelled.Error(), "login cancelled") {
		t.Fatalf("unexpected cancelled message %v", cancelled)
	}
}
