// Package devicelogin implements the OAuth 2.0 device authorization grant (RFC 8628)
// for headless clients such as CLIs.
package devicelogin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tyemirov/iasauth/pkg/oauthtokens"
	"go.uber.org/zap"
)

const (
	deviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"

	// DefaultPollInterval applies when the server omits interval.
	DefaultPollInterval = 5 * time.Second
	// SlowDownIncrement is added to the interval on every slow_down response.
	SlowDownIncrement = 5 * time.Second
	// DefaultTokenLifetime applies when the token response omits expires_in.
	DefaultTokenLifetime = 86400 * time.Second

	maxResponseBytes = 1 << 20
)

var (
	ErrMissingClientID           = errors.New("device_login.missing_client_id")
	ErrMissingDeviceEndpoint     = errors.New("device_login.missing_device_authorization_endpoint")
	ErrMissingTokenEndpoint      = errors.New("device_login.missing_token_endpoint")
	ErrInvalidAuthorizationReply = errors.New("device_login.invalid_authorization_response")
	// ErrLoginFailed is the generic failure of a device login attempt.
	ErrLoginFailed = errors.New("device_login.failed")
	// ErrLoginExpired marks a login that ran past the device code lifetime. It also matches
	// ErrLoginFailed and context.DeadlineExceeded.
	ErrLoginExpired = errors.New("device_login.expired")
	// ErrLoginCancelled marks a login cancelled by the caller. It also matches context.Canceled.
	ErrLoginCancelled = errors.New("device_login.cancelled")
)

// PromptFunc shows the verification URI and user code to a human. The context is cancelled
// when the device code expires or the caller gives up.
type PromptFunc func(ctx context.Context, verificationURI string, userCode string, deadline time.Time) error

// Config configures a Client.
type Config struct {
	ClientID string
	// ClientSecret is optional; public clients leave it empty.
	ClientSecret                string
	Scopes                      []string
	DeviceAuthorizationEndpoint string
	TokenEndpoint               string
	HTTPClient                  *http.Client
	Clock                       Clock
	Logger                      *zap.Logger
}

// Authorization is a pending device authorization. DeviceCode stays with the client.
type Authorization struct {
	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	ExpiresAt               time.Time
	Interval                time.Duration
}

// Client runs device logins against one authorization server.
type Client struct {
	clientID       string
	clientSecret   string
	scopes         []string
	deviceEndpoint string
	tokenEndpoint  string
	httpClient     *http.Client
	clock          Clock
	logger         *zap.Logger
}

// New validates the configuration and constructs a Client.
func New(configuration Config) (*Client, error) {
	if strings.TrimSpace(configuration.ClientID) == "" {
		return nil, fmt.Errorf("device_login.new: %w", ErrMissingClientID)
	}
	if strings.TrimSpace(configuration.DeviceAuthorizationEndpoint) == "" {
		return nil, fmt.Errorf("device_login.new: %w", ErrMissingDeviceEndpoint)
	}
	if strings.TrimSpace(configuration.TokenEndpoint) == "" {
		return nil, fmt.Errorf("device_login.new: %w", ErrMissingTokenEndpoint)
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	clock := configuration.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		clientID:       configuration.ClientID,
		clientSecret:   configuration.ClientSecret,
		scopes:         configuration.Scopes,
		deviceEndpoint: configuration.DeviceAuthorizationEndpoint,
		tokenEndpoint:  configuration.TokenEndpoint,
		httpClient:     httpClient,
		clock:          clock,
		logger:         logger,
	}, nil
}

// Login requests a device code, prompts the human, and polls until tokens are issued,
// the device code expires, or ctx is cancelled.
func (client *Client) Login(ctx context.Context, prompt PromptFunc) (oauthtokens.OAuthTokens, error) {
	authorization, err := client.RequestCode(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return oauthtokens.OAuthTokens{}, cancelledError(ctx)
		}
		return oauthtokens.OAuthTokens{}, err
	}
	return client.Complete(ctx, authorization, prompt)
}

// Complete prompts for a previously requested authorization and polls for its tokens.
func (client *Client) Complete(ctx context.Context, authorization Authorization, prompt PromptFunc) (oauthtokens.OAuthTokens, error) {
	loginCtx, cancel := client.clock.WithDeadline(ctx, authorization.ExpiresAt)
	defer cancel()

	if prompt != nil {
		if promptErr := prompt(loginCtx, authorization.VerificationURI, authorization.UserCode, authorization.ExpiresAt); promptErr != nil {
			if loginCtx.Err() != nil {
				return oauthtokens.OAuthTokens{}, interruptedError(ctx)
			}
			return oauthtokens.OAuthTokens{}, fmt.Errorf("device_login.prompt: %w", promptErr)
		}
	}
	return client.poll(ctx, loginCtx, authorization)
}

// RequestCode starts a device authorization at the device authorization endpoint.
func (client *Client) RequestCode(ctx context.Context) (Authorization, error) {
	form := url.Values{}
	form.Set("client_id", client.clientID)
	if client.clientSecret != "" {
		form.Set("client_secret", client.clientSecret)
	}
	if len(client.scopes) > 0 {
		form.Set("scope", strings.Join(client.scopes, " "))
	}

	statusCode, body, err := client.postForm(ctx, client.deviceEndpoint, form)
	if err != nil {
		return Authorization{}, fmt.Errorf("device_login.request_code: %w", err)
	}
	if errorBody, hasError := oauthtokens.ParseErrorResponse(body); hasError {
		return Authorization{}, fmt.Errorf("device_login.request_code: %w", errorBody.AsError(statusCode))
	}
	if statusCode < 200 || statusCode > 299 {
		return Authorization{}, fmt.Errorf("device_login.request_code: %w", &oauthtokens.HTTPError{StatusCode: statusCode, Body: string(body)})
	}

	parsed, err := decodeAuthorizationResponse(body)
	if err != nil {
		return Authorization{}, fmt.Errorf("device_login.request_code: %w", err)
	}
	interval := time.Duration(parsed.Interval) * time.Second
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	verificationURI := parsed.VerificationURI
	if verificationURI == "" {
		verificationURI = parsed.VerificationURL
	}
	authorization := Authorization{
		DeviceCode:              parsed.DeviceCode,
		UserCode:                parsed.UserCode,
		VerificationURI:         verificationURI,
		VerificationURIComplete: parsed.VerificationURIComplete,
		ExpiresAt:               client.clock.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second),
		Interval:                interval,
	}
	client.logger.Debug("device authorization started",
		zap.String("verification_uri", authorization.VerificationURI),
		zap.Time("expires_at", authorization.ExpiresAt),
		zap.Duration("interval", authorization.Interval),
	)
	return authorization, nil
}

func (client *Client) poll(parentCtx context.Context, loginCtx context.Context, authorization Authorization) (oauthtokens.OAuthTokens, error) {
	interval := authorization.Interval
	for attempt := 1; ; attempt++ {
		remaining := authorization.ExpiresAt.Sub(client.clock.Now())
		if remaining <= 0 {
			return oauthtokens.OAuthTokens{}, interruptedError(parentCtx)
		}
		wait := interval
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-loginCtx.Done():
			return oauthtokens.OAuthTokens{}, interruptedError(parentCtx)
		case <-client.clock.After(wait):
		}
		if loginCtx.Err() != nil || !client.clock.Now().Before(authorization.ExpiresAt) {
			return oauthtokens.OAuthTokens{}, interruptedError(parentCtx)
		}

		tokens, err := client.exchangeDeviceCode(loginCtx, authorization.DeviceCode)
		if err == nil {
			client.logger.Debug("device authorization completed", zap.Int("attempts", attempt))
			return tokens, nil
		}
		switch oauthtokens.ErrorCode(err) {
		case oauthtokens.ErrorCodeAuthorizationPending:
			continue
		case oauthtokens.ErrorCodeSlowDown:
			interval += SlowDownIncrement
			client.logger.Debug("device authorization slow_down", zap.Duration("interval", interval))
			continue
		}
		if loginCtx.Err() != nil {
			return oauthtokens.OAuthTokens{}, interruptedError(parentCtx)
		}
		return oauthtokens.OAuthTokens{}, fmt.Errorf("device_login.poll: %w", err)
	}
}

func (client *Client) exchangeDeviceCode(ctx context.Context, deviceCode string) (oauthtokens.OAuthTokens, error) {
	form := url.Values{}
	form.Set("client_id", client.clientID)
	form.Set("device_code", deviceCode)
	form.Set("grant_type", deviceCodeGrantType)
	if client.clientSecret != "" {
		form.Set("client_secret", client.clientSecret)
	}

	statusCode, body, err := client.postForm(ctx, client.tokenEndpoint, form)
	if err != nil {
		return oauthtokens.OAuthTokens{}, err
	}
	switch {
	case statusCode == http.StatusOK:
		parsed, decodeErr := oauthtokens.DecodeTokenResponse(body)
		if decodeErr != nil {
			return oauthtokens.OAuthTokens{}, decodeErr
		}
		return parsed.Tokens(client.clock.Now(), DefaultTokenLifetime)
	case statusCode == http.StatusBadRequest:
		if errorBody, hasError := oauthtokens.ParseErrorResponse(body); hasError {
			return oauthtokens.OAuthTokens{}, errorBody.AsError(statusCode)
		}
		return oauthtokens.OAuthTokens{}, &oauthtokens.HTTPError{StatusCode: statusCode, Body: string(body)}
	default:
		return oauthtokens.OAuthTokens{}, &oauthtokens.HTTPError{StatusCode: statusCode, Body: string(body)}
	}
}

func (client *Client) postForm(ctx context.Context, endpoint string, form url.Values) (int, []byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, err
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.Header.Set("Accept", "application/json")

	response, err := client.httpClient.Do(request)
	if err != nil {
		return 0, nil, err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, err
	}
	return response.StatusCode, body, nil
}

func interruptedError(parentCtx context.Context) error {
	if parentCtx.Err() != nil {
		return cancelledError(parentCtx)
	}
	return fmt.Errorf("device_login.login: %w: %w: %w", ErrLoginFailed, ErrLoginExpired, context.DeadlineExceeded)
}

func cancelledError(parentCtx context.Context) error {
	return fmt.Errorf("device_login.login: %w: %w", ErrLoginCancelled, parentCtx.Err())
}
