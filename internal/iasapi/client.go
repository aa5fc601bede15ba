// Package iasapi calls Industrial App Store API endpoints on behalf of a user.
package iasapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tyemirov/iasauth/pkg/bearer"
)

var (
	// ErrMissingBaseURL indicates a client built without an API base URL.
	ErrMissingBaseURL = errors.New("ias_api.missing_base_url")
	// ErrUnauthorized indicates the API rejected the (possibly absent) bearer token.
	ErrUnauthorized = errors.New("ias_api.unauthorized")
	// ErrMissingUserID indicates a user-info reply without an id or sub claim.
	ErrMissingUserID = errors.New("ias_api.missing_user_id")
)

const defaultUserInfoPath = "api/resource/userinfo"

// Config configures a Client.
type Config struct {
	BaseURL string
	// UserInfoURL overrides BaseURL + "api/resource/userinfo".
	UserInfoURL string
	Source      bearer.AccessTokenSource
	// Base is the underlying transport; nil means http.DefaultTransport.
	Base    http.RoundTripper
	Timeout time.Duration
}

// Client is a small IAS API client whose requests carry the caller's bearer token.
type Client struct {
	baseURL     *url.URL
	userInfoURL string
	httpClient  *http.Client
}

// APIError is a non-success API response.
type APIError struct {
	StatusCode int
	Body       string
}

func (apiErr *APIError) Error() string {
	return fmt.Sprintf("ias_api.status_%d", apiErr.StatusCode)
}

// New validates configuration and constructs a client.
func New(configuration Config) (*Client, error) {
	baseValue := strings.TrimSpace(configuration.BaseURL)
	if baseValue == "" {
		return nil, ErrMissingBaseURL
	}
	if !strings.HasSuffix(baseValue, "/") {
		baseValue += "/"
	}
	baseURL, err := url.Parse(baseValue)
	if err != nil || baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("ias_api.invalid_base_url: %q", configuration.BaseURL)
	}
	userInfoURL := strings.TrimSpace(configuration.UserInfoURL)
	if userInfoURL == "" {
		userInfoURL = baseURL.ResolveReference(&url.URL{Path: defaultUserInfoPath}).String()
	}
	source := configuration.Source
	if source == nil {
		source = bearer.ContextSource{}
	}
	timeout := configuration.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	httpClient := bearer.NewClient(source, configuration.Base)
	httpClient.Timeout = timeout
	return &Client{baseURL: baseURL, userInfoURL: userInfoURL, httpClient: httpClient}, nil
}

// GetJSON issues GET {BaseURL}{path} and decodes the JSON reply into target.
func (client *Client) GetJSON(ctx context.Context, path string, target any) error {
	reference, err := url.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return fmt.Errorf("ias_api.invalid_path: %w", err)
	}
	return client.getJSON(ctx, client.baseURL.ResolveReference(reference).String(), target)
}

// UserInfo fetches the signed-in user's profile.
func (client *Client) UserInfo(ctx context.Context) (UserInfo, error) {
	var raw map[string]any
	if err := client.getJSON(ctx, client.userInfoURL, &raw); err != nil {
		return UserInfo{}, err
	}
	info := parseUserInfo(raw)
	if info.ID == "" {
		return UserInfo{}, ErrMissingUserID
	}
	return info, nil
}

func (client *Client) getJSON(ctx context.Context, target string, decoded any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("ias_api.request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("ias_api.do: %w", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("ias_api.read: %w", err)
	}
	if response.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %w", ErrUnauthorized, &APIError{StatusCode: response.StatusCode, Body: string(body)})
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return &APIError{StatusCode: response.StatusCode, Body: string(body)}
	}
	if err := json.Unmarshal(body, decoded); err != nil {
		return fmt.Errorf("ias_api.decode: %w", err)
	}
	return nil
}
