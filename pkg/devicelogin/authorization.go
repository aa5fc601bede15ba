package devicelogin

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// maxExpiresInSeconds bounds expires_in so the login deadline stays representable.
	maxExpiresInSeconds = 24 * 60 * 60
	maxIntervalSeconds  = 5 * 60
)

type authorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURL         string `json:"verification_url"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval"`
}

func decodeAuthorizationResponse(body []byte) (authorizationResponse, error) {
	var parsed authorizationResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return authorizationResponse{}, fmt.Errorf("%w: %w", ErrInvalidAuthorizationReply, err)
	}
	if strings.TrimSpace(parsed.DeviceCode) == "" || strings.TrimSpace(parsed.UserCode) == "" {
		return authorizationResponse{}, fmt.Errorf("%w: missing device_code or user_code", ErrInvalidAuthorizationReply)
	}
	if parsed.VerificationURI == "" && parsed.VerificationURL == "" {
		return authorizationResponse{}, fmt.Errorf("%w: missing verification_uri", ErrInvalidAuthorizationReply)
	}
	if parsed.ExpiresIn <= 0 {
		return authorizationResponse{}, fmt.Errorf("%w: expires_in must be positive", ErrInvalidAuthorizationReply)
	}
	if parsed.ExpiresIn > maxExpiresInSeconds {
		return authorizationResponse{}, fmt.Errorf("%w: expires_in %d exceeds %d", ErrInvalidAuthorizationReply, parsed.ExpiresIn, maxExpiresInSeconds)
	}
	if parsed.Interval > maxIntervalSeconds {
		parsed.Interval = maxIntervalSeconds
	}
	return parsed, nil
}
