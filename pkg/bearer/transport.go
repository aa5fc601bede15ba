package bearer

import (
	"fmt"
	"net/http"
)

// Transport is an http.RoundTripper that adds an Authorization header from Source.
// Requests without an available token are sent unauthenticated.
type Transport struct {
	Base   http.RoundTripper
	Source AccessTokenSource
}

// NewClient returns an http.Client whose requests carry tokens from source.
func NewClient(source AccessTokenSource, base http.RoundTripper) *http.Client {
	return &http.Client{Transport: &Transport{Base: base, Source: source}}
}

// RoundTrip implements http.RoundTripper.
func (transport *Transport) RoundTrip(request *http.Request) (*http.Response, error) {
	base := transport.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if transport.Source == nil {
		return base.RoundTrip(request)
	}
	headerValue, err := transport.Source.AuthorizationHeader(request.Context())
	if err != nil {
		if request.Body != nil {
			_ = request.Body.Close()
		}
		return nil, fmt.Errorf("bearer.round_trip: %w", err)
	}
	if headerValue == "" {
		return base.RoundTrip(request)
	}
	authorized := request.Clone(request.Context())
	authorized.Header.Set("Authorization", headerValue)
	return base.RoundTrip(authorized)
}
