// Package bearer attaches OAuth bearer tokens to outgoing HTTP requests.
package bearer

import (
	"context"
	"strings"

	"golang.org/x/oauth2"
)

// AccessTokenSource yields the Authorization header value for an outgoing request.
// An empty value with a nil error means no token is available.
type AccessTokenSource interface {
	AuthorizationHeader(ctx context.Context) (string, error)
}

// HeaderValueFunc adapts a function to AccessTokenSource.
type HeaderValueFunc func(ctx context.Context) (string, error)

// AuthorizationHeader calls the function.
func (function HeaderValueFunc) AuthorizationHeader(ctx context.Context) (string, error) {
	return function(ctx)
}

// StaticTokenSource always yields the same access token.
type StaticTokenSource struct {
	header string
}

// NewStaticTokenSource builds a source for a fixed access token.
func NewStaticTokenSource(accessToken string) StaticTokenSource {
	if strings.TrimSpace(accessToken) == "" {
		return StaticTokenSource{}
	}
	return StaticTokenSource{header: "Bearer " + accessToken}
}

// AuthorizationHeader returns the fixed header value.
func (source StaticTokenSource) AuthorizationHeader(context.Context) (string, error) {
	return source.header, nil
}

// OAuth2TokenSource adapts an oauth2.TokenSource. A token that cannot be obtained or
// refreshed is reported as absent so the API answers 401 instead of the client failing.
type OAuth2TokenSource struct {
	source oauth2.TokenSource
}

// NewOAuth2TokenSource wraps source.
func NewOAuth2TokenSource(source oauth2.TokenSource) OAuth2TokenSource {
	return OAuth2TokenSource{source: source}
}

// AuthorizationHeader renders the current token.
func (adapter OAuth2TokenSource) AuthorizationHeader(ctx context.Context) (string, error) {
	if adapter.source == nil {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	token, err := adapter.source.Token()
	if err != nil || token == nil || !token.Valid() {
		return "", nil
	}
	return token.Type() + " " + token.AccessToken, nil
}

type sourceContextKey struct{}

// WithSource attaches a request-scoped source to ctx for use by ContextSource.
func WithSource(ctx context.Context, source AccessTokenSource) context.Context {
	return context.WithValue(ctx, sourceContextKey{}, source)
}

// ContextSource delegates to the source attached to the request context with WithSource.
type ContextSource struct{}

// AuthorizationHeader resolves the request-scoped source.
func (ContextSource) AuthorizationHeader(ctx context.Context) (string, error) {
	source, ok := ctx.Value(sourceContextKey{}).(AccessTokenSource)
	if !ok || source == nil {
		return "", nil
	}
	return source.AuthorizationHeader(ctx)
}
