package iasauth

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// ExpiresAtProperty is the session property caching the access token expiry.
const ExpiresAtProperty = ".Token.expires_at"

var errMissingPrincipal = errors.New("token_coordinator.missing_principal")

// ValidationResult is the coordinator's verdict on one authenticated request.
type ValidationResult struct {
	// Reject forces re-authentication; the session cookie must be cleared.
	Reject bool
	// ShouldRenew asks the cookie transport to reissue the cookie with updated properties.
	ShouldRenew bool
	// Store is bound to the principal and usable for the rest of the request.
	Store TokenStore
}

// TokenRefreshCoordinator keeps the session cookie consistent with the token store.
type TokenRefreshCoordinator struct {
	provider TokenStoreProvider
	logger   *zap.Logger
	metrics  MetricsRecorder
}

// NewTokenRefreshCoordinator constructs a coordinator.
func NewTokenRefreshCoordinator(provider TokenStoreProvider, logger *zap.Logger, metrics MetricsRecorder) *TokenRefreshCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenRefreshCoordinator{provider: provider, logger: logger, metrics: metricsOrNop(metrics)}
}

// ValidatePrincipal loads, and possibly refreshes, the tokens of principal's session.
// The expiry marker in principal.Properties is updated in place when it changed.
func (coordinator *TokenRefreshCoordinator) ValidatePrincipal(ctx context.Context, principal *SessionPrincipal) (ValidationResult, error) {
	if principal == nil {
		return ValidationResult{Reject: true}, errMissingPrincipal
	}
	store := coordinator.provider.New()
	if err := store.Init(principal.UserID, principal.SessionID); err != nil {
		coordinator.metrics.Increment(metricSessionRejected)
		return ValidationResult{Reject: true}, nil
	}
	previousMarker := principal.Property(ExpiresAtProperty)

	tokens, err := store.GetTokens(ctx)
	if err != nil {
		return ValidationResult{}, err
	}
	if tokens == nil {
		coordinator.metrics.Increment(metricSessionRejected)
		coordinator.logger.Debug("session rejected",
			zap.String("code", "token_coordinator.rejected"),
			zap.String("user_id", principal.UserID))
		return ValidationResult{Reject: true}, nil
	}

	currentMarker := tokens.ExpiryMarker()
	if currentMarker != previousMarker {
		principal.SetProperty(ExpiresAtProperty, currentMarker)
		coordinator.metrics.Increment(metricSessionRenewed)
		return ValidationResult{ShouldRenew: true, Store: store}, nil
	}
	return ValidationResult{Store: store}, nil
}
