// Package web holds the HTTP handlers of the sample application that sit behind the
// authentication middleware.
package web

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/iasauth/internal/iasapi"
	"github.com/tyemirov/iasauth/internal/iasauth"
	"go.uber.org/zap"
)

// UserInfoClient fetches the caller's IAS profile with the request's bearer token.
type UserInfoClient interface {
	UserInfo(ctx context.Context) (iasapi.UserInfo, error)
}

// HandleProfile answers with the caller's live IAS profile. In cookie mode the
// session principal is included as well.
func HandleProfile(logger *zap.Logger, client UserInfoClient) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		panic("user info client is required")
	}

	return func(contextGin *gin.Context) {
		info, infoErr := client.UserInfo(contextGin.Request.Context())
		if infoErr != nil {
			if errors.Is(infoErr, iasapi.ErrUnauthorized) {
				logger.Warn("ias api rejected the caller token",
					zap.String("code", "api.me.unauthorized"))
				contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "ias_unauthorized"})
				return
			}
			logger.Error("ias user info lookup failed",
				zap.String("code", "api.me.userinfo_failed"),
				zap.Error(infoErr))
			contextGin.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "userinfo_failed"})
			return
		}

		payload := gin.H{
			"user_id":      info.ID,
			"name":         info.Name,
			"display_name": info.DisplayName,
			"org_id":       info.OrgID,
			"org_name":     info.OrgName,
			"picture_url":  info.PictureURL,
		}
		if principal, found := iasauth.PrincipalFromContext(contextGin); found {
			payload["session_id"] = principal.SessionID
			payload["token_expires_at"] = principal.Property(iasauth.ExpiresAtProperty)
		}
		contextGin.JSON(http.StatusOK, payload)
	}
}

// HandleMetrics exposes the in-process counters.
func HandleMetrics(metrics *iasauth.CounterMetrics) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, metrics.Snapshot())
	}
}
