package resource

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/delegauth/internal/web"
	"github.com/tyemirov/delegauth/pkg/credential"
	"github.com/tyemirov/delegauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// MountRoutes registers the resource API under /api. Every route verifies
// the bearer locally with validator.
func MountRoutes(router gin.IRouter, validator *sessionvalidator.Validator, bridge *Bridge, mirror MirrorStore, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	api := router.Group("/api", validator.GinMiddleware(sessionvalidator.DefaultContextKey))
	api.GET("/me", web.HandleWhoAmI(logger, Profiles(mirror)))
	api.POST("/executors/:userId", sessionvalidator.RequireRole(credential.RoleAdmin), func(contextGin *gin.Context) {
		subjectID, err := strconv.ParseInt(contextGin.Param("userId"), 10, 64)
		if err != nil || subjectID <= 0 {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
			return
		}
		mirrored, escalateErr := bridge.Escalate(contextGin.Request.Context(), sessionvalidator.BearerFromContext(contextGin), subjectID)
		if escalateErr != nil {
			writeBridgeError(contextGin, logger, escalateErr)
			return
		}
		contextGin.JSON(http.StatusOK, mirrored)
	})
}

func writeBridgeError(contextGin *gin.Context, logger *zap.Logger, err error) {
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		status := http.StatusBadGateway
		switch rejection.Status {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusBadRequest:
			status = rejection.Status
		}
		logger.Warn("escalation rejected",
			zap.String("code", "bridge.rejected"),
			zap.String("step", rejection.Step),
			zap.Int("authority_status", rejection.Status))
		contextGin.AbortWithStatusJSON(status, gin.H{"error": "escalation_rejected"})
		return
	}
	logger.Error("escalation failed",
		zap.String("code", "bridge.failed"),
		zap.Error(err))
	if errors.Is(err, ErrBridgeTransport) {
		contextGin.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "authority_unavailable"})
		return
	}
	contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}
