package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/delegauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// MirroredProfile is the local copy of a subject kept by a resource service.
type MirroredProfile struct {
	SubjectID  int64
	MirroredAt time.Time
}

// ProfileLookup finds the local mirror of a subject by email.
type ProfileLookup interface {
	FindMirrored(ctx context.Context, email string) (MirroredProfile, bool, error)
}

// HandleWhoAmI reports the caller identity verified by the session validator,
// enriched with the local mirror when one exists. profiles may be nil.
func HandleWhoAmI(logger *zap.Logger, profiles ProfileLookup) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(contextGin *gin.Context) {
		identity, ok := sessionvalidator.IdentityFromContext(contextGin)
		if !ok || identity.Email == "" {
			logger.Warn("missing identity on context",
				zap.String("code", "api.me.missing_identity"))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		payload := gin.H{
			"email":    identity.Email,
			"name":     identity.Name,
			"roles":    identity.Roles,
			"expires":  identity.ExpiresAt,
			"mirrored": false,
		}
		if profiles != nil {
			profile, found, lookupErr := profiles.FindMirrored(contextGin.Request.Context(), identity.Email)
			if lookupErr != nil {
				logger.Error("profile lookup error",
					zap.String("code", "api.me.profile_error"),
					zap.String("email", identity.Email),
					zap.Error(lookupErr))
				contextGin.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			if found {
				payload["mirrored"] = true
				payload["subject_id"] = profile.SubjectID
				payload["mirrored_at"] = profile.MirroredAt
			}
		}
		contextGin.JSON(http.StatusOK, payload)
	}
}
