package authkit

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/delegauth/pkg/credential"
	"go.uber.org/zap"
)

type registrationRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type googleLoginRequest struct {
	GoogleIDToken string `json:"google_id_token"`
	Nonce         string `json:"nonce"`
}

// MountAuthRoutes registers the authority endpoints under /auth.
func MountAuthRoutes(router gin.IRouter, authority *Authority) {
	logger := authority.logger
	group := router.Group("/auth")

	group.POST("/registration", func(contextGin *gin.Context) {
		var inbound registrationRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		snapshot, err := authority.Register(contextGin.Request.Context(), inbound.Name, inbound.Email, inbound.Password)
		if err != nil {
			writeError(contextGin, logger, err)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"message": "Code sent on email: " + snapshot.Email,
			"id":      snapshot.ID,
		})
	})

	group.POST("/new-code", func(contextGin *gin.Context) {
		email := strings.TrimSpace(contextGin.Query("email"))
		if email == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_email"})
			return
		}
		if err := authority.codes.SendCode(contextGin.Request.Context(), email); err != nil {
			writeError(contextGin, logger, err)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"message": "Code sent on email: " + normalizeEmail(email)})
	})

	group.POST("/verify", func(contextGin *gin.Context) {
		email := strings.TrimSpace(contextGin.Query("email"))
		code := strings.TrimSpace(contextGin.Query("code"))
		if email == "" || code == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_email_or_code"})
			return
		}
		if err := authority.codes.Verify(contextGin.Request.Context(), email, code); err != nil {
			writeError(contextGin, logger, err)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"message": "Account verified!"})
	})

	group.POST("/login", func(contextGin *gin.Context) {
		var inbound loginRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		pair, err := authority.Authenticate(contextGin.Request.Context(), inbound.Email, inbound.Password)
		if err != nil {
			writeError(contextGin, logger, err)
			return
		}
		contextGin.JSON(http.StatusOK, pair)
	})

	group.POST("/refresh_token", func(contextGin *gin.Context) {
		refreshText, ok := BearerToken(contextGin.Request)
		if !ok {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_bearer"})
			return
		}
		pair, err := authority.Refresh(contextGin.Request.Context(), refreshText)
		if err != nil {
			writeError(contextGin, logger, err)
			return
		}
		contextGin.JSON(http.StatusOK, pair)
	})

	group.POST("/validate-token", func(contextGin *gin.Context) {
		var inbound tokenRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			contextGin.JSON(http.StatusOK, false)
			return
		}
		contextGin.JSON(http.StatusOK, authority.ValidateToken(contextGin.Request.Context(), inbound.Token))
	})

	group.POST("/logout", func(contextGin *gin.Context) {
		accessText, ok := BearerToken(contextGin.Request)
		if !ok {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_bearer"})
			return
		}
		if err := authority.Logout(contextGin.Request.Context(), accessText); err != nil {
			writeError(contextGin, logger, err)
			return
		}
		contextGin.Status(http.StatusNoContent)
	})

	admin := group.Group("/executor", RequireAccess(authority), RequireRole(credential.RoleAdmin))
	admin.POST("/:userId", func(contextGin *gin.Context) {
		subjectID, ok := parseSubjectID(contextGin)
		if !ok {
			return
		}
		if err := authority.AssignExecutor(contextGin.Request.Context(), subjectID); err != nil {
			writeError(contextGin, logger, err)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"message": "Executor assigned successfully"})
	})
	admin.GET("/:userId", func(contextGin *gin.Context) {
		subjectID, ok := parseSubjectID(contextGin)
		if !ok {
			return
		}
		snapshot, err := authority.Snapshot(contextGin.Request.Context(), subjectID)
		if err != nil {
			writeError(contextGin, logger, err)
			return
		}
		contextGin.JSON(http.StatusOK, snapshot)
	})

	group.POST("/google/nonce", func(contextGin *gin.Context) {
		nonce, err := authority.IssueGoogleNonce(contextGin.Request.Context())
		if err != nil {
			writeError(contextGin, logger, err)
			return
		}
		contextGin.Header("Cache-Control", "no-store")
		contextGin.JSON(http.StatusOK, gin.H{"nonce": nonce})
	})

	group.POST("/google", func(contextGin *gin.Context) {
		var inbound googleLoginRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.GoogleIDToken) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		if !authority.configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "https_required"})
			return
		}
		pair, err := authority.AuthenticateGoogle(contextGin.Request.Context(), inbound.GoogleIDToken, inbound.Nonce)
		if err != nil {
			writeError(contextGin, logger, err)
			return
		}
		contextGin.JSON(http.StatusOK, pair)
	})
}

func parseSubjectID(contextGin *gin.Context) (int64, bool) {
	subjectID, err := strconv.ParseInt(contextGin.Param("userId"), 10, 64)
	if err != nil || subjectID <= 0 {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return 0, false
	}
	return subjectID, true
}

func writeError(contextGin *gin.Context, logger *zap.Logger, err error) {
	status, code := statusForError(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("code", code),
			zap.String("path", contextGin.FullPath()),
			zap.Error(err))
	} else {
		logger.Debug("request rejected",
			zap.String("code", code),
			zap.String("path", contextGin.FullPath()),
			zap.Error(err))
	}
	contextGin.AbortWithStatusJSON(status, gin.H{"error": code})
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	if strings.EqualFold(request.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	return splitErr == nil && host == "localhost"
}
