package authkit

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/delegauth/pkg/credential"
)

// ClaimsContextKey is where RequireAccess stores verified claims.
const ClaimsContextKey = "auth_claims"

const bearerPrefix = "Bearer "

// BearerToken extracts the credential from an "Authorization: Bearer" header.
func BearerToken(request *http.Request) (string, bool) {
	if request == nil {
		return "", false
	}
	header := request.Header.Get("Authorization")
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	return token, token != ""
}

// RequireAccess admits requests carrying a live access credential, checked
// against the session store, and injects its claims.
func RequireAccess(authority *Authority) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		accessText, ok := BearerToken(contextGin.Request)
		if !ok {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_bearer"})
			return
		}
		claims, err := authority.CheckAccess(contextGin.Request.Context(), accessText)
		if err != nil {
			writeError(contextGin, authority.logger, err)
			return
		}
		contextGin.Set(ClaimsContextKey, claims)
		contextGin.Next()
	}
}

// RequireRole admits requests whose claims hold at least one of roles.
// It must run after RequireAccess.
func RequireRole(roles ...credential.Role) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		claims, ok := ClaimsFromContext(contextGin)
		if !ok {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_claims"})
			return
		}
		if !claims.Roles.HasAny(roles...) {
			contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		contextGin.Next()
	}
}

// ClaimsFromContext returns the claims stored by RequireAccess.
func ClaimsFromContext(contextGin *gin.Context) (*credential.Claims, bool) {
	value, found := contextGin.Get(ClaimsContextKey)
	if !found {
		return nil, false
	}
	claims, ok := value.(*credential.Claims)
	return claims, ok && claims != nil
}
