package gateway

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Gateway event names passed to EventRecorder.
const (
	EventAdmitted        = "gateway.admitted"
	EventPublic          = "gateway.public"
	EventRejected        = "gateway.rejected"
	EventValidatorFailed = "gateway.validator_failed"
	EventRateLimited     = "gateway.rate_limited"
)

// DefaultPublicPrefixes are the paths that reach upstreams without a credential.
var DefaultPublicPrefixes = []string{
	"/auth/registration",
	"/auth/new-code",
	"/auth/verify",
	"/auth/login",
	"/auth/refresh_token",
	"/auth/validate-token",
	"/auth/google",
	"/healthz",
	"/metrics",
}

// EventRecorder counts gateway decisions.
type EventRecorder interface {
	Increment(event string)
}

type noopRecorder struct{}

func (noopRecorder) Increment(string) {}

// FilterConfig configures the edge delegation filter.
type FilterConfig struct {
	Validator      TokenValidator
	PublicPrefixes []string
	Logger         *zap.Logger
	Events         EventRecorder
}

// Filter admits public paths unconditionally and every other request only
// when the authority confirms its bearer credential. It fails closed: an
// unreachable authority, a non-2xx answer or false all yield 401.
func Filter(configuration FilterConfig) gin.HandlerFunc {
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := configuration.Events
	if events == nil {
		events = noopRecorder{}
	}
	publicPrefixes := configuration.PublicPrefixes
	if publicPrefixes == nil {
		publicPrefixes = DefaultPublicPrefixes
	}
	validator := configuration.Validator

	return func(contextGin *gin.Context) {
		if isPublicPath(contextGin.Request.URL.Path, publicPrefixes) {
			events.Increment(EventPublic)
			contextGin.Next()
			return
		}
		accessText, ok := bearerToken(contextGin.Request)
		if !ok {
			events.Increment(EventRejected)
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_bearer"})
			return
		}
		valid, err := validator.Validate(contextGin.Request.Context(), accessText)
		if err != nil {
			events.Increment(EventValidatorFailed)
			logger.Warn("token validation unavailable",
				zap.String("code", "gateway.validation_failed"),
				zap.String("path", contextGin.Request.URL.Path),
				zap.Error(err))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_credential"})
			return
		}
		if !valid {
			events.Increment(EventRejected)
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_credential"})
			return
		}
		events.Increment(EventAdmitted)
		contextGin.Next()
	}
}

func isPublicPath(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if path == prefix || strings.HasPrefix(path, strings.TrimRight(prefix, "/")+"/") {
			return true
		}
	}
	return false
}

func bearerToken(request *http.Request) (string, bool) {
	const prefix = "Bearer "
	header := request.Header.Get("Authorization")
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
