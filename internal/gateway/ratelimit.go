package gateway

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	// DefaultRequestsPerMinute applies to every path.
	DefaultRequestsPerMinute = 120
	// DefaultCredentialRequestsPerMinute applies to paths that accept passwords or codes.
	DefaultCredentialRequestsPerMinute = 20

	limiterSweepThreshold = 1000
	limiterIdleLifetime   = 10 * time.Minute
)

var credentialPrefixes = []string{"/auth/login", "/auth/registration", "/auth/verify", "/auth/new-code", "/auth/google"}

type clientLimiter struct {
	general    *rate.Limiter
	credential *rate.Limiter
	lastSeen   time.Time
}

// RateLimiter keeps one token bucket pair per client address.
type RateLimiter struct {
	generalRPM    int
	credentialRPM int
	events        EventRecorder
	now           func() time.Time

	mutex   sync.Mutex
	clients map[string]*clientLimiter
}

// NewRateLimiter builds a limiter; non-positive budgets fall back to the defaults.
func NewRateLimiter(generalRPM int, credentialRPM int, events EventRecorder) *RateLimiter {
	if generalRPM <= 0 {
		generalRPM = DefaultRequestsPerMinute
	}
	if credentialRPM <= 0 {
		credentialRPM = DefaultCredentialRequestsPerMinute
	}
	if events == nil {
		events = noopRecorder{}
	}
	return &RateLimiter{
		generalRPM:    generalRPM,
		credentialRPM: credentialRPM,
		events:        events,
		now:           time.Now,
		clients:       make(map[string]*clientLimiter),
	}
}

// Middleware rejects clients that exhausted their budget with 429.
func (limiter *RateLimiter) Middleware() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		client := limiter.limiterFor(contextGin.ClientIP())
		bucket := client.general
		if isPublicPath(contextGin.Request.URL.Path, credentialPrefixes) {
			bucket = client.credential
		}
		if !bucket.AllowN(limiter.now(), 1) {
			limiter.events.Increment(EventRateLimited)
			contextGin.Header("Retry-After", strconv.Itoa(60))
			contextGin.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		contextGin.Next()
	}
}

func (limiter *RateLimiter) limiterFor(clientIP string) *clientLimiter {
	key := strings.TrimSpace(clientIP)
	if key == "" {
		key = "unknown"
	}
	now := limiter.now()
	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()
	if existing, found := limiter.clients[key]; found {
		existing.lastSeen = now
		return existing
	}
	created := &clientLimiter{
		general:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(limiter.generalRPM)), limiter.generalRPM),
		credential: rate.NewLimiter(rate.Every(time.Minute/time.Duration(limiter.credentialRPM)), limiter.credentialRPM),
		lastSeen:   now,
	}
	limiter.clients[key] = created
	limiter.sweepLocked(now)
	return created
}

func (limiter *RateLimiter) sweepLocked(now time.Time) {
	if len(limiter.clients) < limiterSweepThreshold {
		return
	}
	cutoff := now.Add(-limiterIdleLifetime)
	for key, client := range limiter.clients {
		if client.lastSeen.Before(cutoff) {
			delete(limiter.clients, key)
		}
	}
}
