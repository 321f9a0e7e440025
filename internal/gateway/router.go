package gateway

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// RouterConfig assembles the gateway's middleware chain.
type RouterConfig struct {
	Filter      gin.HandlerFunc
	Proxy       http.Handler
	Metrics     http.Handler
	Middlewares []gin.HandlerFunc
	// TrustedProxies lists the addresses or CIDRs allowed to set
	// X-Forwarded-For. Empty trusts none, so client addresses come from the
	// connection itself.
	TrustedProxies []string
}

// NewRouter mounts health and metrics endpoints and sends everything else
// through the filter to the proxy. Middlewares run before the filter.
func NewRouter(configuration RouterConfig) (*gin.Engine, error) {
	router := gin.New()
	if err := router.SetTrustedProxies(configuration.TrustedProxies); err != nil {
		return nil, fmt.Errorf("gateway.router.trusted_proxies: %w", err)
	}
	router.Use(gin.Recovery())
	router.Use(configuration.Middlewares...)
	router.Use(configuration.Filter)
	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"ok": true})
	})
	if configuration.Metrics != nil {
		router.GET("/metrics", gin.WrapH(configuration.Metrics))
	}
	router.NoRoute(gin.WrapH(configuration.Proxy))
	return router, nil
}
