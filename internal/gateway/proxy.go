package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// ErrInvalidUpstream indicates an upstream route with an unusable target.
var ErrInvalidUpstream = errors.New("gateway.invalid_upstream")

// Route sends every path under Prefix to Target.
type Route struct {
	Prefix string
	Target string
}

type upstream struct {
	prefix string
	proxy  *httputil.ReverseProxy
}

// Proxy forwards requests unchanged to the upstream owning the longest matching prefix.
type Proxy struct {
	upstreams []upstream
	logger    *zap.Logger
}

// NewProxy validates routes and builds one reverse proxy per upstream.
func NewProxy(routes []Route, transport http.RoundTripper, logger *zap.Logger) (*Proxy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	upstreams := make([]upstream, 0, len(routes))
	for _, route := range routes {
		target, err := url.Parse(strings.TrimSpace(route.Target))
		if err != nil || target.Scheme == "" || target.Host == "" {
			return nil, fmt.Errorf("gateway.new_proxy: %w: %q", ErrInvalidUpstream, route.Target)
		}
		if !strings.HasPrefix(route.Prefix, "/") {
			return nil, fmt.Errorf("gateway.new_proxy: %w: prefix %q", ErrInvalidUpstream, route.Prefix)
		}
		upstreams = append(upstreams, upstream{
			prefix: route.Prefix,
			proxy:  newReverseProxy(target, transport, logger),
		})
	}
	sort.SliceStable(upstreams, func(left, right int) bool {
		return len(upstreams[left].prefix) > len(upstreams[right].prefix)
	})
	return &Proxy{upstreams: upstreams, logger: logger}, nil
}

func newReverseProxy(target *url.URL, transport http.RoundTripper, logger *zap.Logger) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(request *httputil.ProxyRequest) {
			request.SetURL(target)
			request.SetXForwarded()
		},
		Transport: transport,
		ErrorHandler: func(writer http.ResponseWriter, request *http.Request, err error) {
			logger.Error("upstream request failed",
				zap.String("code", "gateway.upstream_failed"),
				zap.String("upstream", target.Host),
				zap.String("path", request.URL.Path),
				zap.Error(err))
			writer.Header().Set("Content-Type", "application/json")
			writer.WriteHeader(http.StatusBadGateway)
			_, _ = writer.Write([]byte(`{"error":"upstream_unavailable"}`))
		},
	}
}

// ServeHTTP implements http.Handler.
func (proxy *Proxy) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	for _, candidate := range proxy.upstreams {
		if strings.HasPrefix(request.URL.Path, candidate.prefix) {
			candidate.proxy.ServeHTTP(writer, request)
			return
		}
	}
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(http.StatusNotFound)
	_, _ = writer.Write([]byte(`{"error":"no_upstream"}`))
}
