package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type countingRecorder struct {
	mutex  sync.Mutex
	counts map[string]int
}

func (recorder *countingRecorder) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	if recorder.counts == nil {
		recorder.counts = make(map[string]int)
	}
	recorder.counts[event]++
}

func (recorder *countingRecorder) count(event string) int {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// newAuthorityStub answers validate-token with handler and records every token it saw.
func newAuthorityStub(t *testing.T, handler func(token string, writer http.ResponseWriter)) (*httptest.Server, *[]string) {
	t.Helper()
	var mutex sync.Mutex
	seen := []string{}
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != validateTokenPath || request.Method != http.MethodPost {
			writer.WriteHeader(http.StatusNotFound)
			return
		}
		var inbound validateTokenRequest
		_ = json.NewDecoder(request.Body).Decode(&inbound)
		mutex.Lock()
		seen = append(seen, inbound.Token)
		mutex.Unlock()
		handler(inbound.Token, writer)
	}))
	t.Cleanup(server.Close)
	return server, &seen
}

func TestRemoteValidator(t *testing.T) {
	server, seen := newAuthorityStub(t, func(token string, writer http.ResponseWriter) {
		switch token {
		case "live":
			_, _ = io.WriteString(writer, "true")
		case "dead":
			_, _ = io.WriteString(writer, "false")
		case "boom":
			writer.WriteHeader(http.StatusInternalServerError)
		case "slow":
			time.Sleep(200 * time.Millisecond)
			_, _ = io.WriteString(writer, "true")
		default:
			_, _ = io.WriteString(writer, `{"unexpected":"shape"}`)
		}
	})
	validator, err := NewRemoteValidator(server.URL+"/", server.Client(), 50*time.Millisecond)
	require.NoError(t, err)
	ctx := context.Background()

	valid, err := validator.Validate(ctx, "live")
	require.NoError(t, err)
	require.True(t, valid)

	valid, err = validator.Validate(ctx, "dead")
	require.NoError(t, err)
	require.False(t, valid)

	valid, err = validator.Validate(ctx, "boom")
	require.ErrorIs(t, err, ErrValidationStatus)
	require.False(t, valid)

	valid, err = validator.Validate(ctx, "slow")
	require.ErrorIs(t, err, ErrValidationTransport)
	require.False(t, valid)

	valid, err = validator.Validate(ctx, "weird")
	require.ErrorIs(t, err, ErrValidationTransport)
	require.False(t, valid)

	require.Equal(t, []string{"live", "dead", "boom", "slow", "weird"}, *seen)

	_, err = NewRemoteValidator("  ", nil, 0)
	require.ErrorIs(t, err, ErrMissingAuthorityURL)
}

func TestRemoteValidatorUnreachableAuthority(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	address := server.URL
	server.Close()

	validator, err := NewRemoteValidator(address, nil, time.Second)
	require.NoError(t, err)
	valid, err := validator.Validate(context.Background(), "live")
	require.ErrorIs(t, err, ErrValidationTransport)
	require.False(t, valid)
}

type stubValidator struct {
	valid bool
	err   error

	mutex sync.Mutex
	calls int
}

func (stub *stubValidator) Validate(ctx context.Context, accessText string) (bool, error) {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	stub.calls++
	return stub.valid, stub.err
}

func (stub *stubValidator) callCount() int {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	return stub.calls
}

func filterRouter(t *testing.T, validator TokenValidator, events EventRecorder) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Filter(FilterConfig{Validator: validator, Logger: zaptest.NewLogger(t), Events: events}))
	router.NoRoute(func(contextGin *gin.Context) {
		contextGin.String(http.StatusOK, "upstream")
	})
	return router
}

func TestFilterDecisions(t *testing.T) {
	testCases := []struct {
		name          string
		path          string
		bearer        string
		validator     *stubValidator
		status        int
		validatorUsed bool
	}{
		{name: "public login", path: "/auth/login", validator: &stubValidator{}, status: http.StatusOK},
		{name: "public google nonce", path: "/auth/google/nonce", validator: &stubValidator{}, status: http.StatusOK},
		{name: "public health", path: "/healthz", validator: &stubValidator{}, status: http.StatusOK},
		{name: "lookalike prefix is not public", path: "/auth/loginx", validator: &stubValidator{valid: true}, status: http.StatusUnauthorized},
		{name: "missing bearer", path: "/api/me", validator: &stubValidator{valid: true}, status: http.StatusUnauthorized},
		{name: "accepted", path: "/api/me", bearer: "live", validator: &stubValidator{valid: true}, status: http.StatusOK, validatorUsed: true},
		{name: "rejected", path: "/api/me", bearer: "dead", validator: &stubValidator{valid: false}, status: http.StatusUnauthorized, validatorUsed: true},
		{name: "validator failure fails closed", path: "/auth/executor/4", bearer: "live", validator: &stubValidator{valid: true, err: errors.New("down")}, status: http.StatusUnauthorized, validatorUsed: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			router := filterRouter(t, testCase.validator, nil)
			request := httptest.NewRequest(http.MethodGet, testCase.path, nil)
			if testCase.bearer != "" {
				request.Header.Set("Authorization", "Bearer "+testCase.bearer)
			}
			recorder := httptest.NewRecorder()
			router.ServeHTTP(recorder, request)
			require.Equal(t, testCase.status, recorder.Code)
			require.Equal(t, testCase.validatorUsed, testCase.validator.callCount() == 1)
		})
	}
}

func TestFilterRecordsEvents(t *testing.T) {
	events := &countingRecorder{}
	router := filterRouter(t, &stubValidator{err: errors.New("down")}, events)
	request := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	request.Header.Set("Authorization", "Bearer x")
	router.ServeHTTP(httptest.NewRecorder(), request)
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/auth/login", nil))
	require.Equal(t, 1, events.count(EventValidatorFailed))
	require.Equal(t, 1, events.count(EventPublic))
}

func TestProxyRoutesByLongestPrefix(t *testing.T) {
	authority := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		_, _ = io.WriteString(writer, "authority "+request.URL.Path+" "+request.Header.Get("Authorization"))
	}))
	t.Cleanup(authority.Close)
	resource := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		_, _ = io.WriteString(writer, "resource "+request.URL.RequestURI())
	}))
	t.Cleanup(resource.Close)

	proxy, err := NewProxy([]Route{
		{Prefix: "/auth/", Target: authority.URL},
		{Prefix: "/api/", Target: resource.URL},
	}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	request := httptest.NewRequest(http.MethodPost, "/auth/executor/7", nil)
	request.Header.Set("Authorization", "Bearer abc")
	recorder := httptest.NewRecorder()
	proxy.ServeHTTP(recorder, request)
	require.Equal(t, "authority /auth/executor/7 Bearer abc", recorder.Body.String())

	recorder = httptest.NewRecorder()
	proxy.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/me?verbose=1", nil))
	require.Equal(t, "resource /api/me?verbose=1", recorder.Body.String())

	recorder = httptest.NewRecorder()
	proxy.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/elsewhere", nil))
	require.Equal(t, http.StatusNotFound, recorder.Code)

	_, err = NewProxy([]Route{{Prefix: "/api/", Target: "not a url"}}, nil, nil)
	require.ErrorIs(t, err, ErrInvalidUpstream)
}

func TestProxyUnavailableUpstream(t *testing.T) {
	closed := httptest.NewServer(http.NotFoundHandler())
	address := closed.URL
	closed.Close()

	proxy, err := NewProxy([]Route{{Prefix: "/api/", Target: address}}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	recorder := httptest.NewRecorder()
	proxy.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	require.Equal(t, http.StatusBadGateway, recorder.Code)
	require.True(t, strings.Contains(recorder.Body.String(), "upstream_unavailable"))
}

func TestRateLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	events := &countingRecorder{}
	limiter := NewRateLimiter(3, 1, events)
	frozen := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return frozen }

	router := gin.New()
	router.Use(limiter.Middleware())
	router.NoRoute(func(contextGin *gin.Context) { contextGin.Status(http.StatusOK) })

	send := func(path string, remote string) int {
		request := httptest.NewRequest(http.MethodPost, path, nil)
		request.RemoteAddr = remote
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, request)
		return recorder.Code
	}

	require.Equal(t, http.StatusOK, send("/auth/login", "10.0.0.1:1000"))
	require.Equal(t, http.StatusTooManyRequests, send("/auth/login", "10.0.0.1:1000"))
	for index := 0; index < 3; index++ {
		require.Equal(t, http.StatusOK, send("/api/me", "10.0.0.1:1000"))
	}
	require.Equal(t, http.StatusTooManyRequests, send("/api/me", "10.0.0.1:1000"))
	require.Equal(t, http.StatusOK, send("/auth/login", "10.0.0.2:1000"))
	require.Equal(t, 2, events.count(EventRateLimited))

	frozen = frozen.Add(time.Minute)
	require.Equal(t, http.StatusOK, send("/auth/login", "10.0.0.1:1000"))
}

func TestNewRouterServesHealthAndProxies(t *testing.T) {
	gin.SetMode(gin.TestMode)
	upstream := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		_, _ = io.WriteString(writer, "ok")
	}))
	t.Cleanup(upstream.Close)
	proxy, err := NewProxy([]Route{{Prefix: "/api/", Target: upstream.URL}}, nil, nil)
	require.NoError(t, err)
	validator := &stubValidator{valid: true}
	router, err := NewRouter(RouterConfig{
		Filter: Filter(FilterConfig{Validator: validator}),
		Proxy:  proxy,
	})
	require.NoError(t, err)
	gatewayServer := httptest.NewServer(router)
	t.Cleanup(gatewayServer.Close)

	response, err := gatewayServer.Client().Get(gatewayServer.URL + "/healthz")
	require.NoError(t, err)
	_ = response.Body.Close()
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.Zero(t, validator.callCount())

	request, err := http.NewRequest(http.MethodGet, gatewayServer.URL+"/api/me", nil)
	require.NoError(t, err)
	request.Header.Set("Authorization", "Bearer live")
	response, err = gatewayServer.Client().Do(request)
	require.NoError(t, err)
	body, err := io.ReadAll(response.Body)
	_ = response.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.Equal(t, "ok", string(body))
	require.Equal(t, 1, validator.callCount())

	validator.mutex.Lock()
	validator.valid = false
	validator.mutex.Unlock()
	response, err = gatewayServer.Client().Do(request)
	require.NoError(t, err)
	_ = response.Body.Close()
	require.Equal(t, http.StatusUnauthorized, response.StatusCode)
}

func TestNewRouterIgnoresForwardedForFromUntrustedPeers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	upstream := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		_, _ = io.WriteString(writer, "ok")
	}))
	t.Cleanup(upstream.Close)
	proxy, err := NewProxy([]Route{{Prefix: "/auth/", Target: upstream.URL}}, nil, nil)
	require.NoError(t, err)
	events := &countingRecorder{}
	limiter := NewRateLimiter(100, 1, events)
	router, err := NewRouter(RouterConfig{
		Filter:      Filter(FilterConfig{Validator: &stubValidator{}}),
		Proxy:       proxy,
		Middlewares: []gin.HandlerFunc{limiter.Middleware()},
	})
	require.NoError(t, err)
	gatewayServer := httptest.NewServer(router)
	t.Cleanup(gatewayServer.Close)

	login := func(forwardedFor string) int {
		request, requestErr := http.NewRequest(http.MethodPost, gatewayServer.URL+"/auth/login", nil)
		require.NoError(t, requestErr)
		request.Header.Set("X-Forwarded-For", forwardedFor)
		response, doErr := gatewayServer.Client().Do(request)
		require.NoError(t, doErr)
		_ = response.Body.Close()
		return response.StatusCode
	}

	require.Equal(t, http.StatusOK, login("203.0.113.1"))
	require.Equal(t, http.StatusTooManyRequests, login("203.0.113.2"))
	require.Equal(t, 1, events.count(EventRateLimited))

	_, err = NewRouter(RouterConfig{Filter: Filter(FilterConfig{Validator: &stubValidator{}}), Proxy: proxy, TrustedProxies: []string{"not-an-address"}})
	require.Error(t, err)
}
