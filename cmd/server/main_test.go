package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/delegauth/internal/authkit"
	"go.uber.org/zap"
	"google.golang.org/api/idtoken"
)

const testSigningSecret = "test-signing-secret-0123456789abcdef"

func TestZapLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	logger, err := zap.NewProduction()
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	router := gin.New()
	router.Use(zapLoggerMiddleware(logger))
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
}

func TestRunCommandsMissingConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	runners := map[string]func(*cobra.Command, []string) error{
		"authority": runAuthority,
		"gateway":   runGateway,
		"resource":  runResource,
	}
	expectedMessage := "config.uninitialized_config: configuration not prepared; PreRunE must execute before RunE"
	for name, runner := range runners {
		err := runner(&cobra.Command{}, nil)
		if err == nil || err.Error() != expectedMessage {
			t.Fatalf("%s: expected error %q, got %v", name, expectedMessage, err)
		}
	}
}

func TestLoadCommandConfigRejectsForeignType(t *testing.T) {
	command := &cobra.Command{}
	storeCommandConfig(command, gatewayConfig{})
	if _, err := loadCommandConfig[authorityConfig](command); err == nil {
		t.Fatalf("expected a gateway config to be rejected for the authority")
	}
}

func setAuthorityDefaults() {
	viper.Set("listen_addr", ":0")
	viper.Set("jwt_signing_key", testSigningSecret)
	viper.Set("jwt_issuer", "delegauth-test")
	viper.Set("access_ttl", time.Minute)
	viper.Set("refresh_ttl", time.Hour)
	viper.Set("code_ttl", 5*time.Minute)
}

func TestLoadAuthorityConfigErrors(t *testing.T) {
	testCases := []struct {
		name            string
		override        map[string]any
		expectedMessage string
	}{
		{
			name:            "missing signing key",
			override:        map[string]any{"jwt_signing_key": ""},
			expectedMessage: "config.missing_jwt_signing_key: jwt_signing_key must be provided",
		},
		{
			name:            "short signing key",
			override:        map[string]any{"jwt_signing_key": "short"},
			expectedMessage: "config.invalid_jwt_signing_key:",
		},
		{
			name:            "missing issuer",
			override:        map[string]any{"jwt_issuer": "  "},
			expectedMessage: "config.missing_jwt_issuer: jwt_issuer must be provided",
		},
		{
			name:            "zero access ttl",
			override:        map[string]any{"access_ttl": 0},
			expectedMessage: "config.invalid_access_ttl: access_ttl must be greater than zero",
		},
		{
			name:            "refresh not longer than access",
			override:        map[string]any{"refresh_ttl": time.Minute},
			expectedMessage: "config.invalid_refresh_ttl: refresh_ttl must be greater than access_ttl",
		},
		{
			name:            "zero code ttl",
			override:        map[string]any{"code_ttl": 0},
			expectedMessage: "config.invalid_code_ttl: code_ttl must be greater than zero",
		},
		{
			name:            "pgx without database",
			override:        map[string]any{"session_store": "pgx"},
			expectedMessage: "config.missing_database_url: database_url must be provided for session_store pgx",
		},
		{
			name:            "unknown session store",
			override:        map[string]any{"session_store": "redis"},
			expectedMessage: "config.invalid_session_store: session_store must be memory, database or pgx",
		},
		{
			name:            "bootstrap password without email",
			override:        map[string]any{"bootstrap_admin_password": "secret"},
			expectedMessage: "config.incomplete_bootstrap_admin: bootstrap_admin_password requires bootstrap_admin_email",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()
			setAuthorityDefaults()
			for key, value := range testCase.override {
				viper.Set(key, value)
			}

			_, err := LoadAuthorityConfig()
			if err == nil {
				t.Fatalf("expected configuration error")
			}
			if !strings.HasPrefix(err.Error(), testCase.expectedMessage) {
				t.Fatalf("expected error %q, got %q", testCase.expectedMessage, err.Error())
			}
		})
	}
}

func TestLoadAuthorityConfigDefaultsSessionStore(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	setAuthorityDefaults()

	configuration, err := LoadAuthorityConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if configuration.SessionStore != sessionStoreMemory {
		t.Fatalf("expected memory session store without a database, got %q", configuration.SessionStore)
	}
	if configuration.NonceTTL != defaultNonceTTL {
		t.Fatalf("expected default nonce ttl, got %s", configuration.NonceTTL)
	}

	viper.Set("database_url", "sqlite:///tmp/delegauth.db")
	configuration, err = LoadAuthorityConfig()
	if err != nil {
		t.Fatalf("load with database: %v", err)
	}
	if configuration.SessionStore != sessionStoreDatabase {
		t.Fatalf("expected database session store, got %q", configuration.SessionStore)
	}
}

func TestRunAuthorityValidatorInitFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		return http.ErrServerClosed
	})
	defer restoreServe()
	restoreLogger := withNopLogger()
	defer restoreLogger()

	restoreValidator := withGoogleValidatorBuilderStub(func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
		return nil, errors.New("validator_fail")
	})
	defer restoreValidator()

	setAuthorityDefaults()
	viper.Set("google_web_client_id", "client")

	configuration, err := LoadAuthorityConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}

	command := commandWithConfig(configuration)
	if err := runAuthority(command, nil); err == nil || err.Error() != "config.google_validator_init: validator_fail" {
		t.Fatalf("expected google validator init error, got %v", err)
	}
}

func TestRunAuthoritySuccess(t *testing.T) {
	gin.SetMode(gin.TestMode)

	testCases := []struct {
		name        string
		databaseURL string
	}{
		{name: "in-memory stores"},
		{name: "sqlite stores", databaseURL: "sqlite://" + filepath.Join(t.TempDir(), "authority.db")},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()

			var served http.Handler
			restoreServe := withServeHTTPStub(func(server *http.Server) error {
				served = server.Handler
				return http.ErrServerClosed
			})
			defer restoreServe()
			restoreLogger := withNopLogger()
			defer restoreLogger()
			restoreValidator := withGoogleValidatorBuilderStub(func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
				return noopGoogleValidator{}, nil
			})
			defer restoreValidator()

			setAuthorityDefaults()
			viper.Set("google_web_client_id", "client")
			viper.Set("database_url", testCase.databaseURL)
			viper.Set("bootstrap_admin_email", "root@example.com")
			viper.Set("bootstrap_admin_password", "correct horse battery")

			configuration, err := LoadAuthorityConfig()
			if err != nil {
				t.Fatalf("expected configuration load to succeed, got %v", err)
			}
			if err := runAuthority(commandWithConfig(configuration), nil); err != nil {
				t.Fatalf("expected runAuthority to succeed, got %v", err)
			}
			if served == nil {
				t.Fatalf("expected handler to be configured")
			}

			for _, path := range []string{"/healthz", "/metrics"} {
				recorder := httptest.NewRecorder()
				served.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, path, nil))
				if recorder.Code != http.StatusOK {
					t.Fatalf("%s: expected 200, got %d", path, recorder.Code)
				}
			}
		})
	}
}

func setGatewayDefaults() {
	viper.Set("listen_addr", ":0")
	viper.Set("authority_url", "http://authority.internal:8081")
	viper.Set("resource_url", "http://resource.internal:8082")
	viper.Set("validation_timeout", time.Second)
	viper.Set("rate_limit_rpm", 60)
	viper.Set("credential_rate_limit_rpm", 10)
}

func TestLoadGatewayConfigErrors(t *testing.T) {
	testCases := []struct {
		name            string
		override        map[string]any
		expectedMessage string
	}{
		{
			name:            "missing authority",
			override:        map[string]any{"authority_url": ""},
			expectedMessage: "config.missing_authority_url: authority_url must be provided",
		},
		{
			name:            "relative authority",
			override:        map[string]any{"authority_url": "authority:8081"},
			expectedMessage: "config.invalid_upstream_url: authority_url must be an absolute URL",
		},
		{
			name:            "missing resource",
			override:        map[string]any{"resource_url": ""},
			expectedMessage: "config.missing_resource_url: resource_url must be provided",
		},
		{
			name:            "zero validation timeout",
			override:        map[string]any{"validation_timeout": 0},
			expectedMessage: "config.invalid_validation_timeout: validation_timeout must be greater than zero",
		},
		{
			name:            "cors without origins",
			override:        map[string]any{"enable_cors": true},
			expectedMessage: "config.invalid_cors_allowed_origins: cors_allowed_origins must be provided when enable_cors is true",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()
			setGatewayDefaults()
			for key, value := range testCase.override {
				viper.Set(key, value)
			}

			_, err := LoadGatewayConfig()
			if err == nil || err.Error() != testCase.expectedMessage {
				t.Fatalf("expected error %q, got %v", testCase.expectedMessage, err)
			}
		})
	}
}

func TestRunGatewayFailsClosedWithoutAuthority(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	var served http.Handler
	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		served = server.Handler
		return http.ErrServerClosed
	})
	defer restoreServe()
	restoreLogger := withNopLogger()
	defer restoreLogger()

	setGatewayDefaults()
	viper.Set("authority_url", "http://127.0.0.1:1")
	viper.Set("enable_cors", true)
	viper.Set("cors_allowed_origins", []string{"https://app.example.com"})

	configuration, err := LoadGatewayConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := runGateway(commandWithConfig(configuration), nil); err != nil {
		t.Fatalf("expected runGateway to succeed, got %v", err)
	}

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	request.Header.Set("Authorization", "Bearer some-credential")
	served.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 when the authority is unreachable, got %d", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	served.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", recorder.Code)
	}
}

func TestLoadResourceConfigErrors(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("jwt_issuer", "delegauth-test")
	viper.Set("authority_url", "http://authority.internal:8081")
	if _, err := LoadResourceConfig(); err == nil || err.Error() != "config.missing_jwt_signing_key: jwt_signing_key must be provided" {
		t.Fatalf("expected missing signing key error, got %v", err)
	}

	viper.Set("jwt_signing_key", testSigningSecret)
	viper.Set("authority_url", "")
	if _, err := LoadResourceConfig(); err == nil || err.Error() != "config.missing_authority_url: authority_url must be provided" {
		t.Fatalf("expected missing authority error, got %v", err)
	}
}

func TestRunResourceSuccess(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	var served http.Handler
	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		served = server.Handler
		return http.ErrServerClosed
	})
	defer restoreServe()
	restoreLogger := withNopLogger()
	defer restoreLogger()

	viper.Set("listen_addr", ":0")
	viper.Set("jwt_signing_key", testSigningSecret)
	viper.Set("jwt_issuer", "delegauth-test")
	viper.Set("authority_url", "http://authority.internal:8081")
	viper.Set("database_url", "sqlite://"+filepath.Join(t.TempDir(), "resource.db"))

	configuration, err := LoadResourceConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := runResource(commandWithConfig(configuration), nil); err != nil {
		t.Fatalf("expected runResource to succeed, got %v", err)
	}

	recorder := httptest.NewRecorder()
	served.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a bearer, got %d", recorder.Code)
	}
}

func TestNewRootCommandHelp(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--help"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("expected help execution to succeed: %v", err)
	}
	for _, name := range []string{"authority", "gateway", "resource"} {
		if found, _, err := cmd.Find([]string{name}); err != nil || found.Name() != name {
			t.Fatalf("expected subcommand %q, got %v", name, err)
		}
	}
}

func commandWithConfig(configuration any) *cobra.Command {
	command := &cobra.Command{}
	command.SetContext(context.Background())
	storeCommandConfig(command, configuration)
	return command
}

func withServeHTTPStub(stub func(server *http.Server) error) func() {
	previous := serveHTTP
	serveHTTP = stub
	return func() {
		serveHTTP = previous
	}
}

func withNopLogger() func() {
	previous := buildLogger
	buildLogger = func() (*zap.Logger, error) { return zap.NewNop(), nil }
	return func() {
		buildLogger = previous
	}
}

type noopGoogleValidator struct{}

func (noopGoogleValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	return &idtoken.Payload{}, nil
}

func withGoogleValidatorBuilderStub(stub func(ctx context.Context) (authkit.GoogleTokenValidator, error)) func() {
	previous := buildGoogleTokenValidator
	buildGoogleTokenValidator = stub
	return func() {
		buildGoogleTokenValidator = previous
	}
}
