package main

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/delegauth/internal/authkit"
	"github.com/tyemirov/delegauth/internal/gateway"
	"github.com/tyemirov/delegauth/internal/web"
)

const (
	metricsNamespaceGateway = "delegauth_gateway"

	configCodeMissingResourceURL     = "config.missing_resource_url"
	configCodeInvalidUpstreamURL     = "config.invalid_upstream_url"
	configCodeInvalidValidationLimit = "config.invalid_validation_timeout"
	configCodeInvalidTrustedProxies  = "config.invalid_trusted_proxies"
)

type gatewayConfig struct {
	ListenAddr             string
	AuthorityURL           string
	ResourceURL            string
	ValidationTimeout      time.Duration
	RateLimitRPM           int
	CredentialRateLimitRPM int
	EnableCORS             bool
	CORSAllowedOrigins     []string
	TrustedProxies         []string
}

func newGatewayCommand() *cobra.Command {
	command := &cobra.Command{
		Use:     "gateway",
		Short:   "Run the edge gateway that delegates every credential check to the authority",
		PreRunE: prepareGatewayConfig,
		RunE:    runGateway,
	}
	flags := command.Flags()
	flags.String("listen_addr", ":8080", "HTTP listen address")
	flags.String("authority_url", "", "Base URL of the authority, e.g. http://authority:8081")
	flags.String("resource_url", "", "Base URL of the resource service, e.g. http://resource:8082")
	flags.Duration("validation_timeout", gateway.DefaultValidationTimeout, "Upper bound for one validate-token call")
	flags.Int("rate_limit_rpm", gateway.DefaultRequestsPerMinute, "Requests per minute per client")
	flags.Int("credential_rate_limit_rpm", gateway.DefaultCredentialRequestsPerMinute, "Requests per minute per client on login, registration and code paths")
	flags.Bool("enable_cors", false, "Enable CORS for browser clients")
	flags.StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	flags.StringSlice("trusted_proxies", []string{}, "Proxy addresses or CIDRs allowed to set X-Forwarded-For; empty trusts none")
	return command
}

func prepareGatewayConfig(command *cobra.Command, arguments []string) error {
	if err := bindCommandFlags(command); err != nil {
		return err
	}
	configuration, loadErr := LoadGatewayConfig()
	if loadErr != nil {
		return loadErr
	}
	storeCommandConfig(command, configuration)
	return nil
}

func validateUpstreamURL(key string, value string) error {
	parsed, err := url.Parse(value)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return configError(configCodeInvalidUpstreamURL, key+" must be an absolute URL")
	}
	return nil
}

// LoadGatewayConfig reads and validates the gateway settings from viper.
func LoadGatewayConfig() (gatewayConfig, error) {
	authorityURL := strings.TrimSpace(viper.GetString("authority_url"))
	if authorityURL == "" {
		return gatewayConfig{}, configError(configCodeMissingAuthorityURL, "authority_url must be provided")
	}
	if err := validateUpstreamURL("authority_url", authorityURL); err != nil {
		return gatewayConfig{}, err
	}
	resourceURL := strings.TrimSpace(viper.GetString("resource_url"))
	if resourceURL == "" {
		return gatewayConfig{}, configError(configCodeMissingResourceURL, "resource_url must be provided")
	}
	if err := validateUpstreamURL("resource_url", resourceURL); err != nil {
		return gatewayConfig{}, err
	}
	validationTimeout := viper.GetDuration("validation_timeout")
	if validationTimeout <= 0 {
		return gatewayConfig{}, configError(configCodeInvalidValidationLimit, "validation_timeout must be greater than zero")
	}
	enableCORS := viper.GetBool("enable_cors")
	origins := viper.GetStringSlice("cors_allowed_origins")
	if enableCORS && len(origins) == 0 {
		return gatewayConfig{}, configError(configCodeInvalidCORS, "cors_allowed_origins must be provided when enable_cors is true")
	}
	return gatewayConfig{
		ListenAddr:             viper.GetString("listen_addr"),
		AuthorityURL:           authorityURL,
		ResourceURL:            resourceURL,
		ValidationTimeout:      validationTimeout,
		RateLimitRPM:           viper.GetInt("rate_limit_rpm"),
		CredentialRateLimitRPM: viper.GetInt("credential_rate_limit_rpm"),
		EnableCORS:             enableCORS,
		CORSAllowedOrigins:     origins,
		TrustedProxies:         viper.GetStringSlice("trusted_proxies"),
	}, nil
}

func runGateway(command *cobra.Command, arguments []string) error {
	configuration, configErr := loadCommandConfig[gatewayConfig](command)
	if configErr != nil {
		return configErr
	}
	logger, loggerErr := buildLogger()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	registry := prometheus.NewRegistry()
	events := authkit.NewPrometheusMetrics(registry, metricsNamespaceGateway)

	validator, validatorErr := gateway.NewRemoteValidator(configuration.AuthorityURL, &http.Client{}, configuration.ValidationTimeout)
	if validatorErr != nil {
		return validatorErr
	}
	proxy, proxyErr := gateway.NewProxy([]gateway.Route{
		{Prefix: "/auth/", Target: configuration.AuthorityURL},
		{Prefix: "/api/", Target: configuration.ResourceURL},
	}, nil, logger)
	if proxyErr != nil {
		return proxyErr
	}

	gin.SetMode(gin.ReleaseMode)
	middlewares := []gin.HandlerFunc{zapLoggerMiddleware(logger)}
	if configuration.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, configuration.CORSAllowedOrigins)
		if corsErr != nil {
			return configError(configCodeInvalidCORS, corsErr.Error())
		}
		middlewares = append(middlewares, corsMiddleware)
	}
	limiter := gateway.NewRateLimiter(configuration.RateLimitRPM, configuration.CredentialRateLimitRPM, events)
	middlewares = append(middlewares, limiter.Middleware())

	router, routerErr := gateway.NewRouter(gateway.RouterConfig{
		Filter: gateway.Filter(gateway.FilterConfig{
			Validator: validator,
			Logger:    logger,
			Events:    events,
		}),
		Proxy:          proxy,
		Metrics:        authkit.MetricsHandler(registry),
		Middlewares:    middlewares,
		TrustedProxies: configuration.TrustedProxies,
	})
	if routerErr != nil {
		return configError(configCodeInvalidTrustedProxies, routerErr.Error())
	}
	return runHTTPServer(logger, configuration.ListenAddr, router)
}
