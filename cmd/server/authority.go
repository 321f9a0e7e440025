package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/delegauth/internal/authkit"
	"github.com/tyemirov/delegauth/internal/authkitpg"
	"github.com/tyemirov/delegauth/internal/storage"
	"github.com/tyemirov/delegauth/pkg/credential"
	"go.uber.org/zap"
)

const (
	sessionStoreMemory   = "memory"
	sessionStoreDatabase = "database"
	sessionStorePgx      = "pgx"

	defaultIssuer   = "delegauth"
	defaultNonceTTL = 5 * time.Minute

	metricsNamespaceAuthority = "delegauth_authority"

	configCodeInvalidAccessTTL      = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL     = "config.invalid_refresh_ttl"
	configCodeInvalidCodeTTL        = "config.invalid_code_ttl"
	configCodeInvalidSessionStore   = "config.invalid_session_store"
	configCodeMissingDatabaseURL    = "config.missing_database_url"
	configCodeIncompleteBootstrap   = "config.incomplete_bootstrap_admin"
	configCodeGoogleValidatorInit   = "config.google_validator_init"
	configCodeStorageInit           = "config.storage_init"
	configCodeBootstrapAdminFailure = "config.bootstrap_admin_failed"
)

type authorityConfig struct {
	ListenAddr             string
	SigningKey             *credential.SigningKey
	Issuer                 string
	Server                 authkit.ServerConfig
	DatabaseURL            string
	SessionStore           string
	NonceTTL               time.Duration
	BootstrapAdminEmail    string
	BootstrapAdminPassword string
}

func newAuthorityCommand() *cobra.Command {
	command := &cobra.Command{
		Use:     "authority",
		Short:   "Run the credential authority: registration, login, refresh, validation and role assignment",
		PreRunE: prepareAuthorityConfig,
		RunE:    runAuthority,
	}
	flags := command.Flags()
	flags.String("listen_addr", ":8081", "HTTP listen address")
	flags.String("jwt_signing_key", "", "HS256 signing secret shared with resource services (prefix with base64: for encoded keys)")
	flags.String("jwt_issuer", defaultIssuer, "Issuer stamped into and required from credentials")
	flags.Duration("access_ttl", authkit.DefaultAccessTTL, "Access credential lifetime")
	flags.Duration("refresh_ttl", authkit.DefaultRefreshTTL, "Refresh credential lifetime")
	flags.Duration("code_ttl", authkit.DefaultCodeTTL, "Verification code lifetime")
	flags.String("database_url", "", "Database URL (postgres:// or sqlite://); empty keeps everything in memory")
	flags.String("session_store", "", "Session store: memory, database or pgx; defaults to database when database_url is set")
	flags.String("google_web_client_id", "", "Google Web OAuth Client ID; empty disables Google Sign-In")
	flags.Duration("nonce_ttl", defaultNonceTTL, "Nonce lifetime for Google Sign-In exchanges")
	flags.Bool("require_verified_login", false, "Refuse password login until the email is verified")
	flags.String("bootstrap_admin_email", "", "Email of an administrator created or promoted at startup")
	flags.String("bootstrap_admin_password", "", "Password for a newly created bootstrap administrator")
	flags.Bool("dev_insecure_http", false, "Allow Google Sign-In over plain HTTP for local dev")
	return command
}

func prepareAuthorityConfig(command *cobra.Command, arguments []string) error {
	if err := bindCommandFlags(command); err != nil {
		return err
	}
	configuration, loadErr := LoadAuthorityConfig()
	if loadErr != nil {
		return loadErr
	}
	storeCommandConfig(command, configuration)
	return nil
}

func loadSigningKey() (*credential.SigningKey, string, error) {
	configuredKey := viper.GetString("jwt_signing_key")
	if strings.TrimSpace(configuredKey) == "" {
		return nil, "", configError(configCodeMissingSigningKey, "jwt_signing_key must be provided")
	}
	signingKey, keyErr := credential.ParseSigningKey(configuredKey)
	if keyErr != nil {
		return nil, "", configError(configCodeInvalidSigningKey, keyErr.Error())
	}
	issuer := strings.TrimSpace(viper.GetString("jwt_issuer"))
	if issuer == "" {
		return nil, "", configError(configCodeMissingIssuer, "jwt_issuer must be provided")
	}
	return signingKey, issuer, nil
}

// LoadAuthorityConfig reads and validates the authority settings from viper.
func LoadAuthorityConfig() (authorityConfig, error) {
	signingKey, issuer, keyErr := loadSigningKey()
	if keyErr != nil {
		return authorityConfig{}, keyErr
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return authorityConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}
	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= accessTTL {
		return authorityConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than access_ttl")
	}
	codeTTL := viper.GetDuration("code_ttl")
	if codeTTL <= 0 {
		return authorityConfig{}, configError(configCodeInvalidCodeTTL, "code_ttl must be greater than zero")
	}

	databaseURL := strings.TrimSpace(viper.GetString("database_url"))
	sessionStore := strings.ToLower(strings.TrimSpace(viper.GetString("session_store")))
	if sessionStore == "" {
		sessionStore = sessionStoreMemory
		if databaseURL != "" {
			sessionStore = sessionStoreDatabase
		}
	}
	switch sessionStore {
	case sessionStoreMemory:
	case sessionStoreDatabase, sessionStorePgx:
		if databaseURL == "" {
			return authorityConfig{}, configError(configCodeMissingDatabaseURL, "database_url must be provided for session_store "+sessionStore)
		}
	default:
		return authorityConfig{}, configError(configCodeInvalidSessionStore, "session_store must be memory, database or pgx")
	}

	nonceTTL := defaultNonceTTL
	if configuredNonceTTL := viper.GetDuration("nonce_ttl"); configuredNonceTTL > 0 {
		nonceTTL = configuredNonceTTL
	}

	bootstrapEmail := strings.TrimSpace(viper.GetString("bootstrap_admin_email"))
	bootstrapPassword := viper.GetString("bootstrap_admin_password")
	if bootstrapEmail == "" && bootstrapPassword != "" {
		return authorityConfig{}, configError(configCodeIncompleteBootstrap, "bootstrap_admin_password requires bootstrap_admin_email")
	}

	return authorityConfig{
		ListenAddr: viper.GetString("listen_addr"),
		SigningKey: signingKey,
		Issuer:     issuer,
		Server: authkit.ServerConfig{
			AccessTTL:            accessTTL,
			RefreshTTL:           refreshTTL,
			CodeTTL:              codeTTL,
			RequireVerifiedLogin: viper.GetBool("require_verified_login"),
			GoogleWebClientID:    strings.TrimSpace(viper.GetString("google_web_client_id")),
			AllowInsecureHTTP:    viper.GetBool("dev_insecure_http"),
		},
		DatabaseURL:            databaseURL,
		SessionStore:           sessionStore,
		NonceTTL:               nonceTTL,
		BootstrapAdminEmail:    bootstrapEmail,
		BootstrapAdminPassword: bootstrapPassword,
	}, nil
}

type authorityStores struct {
	users    authkit.UserStore
	sessions authkit.SessionStore
	codes    authkit.CodeStore
	closers  []func()
}

func (stores authorityStores) close() {
	for index := len(stores.closers) - 1; index >= 0; index-- {
		stores.closers[index]()
	}
}

func openAuthorityStores(ctx context.Context, logger *zap.Logger, configuration authorityConfig) (authorityStores, error) {
	if configuration.DatabaseURL == "" {
		logger.Info("using in-memory stores")
		return authorityStores{
			users:    authkit.NewMemoryUserStore(),
			sessions: authkit.NewMemorySessionStore(),
			codes:    authkit.NewMemoryCodeStore(),
		}, nil
	}
	database, openErr := storage.Open(ctx, configuration.DatabaseURL, authkit.Models()...)
	if openErr != nil {
		return authorityStores{}, fmt.Errorf("%s: %w", configCodeStorageInit, openErr)
	}
	stores := authorityStores{
		users:   authkit.NewDatabaseUserStore(database),
		codes:   authkit.NewDatabaseCodeStore(database),
		closers: []func(){func() { _ = database.Close() }},
	}
	switch configuration.SessionStore {
	case sessionStorePgx:
		pool, poolErr := authkitpg.BuildPool(ctx, configuration.DatabaseURL)
		if poolErr != nil {
			stores.close()
			return authorityStores{}, fmt.Errorf("%s: %w", configCodeStorageInit, poolErr)
		}
		stores.closers = append(stores.closers, pool.Close)
		if schemaErr := authkitpg.EnsureSchema(ctx, pool); schemaErr != nil {
			stores.close()
			return authorityStores{}, fmt.Errorf("%s: %w", configCodeStorageInit, schemaErr)
		}
		stores.sessions = authkitpg.NewPostgresSessionStore(pool)
	case sessionStoreMemory:
		stores.sessions = authkit.NewMemorySessionStore()
	default:
		stores.sessions = authkit.NewDatabaseSessionStore(database)
	}
	logger.Info("using persistent stores",
		zap.String("driver", database.Driver),
		zap.String("session_store", configuration.SessionStore))
	return stores, nil
}

func runAuthority(command *cobra.Command, arguments []string) error {
	configuration, configErr := loadCommandConfig[authorityConfig](command)
	if configErr != nil {
		return configErr
	}
	logger, loggerErr := buildLogger()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()
	ctx := command.Context()

	stores, storesErr := openAuthorityStores(ctx, logger, configuration)
	if storesErr != nil {
		return storesErr
	}
	defer stores.close()

	registry := prometheus.NewRegistry()
	metrics := authkit.NewPrometheusMetrics(registry, metricsNamespaceAuthority)
	clock := credential.SystemClock{}

	codec, codecErr := credential.NewCodec(configuration.SigningKey, configuration.Issuer, clock)
	if codecErr != nil {
		return configError(configCodeInvalidSigningKey, codecErr.Error())
	}

	var googleValidator authkit.GoogleTokenValidator
	var nonces authkit.NonceStore
	if configuration.Server.GoogleWebClientID != "" {
		validator, validatorErr := buildGoogleTokenValidator(ctx)
		if validatorErr != nil {
			return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
		}
		googleValidator = validator
		nonces = authkit.NewMemoryNonceStore(configuration.NonceTTL, clock)
	}

	codes := authkit.NewCodeAuthority(configuration.Server, authkit.CodeAuthorityDependencies{
		Users:    stores.users,
		Codes:    stores.codes,
		Notifier: authkit.NewLogNotifier(logger),
		Clock:    clock,
		Logger:   logger,
		Metrics:  metrics,
	})
	authority, authorityErr := authkit.NewAuthority(configuration.Server, authkit.AuthorityDependencies{
		Users:    stores.users,
		Sessions: stores.sessions,
		Codes:    codes,
		Codec:    codec,
		Clock:    clock,
		Logger:   logger,
		Metrics:  metrics,
		Google:   googleValidator,
		Nonces:   nonces,
	})
	if authorityErr != nil {
		return authorityErr
	}

	if configuration.BootstrapAdminEmail != "" {
		if bootstrapErr := authority.BootstrapAdmin(ctx, configuration.BootstrapAdminEmail, configuration.BootstrapAdminPassword); bootstrapErr != nil {
			return fmt.Errorf("%s: %w", configCodeBootstrapAdminFailure, bootstrapErr)
		}
		logger.Info("bootstrap administrator ensured", zap.String("email", configuration.BootstrapAdminEmail))
	}

	router := newBaseRouter(logger)
	router.GET("/healthz", healthHandler)
	router.GET("/metrics", ginMetricsHandler(registry))
	authkit.MountAuthRoutes(router, authority)

	return runHTTPServer(logger, configuration.ListenAddr, router)
}
