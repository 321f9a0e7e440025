package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/delegauth/internal/authkit"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
	return authkit.NewGoogleTokenValidator(ctx)
}

var buildLogger = func() (*zap.Logger, error) {
	return zap.NewProduction()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "delegauth",
		Short: "Credential authority, edge gateway and resource service with delegated token validation",
		PersistentPreRunE: func(command *cobra.Command, arguments []string) error {
			_ = godotenv.Load()
			return nil
		},
		SilenceUsage: true,
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	rootCmd.AddCommand(newAuthorityCommand(), newGatewayCommand(), newResourceCommand())
	return rootCmd
}

const (
	configCodeUninitializedConfig = "config.uninitialized_config"
	configCodeMissingSigningKey   = "config.missing_jwt_signing_key"
	configCodeInvalidSigningKey   = "config.invalid_jwt_signing_key"
	configCodeMissingIssuer       = "config.missing_jwt_issuer"
	configCodeMissingAuthorityURL = "config.missing_authority_url"
	configCodeInvalidCORS         = "config.invalid_cors_allowed_origins"
)

type contextKey string

const commandConfigContextKey contextKey = "commandConfig"

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// bindCommandFlags binds the executing command's flags so that subcommands
// sharing a key (jwt_signing_key, authority_url) do not shadow each other.
func bindCommandFlags(command *cobra.Command) error {
	return viper.BindPFlags(command.Flags())
}

func storeCommandConfig(command *cobra.Command, configuration any) {
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, commandConfigContextKey, configuration))
}

func loadCommandConfig[T any](command *cobra.Command) (T, error) {
	var zero T
	commandContext := command.Context()
	if commandContext == nil {
		return zero, configError(configCodeUninitializedConfig, "configuration not prepared; PreRunE must execute before RunE")
	}
	configuration, ok := commandContext.Value(commandConfigContextKey).(T)
	if !ok {
		return zero, configError(configCodeUninitializedConfig, "configuration not prepared; PreRunE must execute before RunE")
	}
	return configuration, nil
}

func newBaseRouter(logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))
	return router
}

func ginMetricsHandler(gatherer prometheus.Gatherer) gin.HandlerFunc {
	return gin.WrapH(authkit.MetricsHandler(gatherer))
}

func healthHandler(contextGin *gin.Context) {
	contextGin.JSON(http.StatusOK, gin.H{"ok": true})
}

func runHTTPServer(logger *zap.Logger, listenAddr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
