package main

import (
	"net/http"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/delegauth/internal/resource"
	"github.com/tyemirov/delegauth/internal/storage"
	"github.com/tyemirov/delegauth/pkg/credential"
	"github.com/tyemirov/delegauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

type resourceConfig struct {
	ListenAddr   string
	SigningKey   *credential.SigningKey
	Issuer       string
	AuthorityURL string
	DatabaseURL  string
}

func newResourceCommand() *cobra.Command {
	command := &cobra.Command{
		Use:     "resource",
		Short:   "Run the resource service that verifies credentials locally and escalates executors",
		PreRunE: prepareResourceConfig,
		RunE:    runResource,
	}
	flags := command.Flags()
	flags.String("listen_addr", ":8082", "HTTP listen address")
	flags.String("jwt_signing_key", "", "HS256 signing secret shared with the authority")
	flags.String("jwt_issuer", defaultIssuer, "Issuer required from credentials")
	flags.String("authority_url", "", "Base URL of the authority used by the escalation bridge")
	flags.String("database_url", "", "Database URL for mirrored subjects (postgres:// or sqlite://); empty keeps them in memory")
	return command
}

func prepareResourceConfig(command *cobra.Command, arguments []string) error {
	if err := bindCommandFlags(command); err != nil {
		return err
	}
	configuration, loadErr := LoadResourceConfig()
	if loadErr != nil {
		return loadErr
	}
	storeCommandConfig(command, configuration)
	return nil
}

// LoadResourceConfig reads and validates the resource service settings from viper.
func LoadResourceConfig() (resourceConfig, error) {
	signingKey, issuer, keyErr := loadSigningKey()
	if keyErr != nil {
		return resourceConfig{}, keyErr
	}
	authorityURL := strings.TrimSpace(viper.GetString("authority_url"))
	if authorityURL == "" {
		return resourceConfig{}, configError(configCodeMissingAuthorityURL, "authority_url must be provided")
	}
	if err := validateUpstreamURL("authority_url", authorityURL); err != nil {
		return resourceConfig{}, err
	}
	return resourceConfig{
		ListenAddr:   viper.GetString("listen_addr"),
		SigningKey:   signingKey,
		Issuer:       issuer,
		AuthorityURL: authorityURL,
		DatabaseURL:  strings.TrimSpace(viper.GetString("database_url")),
	}, nil
}

func runResource(command *cobra.Command, arguments []string) error {
	configuration, configErr := loadCommandConfig[resourceConfig](command)
	if configErr != nil {
		return configErr
	}
	logger, loggerErr := buildLogger()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	var mirror resource.MirrorStore
	if configuration.DatabaseURL == "" {
		mirror = resource.NewMemoryMirrorStore()
		logger.Info("using in-memory mirror store")
	} else {
		database, openErr := storage.Open(command.Context(), configuration.DatabaseURL, resource.Models()...)
		if openErr != nil {
			return configError(configCodeStorageInit, openErr.Error())
		}
		defer func() { _ = database.Close() }()
		mirror = resource.NewDatabaseMirrorStore(database)
		logger.Info("using persistent mirror store", zap.String("driver", database.Driver))
	}

	validator, validatorErr := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: configuration.SigningKey,
		Issuer:     configuration.Issuer,
	})
	if validatorErr != nil {
		return validatorErr
	}
	bridge, bridgeErr := resource.NewBridge(resource.BridgeConfig{
		AuthorityURL: configuration.AuthorityURL,
		Client:       &http.Client{},
		Mirror:       mirror,
		Logger:       logger,
	})
	if bridgeErr != nil {
		return bridgeErr
	}

	router := newBaseRouter(logger)
	router.GET("/healthz", healthHandler)
	resource.MountRoutes(router, validator, bridge, mirror, logger)
	return runHTTPServer(logger, configuration.ListenAddr, router)
}
