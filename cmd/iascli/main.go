package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/iasauth/internal/cliauth"
	"github.com/tyemirov/iasauth/internal/iasapi"
	"github.com/tyemirov/iasauth/internal/iasauth"
	"github.com/tyemirov/iasauth/pkg/devicelogin"
	"github.com/tyemirov/iasauth/pkg/oauthtokens"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var newDeviceClock = devicelogin.NewSystemClock

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "iascli",
		Short:         "Sign in to the Industrial App Store from a terminal and call its API",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("issuer_url", iasauth.DefaultIssuerURL, "Industrial App Store base URL; endpoints are derived from it")
	flags.String("device_authorization_endpoint", "", "Override for the device authorization endpoint")
	flags.String("token_endpoint", "", "Override for the OAuth token endpoint")
	flags.String("userinfo_endpoint", "", "Override for the user info endpoint")
	flags.String("api_base_url", "", "IAS API base URL; defaults to issuer_url")
	flags.String("client_id", "", "OAuth client id")
	flags.String("client_secret", "", "OAuth client secret; leave empty for a public client")
	flags.StringSlice("scopes", []string{"UserInfo"}, "OAuth scopes")
	flags.String("credentials_file", "", "Where tokens are stored; defaults to ~/.iascli/credentials.yaml")
	flags.Bool("verbose", false, "Log protocol details to stderr")
	_ = viper.BindPFlags(flags)

	viper.SetEnvPrefix("IAS")
	viper.AutomaticEnv()

	rootCmd.AddCommand(newLoginCommand(), newWhoAmICommand(), newLogoutCommand())
	return rootCmd
}

type cliConfig struct {
	issuerURL       string
	apiBaseURL      string
	clientID        string
	clientSecret    string
	scopes          []string
	endpoints       iasauth.Endpoints
	credentialsPath string
	verbose         bool
}

func loadCLIConfig() (cliConfig, error) {
	clientID := strings.TrimSpace(viper.GetString("client_id"))
	if clientID == "" {
		return cliConfig{}, errors.New("config.missing_client_id: client_id must be provided")
	}
	issuerURL := viper.GetString("issuer_url")
	if issuerURL == "" {
		issuerURL = iasauth.DefaultIssuerURL
	}
	endpoints, err := iasauth.DefaultEndpoints(issuerURL)
	if err != nil {
		return cliConfig{}, fmt.Errorf("config.invalid_issuer_url: %w", err)
	}
	if value := strings.TrimSpace(viper.GetString("device_authorization_endpoint")); value != "" {
		endpoints.DeviceAuthorization = value
	}
	if value := strings.TrimSpace(viper.GetString("token_endpoint")); value != "" {
		endpoints.Token = value
	}
	if value := strings.TrimSpace(viper.GetString("userinfo_endpoint")); value != "" {
		endpoints.UserInfo = value
	}
	credentialsPath := viper.GetString("credentials_file")
	if credentialsPath == "" {
		credentialsPath, err = cliauth.DefaultCredentialsPath()
		if err != nil {
			return cliConfig{}, err
		}
	}
	apiBaseURL := viper.GetString("api_base_url")
	if apiBaseURL == "" {
		apiBaseURL = issuerURL
	}
	return cliConfig{
		issuerURL:       issuerURL,
		apiBaseURL:      apiBaseURL,
		clientID:        clientID,
		clientSecret:    viper.GetString("client_secret"),
		scopes:          viper.GetStringSlice("scopes"),
		endpoints:       endpoints,
		credentialsPath: credentialsPath,
		verbose:         viper.GetBool("verbose"),
	}, nil
}

func (configuration cliConfig) logger() *zap.Logger {
	if !configuration.verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func buildSessionManager(configuration cliConfig, logger *zap.Logger) (*cliauth.SessionManager, error) {
	credentials, err := cliauth.NewCredentialsFile(configuration.credentialsPath)
	if err != nil {
		return nil, err
	}
	device, err := devicelogin.New(devicelogin.Config{
		ClientID:                    configuration.clientID,
		ClientSecret:                configuration.clientSecret,
		Scopes:                      configuration.scopes,
		DeviceAuthorizationEndpoint: configuration.endpoints.DeviceAuthorization,
		TokenEndpoint:               configuration.endpoints.Token,
		Clock:                       newDeviceClock(),
		Logger:                      logger,
	})
	if err != nil {
		return nil, err
	}
	serverConfig := iasauth.ServerConfig{
		ClientID:     configuration.clientID,
		ClientSecret: configuration.clientSecret,
		Scopes:       configuration.scopes,
		Endpoints:    configuration.endpoints,
	}
	return cliauth.NewSessionManager(cliauth.SessionManagerConfig{
		IssuerURL:   configuration.issuerURL,
		OAuth:       serverConfig.OAuth2Config(),
		Device:      device,
		Credentials: credentials,
		Logger:      logger,
	})
}

func newLoginCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Sign in with the device authorization flow",
		RunE: func(command *cobra.Command, arguments []string) error {
			configuration, err := loadCLIConfig()
			if err != nil {
				return err
			}
			logger := configuration.logger()
			defer func() { _ = logger.Sync() }()
			manager, err := buildSessionManager(configuration, logger)
			if err != nil {
				return err
			}
			output := command.OutOrStdout()
			tokens, err := manager.Login(command.Context(), promptOn(output))
			if err != nil {
				return describeLoginError(err)
			}
			fmt.Fprintln(output, "Signed in.")
			if tokens.HasExpiry() {
				fmt.Fprintf(output, "Access token valid until %s.\n", tokens.UTCExpiresAt.Local().Format(time.RFC1123))
			}
			return nil
		},
	}
}

func promptOn(output io.Writer) devicelogin.PromptFunc {
	return func(ctx context.Context, verificationURI string, userCode string, deadline time.Time) error {
		_, err := fmt.Fprintf(output, "Open %s and enter the code %s (valid until %s).\n", verificationURI, userCode, deadline.Local().Format(time.Kitchen))
		return err
	}
}

func describeLoginError(err error) error {
	switch {
	case errors.Is(err, devicelogin.ErrLoginCancelled):
		return fmt.Errorf("login cancelled: %w", err)
	case errors.Is(err, devicelogin.ErrLoginExpired):
		return fmt.Errorf("login expired before it was approved: %w", err)
	}
	if code := oauthtokens.ErrorCode(err); code != "" {
		return fmt.Errorf("login failed (%s): %w", code, err)
	}
	return fmt.Errorf("login failed: %w", err)
}

func newWhoAmICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		RunE: func(command *cobra.Command, arguments []string) error {
			configuration, err := loadCLIConfig()
			if err != nil {
				return err
			}
			logger := configuration.logger()
			defer func() { _ = logger.Sync() }()
			manager, err := buildSessionManager(configuration, logger)
			if err != nil {
				return err
			}
			source, err := manager.AccessTokenSource(command.Context())
			if err != nil {
				if errors.Is(err, cliauth.ErrNotLoggedIn) {
					return fmt.Errorf("not signed in; run iascli login: %w", err)
				}
				return err
			}
			client, err := iasapi.New(iasapi.Config{
				BaseURL:     configuration.apiBaseURL,
				UserInfoURL: configuration.endpoints.UserInfo,
				Source:      source,
			})
			if err != nil {
				return err
			}
			info, err := client.UserInfo(command.Context())
			if err != nil {
				return err
			}
			rendered, err := yaml.Marshal(map[string]string{
				"id":           info.ID,
				"name":         info.Name,
				"display_name": info.DisplayName,
				"org_id":       info.OrgID,
				"org_name":     info.OrgName,
			})
			if err != nil {
				return err
			}
			_, err = command.OutOrStdout().Write(rendered)
			return err
		},
	}
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored tokens",
		RunE: func(command *cobra.Command, arguments []string) error {
			configuration, err := loadCLIConfig()
			if err != nil {
				return err
			}
			manager, err := buildSessionManager(configuration, zap.NewNop())
			if err != nil {
				return err
			}
			if err := manager.Logout(); err != nil {
				return err
			}
			fmt.Fprintln(command.OutOrStdout(), "Signed out.")
			return nil
		},
	}
}
