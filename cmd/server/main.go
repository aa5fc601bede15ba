package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/iasauth/internal/iasapi"
	"github.com/tyemirov/iasauth/internal/iasauth"
	"github.com/tyemirov/iasauth/internal/web"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "iasauth-server",
		Short:   "Sample web application that signs users in with the Industrial App Store and calls its API on their behalf",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	flags := rootCmd.Flags()
	flags.String("listen_addr", ":8080", "HTTP listen address")
	flags.String("issuer_url", iasauth.DefaultIssuerURL, "Industrial App Store base URL; endpoints are derived from it")
	flags.String("authorization_endpoint", "", "Override for the OAuth authorization endpoint")
	flags.String("token_endpoint", "", "Override for the OAuth token endpoint")
	flags.String("device_authorization_endpoint", "", "Override for the device authorization endpoint")
	flags.String("userinfo_endpoint", "", "Override for the user info endpoint")
	flags.String("api_base_url", "", "IAS API base URL; defaults to issuer_url")
	flags.String("client_id", "", "OAuth client id")
	flags.String("client_secret", "", "OAuth client secret; leave empty for a public client")
	flags.String("redirect_url", "", "OAuth redirect URL; derived from the request when empty")
	flags.StringSlice("scopes", []string{"UserInfo"}, "OAuth scopes")
	flags.String("session_signing_key", "", "HS256 signing secret for the session cookie")
	flags.String("cookie_name", iasauth.DefaultCookieName, "Session cookie name")
	flags.Duration("cookie_ttl", iasauth.DefaultCookieTTL, "Session cookie lifetime")
	flags.String("cookie_domain", "", "Cookie domain; empty for host-only")
	flags.String("login_path", iasauth.DefaultLoginPath, "Path of the login route")
	flags.Bool("show_consent_prompt", false, "Always ask the user for consent")
	flags.Bool("request_refresh_token", true, "Request offline access so sessions can be refreshed")
	flags.Duration("token_expiry_skew", iasauth.DefaultTokenExpirySkew, "Refresh access tokens this long before they expire")
	flags.String("auth_mode", string(iasauth.AuthModeCookie), "Authentication mode: cookie or external")
	flags.String("token_store_url", "memory", "Token store: memory, sqlite://, postgres://, pgx+postgres://, redis://")
	flags.String("token_encryption_key", "", "Secret used to encrypt tokens in durable stores")
	flags.String("device_cookie_name", "", "When set, a long-lived device cookie supplies the session id")
	flags.Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	flags.Bool("enable_cors", false, "Enable CORS for cross-origin clients (required to set SameSite=None cookies)")
	flags.StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	flags.Duration("state_ttl", iasauth.DefaultStateTTL, "Lifetime of a pending login")

	_ = viper.BindPFlags(flags)

	viper.SetEnvPrefix("IAS")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeMissingClientID         = "config.missing_client_id"
	configCodeMissingSigningKey       = "config.missing_session_signing_key"
	configCodeInvalidIssuerURL        = "config.invalid_issuer_url"
	configCodeInvalidAuthMode         = "config.invalid_auth_mode"
	configCodeInvalidCookieTTL        = "config.invalid_cookie_ttl"
	configCodeInvalidServerConfig     = "config.invalid_server_config"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeTokenStoreInit          = "config.token_store_init"
	configCodeAPIClientInit           = "config.api_client_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads and validates the server settings from viper.
func LoadServerConfig() (iasauth.ServerConfig, error) {
	clientID := strings.TrimSpace(viper.GetString("client_id"))
	if clientID == "" {
		return iasauth.ServerConfig{}, configError(configCodeMissingClientID, "client_id must be provided")
	}

	authMode, modeErr := iasauth.ParseAuthMode(viper.GetString("auth_mode"))
	if modeErr != nil {
		return iasauth.ServerConfig{}, configError(configCodeInvalidAuthMode, "auth_mode must be cookie or external")
	}

	signingKey := viper.GetString("session_signing_key")
	if signingKey == "" && authMode == iasauth.AuthModeCookie {
		return iasauth.ServerConfig{}, configError(configCodeMissingSigningKey, "session_signing_key must be provided")
	}

	if viper.GetDuration("cookie_ttl") < 0 {
		return iasauth.ServerConfig{}, configError(configCodeInvalidCookieTTL, "cookie_ttl must not be negative")
	}

	issuerURL := viper.GetString("issuer_url")
	if issuerURL == "" {
		issuerURL = iasauth.DefaultIssuerURL
	}
	endpoints, endpointsErr := iasauth.DefaultEndpoints(issuerURL)
	if endpointsErr != nil {
		return iasauth.ServerConfig{}, configError(configCodeInvalidIssuerURL, "issuer_url must be an absolute URL")
	}
	overrideEndpoint(&endpoints.Authorization, "authorization_endpoint")
	overrideEndpoint(&endpoints.Token, "token_endpoint")
	overrideEndpoint(&endpoints.DeviceAuthorization, "device_authorization_endpoint")
	overrideEndpoint(&endpoints.UserInfo, "userinfo_endpoint")

	serverConfig := iasauth.ServerConfig{
		ClientID:            clientID,
		ClientSecret:        viper.GetString("client_secret"),
		Endpoints:           endpoints,
		RedirectURL:         viper.GetString("redirect_url"),
		Scopes:              viper.GetStringSlice("scopes"),
		SessionSigningKey:   []byte(signingKey),
		CookieName:          viper.GetString("cookie_name"),
		CookieDomain:        viper.GetString("cookie_domain"),
		CookieTTL:           viper.GetDuration("cookie_ttl"),
		AllowInsecureHTTP:   viper.GetBool("dev_insecure_http"),
		LoginPath:           viper.GetString("login_path"),
		ShowConsentPrompt:   viper.GetBool("show_consent_prompt"),
		RequestRefreshToken: viper.GetBool("request_refresh_token"),
		TokenExpirySkew:     viper.GetDuration("token_expiry_skew"),
		StateTTL:            viper.GetDuration("state_ttl"),
		AuthMode:            authMode,
	}
	serverConfig.SameSiteMode = http.SameSiteLaxMode
	if viper.GetBool("enable_cors") {
		serverConfig.SameSiteMode = http.SameSiteNoneMode
	}
	serverConfig = serverConfig.WithDefaults()
	if validateErr := serverConfig.Validate(); validateErr != nil {
		return iasauth.ServerConfig{}, fmt.Errorf("%s: %w", configCodeInvalidServerConfig, validateErr)
	}
	return serverConfig, nil
}

func overrideEndpoint(target *string, key string) {
	if value := strings.TrimSpace(viper.GetString(key)); value != "" {
		*target = value
	}
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(iasauth.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	apiBaseURL := viper.GetString("api_base_url")
	if apiBaseURL == "" {
		apiBaseURL = viper.GetString("issuer_url")
	}
	if apiBaseURL == "" {
		apiBaseURL = iasauth.DefaultIssuerURL
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	apiClient, apiErr := iasapi.New(iasapi.Config{BaseURL: apiBaseURL, UserInfoURL: serverConfig.Endpoints.UserInfo})
	if apiErr != nil {
		return fmt.Errorf("%s: %w", configCodeAPIClientInit, apiErr)
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	clock := iasauth.NewSystemClock()
	metricsRecorder := iasauth.NewCounterMetrics()

	var authenticator *iasauth.SessionAuthenticator
	if serverConfig.AuthMode == iasauth.AuthModeCookie {
		sessionAuthenticator, cleanup, wireErr := mountCookieAuthentication(shutdownCtx, router, serverConfig, apiClient, clock, metricsRecorder, logger)
		if wireErr != nil {
			return wireErr
		}
		defer cleanup()
		authenticator = sessionAuthenticator
	} else {
		logger.Info("external authentication mode; bearer tokens are forwarded to the IAS API")
	}

	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok", "auth_mode": serverConfig.AuthMode})
	})
	router.GET("/metrics", web.HandleMetrics(metricsRecorder))

	protected := router.Group("/api")
	protected.Use(iasauth.RequestAuthentication(serverConfig.AuthMode, authenticator))
	protected.GET("/me", web.HandleProfile(logger, apiClient))

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr), zap.String("auth_mode", string(serverConfig.AuthMode)))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

// mountCookieAuthentication wires the token store, the login routes, and the session
// authenticator. The returned cleanup releases background workers and connections.
func mountCookieAuthentication(
	ctx context.Context,
	router gin.IRouter,
	serverConfig iasauth.ServerConfig,
	apiClient *iasapi.Client,
	clock iasauth.Clock,
	metricsRecorder *iasauth.CounterMetrics,
	logger *zap.Logger,
) (*iasauth.SessionAuthenticator, func(), error) {
	repository, closeRepository, repositoryErr := buildTokenRepository(ctx, viper.GetString("token_store_url"), viper.GetString("token_encryption_key"), serverConfig.CookieTTL, logger)
	if repositoryErr != nil {
		return nil, nil, fmt.Errorf("%s: %w", configCodeTokenStoreInit, repositoryErr)
	}

	factory, factoryErr := iasauth.NewTokenStoreFactory(iasauth.TokenStoreFactoryConfig{
		Repository: repository,
		Refresher:  iasauth.NewOAuth2Refresher(serverConfig.OAuth2Config(), nil),
		Clock:      clock,
		ExpirySkew: serverConfig.TokenExpirySkew,
		Logger:     logger,
		Metrics:    metricsRecorder,
	})
	if factoryErr != nil {
		closeRepository()
		return nil, nil, factoryErr
	}
	cookies, cookiesErr := iasauth.NewSessionCookies(serverConfig, clock)
	if cookiesErr != nil {
		closeRepository()
		return nil, nil, cookiesErr
	}

	states := iasauth.NewLoginStateStore(serverConfig.StateTTL, clock)
	events := iasauth.NewLoginEventQueue(logLoginEvent(logger), logger)
	var trustedOrigins []string
	if viper.GetBool("enable_cors") {
		trustedOrigins = viper.GetStringSlice("cors_allowed_origins")
	}
	routes, routesErr := iasauth.NewAuthRoutes(iasauth.AuthRoutesConfig{
		Server:     serverConfig,
		States:     states,
		Cookies:    cookies,
		Provider:   factory,
		UserInfo:   apiClient,
		SessionIDs: buildSessionIDGenerator(serverConfig),
		Events:     events,
		Clock:      clock,
		Logger:     logger,
		Metrics:    metricsRecorder,

		TrustedOrigins: trustedOrigins,
	})
	cleanup := func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := events.Close(closeCtx); err != nil {
			logger.Warn("login event queue did not drain", zap.Error(err))
		}
		states.Stop()
		closeRepository()
	}
	if routesErr != nil {
		cleanup()
		return nil, nil, routesErr
	}
	iasauth.MountAuthRoutes(router, routes)

	coordinator := iasauth.NewTokenRefreshCoordinator(factory, logger, metricsRecorder)
	return iasauth.NewSessionAuthenticator(cookies, coordinator, serverConfig.LoginPath, logger), cleanup, nil
}

func buildSessionIDGenerator(serverConfig iasauth.ServerConfig) iasauth.SessionIDGenerator {
	deviceCookieName := strings.TrimSpace(viper.GetString("device_cookie_name"))
	if deviceCookieName == "" {
		return iasauth.RandomSessionIDGenerator{}
	}
	return iasauth.DeviceCookieSessionIDGenerator{
		CookieName:   deviceCookieName,
		CookieDomain: serverConfig.CookieDomain,
		Secure:       !serverConfig.AllowInsecureHTTP,
	}
}

func logLoginEvent(logger *zap.Logger) iasauth.LoginEventHandler {
	return func(ctx context.Context, event iasauth.LoginEvent) error {
		logger.Info("user signed in",
			zap.String("code", "auth.login"),
			zap.String("user_id", event.UserID),
			zap.String("session_id", event.SessionID),
			zap.String("org_id", event.OrgID),
			zap.Time("at", event.At))
		return nil
	}
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
