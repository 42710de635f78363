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
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tyemirov/delauth/internal/delegate"
	"github.com/tyemirov/delauth/internal/delegatepg"
	"github.com/tyemirov/delauth/internal/web"
	webassets "github.com/tyemirov/delauth/web"
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
		Use:     "delauth",
		Short:   "Delegated OAuth2 authentication service mirroring remote identities into local users",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("client_id", "", "OAuth2 client id registered on the remote identity site")
	rootCmd.Flags().String("remote_base", "", "Base URL of the remote identity REST API")
	rootCmd.Flags().String("callback_path", "/delauth-callback", "Authorization-code callback path")
	rootCmd.Flags().Int64("site_id", 0, "Multisite discriminator; 0 for single-site")
	rootCmd.Flags().String("site_callback_template", "", "URL template for per-site callbacks, %s replaced by the site discriminator; empty disables the multisite hop")
	rootCmd.Flags().Bool("sync_roles", true, "Mirror remote roles onto local users")
	rootCmd.Flags().Duration("cache_ttl", 0, "Token cache TTL; 0 disables caching")
	rootCmd.Flags().String("redis_url", "", "Redis URL for the token cache; empty uses the in-memory cache")
	rootCmd.Flags().String("database_url", "", "Database URL for local users (postgres:// or sqlite://; leave empty for in-memory store)")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for the session cookie")
	rootCmd.Flags().Duration("session_ttl", 15*time.Minute, "Session cookie TTL")
	rootCmd.Flags().String("admin_url", "/admin/", "Landing page after a successful callback")
	rootCmd.Flags().String("login_text", "Log In with Delegated Auth", "Label for the delegated login link")
	rootCmd.Flags().Bool("revalidate_cookie_users", false, "Re-check cookie-authenticated users against the upstream site")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled")

	for _, flagName := range []string{
		"listen_addr", "client_id", "remote_base", "callback_path", "site_id",
		"site_callback_template", "sync_roles", "cache_ttl", "redis_url", "database_url", "cookie_domain",
		"jwt_signing_key", "session_ttl", "admin_url", "login_text",
		"revalidate_cookie_users", "dev_insecure_http", "enable_cors",
		"cors_allowed_origins",
	} {
		_ = viper.BindPFlag(flagName, rootCmd.Flags().Lookup(flagName))
	}

	viper.SetEnvPrefix("DELAUTH")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	sessionCookieName = "delauth_session"
	sessionIssuer     = "delauth"

	configCodeMissingClientID      = "config.missing_client_id"
	configCodeMissingRemoteBase    = "config.missing_remote_base"
	configCodeMissingJWTSigningKey = "config.missing_jwt_signing_key"
	configCodeInvalidSessionTTL    = "config.invalid_session_ttl"
	configCodeUninitializedConf    = "config.uninitialized_server_config"
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

// LoadServerConfig resolves the delegated auth configuration from viper.
func LoadServerConfig() (delegate.Config, error) {
	clientID := viper.GetString("client_id")
	if clientID == "" {
		return delegate.Config{}, configError(configCodeMissingClientID, "client_id must be provided")
	}

	remoteBase := viper.GetString("remote_base")
	if remoteBase == "" {
		return delegate.Config{}, configError(configCodeMissingRemoteBase, "remote_base must be provided")
	}

	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return delegate.Config{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	sessionTTL := viper.GetDuration("session_ttl")
	if sessionTTL <= 0 {
		return delegate.Config{}, configError(configCodeInvalidSessionTTL, "session_ttl must be greater than zero")
	}

	return delegate.Config{
		ClientID:              clientID,
		RemoteBase:            remoteBase,
		CallbackPath:          viper.GetString("callback_path"),
		SiteID:                viper.GetInt64("site_id"),
		SyncRoles:             viper.GetBool("sync_roles"),
		CacheTTL:              viper.GetDuration("cache_ttl"),
		RevalidateCookieUsers: viper.GetBool("revalidate_cookie_users"),
		SessionCookieName:     sessionCookieName,
		SessionIssuer:         sessionIssuer,
		SessionSigningKey:     []byte(jwtSigningKey),
		SessionTTL:            sessionTTL,
		CookieDomain:          viper.GetString("cookie_domain"),
		AdminURL:              viper.GetString("admin_url"),
		LoginText:             viper.GetString("login_text"),
	}, nil
}

// siteCallbackURLBuilder turns a URL template into the per-site callback
// mapping used by the multisite hop. A blank template returns nil, which
// leaves the hop disabled.
func siteCallbackURLBuilder(template string) func(siteID string) string {
	template = strings.TrimSpace(template)
	if template == "" {
		return nil
	}
	return func(siteID string) string {
		return fmt.Sprintf(template, siteID)
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
	serverConfig, ok := contextValue.(delegate.Config)
	if !ok {
		return configError(configCodeUninitializedConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	databaseURL := viper.GetString("database_url")
	redisURL := viper.GetString("redis_url")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	serverConfig.AllowInsecureHTTP = viper.GetBool("dev_insecure_http")
	serverConfig.SameSiteMode = http.SameSiteLaxMode
	if enableCORS {
		serverConfig.SameSiteMode = http.SameSiteNoneMode
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

	var userStore delegate.UserStore
	switch {
	case databaseURL == "":
		userStore = delegate.NewMemoryUserStore()
		logger.Info("using in-memory user store")
	case strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://"):
		pool, poolErr := delegatepg.BuildPool(context.Background(), databaseURL)
		if poolErr != nil {
			return poolErr
		}
		defer pool.Close()
		if schemaErr := delegatepg.EnsureSchema(context.Background(), pool); schemaErr != nil {
			return schemaErr
		}
		userStore = delegatepg.NewPostgresUserStore(pool)
		logger.Info("using postgres user store")
	default:
		persistentStore, storeErr := delegate.NewDatabaseUserStore(context.Background(), databaseURL)
		if storeErr != nil {
			return storeErr
		}
		userStore = persistentStore
		logger.Info("using persistent user store", zap.String("driver", persistentStore.Driver()))
	}

	var tokenCache delegate.TokenCache
	if serverConfig.CacheTTL > 0 {
		if redisURL != "" {
			redisOptions, parseErr := redis.ParseURL(redisURL)
			if parseErr != nil {
				return fmt.Errorf("config.invalid_redis_url: %w", parseErr)
			}
			tokenCache = delegate.NewRedisTokenCache(redis.NewClient(redisOptions), serverConfig.CacheTTL)
			logger.Info("using redis token cache", zap.Duration("ttl", serverConfig.CacheTTL))
		} else {
			tokenCache = delegate.NewMemoryTokenCache(serverConfig.CacheTTL)
			logger.Info("using in-memory token cache", zap.Duration("ttl", serverConfig.CacheTTL))
		}
	} else {
		logger.Info("token cache disabled")
	}

	remoteClient := delegate.NewRemoteClient(serverConfig, &http.Client{Timeout: 10 * time.Second})
	synchronizer := delegate.NewSynchronizer(remoteClient, userStore, serverConfig.SyncRoles, logger)
	metricsRecorder := delegate.NewCounterMetrics()
	coordinator := delegate.NewCoordinator(synchronizer, tokenCache, logger, metricsRecorder)

	router.Use(web.DelegatedAuth(coordinator, serverConfig, logger))

	router.GET("/static/login-client.js", func(contextGin *gin.Context) {
		web.ServeEmbeddedStaticJS(contextGin, webassets.FS, "login-client.js")
	})
	router.GET("/login", web.HandleLoginPage(remoteClient, serverConfig))
	router.GET("/login/redirect", web.HandleLogin(remoteClient, serverConfig))
	router.GET(serverConfig.CallbackPath, web.HandleCallback(web.CallbackDeps{
		Remote:          remoteClient,
		Synchronizer:    synchronizer,
		Config:          serverConfig,
		Logger:          logger,
		Metrics:         metricsRecorder,
		SiteCallbackURL: siteCallbackURLBuilder(viper.GetString("site_callback_template")),
	}))

	protected := router.Group("/api")
	protected.Use(web.RequireAuthenticated())
	protected.GET("/me", web.HandleWhoAmI(serverConfig))

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
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
