package web

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tyemirov/delauth/internal/delegate"
)

// CallbackDeps are the collaborators of the authorization-code callback.
type CallbackDeps struct {
	Remote       *delegate.RemoteClient
	Synchronizer *delegate.Synchronizer
	Config       delegate.Config
	Logger       *zap.Logger
	Metrics      delegate.MetricsRecorder
	// SiteCallbackURL maps a multisite discriminator to that site's own
	// callback URL. Nil disables the multisite hop.
	SiteCallbackURL func(siteID string) string
}

/// HandleCallback finishes the authorization-code flow: exchange the code for
// a token, synchronize the identity, issue the session cookie, and redirect
// to the administrative landing page.
func HandleCallback(deps CallbackDeps) gin.HandlerFunc {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = delegate.NewCounterMetrics()
	}
	return func(contextGin *gin.Context) {
		// Multisite deployments funnel every callback through the network
		// site; forward to the originating site's own callback first.
		if siteValue := contextGin.Query("site"); siteValue != "" && deps.SiteCallbackURL != nil {
			redirectTo := siteCallbackRedirect(deps.SiteCallbackURL(siteValue), contextGin.Request.URL.Query())
			contextGin.Redirect(http.StatusFound, redirectTo)
			return
		}

		code := contextGin.Query("code")
		if code == "" {
			contextGin.JSON(http.StatusBadRequest, gin.H{"error": "missing_code"})
			return
		}

		redirectURI := deps.Remote.CallbackRedirectURI(callbackURL(contextGin.Request, deps.Config))
		accessToken, exchangeErr := deps.Remote.ExchangeCodeForToken(contextGin.Request.Context(), code, redirectURI)
		if exchangeErr != nil {
			metrics.Increment(delegate.MetricExchangeFailed)
			renderAuthFailure(contextGin, logger, exchangeErr)
			return
		}
		metrics.Increment(delegate.MetricExchangeOK)

		localUser, syncErr := deps.Synchronizer.Synchronize(contextGin.Request.Context(), accessToken)
		if syncErr != nil {
			renderAuthFailure(contextGin, logger, syncErr)
			return
		}

		sessionToken, sessionExpiresAt, mintErr := delegate.MintSessionToken(localUser, deps.Config.SessionIssuer, deps.Config.SessionSigningKey, deps.Config.SessionTTL)
		if mintErr != nil {
			logger.Error("session token mint failed", zap.Error(mintErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		writeSessionCookie(contextGin, deps.Config, sessionToken, sessionExpiresAt)

		landing := deps.Config.AdminURL
		if landing == "" {
			landing = "/"
		}
		contextGin.Redirect(http.StatusFound, landing)
	}
}

// HandleLogin redirects the browser to the remote authorize endpoint.
func HandleLogin(remote *delegate.RemoteClient, configuration delegate.Config) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		contextGin.Redirect(http.StatusFound, remote.AuthorizeURL(callbackURL(contextGin.Request, configuration)))
	}
}

func renderAuthFailure(contextGin *gin.Context, logger *zap.Logger, failure error) {
	authError := delegate.AsAuthError(failure)
	logger.Warn("callback authentication failed",
		zap.String("code", authError.Code),
		zap.String("detail", authError.Message))
	contextGin.JSON(authError.Status, gin.H{
		"code":    authError.Code,
		"message": authError.Message,
	})
}

// siteCallbackRedirect rebuilds the originating site's callback URL carrying
// every query argument except the consumed site discriminator.
func siteCallbackRedirect(siteCallback string, query url.Values) string {
	forwarded := url.Values{}
	for key, values := range query {
		if key == "site" {
			continue
		}
		for _, value := range values {
			forwarded.Add(key, value)
		}
	}
	if len(forwarded) == 0 {
		return siteCallback
	}
	separator := "?"
	if strings.Contains(siteCallback, "?") {
		separator = "&"
	}
	return siteCallback + separator + forwarded.Encode()
}

// callbackURL derives this site's callback URL from the inbound request.
func callbackURL(request *http.Request, configuration delegate.Config) string {
	scheme := "https"
	if configuration.AllowInsecureHTTP && request.TLS == nil {
		scheme = "http"
	}
	host := request.Host
	if host == "" {
		host = "localhost"
	}
	return scheme + "://" + host + configuration.CallbackPath
}

func writeSessionCookie(contextGin *gin.Context, configuration delegate.Config, sessionToken string, expiresAt time.Time) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.SessionCookieName,
		Value:    sessionToken,
		Path:     "/",
		Domain:   configuration.CookieDomain,
		Expires:  expiresAt,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}
