package delegate

import (
	"net/http"
	"time"
)

// Config carries the resolved configuration for the delegated auth engine.
// The host loads and validates it before any request is served.
type Config struct {
	// ClientID is the OAuth2 client id registered on the remote identity site.
	ClientID string
	// RemoteBase is the base URL of the remote identity REST API.
	RemoteBase string
	// CallbackPath receives the authorization-code redirect.
	CallbackPath string
	// SiteID discriminates the originating site in multisite deployments.
	// Zero means single-site.
	SiteID int64
	// SyncRoles mirrors remote roles onto local users on every resolution.
	SyncRoles bool
	// CacheTTL bounds token cache entries. Zero disables caching entirely.
	CacheTTL time.Duration
	// RevalidateCookieUsers re-checks cookie-authenticated users upstream
	// using their stored access token.
	RevalidateCookieUsers bool

	SessionCookieName string
	SessionIssuer     string
	SessionSigningKey []byte
	SessionTTL        time.Duration
	CookieDomain      string
	SameSiteMode      http.SameSite
	AllowInsecureHTTP bool

	// AdminURL is the landing page after a successful code-exchange callback.
	AdminURL string
	// LoginText labels the delegated login link.
	LoginText string
}
