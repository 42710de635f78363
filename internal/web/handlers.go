package web

import (
	"fmt"
	"html"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tyemirov/delauth/internal/delegate"
)

// HandleWhoAmI reports the resolved identity for the current request. Cookie
// sessions carry full profile claims; bearer-resolved requests report the
// local user id the coordinator produced.
func HandleWhoAmI(configuration delegate.Config) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		userIDValue, found := contextGin.Get(ContextUserIDKey)
		if !found {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		userID, ok := userIDValue.(int64)
		if !ok || userID == 0 {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		payload := gin.H{"user_id": userID}
		if sessionCookie, cookieErr := contextGin.Request.Cookie(configuration.SessionCookieName); cookieErr == nil && sessionCookie.Value != "" {
			if claims, parseErr := delegate.ParseSessionToken(sessionCookie.Value, configuration.SessionIssuer, configuration.SessionSigningKey); parseErr == nil {
				payload["user_email"] = claims.UserEmail
				payload["display"] = claims.UserDisplayName
				payload["roles"] = claims.UserRoles
				payload["expires"] = claims.ExpiresAt.Time
			}
		}
		contextGin.JSON(http.StatusOK, payload)
	}
}

// HandleLoginPage renders a minimal login page carrying the delegated login
// link, mirroring the login-form link of the upstream site.
func HandleLoginPage(remote *delegate.RemoteClient, configuration delegate.Config) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		loginText := configuration.LoginText
		if loginText == "" {
			loginText = "Log In with Delegated Auth"
		}
		authorizeURL := remote.AuthorizeURL(callbackURL(contextGin.Request, configuration))
		page := fmt.Sprintf(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Log In</title></head>
<body>
<p><a href="%s">%s</a></p>
<script src="/static/login-client.js"></script>
</body>
</html>
`, html.EscapeString(authorizeURL), html.EscapeString(loginText))
		contextGin.Data(http.StatusOK, "text/html; charset=utf-8", []byte(page))
	}
}
