package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tyemirov/delauth/internal/delegate"
)

// ContextUserIDKey carries the resolved local user id on the gin context.
const ContextUserIDKey = "auth_user_id"

// DelegatedAuth runs one authentication attempt per request: it installs the
// request-scoped attempt state, seeds the existing user from any valid
// session cookie, resolves bearer or query credentials through the
// coordinator, and surfaces the recorded failure after the handler chain
// without aborting unrelated processing.
func DelegatedAuth(coordinator *delegate.Coordinator, configuration delegate.Config, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		attemptCtx := delegate.NewAttemptContext(contextGin.Request.Context())
		contextGin.Request = contextGin.Request.WithContext(attemptCtx)

		existingUserID := sessionUserID(contextGin, configuration)
		if existingUserID != 0 && configuration.RevalidateCookieUsers {
			existingUserID = coordinator.RevalidateAuthenticated(attemptCtx, existingUserID)
		}

		resolvedUserID := coordinator.Attempt(attemptCtx, existingUserID, contextGin.Request.Header, contextGin.Request.URL.Query())
		if resolvedUserID != 0 {
			contextGin.Set(ContextUserIDKey, resolvedUserID)
		}

		contextGin.Next()

		reportAttemptError(contextGin, logger)
	}
}

// reportAttemptError is the error-reporting hook: it runs after the handler
// chain and writes the recorded failure only when nothing else has responded
// with a body yet.
func reportAttemptError(contextGin *gin.Context, logger *zap.Logger) {
	reportedErr := delegate.ReportedError(contextGin.Request.Context(), firstContextError(contextGin))
	if reportedErr == nil {
		return
	}
	authError := delegate.AsAuthError(reportedErr)
	logger.Warn("authentication attempt failed",
		zap.String("code", authError.Code),
		zap.Int("status", authError.Status),
		zap.String("path", contextGin.Request.URL.Path))
	if contextGin.Writer.Written() {
		return
	}
	contextGin.JSON(authError.Status, gin.H{
		"code":    authError.Code,
		"message": authError.Message,
	})
}

func firstContextError(contextGin *gin.Context) error {
	if len(contextGin.Errors) == 0 {
		return nil
	}
	return contextGin.Errors[0].Err
}

// sessionUserID extracts the authenticated local user id from the session
// cookie, or 0 when no valid session is present.
func sessionUserID(contextGin *gin.Context, configuration delegate.Config) int64 {
	if configuration.SessionCookieName == "" {
		return 0
	}
	sessionCookie, cookieErr := contextGin.Request.Cookie(configuration.SessionCookieName)
	if cookieErr != nil || sessionCookie == nil || sessionCookie.Value == "" {
		return 0
	}
	claims, parseErr := delegate.ParseSessionToken(sessionCookie.Value, configuration.SessionIssuer, configuration.SessionSigningKey)
	if parseErr != nil {
		return 0
	}
	return claims.UserID
}

// RequireAuthenticated guards API routes behind a resolved user id. A failed
// authentication attempt is surfaced here with its own status and code; an
// absent credential yields a bare 401.
func RequireAuthenticated() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		if _, found := contextGin.Get(ContextUserIDKey); found {
			contextGin.Next()
			return
		}
		if reportedErr := delegate.ReportedError(contextGin.Request.Context(), nil); reportedErr != nil {
			authError := delegate.AsAuthError(reportedErr)
			contextGin.AbortWithStatusJSON(authError.Status, gin.H{
				"code":    authError.Code,
				"message": authError.Message,
			})
			return
		}
		contextGin.AbortWithStatus(http.StatusUnauthorized)
	}
}
