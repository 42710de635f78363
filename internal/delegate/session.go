package delegate

import (
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims are embedded in the session cookie minted after a successful
// authorization-code callback.
type SessionClaims struct {
	UserID          int64    `json:"user_id"`
	UserEmail       string   `json:"user_email"`
	UserDisplayName string   `json:"user_display_name"`
	UserRoles       []string `json:"user_roles"`
	jwt.RegisteredClaims
}

// MintSessionToken creates a signed HS256 session token for a local user.
func MintSessionToken(localUser *LocalUser, issuer string, signingKey []byte, ttl time.Duration) (string, time.Time, error) {
	issuedAt := time.Now().UTC()
	expiresAt := issuedAt.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		UserID:          localUser.ID,
		UserEmail:       localUser.Email,
		UserDisplayName: localUser.DisplayName,
		UserRoles:       localUser.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   strconv.FormatInt(localUser.ID, 10),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(signingKey)
	return signed, expiresAt, err
}

// ParseSessionToken validates a session token and returns its claims.
func ParseSessionToken(tokenValue string, issuer string, signingKey []byte) (*SessionClaims, error) {
	parsedToken, parseErr := jwt.ParseWithClaims(tokenValue, &SessionClaims{}, func(parsed *jwt.Token) (interface{}, error) {
		return signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if parseErr != nil {
		return nil, parseErr
	}
	claims, ok := parsedToken.Claims.(*SessionClaims)
	if !ok || !parsedToken.Valid || claims.Issuer != issuer {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
