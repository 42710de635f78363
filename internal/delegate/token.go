package delegate

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Bearer tokens are restricted to the token68 character set. Anything else in
// the header is treated as absent rather than rejected.
var bearerTokenPattern = regexp.MustCompile(`^Bearer ([a-zA-Z0-9\-._~+/=]+)$`)

const accessTokenQueryParam = "access_token"

// TokenFromHeaders extracts a bearer token from the Authorization header.
// The header name is matched case-insensitively across all supplied headers
// because intermediate servers may alter casing. Returns "" when no
// well-formed bearer credential is present.
func TokenFromHeaders(headers http.Header) string {
	for headerName, headerValues := range headers {
		if !strings.EqualFold(headerName, "Authorization") {
			continue
		}
		for _, headerValue := range headerValues {
			matches := bearerTokenPattern.FindStringSubmatch(strings.TrimSpace(headerValue))
			if matches != nil {
				return matches[1]
			}
		}
	}
	return ""
}

// TokenFromQuery extracts a token from the access_token query parameter.
// An empty value counts as absent. A non-empty but syntactically invalid
// value yields an invalid-token error so the failure reaches the error
// reporter instead of being silently dropped.
func TokenFromQuery(query url.Values) (string, *AuthError) {
	tokenValue := query.Get(accessTokenQueryParam)
	if tokenValue == "" {
		return "", nil
	}
	if !isTokenSyntax(tokenValue) {
		return "", NewInvalidTokenError()
	}
	return tokenValue, nil
}

// ProvidedToken resolves the request credential: header first, then query
// parameter; the first successful extraction wins.
func ProvidedToken(headers http.Header, query url.Values) (string, *AuthError) {
	if headerToken := TokenFromHeaders(headers); headerToken != "" {
		return headerToken, nil
	}
	return TokenFromQuery(query)
}

var tokenSyntaxPattern = regexp.MustCompile(`^[a-zA-Z0-9\-._~+/=]+$`)

func isTokenSyntax(candidate string) bool {
	return tokenSyntaxPattern.MatchString(candidate)
}
