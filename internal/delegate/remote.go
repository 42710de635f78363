package delegate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// RemoteProfile is the canonical user record returned by the remote identity
// endpoint. It is fetched fresh per resolution and never persisted as-is.
type RemoteProfile struct {
	ID           int64    `json:"id"`
	Email        string   `json:"email"`
	Name         string   `json:"name"`
	Roles        []string `json:"roles"`
	Applications []string `json:"applications,omitempty"`
}

type remoteErrorEnvelope struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

type tokenResponseEnvelope struct {
	AccessToken string `json:"access_token"`
}

// ProfileFetcher exchanges a bearer token for a remote profile.
type ProfileFetcher interface {
	FetchProfileByToken(ctx context.Context, token string) (*RemoteProfile, error)
}

// RemoteClient speaks to the remote identity site's REST and OAuth2
// endpoints. Timeouts and proxies belong to the injected http.Client.
type RemoteClient struct {
	clientID   string
	remoteBase string
	siteID     int64
	httpClient *http.Client
	now        func() time.Time
}

// NewRemoteClient constructs a client for the configured remote base URL.
func NewRemoteClient(configuration Config, httpClient *http.Client) *RemoteClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &RemoteClient{
		clientID:   configuration.ClientID,
		remoteBase: strings.TrimRight(configuration.RemoteBase, "/"),
		siteID:     configuration.SiteID,
		httpClient: httpClient,
		now:        time.Now,
	}
}

// FetchProfileByToken issues an authenticated profile fetch. The _t query
// parameter busts intermediate caches so the profile is always fresh.
func (client *RemoteClient) FetchProfileByToken(ctx context.Context, token string) (*RemoteProfile, error) {
	requestURL := fmt.Sprintf("%s/users/me?context=edit&_t=%d", client.remoteBase, client.now().Unix())
	request, buildErr := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if buildErr != nil {
		return nil, NewTransportError(buildErr)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Accept", "application/json")

	response, doErr := client.httpClient.Do(request)
	if doErr != nil {
		return nil, NewTransportError(doErr)
	}
	defer func() { _ = response.Body.Close() }()

	body, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		return nil, NewTransportError(readErr)
	}

	if response.StatusCode != http.StatusOK {
		return nil, remoteRejection(body)
	}

	var profile RemoteProfile
	if unmarshalErr := json.Unmarshal(body, &profile); unmarshalErr != nil {
		return nil, NewInvalidJSONError(unmarshalErr)
	}
	return &profile, nil
}

// ExchangeCodeForToken trades a single-use authorization code for an access
// token via the remote token endpoint.
func (client *RemoteClient) ExchangeCodeForToken(ctx context.Context, code string, redirectURI string) (string, error) {
	form := url.Values{}
	form.Set("client_id", client.clientID)
	form.Set("redirect_uri", redirectURI)
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)

	requestURL := client.remoteBase + "/oauth2/access_token"
	request, buildErr := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, strings.NewReader(form.Encode()))
	if buildErr != nil {
		return "", NewTransportError(buildErr)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.Header.Set("Accept", "application/json")

	response, doErr := client.httpClient.Do(request)
	if doErr != nil {
		return "", NewTransportError(doErr)
	}
	defer func() { _ = response.Body.Close() }()

	body, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		return "", NewTransportError(readErr)
	}

	if response.StatusCode != http.StatusOK {
		return "", remoteRejection(body)
	}

	var tokenResponse tokenResponseEnvelope
	if unmarshalErr := json.Unmarshal(body, &tokenResponse); unmarshalErr != nil {
		return "", NewInvalidJSONError(unmarshalErr)
	}
	if tokenResponse.AccessToken == "" {
		return "", NewInvalidAccessTokenError("empty access_token in response", "empty_access_token")
	}
	return tokenResponse.AccessToken, nil
}

// AuthorizeURL builds the remote authorize endpoint URL used as the browser
// redirect target for the code flow.
func (client *RemoteClient) AuthorizeURL(redirectURI string) string {
	authorizeQuery := url.Values{}
	authorizeQuery.Set("client_id", client.clientID)
	authorizeQuery.Set("redirect_uri", client.CallbackRedirectURI(redirectURI))
	authorizeQuery.Set("response_type", "code")
	return client.remoteBase + "/oauth2/authorize?" + authorizeQuery.Encode()
}

// CallbackRedirectURI decorates the redirect URI with the multisite
// discriminator so the shared callback can route back to the right site.
func (client *RemoteClient) CallbackRedirectURI(redirectURI string) string {
	if client.siteID == 0 {
		return redirectURI
	}
	separator := "?"
	if strings.Contains(redirectURI, "?") {
		separator = "&"
	}
	return redirectURI + separator + "site=" + strconv.FormatInt(client.siteID, 10)
}

// remoteRejection maps a non-200 remote response to an invalid-access-token
// error carrying the remote message and code when the body is parseable.
func remoteRejection(body []byte) *AuthError {
	var envelope remoteErrorEnvelope
	if unmarshalErr := json.Unmarshal(body, &envelope); unmarshalErr != nil {
		return NewInvalidJSONError(unmarshalErr)
	}
	return NewInvalidAccessTokenError(envelope.Message, envelope.Code)
}
