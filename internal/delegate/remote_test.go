package delegate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func newTestRemoteClient(t *testing.T, handler http.HandlerFunc) (*RemoteClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewRemoteClient(Config{
		ClientID:   "client-1",
		RemoteBase: server.URL,
	}, server.Client())
	return client, server
}

func TestFetchProfileByTokenSuccess(t *testing.T) {
	var seenPath string
	var seenAuthorization string
	var seenQuery url.Values
	client, _ := newTestRemoteClient(t, func(writer http.ResponseWriter, request *http.Request) {
		seenPath = request.URL.Path
		seenAuthorization = request.Header.Get("Authorization")
		seenQuery = request.URL.Query()
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"id":7,"email":"a@x.com","name":"A","roles":["subscriber"]}`))
	})

	profile, fetchErr := client.FetchProfileByToken(context.Background(), "tok-1")
	if fetchErr != nil {
		t.Fatalf("unexpected error: %v", fetchErr)
	}
	if profile.ID != 7 || profile.Email != "a@x.com" || profile.Name != "A" {
		t.Fatalf("unexpected profile: %+v", profile)
	}
	if len(profile.Roles) != 1 || profile.Roles[0] != "subscriber" {
		t.Fatalf("unexpected roles: %v", profile.Roles)
	}
	if seenPath != "/users/me" {
		t.Fatalf("unexpected path %s", seenPath)
	}
	if seenAuthorization != "Bearer tok-1" {
		t.Fatalf("unexpected authorization header %q", seenAuthorization)
	}
	if seenQuery.Get("context") != "edit" {
		t.Fatalf("expected context=edit, got %q", seenQuery.Get("context"))
	}
	if seenQuery.Get("_t") == "" {
		t.Fatalf("expected cache-busting _t parameter")
	}
}

func TestFetchProfileByTokenRemoteRejection(t *testing.T) {
	client, _ := newTestRemoteClient(t, func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(http.StatusUnauthorized)
		_, _ = writer.Write([]byte(`{"message":"expired","code":"token_expired"}`))
	})

	_, fetchErr := client.FetchProfileByToken(context.Background(), "tok-expired")
	if fetchErr == nil {
		t.Fatalf("expected error")
	}
	var authError *AuthError
	if !errors.As(fetchErr, &authError) {
		t.Fatalf("expected *AuthError, got %T", fetchErr)
	}
	if authError.Code != CodeInvalidAccessToken {
		t.Fatalf("expected %s, got %s", CodeInvalidAccessToken, authError.Code)
	}
	if authError.Status != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", authError.Status)
	}
	if !strings.Contains(authError.Message, "expired") || !strings.Contains(authError.Message, "token_expired") {
		t.Fatalf("expected remote message and code in %q", authError.Message)
	}
}

func TestFetchProfileByTokenMalformedJSON(t *testing.T) {
	client, _ := newTestRemoteClient(t, func(writer http.ResponseWriter, request *http.Request) {
		_, _ = writer.Write([]byte(`{"id": not-json`))
	})

	_, fetchErr := client.FetchProfileByToken(context.Background(), "tok-1")
	var authError *AuthError
	if !errors.As(fetchErr, &authError) || authError.Code != CodeInvalidJSON {
		t.Fatalf("expected invalid-json error, got %v", fetchErr)
	}
}

func TestFetchProfileByTokenTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	client := NewRemoteClient(Config{ClientID: "client-1", RemoteBase: server.URL}, server.Client())
	server.Close()

	_, fetchErr := client.FetchProfileByToken(context.Background(), "tok-1")
	var authError *AuthError
	if !errors.As(fetchErr, &authError) || authError.Code != CodeTransportError {
		t.Fatalf("expected transport-error, got %v", fetchErr)
	}
}

func TestExchangeCodeForTokenSuccess(t *testing.T) {
	var seenForm url.Values
	client, _ := newTestRemoteClient(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/oauth2/access_token" {
			t.Errorf("unexpected path %s", request.URL.Path)
		}
		if parseErr := request.ParseForm(); parseErr != nil {
			t.Errorf("parse form: %v", parseErr)
		}
		seenForm = request.PostForm
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"access_token":"tok-exchanged"}`))
	})

	token, exchangeErr := client.ExchangeCodeForToken(context.Background(), "code-1", "https://local.example/delauth-callback")
	if exchangeErr != nil {
		t.Fatalf("unexpected error: %v", exchangeErr)
	}
	if token != "tok-exchanged" {
		t.Fatalf("expected tok-exchanged, got %q", token)
	}
	if seenForm.Get("client_id") != "client-1" {
		t.Fatalf("unexpected client_id %q", seenForm.Get("client_id"))
	}
	if seenForm.Get("grant_type") != "authorization_code" {
		t.Fatalf("unexpected grant_type %q", seenForm.Get("grant_type"))
	}
	if seenForm.Get("code") != "code-1" {
		t.Fatalf("unexpected code %q", seenForm.Get("code"))
	}
	if seenForm.Get("redirect_uri") != "https://local.example/delauth-callback" {
		t.Fatalf("unexpected redirect_uri %q", seenForm.Get("redirect_uri"))
	}
}

func TestExchangeCodeForTokenRejection(t *testing.T) {
	client, _ := newTestRemoteClient(t, func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusBadRequest)
		_, _ = writer.Write([]byte(`{"message":"code already used","code":"invalid_grant"}`))
	})

	_, exchangeErr := client.ExchangeCodeForToken(context.Background(), "code-used", "https://local.example/delauth-callback")
	var authError *AuthError
	if !errors.As(exchangeErr, &authError) || authError.Code != CodeInvalidAccessToken {
		t.Fatalf("expected invalid-access-token, got %v", exchangeErr)
	}
}

func TestAuthorizeURL(t *testing.T) {
	t.Parallel()

	client := NewRemoteClient(Config{
		ClientID:   "client-1",
		RemoteBase: "https://id.example.com/api",
	}, nil)

	authorizeURL := client.AuthorizeURL("https://local.example/delauth-callback")
	parsed, parseErr := url.Parse(authorizeURL)
	if parseErr != nil {
		t.Fatalf("unexpected parse error: %v", parseErr)
	}
	if parsed.Path != "/api/oauth2/authorize" {
		t.Fatalf("unexpected path %s", parsed.Path)
	}
	query := parsed.Query()
	if query.Get("client_id") != "client-1" {
		t.Fatalf("unexpected client_id %q", query.Get("client_id"))
	}
	if query.Get("response_type") != "code" {
		t.Fatalf("unexpected response_type %q", query.Get("response_type"))
	}
	if query.Get("redirect_uri") != "https://local.example/delauth-callback" {
		t.Fatalf("unexpected redirect_uri %q", query.Get("redirect_uri"))
	}
}

func TestAuthorizeURLMultisiteCarriesSite(t *testing.T) {
	t.Parallel()

	client := NewRemoteClient(Config{
		ClientID:   "client-1",
		RemoteBase: "https://id.example.com",
		SiteID:     3,
	}, nil)

	authorizeURL := client.AuthorizeURL("https://network.example/delauth-callback")
	parsed, parseErr := url.Parse(authorizeURL)
	if parseErr != nil {
		t.Fatalf("unexpected parse error: %v", parseErr)
	}
	redirectURI, decodeErr := url.Parse(parsed.Query().Get("redirect_uri"))
	if decodeErr != nil {
		t.Fatalf("unexpected decode error: %v", decodeErr)
	}
	if redirectURI.Query().Get("site") != "3" {
		t.Fatalf("expected site=3 on redirect uri, got %q", redirectURI.Query().Get("site"))
	}
}
