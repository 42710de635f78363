package delegate

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func newTestCoordinator(t *testing.T, fetcher ProfileFetcher, cache TokenCache) (*Coordinator, *CounterMetrics) {
	t.Helper()
	synchronizer := NewSynchronizer(fetcher, NewMemoryUserStore(), true, zaptest.NewLogger(t))
	metrics := NewCounterMetrics()
	return NewCoordinator(synchronizer, cache, zaptest.NewLogger(t), metrics), metrics
}

func bearerHeaders(token string) http.Header {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)
	return headers
}

func TestAttemptResolvesAndPopulatesCache(t *testing.T) {
	fetcher := &fakeProfileFetcher{profiles: map[string]*RemoteProfile{"tok-1": remoteProfileSeven()}}
	cache := NewMemoryTokenCache(time.Hour)
	coordinator, metrics := newTestCoordinator(t, fetcher, cache)
	ctx := NewAttemptContext(context.Background())

	resolvedID := coordinator.Attempt(ctx, 0, bearerHeaders("tok-1"), url.Values{})
	if resolvedID == 0 {
		t.Fatalf("expected resolved local user id")
	}
	if reported := ReportedError(ctx, nil); reported != nil {
		t.Fatalf("unexpected reported error: %v", reported)
	}
	if metrics.Count(MetricAttemptResolved) != 1 {
		t.Fatalf("expected one resolved attempt")
	}

	cachedID, present, _ := cache.Get(context.Background(), "tok-1")
	if !present || cachedID != resolvedID {
		t.Fatalf("expected cache populated with %d, got present=%v id=%d", resolvedID, present, cachedID)
	}
}

func TestAttemptCacheHitSkipsRemote(t *testing.T) {
	fetcher := &fakeProfileFetcher{}
	cache := NewMemoryTokenCache(time.Hour)
	if setErr := cache.Set(context.Background(), "abc123", 42); setErr != nil {
		t.Fatalf("unexpected error: %v", setErr)
	}
	coordinator, metrics := newTestCoordinator(t, fetcher, cache)
	ctx := NewAttemptContext(context.Background())

	resolvedID := coordinator.Attempt(ctx, 0, bearerHeaders("abc123"), url.Values{})
	if resolvedID != 42 {
		t.Fatalf("expected cached id 42, got %d", resolvedID)
	}
	if fetcher.calls != 0 {
		t.Fatalf("expected no remote calls on cache hit, got %d", fetcher.calls)
	}
	if metrics.Count(MetricAttemptCacheHit) != 1 {
		t.Fatalf("expected one cache hit")
	}
}

func TestAttemptPassthroughWhenAlreadyAuthenticated(t *testing.T) {
	fetcher := &fakeProfileFetcher{profiles: map[string]*RemoteProfile{"tok-1": remoteProfileSeven()}}
	coordinator, metrics := newTestCoordinator(t, fetcher, nil)
	ctx := NewAttemptContext(context.Background())

	resolvedID := coordinator.Attempt(ctx, 55, bearerHeaders("tok-1"), url.Values{})
	if resolvedID != 55 {
		t.Fatalf("expected existing id 55, got %d", resolvedID)
	}
	if fetcher.calls != 0 {
		t.Fatalf("expected no remote calls, got %d", fetcher.calls)
	}
	if metrics.Count(MetricAttemptPassthrough) != 1 {
		t.Fatalf("expected one passthrough")
	}
}

func TestAttemptPassthroughWithoutCredential(t *testing.T) {
	fetcher := &fakeProfileFetcher{}
	coordinator, _ := newTestCoordinator(t, fetcher, nil)
	ctx := NewAttemptContext(context.Background())

	if resolvedID := coordinator.Attempt(ctx, 0, http.Header{}, url.Values{}); resolvedID != 0 {
		t.Fatalf("expected passthrough, got %d", resolvedID)
	}
	if reported := ReportedError(ctx, nil); reported != nil {
		t.Fatalf("expected no error for absent credential, got %v", reported)
	}
}

func TestAttemptMalformedHeaderIsSilentPassthrough(t *testing.T) {
	fetcher := &fakeProfileFetcher{}
	coordinator, _ := newTestCoordinator(t, fetcher, nil)
	ctx := NewAttemptContext(context.Background())

	headers := http.Header{}
	headers.Set("Authorization", "Bearer not a token")
	if resolvedID := coordinator.Attempt(ctx, 0, headers, url.Values{}); resolvedID != 0 {
		t.Fatalf("expected passthrough, got %d", resolvedID)
	}
	if fetcher.calls != 0 {
		t.Fatalf("expected no remote calls for malformed header")
	}
	if reported := ReportedError(ctx, nil); reported != nil {
		t.Fatalf("malformed header must not record an error, got %v", reported)
	}
}

func TestAttemptInvalidQueryTokenRecordsError(t *testing.T) {
	fetcher := &fakeProfileFetcher{}
	coordinator, _ := newTestCoordinator(t, fetcher, nil)
	ctx := NewAttemptContext(context.Background())

	query := url.Values{}
	query.Set("access_token", "bad token!")
	if resolvedID := coordinator.Attempt(ctx, 0, http.Header{}, query); resolvedID != 0 {
		t.Fatalf("expected passthrough, got %d", resolvedID)
	}
	if fetcher.calls != 0 {
		t.Fatalf("expected no remote calls for malformed query token")
	}
	reported := ReportedError(ctx, nil)
	authError, ok := reported.(*AuthError)
	if !ok || authError.Code != CodeInvalidToken {
		t.Fatalf("expected invalid-token, got %v", reported)
	}
	if authError.Status != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", authError.Status)
	}
}

func TestAttemptRemoteRejectionRecordsErrorAndPassesThrough(t *testing.T) {
	fetcher := &fakeProfileFetcher{err: NewInvalidAccessTokenError("expired", "token_expired")}
	coordinator, metrics := newTestCoordinator(t, fetcher, nil)
	ctx := NewAttemptContext(context.Background())

	if resolvedID := coordinator.Attempt(ctx, 0, bearerHeaders("tok-1"), url.Values{}); resolvedID != 0 {
		t.Fatalf("expected passthrough on rejection, got %d", resolvedID)
	}
	reported := ReportedError(ctx, nil)
	authError, ok := reported.(*AuthError)
	if !ok || authError.Code != CodeInvalidAccessToken {
		t.Fatalf("expected invalid-access-token, got %v", reported)
	}
	if metrics.Count(MetricAttemptFailed) != 1 {
		t.Fatalf("expected one failed attempt")
	}
}

func TestReportedErrorPrefersExistingHostError(t *testing.T) {
	fetcher := &fakeProfileFetcher{err: NewInvalidAccessTokenError("expired", "token_expired")}
	coordinator, _ := newTestCoordinator(t, fetcher, nil)
	ctx := NewAttemptContext(context.Background())
	coordinator.Attempt(ctx, 0, bearerHeaders("tok-1"), url.Values{})

	hostError := NewInvalidJSONError(errors.New("truncated body"))
	if reported := ReportedError(ctx, hostError); reported != hostError {
		t.Fatalf("expected host error to win, got %v", reported)
	}
}

func TestAttemptReentrantCallPassesThrough(t *testing.T) {
	fetcher := &fakeProfileFetcher{profiles: map[string]*RemoteProfile{"tok-1": remoteProfileSeven()}}
	coordinator, _ := newTestCoordinator(t, fetcher, nil)
	ctx := NewAttemptContext(context.Background())
	attemptStateFrom(ctx).resolving = true

	if resolvedID := coordinator.Attempt(ctx, 0, bearerHeaders("tok-1"), url.Values{}); resolvedID != 0 {
		t.Fatalf("expected re-entrant passthrough, got %d", resolvedID)
	}
	if fetcher.calls != 0 {
		t.Fatalf("expected no remote calls during re-entrant attempt")
	}
}

func TestAttemptFreshSlotClearsPriorError(t *testing.T) {
	fetcher := &fakeProfileFetcher{profiles: map[string]*RemoteProfile{"tok-1": remoteProfileSeven()}}
	coordinator, _ := newTestCoordinator(t, fetcher, nil)
	ctx := NewAttemptContext(context.Background())
	attemptStateFrom(ctx).lastError = NewInvalidJSONError(errors.New("truncated body"))

	coordinator.Attempt(ctx, 0, bearerHeaders("tok-1"), url.Values{})
	if reported := ReportedError(ctx, nil); reported != nil {
		t.Fatalf("expected prior error cleared, got %v", reported)
	}
}

func TestRevalidateAuthenticatedUsesStoredToken(t *testing.T) {
	fetcher := &fakeProfileFetcher{profiles: map[string]*RemoteProfile{"tok-1": remoteProfileSeven()}}
	store := NewMemoryUserStore()
	synchronizer := NewSynchronizer(fetcher, store, true, zaptest.NewLogger(t))
	coordinator := NewCoordinator(synchronizer, nil, zaptest.NewLogger(t), nil)

	createdUser, createErr := synchronizer.Synchronize(context.Background(), "tok-1")
	if createErr != nil {
		t.Fatalf("unexpected error: %v", createErr)
	}
	fetcher.calls = 0

	ctx := NewAttemptContext(context.Background())
	if resolvedID := coordinator.RevalidateAuthenticated(ctx, createdUser.ID); resolvedID != createdUser.ID {
		t.Fatalf("expected stable id %d, got %d", createdUser.ID, resolvedID)
	}
	if fetcher.calls != 1 {
		t.Fatalf("expected one upstream recheck, got %d", fetcher.calls)
	}
}

func TestRevalidationFailureSurvivesSubsequentAttempt(t *testing.T) {
	fetcher := &fakeProfileFetcher{profiles: map[string]*RemoteProfile{"tok-1": remoteProfileSeven()}}
	store := NewMemoryUserStore()
	synchronizer := NewSynchronizer(fetcher, store, true, zaptest.NewLogger(t))
	coordinator := NewCoordinator(synchronizer, nil, zaptest.NewLogger(t), nil)

	createdUser, createErr := synchronizer.Synchronize(context.Background(), "tok-1")
	if createErr != nil {
		t.Fatalf("unexpected error: %v", createErr)
	}
	fetcher.err = NewInvalidAccessTokenError("expired", "token_expired")

	ctx := NewAttemptContext(context.Background())
	revalidatedID := coordinator.RevalidateAuthenticated(ctx, createdUser.ID)
	if revalidatedID != createdUser.ID {
		t.Fatalf("expected passthrough, got %d", revalidatedID)
	}

	// The host runs a credential attempt after revalidation; the recorded
	// upstream rejection must still reach the reporter.
	if finalID := coordinator.Attempt(ctx, revalidatedID, http.Header{}, url.Values{}); finalID != createdUser.ID {
		t.Fatalf("expected passthrough, got %d", finalID)
	}
	reported := ReportedError(ctx, nil)
	authError, ok := reported.(*AuthError)
	if !ok || authError.Code != CodeInvalidAccessToken {
		t.Fatalf("expected recorded invalid-access-token to survive, got %v", reported)
	}
}

func TestRevalidateAuthenticatedPassesThroughWithoutStoredToken(t *testing.T) {
	fetcher := &fakeProfileFetcher{}
	store := NewMemoryUserStore()
	localUser, createErr := store.Create(context.Background(), UserFields{Email: "local@x.com"})
	if createErr != nil {
		t.Fatalf("unexpected error: %v", createErr)
	}
	synchronizer := NewSynchronizer(fetcher, store, true, zaptest.NewLogger(t))
	coordinator := NewCoordinator(synchronizer, nil, zaptest.NewLogger(t), nil)

	ctx := NewAttemptContext(context.Background())
	if resolvedID := coordinator.RevalidateAuthenticated(ctx, localUser.ID); resolvedID != localUser.ID {
		t.Fatalf("expected passthrough, got %d", resolvedID)
	}
	if fetcher.calls != 0 {
		t.Fatalf("expected no upstream call without a stored token")
	}
}
