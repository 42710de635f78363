package delegate

import (
	"context"
	"net/http"
	"net/url"

	"go.uber.org/zap"
)

// attemptState is the per-request authentication state: the re-entrancy flag
// and the last recorded failure. It lives in the request context, never in a
// process-wide variable, so concurrent requests cannot observe each other.
type attemptState struct {
	resolving bool
	lastError *AuthError
}

type attemptStateKeyType struct{}

var attemptStateKey attemptStateKeyType

// NewAttemptContext installs a fresh per-request attempt slot. The host must
// derive each request's context through this before invoking Attempt.
func NewAttemptContext(parent context.Context) context.Context {
	return context.WithValue(parent, attemptStateKey, &attemptState{})
}

func attemptStateFrom(ctx context.Context) *attemptState {
	state, _ := ctx.Value(attemptStateKey).(*attemptState)
	return state
}

// ReportedError is the error-reporting hook: a pre-existing host error wins;
// otherwise the last failure recorded during this request's attempt, or nil.
func ReportedError(ctx context.Context, current error) error {
	if current != nil {
		return current
	}
	state := attemptStateFrom(ctx)
	if state == nil || state.lastError == nil {
		return nil
	}
	return state.lastError
}

// Coordinator orchestrates one authentication attempt per request: extract a
// credential, consult the cache, synchronize the identity, and hand the host
// a local user id or pass the existing user through.
type Coordinator struct {
	synchronizer *Synchronizer
	cache        TokenCache
	logger       *zap.Logger
	metrics      MetricsRecorder
}

// NewCoordinator wires the synchronizer and optional token cache. A nil cache
// disables caching entirely.
func NewCoordinator(synchronizer *Synchronizer, cache TokenCache, logger *zap.Logger, metrics MetricsRecorder) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Coordinator{
		synchronizer: synchronizer,
		cache:        cache,
		logger:       logger,
		metrics:      metrics,
	}
}

// Attempt resolves the request credential to a local user id. It never fails
// the request: on any error the existing user id passes through unchanged and
// the failure is recorded for ReportedError. An already-authenticated caller
// is returned untouched, as is a re-entrant call within the same request;
// neither disturbs a failure already recorded for this request.
func (coordinator *Coordinator) Attempt(ctx context.Context, existingUserID int64, headers http.Header, query url.Values) int64 {
	state := attemptStateFrom(ctx)
	if state == nil {
		// Host skipped NewAttemptContext; keep a transient slot so the
		// attempt itself still behaves, even if nothing can report it.
		state = &attemptState{}
	}

	if existingUserID != 0 || state.resolving {
		coordinator.metrics.Increment(MetricAttemptPassthrough)
		return existingUserID
	}

	// The slot is cleared only ahead of a fresh attempt; a failure recorded
	// earlier in this request (cookie revalidation) survives passthrough.
	state.lastError = nil

	tokenValue, extractErr := ProvidedToken(headers, query)
	if extractErr != nil {
		state.lastError = extractErr
		coordinator.metrics.Increment(MetricAttemptFailed)
		return existingUserID
	}
	if tokenValue == "" {
		coordinator.metrics.Increment(MetricAttemptPassthrough)
		return existingUserID
	}

	state.resolving = true
	defer func() { state.resolving = false }()

	if coordinator.cache != nil {
		cachedUserID, cacheHit, cacheErr := coordinator.cache.Get(ctx, tokenValue)
		if cacheErr != nil {
			coordinator.logger.Warn("token cache lookup failed", zap.Error(cacheErr))
		}
		if cacheHit {
			coordinator.metrics.Increment(MetricAttemptCacheHit)
			return cachedUserID
		}
	}

	localUser, syncErr := coordinator.synchronizer.Synchronize(ctx, tokenValue)
	if syncErr != nil {
		state.lastError = AsAuthError(syncErr)
		coordinator.metrics.Increment(MetricAttemptFailed)
		coordinator.logger.Warn("identity synchronization failed",
			zap.String("code", state.lastError.Code),
			zap.String("detail", state.lastError.Message))
		return existingUserID
	}

	if coordinator.cache != nil {
		if cacheErr := coordinator.cache.Set(ctx, tokenValue, localUser.ID); cacheErr != nil {
			coordinator.logger.Warn("token cache store failed", zap.Error(cacheErr))
		}
	}

	coordinator.metrics.Increment(MetricAttemptResolved)
	return localUser.ID
}

// RevalidateAuthenticated re-checks an already-authenticated user against the
// upstream identity site using the access token recorded at creation time.
// The existing id passes through on any failure or when no token is stored.
func (coordinator *Coordinator) RevalidateAuthenticated(ctx context.Context, existingUserID int64) int64 {
	if existingUserID == 0 {
		return existingUserID
	}
	state := attemptStateFrom(ctx)
	if state == nil {
		state = &attemptState{}
	}
	if state.resolving {
		return existingUserID
	}
	state.resolving = true
	defer func() { state.resolving = false }()

	storedToken, metaErr := coordinator.synchronizer.users.GetMeta(ctx, existingUserID, MetaAccessToken)
	if metaErr != nil {
		state.lastError = NewStoreError(metaErr)
		return existingUserID
	}
	if storedToken == "" {
		return existingUserID
	}

	localUser, syncErr := coordinator.synchronizer.Synchronize(ctx, storedToken)
	if syncErr != nil {
		state.lastError = AsAuthError(syncErr)
		coordinator.metrics.Increment(MetricAttemptFailed)
		return existingUserID
	}
	coordinator.metrics.Increment(MetricAttemptResolved)
	return localUser.ID
}
