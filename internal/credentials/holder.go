// Package credentials manages the one Session a migration run holds for a
// given PDS account, refreshing it under an exclusive critical section so
// concurrent callers never race two refreshes against the same holder.
package credentials

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/atproto-tools/migrate-engine/internal/core/domain"
	"github.com/atproto-tools/migrate-engine/internal/core/resilience"
)

// ErrSessionExpired is returned when a refresh fails in a way that leaves
// the holder with no usable token.
var ErrSessionExpired = errors.New("session expired and could not be refreshed")

// RefreshFunc performs the actual network round-trip to mint a new session
// from the current one (e.g. a PDS refreshSession call). Implementations
// should return an error annotated with resilience.WithClass so the holder
// can tell a transient network failure from a structural rejection.
type RefreshFunc func(ctx context.Context, current domain.Session) (domain.Session, error)

// Holder owns one domain.Session and serializes refreshes against it.
type Holder struct {
	mu      sync.Mutex
	session domain.Session
	refresh RefreshFunc
	logger  *slog.Logger
}

// New creates a Holder seeded with an initial session.
func New(initial domain.Session, refresh RefreshFunc, logger *slog.Logger) *Holder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Holder{session: initial, refresh: refresh, logger: logger}
}

// GetFreshToken returns a token guaranteed non-expired (by at least 5
// minutes of headroom) at the moment of return. If the session needs
// refresh it performs exactly one refresh; concurrent callers block on the
// same mutex and observe the refreshed token once it completes.
func (h *Holder) GetFreshToken(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	if !h.session.NeedsRefresh(now) {
		return h.session.AccessToken, nil
	}
	return h.refreshLocked(ctx)
}

// ForceRefresh unconditionally performs a refresh, used after the target
// rejects a request with 401 even though the local clock thought the
// token was still fresh.
func (h *Holder) ForceRefresh(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refreshLocked(ctx)
}

// GetFreshTokenWithRetry wraps GetFreshToken in exponential backoff:
// 1s initial delay, doubling, capped at 10s. A structural refresh failure
// (the server rejected the refresh itself, not a transient network error)
// is not retried.
func (h *Holder) GetFreshTokenWithRetry(ctx context.Context, maxRetries int) (string, error) {
	policy := &resilience.RetryPolicy{
		MaxRetries:    maxRetries,
		BaseDelay:     1 * time.Second,
		MaxDelay:      10 * time.Second,
		Multiplier:    2.0,
		Jitter:        true,
		ErrorChecker:  transientOnly{},
		Logger:        h.logger,
		OperationName: "credentials_refresh",
	}
	return resilience.WithRetryFunc(ctx, policy, func() (string, error) {
		return h.GetFreshToken(ctx)
	})
}

// Snapshot returns the read-only, secret-free view of the held session.
func (h *Holder) Snapshot() domain.View {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session.Redacted()
}

// refreshLocked performs the refresh; caller must hold h.mu.
func (h *Holder) refreshLocked(ctx context.Context) (string, error) {
	next, err := h.refresh(ctx, h.session)
	if err != nil {
		h.logger.Warn("session refresh failed", "did", h.session.DID, "error", err)
		if resilience.Classify(err) != resilience.Transient {
			return "", errors.Join(ErrSessionExpired, err)
		}
		return "", err
	}
	h.session = next
	return h.session.AccessToken, nil
}

// transientOnly is the ErrorChecker for GetFreshTokenWithRetry: only
// network/timeout-class errors are retried, matching the spec's rule that
// a structural (non-2xx, non-transient) refresh rejection is terminal.
type transientOnly struct{}

func (transientOnly) IsRetryable(err error) bool {
	return resilience.Classify(err) == resilience.Transient
}
