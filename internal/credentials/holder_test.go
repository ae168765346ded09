package credentials

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atproto-tools/migrate-engine/internal/core/domain"
	"github.com/atproto-tools/migrate-engine/internal/core/resilience"
)

func freshSession(expiresIn time.Duration) domain.Session {
	exp := time.Now().Add(expiresIn)
	return domain.Session{
		DID:         "did:plc:abc123",
		Handle:      "alice.example.com",
		PDSURL:      "https://pds.example.com",
		AccessToken: "initial-token",
		ExpiresAt:   &exp,
	}
}

func TestGetFreshToken_NoRefreshWhenFresh(t *testing.T) {
	var calls int32
	h := New(freshSession(time.Hour), func(ctx context.Context, s domain.Session) (domain.Session, error) {
		atomic.AddInt32(&calls, 1)
		return s, nil
	}, nil)

	tok, err := h.GetFreshToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "initial-token", tok)
	assert.Equal(t, int32(0), calls)
}

func TestGetFreshToken_RefreshesWhenNearExpiry(t *testing.T) {
	h := New(freshSession(1*time.Minute), func(ctx context.Context, s domain.Session) (domain.Session, error) {
		exp := time.Now().Add(time.Hour)
		s.AccessToken = "refreshed-token"
		s.ExpiresAt = &exp
		return s, nil
	}, nil)

	tok, err := h.GetFreshToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "refreshed-token", tok)
}

func TestGetFreshToken_ExclusiveRefresh(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	h := New(freshSession(time.Minute), func(ctx context.Context, s domain.Session) (domain.Session, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		exp := time.Now().Add(time.Hour)
		s.AccessToken = "refreshed-once"
		s.ExpiresAt = &exp
		return s, nil
	}, nil)

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			tok, err := h.GetFreshToken(context.Background())
			require.NoError(t, err)
			results[idx] = tok
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls)
	for _, r := range results {
		assert.Equal(t, "refreshed-once", r)
	}
}

func TestGetFreshToken_StructuralFailureLeavesSessionUnchanged(t *testing.T) {
	h := New(freshSession(time.Minute), func(ctx context.Context, s domain.Session) (domain.Session, error) {
		return domain.Session{}, resilience.WithClass(assertErr, resilience.Terminal)
	}, nil)

	_, err := h.GetFreshToken(context.Background())
	require.ErrorIs(t, err, ErrSessionExpired)

	view := h.Snapshot()
	assert.Equal(t, "did:plc:abc123", view.DID)
}

func TestForceRefresh(t *testing.T) {
	h := New(freshSession(time.Hour), func(ctx context.Context, s domain.Session) (domain.Session, error) {
		exp := time.Now().Add(time.Hour)
		s.AccessToken = "forced"
		s.ExpiresAt = &exp
		return s, nil
	}, nil)

	tok, err := h.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "forced", tok)
}

func TestGetFreshTokenWithRetry_RetriesTransientThenSucceeds(t *testing.T) {
	var attempts int32
	h := New(freshSession(time.Minute), func(ctx context.Context, s domain.Session) (domain.Session, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return domain.Session{}, &net.DNSError{IsTemporary: true}
		}
		exp := time.Now().Add(time.Hour)
		s.AccessToken = "eventually"
		s.ExpiresAt = &exp
		return s, nil
	}, nil)

	tok, err := h.GetFreshTokenWithRetry(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "eventually", tok)
	assert.GreaterOrEqual(t, attempts, int32(3))
}

func TestGetFreshTokenWithRetry_DoesNotRetryStructuralFailure(t *testing.T) {
	var attempts int32
	h := New(freshSession(time.Minute), func(ctx context.Context, s domain.Session) (domain.Session, error) {
		atomic.AddInt32(&attempts, 1)
		return domain.Session{}, resilience.WithClass(assertErr, resilience.Terminal)
	}, nil)

	_, err := h.GetFreshTokenWithRetry(context.Background(), 5)
	require.Error(t, err)
	assert.Equal(t, int32(1), attempts)
}

func TestSnapshotRedactsSecrets(t *testing.T) {
	h := New(freshSession(time.Hour), nil, nil)
	view := h.Snapshot()
	assert.Equal(t, "did:plc:abc123", view.DID)
	assert.Equal(t, "alice.example.com", view.Handle)
}

var assertErr = &staticError{"refresh rejected: password mismatch"}

type staticError struct{ msg string }

func (e *staticError) Error() string { return e.msg }
