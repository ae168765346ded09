package apierrors

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atproto-tools/migrate-engine/internal/core/resilience"
)

func TestStatusCode(t *testing.T) {
	cases := []struct {
		code Code
		want int
	}{
		{CodeValidationError, http.StatusBadRequest},
		{CodeAuthenticationError, http.StatusUnauthorized},
		{CodeAlreadyActivated, http.StatusConflict},
		{CodeNotFound, http.StatusNotFound},
		{CodeRateLimitExceeded, http.StatusTooManyRequests},
		{CodeTargetUnavailable, http.StatusServiceUnavailable},
		{CodeIntegrityViolation, http.StatusUnprocessableEntity},
		{CodeInternalError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		err := New(tc.code, "x")
		assert.Equal(t, tc.want, err.StatusCode(), tc.code)
	}
}

func TestClass(t *testing.T) {
	assert.Equal(t, resilience.Transient, RateLimitError("target").Class())
	assert.Equal(t, resilience.Integrity, IntegrityViolationError("cid mismatch").Class())
	assert.Equal(t, resilience.Terminal, AlreadyActivatedError("did:plc:abc").Class())
}

func TestClassify_RecognizesAPIErrorViaClassifiable(t *testing.T) {
	err := TargetUnavailableError("https://target.example")
	assert.Equal(t, resilience.Transient, resilience.Classify(err))
}

func TestWriteError_SetsStatusAndBody(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, RunConflictError("did:plc:abc").WithRunID("run-1"))

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), `"RUN_CONFLICT"`)
	assert.Contains(t, rec.Body.String(), `"run_id":"run-1"`)
}

func TestWithDetails(t *testing.T) {
	err := ValidationError("bad handle").WithDetails(map[string]string{"field": "handle"})
	assert.Equal(t, map[string]string{"field": "handle"}, err.Details)
}
