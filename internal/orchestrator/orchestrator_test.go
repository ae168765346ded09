package orchestrator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atproto-tools/migrate-engine/internal/core/domain"
	"github.com/atproto-tools/migrate-engine/internal/pdsclient"
	"github.com/atproto-tools/migrate-engine/internal/store"
)

// fakePDS serves every XRPC endpoint the orchestrator calls against a
// single in-memory account, letting one httptest.Server stand in for both
// the old and new PDS since paths don't collide.
type fakePDS struct {
	t              *testing.T
	accountCreated bool
	activated      bool
}

func newFakePDS(t *testing.T) *httptest.Server {
	f := &fakePDS{t: t}
	return httptest.NewServer(http.HandlerFunc(f.handle))
}

func (f *fakePDS) handle(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/xrpc/com.atproto.server.describeServer":
		writeJSON(w, map[string]any{"did": "did:web:target.example", "availableUserDomains": []string{"target.example"}})
	case "/xrpc/com.atproto.server.createSession":
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, map[string]any{"error": "AuthenticationRequired", "message": "no such account"})
	case "/xrpc/com.atproto.server.getServiceAuth":
		writeJSON(w, map[string]any{"token": "service-auth-jwt"})
	case "/xrpc/com.atproto.server.createAccount":
		f.accountCreated = true
		writeJSON(w, map[string]any{"did": "did:plc:abc123", "handle": "alice.target.example", "accessJwt": "new-access", "refreshJwt": "new-refresh"})
	case "/xrpc/com.atproto.server.checkAccountStatus":
		writeJSON(w, map[string]any{"activated": f.activated})
	case "/xrpc/com.atproto.sync.getRepo":
		w.Write([]byte("car-bytes"))
	case "/xrpc/com.atproto.repo.importRepo":
		writeJSON(w, map[string]any{})
	case "/xrpc/com.atproto.sync.listBlobs":
		writeJSON(w, map[string]any{"cids": []string{}, "cursor": ""})
	case "/xrpc/com.atproto.repo.listMissingBlobs":
		writeJSON(w, map[string]any{"blobs": []map[string]string{}, "cursor": ""})
	case "/xrpc/app.bsky.actor.getPreferences":
		w.Write([]byte(`{"preferences":[]}`))
	case "/xrpc/app.bsky.actor.putPreferences":
		writeJSON(w, map[string]any{})
	case "/xrpc/com.atproto.identity.getRecommendedDidCredentials":
		writeJSON(w, map[string]any{"rotationKeys": []string{"did:key:zabc"}})
	case "/xrpc/com.atproto.identity.requestPlcOperationSignature":
		writeJSON(w, map[string]any{})
	default:
		f.t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, string) {
	t.Helper()
	client, err := pdsclient.New(pdsclient.Config{RateLimit: 1000}, nil)
	require.NoError(t, err)

	st, err := store.New(t.Context(), store.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	dbPath := filepath.Join(t.TempDir(), "runs.db")
	runs, err := NewRunStore(t.Context(), dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { runs.Close() })

	return New(client, st, runs, nil, nil), dbPath
}

func oldSession(pdsURL string) domain.Session {
	exp := time.Now().Add(time.Hour)
	return domain.Session{
		DID:         "did:plc:abc123",
		Handle:      "alice.old.example",
		PDSURL:      pdsURL,
		AccessToken: "old-access",
		ExpiresAt:   &exp,
	}
}

func TestRun_HappyPathCreatesAccountAndCompletesAllPhases(t *testing.T) {
	srv := newFakePDS(t)
	defer srv.Close()

	o, _ := newTestOrchestrator(t)
	progress, err := o.Run(t.Context(), oldSession(srv.URL), Options{
		TargetPDSURL: srv.URL,
		Handle:       "alice.target.example",
		Password:     "correcthorsebattery",
		Email:        "alice@example.com",
	})
	require.NoError(t, err)
	assert.True(t, progress.Done())
	assert.Equal(t, len(domain.Ordered), progress.CurrentIdx)
	for _, ph := range progress.Phases {
		assert.Equal(t, domain.PhaseCompleted, ph.Status, "phase %s", ph.Phase)
	}
}

func TestRun_StopsAtVerifyNewNotActivatedWhenTargetAlreadyLive(t *testing.T) {
	f := &fakePDS{t: t, activated: true}
	srv := httptest.NewServer(http.HandlerFunc(f.handle))
	defer srv.Close()

	o, _ := newTestOrchestrator(t)
	progress, err := o.Run(t.Context(), oldSession(srv.URL), Options{
		TargetPDSURL: srv.URL,
		Handle:       "alice.target.example",
		Password:     "correcthorsebattery",
		Email:        "alice@example.com",
	})
	require.Error(t, err)
	assert.Equal(t, domain.PhaseVerifyNewNotActivated, progress.CurrentPhase())
	assert.Equal(t, domain.PhaseFailed, progress.Phases[progress.CurrentIdx].Status)
}

func TestRun_ResumesFromPersistedProgress(t *testing.T) {
	srv := newFakePDS(t)
	defer srv.Close()

	o, dbPath := newTestOrchestrator(t)
	opts := Options{
		TargetPDSURL: srv.URL,
		Handle:       "alice.target.example",
		Password:     "correcthorsebattery",
		Email:        "alice@example.com",
	}

	sess := oldSession(srv.URL)
	first, err := o.Run(t.Context(), sess, opts)
	require.NoError(t, err)
	require.True(t, first.Done())

	// A second orchestrator instance against the same run database should
	// see the run already complete and not re-execute any phase.
	runs2, err := NewRunStore(t.Context(), dbPath, nil)
	require.NoError(t, err)
	defer runs2.Close()

	resumed, ok, err := runs2.FindActiveByDID(t.Context(), sess.DID)
	require.NoError(t, err)
	assert.False(t, ok, "a completed run must not be reported as active")
	assert.Empty(t, resumed.RunID)
}
