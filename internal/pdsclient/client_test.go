package pdsclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atproto-tools/migrate-engine/internal/core/domain"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(Config{RateLimit: 1000}, nil)
	require.NoError(t, err)
	return c
}

func TestDescribeServer_CachesResponse(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{
			"did":                  "did:web:pds.example.com",
			"availableUserDomains": []string{"example.com"},
		})
	}))
	defer srv.Close()

	c := newTestClient(t)
	ctx := t.Context()

	out, err := c.DescribeServer(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "did:web:pds.example.com", out.DID)

	_, err = c.DescribeServer(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "second call should be served from cache")
}

func TestTryLogin_InvalidCredentialsReturnsUnsuccessful(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "AuthenticationRequired", "message": "bad password"})
	}))
	defer srv.Close()

	c := newTestClient(t)
	resp, err := c.TryLogin(t.Context(), srv.URL, "alice.example.com", "wrong")
	require.NoError(t, err)
	assert.False(t, resp.Success)
}

func TestTryLogin_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(sessionWire{DID: "did:plc:abc", Handle: "alice.example.com", AccessJwt: "tok", RefreshJwt: "rtok"})
	}))
	defer srv.Close()

	c := newTestClient(t)
	resp, err := c.TryLogin(t.Context(), srv.URL, "alice.example.com", "correct")
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.NotNil(t, resp.Session)
	assert.Equal(t, "did:plc:abc", resp.Session.DID)
}

func TestCreateAccount_AlreadyExists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "AlreadyExists", "message": "account exists"})
	}))
	defer srv.Close()

	c := newTestClient(t)
	resp, err := c.CreateAccount(t.Context(), srv.URL, domain.CreateAccountRequest{
		DID: "did:plc:abc", Handle: "alice.example.com", Password: "hunter2x", Email: "a@example.com",
		ServiceAuthToken: "jwt",
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.True(t, resp.Resumable)
	assert.Equal(t, domain.ErrCodeAlreadyExists, resp.ErrorCode)
}

func TestCreateAccount_ValidatesRequest(t *testing.T) {
	c := newTestClient(t)
	_, err := c.CreateAccount(t.Context(), "http://unused.invalid", domain.CreateAccountRequest{})
	require.Error(t, err)
}

func TestListBlobs_CursorPagination(t *testing.T) {
	pages := []struct {
		cids   []string
		cursor *string
	}{
		{cids: []string{"cid1", "cid2"}, cursor: strPtr("page2")},
		{cids: []string{"cid3"}, cursor: strPtr("")},
	}
	var call int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := pages[call]
		call++
		json.NewEncoder(w).Encode(map[string]any{"cids": p.cids, "cursor": p.cursor})
	}))
	defer srv.Close()

	c := newTestClient(t)
	session := domain.Session{PDSURL: srv.URL, DID: "did:plc:abc", AccessToken: "tok"}

	var all []string
	var cursor *string
	for {
		page, err := c.ListBlobs(t.Context(), session, cursor, 100)
		require.NoError(t, err)
		all = append(all, page.CIDs...)
		if !page.HasMore() {
			break
		}
		cursor = page.Cursor
	}
	assert.Equal(t, []string{"cid1", "cid2", "cid3"}, all)
}

func strPtr(s string) *string { return &s }
