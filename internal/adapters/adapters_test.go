package adapters

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atproto-tools/migrate-engine/internal/core/domain"
	"github.com/atproto-tools/migrate-engine/internal/pdsclient"
)

func testClient(t *testing.T) *pdsclient.Client {
	t.Helper()
	c, err := pdsclient.New(pdsclient.Config{RateLimit: 1000}, nil)
	require.NoError(t, err)
	return c
}

func TestRepoSource_ListItemsReturnsSingleDID(t *testing.T) {
	src := RepoSource{Session: domain.Session{DID: "did:plc:abc"}}
	items, err := src.ListItems(t.Context())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "did:plc:abc", items[0].ID)
}

func TestRepoTarget_ListMissingIsAlwaysEmpty(t *testing.T) {
	tgt := RepoTarget{}
	missing, err := tgt.ListMissing(t.Context())
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestBlobSource_ListItemsPaginatesUntilCursorTerminates(t *testing.T) {
	var call int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call++
		if call == 1 {
			json.NewEncoder(w).Encode(map[string]any{"cids": []string{"cid1", "cid2"}, "cursor": "page2"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"cids": []string{"cid3"}, "cursor": ""})
	}))
	defer srv.Close()

	src := BlobSource{
		Client:  testClient(t),
		Session: domain.Session{PDSURL: srv.URL, DID: "did:plc:abc", AccessToken: "tok"},
	}
	items, err := src.ListItems(t.Context())
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "cid1", items[0].ID)
	assert.Equal(t, "cid3", items[2].ID)
}

func TestBlobTarget_ListMissingFlattensCIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"blobs": []map[string]string{{"cid": "cidA"}}, "cursor": ""})
	}))
	defer srv.Close()

	tgt := BlobTarget{
		Client:  testClient(t),
		Session: domain.Session{PDSURL: srv.URL, DID: "did:plc:abc", AccessToken: "tok"},
	}
	missing, err := tgt.ListMissing(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"cidA"}, missing)
}
