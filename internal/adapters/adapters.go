// Package adapters implements the C6 Source/Target Adapters: thin bindings
// from internal/sync's DataSource/DataTarget contract onto one PDS account's
// session via internal/pdsclient. No separate third-party dependency — this
// package is pure wiring.
package adapters

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/atproto-tools/migrate-engine/internal/core/domain"
	"github.com/atproto-tools/migrate-engine/internal/pdsclient"
	"github.com/atproto-tools/migrate-engine/internal/sync"
)

const blobListPageSize = 500

// RepoSource exposes one session's repository export as a single-item
// sync.DataSource.
type RepoSource struct {
	Client  *pdsclient.Client
	Session domain.Session
}

func (s RepoSource) ListItems(ctx context.Context) ([]sync.Item, error) {
	return []sync.Item{{ID: s.Session.DID}}, nil
}

func (s RepoSource) FetchStream(ctx context.Context, item sync.Item) (io.ReadCloser, error) {
	return s.Client.ExportRepository(ctx, s.Session)
}

// RepoTarget imports a repository archive at the target. The missing list
// is always empty per spec.md §4.5 ("for the repository case there is
// exactly one item... and the missing list is always empty") — every
// MigrateRepo run re-imports the full archive.
type RepoTarget struct {
	Client  *pdsclient.Client
	Session domain.Session
}

func (t RepoTarget) ListMissing(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (t RepoTarget) UploadData(ctx context.Context, id string, data []byte, mime string) error {
	resp, err := t.Client.ImportRepository(ctx, t.Session, bytes.NewReader(data))
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("importing repository for %s: %s", id, resp.Message)
	}
	return nil
}

// BlobSource pages through a session's full blob list as sync.DataSource
// items, one per CID.
type BlobSource struct {
	Client  *pdsclient.Client
	Session domain.Session
}

func (s BlobSource) ListItems(ctx context.Context) ([]sync.Item, error) {
	return listAllCIDs(ctx, func(cursor *string) (domain.BlobCIDPage, error) {
		return s.Client.ListBlobs(ctx, s.Session, cursor, blobListPageSize)
	})
}

func (s BlobSource) FetchStream(ctx context.Context, item sync.Item) (io.ReadCloser, error) {
	return s.Client.FetchBlob(ctx, s.Session, item.ID)
}

// BlobTarget reports which blobs the target is still missing and accepts
// blob uploads.
type BlobTarget struct {
	Client  *pdsclient.Client
	Session domain.Session
}

func (t BlobTarget) ListMissing(ctx context.Context) ([]string, error) {
	items, err := listAllCIDs(ctx, func(cursor *string) (domain.BlobCIDPage, error) {
		return t.Client.GetMissingBlobs(ctx, t.Session, cursor, blobListPageSize)
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids, nil
}

func (t BlobTarget) UploadData(ctx context.Context, id string, data []byte, mime string) error {
	if mime == "" {
		mime = "application/octet-stream"
	}
	resp, err := t.Client.UploadBlob(ctx, t.Session, bytes.NewReader(data), mime)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("uploading blob %s: %s", id, resp.Message)
	}
	return nil
}

// listAllCIDs drains a cursor-paginated CID listing to completion, following
// spec.md §4.2's universal cursor-termination rule via BlobCIDPage.HasMore.
func listAllCIDs(ctx context.Context, fetch func(cursor *string) (domain.BlobCIDPage, error)) ([]sync.Item, error) {
	var items []sync.Item
	var cursor *string
	for {
		page, err := fetch(cursor)
		if err != nil {
			return nil, err
		}
		if !page.Success {
			return nil, fmt.Errorf("listing blobs: %s", page.Message)
		}
		for _, cid := range page.CIDs {
			items = append(items, sync.Item{ID: cid, MIME: "application/octet-stream"})
		}
		if !page.HasMore() {
			break
		}
		cursor = page.Cursor
	}
	return items, nil
}
