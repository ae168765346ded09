package pdsclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/atproto-tools/migrate-engine/internal/core/domain"
)

var validate = validator.New()

// DescribeServer discovers a PDS's did and availableUserDomains. Responses
// are immutable for the run, so they are cached per pdsURL.
func (c *Client) DescribeServer(ctx context.Context, pdsURL string) (domain.DescribeResponse, error) {
	if cached, ok := c.describeLRU.Get(pdsURL); ok {
		return cached, nil
	}

	var out domain.DescribeResponse
	err := c.doJSON(ctx, "describe_server", request{
		method: http.MethodGet,
		url:    pdsURL + "/xrpc/com.atproto.server.describeServer",
	}, &out)
	if err != nil {
		return domain.DescribeResponse{}, err
	}
	c.describeLRU.Add(pdsURL, out)
	return out, nil
}

// TryLogin probes for an existing account under handle/password at pdsURL.
func (c *Client) TryLogin(ctx context.Context, pdsURL, handle, password string) (domain.LoginResponse, error) {
	var raw sessionWire
	err := c.doJSON(ctx, "try_login", request{
		method: http.MethodPost,
		url:    pdsURL + "/xrpc/com.atproto.server.createSession",
		jsonBody: map[string]string{
			"identifier": handle,
			"password":   password,
		},
	}, &raw)
	if err != nil {
		if apiErr, ok := asAPIError(err); ok && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusBadRequest) {
			return domain.LoginResponse{Success: false, Message: apiErr.Message}, nil
		}
		return domain.LoginResponse{}, err
	}

	sess := raw.toSession(pdsURL)
	return domain.LoginResponse{Success: true, Session: &sess}, nil
}

// RefreshSession exchanges session's refresh token for a new access/refresh
// token pair. Used by credentials.Holder as its RefreshFunc.
func (c *Client) RefreshSession(ctx context.Context, session domain.Session) (domain.Session, error) {
	var raw sessionWire
	err := c.doJSON(ctx, "refresh_session", request{
		method: http.MethodPost,
		url:    session.PDSURL + "/xrpc/com.atproto.server.refreshSession",
		bearer: session.RefreshToken,
	}, &raw)
	if err != nil {
		return domain.Session{}, err
	}
	return raw.toSession(session.PDSURL), nil
}

// GetServiceAuth mints a short-lived, migration-scoped JWT from the source
// PDS proving ownership of the caller's DID, scoped to targetDID and lxm.
func (c *Client) GetServiceAuth(ctx context.Context, session domain.Session, targetDID, lxm string, exp time.Time) (domain.ServiceAuthResponse, error) {
	q := url.Values{}
	q.Set("aud", targetDID)
	q.Set("lxm", lxm)
	q.Set("exp", fmt.Sprintf("%d", exp.Unix()))

	var out struct {
		Token string `json:"token"`
	}
	err := c.doJSON(ctx, "get_service_auth", request{
		method: http.MethodGet,
		url:    session.PDSURL + "/xrpc/com.atproto.server.getServiceAuth?" + q.Encode(),
		bearer: session.AccessToken,
	}, &out)
	if err != nil {
		return domain.ServiceAuthResponse{}, err
	}
	return domain.ServiceAuthResponse{Success: true, Token: out.Token}, nil
}

// CreateAccount creates or adopts an account at the target under req.DID.
func (c *Client) CreateAccount(ctx context.Context, pdsURL string, req domain.CreateAccountRequest) (domain.CreateAccountResponse, error) {
	if err := validate.Struct(req); err != nil {
		return domain.CreateAccountResponse{}, fmt.Errorf("pdsclient: invalid create_account request: %w", err)
	}

	var raw struct {
		sessionWire
		ErrorName string `json:"error"`
		Message   string `json:"message"`
	}
	err := c.doJSON(ctx, "create_account", request{
		method:   http.MethodPost,
		url:      pdsURL + "/xrpc/com.atproto.server.createAccount",
		jsonBody: req,
	}, &raw)
	if err != nil {
		if apiErr, ok := asAPIError(err); ok && apiErr.ErrorName == "AlreadyExists" {
			resp := domain.CreateAccountResponse{
				Success:   false,
				Message:   apiErr.Message,
				Resumable: true,
				ErrorCode: domain.ErrCodeAlreadyExists,
			}
			return resp, nil
		}
		return domain.CreateAccountResponse{}, err
	}

	sess := raw.toSession(pdsURL)
	return domain.CreateAccountResponse{Success: true, Session: &sess}, nil
}

// CheckAccountStatus queries activation and blob bookkeeping for session's account.
func (c *Client) CheckAccountStatus(ctx context.Context, session domain.Session) (domain.AccountStatus, error) {
	var out struct {
		Activated     bool  `json:"activated"`
		ExpectedBlobs int64 `json:"expectedBlobs"`
		ImportedBlobs int64 `json:"importedBlobs"`
		RepoBlocks    int64 `json:"repoBlocks"`
	}
	err := c.doJSON(ctx, "check_account_status", request{
		method: http.MethodGet,
		url:    session.PDSURL + "/xrpc/com.atproto.server.checkAccountStatus",
		bearer: session.AccessToken,
	}, &out)
	if err != nil {
		return domain.AccountStatus{}, err
	}
	return domain.AccountStatus{
		Success:       true,
		Activated:     out.Activated,
		ExpectedBlobs: out.ExpectedBlobs,
		ImportedBlobs: out.ImportedBlobs,
		RepoBlocks:    out.RepoBlocks,
	}, nil
}

// ExportRepository streams the source's content-addressed repository archive.
// Callers must close the returned ReadCloser. Not retried internally: a
// partially-read stream cannot be safely replayed at this layer.
func (c *Client) ExportRepository(ctx context.Context, session domain.Session) (io.ReadCloser, error) {
	q := url.Values{}
	q.Set("did", session.DID)
	resp, err := c.doStream(ctx, "export_repository", request{
		method: http.MethodGet,
		url:    session.PDSURL + "/xrpc/com.atproto.sync.getRepo?" + q.Encode(),
		bearer: session.AccessToken,
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// ImportRepository ingests a repository archive at the target.
func (c *Client) ImportRepository(ctx context.Context, session domain.Session, data io.Reader) (domain.SimpleResponse, error) {
	resp, err := c.doStream(ctx, "import_repository", request{
		method:      http.MethodPost,
		url:         session.PDSURL + "/xrpc/com.atproto.repo.importRepo",
		bearer:      session.AccessToken,
		binaryBody:  data,
		contentType: "application/vnd.ipld.car",
	})
	if err != nil {
		return domain.SimpleResponse{}, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return domain.SimpleResponse{Success: true}, nil
}

// ListBlobs pages through the source's blobs. A nil or empty-string cursor
// terminates pagination; this is the universal cursor-termination rule.
func (c *Client) ListBlobs(ctx context.Context, session domain.Session, cursor *string, limit int) (domain.BlobCIDPage, error) {
	return c.listCIDs(ctx, session, "list_blobs", "com.atproto.sync.listBlobs", "cids", cursor, limit)
}

// GetMissingBlobs pages through the target's outstanding blob list for session's account.
func (c *Client) GetMissingBlobs(ctx context.Context, session domain.Session, cursor *string, limit int) (domain.BlobCIDPage, error) {
	return c.listCIDs(ctx, session, "get_missing_blobs", "com.atproto.repo.listMissingBlobs", "blobs", cursor, limit)
}

func (c *Client) listCIDs(ctx context.Context, session domain.Session, operation, method, cidsField string, cursor *string, limit int) (domain.BlobCIDPage, error) {
	q := url.Values{}
	q.Set("did", session.DID)
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != nil && *cursor != "" {
		q.Set("cursor", *cursor)
	}

	var out struct {
		CIDs   []string `json:"cids"`
		Blobs  []struct {
			CID string `json:"cid"`
		} `json:"blobs"`
		Cursor *string `json:"cursor"`
	}
	err := c.doJSON(ctx, operation, request{
		method: http.MethodGet,
		url:    session.PDSURL + "/xrpc/" + method + "?" + q.Encode(),
		bearer: session.AccessToken,
	}, &out)
	if err != nil {
		return domain.BlobCIDPage{}, err
	}

	cids := out.CIDs
	if cidsField == "blobs" {
		cids = make([]string, len(out.Blobs))
		for i, b := range out.Blobs {
			cids[i] = b.CID
		}
	}
	return domain.BlobCIDPage{Success: true, CIDs: cids, Cursor: out.Cursor}, nil
}

// FetchBlob streams one blob's bytes from the source. Callers must close
// the returned ReadCloser.
func (c *Client) FetchBlob(ctx context.Context, session domain.Session, cid string) (io.ReadCloser, error) {
	q := url.Values{}
	q.Set("did", session.DID)
	q.Set("cid", cid)
	resp, err := c.doStream(ctx, "fetch_blob", request{
		method: http.MethodGet,
		url:    session.PDSURL + "/xrpc/com.atproto.sync.getBlob?" + q.Encode(),
		bearer: session.AccessToken,
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// UploadBlob ingests blob bytes at the target.
func (c *Client) UploadBlob(ctx context.Context, session domain.Session, data io.Reader, mime string) (domain.SimpleResponse, error) {
	resp, err := c.doStream(ctx, "upload_blob", request{
		method:      http.MethodPost,
		url:         session.PDSURL + "/xrpc/com.atproto.repo.uploadBlob",
		bearer:      session.AccessToken,
		binaryBody:  data,
		contentType: mime,
	})
	if err != nil {
		return domain.SimpleResponse{}, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return domain.SimpleResponse{Success: true}, nil
}

// ExportPreferences fetches the source's preferences JSON blob.
func (c *Client) ExportPreferences(ctx context.Context, session domain.Session) (domain.PreferencesResponse, error) {
	resp, err := c.doStream(ctx, "export_preferences", request{
		method: http.MethodGet,
		url:    session.PDSURL + "/xrpc/app.bsky.actor.getPreferences",
		bearer: session.AccessToken,
	})
	if err != nil {
		return domain.PreferencesResponse{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.PreferencesResponse{}, fmt.Errorf("pdsclient: reading preferences: %w", err)
	}
	return domain.PreferencesResponse{Success: true, PreferencesJSON: data}, nil
}

// ImportPreferences ingests preferences JSON at the target.
func (c *Client) ImportPreferences(ctx context.Context, session domain.Session, prefsJSON []byte) (domain.SimpleResponse, error) {
	resp, err := c.doStream(ctx, "import_preferences", request{
		method:      http.MethodPost,
		url:         session.PDSURL + "/xrpc/app.bsky.actor.putPreferences",
		bearer:      session.AccessToken,
		binaryBody:  bytesReader(prefsJSON),
		contentType: "application/json",
	})
	if err != nil {
		return domain.SimpleResponse{}, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return domain.SimpleResponse{Success: true}, nil
}

// GetPLCRecommendation fetches the target's proposed, unsigned DID document update.
func (c *Client) GetPLCRecommendation(ctx context.Context, session domain.Session) (domain.PLCRecommendation, error) {
	var out map[string]any
	err := c.doJSON(ctx, "get_plc_recommendation", request{
		method: http.MethodGet,
		url:    session.PDSURL + "/xrpc/com.atproto.identity.getRecommendedDidCredentials",
		bearer: session.AccessToken,
	}, &out)
	if err != nil {
		return domain.PLCRecommendation{}, err
	}
	return domain.PLCRecommendation{Success: true, PLCUnsigned: out}, nil
}

// RequestPLCToken triggers an email to the source-PDS-of-record carrying a
// signing token needed to submit the PLC operation.
func (c *Client) RequestPLCToken(ctx context.Context, session domain.Session) (domain.SimpleResponse, error) {
	err := c.doJSON(ctx, "request_plc_token", request{
		method: http.MethodPost,
		url:    session.PDSURL + "/xrpc/com.atproto.identity.requestPlcOperationSignature",
		bearer: session.AccessToken,
	}, nil)
	if err != nil {
		return domain.SimpleResponse{}, err
	}
	return domain.SimpleResponse{Success: true}, nil
}

func asAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	for {
		if ae, ok := err.(*APIError); ok {
			return ae, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
		if err == nil {
			return apiErr, false
		}
	}
}
