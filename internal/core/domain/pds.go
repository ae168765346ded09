package domain

// DescribeResponse is a PDS's self-description. Immutable for the
// lifetime of one migration run, so pdsclient caches it per PDS URL.
type DescribeResponse struct {
	DID                  string   `json:"did"`
	AvailableUserDomains []string `json:"availableUserDomains"`
}

// CreateAccountRequest is sent to the target PDS to create or adopt an
// account under a pre-existing DID. ServiceAuthToken proves ownership of
// DID via a short-lived JWT minted by the source PDS.
type CreateAccountRequest struct {
	DID              string `json:"did" validate:"required"`
	Handle           string `json:"handle" validate:"required,hostname_rfc1123"`
	Password         string `json:"password" validate:"required,min=8"`
	Email            string `json:"email" validate:"required,email"`
	InviteCode       string `json:"inviteCode,omitempty"`
	ServiceAuthToken string `json:"serviceAuthToken" validate:"required"`
}

// AccountErrorCode enumerates the error_code values create_account can
// return alongside success=false.
type AccountErrorCode string

const (
	// ErrCodeAlreadyExists indicates the target already has an account
	// under this DID or handle; the orchestrator must adopt-or-login.
	ErrCodeAlreadyExists AccountErrorCode = "AlreadyExists"
)

// CreateAccountResponse is the typed result of create_account.
type CreateAccountResponse struct {
	Success   bool
	Message   string
	Session   *Session
	Resumable bool
	ErrorCode AccountErrorCode
}

// LoginResponse is the typed result of try_login.
type LoginResponse struct {
	Success bool
	Message string
	Session *Session
}

// ServiceAuthResponse carries a short-lived JWT minted by the source PDS
// proving ownership of a DID, scoped to a target audience and method.
type ServiceAuthResponse struct {
	Success bool
	Message string
	Token   string
}

// AccountStatus reports activation and blob bookkeeping for an account.
type AccountStatus struct {
	Success        bool
	Message        string
	Activated      bool
	ExpectedBlobs  int64
	ImportedBlobs  int64
	RepoBlocks     int64
}

// BlobCIDPage is one page of list_blobs / get_missing_blobs results.
// Per spec, a cursor is "continue" iff it is a non-null, non-empty string;
// both nil and "" terminate pagination.
type BlobCIDPage struct {
	Success bool
	Message string
	CIDs    []string
	Cursor  *string
}

// HasMore reports whether a cursor page should be followed by another request.
func (p BlobCIDPage) HasMore() bool {
	return p.Cursor != nil && *p.Cursor != ""
}

// PreferencesResponse carries the source's exported preferences JSON blob.
type PreferencesResponse struct {
	Success         bool
	Message         string
	PreferencesJSON []byte
}

// PLCRecommendation is the target's proposed, unsigned DID document update.
type PLCRecommendation struct {
	Success     bool
	Message     string
	PLCUnsigned map[string]any
}

// SimpleResponse models operations whose only contract is success/message
// (import_repository, upload_blob, import_preferences, request_plc_token).
type SimpleResponse struct {
	Success bool
	Message string
}

// MissingBlobList is the target-computed set of CIDs referenced by the
// migrated repository but not yet received.
type MissingBlobList struct {
	CIDs []string
}

// Empty reports whether there are no missing blobs.
func (m MissingBlobList) Empty() bool { return len(m.CIDs) == 0 }
