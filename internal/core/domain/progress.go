package domain

import "time"

// Phase identifies one step of the linear migration phase machine.
type Phase string

const (
	PhaseLoadOldSession         Phase = "LoadOldSession"
	PhaseCheckOldToken          Phase = "CheckOldToken"
	PhaseDescribeTarget         Phase = "DescribeTarget"
	PhaseMintServiceAuth        Phase = "MintServiceAuth"
	PhaseTryLoginTarget         Phase = "TryLoginTarget"
	PhaseCreateAccount          Phase = "CreateAccount"
	PhaseStoreNewSession        Phase = "StoreNewSession"
	PhaseVerifyNewNotActivated  Phase = "VerifyNewNotActivated"
	PhaseMigrateRepository      Phase = "MigrateRepository"
	PhaseMigrateBlobs           Phase = "MigrateBlobs"
	PhaseVerifyAndReconcileBlobs Phase = "VerifyAndReconcileBlobs"
	PhaseMigratePreferences     Phase = "MigratePreferences"
	PhaseVerifyCompleteness     Phase = "VerifyCompleteness"
	PhasePlcRecommend           Phase = "PlcRecommend"
	PhasePlcRequestToken        Phase = "PlcRequestToken"
	PhaseHandOffToUI            Phase = "HandOffToUI"
)

// Ordered lists every phase in execution order; the orchestrator walks it
// linearly and persists the index it has reached. A later phase may
// re-invoke an earlier one for reconciliation (spec.md §4.7 invariants)
// without changing this declared order.
var Ordered = []Phase{
	PhaseLoadOldSession,
	PhaseCheckOldToken,
	PhaseDescribeTarget,
	PhaseMintServiceAuth,
	PhaseTryLoginTarget,
	PhaseCreateAccount,
	PhaseStoreNewSession,
	PhaseVerifyNewNotActivated,
	PhaseMigrateRepository,
	PhaseMigrateBlobs,
	PhaseVerifyAndReconcileBlobs,
	PhaseMigratePreferences,
	PhaseVerifyCompleteness,
	PhasePlcRecommend,
	PhasePlcRequestToken,
	PhaseHandOffToUI,
}

// PhaseStatus is the lifecycle state of a single phase within a run.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
)

// PhaseProgress is the persisted, resumable state of one phase of a run.
type PhaseProgress struct {
	Phase      Phase       `json:"phase"`
	Status     PhaseStatus `json:"status"`
	StartedAt  *time.Time  `json:"startedAt,omitempty"`
	FinishedAt *time.Time  `json:"finishedAt,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// MigrationProgress is the full persisted state of one migration run,
// written to the orchestrator's run database after every phase transition so
// a crashed process can resume from the last completed phase.
type MigrationProgress struct {
	RunID       string          `json:"runId"`
	DID         string          `json:"did"`
	SourcePDS   string          `json:"sourcePds"`
	TargetPDS   string          `json:"targetPds"`
	Phases      []PhaseProgress `json:"phases"`
	CurrentIdx  int             `json:"currentIdx"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// CurrentPhase returns the phase the run is on, or "" if complete.
func (p MigrationProgress) CurrentPhase() Phase {
	if p.CurrentIdx < 0 || p.CurrentIdx >= len(p.Phases) {
		return ""
	}
	return p.Phases[p.CurrentIdx].Phase
}

// Done reports whether every phase has completed.
func (p MigrationProgress) Done() bool {
	for _, ph := range p.Phases {
		if ph.Status != PhaseCompleted {
			return false
		}
	}
	return len(p.Phases) > 0
}

// NewMigrationProgress builds the initial, all-pending progress record for
// a fresh run.
func NewMigrationProgress(runID, did, sourcePDS, targetPDS string) MigrationProgress {
	phases := make([]PhaseProgress, len(Ordered))
	for i, ph := range Ordered {
		phases[i] = PhaseProgress{Phase: ph, Status: PhasePending}
	}
	return MigrationProgress{
		RunID:     runID,
		DID:       did,
		SourcePDS: sourcePDS,
		TargetPDS: targetPDS,
		Phases:    phases,
	}
}

// DataChunk is one unit of data flowing through the tee/sync pipeline:
// either a slice of a repository CAR export, or one blob's bytes.
type DataChunk struct {
	Kind     ChunkKind `json:"kind"`
	Key      string    `json:"key"` // blob CID, or repo export stream id
	Sequence int       `json:"sequence"`
	Data     []byte    `json:"-"`
	Final    bool      `json:"final"`
}

// ChunkKind distinguishes repository-export chunks from blob chunks.
type ChunkKind string

const (
	ChunkRepo ChunkKind = "repo"
	ChunkBlob ChunkKind = "blob"
)

// SyncResult summarizes one Sync run (C5): how many items were migrated,
// which failed and why, and the total bytes that changed hands. The
// orchestrator always returns one, even when every item failed.
type SyncResult struct {
	TotalItems      int         `json:"totalItems"`
	SuccessfulItems int         `json:"successfulItems"`
	FailedItems     []ItemError `json:"failedItems"`
	TotalBytes      int64       `json:"totalBytes"`
	BytesStored     int64       `json:"bytesStored"`
	BytesUploaded   int64       `json:"bytesUploaded"`
	ChunksHandled   int         `json:"chunksHandled"`
}

// ItemError records why one item failed to migrate.
type ItemError struct {
	ItemID string `json:"itemId"`
	Error  string `json:"error"`
}

// StoreEntry describes one persisted record in the local store (C3): the
// key it belongs to, the byte offset it was written at, and its length in
// bytes. It carries no data itself.
type StoreEntry struct {
	Key    string `json:"key"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}
