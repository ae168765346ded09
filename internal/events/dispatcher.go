package events

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/atproto-tools/migrate-engine/internal/core/domain"
)

// consoleRingCapacity is the bounded narration log spec.md §4.8 names:
// "a bounded deque of ≤ 10 messages, FIFO-evicted".
const consoleRingCapacity = 10

// bytesPerNotionalBlob is the spec's fallback blob-size estimate used to
// derive a blob count from repository bytes when the blob phase hasn't
// reported real counts yet (spec.md §4.8 "Unified blob progress").
const bytesPerNotionalBlob = 10 * 1024

// Dispatcher emits the exact event set spec.md §4.8 names onto a Bus, and
// separately tracks the console-message ring and the unified blob-progress
// memoization the bus alone doesn't need to know about.
type Dispatcher struct {
	bus Bus

	mu           sync.Mutex
	console      []string
	repoBytes    int64
	blobDone     int64
	blobTotal    int64
	lastBlobHash uint64
	lastBlob     BlobProgress
}

// BlobProgress is the unified repo+blob progress indicator the UI renders
// as one combined bar.
type BlobProgress struct {
	Done  int64 `json:"done"`
	Total int64 `json:"total"`
}

// NewDispatcher wraps bus with the spec.md §4.8 event vocabulary.
func NewDispatcher(bus Bus) *Dispatcher {
	return &Dispatcher{bus: bus}
}

// SetMigrationStep announces a human-readable narration line; it always
// advances before the next action begins so a stall's last line is
// diagnostic (spec.md §7 "User-visible behavior").
func (d *Dispatcher) SetMigrationStep(step string) {
	d.appendConsole(step)
	d.publish(EventMigrationStep, map[string]any{"step": step})
}

// SetRepoProgress reports repository-export bytes transferred so far.
func (d *Dispatcher) SetRepoProgress(bytesDone, bytesTotal int64) {
	d.mu.Lock()
	d.repoBytes = bytesDone
	d.mu.Unlock()
	d.publish(EventRepoProgress, map[string]any{"bytesDone": bytesDone, "bytesTotal": bytesTotal})
	d.publishUnifiedBlobProgress()
}

// SetBlobProgress reports blob counts once the blob phase has them.
func (d *Dispatcher) SetBlobProgress(done, total int64) {
	d.mu.Lock()
	d.blobDone, d.blobTotal = done, total
	d.mu.Unlock()
	d.publishUnifiedBlobProgress()
}

// publishUnifiedBlobProgress recomputes the combined repo+blob indicator
// only when its inputs actually changed, per spec.md §4.8.
func (d *Dispatcher) publishUnifiedBlobProgress() {
	d.mu.Lock()
	key := fmt.Sprintf("%d:%d:%d", d.repoBytes, d.blobDone, d.blobTotal)
	hash := xxhash.Sum64String(key)
	if hash == d.lastBlobHash {
		d.mu.Unlock()
		return
	}
	d.lastBlobHash = hash
	if d.blobTotal > 0 {
		d.lastBlob = BlobProgress{Done: d.blobDone, Total: d.blobTotal}
	} else {
		d.lastBlob = BlobProgress{Done: 0, Total: d.repoBytes / bytesPerNotionalBlob}
	}
	unified := d.lastBlob
	d.mu.Unlock()

	d.publish(EventBlobProgress, map[string]any{"done": unified.Done, "total": unified.Total})
}

// SetPreferencesProgress reports whether preference migration has completed.
func (d *Dispatcher) SetPreferencesProgress(done bool) {
	d.publish(EventPreferencesProgress, map[string]any{"done": done})
}

// SetPlcProgress announces a PLC-handoff narration line.
func (d *Dispatcher) SetPlcProgress(step string) {
	d.appendConsole(step)
	d.publish(EventPlcProgress, map[string]any{"step": step})
}

// SetMigrationProgress publishes the full persisted progress record as the
// aggregate view (spec.md §4.8 "SetMigrationProgress (aggregate)").
func (d *Dispatcher) SetMigrationProgress(progress domain.MigrationProgress) {
	d.publish(EventMigrationProgress, map[string]any{
		"runId":      progress.RunID,
		"did":        progress.DID,
		"currentIdx": progress.CurrentIdx,
		"phase":      string(progress.CurrentPhase()),
		"done":       progress.Done(),
	})
}

// SetMigrationError surfaces a terminal failure; the UI leaves the user on
// the current form with a retry button (spec.md §7).
func (d *Dispatcher) SetMigrationError(err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	d.appendConsole("error: " + msg)
	d.publish(EventMigrationError, map[string]any{"error": msg})
}

// SetMigrating toggles the run's in-progress flag.
func (d *Dispatcher) SetMigrating(active bool) {
	d.publish(EventMigrating, map[string]any{"migrating": active})
}

// SetCurrentStep announces the phase the machine is now executing.
func (d *Dispatcher) SetCurrentStep(phase domain.Phase) {
	d.publish(EventCurrentStep, map[string]any{"phase": string(phase)})
}

// Console returns a snapshot of the most recent narration lines, oldest first.
func (d *Dispatcher) Console() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.console))
	copy(out, d.console)
	return out
}

func (d *Dispatcher) appendConsole(line string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.console = append(d.console, line)
	if len(d.console) > consoleRingCapacity {
		d.console = d.console[len(d.console)-consoleRingCapacity:]
	}
}

func (d *Dispatcher) publish(eventType string, data map[string]any) {
	d.bus.Publish(newEvent(eventType, data))
}
