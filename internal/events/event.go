// Package events is the C8 Progress & Events layer: a bus that broadcasts
// migration progress to any UI observer, plus a Dispatcher exposing the
// exact event set spec.md §4.8 names. Grounded directly on the teacher's
// internal/realtime package (EventBus/EventSubscriber/Event), renamed and
// retargeted from dashboard alert events to migration progress events.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Event is one broadcast unit: a migration progress update, a narration
// line, or a terminal error.
type Event struct {
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Sequence  int64          `json:"sequence"`
}

// Event types, the full set spec.md §4.8 names.
const (
	EventMigrationStep       = "migration_step"
	EventRepoProgress        = "repo_progress"
	EventBlobProgress        = "blob_progress"
	EventPreferencesProgress = "preferences_progress"
	EventPlcProgress         = "plc_progress"
	EventMigrationProgress   = "migration_progress"
	EventMigrationError      = "migration_error"
	EventMigrating           = "is_migrating"
	EventCurrentStep         = "current_step"
)

const eventSource = "migration_engine"

func newEvent(eventType string, data map[string]any) Event {
	return Event{
		Type:      eventType,
		ID:        uuid.NewString(),
		Data:      data,
		Timestamp: time.Now(),
		Source:    eventSource,
	}
}
