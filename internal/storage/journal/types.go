package journal

import "github.com/ChuLiYu/mpc-orchestrator/pkg/types"

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the on-disk record of job lifecycle transitions
// ============================================================================

// EntryType defines journal record types
type EntryType string

const (
	EntryCreated        EntryType = "CREATED"         // Job allocated
	EntryValidated      EntryType = "VALIDATED"       // Parameters accepted
	EntryPhaseStarted   EntryType = "PHASE_STARTED"   // Phase dispatched to executor
	EntryPhaseCompleted EntryType = "PHASE_COMPLETED" // Phase result recorded
	EntryFailed         EntryType = "FAILED"          // Job entered failed
	EntryCloseRequested EntryType = "CLOSE_REQUESTED" // Close deferred until running phase ends
	EntryClosed         EntryType = "CLOSED"          // Job entered closed
	EntryDestroyed      EntryType = "DESTROYED"       // Job removed after retention
)

// Entry represents one journal record
type Entry struct {
	Seq       uint64         `json:"seq"`              // Monotonically increasing, starts at 1
	Type      EntryType      `json:"type"`             // Record type
	JobID     types.JobID    `json:"job_id"`           // Job the record belongs to
	State     types.JobState `json:"state"`            // Job state after the transition
	Phase     types.Phase    `json:"phase,omitempty"`  // Phase involved, if any
	Detail    string         `json:"detail,omitempty"` // Free-form detail such as an error message
	Timestamp int64          `json:"timestamp"`        // Unix millisecond timestamp
	Checksum  uint32         `json:"checksum"`         // CRC32 checksum
}

// EntryHandler processes one journal record during replay
type EntryHandler func(entry Entry) error
