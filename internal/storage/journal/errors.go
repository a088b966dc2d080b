package journal

// ============================================================================
// Journal Error Definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptedJournal indicates the file cannot be parsed or has a sequence gap
	ErrCorruptedJournal = errors.New("journal: file is corrupted")

	// ErrChecksumMismatch indicates a record was altered after it was written
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")

	// ErrJournalClosed indicates the journal is closed
	ErrJournalClosed = errors.New("journal: already closed")

	// ErrSyncFailed indicates fsync failed
	ErrSyncFailed = errors.New("journal: sync to disk failed")
)

// ChecksumError represents a checksum error with detailed information
type ChecksumError struct {
	Seq      uint64 // Sequence number of the failed record
	Expected uint32 // Expected checksum
	Actual   uint32 // Stored checksum
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

// CorruptionError represents an unreadable or out-of-sequence record
type CorruptionError struct {
	Seq    uint64 // Sequence number of the failed record (if known)
	Offset int64  // Byte offset in file
	Cause  error  // Underlying error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal: corrupted at seq=%d offset=%d: %v", e.Seq, e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruptedJournal
}
