package conversation

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrStorage matches every StorageError via errors.Is.
	ErrStorage = errors.New("conversation: storage failure")

	// ErrTurnNotFound is returned when a turn id does not exist.
	ErrTurnNotFound = errors.New("conversation: turn not found")

	// ErrInsightExists is returned when a turn already has an insight.
	ErrInsightExists = errors.New("conversation: insight already exists")

	// ErrInvalidTurnID is returned for malformed turn ids.
	ErrInvalidTurnID = errors.New("conversation: invalid turn id")

	// ErrInvalidDraft is returned when a draft cannot be persisted.
	ErrInvalidDraft = errors.New("conversation: invalid turn draft")

	// ErrInvalidInsight is returned when an insight breaks its invariants.
	ErrInvalidInsight = errors.New("conversation: invalid insight")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("conversation: store closed")
)

// StorageError reports a failure of the underlying storage medium
// (disk full, permission denied, database locked). Callers degrade on it
// rather than retrying.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("conversation: %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("conversation: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrStorage) true for every StorageError.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

func storageErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Path: path, Err: err}
}

// Store persists turns and their insights.
//
// All writes are atomic-publish: a reader never observes a partially
// written turn or insight. Implementations must be safe for concurrent use
// by the foreground session and the background analysis workers.
type Store interface {
	// Persist assigns the next id in the draft's date partition and
	// publishes the turn with all of its files as one unit.
	Persist(ctx context.Context, draft *TurnDraft) (TurnID, error)

	// Load returns a persisted turn.
	Load(ctx context.Context, id TurnID) (*Turn, error)

	// ListRecent returns up to limit turns, most recent first.
	ListRecent(ctx context.Context, limit int) ([]*Turn, error)

	// ListDates returns the date partitions that hold turns, newest first.
	ListDates(ctx context.Context) ([]string, error)

	// LoadInsight returns the insight for a turn. ok is false when none
	// has been stored yet, which is not an error.
	LoadInsight(ctx context.Context, id TurnID) (ins *Insight, ok bool, err error)

	// SaveInsight stores the single insight of a turn.
	// It returns ErrInsightExists if one is already present.
	SaveInsight(ctx context.Context, ins *Insight) error

	// MarkAnalysisFailed records that extraction gave up on a turn.
	MarkAnalysisFailed(ctx context.Context, id TurnID, reason string) error

	// ClearAnalysisFailure removes a failure marker so the turn can be
	// analyzed again.
	ClearAnalysisFailure(ctx context.Context, id TurnID) error

	// AnalysisStatus reports whether a turn is pending, done or failed.
	AnalysisStatus(ctx context.Context, id TurnID) (AnalysisStatus, error)

	// ListUnanalyzed returns pending turn ids, oldest first.
	ListUnanalyzed(ctx context.Context, limit int) ([]TurnID, error)

	// ListFailed returns turn ids with a failure marker, oldest first.
	ListFailed(ctx context.Context, limit int) ([]TurnID, error)

	// Count returns the number of persisted turns.
	Count(ctx context.Context) (int, error)

	// Close releases resources.
	Close() error
}
