package engine

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeInvalidPlayer means the player id is outside the session.
	ErrCodeInvalidPlayer ErrorCode = "INVALID_PLAYER"

	// ErrCodeSnapshotMismatch means a snapshot was produced for a session
	// of a different shape.
	ErrCodeSnapshotMismatch ErrorCode = "SNAPSHOT_MISMATCH"

	// ErrCodeRestoreFailed means a snapshot could not be rebuilt into
	// live state. The engine is left unchanged.
	ErrCodeRestoreFailed ErrorCode = "RESTORE_FAILED"
)

// EngineError is an error detected while configuring or restoring an
// engine.
type EngineError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// IsRestoreError reports whether err is a failed or mismatched restore.
// Uses errors.As to handle wrapped errors.
func IsRestoreError(err error) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code == ErrCodeRestoreFailed || ee.Code == ErrCodeSnapshotMismatch
	}
	return false
}

func newInvalidPlayerError(players, player int32) *EngineError {
	return &EngineError{
		Code:    ErrCodeInvalidPlayer,
		Message: fmt.Sprintf("player %d outside session of %d", player, players),
	}
}

func newSnapshotMismatchError(want, got int32) *EngineError {
	return &EngineError{
		Code:    ErrCodeSnapshotMismatch,
		Message: fmt.Sprintf("snapshot for %d players, session has %d", got, want),
	}
}

func newRestoreError(step string, err error) *EngineError {
	return &EngineError{
		Code:    ErrCodeRestoreFailed,
		Message: step,
		Err:     err,
	}
}
