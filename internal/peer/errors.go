package peer

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/timewarp/internal/transport"
)

// ErrNotLive is returned by operations that need a live peer.
var ErrNotLive = errors.New("peer: not live")

// JoinErrorCode categorizes join failures.
type JoinErrorCode string

const (
	// ErrCodeJoinTimeout means no snapshot arrived within SnapshotTimeout.
	ErrCodeJoinTimeout JoinErrorCode = "JOIN_TIMEOUT"

	// ErrCodeSnapshotRejected means the snapshot could not be decoded or
	// restored.
	ErrCodeSnapshotRejected JoinErrorCode = "SNAPSHOT_REJECTED"
)

// JoinError aborts one join attempt. The rest of the group is unaffected.
type JoinError struct {
	Code    JoinErrorCode
	Message string
	Member  transport.MemberID
	Err     error
}

func (e *JoinError) Error() string {
	msg := fmt.Sprintf("%s: %s (member=%s)", e.Code, e.Message, e.Member)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *JoinError) Unwrap() error {
	return e.Err
}

// IsJoinTimeout reports whether err is a snapshot timeout during join.
func IsJoinTimeout(err error) bool {
	var je *JoinError
	if errors.As(err, &je) {
		return je.Code == ErrCodeJoinTimeout
	}
	return false
}

func newJoinTimeoutError(member transport.MemberID, timeout time.Duration) *JoinError {
	return &JoinError{
		Code:    ErrCodeJoinTimeout,
		Message: fmt.Sprintf("no snapshot within %s", timeout),
		Member:  member,
	}
}

func newSnapshotRejectedError(member transport.MemberID, err error) *JoinError {
	return &JoinError{
		Code:    ErrCodeSnapshotRejected,
		Message: "snapshot unusable",
		Member:  member,
		Err:     err,
	}
}
