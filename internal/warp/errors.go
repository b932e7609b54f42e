package warp

import (
	"errors"
	"fmt"

	"github.com/roach88/timewarp/internal/timekey"
)

// ErrorCode categorizes protocol violations.
type ErrorCode string

const (
	// ErrCodeTimeslotOccupied means two commands carry the same time key.
	// The time and allocation layers make this unreachable between correct
	// peers, so it is fatal.
	ErrCodeTimeslotOccupied ErrorCode = "TIMESLOT_OCCUPIED"

	// ErrCodeBeforeFloor means a command arrived for a time that has
	// already been consolidated away.
	ErrCodeBeforeFloor ErrorCode = "BEFORE_FLOOR"
)

// ErrDetached is returned when commands are received between UndoAll and
// RedoAll.
var ErrDetached = errors.New("warp: timeline is rolled back")

// ProtocolError reports a command the coordinator refuses to place.
// No state has been changed when it is returned.
type ProtocolError struct {
	Code     ErrorCode
	Message  string
	Time     timekey.Key
	Incoming string
	Existing string
}

func (e *ProtocolError) Error() string {
	if e.Existing != "" {
		return fmt.Sprintf("%s: %s at %s (incoming=%s, existing=%s)", e.Code, e.Message, e.Time, e.Incoming, e.Existing)
	}
	return fmt.Sprintf("%s: %s at %s (incoming=%s)", e.Code, e.Message, e.Time, e.Incoming)
}

// IsProtocolError reports whether err is or wraps a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsTimeslotOccupied reports whether err is a duplicate time key.
func IsTimeslotOccupied(err error) bool {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code == ErrCodeTimeslotOccupied
	}
	return false
}

func newOccupiedError(incoming, existing string, t timekey.Key) *ProtocolError {
	return &ProtocolError{
		Code:     ErrCodeTimeslotOccupied,
		Message:  "time key already occupied",
		Time:     t,
		Incoming: incoming,
		Existing: existing,
	}
}

func newBeforeFloorError(incoming string, t, floor timekey.Key) *ProtocolError {
	return &ProtocolError{
		Code:     ErrCodeBeforeFloor,
		Message:  fmt.Sprintf("command precedes consolidation floor %s", floor),
		Time:     t,
		Incoming: incoming,
	}
}
