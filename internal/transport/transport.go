// Package transport defines what peers say to each other and the group
// abstraction they say it over.
//
// Commands are broadcast to every other member. Snapshot requests and
// responses are point to point and only used while joining. Pings carry a
// member's logical time for clock refinement.
//
// Implementations deliver frames by calling Handler.Deliver from their own
// goroutines. Handlers must not block and must not call back into the
// group synchronously.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/timewarp/internal/command"
)

// MemberID identifies one group member for the lifetime of its session.
type MemberID string

// ErrClosed is returned when using a group after Close.
var ErrClosed = errors.New("transport: group closed")

// ErrUnknownMember is returned by Send for an id that is not connected.
var ErrUnknownMember = errors.New("transport: unknown member")

// Message is the closed set of frames exchanged by peers.
type Message interface {
	messageType() string
}

// Command carries one authored command.
type Command struct {
	Envelope command.Envelope `json:"envelope"`
}

// SnapshotRequest asks a member for its current snapshot.
type SnapshotRequest struct{}

// SnapshotResponse answers a SnapshotRequest. Blob is an encoded
// snapshot; WallClock and ClockOffset are the producer's clock at capture.
type SnapshotResponse struct {
	Blob        []byte        `json:"blob"`
	WallClock   time.Time     `json:"wall_clock"`
	ClockOffset time.Duration `json:"clock_offset"`
}

// Ping announces the sender's logical time.
type Ping struct {
	LocalTime time.Time `json:"local_time"`
}

const (
	TypeCommand          = "command"
	TypeSnapshotRequest  = "snapshot_request"
	TypeSnapshotResponse = "snapshot_response"
	TypePing             = "ping"
)

func (Command) messageType() string          { return TypeCommand }
func (SnapshotRequest) messageType() string  { return TypeSnapshotRequest }
func (SnapshotResponse) messageType() string { return TypeSnapshotResponse }
func (Ping) messageType() string             { return TypePing }

// Handler receives frames addressed to this member.
type Handler interface {
	Deliver(from MemberID, m Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(from MemberID, m Message)

// Deliver calls f.
func (f HandlerFunc) Deliver(from MemberID, m Message) {
	f(from, m)
}

// Group is this member's view of a peer group.
type Group interface {
	// Self is this member's id.
	Self() MemberID
	// Members lists the other connected members in a stable order.
	Members() []MemberID
	// Broadcast sends m to every other member. It never delivers to self.
	Broadcast(m Message) error
	// Send delivers m to one member.
	Send(to MemberID, m Message) error
	// Close leaves the group. Later calls fail with ErrClosed.
	Close() error
}

// Network connects members into groups.
type Network interface {
	Join(ctx context.Context, h Handler) (Group, error)
}
