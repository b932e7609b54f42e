// Package memory is an in-process transport. Frames go through the same
// JSON encoding as the network transports, optionally delayed by a fixed
// lag or held until the caller advances a logical step.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/timewarp/internal/transport"
)

type link struct {
	from, to transport.MemberID
}

type pending struct {
	due  int64
	seq  int64
	to   transport.MemberID
	data []byte
}

// Network is a set of in-process members.
type Network struct {
	mu      sync.Mutex
	members map[transport.MemberID]*group
	order   []transport.MemberID

	lag    time.Duration
	manual bool
	steps  int64
	links  map[link]int64
	step   int64
	seq    int64
	queue  []pending

	logger *slog.Logger
}

// Option configures a Network.
type Option func(*Network)

// WithLag delays every frame by d of wall time.
func WithLag(d time.Duration) Option {
	return func(n *Network) {
		n.lag = d
	}
}

// WithManualDelivery holds frames until Advance. Each frame becomes due
// steps advances after it was sent, unless SetLag overrides its link.
func WithManualDelivery(steps int64) Option {
	return func(n *Network) {
		n.manual = true
		n.steps = steps
	}
}

// WithLogger sets the logger. The default discards output.
func WithLogger(l *slog.Logger) Option {
	return func(n *Network) {
		n.logger = l
	}
}

// NewNetwork returns an empty network.
func NewNetwork(opts ...Option) *Network {
	n := &Network{
		members: make(map[transport.MemberID]*group),
		links:   make(map[link]int64),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Join adds a member with a fresh UUIDv7 id.
func (n *Network) Join(ctx context.Context, h transport.Handler) (transport.Group, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	return n.JoinAs(ctx, transport.MemberID(id.String()), h)
}

// JoinAs adds a member with a caller-chosen id.
func (n *Network) JoinAs(ctx context.Context, id transport.MemberID, h transport.Handler) (transport.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, dup := n.members[id]; dup {
		return nil, fmt.Errorf("memory: member %s already joined", id)
	}
	g := &group{net: n, id: id, h: h}
	n.members[id] = g
	n.order = append(n.order, id)
	n.logger.Debug("member joined", "member", string(id), "members", len(n.order))
	return g, nil
}

// SetLag sets the delay in steps for frames from one member to another.
// Only meaningful with WithManualDelivery.
func (n *Network) SetLag(from, to transport.MemberID, steps int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.links[link{from, to}] = steps
}

// Advance moves the logical step forward by one and delivers every frame
// that is now due, in send order. It returns the number delivered.
func (n *Network) Advance() int {
	n.mu.Lock()
	n.step++
	var due []pending
	keep := n.queue[:0]
	for _, p := range n.queue {
		if p.due <= n.step {
			due = append(due, p)
		} else {
			keep = append(keep, p)
		}
	}
	n.queue = keep
	n.mu.Unlock()

	slices.SortFunc(due, func(a, b pending) int {
		if c := cmp.Compare(a.due, b.due); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	for _, p := range due {
		n.dispatch(p.to, p.data)
	}
	return len(due)
}

// Pending is the number of frames not yet delivered in manual mode.
func (n *Network) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

func (n *Network) send(from, to transport.MemberID, m transport.Message) error {
	data, err := transport.EncodeFrame(from, m)
	if err != nil {
		return err
	}

	n.mu.Lock()
	if n.manual {
		steps, ok := n.links[link{from, to}]
		if !ok {
			steps = n.steps
		}
		n.seq++
		n.queue = append(n.queue, pending{due: n.step + steps, seq: n.seq, to: to, data: data})
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	if n.lag > 0 {
		time.AfterFunc(n.lag, func() { n.dispatch(to, data) })
		return nil
	}
	n.dispatch(to, data)
	return nil
}

func (n *Network) dispatch(to transport.MemberID, data []byte) {
	n.mu.Lock()
	g, ok := n.members[to]
	n.mu.Unlock()
	if !ok {
		return
	}

	from, m, err := transport.DecodeFrame(data)
	if err != nil {
		n.logger.Error("dropping undecodable frame", "to", string(to), "error", err)
		return
	}
	g.h.Deliver(from, m)
}

func (n *Network) leave(id transport.MemberID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.members, id)
	n.order = slices.DeleteFunc(n.order, func(m transport.MemberID) bool { return m == id })
	n.logger.Debug("member left", "member", string(id), "members", len(n.order))
}

type group struct {
	net *Network
	id  transport.MemberID
	h   transport.Handler

	mu     sync.Mutex
	closed bool
}

func (g *group) Self() transport.MemberID { return g.id }

func (g *group) Members() []transport.MemberID {
	g.net.mu.Lock()
	defer g.net.mu.Unlock()
	out := make([]transport.MemberID, 0, len(g.net.order))
	for _, id := range g.net.order {
		if id != g.id {
			out = append(out, id)
		}
	}
	return out
}

func (g *group) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *group) Broadcast(m transport.Message) error {
	if g.isClosed() {
		return transport.ErrClosed
	}
	for _, to := range g.Members() {
		if err := g.net.send(g.id, to, m); err != nil {
			return err
		}
	}
	return nil
}

func (g *group) Send(to transport.MemberID, m transport.Message) error {
	if g.isClosed() {
		return transport.ErrClosed
	}
	g.net.mu.Lock()
	_, ok := g.net.members[to]
	g.net.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnknownMember, to)
	}
	return g.net.send(g.id, to, m)
}

func (g *group) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()
	g.net.leave(g.id)
	return nil
}
