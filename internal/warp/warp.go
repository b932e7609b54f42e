// Package warp implements the reconciling coordinator.
//
// The coordinator keeps every not-yet-consolidated command in a timeline
// sorted by time key. Commands may arrive in any order. When one lands in
// the past, the coordinator undoes every later command (newest first),
// executes the newcomer, and re-executes the later commands (oldest first)
// against the corrected state, replacing their undo records.
//
// INVARIANT: replaying the timeline in key order from the state at the
// consolidation floor reproduces the current state. Arrival order is never
// observable.
//
// The coordinator never blocks and is not safe for concurrent use. The
// owning simulation thread serializes all calls.
package warp

import (
	"io"
	"log/slog"
	"slices"

	"github.com/roach88/timewarp/internal/command"
	"github.com/roach88/timewarp/internal/timekey"
	"github.com/roach88/timewarp/internal/undo"
)

// Evaluator executes a command against live state and returns how to
// revert it. It is the only source of undo records.
type Evaluator interface {
	Evaluate(cmd command.Command) undo.Undo
}

// Stats describes one reconciliation pass.
type Stats struct {
	Inserted int // commands added
	Undone   int // existing commands rolled back
	Redone   int // existing commands re-executed
	Timeline int // commands cached after the pass
}

// Observer is notified after every pass.
type Observer interface {
	ObservePass(Stats)
}

type record struct {
	cmd  command.Command
	undo undo.Undo
}

// Coordinator owns the canonical timeline.
type Coordinator struct {
	order    timekey.Order
	eval     Evaluator
	timeline []*record

	floor    timekey.Key
	hasFloor bool
	detached bool

	observer Observer
	logger   *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithObserver registers an observer for pass statistics.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		c.observer = o
	}
}

// WithLogger sets the logger. The default discards output.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// New returns an empty coordinator ordering keys with order and evaluating
// commands with eval.
func New(order timekey.Order, eval Evaluator, opts ...Option) *Coordinator {
	c := &Coordinator{
		order:  order,
		eval:   eval,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// search returns the index of the first record at or after k and whether
// that record is exactly k.
func (c *Coordinator) search(k timekey.Key) (int, bool) {
	return slices.BinarySearchFunc(c.timeline, k, func(r *record, k timekey.Key) int {
		return c.order.Compare(r.cmd.Time, k)
	})
}

func (c *Coordinator) checkFloor(cmd command.Command) error {
	if c.hasFloor && c.order.Less(cmd.Time, c.floor) {
		return newBeforeFloorError(cmd.Name(), cmd.Time, c.floor)
	}
	return nil
}

// Receive inserts one command at its time.
//
// A key that is already occupied returns a *ProtocolError before any
// state changes.
func (c *Coordinator) Receive(cmd command.Command) error {
	if c.detached {
		return ErrDetached
	}
	if err := c.checkFloor(cmd); err != nil {
		return err
	}
	i, found := c.search(cmd.Time)
	if found {
		return newOccupiedError(cmd.Name(), c.timeline[i].cmd.Name(), cmd.Time)
	}

	undone := c.undoFrom(i)

	c.timeline = slices.Insert(c.timeline, i, &record{cmd: cmd, undo: c.eval.Evaluate(cmd)})

	redone := c.redoFrom(i + 1)

	c.finish(cmd.Time, Stats{Inserted: 1, Undone: undone, Redone: redone, Timeline: len(c.timeline)})
	return nil
}

// ReceiveAll inserts a batch in one pass. The result equals calling
// Receive for each command in time order. The batch is validated as a
// whole first: a duplicate key, within the batch or against the timeline,
// rejects the entire batch without changing state.
func (c *Coordinator) ReceiveAll(batch []command.Command) error {
	if len(batch) == 0 {
		return nil
	}
	if c.detached {
		return ErrDetached
	}

	sorted := slices.Clone(batch)
	slices.SortFunc(sorted, func(a, b command.Command) int {
		return c.order.Compare(a.Time, b.Time)
	})

	if err := c.checkFloor(sorted[0]); err != nil {
		return err
	}
	for j, cmd := range sorted {
		if j > 0 && c.order.Compare(sorted[j-1].Time, cmd.Time) == 0 {
			return newOccupiedError(cmd.Name(), sorted[j-1].Name(), cmd.Time)
		}
		if k, found := c.search(cmd.Time); found {
			return newOccupiedError(cmd.Name(), c.timeline[k].cmd.Name(), cmd.Time)
		}
	}

	start, _ := c.search(sorted[0].Time)
	undone := c.undoFrom(start)

	tail := c.timeline[start:]
	merged := make([]*record, 0, len(tail)+len(sorted))
	ti, bi := 0, 0
	for ti < len(tail) || bi < len(sorted) {
		if bi == len(sorted) || (ti < len(tail) && c.order.Less(tail[ti].cmd.Time, sorted[bi].Time)) {
			merged = append(merged, tail[ti])
			ti++
			continue
		}
		merged = append(merged, &record{cmd: sorted[bi]})
		bi++
	}
	c.timeline = append(c.timeline[:start:start], merged...)

	for _, r := range merged {
		r.undo = c.eval.Evaluate(r.cmd)
	}

	c.finish(sorted[0].Time, Stats{
		Inserted: len(sorted),
		Undone:   undone,
		Redone:   undone,
		Timeline: len(c.timeline),
	})
	return nil
}

// undoFrom reverts timeline[i:] newest first and returns the count.
func (c *Coordinator) undoFrom(i int) int {
	for j := len(c.timeline) - 1; j >= i; j-- {
		c.timeline[j].undo.Undo()
	}
	return len(c.timeline) - i
}

// redoFrom re-executes timeline[i:] oldest first with fresh undo records.
func (c *Coordinator) redoFrom(i int) int {
	for j := i; j < len(c.timeline); j++ {
		r := c.timeline[j]
		r.undo = c.eval.Evaluate(r.cmd)
	}
	return len(c.timeline) - i
}

func (c *Coordinator) finish(at timekey.Key, st Stats) {
	if st.Undone > 0 {
		c.logger.Debug("timeline reconciled",
			"time", at.String(),
			"inserted", st.Inserted,
			"undone", st.Undone,
			"timeline", st.Timeline,
		)
	}
	if c.observer != nil {
		c.observer.ObservePass(st)
	}
}

// Consolidate irreversibly drops every command strictly before t. Later
// commands before t are rejected with ErrCodeBeforeFloor.
func (c *Coordinator) Consolidate(t timekey.Key) {
	i, _ := c.search(t)
	if i > 0 {
		c.timeline = slices.Clone(c.timeline[i:])
	}
	if !c.hasFloor || c.order.Less(c.floor, t) {
		c.floor = t
		c.hasFloor = true
	}
	c.logger.Debug("timeline consolidated",
		"floor", c.floor.String(),
		"dropped", i,
		"timeline", len(c.timeline),
	)
}

// UndoAll reverts every cached command newest first, leaving state as it
// was at the consolidation floor. Receive fails until RedoAll.
func (c *Coordinator) UndoAll() {
	if c.detached {
		return
	}
	c.undoFrom(0)
	c.detached = true
}

// RedoAll re-executes every cached command oldest first, returning to the
// live state.
func (c *Coordinator) RedoAll() {
	if !c.detached {
		return
	}
	c.redoFrom(0)
	c.detached = false
}

// Instructions returns the cached commands in time order.
func (c *Coordinator) Instructions() []command.Command {
	out := make([]command.Command, len(c.timeline))
	for i, r := range c.timeline {
		out[i] = r.cmd
	}
	return out
}

// Has reports whether a command is cached at k.
func (c *Coordinator) Has(k timekey.Key) bool {
	_, found := c.search(k)
	return found
}

// Lookup returns the command cached at k.
func (c *Coordinator) Lookup(k timekey.Key) (command.Command, bool) {
	i, found := c.search(k)
	if !found {
		return command.Command{}, false
	}
	return c.timeline[i].cmd, true
}

// Len is the number of cached commands.
func (c *Coordinator) Len() int {
	return len(c.timeline)
}

// Floor returns the consolidation floor, if any.
func (c *Coordinator) Floor() (timekey.Key, bool) {
	return c.floor, c.hasFloor
}

// Order returns the coordinator's key order.
func (c *Coordinator) Order() timekey.Order {
	return c.order
}
