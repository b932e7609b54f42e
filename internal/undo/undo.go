// Package undo records the inverse of state mutations explicitly.
//
// Every mutating operation that must be reversible takes a *Session and
// pushes the closure that restores the prior state. Undoing the session
// runs those closures newest first. There is no ambient or global undo
// stack: whoever evaluates a command owns its session.
package undo

import "fmt"

// Undo reverts the effects of one evaluated command.
type Undo interface {
	Undo()
}

// Session collects inverse operations in the order mutations happened.
type Session struct {
	label string
	steps []func()
}

// NewSession returns an empty session. The label shows up in logs and
// diagnostics.
func NewSession(label string) *Session {
	return &Session{label: label}
}

// Push records the inverse of a mutation that has just been applied.
func (s *Session) Push(inverse func()) {
	if inverse == nil {
		return
	}
	s.steps = append(s.steps, inverse)
}

// Len is the number of recorded inverses.
func (s *Session) Len() int {
	return len(s.steps)
}

// Undo runs all recorded inverses newest first and empties the session.
func (s *Session) Undo() {
	for i := len(s.steps) - 1; i >= 0; i-- {
		s.steps[i]()
		s.steps[i] = nil
	}
	s.steps = s.steps[:0]
}

// String returns the session label and step count.
func (s *Session) String() string {
	return fmt.Sprintf("%s (%d steps)", s.label, len(s.steps))
}

// Noop is an Undo that does nothing. The string says why nothing was
// done, e.g. the command addressed an entity that does not exist in this
// branch of the replay.
type Noop string

// Undo does nothing.
func (Noop) Undo() {}

func (n Noop) String() string {
	return string(n)
}

// Value is a field whose writes are undoable.
type Value[T any] struct {
	v T
}

// NewValue returns a Value holding v.
func NewValue[T any](v T) Value[T] {
	return Value[T]{v: v}
}

// Get returns the current value.
func (f *Value[T]) Get() T {
	return f.v
}

// Set stores v and records the restoration of the previous value in s.
func (f *Value[T]) Set(s *Session, v T) {
	prev := f.v
	f.v = v
	s.Push(func() { f.v = prev })
}

// Init stores v without recording an inverse. Use it only while building
// state outside of command evaluation, such as restoring a snapshot.
func (f *Value[T]) Init(v T) {
	f.v = v
}
