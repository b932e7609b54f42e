package tally

import (
	"github.com/roach88/timewarp/internal/command"
	"github.com/roach88/timewarp/internal/entity"
	"github.com/roach88/timewarp/internal/lx"
	"github.com/roach88/timewarp/internal/undo"
	"github.com/roach88/timewarp/internal/value"
)

// CounterOp is the closed set of counter ops.
type CounterOp interface {
	command.Op
	isCounterOp()
}

// Increment adds By.
type Increment struct {
	By int64 `json:"by"`
}

// Decrement subtracts By.
type Decrement struct {
	By int64 `json:"by"`
}

// Reset sets the count to zero.
type Reset struct{}

// Remove deletes the counter.
type Remove struct{}

// Roll adds a shared random value in [1, Sides].
type Roll struct {
	Sides int64 `json:"sides"`
}

func (Increment) OpName() string { return "tally.increment" }
func (Decrement) OpName() string { return "tally.decrement" }
func (Reset) OpName() string     { return "tally.reset" }
func (Remove) OpName() string    { return "tally.remove" }
func (Roll) OpName() string      { return "tally.roll" }

func (Increment) isCounterOp() {}
func (Decrement) isCounterOp() {}
func (Reset) isCounterOp()     {}
func (Remove) isCounterOp()    {}
func (Roll) isCounterOp()      {}

// Counter is a named integer.
type Counter struct {
	id    lx.Lx
	name  string
	count undo.Value[int64]
}

func newCounter(id lx.Lx, name string) *Counter {
	return &Counter{id: id, name: name}
}

func (c *Counter) ID() lx.Lx    { return c.id }
func (c *Counter) Kind() string { return KindCounter }
func (c *Counter) Name() string { return c.name }
func (c *Counter) Count() int64 { return c.count.Get() }

func (c *Counter) Evaluate(call *entity.Call, op command.Op) {
	cop, ok := op.(CounterOp)
	if !ok {
		return
	}
	switch o := cop.(type) {
	case Increment:
		c.count.Set(call.Undo, c.count.Get()+o.By)
	case Decrement:
		c.count.Set(call.Undo, c.count.Get()-o.By)
	case Reset:
		c.count.Set(call.Undo, 0)
	case Remove:
		call.Index.Delete(call, c.id)
	case Roll:
		if o.Sides <= 0 {
			return
		}
		c.count.Set(call.Undo, c.count.Get()+call.Index.Random(call, o.Sides)+1)
	}
}

func (c *Counter) Dump() value.Object {
	return value.Object{
		"name":  value.String(c.name),
		"count": value.Int(c.count.Get()),
	}
}

func restoreCounter(id lx.Lx, data value.Object) (entity.Entity, error) {
	name, err := stringField(data, "name")
	if err != nil {
		return nil, err
	}
	n, err := intField(data, "count")
	if err != nil {
		return nil, err
	}
	c := newCounter(id, name)
	c.count.Init(n)
	return c, nil
}
