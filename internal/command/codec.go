package command

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/timewarp/internal/lx"
	"github.com/roach88/timewarp/internal/timekey"
)

// ErrUnknownOp is returned when decoding an op that was never registered.
var ErrUnknownOp = errors.New("unknown op")

// Envelope is the wire form of a Command.
type Envelope struct {
	Time   timekey.Key     `json:"time"`
	Target lx.Lx           `json:"target"`
	Op     string          `json:"op"`
	Args   json.RawMessage `json:"args,omitempty"`
}

type decodeFunc func(json.RawMessage) (Op, error)

// Codec maps op names to their Go types.
type Codec struct {
	decoders map[string]decodeFunc
}

// NewCodec returns an empty codec.
func NewCodec() *Codec {
	return &Codec{decoders: make(map[string]decodeFunc)}
}

// Register adds op type T to c. T's OpName must not depend on field
// values. Registering the same name twice panics.
func Register[T Op](c *Codec) {
	var zero T
	name := zero.OpName()
	if _, dup := c.decoders[name]; dup {
		panic(fmt.Sprintf("command: op %q registered twice", name))
	}
	c.decoders[name] = func(raw json.RawMessage) (Op, error) {
		var op T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &op); err != nil {
				return nil, fmt.Errorf("decode op %q: %w", name, err)
			}
		}
		return op, nil
	}
}

// Known reports whether an op name is registered.
func (c *Codec) Known(name string) bool {
	_, ok := c.decoders[name]
	return ok
}

// Encode converts cmd to its wire form.
func (c *Codec) Encode(cmd Command) (Envelope, error) {
	name := cmd.Op.OpName()
	if !c.Known(name) {
		return Envelope{}, fmt.Errorf("encode %s: %w: %q", cmd.Time, ErrUnknownOp, name)
	}
	args, err := json.Marshal(cmd.Op)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", cmd.Time, err)
	}
	return Envelope{Time: cmd.Time, Target: cmd.Target, Op: name, Args: args}, nil
}

// Decode converts an envelope back into a Command.
func (c *Codec) Decode(env Envelope) (Command, error) {
	dec, ok := c.decoders[env.Op]
	if !ok {
		return Command{}, fmt.Errorf("decode %s: %w: %q", env.Time, ErrUnknownOp, env.Op)
	}
	op, err := dec(env.Args)
	if err != nil {
		return Command{}, fmt.Errorf("decode %s: %w", env.Time, err)
	}
	return Command{Time: env.Time, Target: env.Target, Op: op}, nil
}

// EncodeAll encodes commands in order.
func (c *Codec) EncodeAll(cmds []Command) ([]Envelope, error) {
	out := make([]Envelope, 0, len(cmds))
	for _, cmd := range cmds {
		env, err := c.Encode(cmd)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

// DecodeAll decodes envelopes in order.
func (c *Codec) DecodeAll(envs []Envelope) ([]Command, error) {
	out := make([]Command, 0, len(envs))
	for _, env := range envs {
		cmd, err := c.Decode(env)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	return out, nil
}
