package command

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/timewarp/internal/lx"
	"github.com/roach88/timewarp/internal/timekey"
)

type bump struct {
	By int64 `json:"by"`
}

func (bump) OpName() string { return "test.bump" }

type reset struct{}

func (reset) OpName() string { return "test.reset" }

func newCodec() *Codec {
	c := NewCodec()
	Register[bump](c)
	Register[reset](c)
	return c
}

func TestCodec_RoundTrip(t *testing.T) {
	c := newCodec()
	cmd := Command{
		Time:   timekey.Key{Global: 3, Player: 1, Local: 2},
		Target: lx.Of(lx.String("tally"), lx.Int64(0)),
		Op:     bump{By: 5},
	}

	env, err := c.Encode(cmd)
	require.NoError(t, err)
	assert.Equal(t, "test.bump", env.Op)

	data, err := json.Marshal(env)
	require.NoError(t, err)
	var wire Envelope
	require.NoError(t, json.Unmarshal(data, &wire))

	got, err := c.Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, cmd.Time, got.Time)
	assert.True(t, lx.Equal(cmd.Target, got.Target))
	assert.Equal(t, bump{By: 5}, got.Op)
	assert.Equal(t, "/tally/0#test.bump", got.Name())
}

func TestCodec_EmptyArgs(t *testing.T) {
	c := newCodec()

	got, err := c.Decode(Envelope{Op: "test.reset"})
	require.NoError(t, err)
	assert.Equal(t, reset{}, got.Op)
}

func TestCodec_UnknownOp(t *testing.T) {
	c := newCodec()

	_, err := c.Decode(Envelope{Op: "nope"})
	assert.ErrorIs(t, err, ErrUnknownOp)

	_, err = NewCodec().Encode(Command{Op: bump{}})
	assert.ErrorIs(t, err, ErrUnknownOp)
}

func TestRegister_DuplicatePanics(t *testing.T) {
	c := newCodec()
	assert.Panics(t, func() { Register[bump](c) })
}

func TestCodec_All(t *testing.T) {
	c := newCodec()
	cmds := []Command{
		{Time: timekey.Key{Global: 1}, Target: lx.Root, Op: reset{}},
		{Time: timekey.Key{Global: 2}, Target: lx.Root, Op: bump{By: -1}},
	}

	envs, err := c.EncodeAll(cmds)
	require.NoError(t, err)
	back, err := c.DecodeAll(envs)
	require.NoError(t, err)
	require.Len(t, back, 2)
	assert.Equal(t, bump{By: -1}, back[1].Op)
}
