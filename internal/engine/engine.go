package engine

import (
	"io"
	"log/slog"

	"github.com/roach88/timewarp/internal/alloc"
	"github.com/roach88/timewarp/internal/command"
	"github.com/roach88/timewarp/internal/entity"
	"github.com/roach88/timewarp/internal/lx"
	"github.com/roach88/timewarp/internal/scope"
	"github.com/roach88/timewarp/internal/timekey"
	"github.com/roach88/timewarp/internal/value"
	"github.com/roach88/timewarp/internal/warp"
)

// DefaultSeed seeds the shared random stream unless WithSeed is given.
// Every peer in a session must use the same seed.
const DefaultSeed uint64 = 0x74696d6577617270

// Domain supplies the entity kinds and ops an engine simulates.
type Domain interface {
	// Register adds the domain's ops and entity factories.
	Register(codec *command.Codec, kinds *entity.Kinds)
	// Install registers static entities in a fresh index.
	Install(ix *entity.Index) error
}

// Engine is the reconciliation state of one peer.
type Engine struct {
	order  timekey.Order
	player int32
	seed   uint64

	ids    *alloc.Recycler
	rng    *alloc.Random
	scopes *scope.Table
	index  *entity.Index
	warp   *warp.Coordinator

	codec *command.Codec
	kinds *entity.Kinds

	observer warp.Observer
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithSeed sets the shared random seed.
func WithSeed(seed uint64) Option {
	return func(e *Engine) {
		e.seed = seed
	}
}

// WithObserver forwards coordinator pass statistics to o.
func WithObserver(o warp.Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithLogger sets the logger for the engine and everything it owns.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New returns a fresh engine for a session of players peers, authoring
// commands as player.
func New(players, player int32, domain Domain, opts ...Option) (*Engine, error) {
	if players < 1 || player < 0 || player >= players {
		return nil, newInvalidPlayerError(players, player)
	}

	e := &Engine{
		order:  timekey.NewOrder(players),
		player: player,
		seed:   DefaultSeed,
		codec:  command.NewCodec(),
		kinds:  entity.NewKinds(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	domain.Register(e.codec, e.kinds)

	e.ids = alloc.NewRecycler()
	e.rng = alloc.NewRandom(e.seed)
	e.scopes = scope.NewTable()
	e.index = e.newIndex(e.ids, e.rng)
	e.warp = e.newCoordinator(e.index)

	if err := domain.Install(e.index); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) newIndex(ids *alloc.Recycler, rng *alloc.Random) *entity.Index {
	return entity.NewIndex(ids, rng, entity.WithLogger(e.logger))
}

func (e *Engine) newCoordinator(ix *entity.Index) *warp.Coordinator {
	opts := []warp.Option{warp.WithLogger(e.logger)}
	if e.observer != nil {
		opts = append(opts, warp.WithObserver(e.observer))
	}
	return warp.New(e.order, ix, opts...)
}

// Signal authors a command at global time and executes it locally. The
// local component comes from this player's scope table, so keys this
// engine authors never collide.
func (e *Engine) Signal(global int64, target lx.Lx, op command.Op) (command.Command, error) {
	s := timekey.Scope{Global: global, Player: e.player}
	cmd := command.Command{
		Time:   timekey.Key{Global: global, Player: e.player, Local: e.scopes.Take(s)},
		Target: target,
		Op:     op,
	}
	if err := e.warp.Receive(cmd); err != nil {
		return command.Command{}, err
	}
	return cmd, nil
}

// Receive places a remote command on the timeline.
func (e *Engine) Receive(cmd command.Command) error {
	return e.warp.Receive(cmd)
}

// ReceiveAll places a batch of remote commands in one pass.
func (e *Engine) ReceiveAll(cmds []command.Command) error {
	return e.warp.ReceiveAll(cmds)
}

// Consolidate discards history before t, along with local-sequence
// scopes of earlier global times.
func (e *Engine) Consolidate(t timekey.Key) {
	e.warp.Consolidate(t)
	e.scopes.Consolidate(timekey.Scope{Global: t.Global})
}

// Player is this engine's player id.
func (e *Engine) Player() int32 { return e.player }

// Order is the session's key order.
func (e *Engine) Order() timekey.Order { return e.order }

// Codec maps the domain's ops to and from envelopes.
func (e *Engine) Codec() *command.Codec { return e.codec }

// Index exposes live entities for reads. Mutate only through commands.
func (e *Engine) Index() *entity.Index { return e.index }

// Has reports whether a command is cached at k.
func (e *Engine) Has(k timekey.Key) bool { return e.warp.Has(k) }

// Lookup returns the cached command at k.
func (e *Engine) Lookup(k timekey.Key) (command.Command, bool) { return e.warp.Lookup(k) }

// Len is the number of cached commands.
func (e *Engine) Len() int { return e.warp.Len() }

// Floor is the consolidation floor, if any.
func (e *Engine) Floor() (timekey.Key, bool) { return e.warp.Floor() }

// Instructions returns the cached commands in time order.
func (e *Engine) Instructions() []command.Command { return e.warp.Instructions() }

// State returns the live entity state keyed by address.
func (e *Engine) State() value.Object {
	out := make(value.Object, e.index.Len())
	for _, rec := range e.index.Dump() {
		out[rec.ID.String()] = value.Object{
			"kind": value.String(rec.Kind),
			"data": rec.Data,
		}
	}
	return out
}

// Digest is a stable hash of the live entity state. Peers that have
// received the same commands report the same digest.
func (e *Engine) Digest() (string, error) {
	return value.Digest(value.DomainState, e.State())
}
