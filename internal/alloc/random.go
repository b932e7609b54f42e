package alloc

// RandomState is the persistent form of Random.
type RandomState struct {
	Seed  uint64 `json:"seed"`
	Draws uint64 `json:"draws"`
}

// Random is a counter-based random stream shared by all peers. The n-th
// draw depends only on the seed and n, so undoing a draw is a decrement
// and replays yield the same numbers.
type Random struct {
	seed  uint64
	draws uint64
}

// NewRandom returns a stream for seed.
func NewRandom(seed uint64) *Random {
	return &Random{seed: seed}
}

// NewRandomFrom rebuilds a stream from saved state.
func NewRandomFrom(st RandomState) *Random {
	return &Random{seed: st.Seed, draws: st.Draws}
}

// Uint64 draws the next number and returns the operation that un-draws it.
func (r *Random) Uint64() (uint64, func()) {
	r.draws++
	return mix(r.seed + r.draws*0x9e3779b97f4a7c15), func() { r.draws-- }
}

// IntN draws a number in [0, n). n must be positive.
func (r *Random) IntN(n int64) (int64, func()) {
	if n <= 0 {
		panic("alloc: IntN with non-positive bound")
	}
	x, inverse := r.Uint64()
	return int64(x % uint64(n)), inverse
}

// State returns the stream's state.
func (r *Random) State() RandomState {
	return RandomState{Seed: r.seed, Draws: r.draws}
}

// mix is the splitmix64 finalizer.
func mix(z uint64) uint64 {
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
