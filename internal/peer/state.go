package peer

// State is a peer's position in the join protocol.
type State int32

const (
	StateJoining State = iota
	StateBootstrapping
	StateSeeding
	StateLive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateBootstrapping:
		return "bootstrapping"
	case StateSeeding:
		return "seeding"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
