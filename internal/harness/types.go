package harness

import "github.com/roach88/timewarp/internal/snapshot"

// Result is the outcome of a scenario run.
type Result struct {
	// Pass indicates overall success: no peer failed, every signal was
	// accepted and every assertion held.
	Pass bool `json:"pass"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Report is the deterministic summary compared against golden files.
	Report Report `json:"report"`

	// digests are state digests by peer name, plus the reference under
	// the empty name. They are hashes of the same state the report
	// already shows, so they stay out of golden files.
	digests map[string]string
	// states are the captured states behind digests, used to name the
	// keys that differ.
	states map[string]*snapshot.Snapshot
}

// Report summarizes the final state of every peer.
type Report struct {
	Scenario         string           `json:"scenario"`
	Steps            int              `json:"steps"`
	Converged        bool             `json:"converged"`
	MatchesReference bool             `json:"matches_reference"`
	ReferenceTotals  map[string]int64 `json:"reference_totals"`
	Peers            []PeerReport     `json:"peers"`
}

// PeerReport is one peer's final state and what it took to get there.
type PeerReport struct {
	Name   string `json:"name"`
	Player int32  `json:"player"`
	// Joined is "seeded", "restored" or "failed", or empty if the peer
	// never finished joining.
	Joined   string           `json:"joined"`
	State    string           `json:"state"`
	Totals   map[string]int64 `json:"totals"`
	Timeline int              `json:"timeline"`
	// Passes counts coordinator passes; Undone sums commands rolled back
	// across them.
	Passes int `json:"passes"`
	Undone int `json:"undone"`
	Served int `json:"snapshots_served"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Errors:  []string{},
		digests: make(map[string]string),
		states:  make(map[string]*snapshot.Snapshot),
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Peer returns the report for the named peer.
func (r *Result) Peer(name string) (PeerReport, bool) {
	for _, p := range r.Report.Peers {
		if p.Name == name {
			return p, true
		}
	}
	return PeerReport{}, false
}
