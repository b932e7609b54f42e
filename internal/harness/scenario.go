package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/timewarp/internal/lx"
	"github.com/roach88/timewarp/internal/tally"
)

// Assertion types.
const (
	AssertConverged        = "converged"
	AssertMatchesReference = "matches_reference"
	AssertTotal            = "total"
	AssertRewound          = "rewound"
	AssertTimeline         = "timeline"
	AssertReplays          = "replays"
)

// Scenario defines a multi-peer run.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Seed seeds the shared random stream. Zero uses the engine default.
	Seed uint64 `yaml:"seed,omitempty"`

	// Lag is the default link delay in network steps. At least 1.
	Lag int64 `yaml:"lag,omitempty"`

	// Links override Lag for single directions.
	Links []Link `yaml:"links,omitempty"`

	// Peers are the players in order.
	Peers []PeerSpec `yaml:"peers"`

	// Signals are the commands peers author.
	Signals []Signal `yaml:"signals"`

	// Settle is how many steps run after the last signal. Defaults to
	// the largest lag plus two.
	Settle int `yaml:"settle,omitempty"`

	// Assertions validate the final state of every peer.
	Assertions []Assertion `yaml:"assertions"`
}

// Link overrides the lag from one peer to another.
type Link struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
	Lag  int64  `yaml:"lag"`
}

// PeerSpec is one participant.
type PeerSpec struct {
	Name string `yaml:"name"`
	// Join is the step at which the peer starts.
	Join int `yaml:"join,omitempty"`
}

// Signal is one authored command.
type Signal struct {
	Step   int            `yaml:"step"`
	Peer   string         `yaml:"peer"`
	Global int64          `yaml:"global"`
	Target string         `yaml:"target"`
	Op     string         `yaml:"op"`
	Args   map[string]any `yaml:"args,omitempty"`
}

// Assertion validates final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Peer restricts total and replays to one peer and names the peer
	// for rewound and timeline.
	Peer string `yaml:"peer,omitempty"`

	// Counter is the counter name (total).
	Counter string `yaml:"counter,omitempty"`

	// Expect is the expected total or timeline length.
	Expect int64 `yaml:"expect,omitempty"`

	// Min is the minimum number of undone commands (rewound).
	Min int `yaml:"min,omitempty"`
}

// LoadScenario parses and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Parse YAML with strict field validation (catches typos)
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Peers) == 0 {
		return fmt.Errorf("peers list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.Lag < 0 {
		return fmt.Errorf("lag must be non-negative")
	}

	names := make(map[string]bool, len(s.Peers))
	for i, p := range s.Peers {
		if p.Name == "" {
			return fmt.Errorf("peers[%d]: name is required", i)
		}
		if names[p.Name] {
			return fmt.Errorf("peers[%d]: duplicate name %q", i, p.Name)
		}
		if p.Join < 0 {
			return fmt.Errorf("peers[%d]: join must be non-negative", i)
		}
		names[p.Name] = true
	}
	if s.Peers[0].Join != 0 {
		return fmt.Errorf("peers[0]: first peer seeds the session and must join at step 0")
	}

	for i, l := range s.Links {
		if !names[l.From] || !names[l.To] {
			return fmt.Errorf("links[%d]: unknown peer", i)
		}
		if l.Lag < 0 {
			return fmt.Errorf("links[%d]: lag must be non-negative", i)
		}
	}

	joins := make(map[string]int, len(s.Peers))
	for _, p := range s.Peers {
		joins[p.Name] = p.Join
	}
	for i, sig := range s.Signals {
		join, ok := joins[sig.Peer]
		if !ok {
			return fmt.Errorf("signals[%d]: unknown peer %q", i, sig.Peer)
		}
		if sig.Step < join {
			return fmt.Errorf("signals[%d]: step %d is before %s joins", i, sig.Step, sig.Peer)
		}
		if sig.Op == "" {
			return fmt.Errorf("signals[%d]: op is required", i)
		}
		if _, err := ParseTarget(sig.Target); err != nil {
			return fmt.Errorf("signals[%d]: %w", i, err)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i], names); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, peers map[string]bool) error {
	if a.Peer != "" && !peers[a.Peer] {
		return fmt.Errorf("assertions[%d]: unknown peer %q", index, a.Peer)
	}

	switch a.Type {
	case AssertConverged, AssertMatchesReference, AssertReplays:
	case AssertTotal:
		if a.Counter == "" {
			return fmt.Errorf("assertions[%d]: counter is required for total", index)
		}
	case AssertRewound:
		if a.Peer == "" {
			return fmt.Errorf("assertions[%d]: peer is required for rewound", index)
		}
		if a.Min < 1 {
			return fmt.Errorf("assertions[%d]: min must be positive for rewound", index)
		}
	case AssertTimeline:
		if a.Peer == "" {
			return fmt.Errorf("assertions[%d]: peer is required for timeline", index)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// ParseTarget resolves "registry" or "counter:<value>.<generation>".
func ParseTarget(s string) (lx.Lx, error) {
	if s == "registry" {
		return tally.RegistryID, nil
	}
	ident, ok := strings.CutPrefix(s, "counter:")
	if !ok {
		return lx.Lx{}, fmt.Errorf("unknown target %q", s)
	}
	v, g, ok := strings.Cut(ident, ".")
	if !ok {
		return lx.Lx{}, fmt.Errorf("target %q: want counter:<value>.<generation>", s)
	}
	value, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return lx.Lx{}, fmt.Errorf("target %q: %w", s, err)
	}
	gen, err := strconv.ParseInt(g, 10, 32)
	if err != nil {
		return lx.Lx{}, fmt.Errorf("target %q: %w", s, err)
	}
	return tally.CountersScope.Append(lx.Int64(value)).Append(lx.Int32(int32(gen))), nil
}

// argsJSON encodes signal args for the op codec.
func argsJSON(args map[string]any) (json.RawMessage, error) {
	if len(args) == 0 {
		return json.RawMessage(`{}`), nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	return data, nil
}
