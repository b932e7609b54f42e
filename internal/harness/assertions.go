package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/timewarp/internal/snapshot"
	"github.com/roach88/timewarp/internal/store"
	"github.com/roach88/timewarp/internal/transport"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Peers    []PeerReport // Final peer states for context

	// Mismatches names the state keys that differ, as "peer: key: a != b".
	Mismatches []string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Mismatches) > 0 {
		fmt.Fprintf(&buf, "\nMismatched keys:\n")
		for _, m := range e.Mismatches {
			fmt.Fprintf(&buf, "  %s\n", m)
		}
	}

	if len(e.Peers) > 0 {
		fmt.Fprintf(&buf, "\nPeers:\n")
		for _, p := range e.Peers {
			fmt.Fprintf(&buf, "  %s (player %d, %s): totals=%v timeline=%d undone=%d\n",
				p.Name, p.Player, p.State, p.Totals, p.Timeline, p.Undone)
		}
	}
	return buf.String()
}

// AssertionContext provides what assertions need beyond the result.
type AssertionContext struct {
	Store    *store.Store
	Ctx      context.Context
	Scenario *Scenario
}

// maxMismatches caps the keys listed per differing peer.
const maxMismatches = 8

// mismatches lists the keys where name's state differs from base's. It
// is empty when either state was not captured.
func (r *Result) mismatches(base, name string) []string {
	a, b := r.states[base], r.states[name]
	if a == nil || b == nil {
		return nil
	}
	var de *snapshot.DivergenceError
	if !errors.As(snapshot.Diff(a, b), &de) {
		return nil
	}
	out := make([]string, 0, min(len(de.Mismatches), maxMismatches)+1)
	for i, m := range de.Mismatches {
		if i == maxMismatches {
			out = append(out, fmt.Sprintf("%s: ... %d more", name, len(de.Mismatches)-i))
			break
		}
		out = append(out, name+": "+m.String())
	}
	return out
}

func assertConverged(result *Result) error {
	var mismatched, keys []string
	first := ""
	for i, p := range result.Report.Peers {
		d := result.digests[p.Name]
		if i == 0 {
			first = p.Name
			continue
		}
		if d != result.digests[first] {
			mismatched = append(mismatched, p.Name)
			keys = append(keys, result.mismatches(first, p.Name)...)
		}
	}
	if len(mismatched) == 0 {
		return nil
	}
	return &AssertionError{
		Type:       AssertConverged,
		Expected:   "all peers share one state digest",
		Actual:     fmt.Sprintf("%s differ from %s", strings.Join(mismatched, ", "), first),
		Peers:      result.Report.Peers,
		Mismatches: keys,
	}
}

func assertMatchesReference(result *Result) error {
	ref := result.digests[""]
	var mismatched, keys []string
	for _, p := range result.Report.Peers {
		if result.digests[p.Name] != ref {
			mismatched = append(mismatched, p.Name)
			keys = append(keys, result.mismatches("", p.Name)...)
		}
	}
	if len(mismatched) == 0 {
		return nil
	}
	return &AssertionError{
		Type:       AssertMatchesReference,
		Expected:   fmt.Sprintf("every peer equals the reference (totals %v)", result.Report.ReferenceTotals),
		Actual:     fmt.Sprintf("%s differ", strings.Join(mismatched, ", ")),
		Peers:      result.Report.Peers,
		Mismatches: keys,
	}
}

func assertTotal(result *Result, a Assertion) error {
	for _, p := range result.Report.Peers {
		if a.Peer != "" && p.Name != a.Peer {
			continue
		}
		got, ok := p.Totals[a.Counter]
		if !ok {
			return &AssertionError{
				Type:     AssertTotal,
				Expected: fmt.Sprintf("%s: counter %q = %d", p.Name, a.Counter, a.Expect),
				Actual:   "counter not found",
				Peers:    result.Report.Peers,
			}
		}
		if got != a.Expect {
			return &AssertionError{
				Type:     AssertTotal,
				Expected: fmt.Sprintf("%s: counter %q = %d", p.Name, a.Counter, a.Expect),
				Actual:   fmt.Sprintf("%d", got),
				Peers:    result.Report.Peers,
			}
		}
	}
	return nil
}

func assertRewound(result *Result, a Assertion) error {
	p, _ := result.Peer(a.Peer)
	if p.Undone >= a.Min {
		return nil
	}
	return &AssertionError{
		Type:     AssertRewound,
		Expected: fmt.Sprintf("%s undid at least %d commands", a.Peer, a.Min),
		Actual:   fmt.Sprintf("%d undone", p.Undone),
		Peers:    result.Report.Peers,
	}
}

func assertTimeline(result *Result, a Assertion) error {
	p, _ := result.Peer(a.Peer)
	if int64(p.Timeline) == a.Expect {
		return nil
	}
	return &AssertionError{
		Type:     AssertTimeline,
		Expected: fmt.Sprintf("%s holds %d commands", a.Peer, a.Expect),
		Actual:   fmt.Sprintf("%d", p.Timeline),
		Peers:    result.Report.Peers,
	}
}

// assertReplays rebuilds each peer from its journal into a fresh engine
// and compares digests.
func assertReplays(actx *AssertionContext, result *Result, a Assertion) error {
	h := &Harness{scenario: actx.Scenario, logger: discardLogger()}
	for _, p := range result.Report.Peers {
		if a.Peer != "" && p.Name != a.Peer {
			continue
		}
		eng, err := h.newEngine(p.Player)
		if err != nil {
			return err
		}
		if _, err := store.Replay(actx.Ctx, actx.Store, transport.MemberID(p.Name), eng); err != nil {
			return &AssertionError{
				Type:     AssertReplays,
				Expected: fmt.Sprintf("%s replays from its journal", p.Name),
				Actual:   err.Error(),
			}
		}
		digest, err := eng.Digest()
		if err != nil {
			return err
		}
		if digest != result.digests[p.Name] {
			return &AssertionError{
				Type:     AssertReplays,
				Expected: fmt.Sprintf("%s replays to its live state", p.Name),
				Actual:   fmt.Sprintf("replayed digest %s, live %s", short(digest), short(result.digests[p.Name])),
				Peers:    result.Report.Peers,
			}
		}
	}
	return nil
}

func short(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides journal access for replays assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertConverged:
			err = assertConverged(result)
		case AssertMatchesReference:
			err = assertMatchesReference(result)
		case AssertTotal:
			err = assertTotal(result, assertion)
		case AssertRewound:
			err = assertRewound(result, assertion)
		case AssertTimeline:
			err = assertTimeline(result, assertion)
		case AssertReplays:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: replays requires journal context", i)
			} else {
				err = assertReplays(actx, result, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
