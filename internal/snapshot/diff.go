package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/roach88/timewarp/internal/value"
)

// Mismatch is one key whose value differs between two states. A side
// that never assigned the key is nil.
type Mismatch struct {
	Key   string
	Left  value.Value
	Right value.Value
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s: %s != %s", m.Key, render(m.Left), render(m.Right))
}

func render(v value.Value) string {
	if v == nil {
		return "<unassigned>"
	}
	b, err := value.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(b)
}

// DivergenceError reports two states that should be equal but are not.
type DivergenceError struct {
	Mismatches []Mismatch
}

func (e *DivergenceError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "DIVERGENCE: %d mismatched keys", len(e.Mismatches))
	for _, m := range e.Mismatches {
		sb.WriteString("\n  ")
		sb.WriteString(m.String())
	}
	return sb.String()
}

// IsDivergence reports whether err is or wraps a *DivergenceError.
func IsDivergence(err error) bool {
	var de *DivergenceError
	return errors.As(err, &de)
}

// Flatten lists the simulated state of s as dotted keys. The producer
// clock is excluded.
func Flatten(s *Snapshot) (map[string]value.Value, error) {
	out := make(map[string]value.Value)

	put := func(prefix string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("flatten %s: %w", prefix, err)
		}
		val, err := value.Unmarshal(raw)
		if err != nil {
			return fmt.Errorf("flatten %s: %w", prefix, err)
		}
		flattenInto(out, prefix, val)
		return nil
	}

	out["players"] = value.Int(s.Players)
	if s.Floor != nil {
		out["floor"] = value.String(s.Floor.String())
	}
	if err := put("identities", s.Identities); err != nil {
		return nil, err
	}
	out["random.seed"] = value.String(strconv.FormatUint(s.Random.Seed, 10))
	out["random.draws"] = value.String(strconv.FormatUint(s.Random.Draws, 10))
	for _, e := range s.Scopes {
		out[fmt.Sprintf("scopes.%d:%d", e.Scope.Global, e.Scope.Player)] = value.Int(e.Last)
	}
	for _, rec := range s.Entities {
		prefix := "entities." + rec.ID.String()
		out[prefix+".kind"] = value.String(rec.Kind)
		out[prefix+".ident"] = value.String(rec.Ident.String())
		flattenInto(out, prefix+".data", rec.Data)
	}
	for _, env := range s.Instructions {
		raw, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("flatten instruction %s: %w", env.Time, err)
		}
		out["instructions."+env.Time.String()] = value.String(raw)
	}
	return out, nil
}

// flattenInto records the leaves of v under prefix. Nulls and empty
// containers assign nothing.
func flattenInto(out map[string]value.Value, prefix string, v value.Value) {
	switch x := v.(type) {
	case value.Null:
	case value.Object:
		for _, k := range x.SortedKeys() {
			flattenInto(out, prefix+"."+k, x[k])
		}
	case value.List:
		for i, elem := range x {
			flattenInto(out, fmt.Sprintf("%s[%d]", prefix, i), elem)
		}
	default:
		out[prefix] = v
	}
}

// Diff compares the simulated state of two snapshots and returns a
// *DivergenceError listing every key that is unassigned on one side or
// holds different values. It returns nil when the states are equal.
func Diff(a, b *Snapshot) error {
	left, err := Flatten(a)
	if err != nil {
		return err
	}
	right, err := Flatten(b)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(left)+len(right))
	for k := range left {
		keys = append(keys, k)
	}
	for k := range right {
		if _, ok := left[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	var mismatches []Mismatch
	for _, k := range keys {
		l, lok := left[k]
		r, rok := right[k]
		if lok && rok && value.Equal(l, r) {
			continue
		}
		mismatches = append(mismatches, Mismatch{Key: k, Left: l, Right: r})
	}
	if len(mismatches) == 0 {
		return nil
	}
	return &DivergenceError{Mismatches: mismatches}
}
