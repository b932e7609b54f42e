package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/timewarp/internal/lx"
)

// timeFormat is used for every TEXT timestamp column.
const timeFormat = time.RFC3339Nano

// marshalTarget converts an address to its binary form for storage.
// The binary form sorts like lx.Compare only for equal depths, so queries
// never ORDER BY target.
func marshalTarget(target lx.Lx) ([]byte, error) {
	data, err := target.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal target: %w", err)
	}
	return data, nil
}

func unmarshalTarget(data []byte) (lx.Lx, error) {
	var l lx.Lx
	if err := l.UnmarshalBinary(data); err != nil {
		return lx.Lx{}, fmt.Errorf("unmarshal target: %w", err)
	}
	return l, nil
}

// marshalArgs compacts op arguments to JSON TEXT. Empty args are stored
// as "{}".
func marshalArgs(args json.RawMessage) (string, error) {
	if len(args) == 0 {
		return "{}", nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, args); err != nil {
		return "", fmt.Errorf("marshal args: %w", err)
	}
	return buf.String(), nil
}

func unmarshalArgs(data string) json.RawMessage {
	if data == "" {
		data = "{}"
	}
	return json.RawMessage(data)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
