package transport

import (
	"encoding/json"
	"fmt"
)

// Frame is the JSON wire form of a message.
type Frame struct {
	Type    string          `json:"type"`
	From    MemberID        `json:"from"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodeFrame marshals m sent by from.
func EncodeFrame(from MemberID, m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", m.messageType(), err)
	}
	return json.Marshal(Frame{Type: m.messageType(), From: from, Payload: payload})
}

// DecodeFrame parses a frame produced by EncodeFrame.
func DecodeFrame(data []byte) (MemberID, Message, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return "", nil, fmt.Errorf("decode frame: %w", err)
	}

	var m Message
	switch f.Type {
	case TypeCommand:
		var c Command
		if err := unmarshalPayload(f, &c); err != nil {
			return "", nil, err
		}
		m = c
	case TypeSnapshotRequest:
		m = SnapshotRequest{}
	case TypeSnapshotResponse:
		var r SnapshotResponse
		if err := unmarshalPayload(f, &r); err != nil {
			return "", nil, err
		}
		m = r
	case TypePing:
		var p Ping
		if err := unmarshalPayload(f, &p); err != nil {
			return "", nil, err
		}
		m = p
	default:
		return "", nil, fmt.Errorf("decode frame: unknown type %q", f.Type)
	}
	return f.From, m, nil
}

func unmarshalPayload(f Frame, v any) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s frame: %w", f.Type, err)
	}
	return nil
}
