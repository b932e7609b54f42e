package lx

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/roach88/timewarp/internal/value"
)

// ErrTruncated is returned when binary input ends inside a path.
var ErrTruncated = errors.New("lx: truncated input")

// MarshalBinary encodes l as a big-endian int32 node count followed by a
// tag byte and payload per node.
func (l Lx) MarshalBinary() ([]byte, error) {
	return l.AppendBinary(nil)
}

// AppendBinary appends the wire encoding of l to b.
func (l Lx) AppendBinary(b []byte) ([]byte, error) {
	nodes := l.Nodes()
	b = binary.BigEndian.AppendUint32(b, uint32(len(nodes)))
	for _, n := range nodes {
		b = append(b, byte(n.Tag()))
		switch x := n.(type) {
		case Int8:
			b = append(b, byte(x))
		case Int16:
			b = binary.BigEndian.AppendUint16(b, uint16(x))
		case Int32:
			b = binary.BigEndian.AppendUint32(b, uint32(x))
		case Int64:
			b = binary.BigEndian.AppendUint64(b, uint64(x))
		case Float32:
			b = binary.BigEndian.AppendUint32(b, math.Float32bits(float32(x)))
		case Float64:
			b = binary.BigEndian.AppendUint64(b, math.Float64bits(float64(x)))
		case UUID:
			b = append(b, x[:]...)
		case String:
			b = binary.BigEndian.AppendUint32(b, uint32(len(x)))
			b = append(b, x...)
		case Other:
			data, err := value.Marshal(x.Value)
			if err != nil {
				return nil, fmt.Errorf("lx: encode other node: %w", err)
			}
			b = binary.BigEndian.AppendUint32(b, uint32(len(data)))
			b = append(b, data...)
		case Low, High:
		default:
			return nil, fmt.Errorf("lx: cannot encode node type %T", n)
		}
	}
	return b, nil
}

// UnmarshalBinary decodes the wire form produced by MarshalBinary.
func (l *Lx) UnmarshalBinary(data []byte) error {
	d := decoder{buf: data}
	count := d.uint32()
	out := Root
	for i := uint32(0); i < count && d.err == nil; i++ {
		n, err := d.node()
		if err != nil {
			return err
		}
		out = out.Append(n)
	}
	if d.err != nil {
		return d.err
	}
	if len(d.buf) != 0 {
		return fmt.Errorf("lx: %d trailing bytes", len(d.buf))
	}
	*l = out
	return nil
}

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf) < n {
		d.err = ErrTruncated
		return nil
	}
	out := d.buf[:n]
	d.buf = d.buf[n:]
	return out
}

func (d *decoder) uint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) node() (Node, error) {
	tb := d.take(1)
	if tb == nil {
		return nil, d.err
	}
	tag := Tag(tb[0])
	switch tag {
	case TagLow:
		return Low{}, nil
	case TagHigh:
		return High{}, nil
	case TagInt8:
		if b := d.take(1); d.err == nil {
			return Int8(int8(b[0])), nil
		}
	case TagInt16:
		if b := d.take(2); d.err == nil {
			return Int16(int16(binary.BigEndian.Uint16(b))), nil
		}
	case TagInt32:
		if b := d.take(4); d.err == nil {
			return Int32(int32(binary.BigEndian.Uint32(b))), nil
		}
	case TagInt64:
		if b := d.take(8); d.err == nil {
			return Int64(int64(binary.BigEndian.Uint64(b))), nil
		}
	case TagFloat32:
		if b := d.take(4); d.err == nil {
			return Float32(math.Float32frombits(binary.BigEndian.Uint32(b))), nil
		}
	case TagFloat64:
		if b := d.take(8); d.err == nil {
			return Float64(math.Float64frombits(binary.BigEndian.Uint64(b))), nil
		}
	case TagUUID:
		if b := d.take(16); d.err == nil {
			id, err := uuid.FromBytes(b)
			if err != nil {
				return nil, err
			}
			return UUID(id), nil
		}
	case TagString:
		n := d.uint32()
		if b := d.take(int(n)); d.err == nil {
			return String(b), nil
		}
	case TagOther:
		n := d.uint32()
		if b := d.take(int(n)); d.err == nil {
			v, err := value.Unmarshal(b)
			if err != nil {
				return nil, fmt.Errorf("lx: decode other node: %w", err)
			}
			return Other{Value: v}, nil
		}
	default:
		return nil, fmt.Errorf("lx: unknown tag 0x%02x", byte(tag))
	}
	return nil, d.err
}

// MarshalJSON encodes l as the base64 string of its binary form.
func (l Lx) MarshalJSON() ([]byte, error) {
	b, err := l.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return json.Marshal(b)
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (l *Lx) UnmarshalJSON(data []byte) error {
	var b []byte
	if err := json.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("lx: %w", err)
	}
	return l.UnmarshalBinary(b)
}
