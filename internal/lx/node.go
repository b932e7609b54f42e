package lx

import (
	"bytes"
	"cmp"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/roach88/timewarp/internal/value"
)

// Tag identifies a node kind on the wire. Values are part of the wire
// contract and must not change.
type Tag byte

const (
	TagLow     Tag = 0x00
	TagInt8    Tag = 0x01
	TagInt16   Tag = 0x02
	TagInt32   Tag = 0x03
	TagInt64   Tag = 0x04
	TagFloat32 Tag = 0x05
	TagFloat64 Tag = 0x06
	TagUUID    Tag = 0x07
	TagString  Tag = 0x08
	TagOther   Tag = 0x09
	TagHigh    Tag = 0x7F
)

// Node is one component of an identity path. The set of node types is
// closed: the concrete primitives below, Other, and the Low/High
// boundary markers.
type Node interface {
	Tag() Tag
}

type (
	Int8    int8
	Int16   int16
	Int32   int32
	Int64   int64
	Float32 float32
	Float64 float64
	UUID    uuid.UUID
	String  string

	// Other carries any value that has no dedicated tag.
	Other struct{ Value value.Value }

	// Low orders before every node at its depth.
	Low struct{}

	// High orders after every node at its depth.
	High struct{}
)

func (Int8) Tag() Tag    { return TagInt8 }
func (Int16) Tag() Tag   { return TagInt16 }
func (Int32) Tag() Tag   { return TagInt32 }
func (Int64) Tag() Tag   { return TagInt64 }
func (Float32) Tag() Tag { return TagFloat32 }
func (Float64) Tag() Tag { return TagFloat64 }
func (UUID) Tag() Tag    { return TagUUID }
func (String) Tag() Tag  { return TagString }
func (Other) Tag() Tag   { return TagOther }
func (Low) Tag() Tag     { return TagLow }
func (High) Tag() Tag    { return TagHigh }

// IsBoundary reports whether n is Low or High.
func IsBoundary(n Node) bool {
	switch n.(type) {
	case Low, High:
		return true
	}
	return false
}

// CompareNodes orders two nodes. Boundaries dominate; nodes of different
// kinds order by tag; nodes of one kind order by value.
func CompareNodes(a, b Node) int {
	switch a.(type) {
	case Low:
		if _, ok := b.(Low); ok {
			return 0
		}
		return -1
	case High:
		if _, ok := b.(High); ok {
			return 0
		}
		return 1
	}
	switch b.(type) {
	case Low:
		return 1
	case High:
		return -1
	}

	if c := cmp.Compare(a.Tag(), b.Tag()); c != 0 {
		return c
	}

	switch x := a.(type) {
	case Int8:
		return cmp.Compare(x, b.(Int8))
	case Int16:
		return cmp.Compare(x, b.(Int16))
	case Int32:
		return cmp.Compare(x, b.(Int32))
	case Int64:
		return cmp.Compare(x, b.(Int64))
	case Float32:
		return cmp.Compare(x, b.(Float32))
	case Float64:
		return cmp.Compare(x, b.(Float64))
	case UUID:
		y := b.(UUID)
		return bytes.Compare(x[:], y[:])
	case String:
		return cmp.Compare(x, b.(String))
	case Other:
		return bytes.Compare(value.MustMarshal(x.Value), value.MustMarshal(b.(Other).Value))
	default:
		panic(fmt.Sprintf("lx: unknown node type %T", a))
	}
}

func formatNode(n Node) string {
	switch x := n.(type) {
	case Int8:
		return strconv.FormatInt(int64(x), 10)
	case Int16:
		return strconv.FormatInt(int64(x), 10)
	case Int32:
		return strconv.FormatInt(int64(x), 10)
	case Int64:
		return strconv.FormatInt(int64(x), 10)
	case Float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case Float64:
		return strconv.FormatFloat(float64(x), 'g', -1, 64)
	case UUID:
		return uuid.UUID(x).String()
	case String:
		return string(x)
	case Other:
		return string(value.MustMarshal(x.Value))
	case Low:
		return "-inf"
	case High:
		return "+inf"
	default:
		return fmt.Sprintf("%v", n)
	}
}
