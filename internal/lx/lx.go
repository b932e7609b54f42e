// Package lx implements identity paths: hierarchical, lexicographically
// ordered addresses for nested entities.
//
// An Lx is immutable. Appending shares the parent's storage, so Append,
// Parent and Range are constant time. The zero Lx is the root.
//
// A path followed by a Low or High node stands for the open bound of all
// descendants of that path, which lets callers list everything under a
// scope without enumerating a closed key space:
//
//	lo, hi := scope.Range()
//	// every descendant d of scope has Compare(lo, d) < 0 < Compare(hi, d)
package lx

import (
	"cmp"
	"strings"
)

type link struct {
	parent *link
	node   Node
	depth  int
}

// Lx is an identity path.
type Lx struct {
	tip *link
}

// Root is the empty path.
var Root = Lx{}

// Of builds a path from nodes.
func Of(nodes ...Node) Lx {
	l := Root
	for _, n := range nodes {
		l = l.Append(n)
	}
	return l
}

// Append returns l refined by one child node.
func (l Lx) Append(n Node) Lx {
	return Lx{tip: &link{parent: l.tip, node: n, depth: l.Depth() + 1}}
}

// Depth is the number of nodes in l.
func (l Lx) Depth() int {
	if l.tip == nil {
		return 0
	}
	return l.tip.depth
}

// IsRoot reports whether l has no nodes.
func (l Lx) IsRoot() bool {
	return l.tip == nil
}

// Parent returns l without its last node. The parent of Root is Root.
func (l Lx) Parent() Lx {
	if l.tip == nil {
		return l
	}
	return Lx{tip: l.tip.parent}
}

// Last returns the final node of l, or nil for Root.
func (l Lx) Last() Node {
	if l.tip == nil {
		return nil
	}
	return l.tip.node
}

// Truncate returns the ancestor of l with the given depth. Depths at or
// beyond l's own depth return l.
func (l Lx) Truncate(depth int) Lx {
	if depth <= 0 {
		return Root
	}
	t := l.tip
	for t != nil && t.depth > depth {
		t = t.parent
	}
	return Lx{tip: t}
}

// Nodes returns the nodes of l from the root down.
func (l Lx) Nodes() []Node {
	out := make([]Node, l.Depth())
	for t := l.tip; t != nil; t = t.parent {
		out[t.depth-1] = t.node
	}
	return out
}

// Range returns the bounds enclosing every descendant of l.
func (l Lx) Range() (lo, hi Lx) {
	return l.Append(Low{}), l.Append(High{})
}

// String renders l as slash-separated nodes.
func (l Lx) String() string {
	if l.tip == nil {
		return "/"
	}
	var sb strings.Builder
	for _, n := range l.Nodes() {
		sb.WriteByte('/')
		sb.WriteString(formatNode(n))
	}
	return sb.String()
}

// Key returns a string usable as a map key. Distinct paths have distinct
// keys.
func (l Lx) Key() string {
	b, err := l.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return string(b)
}

// Compare orders paths node by node. A boundary node met on both sides
// ends the comparison as equal; otherwise a proper prefix orders first.
//
// Compare does not allocate.
func Compare(a, b Lx) int {
	if a.tip == b.tip {
		return 0
	}
	da, db := a.Depth(), b.Depth()
	x, y := a.tip, b.tip
	for x != nil && x.depth > db {
		x = x.parent
	}
	for y != nil && y.depth > da {
		y = y.parent
	}

	// Walking up from the common depth, the last decisive position seen
	// is the one nearest the root.
	decided, c := false, 0
	for ; x != nil; x, y = x.parent, y.parent {
		if d := CompareNodes(x.node, y.node); d != 0 {
			decided, c = true, d
		} else if IsBoundary(x.node) {
			decided, c = true, 0
		}
	}
	if decided {
		return c
	}
	return cmp.Compare(da, db)
}

// Equal reports whether a and b have identical nodes.
func Equal(a, b Lx) bool {
	if a.Depth() != b.Depth() {
		return false
	}
	for x, y := a.tip, b.tip; x != y; x, y = x.parent, y.parent {
		if CompareNodes(x.node, y.node) != 0 {
			return false
		}
	}
	return true
}

// Contains reports whether candidate lies strictly below parent: it is
// deeper, its prefix of parent's depth equals parent, and the node right
// after that prefix is not a boundary.
func Contains(parent, candidate Lx) bool {
	if candidate.Depth() <= parent.Depth() {
		return false
	}
	child := candidate.Truncate(parent.Depth() + 1)
	if IsBoundary(child.Last()) {
		return false
	}
	return Equal(child.Parent(), parent)
}

// CommonPrefix returns the longest path that is a prefix of both a and b.
func CommonPrefix(a, b Lx) Lx {
	an, bn := a.Nodes(), b.Nodes()
	l := Root
	for i := 0; i < len(an) && i < len(bn); i++ {
		if CompareNodes(an[i], bn[i]) != 0 {
			break
		}
		l = l.Append(an[i])
	}
	return l
}
