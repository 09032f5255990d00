package itc

import "fmt"

/*******************************************************************************
Trees

Identity trees are binary trees whose leaves hold 0 or 1. A leaf 1 means the
stamp owns the corresponding interval and may record events in it. Event trees
are binary trees whose nodes hold a non-negative base value; the logical time
of a point in the interval is the sum of base values on the path to its leaf.

Both trees are immutable. Derived trees share subtrees with their sources.
*******************************************************************************/

type idNode struct {
	value       int
	left, right *idNode
}

type evNode struct {
	value       int
	left, right *evNode
}

var (
	idZero = &idNode{value: 0}
	idOne  = &idNode{value: 1}
	evZero = &evNode{value: 0}
)

func (i *idNode) leaf() bool { return i.left == nil }

func (e *evNode) leaf() bool { return e.left == nil }

func evLeaf(n int) *evNode {
	if n == 0 {
		return evZero
	}
	return &evNode{value: n}
}

/*******************************************************************************
Stamp
*******************************************************************************/

// Stamp is an interval-tree-clock value. The zero Stamp is not valid; use
// Seed to create the initial stamp of a system.
type Stamp struct {
	id *idNode
	ev *evNode
}

// Seed returns the initial stamp: full ownership of the interval and zero
// logical time. A system has exactly one seed from which all other stamps are
// forked.
func Seed() Stamp {
	return Stamp{id: idOne, ev: evZero}
}

// IsZero reports whether s is the invalid zero value.
func (s Stamp) IsZero() bool {
	return s.id == nil || s.ev == nil
}

// IsAnonymous reports whether s owns no part of the interval. Anonymous
// stamps can compare and join but cannot record events.
func (s Stamp) IsAnonymous() bool {
	return s.id == idZero || (s.id.leaf() && s.id.value == 0)
}

// Fork splits the stamp's identity in two. Both returned stamps carry the
// same event tree as s; their subsequent events are mutually concurrent.
func (s Stamp) Fork() (Stamp, Stamp) {
	l, r := idSplit(s.id)
	return Stamp{id: l, ev: s.ev}, Stamp{id: r, ev: s.ev}
}

// Peek returns an anonymous stamp carrying s's event tree. Peeked stamps are
// used for comparisons by parties that do not produce events.
func (s Stamp) Peek() Stamp {
	return Stamp{id: idZero, ev: s.ev}
}

// Event advances the stamp's logical time on the interval it owns. The
// result strictly dominates s. Event panics if called on an anonymous stamp,
// which owns no interval to advance; this is a programming error, not an
// input condition.
func (s Stamp) Event() Stamp {
	if s.IsAnonymous() {
		panic("itc: Event called on anonymous stamp")
	}

	filled := fill(s.id, s.ev)
	if !evEqual(filled, s.ev) {
		return Stamp{id: s.id, ev: normEv(filled)}
	}

	grown, _ := grow(s.id, s.ev)
	return Stamp{id: s.id, ev: normEv(grown)}
}

// Join computes the least upper bound of a and b. The result dominates both
// operands and merges their identities.
func Join(a, b Stamp) Stamp {
	return Stamp{
		id: idSum(a.id, b.id),
		ev: joinEv(a.ev, b.ev),
	}
}

// Leq reports whether s happened before or equals other: every point of s's
// event tree is at most the corresponding point of other's.
func (s Stamp) Leq(other Stamp) bool {
	return leqOff(s.ev, 0, other.ev, 0)
}

// Concurrent reports whether s and other are causally unrelated: neither
// Leq's the other.
func (s Stamp) Concurrent(other Stamp) bool {
	return !s.Leq(other) && !other.Leq(s)
}

// Equal reports whether s and other carry equivalent event trees. Identity
// trees are not compared; two stamps with the same logical time are equal
// for ordering purposes regardless of who owns which interval.
func (s Stamp) Equal(other Stamp) bool {
	return evEqual(s.ev, other.ev)
}

// String renders the stamp as (identity; events), in the notation of the ITC
// literature.
func (s Stamp) String() string {
	return fmt.Sprintf("(%s; %s)", idString(s.id), evString(s.ev))
}

func idString(i *idNode) string {
	if i.leaf() {
		return fmt.Sprintf("%d", i.value)
	}
	return fmt.Sprintf("(%s,%s)", idString(i.left), idString(i.right))
}

func evString(e *evNode) string {
	if e.leaf() {
		return fmt.Sprintf("%d", e.value)
	}
	return fmt.Sprintf("(%d,%s,%s)", e.value, evString(e.left), evString(e.right))
}

/*******************************************************************************
Identity tree algebra
*******************************************************************************/

func normID(i *idNode) *idNode {
	if i.leaf() {
		return i
	}
	l, r := i.left, i.right
	if l.leaf() && r.leaf() && l.value == r.value {
		if l.value == 0 {
			return idZero
		}
		return idOne
	}
	return i
}

// idSplit implements fork on identity trees.
func idSplit(i *idNode) (*idNode, *idNode) {
	if i.leaf() {
		if i.value == 0 {
			return idZero, idZero
		}
		return &idNode{left: idOne, right: idZero},
			&idNode{left: idZero, right: idOne}
	}

	if i.left.leaf() && i.left.value == 0 {
		r1, r2 := idSplit(i.right)
		return &idNode{left: idZero, right: r1},
			&idNode{left: idZero, right: r2}
	}

	if i.right.leaf() && i.right.value == 0 {
		l1, l2 := idSplit(i.left)
		return &idNode{left: l1, right: idZero},
			&idNode{left: l2, right: idZero}
	}

	return &idNode{left: i.left, right: idZero},
		&idNode{left: idZero, right: i.right}
}

// idSum merges two identity trees. Overlapping ownership collapses to full
// ownership of the overlapping interval; joining a stamp with itself is
// therefore idempotent rather than an error.
func idSum(a, b *idNode) *idNode {
	if a.leaf() {
		if a.value == 0 {
			return b
		}
		return idOne
	}
	if b.leaf() {
		if b.value == 0 {
			return a
		}
		return idOne
	}
	return normID(&idNode{
		left:  idSum(a.left, b.left),
		right: idSum(a.right, b.right),
	})
}

/*******************************************************************************
Event tree algebra
*******************************************************************************/

func evMin(e *evNode) int {
	if e.leaf() {
		return e.value
	}
	l, r := evMin(e.left), evMin(e.right)
	if r < l {
		l = r
	}
	return e.value + l
}

func evMax(e *evNode) int {
	if e.leaf() {
		return e.value
	}
	l, r := evMax(e.left), evMax(e.right)
	if r > l {
		l = r
	}
	return e.value + l
}

// lift returns a copy of e with its base value raised by m.
func lift(e *evNode, m int) *evNode {
	if m == 0 {
		return e
	}
	if e.leaf() {
		return evLeaf(e.value + m)
	}
	return &evNode{value: e.value + m, left: e.left, right: e.right}
}

// sink returns a copy of e with its base value lowered by m.
func sink(e *evNode, m int) *evNode {
	return lift(e, -m)
}

func normEv(e *evNode) *evNode {
	if e.leaf() {
		return e
	}
	l, r := normEv(e.left), normEv(e.right)
	if l.leaf() && r.leaf() && l.value == r.value {
		return evLeaf(e.value + l.value)
	}
	m := evMin(l)
	if rm := evMin(r); rm < m {
		m = rm
	}
	return &evNode{value: e.value + m, left: sink(l, m), right: sink(r, m)}
}

// leqOff compares two event trees pointwise, carrying accumulated base
// offsets down each side.
func leqOff(a *evNode, oa int, b *evNode, ob int) bool {
	if a.leaf() {
		return oa+a.value <= ob+evMin(b)
	}
	if b.leaf() {
		return oa+evMax(a) <= ob+b.value
	}
	return leqOff(a.left, oa+a.value, b.left, ob+b.value) &&
		leqOff(a.right, oa+a.value, b.right, ob+b.value)
}

func evEqual(a, b *evNode) bool {
	return leqOff(a, 0, b, 0) && leqOff(b, 0, a, 0)
}

// joinEv computes the pointwise maximum of two event trees.
func joinEv(a, b *evNode) *evNode {
	if a.leaf() && b.leaf() {
		if a.value >= b.value {
			return a
		}
		return b
	}
	if a.leaf() {
		return joinEv(&evNode{value: a.value, left: evZero, right: evZero}, b)
	}
	if b.leaf() {
		return joinEv(a, &evNode{value: b.value, left: evZero, right: evZero})
	}
	if a.value > b.value {
		a, b = b, a
	}
	d := b.value - a.value
	return normEv(&evNode{
		value: a.value,
		left:  joinEv(a.left, lift(b.left, d)),
		right: joinEv(a.right, lift(b.right, d)),
	})
}

// fill inflates the event tree on the intervals owned by i, simplifying the
// tree without claiming logical time the stamp has not witnessed.
func fill(i *idNode, e *evNode) *evNode {
	if i.leaf() {
		if i.value == 0 {
			return e
		}
		return evLeaf(evMax(e))
	}
	if e.leaf() {
		return e
	}

	if i.left.leaf() && i.left.value == 1 {
		er := fill(i.right, e.right)
		lv := evMax(e.left)
		if m := evMin(er); m > lv {
			lv = m
		}
		return normEv(&evNode{value: e.value, left: evLeaf(lv), right: er})
	}

	if i.right.leaf() && i.right.value == 1 {
		el := fill(i.left, e.left)
		rv := evMax(e.right)
		if m := evMin(el); m > rv {
			rv = m
		}
		return normEv(&evNode{value: e.value, left: el, right: evLeaf(rv)})
	}

	return normEv(&evNode{
		value: e.value,
		left:  fill(i.left, e.left),
		right: fill(i.right, e.right),
	})
}

// growDepthCost penalizes expanding a leaf into a node so that grow prefers
// incrementing an existing branch at any depth over growing the tree.
const growDepthCost = 1 << 16

// grow increments the event tree somewhere in the interval owned by i,
// choosing the cheapest spot. It is only called when fill makes no progress.
func grow(i *idNode, e *evNode) (*evNode, int) {
	if e.leaf() {
		if i.leaf() && i.value == 1 {
			return evLeaf(e.value + 1), 0
		}
		grown, cost := grow(i, &evNode{value: e.value, left: evZero, right: evZero})
		return grown, cost + growDepthCost
	}

	if i.leaf() {
		// owning the whole subtree: increment the smaller side
		grown, cost := grow(idOne, e.left)
		candidate := &evNode{value: e.value, left: grown, right: e.right}
		grownR, costR := grow(idOne, e.right)
		if costR < cost {
			return &evNode{value: e.value, left: e.left, right: grownR}, costR + 1
		}
		return candidate, cost + 1
	}

	if i.left.leaf() && i.left.value == 0 {
		grown, cost := grow(i.right, e.right)
		return &evNode{value: e.value, left: e.left, right: grown}, cost + 1
	}

	if i.right.leaf() && i.right.value == 0 {
		grown, cost := grow(i.left, e.left)
		return &evNode{value: e.value, left: grown, right: e.right}, cost + 1
	}

	grownL, costL := grow(i.left, e.left)
	grownR, costR := grow(i.right, e.right)
	if costL < costR {
		return &evNode{value: e.value, left: grownL, right: e.right}, costL + 1
	}
	return &evNode{value: e.value, left: e.left, right: grownR}, costR + 1
}
