package itc

import (
	"testing"
)

func TestSeedEvent(t *testing.T) {
	s := Seed()
	s1 := s.Event()

	if !s.Leq(s1) {
		t.Fatal("seed should leq its event")
	}

	if s1.Leq(s) {
		t.Fatal("event should strictly dominate seed")
	}
}

func TestForkConcurrency(t *testing.T) {
	s := Seed()
	a, b := s.Fork()

	// Both sides start equal to the original
	if !a.Equal(s) || !b.Equal(s) {
		t.Fatal("fork should preserve the event tree")
	}

	ae := a.Event()
	be := b.Event()

	if !ae.Concurrent(be) {
		t.Fatalf("events on forked stamps should be concurrent: %s vs %s", ae, be)
	}

	if !s.Leq(ae) || !s.Leq(be) {
		t.Fatal("forked events should dominate the original stamp")
	}
}

func TestJoinLatticeLaws(t *testing.T) {
	s := Seed()
	a, rest := s.Fork()
	b, c := rest.Fork()

	a = a.Event()
	b = b.Event().Event()
	c = c.Event()

	// commutativity
	if !Join(a, b).Equal(Join(b, a)) {
		t.Fatal("join should be commutative")
	}

	// associativity
	if !Join(Join(a, b), c).Equal(Join(a, Join(b, c))) {
		t.Fatal("join should be associative")
	}

	// idempotence
	if !Join(a, a).Equal(a) {
		t.Fatal("join should be idempotent")
	}

	// join dominates both operands
	j := Join(a, b)
	if !a.Leq(j) || !b.Leq(j) {
		t.Fatal("join should dominate both operands")
	}
}

func TestJoinThenEvent(t *testing.T) {
	s := Seed()
	a, b := s.Fork()

	a = a.Event()
	b = b.Event()

	m := Join(a, b).Event()

	if !a.Leq(m) || !b.Leq(m) {
		t.Fatal("merge event should dominate both branches")
	}

	if m.Leq(a) || m.Leq(b) {
		t.Fatal("merge event should strictly dominate both branches")
	}
}

func TestDeepForks(t *testing.T) {
	// Fork repeatedly, record events on each branch, and check that the
	// join of everything dominates every branch.
	stamps := []Stamp{Seed()}
	for i := 0; i < 5; i++ {
		next := []Stamp{}
		for _, s := range stamps {
			a, b := s.Fork()
			next = append(next, a.Event(), b.Event())
		}
		stamps = next
	}

	all := stamps[0]
	for _, s := range stamps[1:] {
		all = Join(all, s)
	}

	for i, s := range stamps {
		if !s.Leq(all) {
			t.Fatalf("branch %d should leq the global join", i)
		}
	}
}

func TestAnonymousPeek(t *testing.T) {
	s := Seed().Event()
	p := s.Peek()

	if !p.IsAnonymous() {
		t.Fatal("peeked stamp should be anonymous")
	}

	if !p.Equal(s) {
		t.Fatal("peeked stamp should compare equal to its source")
	}

	defer func() {
		if recover() == nil {
			t.Fatal("Event on anonymous stamp should panic")
		}
	}()
	p.Event()
}

func TestConcurrentDetection(t *testing.T) {
	s := Seed()
	a, b := s.Fork()

	ae := a.Event()

	// b has not advanced: not concurrent, b leq ae
	if !b.Leq(ae) {
		t.Fatal("unadvanced fork should leq the advanced one")
	}

	be := b.Event()
	if !ae.Concurrent(be) {
		t.Fatal("advanced forks should be concurrent")
	}

	// after joining, the merged stamp sees both
	m := Join(ae, be)
	if m.Concurrent(ae) || m.Concurrent(be) {
		t.Fatal("join result should not be concurrent with its operands")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	s := Seed()
	a, b := s.Fork()
	a = a.Event().Event()
	b = b.Event()
	m := Join(a, b).Event()

	for i, stamp := range []Stamp{s, a, b, m} {
		data := stamp.Marshal()
		decoded, err := Unmarshal(data)
		if err != nil {
			t.Fatalf("stamp %d: %v", i, err)
		}
		if !decoded.Equal(stamp) || !stamp.Equal(decoded) {
			t.Fatalf("stamp %d: round trip changed value: %s != %s", i, decoded, stamp)
		}
	}
}

func TestMarshalCanonical(t *testing.T) {
	s := Seed()
	a, b := s.Fork()
	a = a.Event()
	b = b.Event()

	// Join is commutative, so both orders must encode identically.
	j1 := Join(a, b)
	j2 := Join(b, a)

	d1 := j1.Marshal()
	d2 := j2.Marshal()
	if string(d1) != string(d2) {
		t.Fatal("commutative joins should have identical encodings")
	}
}

func TestUnmarshalInvalid(t *testing.T) {
	cases := [][]byte{
		nil,
		{},
		{0x00},                   // wrong version
		{0x01},                   // missing trees
		{0x01, 0x02, 0x01},       // truncated identity node
		{0x01, 0x01},             // missing event tree
		{0x01, 0x01, 0x05, 0x00}, // unknown event tag
		{0x01, 0x01, 0x01, 0x00}, // truncated event node
		append(Seed().Marshal(), 0xFF), // trailing bytes
	}

	for i, data := range cases {
		if _, err := Unmarshal(data); err == nil {
			t.Fatalf("case %d: expected error", i)
		} else if !IsInvalidStamp(err) {
			t.Fatalf("case %d: expected InvalidStampError, got %v", i, err)
		}
	}
}

func TestEventProgressAfterManyForks(t *testing.T) {
	// Regression-style check: event must always make strict progress, even
	// on narrow identity slivers.
	s := Seed()
	var sliver Stamp
	sliver, _ = s.Fork()
	for i := 0; i < 10; i++ {
		sliver, _ = sliver.Fork()
	}

	before := sliver
	after := sliver.Event()

	if !before.Leq(after) || after.Leq(before) {
		t.Fatalf("event on sliver should make strict progress: %s -> %s", before, after)
	}
}
