package ledger

import (
	"crypto/ecdsa"
	"reflect"
	"sync"
	"testing"

	"github.com/purpleprotocol/weave/src/crypto/keys"
	"github.com/purpleprotocol/weave/src/itc"
)

// testAuthor bundles a signing key with the evolving stamp it threads through
// its events.
type testAuthor struct {
	key   *ecdsa.PrivateKey
	pub   []byte
	stamp itc.Stamp
}

func newTestAuthor(t testing.TB, stamp itc.Stamp) *testAuthor {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}
	return &testAuthor{
		key:   key,
		pub:   keys.FromPublicKey(&key.PublicKey),
		stamp: stamp,
	}
}

// makeEvent advances the author's stamp and produces a signed event on top of
// parents. observed stamps (from other authors' events) are joined in first.
func (a *testAuthor) makeEvent(t testing.TB, payload []byte, parents []string, observed ...itc.Stamp) *Event {
	for _, o := range observed {
		a.stamp = itc.Join(a.stamp, o.Peek())
	}
	a.stamp = a.stamp.Event()

	ev := NewEvent(payload, parents, a.stamp, a.pub)
	if err := ev.Sign(a.key); err != nil {
		t.Fatal(err)
	}

	return ev
}

func TestEventSignVerify(t *testing.T) {
	author := newTestAuthor(t, itc.Seed())

	ev := author.makeEvent(t, []byte("hello"), []string{})

	ok, err := ev.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("signature should verify")
	}

	// tampering with the payload must break verification
	tampered := NewEvent([]byte("tampered"), ev.Parents(), author.stamp, author.pub)
	tampered.Signature = ev.Signature
	ok, err = tampered.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("signature should not verify a tampered body")
	}
}

func TestEventHash(t *testing.T) {
	author := newTestAuthor(t, itc.Seed())

	ev := author.makeEvent(t, []byte("payload"), []string{})
	other := author.makeEvent(t, []byte("payload"), []string{ev.Hex()})

	if ev.Hex() == other.Hex() {
		t.Fatal("different bodies should have different ids")
	}

	// the id must not depend on the signature
	clone := NewEvent(ev.Body.Payload, ev.Body.Parents, author.stamp, author.pub)
	clone.Body.Stamp = ev.Body.Stamp
	clone.Signature = "something else"
	if clone.Hex() != ev.Hex() {
		t.Fatal("the signature should not take part in the event id")
	}
}

func TestWireRoundTrip(t *testing.T) {
	author := newTestAuthor(t, itc.Seed())

	genesis := author.makeEvent(t, []byte("g"), []string{})
	ev := author.makeEvent(t, []byte("some transaction"), []string{genesis.Hex()})

	raw, err := ev.MarshalWire()
	if err != nil {
		t.Fatal(err)
	}

	var decoded Event
	if err := decoded.UnmarshalWire(raw); err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(decoded.Body, ev.Body) {
		t.Fatalf("decoded body should match original. got %#v, expected %#v",
			decoded.Body, ev.Body)
	}
	if decoded.Signature != ev.Signature {
		t.Fatal("decoded signature should match original")
	}
	if decoded.Hex() != ev.Hex() {
		t.Fatal("decoded event should keep the same id")
	}

	ok, err := decoded.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("decoded event should still verify")
	}
}

func TestWireTruncated(t *testing.T) {
	author := newTestAuthor(t, itc.Seed())
	genesis := author.makeEvent(t, []byte("g"), []string{})
	ev := author.makeEvent(t, []byte("tx"), []string{genesis.Hex()})

	raw, err := ev.MarshalWire()
	if err != nil {
		t.Fatal(err)
	}

	for _, cut := range []int{1, len(raw) / 2, len(raw) - 1} {
		var decoded Event
		if err := decoded.UnmarshalWire(raw[:cut]); err == nil {
			t.Fatalf("truncation at %d should not decode", cut)
		}
	}

	var decoded Event
	if err := decoded.UnmarshalWire(append(raw, 0x00)); err == nil {
		t.Fatal("trailing bytes should not decode")
	}
}

func TestDBRoundTrip(t *testing.T) {
	author := newTestAuthor(t, itc.Seed())

	ev := author.makeEvent(t, []byte("tx"), []string{})
	ev.SetTopologicalIndex(42)

	raw, err := ev.MarshalDB()
	if err != nil {
		t.Fatal(err)
	}

	var decoded Event
	if err := decoded.UnmarshalDB(raw); err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(decoded.Body, ev.Body) {
		t.Fatal("decoded body should match original")
	}
	if decoded.Signature != ev.Signature {
		t.Fatal("decoded signature should match original")
	}
	if decoded.TopologicalIndex() != 42 {
		t.Fatalf("topological index should survive the roundtrip, got %d",
			decoded.TopologicalIndex())
	}
}

func TestEventStamp(t *testing.T) {
	author := newTestAuthor(t, itc.Seed())

	ev := author.makeEvent(t, []byte("tx"), []string{})

	s, err := ev.Stamp()
	if err != nil {
		t.Fatal(err)
	}
	if !s.Equal(author.stamp) {
		t.Fatal("decoded stamp should equal the stamp the event was built with")
	}

	bad := &Event{Body: EventBody{Stamp: []byte{0xff, 0xff}, Author: author.pub}}
	if _, err := bad.Stamp(); err == nil {
		t.Fatal("a garbage stamp encoding should not decode")
	}
}

func TestEventConcurrentReads(t *testing.T) {
	author := newTestAuthor(t, itc.Seed())
	ev := author.makeEvent(t, []byte("tx"), []string{})

	raw, err := ev.MarshalDB()
	if err != nil {
		t.Fatal(err)
	}
	fromDB := new(Event)
	if err := fromDB.UnmarshalDB(raw); err != nil {
		t.Fatal(err)
	}

	wire, err := ev.MarshalWire()
	if err != nil {
		t.Fatal(err)
	}
	fromWire := new(Event)
	if err := fromWire.UnmarshalWire(wire); err != nil {
		t.Fatal(err)
	}

	// decoded events are handed to admission workers and the finality engine
	// at the same time; the accessors must tolerate concurrent readers
	var wg sync.WaitGroup
	for _, decoded := range []*Event{fromDB, fromWire} {
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(decoded *Event) {
				defer wg.Done()

				s, err := decoded.Stamp()
				if err != nil {
					t.Error(err)
					return
				}
				if !s.Equal(author.stamp) {
					t.Error("stamp mismatch on concurrent read")
				}
				if decoded.Hex() != ev.Hex() {
					t.Errorf("id mismatch: %s", decoded.Hex())
				}
				if decoded.Author() != ev.Author() {
					t.Errorf("author mismatch: %s", decoded.Author())
				}
			}(decoded)
		}
	}
	wg.Wait()
}

func TestByTopologicalOrder(t *testing.T) {
	author := newTestAuthor(t, itc.Seed())

	events := []*Event{}
	for i, idx := range []int{3, 0, 2, 1} {
		ev := author.makeEvent(t, []byte{byte(i)}, []string{})
		ev.SetTopologicalIndex(idx)
		events = append(events, ev)
	}

	sorted := ByTopologicalOrder(events)
	if sorted.Less(0, 1) {
		t.Fatal("index 3 should not sort before index 0")
	}
	sorted.Swap(0, 1)
	if !sorted.Less(0, 1) {
		t.Fatal("index 0 should sort before index 3")
	}
	if sorted.Len() != 4 {
		t.Fatal("wrong length")
	}
}
