package consensus

import (
	"bytes"
	"crypto/ecdsa"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/purpleprotocol/weave/src/common"
	"github.com/purpleprotocol/weave/src/crypto/keys"
	"github.com/purpleprotocol/weave/src/execution"
	"github.com/purpleprotocol/weave/src/itc"
	"github.com/purpleprotocol/weave/src/ledger"
	"github.com/purpleprotocol/weave/src/state"
)

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

func (a *testAuthor) makeEvent(t testing.TB, payload []byte, parents []string, observed ...itc.Stamp) *ledger.Event {
	for _, o := range observed {
		a.stamp = itc.Join(a.stamp, o.Peek())
	}
	a.stamp = a.stamp.Event()

	ev := ledger.NewEvent(payload, parents, a.stamp, a.pub)
	if err := ev.Sign(a.key); err != nil {
		t.Fatal(err)
	}

	return ev
}

func command(t testing.TB, account, op string, amount int64) []byte {
	cmd := execution.Command{Account: account, Op: op, Amount: amount}
	payload, err := cmd.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	return payload
}

func newTestEngine(t testing.TB, maxCandidateAge, retentionWindow int) (*Engine, *ledger.DAG) {
	store := ledger.NewInmemStore(100)
	dag := ledger.NewDAG(store, 10, common.NewTestEntry(t, "test"))
	trie := state.NewTrie(store)

	engine := NewEngine(
		dag,
		trie,
		execution.NewInmemExecutor(),
		store,
		maxCandidateAge,
		retentionWindow,
		common.NewTestEntry(t, "test"),
	)

	return engine, dag
}

// diamond is the canonical shape: G below concurrent A and B, merged by M.
type diamond struct {
	authorA, authorB *testAuthor
	G, A, B, M       *ledger.Event
}

func makeDiamond(t testing.TB) *diamond {
	authorG := newTestAuthor(t, itc.Seed())
	G := authorG.makeEvent(t, nil, []string{})

	left, right := authorG.stamp.Fork()
	authorA := newTestAuthor(t, left)
	authorB := newTestAuthor(t, right)

	A := authorA.makeEvent(t, command(t, "alice", execution.OpCredit, 100), []string{G.Hex()})
	B := authorB.makeEvent(t, command(t, "bob", execution.OpCredit, 50), []string{G.Hex()})
	M := authorA.makeEvent(t, command(t, "alice", execution.OpDebit, 30),
		[]string{A.Hex(), B.Hex()}, authorB.stamp)

	return &diamond{authorA: authorA, authorB: authorB, G: G, A: A, B: B, M: M}
}

func insertAll(t testing.TB, dag *ledger.DAG, events ...*ledger.Event) {
	for _, ev := range events {
		if _, err := dag.Insert(ev); err != nil {
			t.Fatalf("inserting %s: %v", ev.Hex(), err)
		}
	}
}

func TestEngineDiamond(t *testing.T) {
	engine, dag := newTestEngine(t, 0, 0)
	d := makeDiamond(t)

	insertAll(t, dag, d.G, d.A, d.B, d.M)

	newlyFinal, err := engine.RunPass()
	if err != nil {
		t.Fatal(err)
	}

	// M is the single tip: it dominates G, A and B, which become final in
	// causal order with the ascending-id tie-break between A and B
	first, second := d.A.Hex(), d.B.Hex()
	if first > second {
		first, second = second, first
	}
	expected := []string{d.G.Hex(), first, second}
	if !reflect.DeepEqual(newlyFinal, expected) {
		t.Fatalf("final order mismatch.\ngot      %v\nexpected %v", newlyFinal, expected)
	}

	if engine.IsFinal(d.M.Hex()) {
		t.Fatal("the tip itself should not be final")
	}
	if engine.Status(d.M.Hex()) != StatusAdmitted {
		t.Fatalf("M should be Admitted, got %s", engine.Status(d.M.Hex()))
	}

	// A is final, so alice's credit has been applied; M's debit has not
	snapshot := engine.StateSnapshot()
	balance, ok, err := snapshot.Get([]byte("alice"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(balance) != "100" {
		t.Fatalf("alice should hold 100, got %q", balance)
	}

	// a new event on top of M moves the frontier past it
	tip := d.authorA.makeEvent(t, nil, []string{d.M.Hex()})
	insertAll(t, dag, tip)

	newlyFinal, err = engine.RunPass()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(newlyFinal, []string{d.M.Hex()}) {
		t.Fatalf("M should be finalized, got %v", newlyFinal)
	}

	balance, _, err = engine.StateSnapshot().Get([]byte("alice"))
	if err != nil {
		t.Fatal(err)
	}
	if string(balance) != "70" {
		t.Fatalf("alice should hold 70 after M's debit, got %q", balance)
	}
}

func TestEngineDeterministicOrder(t *testing.T) {
	d := makeDiamond(t)
	tip := d.authorB.makeEvent(t, nil, []string{d.M.Hex()}, d.authorA.stamp)

	orders := [][]*ledger.Event{
		{d.G, d.A, d.B, d.M, tip},
		{d.M, d.B, tip, d.G, d.A},
		{tip, d.M, d.A, d.B, d.G},
	}

	var firstOrder []string
	var firstRoot []byte

	for i, order := range orders {
		engine, dag := newTestEngine(t, 0, 0)
		for _, ev := range order {
			// out-of-order arrivals surface transient errors; the pending
			// buffer admits everything by the time the last event lands
			dag.Insert(ev)
		}

		if _, err := engine.RunPass(); err != nil {
			t.Fatal(err)
		}

		finalOrder := engine.FinalOrder()
		root := engine.FinalizedRoot()

		if i == 0 {
			firstOrder = finalOrder
			firstRoot = root
			if len(finalOrder) != 4 {
				t.Fatalf("G, A, B and M should be final, got %v", finalOrder)
			}
			continue
		}

		if !reflect.DeepEqual(finalOrder, firstOrder) {
			t.Fatalf("order %d: finalized sequence diverged.\ngot      %v\nexpected %v",
				i, finalOrder, firstOrder)
		}
		if !bytes.Equal(root, firstRoot) {
			t.Fatalf("order %d: state root diverged", i)
		}
	}
}

func TestEngineFailureReceipt(t *testing.T) {
	engine, dag := newTestEngine(t, 0, 0)

	author := newTestAuthor(t, itc.Seed())
	G := author.makeEvent(t, nil, []string{})
	bad := author.makeEvent(t, []byte("not a command"), []string{G.Hex()})
	good := author.makeEvent(t, command(t, "alice", execution.OpCredit, 10), []string{bad.Hex()})
	tip := author.makeEvent(t, nil, []string{good.Hex()})

	insertAll(t, dag, G, bad, good, tip)

	newlyFinal, err := engine.RunPass()
	if err != nil {
		t.Fatal(err)
	}
	if len(newlyFinal) != 3 {
		t.Fatalf("G, bad and good should be final, got %v", newlyFinal)
	}

	// the malformed payload is finalized all the same, with a failure marker
	receipt, ok := engine.Receipt(bad.Hex())
	if !ok {
		t.Fatal("finalized event should have a receipt")
	}
	if !receipt.Failed || receipt.Error == "" {
		t.Fatalf("receipt should record the failure, got %#v", receipt)
	}
	if receipt.Index != 1 {
		t.Fatalf("failed event keeps its consensus index, got %d", receipt.Index)
	}

	// the failure leaves no trace in state; the next event still applies
	balance, _, err := engine.StateSnapshot().Get([]byte("alice"))
	if err != nil {
		t.Fatal(err)
	}
	if string(balance) != "10" {
		t.Fatalf("alice should hold 10, got %q", balance)
	}

	if receipt, _ := engine.Receipt(good.Hex()); receipt.Failed {
		t.Fatal("the good event's receipt should not be failed")
	}
}

func TestEngineLivenessFallback(t *testing.T) {
	engine, dag := newTestEngine(t, 2, 0)
	d := makeDiamond(t)

	// no merge: A and B stay concurrent tips forever
	insertAll(t, dag, d.G, d.A, d.B)

	newlyFinal, err := engine.RunPass()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(newlyFinal, []string{d.G.Hex()}) {
		t.Fatalf("only G should be final, got %v", newlyFinal)
	}

	// passes 2 and 3: the tips age until the fallback promotes them
	if newlyFinal, err = engine.RunPass(); err != nil || len(newlyFinal) != 0 {
		t.Fatalf("no event should age out yet, got %v (%v)", newlyFinal, err)
	}

	newlyFinal, err = engine.RunPass()
	if err != nil {
		t.Fatal(err)
	}

	first, second := d.A.Hex(), d.B.Hex()
	if first > second {
		first, second = second, first
	}
	if !reflect.DeepEqual(newlyFinal, []string{first, second}) {
		t.Fatalf("over-age tips should finalize in id order, got %v", newlyFinal)
	}
}

func TestEngineMonotonic(t *testing.T) {
	engine, dag := newTestEngine(t, 0, 0)
	d := makeDiamond(t)

	insertAll(t, dag, d.G, d.A, d.B, d.M)

	if _, err := engine.RunPass(); err != nil {
		t.Fatal(err)
	}
	order := engine.FinalOrder()
	root := engine.FinalizedRoot()

	// further passes without new admissions change nothing
	for i := 0; i < 3; i++ {
		newlyFinal, err := engine.RunPass()
		if err != nil {
			t.Fatal(err)
		}
		if len(newlyFinal) != 0 {
			t.Fatalf("pass %d should finalize nothing, got %v", i, newlyFinal)
		}
	}

	if !reflect.DeepEqual(engine.FinalOrder(), order) {
		t.Fatal("the finalized sequence must never change")
	}
	if !bytes.Equal(engine.FinalizedRoot(), root) {
		t.Fatal("the finalized root must never revert")
	}
}

func TestEngineCheckpoint(t *testing.T) {
	store := ledger.NewInmemStore(100)
	dag := ledger.NewDAG(store, 10, common.NewTestEntry(t, "test"))
	trie := state.NewTrie(store)
	engine := NewEngine(dag, trie, execution.NewInmemExecutor(), store, 0, 0,
		common.NewTestEntry(t, "test"))

	d := makeDiamond(t)
	insertAll(t, dag, d.G, d.A, d.B, d.M)

	if _, err := engine.RunPass(); err != nil {
		t.Fatal(err)
	}

	checkpoint, err := store.GetCheckpoint()
	if err != nil {
		t.Fatal(err)
	}

	order := engine.FinalOrder()
	if checkpoint.Index != len(order)-1 {
		t.Fatalf("checkpoint index should be %d, got %d", len(order)-1, checkpoint.Index)
	}
	if checkpoint.LastFinalized != order[len(order)-1] {
		t.Fatal("checkpoint should name the last finalized event")
	}
	if !bytes.Equal(checkpoint.StateRoot, engine.FinalizedRoot()) {
		t.Fatal("checkpoint root should match the finalized root")
	}

	// the committed trie reopens at the checkpointed root
	reloaded := state.LoadTrie(store, checkpoint.StateRoot)
	balance, ok, err := reloaded.Get([]byte("alice"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(balance) != "100" {
		t.Fatalf("reloaded state should hold alice's balance, got %q", balance)
	}
}

func TestEngineRetention(t *testing.T) {
	engine, dag := newTestEngine(t, 0, 1)

	author := newTestAuthor(t, itc.Seed())
	chain := []*ledger.Event{author.makeEvent(t, nil, []string{})}
	for i := 0; i < 4; i++ {
		prev := chain[len(chain)-1]
		chain = append(chain, author.makeEvent(t, nil, []string{prev.Hex()}))
	}
	insertAll(t, dag, chain...)

	if _, err := engine.RunPass(); err != nil {
		t.Fatal(err)
	}

	// the single tip dominates its whole ancestry: 4 finalized, and the
	// retention window of 1 forgets all but the last of them
	if engine.FinalizedCount() != 4 {
		t.Fatalf("expected 4 finalized, got %d", engine.FinalizedCount())
	}

	topo := dag.Topological()
	expected := []string{chain[3].Hex(), chain[4].Hex()}
	if !reflect.DeepEqual(topo, expected) {
		t.Fatalf("working set should shrink to the window.\ngot      %v\nexpected %v",
			topo, expected)
	}

	// forgotten events are still final and still in the store
	if engine.Status(chain[0].Hex()) != StatusFinal {
		t.Fatal("forgotten events remain final")
	}
	if !dag.Store().HasEvent(chain[0].Hex()) {
		t.Fatal("forgotten events remain stored")
	}
}

// hookedExecutor wraps the in-memory executor and runs a callback before
// every execution.
type hookedExecutor struct {
	inner  execution.Executor
	onExec func()
}

func (h *hookedExecutor) Account(payload []byte) ([]byte, error) {
	return h.inner.Account(payload)
}

func (h *hookedExecutor) Execute(payload, current []byte) ([]byte, error) {
	if h.onExec != nil {
		h.onExec()
	}
	return h.inner.Execute(payload, current)
}

func TestEngineSnapshotBatchBoundary(t *testing.T) {
	store := ledger.NewInmemStore(100)
	dag := ledger.NewDAG(store, 10, common.NewTestEntry(t, "test"))
	trie := state.NewTrie(store)
	executor := &hookedExecutor{inner: execution.NewInmemExecutor()}
	engine := NewEngine(dag, trie, executor, store, 0, 0,
		common.NewTestEntry(t, "test"))

	author := newTestAuthor(t, itc.Seed())
	G := author.makeEvent(t, nil, []string{})
	first := author.makeEvent(t, command(t, "alice", execution.OpCredit, 100), []string{G.Hex()})
	second := author.makeEvent(t, command(t, "bob", execution.OpCredit, 50), []string{first.Hex()})
	tip := author.makeEvent(t, nil, []string{second.Hex()})
	insertAll(t, dag, G, first, second, tip)

	preRoot := engine.StateSnapshot().Root()

	// while the pass applies the first of the two credits, a concurrent
	// reader asks for a snapshot. It must see the state before or after the
	// whole batch, never between the two applies.
	observed := make(chan []byte, 1)
	var wg sync.WaitGroup

	calls := 0
	executor.onExec = func() {
		calls++
		if calls != 1 {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			observed <- engine.StateSnapshot().Root()
		}()
		// leave the batch open long enough for the reader to run
		time.Sleep(20 * time.Millisecond)
	}

	if _, err := engine.RunPass(); err != nil {
		t.Fatal(err)
	}
	wg.Wait()

	postRoot := engine.StateSnapshot().Root()

	got := <-observed
	if !bytes.Equal(got, preRoot) && !bytes.Equal(got, postRoot) {
		t.Fatalf("concurrent snapshot saw a partial batch: root %X matches neither %X nor %X",
			got, preRoot, postRoot)
	}
}

func TestEngineStatus(t *testing.T) {
	engine, dag := newTestEngine(t, 0, 0)
	d := makeDiamond(t)

	if engine.Status(d.G.Hex()) != StatusUnknown {
		t.Fatal("unseen events are Unknown")
	}

	insertAll(t, dag, d.G)
	dag.Insert(d.M) //parents missing: buffered

	if engine.Status(d.M.Hex()) != StatusPending {
		t.Fatalf("buffered events are Pending, got %s", engine.Status(d.M.Hex()))
	}
	if engine.Status(d.G.Hex()) != StatusAdmitted {
		t.Fatalf("admitted events are Admitted, got %s", engine.Status(d.G.Hex()))
	}

	insertAll(t, dag, d.A, d.B)

	if _, err := engine.RunPass(); err != nil {
		t.Fatal(err)
	}

	if engine.Status(d.G.Hex()) != StatusFinal {
		t.Fatal("finalized events are Final")
	}
	if !engine.IsFinal(d.G.Hex()) {
		t.Fatal("IsFinal should agree")
	}
	if index, ok := engine.FinalIndex(d.G.Hex()); !ok || index != 0 {
		t.Fatalf("G should hold index 0, got %d %v", index, ok)
	}
}
