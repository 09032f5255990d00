package service

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/purpleprotocol/weave/src/common"
	"github.com/purpleprotocol/weave/src/config"
	"github.com/purpleprotocol/weave/src/consensus"
	"github.com/purpleprotocol/weave/src/crypto/keys"
	"github.com/purpleprotocol/weave/src/execution"
	"github.com/purpleprotocol/weave/src/itc"
	"github.com/purpleprotocol/weave/src/ledger"
	"github.com/purpleprotocol/weave/src/node"
	"github.com/purpleprotocol/weave/src/state"
)

// The handlers register with the DefaultServeMux, so the whole test file
// shares one service over one node.
func TestService(t *testing.T) {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	conf := config.NewTestConfig(t)
	conf.FinalityInterval = 10 * time.Millisecond

	n := node.NewNode(
		conf,
		node.NewValidator(key, "service-test"),
		itc.Seed(),
		ledger.NewInmemStore(100),
		execution.NewInmemExecutor(),
	)
	if err := n.Init(); err != nil {
		t.Fatal(err)
	}
	n.RunAsync()
	defer n.Shutdown()

	NewService("127.0.0.1:0", n, common.NewTestEntry(t, "service"))

	if _, err := n.CreateEvent(nil); err != nil {
		t.Fatal(err)
	}
	cmd := execution.Command{Account: "alice", Op: execution.OpCredit, Amount: 100}
	payload, err := cmd.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	credit, err := n.CreateEvent(payload)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := n.CreateEvent(nil); err != nil {
		t.Fatal(err)
	}

	// wait for the credit to finalize
	deadline := time.Now().Add(time.Second)
	for n.Status(credit.Hex()) != consensus.StatusFinal {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for finalization")
		}
		time.Sleep(5 * time.Millisecond)
	}

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r := httptest.NewRequest("GET", path, nil)
		http.DefaultServeMux.ServeHTTP(w, r)
		return w
	}

	t.Run("Account", func(t *testing.T) {
		w := get("/account/alice")
		if w.Code != http.StatusOK {
			t.Fatalf("status %d: %s", w.Code, w.Body.String())
		}

		var res AccountResponse
		if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
			t.Fatal(err)
		}
		if !res.Exists || string(res.State) != "100" {
			t.Fatalf("alice should hold 100, got %#v", res)
		}
	})

	t.Run("Proof", func(t *testing.T) {
		w := get("/proof/alice")
		if w.Code != http.StatusOK {
			t.Fatalf("status %d: %s", w.Code, w.Body.String())
		}

		var res ProofResponse
		if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
			t.Fatal(err)
		}

		proof := &state.Proof{
			Siblings:      res.Siblings,
			LeafPath:      res.LeafPath,
			LeafValueHash: res.LeafValueHash,
		}
		root, err := common.DecodeFromString("0X" + res.Root)
		if err != nil {
			t.Fatal(err)
		}
		if !state.Verify(root, []byte("alice"), res.State, proof) {
			t.Fatal("the served proof should verify against the served root")
		}
	})

	t.Run("ProofAbsent", func(t *testing.T) {
		w := get("/proof/nobody")
		var res ProofResponse
		if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
			t.Fatal(err)
		}
		if res.Exists {
			t.Fatal("nobody should not exist")
		}

		proof := &state.Proof{
			Siblings:      res.Siblings,
			LeafPath:      res.LeafPath,
			LeafValueHash: res.LeafValueHash,
		}
		root, err := common.DecodeFromString("0X" + res.Root)
		if err != nil {
			t.Fatal(err)
		}
		if !state.Verify(root, []byte("nobody"), nil, proof) {
			t.Fatal("the non-membership proof should verify")
		}
	})

	t.Run("Root", func(t *testing.T) {
		w := get("/root")
		var res map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
			t.Fatal(err)
		}
		if res["root"] == "" {
			t.Fatal("root should not be empty")
		}
	})

	t.Run("Final", func(t *testing.T) {
		w := get("/final/" + credit.Hex())
		var res FinalResponse
		if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
			t.Fatal(err)
		}
		if res.Status != "Final" {
			t.Fatalf("the credit should be Final, got %s", res.Status)
		}
		if res.Receipt == nil || res.Receipt.Failed {
			t.Fatalf("the credit's receipt should be a success, got %#v", res.Receipt)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		w := get("/stats")
		var res map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
			t.Fatal(err)
		}
		if res["moniker"] != "service-test" {
			t.Fatalf("stats should carry the moniker, got %v", res)
		}
	})
}
