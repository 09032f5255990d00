package execution

import (
	"testing"
)

func mustMarshal(t *testing.T, cmd Command) []byte {
	payload, err := cmd.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	return payload
}

func TestExecutorAccount(t *testing.T) {
	x := NewInmemExecutor()

	payload := mustMarshal(t, Command{Account: "alice", Op: OpCredit, Amount: 10})

	key, err := x.Account(payload)
	if err != nil {
		t.Fatal(err)
	}
	if string(key) != "alice" {
		t.Fatalf("expected key alice, got %s", key)
	}

	if _, err := x.Account([]byte("not a command")); err == nil {
		t.Fatal("garbage payload should not resolve an account")
	}

	anonymous := mustMarshal(t, Command{Op: OpCredit, Amount: 10})
	if _, err := x.Account(anonymous); err == nil {
		t.Fatal("a command without an account should be rejected")
	}
}

func TestExecutorCreditDebit(t *testing.T) {
	x := NewInmemExecutor()

	credit := mustMarshal(t, Command{Account: "alice", Op: OpCredit, Amount: 100})
	balance, err := x.Execute(credit, nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(balance) != "100" {
		t.Fatalf("expected balance 100, got %s", balance)
	}

	debit := mustMarshal(t, Command{Account: "alice", Op: OpDebit, Amount: 30})
	balance, err = x.Execute(debit, balance)
	if err != nil {
		t.Fatal(err)
	}
	if string(balance) != "70" {
		t.Fatalf("expected balance 70, got %s", balance)
	}

	overdraft := mustMarshal(t, Command{Account: "alice", Op: OpDebit, Amount: 1000})
	if _, err := x.Execute(overdraft, balance); err == nil {
		t.Fatal("overdraft should fail")
	}
}

func TestExecutorSet(t *testing.T) {
	x := NewInmemExecutor()

	set := mustMarshal(t, Command{Account: "alice", Op: OpSet, Value: []byte("blob")})
	state, err := x.Execute(set, []byte("old"))
	if err != nil {
		t.Fatal(err)
	}
	if string(state) != "blob" {
		t.Fatalf("expected blob, got %s", state)
	}
}

func TestExecutorRejects(t *testing.T) {
	x := NewInmemExecutor()

	unknown := mustMarshal(t, Command{Account: "alice", Op: "teleport"})
	if _, err := x.Execute(unknown, nil); err == nil {
		t.Fatal("unknown op should fail")
	}

	negative := mustMarshal(t, Command{Account: "alice", Op: OpCredit, Amount: -5})
	if _, err := x.Execute(negative, nil); err == nil {
		t.Fatal("negative amount should fail")
	}

	corrupt := mustMarshal(t, Command{Account: "alice", Op: OpCredit, Amount: 5})
	if _, err := x.Execute(corrupt, []byte("not a number")); err == nil {
		t.Fatal("unparseable balance should fail")
	}

	if _, err := x.Execute([]byte("garbage"), nil); err == nil {
		t.Fatal("garbage payload should fail")
	}
}

func TestExecutorDeterminism(t *testing.T) {
	x := NewInmemExecutor()

	payload := mustMarshal(t, Command{Account: "alice", Op: OpCredit, Amount: 7})

	a, err := x.Execute(payload, []byte("10"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := x.Execute(payload, []byte("10"))
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) || string(a) != "17" {
		t.Fatalf("execution should be deterministic, got %s and %s", a, b)
	}
}
