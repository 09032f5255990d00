package execution

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/ugorji/go/codec"
)

// Command ops understood by the InmemExecutor.
const (
	OpSet    = "set"    //replace the account blob with Value
	OpCredit = "credit" //add Amount to the account balance
	OpDebit  = "debit"  //subtract Amount from the account balance
)

// Command is the payload format of the reference executor: a single
// operation against a single account. Balances are stored as decimal ASCII
// so they stay readable in proofs and over HTTP.
type Command struct {
	Account string
	Op      string
	Amount  int64
	Value   []byte
}

// Marshal returns the canonical-JSON encoding of the command, suitable as an
// event payload.
func (c *Command) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(c); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal decodes a command produced by Marshal.
func (c *Command) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(c)
}

// InmemExecutor is the reference Executor: payloads are Commands moving
// decimal balances around. It exists for tests and for running a node
// without an application attached.
type InmemExecutor struct{}

// NewInmemExecutor creates an InmemExecutor.
func NewInmemExecutor() *InmemExecutor {
	return &InmemExecutor{}
}

// Account implements the Executor interface.
func (x *InmemExecutor) Account(payload []byte) ([]byte, error) {
	var cmd Command
	if err := cmd.Unmarshal(payload); err != nil {
		return nil, fmt.Errorf("malformed command: %v", err)
	}
	if cmd.Account == "" {
		return nil, fmt.Errorf("command names no account")
	}
	return []byte(cmd.Account), nil
}

// Execute implements the Executor interface.
func (x *InmemExecutor) Execute(payload []byte, current []byte) ([]byte, error) {
	var cmd Command
	if err := cmd.Unmarshal(payload); err != nil {
		return nil, fmt.Errorf("malformed command: %v", err)
	}

	switch cmd.Op {
	case OpSet:
		return cmd.Value, nil
	case OpCredit, OpDebit:
		balance := int64(0)
		if len(current) > 0 {
			parsed, err := strconv.ParseInt(string(current), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("account state is not a balance: %v", err)
			}
			balance = parsed
		}

		if cmd.Amount < 0 {
			return nil, fmt.Errorf("negative amount %d", cmd.Amount)
		}

		if cmd.Op == OpCredit {
			balance += cmd.Amount
		} else {
			if balance < cmd.Amount {
				return nil, fmt.Errorf("insufficient balance: %d < %d", balance, cmd.Amount)
			}
			balance -= cmd.Amount
		}

		return []byte(strconv.FormatInt(balance, 10)), nil
	default:
		return nil, fmt.Errorf("unknown op %q", cmd.Op)
	}
}
