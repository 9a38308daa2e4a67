package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// RPCClient defines the Solana RPC HTTP surface used by the classifier.
type RPCClient interface {
	// GetTransaction retrieves a fully parsed transaction by signature.
	// Returns (nil, nil) when the node does not know the transaction yet.
	GetTransaction(ctx context.Context, signature string) (*Transaction, error)

	// GetSlot retrieves the current slot. Used as a startup reachability check.
	GetSlot(ctx context.Context) (int64, error)
}

// Commitment is the finality level requested from the node.
type Commitment string

// Supported commitment levels.
const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// LamportsPerSOL converts fee lamports into SOL.
const LamportsPerSOL = 1_000_000_000

// Transaction represents a Solana transaction fetched with jsonParsed encoding.
type Transaction struct {
	Slot      int64
	Signature string
	BlockTime int64 // Unix timestamp (seconds)
	Meta      *TransactionMeta
	Message   *TransactionMessage
}

// TransactionMeta contains transaction metadata.
type TransactionMeta struct {
	Err               interface{}
	Fee               uint64 // lamports
	LogMessages       []string
	PreTokenBalances  []TokenBalance
	PostTokenBalances []TokenBalance
	InnerInstructions []InnerInstructions
}

// TransactionMessage contains the parsed transaction message.
type TransactionMessage struct {
	AccountKeys  []string
	Instructions []Instruction
}

// InnerInstructions groups the CPI instructions emitted by one outer instruction.
type InnerInstructions struct {
	Index        int
	Instructions []Instruction
}

// TokenBalance is one pre or post token balance snapshot entry.
type TokenBalance struct {
	AccountIndex int
	Mint         string
	Owner        string
	Amount       decimal.Decimal // UI amount, already scaled by decimals
	Decimals     int32
}

// InstructionKind tags the shape an instruction was decoded into.
type InstructionKind int

const (
	// InstructionPartial is a raw instruction: program id, accounts and data.
	InstructionPartial InstructionKind = iota
	// InstructionParsed is an instruction the node decoded into type + info.
	InstructionParsed
)

func (k InstructionKind) String() string {
	switch k {
	case InstructionPartial:
		return "partial"
	case InstructionParsed:
		return "parsed"
	default:
		return fmt.Sprintf("InstructionKind(%d)", int(k))
	}
}

// Instruction is a decoded transaction instruction.
// Partial instructions carry Accounts/Data; parsed ones carry Program/Type/Info.
type Instruction struct {
	Kind      InstructionKind
	ProgramID string

	// InstructionPartial
	Accounts []string
	Data     string

	// InstructionParsed
	Program string
	Type    string
	Info    json.RawMessage
	Burn    *BurnInfo // set when Type is a burn variant
}

// IsBurn reports whether the instruction is a parsed token burn.
func (i Instruction) IsBurn() bool {
	return i.Kind == InstructionParsed && i.Burn != nil
}

// BurnInfo holds the fields of a parsed spl-token burn / burnChecked instruction.
type BurnInfo struct {
	Mint      string
	Account   string
	Authority string
	Amount    decimal.Decimal // raw base units
}

// isBurnType reports whether a parsed instruction type denotes a burn.
func isBurnType(t string) bool {
	return strings.Contains(strings.ToLower(t), "burn")
}
