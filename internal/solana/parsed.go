package solana

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// RPCError represents a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// IsUnknownSubscription reports whether the node rejected a request because
// the referenced subscription or topic does not exist.
func (e *RPCError) IsUnknownSubscription() bool {
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "unknown") ||
		strings.Contains(msg, "invalid subscription") ||
		strings.Contains(msg, "not found")
}

// getTransactionResult is the raw jsonParsed RPC response for getTransaction.
type getTransactionResult struct {
	Slot        int64           `json:"slot"`
	BlockTime   *int64          `json:"blockTime"`
	Meta        *rawMeta        `json:"meta"`
	Transaction *rawTransaction `json:"transaction"`
}

type rawMeta struct {
	Err               interface{}       `json:"err"`
	Fee               uint64            `json:"fee"`
	LogMessages       []string          `json:"logMessages"`
	PreTokenBalances  []rawTokenBalance `json:"preTokenBalances"`
	PostTokenBalances []rawTokenBalance `json:"postTokenBalances"`
	InnerInstructions []rawInnerGroup   `json:"innerInstructions"`
}

type rawTokenBalance struct {
	AccountIndex  int            `json:"accountIndex"`
	Mint          string         `json:"mint"`
	Owner         string         `json:"owner"`
	UITokenAmount rawTokenAmount `json:"uiTokenAmount"`
}

type rawTokenAmount struct {
	Amount         string `json:"amount"`
	Decimals       int32  `json:"decimals"`
	UIAmountString string `json:"uiAmountString"`
}

type rawInnerGroup struct {
	Index        int              `json:"index"`
	Instructions []rawInstruction `json:"instructions"`
}

type rawTransaction struct {
	Signatures []string    `json:"signatures"`
	Message    *rawMessage `json:"message"`
}

type rawMessage struct {
	AccountKeys  []rawAccountKey  `json:"accountKeys"`
	Instructions []rawInstruction `json:"instructions"`
}

// rawAccountKey accepts both the plain string form and the jsonParsed
// {"pubkey": ..., "signer": ..., "writable": ...} form.
type rawAccountKey string

func (k *rawAccountKey) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*k = rawAccountKey(s)
		return nil
	}
	var obj struct {
		Pubkey string `json:"pubkey"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*k = rawAccountKey(obj.Pubkey)
	return nil
}

type rawInstruction struct {
	ProgramID string          `json:"programId"`
	Program   string          `json:"program"`
	Accounts  []string        `json:"accounts"`
	Data      string          `json:"data"`
	Parsed    json.RawMessage `json:"parsed"`
}

type rawParsed struct {
	Type string          `json:"type"`
	Info json.RawMessage `json:"info"`
}

type rawBurnInfo struct {
	Account           string          `json:"account"`
	Mint              string          `json:"mint"`
	Authority         string          `json:"authority"`
	MultisigAuthority string          `json:"multisigAuthority"`
	Amount            string          `json:"amount"`
	TokenAmount       *rawTokenAmount `json:"tokenAmount"`
}

// decode converts the raw response into a Transaction.
func (r *getTransactionResult) decode(signature string) (*Transaction, error) {
	tx := &Transaction{
		Slot:      r.Slot,
		Signature: signature,
	}
	if r.BlockTime != nil {
		tx.BlockTime = *r.BlockTime
	}

	if r.Meta != nil {
		meta := &TransactionMeta{
			Err:         r.Meta.Err,
			Fee:         r.Meta.Fee,
			LogMessages: r.Meta.LogMessages,
		}
		var err error
		if meta.PreTokenBalances, err = decodeBalances(r.Meta.PreTokenBalances); err != nil {
			return nil, fmt.Errorf("pre token balances: %w", err)
		}
		if meta.PostTokenBalances, err = decodeBalances(r.Meta.PostTokenBalances); err != nil {
			return nil, fmt.Errorf("post token balances: %w", err)
		}
		for _, group := range r.Meta.InnerInstructions {
			inner := InnerInstructions{Index: group.Index}
			for _, ri := range group.Instructions {
				ix, err := ri.decode()
				if err != nil {
					return nil, fmt.Errorf("inner instruction %d: %w", group.Index, err)
				}
				inner.Instructions = append(inner.Instructions, ix)
			}
			meta.InnerInstructions = append(meta.InnerInstructions, inner)
		}
		tx.Meta = meta
	}

	if r.Transaction != nil && r.Transaction.Message != nil {
		msg := &TransactionMessage{
			AccountKeys: make([]string, len(r.Transaction.Message.AccountKeys)),
		}
		for i, k := range r.Transaction.Message.AccountKeys {
			msg.AccountKeys[i] = string(k)
		}
		for i, ri := range r.Transaction.Message.Instructions {
			ix, err := ri.decode()
			if err != nil {
				return nil, fmt.Errorf("instruction %d: %w", i, err)
			}
			msg.Instructions = append(msg.Instructions, ix)
		}
		tx.Message = msg
	}

	return tx, nil
}

func decodeBalances(raw []rawTokenBalance) ([]TokenBalance, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]TokenBalance, 0, len(raw))
	for _, b := range raw {
		amount, err := b.UITokenAmount.ui()
		if err != nil {
			return nil, fmt.Errorf("account %d: %w", b.AccountIndex, err)
		}
		out = append(out, TokenBalance{
			AccountIndex: b.AccountIndex,
			Mint:         b.Mint,
			Owner:        b.Owner,
			Amount:       amount,
			Decimals:     b.UITokenAmount.Decimals,
		})
	}
	return out, nil
}

// ui returns the decimal UI amount, deriving it from the raw amount when the
// node omitted uiAmountString.
func (a rawTokenAmount) ui() (decimal.Decimal, error) {
	if a.UIAmountString != "" {
		return decimal.NewFromString(a.UIAmountString)
	}
	if a.Amount == "" {
		return decimal.Zero, nil
	}
	raw, err := decimal.NewFromString(a.Amount)
	if err != nil {
		return decimal.Zero, err
	}
	return raw.Shift(-a.Decimals), nil
}

func (ri rawInstruction) decode() (Instruction, error) {
	if len(ri.Parsed) == 0 || string(ri.Parsed) == "null" {
		return Instruction{
			Kind:      InstructionPartial,
			ProgramID: ri.ProgramID,
			Accounts:  ri.Accounts,
			Data:      ri.Data,
		}, nil
	}

	ix := Instruction{
		Kind:      InstructionParsed,
		ProgramID: ri.ProgramID,
		Program:   ri.Program,
	}

	// Some programs (memo) return a bare string instead of {type, info}.
	if bytes.HasPrefix(bytes.TrimSpace(ri.Parsed), []byte(`"`)) {
		ix.Info = ri.Parsed
		return ix, nil
	}

	var parsed rawParsed
	if err := json.Unmarshal(ri.Parsed, &parsed); err != nil {
		return Instruction{}, fmt.Errorf("parsed payload: %w", err)
	}
	ix.Type = parsed.Type
	ix.Info = parsed.Info

	if isBurnType(parsed.Type) && len(parsed.Info) > 0 {
		burn, err := decodeBurn(parsed.Info)
		if err != nil {
			return Instruction{}, fmt.Errorf("burn info: %w", err)
		}
		ix.Burn = burn
	}

	return ix, nil
}

func decodeBurn(info json.RawMessage) (*BurnInfo, error) {
	var raw rawBurnInfo
	if err := json.Unmarshal(info, &raw); err != nil {
		return nil, err
	}

	amountStr := raw.Amount
	if amountStr == "" && raw.TokenAmount != nil {
		amountStr = raw.TokenAmount.Amount
	}
	amount := decimal.Zero
	if amountStr != "" {
		var err error
		if amount, err = decimal.NewFromString(amountStr); err != nil {
			return nil, fmt.Errorf("amount %q: %w", amountStr, err)
		}
	}

	authority := raw.Authority
	if authority == "" {
		authority = raw.MultisigAuthority
	}

	return &BurnInfo{
		Mint:      raw.Mint,
		Account:   raw.Account,
		Authority: authority,
		Amount:    amount,
	}, nil
}
