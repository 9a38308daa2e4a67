package domain

import "github.com/shopspring/decimal"

// TransactionType is the swap direction relative to the pool.
type TransactionType string

// Transaction type constants
const (
	TransactionBuy     TransactionType = "Buy"
	TransactionSell    TransactionType = "Sell"
	TransactionUnknown TransactionType = "Unknown"
)

// Transaction is a classified swap.
// Amount is always non-negative; direction is carried by Type only.
type Transaction struct {
	Signature    string          `json:"signature"`
	TokenAddress string          `json:"token_address"` // target mint
	Type         TransactionType `json:"transaction_type"`
	Maker        string          `json:"maker"`      // counterparty wallet
	Amount       decimal.Decimal `json:"amount_sol"` // |AMM native delta|
	Fee          decimal.Decimal `json:"fee_sol"`
	BlockTime    int64           `json:"block_time"` // Unix seconds
}

// Publishable reports whether the transaction carries a direction.
func (t Transaction) Publishable() bool {
	return t.Type == TransactionBuy || t.Type == TransactionSell
}

// Equal reports structural equality with decimals compared by value.
func (t Transaction) Equal(other Transaction) bool {
	return t.Signature == other.Signature &&
		t.TokenAddress == other.TokenAddress &&
		t.Type == other.Type &&
		t.Maker == other.Maker &&
		t.Amount.Equal(other.Amount) &&
		t.Fee.Equal(other.Fee) &&
		t.BlockTime == other.BlockTime
}
