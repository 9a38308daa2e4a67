// Package swaps classifies Raydium swaps from token balance snapshots.
package swaps

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"

	"raydium-pair-stream/internal/domain"
	"raydium-pair-stream/internal/solana"
)

// Known accounts.
const (
	// RaydiumAuthorityV4 owns the vaults of every Raydium AMM v4 pool.
	RaydiumAuthorityV4 = "5Q544fKrFoe6tsEbD7S8EmxGTJYAKtTVhAW5Q5pge4j1"
	// WrappedSOLMint is the wrapped native SOL mint.
	WrappedSOLMint = "So11111111111111111111111111111111111111112"
)

var (
	// ErrNoSwap means no non-native balance moved outside the pool.
	ErrNoSwap = errors.New("no swaps detected in transaction")
	// ErrTargetNotFound means balances moved, but none for the target mint.
	ErrTargetNotFound = errors.New("target token not found in transaction")
)

var lamportsPerSOL = decimal.NewFromInt(solana.LamportsPerSOL)

// Leg is the balance movement of one mint for its chosen maker.
type Leg struct {
	Mint         string
	Maker        string
	AccountIndex int
	Delta        decimal.Decimal // post - pre, UI units
}

// Extractor turns pre/post token balances into a classified swap.
type Extractor struct {
	AMMAuthority string
	NativeMint   string
}

// NewExtractor creates an extractor for the given pool authority.
// Empty arguments fall back to the Raydium v4 authority and WSOL.
func NewExtractor(ammAuthority, nativeMint string) *Extractor {
	if ammAuthority == "" {
		ammAuthority = RaydiumAuthorityV4
	}
	if nativeMint == "" {
		nativeMint = WrappedSOLMint
	}
	return &Extractor{AMMAuthority: ammAuthority, NativeMint: nativeMint}
}

// balanceDelta is one token account's change across the transaction.
type balanceDelta struct {
	index   int
	address string // token account, empty when the message is missing
	mint    string
	owner   string
	delta   decimal.Decimal
}

// deltas pairs pre and post snapshots by account index. An account present
// on one side only counts as zero on the other.
func deltas(tx *solana.Transaction) []balanceDelta {
	meta := tx.Meta
	byIndex := make(map[int]*balanceDelta)
	var order []int

	get := func(b solana.TokenBalance) *balanceDelta {
		d, ok := byIndex[b.AccountIndex]
		if !ok {
			d = &balanceDelta{index: b.AccountIndex, mint: b.Mint, owner: b.Owner}
			byIndex[b.AccountIndex] = d
			order = append(order, b.AccountIndex)
		}
		return d
	}

	for _, b := range meta.PreTokenBalances {
		d := get(b)
		d.delta = d.delta.Sub(b.Amount)
	}
	for _, b := range meta.PostTokenBalances {
		d := get(b)
		d.delta = d.delta.Add(b.Amount)
		if d.owner == "" {
			d.owner = b.Owner
		}
	}

	var keys []string
	if tx.Message != nil {
		keys = tx.Message.AccountKeys
	}

	sort.Ints(order)
	out := make([]balanceDelta, 0, len(order))
	for _, idx := range order {
		d := *byIndex[idx]
		if idx >= 0 && idx < len(keys) {
			d.address = keys[idx]
		}
		out = append(out, d)
	}
	return out
}

// NativeDelta returns the wrapped-native change of the pool that traded
// target. Every v4 pool shares the AMM authority, so in a multi-hop route
// the pool is picked by, in order:
//   - nativeVault, the pool's wrapped-native vault address
//   - the one AMM native account named by the instruction that moved an
//     AMM-owned target vault
//
// When neither applies the change of every AMM native account is summed,
// which is exact for a single-pool swap.
func (e *Extractor) NativeDelta(tx *solana.Transaction, target, nativeVault string) decimal.Decimal {
	total := decimal.Zero
	if tx == nil || tx.Meta == nil {
		return total
	}

	all := deltas(tx)
	var native []balanceDelta
	for _, d := range all {
		if d.owner == e.AMMAuthority && d.mint == e.NativeMint {
			native = append(native, d)
		}
	}

	if nativeVault != "" {
		for _, d := range native {
			if d.address == nativeVault {
				return d.delta
			}
		}
	}
	if len(native) > 1 {
		if d, ok := e.poolOf(tx, all, native, target); ok {
			return d.delta
		}
	}

	for _, d := range native {
		total = total.Add(d.delta)
	}
	return total
}

// poolOf finds the AMM native account that shares an instruction with a
// moved AMM vault of target. Instructions naming more than one AMM native
// account, such as an aggregator's outer route, are ambiguous and skipped.
func (e *Extractor) poolOf(tx *solana.Transaction, all, native []balanceDelta, target string) (balanceDelta, bool) {
	vaults := make(map[string]bool)
	for _, d := range all {
		if d.owner == e.AMMAuthority && d.mint == target && d.address != "" && !d.delta.IsZero() {
			vaults[d.address] = true
		}
	}
	if len(vaults) == 0 {
		return balanceDelta{}, false
	}

	var instructions []solana.Instruction
	if tx.Message != nil {
		instructions = append(instructions, tx.Message.Instructions...)
	}
	for _, inner := range tx.Meta.InnerInstructions {
		instructions = append(instructions, inner.Instructions...)
	}

	for _, ix := range instructions {
		if ix.Kind != solana.InstructionPartial {
			continue
		}
		named := make(map[string]bool, len(ix.Accounts))
		touchesTarget := false
		for _, acc := range ix.Accounts {
			named[acc] = true
			if vaults[acc] {
				touchesTarget = true
			}
		}
		if !touchesTarget {
			continue
		}

		var match []balanceDelta
		for _, d := range native {
			if d.address != "" && named[d.address] {
				match = append(match, d)
			}
		}
		if len(match) == 1 {
			return match[0], true
		}
	}
	return balanceDelta{}, false
}

// Legs returns one leg per non-native mint that moved for an account not
// owned by the AMM, sorted by mint.
//
// When several owners moved the same mint, the maker is picked by:
// signer-capable (on-curve) owners first, then largest absolute delta, then
// lowest account index.
func (e *Extractor) Legs(tx *solana.Transaction) []Leg {
	if tx == nil || tx.Meta == nil {
		return nil
	}

	best := make(map[string]balanceDelta)
	for _, d := range deltas(tx) {
		if d.mint == e.NativeMint || d.owner == e.AMMAuthority || d.delta.IsZero() {
			continue
		}
		cur, ok := best[d.mint]
		if !ok || preferMaker(d, cur) {
			best[d.mint] = d
		}
	}

	legs := make([]Leg, 0, len(best))
	for mint, d := range best {
		legs = append(legs, Leg{
			Mint:         mint,
			Maker:        d.owner,
			AccountIndex: d.index,
			Delta:        d.delta,
		})
	}
	sort.Slice(legs, func(i, j int) bool { return legs[i].Mint < legs[j].Mint })
	return legs
}

func preferMaker(a, b balanceDelta) bool {
	aCurve, bCurve := solana.IsOnCurve(a.owner), solana.IsOnCurve(b.owner)
	if aCurve != bCurve {
		return aCurve
	}
	if c := a.delta.Abs().Cmp(b.delta.Abs()); c != 0 {
		return c > 0
	}
	return a.index < b.index
}

// Classify maps the AMM native delta to a direction. The convention is
// pool-relative: the pool gaining native is a Buy.
func Classify(nativeDelta decimal.Decimal) domain.TransactionType {
	switch nativeDelta.Sign() {
	case 1:
		return domain.TransactionBuy
	case -1:
		return domain.TransactionSell
	default:
		return domain.TransactionUnknown
	}
}

// Fee converts the lamport fee to SOL.
func Fee(tx *solana.Transaction) decimal.Decimal {
	if tx == nil || tx.Meta == nil {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(tx.Meta.Fee)).Div(lamportsPerSOL)
}

// Extract classifies the swap of target in tx. nativeVault, when known, is
// the wrapped-native vault of target's pool.
// An empty target is accepted when exactly one mint moved.
func (e *Extractor) Extract(tx *solana.Transaction, target, nativeVault string) (domain.Transaction, error) {
	legs := e.Legs(tx)
	if len(legs) == 0 {
		return domain.Transaction{}, ErrNoSwap
	}

	var leg *Leg
	for i := range legs {
		if legs[i].Mint == target || (target == "" && len(legs) == 1) {
			leg = &legs[i]
			break
		}
	}
	if leg == nil {
		return domain.Transaction{}, ErrTargetNotFound
	}

	native := e.NativeDelta(tx, leg.Mint, nativeVault)
	return domain.Transaction{
		Signature:    tx.Signature,
		TokenAddress: leg.Mint,
		Type:         Classify(native),
		Maker:        leg.Maker,
		Amount:       native.Abs(),
		Fee:          Fee(tx),
		BlockTime:    tx.BlockTime,
	}, nil
}
