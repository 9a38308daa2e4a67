package discovery

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raydium-pair-stream/internal/domain"
	"raydium-pair-stream/internal/publisher"
	"raydium-pair-stream/internal/solana"
	"raydium-pair-stream/internal/solana/stub"
	"raydium-pair-stream/internal/stream"
	"raydium-pair-stream/internal/swaps"
)

const (
	initLine  = "Program log: initialize2: InitializeInstruction2 { nonce: 254, open_time: 1716406425, init_pc_amount: 1, init_coin_amount: 2 }"
	tokenMint = "TokenMint1111111111111111111111111111111111"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeTracker struct {
	mu    sync.Mutex
	pairs []domain.NewPair
}

func (f *fakeTracker) Track(_ context.Context, pair domain.NewPair) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pairs = append(f.pairs, pair)
	return true
}

func (f *fakeTracker) tracked() []domain.NewPair {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.NewPair(nil), f.pairs...)
}

// initAccounts returns the initialize2 account list with the given mints.
func initAccounts(base, quote string) []string {
	accounts := make([]string, 18)
	for i := range accounts {
		accounts[i] = "acct" + string(rune('A'+i))
	}
	accounts[initPoolIndex] = "pool"
	accounts[initBaseMintIndex] = base
	accounts[initQuoteMintIndex] = quote
	accounts[initBaseVaultIndex] = "baseVault"
	accounts[initQuoteVaultIndex] = "quoteVault"
	return accounts
}

func initTx(sig string, accounts []string) *solana.Transaction {
	return &solana.Transaction{
		Signature: sig,
		BlockTime: 1716406430,
		Meta:      &solana.TransactionMeta{},
		Message: &solana.TransactionMessage{
			Instructions: []solana.Instruction{
				{Kind: solana.InstructionParsed, ProgramID: "ComputeBudget111111111111111111111111111111", Program: "compute-budget"},
				{Kind: solana.InstructionPartial, ProgramID: RaydiumAMMV4, Accounts: accounts},
			},
		},
	}
}

type harness struct {
	rpc     *stub.RPCClient
	bus     *publisher.Memory
	tracker *fakeTracker
	c       *Classifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		rpc:     stub.NewRPCClient(),
		bus:     publisher.NewMemory(),
		tracker: &fakeTracker{},
	}
	h.c = NewClassifier(Options{
		Publisher: h.bus,
		Tracker:   h.tracker,
		Fetch:     fastFetch,
		Logger:    quietLogger(),
		Now:       func() time.Time { return time.Unix(1716406400, 0) },
	})
	return h
}

func discoveryNote(rpc solana.RPCClient, sig string, logs ...string) stream.Notification {
	return stream.Notification{
		Key:             "discovery",
		Role:            stream.RoleDiscovery,
		LogNotification: solana.LogNotification{Signature: sig, Logs: logs},
		RPC:             rpc,
	}
}

func swapNote(rpc solana.RPCClient, sig, target string, logs ...string) stream.Notification {
	return stream.Notification{
		Key:             domain.PairKey(target, WSOL),
		Role:            stream.RoleSwaps,
		Target:          target,
		LogNotification: solana.LogNotification{Signature: sig, Logs: logs},
		RPC:             rpc,
	}
}

func TestHandleDiscovery_NewPair(t *testing.T) {
	h := newHarness(t)
	h.rpc.AddTransaction(initTx("init", initAccounts(tokenMint, WSOL)))
	h.rpc.Misses["init"] = 1

	h.c.Handle(context.Background(), discoveryNote(h.rpc, "init", "Program log: ray_log: x", initLine))

	msgs := h.bus.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, publisher.DefaultPairsTopic, msgs[0].Topic)

	want := domain.NewPair{
		BaseToken:        tokenMint,
		QuoteToken:       WSOL,
		BasePoolAccount:  "baseVault",
		QuotePoolAccount: "quoteVault",
		PoolAccount:      "pool",
		BlockTime:        1716406430,
	}
	assert.True(t, domain.NewPairEvent(want).Equal(msgs[0].Event))
	assert.Equal(t, []domain.NewPair{want}, h.tracker.tracked())
}

func TestHandleDiscovery_CanonicalizesNativeBase(t *testing.T) {
	h := newHarness(t)
	h.rpc.AddTransaction(initTx("init", initAccounts(WSOL, tokenMint)))

	h.c.Handle(context.Background(), discoveryNote(h.rpc, "init", initLine))

	msgs := h.bus.Messages()
	require.Len(t, msgs, 1)
	pair := msgs[0].Event.NewPair
	require.NotNil(t, pair)
	assert.Equal(t, tokenMint, pair.BaseToken)
	assert.Equal(t, WSOL, pair.QuoteToken)
	assert.Equal(t, "quoteVault", pair.BasePoolAccount)
	assert.Equal(t, "baseVault", pair.QuotePoolAccount)
}

func TestHandleDiscovery_SuppressesRepeatedPair(t *testing.T) {
	h := newHarness(t)
	h.rpc.AddTransaction(initTx("a", initAccounts(tokenMint, WSOL)))
	h.rpc.AddTransaction(initTx("b", initAccounts(tokenMint, WSOL)))
	h.rpc.AddTransaction(initTx("c", initAccounts("Other", WSOL)))
	h.rpc.AddTransaction(initTx("d", initAccounts(tokenMint, WSOL)))

	for _, sig := range []string{"a", "b", "c", "d"} {
		h.c.Handle(context.Background(), discoveryNote(h.rpc, sig, initLine))
	}

	// Only the immediately preceding pair is remembered.
	var bases []string
	for _, m := range h.bus.Messages() {
		bases = append(bases, m.Event.NewPair.BaseToken)
	}
	assert.Equal(t, []string{tokenMint, "Other", tokenMint}, bases)
	assert.Len(t, h.tracker.tracked(), 3)
}

func TestHandleDiscovery_Drops(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*harness) stream.Notification
	}{
		{
			name: "failed transaction",
			setup: func(h *harness) stream.Notification {
				h.rpc.AddTransaction(initTx("x", initAccounts(tokenMint, WSOL)))
				n := discoveryNote(h.rpc, "x", initLine)
				n.Err = map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}
				return n
			},
		},
		{
			name: "no amm instruction",
			setup: func(h *harness) stream.Notification {
				tx := initTx("x", nil)
				tx.Message.Instructions = tx.Message.Instructions[:1]
				h.rpc.AddTransaction(tx)
				return discoveryNote(h.rpc, "x", initLine)
			},
		},
		{
			name: "short account list",
			setup: func(h *harness) stream.Notification {
				h.rpc.AddTransaction(initTx("x", initAccounts(tokenMint, WSOL)[:10]))
				return discoveryNote(h.rpc, "x", initLine)
			},
		},
		{
			name: "transaction never visible",
			setup: func(h *harness) stream.Notification {
				return discoveryNote(h.rpc, "x", initLine)
			},
		},
		{
			name: "unrelated logs",
			setup: func(h *harness) stream.Notification {
				h.rpc.AddTransaction(initTx("x", initAccounts(tokenMint, WSOL)))
				return discoveryNote(h.rpc, "x", "Program log: Instruction: SwapBaseIn")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.c.Handle(context.Background(), tt.setup(h))
			assert.Empty(t, h.bus.Messages())
			assert.Empty(t, h.tracker.tracked())
		})
	}
}

func TestHandleDiscovery_Burn(t *testing.T) {
	h := newHarness(t)
	h.rpc.AddTransaction(&solana.Transaction{
		Signature: "burn",
		BlockTime: 1716406999,
		Meta: &solana.TransactionMeta{
			InnerInstructions: []solana.InnerInstructions{{
				Index: 2,
				Instructions: []solana.Instruction{
					{Kind: solana.InstructionParsed, Program: "spl-token", Type: "transfer"},
					{
						Kind:    solana.InstructionParsed,
						Program: "spl-token",
						Type:    "burn",
						Burn: &solana.BurnInfo{
							Mint:      "LPMint",
							Account:   "lpAccount",
							Authority: "owner",
							Amount:    decimal.RequireFromString("6254325432"),
						},
					},
				},
			}},
		},
	})

	h.c.Handle(context.Background(), discoveryNote(h.rpc, "burn", "Program log: Instruction: Burn"))

	msgs := h.bus.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, publisher.DefaultBurnsTopic, msgs[0].Topic)
	want := domain.BurnEvent(domain.Burn{
		Token:     "LPMint",
		Account:   "lpAccount",
		Authority: "owner",
		Amount:    decimal.RequireFromString("6254325432"),
		BlockTime: 1716406999,
	})
	assert.True(t, want.Equal(msgs[0].Event))
	assert.Empty(t, h.tracker.tracked())
}

func swapTx(sig string, ammPre, ammPost string) *solana.Transaction {
	bal := func(index int, owner, mint, amount string) solana.TokenBalance {
		return solana.TokenBalance{AccountIndex: index, Owner: owner, Mint: mint, Amount: decimal.RequireFromString(amount)}
	}
	return &solana.Transaction{
		Signature: sig,
		BlockTime: 1716406500,
		Meta: &solana.TransactionMeta{
			Fee: 5000,
			PreTokenBalances: []solana.TokenBalance{
				bal(1, swaps.RaydiumAuthorityV4, WSOL, ammPre),
				bal(2, "userA", tokenMint, "100"),
			},
			PostTokenBalances: []solana.TokenBalance{
				bal(1, swaps.RaydiumAuthorityV4, WSOL, ammPost),
				bal(2, "userA", tokenMint, "150"),
			},
		},
	}
}

func TestHandleSwap_Publishes(t *testing.T) {
	h := newHarness(t)
	h.rpc.AddTransaction(swapTx("swap", "10", "9"))

	h.c.Handle(context.Background(), swapNote(h.rpc, "swap", tokenMint, "Program log: ray_log: abc"))

	msgs := h.bus.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, publisher.DefaultSwapsTopic, msgs[0].Topic)
	tx := msgs[0].Event.Swap.Transaction
	assert.Equal(t, domain.TransactionSell, tx.Type)
	assert.Equal(t, "userA", tx.Maker)
	assert.Equal(t, tokenMint, tx.TokenAddress)
	assert.True(t, tx.Amount.Equal(decimal.NewFromInt(1)))
}

func TestHandleSwap_PerTokenTopic(t *testing.T) {
	h := newHarness(t)
	topics := publisher.DefaultTopics()
	topics.PerTokenSwaps = true
	h.c = NewClassifier(Options{Publisher: h.bus, Topics: topics, Fetch: fastFetch, Logger: quietLogger()})
	h.rpc.AddTransaction(swapTx("swap", "9", "10"))

	h.c.Handle(context.Background(), swapNote(h.rpc, "swap", tokenMint))

	msgs := h.bus.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "swaps:"+tokenMint, msgs[0].Topic)
	assert.Equal(t, domain.TransactionBuy, msgs[0].Event.Swap.Transaction.Type)
}

// The target pool sells TOKEN into WSOL and a second pool of the same
// authority buys with it, so only the notification's vault tells them apart.
func TestHandleSwap_MultiHopUsesPoolVault(t *testing.T) {
	h := newHarness(t)
	bal := func(index int, owner, mint, amount string) solana.TokenBalance {
		return solana.TokenBalance{AccountIndex: index, Owner: owner, Mint: mint, Amount: decimal.RequireFromString(amount)}
	}
	h.rpc.AddTransaction(&solana.Transaction{
		Signature: "hop",
		BlockTime: 1716406500,
		Meta: &solana.TransactionMeta{
			PreTokenBalances: []solana.TokenBalance{
				bal(1, swaps.RaydiumAuthorityV4, WSOL, "10"),
				bal(2, swaps.RaydiumAuthorityV4, WSOL, "20"),
				bal(3, "userA", tokenMint, "100"),
			},
			PostTokenBalances: []solana.TokenBalance{
				bal(1, swaps.RaydiumAuthorityV4, WSOL, "8"),
				bal(2, swaps.RaydiumAuthorityV4, WSOL, "22"),
				bal(3, "userA", tokenMint, "0"),
			},
		},
		Message: &solana.TransactionMessage{AccountKeys: []string{"userA", "quoteVault", "otherPoolWsol", "userAToken"}},
	})

	n := swapNote(h.rpc, "hop", tokenMint)
	n.NativeVault = "quoteVault"
	h.c.Handle(context.Background(), n)

	msgs := h.bus.Messages()
	require.Len(t, msgs, 1)
	tx := msgs[0].Event.Swap.Transaction
	assert.Equal(t, domain.TransactionSell, tx.Type)
	assert.True(t, tx.Amount.Equal(decimal.NewFromInt(2)))
}

func TestHandleSwap_Drops(t *testing.T) {
	tests := []struct {
		name   string
		tx     *solana.Transaction
		target string
		logs   []string
		err    interface{}
	}{
		{name: "error marker", tx: swapTx("s", "10", "9"), target: tokenMint, logs: []string{"Program log: Error: slippage"}},
		{name: "failed", tx: swapTx("s", "10", "9"), target: tokenMint, err: "InstructionError"},
		{name: "unknown direction", tx: swapTx("s", "10", "10"), target: tokenMint},
		{name: "target not found", tx: swapTx("s", "10", "9"), target: "SomeOtherMint"},
		{name: "no swap", tx: &solana.Transaction{Signature: "s", Meta: &solana.TransactionMeta{}}, target: tokenMint},
		{name: "not visible", target: tokenMint},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.tx != nil {
				h.rpc.AddTransaction(tt.tx)
			}
			n := swapNote(h.rpc, "s", tt.target, tt.logs...)
			n.Err = tt.err
			h.c.Handle(context.Background(), n)
			assert.Empty(t, h.bus.Messages())
		})
	}
}

func TestHandle_PublishFailureIsSwallowed(t *testing.T) {
	h := newHarness(t)
	h.rpc.AddTransaction(swapTx("swap", "10", "9"))
	require.NoError(t, h.bus.Close())

	assert.NotPanics(t, func() {
		h.c.Handle(context.Background(), swapNote(h.rpc, "swap", tokenMint))
	})
}

func TestLastPair(t *testing.T) {
	var last LastPair
	assert.False(t, last.Seen("a", "b"))
	assert.True(t, last.Seen("a", "b"))
	assert.False(t, last.Seen("b", "a"))
	assert.False(t, last.Seen("a", "b"))
}
