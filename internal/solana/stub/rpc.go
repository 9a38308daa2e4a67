package stub

import (
	"context"
	"sync"

	"raydium-pair-stream/internal/solana"
)

// RPCClient implements solana.RPCClient for testing.
type RPCClient struct {
	mu           sync.Mutex
	Transactions map[string]*solana.Transaction
	// Misses makes the first N lookups of a signature report "not yet visible".
	Misses map[string]int
	// Err, when set, is returned by every call.
	Err  error
	Slot int64

	calls map[string]int
}

// NewRPCClient creates a new stub RPC client.
func NewRPCClient() *RPCClient {
	return &RPCClient{
		Transactions: make(map[string]*solana.Transaction),
		Misses:       make(map[string]int),
		calls:        make(map[string]int),
	}
}

// GetTransaction retrieves a transaction by signature from the stub store.
// Unknown signatures return (nil, nil) like a node that has not seen them.
func (c *RPCClient) GetTransaction(_ context.Context, signature string) (*solana.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls[signature]++
	if c.Err != nil {
		return nil, c.Err
	}
	if c.calls[signature] <= c.Misses[signature] {
		return nil, nil
	}
	return c.Transactions[signature], nil
}

// GetSlot returns the configured slot.
func (c *RPCClient) GetSlot(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return 0, c.Err
	}
	return c.Slot, nil
}

// AddTransaction adds a transaction to the stub store.
func (c *RPCClient) AddTransaction(tx *solana.Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Transactions[tx.Signature] = tx
}

// Calls returns how many times GetTransaction was asked for the signature.
func (c *RPCClient) Calls(signature string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[signature]
}
