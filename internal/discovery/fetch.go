package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"raydium-pair-stream/internal/solana"
)

// Default fetch settings.
const (
	DefaultFetchAttempts  = 3
	DefaultFetchBaseDelay = 500 * time.Millisecond
)

// ErrTransactionNotFound is returned when the node never returned the
// transaction within the attempt budget.
var ErrTransactionNotFound = errors.New("transaction not found")

// FetchConfig bounds transaction fetching.
type FetchConfig struct {
	Attempts  int
	BaseDelay time.Duration
}

func (c FetchConfig) withDefaults() FetchConfig {
	if c.Attempts <= 0 {
		c.Attempts = DefaultFetchAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultFetchBaseDelay
	}
	return c
}

// FetchTransaction fetches a transaction, retrying with exponential delay
// (base, 2*base, 4*base, ...) while the node errors or does not know the
// signature yet.
func FetchTransaction(ctx context.Context, rpc solana.RPCClient, signature string, cfg FetchConfig, log logrus.FieldLogger) (*solana.Transaction, error) {
	if rpc == nil {
		return nil, fmt.Errorf("no rpc client for %s", signature)
	}
	cfg = cfg.withDefaults()
	if log == nil {
		log = logrus.StandardLogger()
	}

	lastErr := ErrTransactionNotFound
	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		tx, err := rpc.GetTransaction(ctx, signature)
		if err == nil && tx != nil {
			return tx, nil
		}
		if err != nil {
			lastErr = err
		}

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == cfg.Attempts-1 {
			break
		}

		delay := cfg.BaseDelay * time.Duration(1<<attempt)
		log.WithFields(logrus.Fields{
			"signature": signature,
			"attempt":   attempt + 1,
			"delay":     delay,
		}).WithError(lastErr).Debug("retrying getTransaction")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if errors.Is(lastErr, ErrTransactionNotFound) {
		return nil, fmt.Errorf("%s: %w", signature, lastErr)
	}
	return nil, fmt.Errorf("get transaction %s: %w", signature, lastErr)
}
