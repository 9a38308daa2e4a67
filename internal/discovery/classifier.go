// Package discovery classifies Raydium log notifications into pair, swap
// and burn events.
package discovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"raydium-pair-stream/internal/domain"
	"raydium-pair-stream/internal/observability"
	"raydium-pair-stream/internal/publisher"
	"raydium-pair-stream/internal/solana"
	"raydium-pair-stream/internal/stream"
	"raydium-pair-stream/internal/swaps"
)

// ErrNoAccounts is returned when no AMM instruction with a full account
// list is found in a pool creation transaction.
var ErrNoAccounts = errors.New("no amm accounts found")

// Drop reasons reported to metrics.
const (
	dropFailed   = "failed"
	dropError    = "error_marker"
	dropFetch    = "fetch"
	dropNoSwap   = "no_swap"
	dropNoTarget = "target_not_found"
	dropUnknown  = "unknown_direction"
	dropAccounts = "no_accounts"
	dropDup      = "duplicate_pair"
)

// PairTracker opens a targeted swap subscription for a discovered pair.
type PairTracker interface {
	Track(ctx context.Context, pair domain.NewPair) bool
}

// LastPair remembers the most recently published pair. Only the
// immediately preceding pair is suppressed.
type LastPair struct {
	mu    sync.Mutex
	base  string
	quote string
}

// Seen records (base, quote) and reports whether it equals the previous pair.
func (l *LastPair) Seen(base, quote string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.base == base && l.quote == quote {
		return true
	}
	l.base, l.quote = base, quote
	return false
}

// Options configures a Classifier.
type Options struct {
	ProgramID  string // AMM program; defaults to RaydiumAMMV4
	NativeMint string // defaults to WSOL
	Extractor  *swaps.Extractor
	Publisher  publisher.Publisher
	Topics     publisher.Topics
	Tracker    PairTracker
	LastPair   *LastPair
	Fetch      FetchConfig
	Logger     logrus.FieldLogger
	Now        func() time.Time
}

// Classifier turns notifications into published events.
type Classifier struct {
	opts Options
	log  logrus.FieldLogger
}

// NewClassifier creates a classifier. Publisher is required.
func NewClassifier(opts Options) *Classifier {
	if opts.ProgramID == "" {
		opts.ProgramID = RaydiumAMMV4
	}
	if opts.NativeMint == "" {
		opts.NativeMint = WSOL
	}
	if opts.Extractor == nil {
		opts.Extractor = swaps.NewExtractor("", opts.NativeMint)
	}
	if opts.Topics == (publisher.Topics{}) {
		opts.Topics = publisher.DefaultTopics()
	}
	if opts.LastPair == nil {
		opts.LastPair = &LastPair{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Classifier{
		opts: opts,
		log:  log.WithField("component", "classifier"),
	}
}

// SetTracker sets the pair tracker. It must be called before Handle.
func (c *Classifier) SetTracker(t PairTracker) {
	c.opts.Tracker = t
}

// SetLastPair replaces the dedup memory. It must be called before Handle.
func (c *Classifier) SetLastPair(l *LastPair) {
	if l != nil {
		c.opts.LastPair = l
	}
}

// Handle classifies one notification according to its subscription role.
func (c *Classifier) Handle(ctx context.Context, n stream.Notification) {
	switch n.Role {
	case stream.RoleDiscovery:
		c.HandleDiscovery(ctx, n)
	case stream.RoleSwaps:
		c.HandleSwap(ctx, n)
	default:
		c.log.WithField("role", n.Role).Warn("notification with unknown role")
	}
}

// HandleDiscovery looks for pool creations and burns on the AMM stream.
// The first matching line decides what the notification is.
func (c *Classifier) HandleDiscovery(ctx context.Context, n stream.Notification) {
	log := c.log.WithField("signature", n.Signature)
	if n.Failed() {
		observability.RecordExtractionDrop(dropFailed)
		return
	}

	for _, line := range n.Logs {
		switch {
		case IsInitialize2(line):
			c.logOpenTime(log, line)
			if err := c.newPair(ctx, n); err != nil {
				log.WithError(err).Warn("new pair dropped")
			}
			return
		case IsBurn(line):
			if err := c.burns(ctx, n); err != nil {
				log.WithError(err).Warn("burn dropped")
			}
			return
		}
	}
}

func (c *Classifier) logOpenTime(log logrus.FieldLogger, line string) {
	openTime, err := ParseOpenTime(line)
	if err != nil {
		log.WithError(err).Debug("initialize2 without open_time")
		return
	}
	// Negative while the launch is still pending.
	elapsed := c.opts.Now().Unix() - openTime
	log.WithFields(logrus.Fields{
		"open_time":       openTime,
		"seconds_elapsed": elapsed,
	}).Info("pool initialized")
}

func (c *Classifier) newPair(ctx context.Context, n stream.Notification) error {
	tx, err := FetchTransaction(ctx, n.RPC, n.Signature, c.opts.Fetch, c.log)
	if err != nil {
		observability.RecordExtractionDrop(dropFetch)
		return err
	}

	pair, err := c.pairFromTransaction(tx)
	if err != nil {
		observability.RecordExtractionDrop(dropAccounts)
		return err
	}

	log := c.log.WithFields(logrus.Fields{
		"base":  pair.BaseToken,
		"quote": pair.QuoteToken,
		"pool":  pair.PoolAccount,
	})
	if c.opts.LastPair.Seen(pair.BaseToken, pair.QuoteToken) {
		observability.RecordPairDeduplicated()
		observability.RecordExtractionDrop(dropDup)
		log.Info("duplicate pair")
		return nil
	}

	log.Info("new pair found")
	c.publish(ctx, domain.NewPairEvent(pair))

	if c.opts.Tracker != nil {
		c.opts.Tracker.Track(ctx, pair)
	}
	return nil
}

// pairFromTransaction reads the pair from the first AMM instruction that
// carries the full initialize2 account list.
func (c *Classifier) pairFromTransaction(tx *solana.Transaction) (domain.NewPair, error) {
	if tx.Message == nil {
		return domain.NewPair{}, ErrNoAccounts
	}

	var accounts []string
	for _, ix := range tx.Message.Instructions {
		if ix.Kind == solana.InstructionPartial && ix.ProgramID == c.opts.ProgramID {
			accounts = ix.Accounts
			break
		}
	}
	if len(accounts) < initMinAccounts {
		return domain.NewPair{}, ErrNoAccounts
	}

	pair := domain.NewPair{
		BaseToken:        accounts[initBaseMintIndex],
		QuoteToken:       accounts[initQuoteMintIndex],
		BasePoolAccount:  accounts[initBaseVaultIndex],
		QuotePoolAccount: accounts[initQuoteVaultIndex],
		PoolAccount:      accounts[initPoolIndex],
		BlockTime:        tx.BlockTime,
	}

	// Base never denotes the wrapped native mint.
	if pair.BaseToken == c.opts.NativeMint {
		pair.BaseToken, pair.QuoteToken = pair.QuoteToken, pair.BaseToken
		pair.BasePoolAccount, pair.QuotePoolAccount = pair.QuotePoolAccount, pair.BasePoolAccount
	}
	return pair, nil
}

func (c *Classifier) burns(ctx context.Context, n stream.Notification) error {
	tx, err := FetchTransaction(ctx, n.RPC, n.Signature, c.opts.Fetch, c.log)
	if err != nil {
		observability.RecordExtractionDrop(dropFetch)
		return err
	}
	if tx.Meta == nil {
		return nil
	}

	for _, inner := range tx.Meta.InnerInstructions {
		for _, ix := range inner.Instructions {
			if !ix.IsBurn() {
				continue
			}
			c.publish(ctx, domain.BurnEvent(domain.Burn{
				Token:     ix.Burn.Mint,
				Account:   ix.Burn.Account,
				Authority: ix.Burn.Authority,
				Amount:    ix.Burn.Amount,
				BlockTime: tx.BlockTime,
			}))
		}
	}
	return nil
}

// HandleSwap classifies a notification from a targeted pool subscription.
func (c *Classifier) HandleSwap(ctx context.Context, n stream.Notification) {
	log := c.log.WithFields(logrus.Fields{
		"signature": n.Signature,
		"target":    n.Target,
	})
	if n.Failed() {
		observability.RecordExtractionDrop(dropFailed)
		return
	}
	if HasErrorMarker(n.Logs) {
		observability.RecordExtractionDrop(dropError)
		return
	}

	tx, err := FetchTransaction(ctx, n.RPC, n.Signature, c.opts.Fetch, c.log)
	if err != nil {
		observability.RecordExtractionDrop(dropFetch)
		log.WithError(err).Warn("swap dropped")
		return
	}

	swap, err := c.opts.Extractor.Extract(tx, n.Target, n.NativeVault)
	switch {
	case errors.Is(err, swaps.ErrNoSwap):
		observability.RecordExtractionDrop(dropNoSwap)
		log.Debug(err.Error())
		return
	case errors.Is(err, swaps.ErrTargetNotFound):
		observability.RecordExtractionDrop(dropNoTarget)
		log.Debug(err.Error())
		return
	case err != nil:
		log.WithError(err).Warn("swap dropped")
		return
	}
	if !swap.Publishable() {
		observability.RecordExtractionDrop(dropUnknown)
		return
	}

	log.WithFields(logrus.Fields{
		"type":   swap.Type,
		"maker":  swap.Maker,
		"amount": swap.Amount.String(),
	}).Debug("swap")
	c.publish(ctx, domain.SwapEvent(swap))
}

func (c *Classifier) publish(ctx context.Context, ev domain.Event) {
	topic := c.opts.Topics.For(ev)
	if err := c.opts.Publisher.Publish(ctx, topic, ev); err != nil {
		observability.RecordPublishError(string(ev.Type))
		c.log.WithError(err).WithFields(logrus.Fields{
			"topic":      topic,
			"event_type": ev.Type,
		}).Error("publish failed")
		return
	}
	observability.RecordEventPublished(string(ev.Type))
}
