// Package orchestrator owns the live set of log subscriptions.
// It runs the AMM discovery stream and opens a targeted swap stream for
// every discovered pair, retiring it after a fixed observation window.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"raydium-pair-stream/internal/discovery"
	"raydium-pair-stream/internal/domain"
	"raydium-pair-stream/internal/observability"
	"raydium-pair-stream/internal/solana"
	"raydium-pair-stream/internal/stream"
)

// DefaultObservationWindow is how long a pair's swap stream stays open.
const DefaultObservationWindow = 50 * time.Second

// DiscoveryKey identifies the AMM discovery subscription.
const DiscoveryKey = "discovery"

// ErrClosed is returned by Run when called after shutdown.
var ErrClosed = errors.New("orchestrator closed")

// Subscription is a restartable log stream. *stream.Handle implements it.
type Subscription interface {
	Run(ctx context.Context, out chan<- stream.Notification) error
	Unsubscribe() error
}

// Dispatcher consumes notifications. Calls for one subscription are
// sequential and in delivery order.
type Dispatcher interface {
	Handle(ctx context.Context, n stream.Notification)
}

// Timer is a pending one-shot task.
type Timer interface {
	Stop() bool
}

// Options configures an Orchestrator.
type Options struct {
	Endpoint     string // WebSocket URL
	ProgramID    string // AMM program the discovery stream mentions
	Commitment   solana.Commitment
	RPC          solana.RPCClient
	SecondaryRPC solana.RPCClient

	ObservationWindow time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ConnectRetryDelay time.Duration
	RateWindow        time.Duration
	WS                *solana.WSConfig

	Dispatcher Dispatcher
	Logger     logrus.FieldLogger

	// NewSubscription builds a subscription. Defaults to stream.New.
	NewSubscription func(cfg stream.Config) Subscription
	// Schedule runs f once after d. Defaults to time.AfterFunc.
	Schedule func(d time.Duration, f func()) Timer
}

type entry struct {
	pair   domain.NewPair
	sub    Subscription
	timer  Timer
	cancel context.CancelFunc
}

// Orchestrator tracks live swap subscriptions keyed by "swaps-<base>-<quote>".
type Orchestrator struct {
	opts Options
	log  logrus.FieldLogger

	mu     sync.Mutex
	live   map[string]*entry
	closed bool

	lastPair discovery.LastPair

	wg sync.WaitGroup
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	if opts.ObservationWindow <= 0 {
		opts.ObservationWindow = DefaultObservationWindow
	}
	if opts.NewSubscription == nil {
		opts.NewSubscription = func(cfg stream.Config) Subscription {
			return stream.New(cfg)
		}
	}
	if opts.Schedule == nil {
		opts.Schedule = func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Orchestrator{
		opts: opts,
		log:  logger.WithField("component", "orchestrator"),
		live: make(map[string]*entry),
	}
}

func (o *Orchestrator) config(key string, role stream.Role, mention, target, vault string) stream.Config {
	return stream.Config{
		Key:               key,
		Role:              role,
		Endpoint:          o.opts.Endpoint,
		Filter:            solana.LogsFilter{Mentions: []string{mention}},
		Commitment:        o.opts.Commitment,
		RPC:               o.opts.RPC,
		SecondaryRPC:      o.opts.SecondaryRPC,
		Target:            target,
		NativeVault:       vault,
		ReconnectAttempts: o.opts.ReconnectAttempts,
		ReconnectDelay:    o.opts.ReconnectDelay,
		ConnectRetryDelay: o.opts.ConnectRetryDelay,
		RateWindow:        o.opts.RateWindow,
		WS:                o.opts.WS,
		Logger:            o.opts.Logger,
	}
}

// start runs sub and a dispatch loop for its notifications.
// It returns a channel that receives Run's result.
func (o *Orchestrator) start(ctx context.Context, key string, sub Subscription) <-chan error {
	notes := make(chan stream.Notification, 64)
	result := make(chan error, 1)

	o.wg.Add(2)
	go func() {
		defer o.wg.Done()
		defer close(notes)
		err := sub.Run(ctx, notes)
		if err != nil {
			o.log.WithError(err).WithField("key", key).Error("subscription stopped")
		}
		result <- err
	}()
	go func() {
		defer o.wg.Done()
		for n := range notes {
			if o.opts.Dispatcher != nil {
				o.opts.Dispatcher.Handle(ctx, n)
			}
		}
	}()
	return result
}

// Track opens a swap subscription for pair unless one is already live.
// It reports whether a subscription was created. Re-discovery does not
// extend the observation window.
func (o *Orchestrator) Track(ctx context.Context, pair domain.NewPair) bool {
	key := pair.Key()
	log := o.log.WithFields(logrus.Fields{
		"key":  key,
		"pool": pair.PoolAccount,
	})

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	if _, ok := o.live[key]; ok {
		o.mu.Unlock()
		log.Info("pair already tracked")
		return false
	}

	// Only retire and shutdown end a swap subscription, so it can still
	// unsubscribe after the caller's ctx is gone.
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e := &entry{
		pair:   pair,
		sub:    o.opts.NewSubscription(o.config(key, stream.RoleSwaps, pair.PoolAccount, pair.BaseToken, pair.QuotePoolAccount)),
		cancel: cancel,
	}
	o.live[key] = e
	e.timer = o.opts.Schedule(o.opts.ObservationWindow, func() { o.retire(key, e) })
	o.start(subCtx, key, e.sub)
	active := len(o.live)
	o.mu.Unlock()

	observability.SetActiveSubscriptions(active)
	log.WithField("window", o.opts.ObservationWindow).Info("tracking pair")
	return true
}

// retire removes key if it still maps to e and unsubscribes it.
func (o *Orchestrator) retire(key string, e *entry) {
	o.mu.Lock()
	if o.live[key] != e {
		o.mu.Unlock()
		return
	}
	delete(o.live, key)
	active := len(o.live)
	o.mu.Unlock()

	observability.SetActiveSubscriptions(active)
	o.stop(e)
	o.log.WithFields(logrus.Fields{
		"key":  key,
		"pool": e.pair.PoolAccount,
	}).Info("observation window closed")
}

func (o *Orchestrator) stop(e *entry) {
	if err := e.sub.Unsubscribe(); err != nil {
		o.log.WithError(err).Warn("unsubscribe failed")
	}
	e.cancel()
}

// LastPair returns the pair dedup memory handed to the classifier.
func (o *Orchestrator) LastPair() *discovery.LastPair {
	return &o.lastPair
}

// Active returns the keys of the live swap subscriptions.
func (o *Orchestrator) Active() []string {
	o.mu.Lock()
	keys := make([]string, 0, len(o.live))
	for k := range o.live {
		keys = append(keys, k)
	}
	o.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Run starts the discovery subscription and blocks until ctx is done or
// discovery gives up. On return every subscription is unsubscribed, every
// pending retirement is cancelled and all goroutines have exited.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.mu.Unlock()

	// Detached from ctx: a cancelled ctx would abort every handle before
	// shutdown had a chance to send logsUnsubscribe.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	amm := o.opts.NewSubscription(o.config(DiscoveryKey, stream.RoleDiscovery, o.opts.ProgramID, "", ""))
	done := o.start(runCtx, DiscoveryKey, amm)
	o.log.WithField("program", o.opts.ProgramID).Info("discovery started")

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-done:
		if err != nil {
			runErr = fmt.Errorf("discovery subscription: %w", err)
		}
	}

	o.shutdown(amm)
	cancel()
	o.wg.Wait()
	o.log.Info("orchestrator stopped")
	return runErr
}

func (o *Orchestrator) shutdown(amm Subscription) {
	o.mu.Lock()
	o.closed = true
	entries := make([]*entry, 0, len(o.live))
	for key, e := range o.live {
		entries = append(entries, e)
		delete(o.live, key)
	}
	o.mu.Unlock()
	observability.SetActiveSubscriptions(0)

	for _, e := range entries {
		e.timer.Stop()
		o.stop(e)
	}
	if err := amm.Unsubscribe(); err != nil {
		o.log.WithError(err).Warn("discovery unsubscribe failed")
	}
}
