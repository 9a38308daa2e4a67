// Package stream owns WebSocket log subscriptions and their reconnect policy.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"raydium-pair-stream/internal/observability"
	"raydium-pair-stream/internal/solana"
)

// Default configuration values.
const (
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = 3 * time.Second
	DefaultConnectRetryDelay = 1 * time.Second
)

var (
	// ErrReconnectExhausted is returned by Listen when every reconnect
	// attempt failed. The handle is finished after this.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrNotConnected is returned when an operation needs a live connection.
	ErrNotConnected = errors.New("subscription not connected")

	errStopped = errors.New("subscription stopped")
)

// Role selects how notifications of a subscription are classified.
type Role string

// Subscription roles
const (
	RoleDiscovery Role = "discovery" // AMM program: new pairs and burns
	RoleSwaps     Role = "swaps"     // one pool: swaps of one token
)

// Config configures a Handle.
type Config struct {
	Key        string // identifies the subscription in logs
	Role       Role
	Endpoint   string // WebSocket URL
	Filter     solana.LogsFilter
	Commitment solana.Commitment

	// RPC is the primary client. SecondaryRPC, when set, is handed to
	// consumers instead so fetches do not compete with the log stream.
	RPC          solana.RPCClient
	SecondaryRPC solana.RPCClient

	// Target is the base mint tracked by a swaps subscription and
	// NativeVault the wrapped-native vault of its pool.
	Target      string
	NativeVault string

	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ConnectRetryDelay time.Duration
	RateWindow        time.Duration

	WS     *solana.WSConfig
	Logger logrus.FieldLogger
}

// Notification is one log notification plus the context needed to
// classify it.
type Notification struct {
	Key         string
	Role        Role
	Target      string
	NativeVault string
	solana.LogNotification
	RPC solana.RPCClient
}

// Handle owns one WebSocket connection and at most one subscription on it.
type Handle struct {
	cfg  Config
	ws   solana.WSConfig
	log  logrus.FieldLogger
	rate *RateCounter

	mu         sync.Mutex
	conn       *solana.WSConn
	subID      int64
	subscribed bool

	running atomic.Bool
}

// New creates a handle. It does not connect.
func New(cfg Config) *Handle {
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = DefaultReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.ConnectRetryDelay <= 0 {
		cfg.ConnectRetryDelay = DefaultConnectRetryDelay
	}
	if cfg.Commitment == "" {
		cfg.Commitment = solana.CommitmentConfirmed
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithFields(logrus.Fields{
		"component": "stream",
		"key":       cfg.Key,
	})

	ws := solana.DefaultWSConfig()
	if cfg.WS != nil {
		ws = *cfg.WS
	}
	if ws.Logger == nil {
		ws.Logger = log
	}

	h := &Handle{
		cfg:  cfg,
		ws:   ws,
		log:  log,
		rate: NewRateCounter(cfg.RateWindow, log),
	}
	h.running.Store(true)
	return h
}

// Key returns the subscription key.
func (h *Handle) Key() string {
	return h.cfg.Key
}

// Running reports whether the handle has not been stopped.
func (h *Handle) Running() bool {
	return h.running.Load()
}

// SubscriptionID returns the id assigned by the node and whether it is valid.
func (h *Handle) SubscriptionID() (int64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subID, h.subscribed
}

// Run connects, subscribes and listens until the handle is stopped, ctx is
// done, or reconnecting fails for good.
func (h *Handle) Run(ctx context.Context, out chan<- Notification) error {
	if err := h.Connect(ctx); err != nil {
		if h.cancelled(ctx) {
			return nil
		}
		return err
	}
	if _, err := h.Subscribe(ctx); err != nil {
		if h.cancelled(ctx) {
			return nil
		}
		h.log.WithError(err).Error("subscribe failed")
		if err := h.reconnect(ctx); err != nil {
			return err
		}
		if h.cancelled(ctx) {
			return nil
		}
	}
	return h.Listen(ctx, out)
}

// Connect opens the WebSocket, retrying with a fixed delay until it
// succeeds, ctx is done or the handle is stopped.
func (h *Handle) Connect(ctx context.Context) error {
	h.log.WithField("endpoint", h.cfg.Endpoint).Info("connecting")
	for {
		err := h.dial(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, errStopped) {
			return err
		}
		h.log.WithError(err).Error("connect failed")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.cfg.ConnectRetryDelay):
		}
		if !h.running.Load() {
			return errStopped
		}
	}
}

// dial makes one connection attempt and installs the connection.
func (h *Handle) dial(ctx context.Context) error {
	if !h.running.Load() {
		return errStopped
	}
	conn, err := solana.DialWS(ctx, h.cfg.Endpoint, &h.ws)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running.Load() {
		conn.Close()
		return errStopped
	}
	if h.conn != nil {
		h.conn.Close()
	}
	h.conn = conn
	h.subscribed = false
	return nil
}

// Subscribe sends logsSubscribe on the current connection and records the
// assigned id.
func (h *Handle) Subscribe(ctx context.Context) (int64, error) {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return 0, ErrNotConnected
	}

	h.rate.Inc()
	id, err := conn.LogsSubscribe(ctx, h.cfg.Filter, h.cfg.Commitment)
	if err != nil {
		return 0, fmt.Errorf("logs subscribe: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn != conn || !h.running.Load() {
		return 0, errStopped
	}
	h.subID = id
	h.subscribed = true

	fields := logrus.Fields{"subscription": id}
	if len(h.cfg.Filter.Mentions) > 0 {
		fields["mentions"] = h.cfg.Filter.Mentions
	}
	h.log.WithFields(fields).Info("subscribed")
	return id, nil
}

// Unsubscribe sends logsUnsubscribe, stops the handle and closes the
// connection. Calling it again, or before connecting, does nothing.
func (h *Handle) Unsubscribe() error {
	if !h.running.Swap(false) {
		return nil
	}

	h.mu.Lock()
	conn, id, subscribed := h.conn, h.subID, h.subscribed
	h.conn = nil
	h.subscribed = false
	h.mu.Unlock()

	if conn == nil {
		return nil
	}

	var err error
	if subscribed {
		if err = conn.LogsUnsubscribe(id); err != nil {
			err = fmt.Errorf("logs unsubscribe %d: %w", id, err)
		}
	}
	conn.Close()
	h.log.WithField("subscription", id).Info("unsubscribed")
	return err
}

// abort stops the handle without telling the node.
func (h *Handle) abort() {
	h.running.Store(false)
	h.mu.Lock()
	conn := h.conn
	h.conn = nil
	h.subscribed = false
	h.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Listen delivers notifications on out in the order the node sent them.
// Transport errors trigger the reconnect procedure; a stopped handle or a
// done ctx ends Listen with nil.
func (h *Handle) Listen(ctx context.Context, out chan<- Notification) error {
	h.mu.Lock()
	connected := h.conn != nil
	h.mu.Unlock()
	if !connected {
		if h.cancelled(ctx) {
			return nil
		}
		return ErrNotConnected
	}

	stop := context.AfterFunc(ctx, h.abort)
	defer stop()

	for {
		err := h.consume(ctx, out)
		if h.cancelled(ctx) {
			return nil
		}
		h.log.WithError(err).Error("listen failed")

		if err := h.reconnect(ctx); err != nil {
			return err
		}
		if h.cancelled(ctx) {
			return nil
		}
	}
}

func (h *Handle) consume(ctx context.Context, out chan<- Notification) error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	rpc := h.cfg.RPC
	if h.cfg.SecondaryRPC != nil {
		rpc = h.cfg.SecondaryRPC
	}

	for {
		n, err := conn.ReadNotification()
		if err != nil {
			var rpcErr *solana.RPCError
			if errors.As(err, &rpcErr) {
				h.log.WithFields(logrus.Fields{
					"code":    rpcErr.Code,
					"unknown": rpcErr.IsUnknownSubscription(),
				}).Warn("remote error: " + rpcErr.Message)
				continue
			}
			return err
		}
		if n.Signature == "" && len(n.Logs) == 0 {
			continue
		}

		observability.RecordNotification(string(h.cfg.Role))
		h.rate.Inc()

		select {
		case out <- Notification{
			Key:             h.cfg.Key,
			Role:            h.cfg.Role,
			Target:          h.cfg.Target,
			NativeVault:     h.cfg.NativeVault,
			LogNotification: n,
			RPC:             rpc,
		}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// reconnect runs up to ReconnectAttempts dial+subscribe attempts with a
// fixed delay. It returns nil once subscribed again or when the handle was
// stopped meanwhile.
func (h *Handle) reconnect(ctx context.Context) error {
	for attempt := 1; attempt <= h.cfg.ReconnectAttempts; attempt++ {
		observability.RecordReconnect(string(h.cfg.Role))
		log := h.log.WithFields(logrus.Fields{
			"attempt": attempt,
			"max":     h.cfg.ReconnectAttempts,
		})
		log.Info("reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(h.cfg.ReconnectDelay):
		}
		if h.cancelled(ctx) {
			return nil
		}

		if err := h.dial(ctx); err != nil {
			if h.cancelled(ctx) {
				return nil
			}
			log.WithError(err).Warn("reconnect dial failed")
			continue
		}
		if _, err := h.Subscribe(ctx); err != nil {
			if h.cancelled(ctx) {
				return nil
			}
			log.WithError(err).Warn("resubscribe failed")
			continue
		}
		return nil
	}

	observability.RecordTerminalFailure(string(h.cfg.Role))
	h.log.WithField("attempts", h.cfg.ReconnectAttempts).Error("giving up on subscription")
	h.abort()
	return ErrReconnectExhausted
}

func (h *Handle) cancelled(ctx context.Context) bool {
	return ctx.Err() != nil || !h.running.Load()
}
