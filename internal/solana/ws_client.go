package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// errMalformedFrame marks a text frame that is empty or not JSON. The
// connection itself is still healthy.
var errMalformedFrame = errors.New("malformed frame")

// WSConfig configures a WebSocket connection.
type WSConfig struct {
	// HandshakeTimeout bounds the dial.
	HandshakeTimeout time.Duration
	// SubscribeTimeout bounds the wait for a logsSubscribe ack.
	SubscribeTimeout time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is how long a read may stay silent. Pongs extend it.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// Logger receives skipped-frame diagnostics. Defaults to the standard logger.
	Logger logrus.FieldLogger
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		HandshakeTimeout: 10 * time.Second,
		SubscribeTimeout: 30 * time.Second,
		PingInterval:     20 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// WSConn is a single JSON-RPC WebSocket connection carrying log
// subscriptions. One goroutine may read at a time; writes are serialized.
type WSConn struct {
	endpoint string
	config   WSConfig
	log      logrus.FieldLogger

	conn      *websocket.Conn
	writeMu   sync.Mutex
	closed    atomic.Bool
	requestID atomic.Uint64

	done chan struct{}
	wg   sync.WaitGroup
}

// DialWS opens a WebSocket connection to the endpoint.
func DialWS(ctx context.Context, endpoint string, config *WSConfig) (*WSConn, error) {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	c := &WSConn{
		endpoint: endpoint,
		config:   cfg,
		log:      log,
		conn:     conn,
		done:     make(chan struct{}),
	}

	if cfg.ReadTimeout > 0 {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		})
	}

	if cfg.PingInterval > 0 {
		c.wg.Add(1)
		go c.pingLoop()
	}

	return c, nil
}

// Endpoint returns the URL the connection was dialed with.
func (c *WSConn) Endpoint() string {
	return c.endpoint
}

// LogsSubscribe sends logsSubscribe and waits for the subscription id.
// Frames that arrive before the ack are discarded.
func (c *WSConn) LogsSubscribe(ctx context.Context, filter LogsFilter, commitment Commitment) (int64, error) {
	if c.closed.Load() {
		return 0, ErrConnClosed
	}

	reqID := c.requestID.Add(1)
	req := wsRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  "logsSubscribe",
		Params: []interface{}{
			filter.params(),
			map[string]string{"commitment": string(commitment)},
		},
	}
	if err := c.writeJSON(req); err != nil {
		return 0, fmt.Errorf("write subscribe: %w", err)
	}

	deadline := time.Now().Add(c.config.SubscribeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return 0, fmt.Errorf("set read deadline: %w", err)
	}
	// Cancellation interrupts the blocked read.
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		frame, err := c.readFrame()
		if errors.Is(err, errMalformedFrame) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, fmt.Errorf("read subscribe response: %w", err)
		}
		if frame.ID == nil || *frame.ID != reqID {
			continue
		}
		if frame.Error != nil {
			return 0, frame.Error
		}
		var subID int64
		if err := json.Unmarshal(frame.Result, &subID); err != nil {
			return 0, fmt.Errorf("decode subscription id: %w", err)
		}
		if err := c.resetReadDeadline(); err != nil {
			return 0, err
		}
		return subID, nil
	}
}

// LogsUnsubscribe sends logsUnsubscribe for the subscription. The ack is
// consumed by whoever is reading notifications.
func (c *WSConn) LogsUnsubscribe(subID int64) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	req := wsRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  "logsUnsubscribe",
		Params:  []interface{}{subID},
	}
	if err := c.writeJSON(req); err != nil {
		return fmt.Errorf("write unsubscribe: %w", err)
	}
	return nil
}

// ReadNotification blocks until the next logsNotification arrives.
// Responses to requests and empty or undecodable frames are skipped; error
// frames are returned as *RPCError.
func (c *WSConn) ReadNotification() (LogNotification, error) {
	for {
		frame, err := c.readFrame()
		if errors.Is(err, errMalformedFrame) {
			c.log.WithError(err).Debug("skipping frame")
			continue
		}
		if err != nil {
			if c.closed.Load() {
				return LogNotification{}, ErrConnClosed
			}
			return LogNotification{}, err
		}

		if frame.Error != nil {
			return LogNotification{}, frame.Error
		}
		if frame.Method != "logsNotification" || frame.Params == nil {
			continue
		}

		value := frame.Params.Result.Value
		n := LogNotification{
			Subscription: frame.Params.Subscription,
			Signature:    value.Signature,
			Logs:         value.Logs,
			Err:          value.Err,
		}
		if frame.Params.Result.Context != nil {
			n.Slot = frame.Params.Result.Context.Slot
		}
		return n, nil
	}
}

// Close closes the connection. Safe to call more than once.
func (c *WSConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	err := c.conn.Close()
	c.wg.Wait()
	return err
}

func (c *WSConn) readFrame() (*wsFrame, error) {
	_, message, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(message)) == 0 {
		return nil, fmt.Errorf("%w: empty", errMalformedFrame)
	}
	var frame wsFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}
	return &frame, nil
}

func (c *WSConn) resetReadDeadline() error {
	var deadline time.Time
	if c.config.ReadTimeout > 0 {
		deadline = time.Now().Add(c.config.ReadTimeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}
	return nil
}

func (c *WSConn) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

// pingLoop sends periodic ping frames to keep connection alive.
func (c *WSConn) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			// A dead connection surfaces on the reader side.
			_ = c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
		}
	}
}

// WebSocket message types

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// wsFrame covers responses ({id, result|error}) and notifications
// ({method, params}).
type wsFrame struct {
	JSONRPC string                `json:"jsonrpc"`
	ID      *uint64               `json:"id"`
	Result  json.RawMessage       `json:"result"`
	Error   *RPCError             `json:"error"`
	Method  string                `json:"method"`
	Params  *wsNotificationParams `json:"params"`
}

type wsNotificationParams struct {
	Subscription int64                `json:"subscription"`
	Result       wsNotificationResult `json:"result"`
}

type wsNotificationResult struct {
	Context *wsContext  `json:"context"`
	Value   wsLogsValue `json:"value"`
}

type wsContext struct {
	Slot int64 `json:"slot"`
}

type wsLogsValue struct {
	Signature string      `json:"signature"`
	Logs      []string    `json:"logs"`
	Err       interface{} `json:"err"`
}
