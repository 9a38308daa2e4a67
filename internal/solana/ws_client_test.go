package solana

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newWSServer starts a fake RPC node that runs handle on each connection.
func newWSServer(t *testing.T, handle func(c *websocket.Conn)) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer c.Close()
		handle(c)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// drain keeps reading until the peer goes away.
func drain(c *websocket.Conn) {
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

func readRequest(t *testing.T, c *websocket.Conn) (wsRequest, bool) {
	t.Helper()
	_, msg, err := c.ReadMessage()
	if err != nil {
		return wsRequest{}, false
	}
	var req wsRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		t.Errorf("unmarshal request: %v", err)
		return wsRequest{}, false
	}
	return req, true
}

func notification(sub int64, sig string, slot int64, logs ...string) map[string]interface{} {
	return map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "logsNotification",
		"params": map[string]interface{}{
			"subscription": sub,
			"result": map[string]interface{}{
				"context": map[string]interface{}{"slot": slot},
				"value": map[string]interface{}{
					"signature": sig,
					"logs":      logs,
					"err":       nil,
				},
			},
		},
	}
}

func TestWSConn_SubscribeAndRead(t *testing.T) {
	url := newWSServer(t, func(c *websocket.Conn) {
		req, ok := readRequest(t, c)
		if !ok {
			return
		}
		if req.Method != "logsSubscribe" {
			t.Errorf("expected logsSubscribe, got %s", req.Method)
		}
		if len(req.Params) != 2 {
			t.Errorf("expected 2 params, got %d", len(req.Params))
			return
		}
		filter, _ := req.Params[0].(map[string]interface{})
		mentions, _ := filter["mentions"].([]interface{})
		if len(mentions) != 1 || mentions[0] != "testprogram" {
			t.Errorf("unexpected filter %v", req.Params[0])
		}
		opts, _ := req.Params[1].(map[string]interface{})
		if opts["commitment"] != "confirmed" {
			t.Errorf("unexpected commitment %v", req.Params[1])
		}

		// Unrelated frame before the ack is skipped.
		c.WriteJSON(notification(1, "stale", 1))
		c.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": 12345})
		c.WriteJSON(notification(12345, "testsig", 100, "Program log: Test"))
		drain(c)
	})

	ctx := context.Background()
	conn, err := DialWS(ctx, url, nil)
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	defer conn.Close()

	subID, err := conn.LogsSubscribe(ctx, LogsFilter{Mentions: []string{"testprogram"}}, CommitmentConfirmed)
	if err != nil {
		t.Fatalf("LogsSubscribe: %v", err)
	}
	if subID != 12345 {
		t.Errorf("expected subscription 12345, got %d", subID)
	}

	notif, err := conn.ReadNotification()
	if err != nil {
		t.Fatalf("ReadNotification: %v", err)
	}
	if notif.Signature != "testsig" {
		t.Errorf("expected testsig, got %s", notif.Signature)
	}
	if notif.Subscription != 12345 {
		t.Errorf("expected subscription 12345, got %d", notif.Subscription)
	}
	if len(notif.Logs) != 1 {
		t.Errorf("expected 1 log, got %d", len(notif.Logs))
	}
	if notif.Slot != 100 {
		t.Errorf("expected slot 100, got %d", notif.Slot)
	}
	if notif.Failed() {
		t.Error("notification should not be failed")
	}
}

func TestWSConn_SubscribeAllFilter(t *testing.T) {
	url := newWSServer(t, func(c *websocket.Conn) {
		req, ok := readRequest(t, c)
		if !ok {
			return
		}
		if req.Params[0] != "all" {
			t.Errorf("expected \"all\" filter, got %v", req.Params[0])
		}
		c.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": 7})
		drain(c)
	})

	conn, err := DialWS(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	defer conn.Close()

	if _, err := conn.LogsSubscribe(context.Background(), LogsFilter{}, CommitmentProcessed); err != nil {
		t.Fatalf("LogsSubscribe: %v", err)
	}
}

func TestWSConn_SubscribeRPCError(t *testing.T) {
	url := newWSServer(t, func(c *websocket.Conn) {
		req, ok := readRequest(t, c)
		if !ok {
			return
		}
		c.WriteJSON(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error":   map[string]interface{}{"code": -32602, "message": "Invalid params"},
		})
		drain(c)
	})

	conn, err := DialWS(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	defer conn.Close()

	_, err = conn.LogsSubscribe(context.Background(), LogsFilter{}, CommitmentConfirmed)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *RPCError, got %v", err)
	}
	if rpcErr.Code != -32602 {
		t.Errorf("expected code -32602, got %d", rpcErr.Code)
	}
}

func TestWSConn_SubscribeContextCancel(t *testing.T) {
	url := newWSServer(t, func(c *websocket.Conn) {
		// Never acknowledge.
		drain(c)
	})

	conn, err := DialWS(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = conn.LogsSubscribe(ctx, LogsFilter{}, CommitmentConfirmed)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestWSConn_UnsubscribeAndErrorFrame(t *testing.T) {
	unsub := make(chan wsRequest, 1)
	url := newWSServer(t, func(c *websocket.Conn) {
		req, ok := readRequest(t, c)
		if !ok {
			return
		}
		c.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": 9})

		req, ok = readRequest(t, c)
		if !ok {
			return
		}
		unsub <- req
		c.WriteJSON(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error":   map[string]interface{}{"code": -32602, "message": "Invalid subscription id."},
		})
		drain(c)
	})

	conn, err := DialWS(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	defer conn.Close()

	subID, err := conn.LogsSubscribe(context.Background(), LogsFilter{}, CommitmentConfirmed)
	if err != nil {
		t.Fatalf("LogsSubscribe: %v", err)
	}
	if err := conn.LogsUnsubscribe(subID); err != nil {
		t.Fatalf("LogsUnsubscribe: %v", err)
	}

	select {
	case req := <-unsub:
		if req.Method != "logsUnsubscribe" {
			t.Errorf("expected logsUnsubscribe, got %s", req.Method)
		}
		if len(req.Params) != 1 || req.Params[0] != float64(9) {
			t.Errorf("unexpected params %v", req.Params)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}

	_, err = conn.ReadNotification()
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *RPCError, got %v", err)
	}
	if !rpcErr.IsUnknownSubscription() {
		t.Errorf("expected unknown subscription error, got %v", rpcErr)
	}
}

func TestWSConn_Close(t *testing.T) {
	url := newWSServer(t, drain)

	conn, err := DialWS(context.Background(), url, &WSConfig{
		HandshakeTimeout: time.Second,
		SubscribeTimeout: time.Second,
		PingInterval:     10 * time.Millisecond,
		ReadTimeout:      time.Second,
		WriteTimeout:     time.Second,
	})
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}

	// Let the ping loop run at least once.
	time.Sleep(30 * time.Millisecond)

	if err := conn.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if !conn.closed.Load() {
		t.Error("connection should be closed")
	}

	// Double close should be safe
	if err := conn.Close(); err != nil {
		t.Errorf("double Close: %v", err)
	}

	if _, err := conn.LogsSubscribe(context.Background(), LogsFilter{}, CommitmentConfirmed); !errors.Is(err, ErrConnClosed) {
		t.Errorf("expected ErrConnClosed from subscribe, got %v", err)
	}
	if err := conn.LogsUnsubscribe(1); !errors.Is(err, ErrConnClosed) {
		t.Errorf("expected ErrConnClosed from unsubscribe, got %v", err)
	}
	if _, err := conn.ReadNotification(); !errors.Is(err, ErrConnClosed) {
		t.Errorf("expected ErrConnClosed from read, got %v", err)
	}
}

func TestDialWS_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := DialWS(context.Background(), "ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err == nil {
		t.Fatal("expected dial error")
	}
}

func TestWSConn_SkipsMalformedFrames(t *testing.T) {
	url := newWSServer(t, func(c *websocket.Conn) {
		req, ok := readRequest(t, c)
		if !ok {
			return
		}
		c.WriteMessage(websocket.TextMessage, []byte(""))
		c.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": 9})

		c.WriteMessage(websocket.TextMessage, []byte(""))
		c.WriteMessage(websocket.TextMessage, []byte("  \n"))
		c.WriteMessage(websocket.TextMessage, []byte("not json"))
		c.WriteMessage(websocket.TextMessage, []byte("null"))
		c.WriteJSON(notification(9, "after-garbage", 5))
		drain(c)
	})

	ctx := context.Background()
	conn, err := DialWS(ctx, url, nil)
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	defer conn.Close()

	if _, err := conn.LogsSubscribe(ctx, LogsFilter{Mentions: []string{"p"}}, CommitmentConfirmed); err != nil {
		t.Fatalf("LogsSubscribe: %v", err)
	}

	notif, err := conn.ReadNotification()
	if err != nil {
		t.Fatalf("ReadNotification: %v", err)
	}
	if notif.Signature != "after-garbage" {
		t.Errorf("expected after-garbage, got %s", notif.Signature)
	}
}
