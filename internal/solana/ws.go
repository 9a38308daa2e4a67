package solana

import "errors"

// ErrConnClosed is returned by WSConn operations after Close.
var ErrConnClosed = errors.New("websocket connection closed")

// LogsFilter defines subscription filter for logs.
type LogsFilter struct {
	// Mentions filters logs that mention any of these accounts.
	// Empty means every transaction.
	Mentions []string
}

// params returns the first logsSubscribe parameter for the filter.
func (f LogsFilter) params() interface{} {
	if len(f.Mentions) == 0 {
		return "all"
	}
	return map[string]interface{}{"mentions": f.Mentions}
}

// LogNotification represents a logs subscription message.
type LogNotification struct {
	Subscription int64
	Signature    string
	Slot         int64
	Logs         []string
	Err          interface{}
}

// Failed reports whether the transaction behind the notification errored.
func (n LogNotification) Failed() bool {
	return n.Err != nil
}
