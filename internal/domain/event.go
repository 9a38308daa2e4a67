package domain

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// EventType tags the payload carried by an Event.
type EventType string

// Event type constants
const (
	EventNewPair EventType = "new_pair"
	EventSwap    EventType = "swap"
	EventBurn    EventType = "burn"
)

// NewPair is published when a pool is initialized on the AMM.
type NewPair struct {
	BaseToken        string `json:"base_token"`         // never the wrapped native mint unless both sides are
	QuoteToken       string `json:"quote_token"`
	BasePoolAccount  string `json:"base_pool_account"`  // pool vault holding the base token
	QuotePoolAccount string `json:"quote_pool_account"` // pool vault holding the quote token
	PoolAccount      string `json:"pool_account"`       // AMM pool state account
	BlockTime        int64  `json:"block_time"`         // Unix seconds
}

// Key returns the subscription key for the pair.
func (p NewPair) Key() string {
	return PairKey(p.BaseToken, p.QuoteToken)
}

// PairKey builds the subscription key "swaps-<base>-<quote>".
func PairKey(base, quote string) string {
	return fmt.Sprintf("swaps-%s-%s", base, quote)
}

// Swap wraps one classified swap transaction.
type Swap struct {
	Transaction Transaction `json:"transaction"`
}

// Burn is published when a token burn instruction is observed.
type Burn struct {
	Token     string          `json:"token"`   // mint
	Account   string          `json:"account"` // burning token account
	Authority string          `json:"authority"`
	Amount    decimal.Decimal `json:"amount"` // raw base units
	BlockTime int64           `json:"block_time"`
}

// Event is a tagged union over NewPair, Swap and Burn.
// Exactly one payload pointer matching Type is set.
type Event struct {
	Type    EventType
	NewPair *NewPair
	Swap    *Swap
	Burn    *Burn
}

// NewPairEvent wraps a NewPair payload.
func NewPairEvent(p NewPair) Event {
	return Event{Type: EventNewPair, NewPair: &p}
}

// SwapEvent wraps a classified transaction.
func SwapEvent(tx Transaction) Event {
	return Event{Type: EventSwap, Swap: &Swap{Transaction: tx}}
}

// BurnEvent wraps a Burn payload.
func BurnEvent(b Burn) Event {
	return Event{Type: EventBurn, Burn: &b}
}

// BlockTime returns the block time of the wrapped payload.
func (e Event) BlockTime() int64 {
	switch {
	case e.NewPair != nil:
		return e.NewPair.BlockTime
	case e.Swap != nil:
		return e.Swap.Transaction.BlockTime
	case e.Burn != nil:
		return e.Burn.BlockTime
	}
	return 0
}

// Validate checks that the payload matches the tag.
func (e Event) Validate() error {
	var ok bool
	switch e.Type {
	case EventNewPair:
		ok = e.NewPair != nil && e.Swap == nil && e.Burn == nil
	case EventSwap:
		ok = e.Swap != nil && e.NewPair == nil && e.Burn == nil
	case EventBurn:
		ok = e.Burn != nil && e.NewPair == nil && e.Swap == nil
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if !ok {
		return fmt.Errorf("event %q: payload does not match type", e.Type)
	}
	return nil
}

// envelope is the wire form {event_type, data}.
type envelope struct {
	EventType EventType       `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

// MarshalJSON encodes the event as {"event_type": ..., "data": {...}}.
func (e Event) MarshalJSON() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	var payload interface{}
	switch e.Type {
	case EventNewPair:
		payload = e.NewPair
	case EventSwap:
		payload = e.Swap
	case EventBurn:
		payload = e.Burn
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	return json.Marshal(envelope{EventType: e.Type, Data: data})
}

// UnmarshalJSON decodes the envelope produced by MarshalJSON.
func (e *Event) UnmarshalJSON(b []byte) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}

	out := Event{Type: env.EventType}
	var target interface{}
	switch env.EventType {
	case EventNewPair:
		out.NewPair = &NewPair{}
		target = out.NewPair
	case EventSwap:
		out.Swap = &Swap{}
		target = out.Swap
	case EventBurn:
		out.Burn = &Burn{}
		target = out.Burn
	default:
		return fmt.Errorf("unknown event type %q", env.EventType)
	}

	if len(env.Data) == 0 {
		return fmt.Errorf("event %q: missing data", env.EventType)
	}
	if err := json.Unmarshal(env.Data, target); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", env.EventType, err)
	}

	*e = out
	return nil
}

// Equal reports structural equality. Decimals compare by value.
func (e Event) Equal(other Event) bool {
	if e.Type != other.Type {
		return false
	}
	switch e.Type {
	case EventNewPair:
		if e.NewPair == nil || other.NewPair == nil {
			return e.NewPair == other.NewPair
		}
		return *e.NewPair == *other.NewPair
	case EventSwap:
		if e.Swap == nil || other.Swap == nil {
			return e.Swap == other.Swap
		}
		return e.Swap.Transaction.Equal(other.Swap.Transaction)
	case EventBurn:
		if e.Burn == nil || other.Burn == nil {
			return e.Burn == other.Burn
		}
		a, b := e.Burn, other.Burn
		return a.Token == b.Token &&
			a.Account == b.Account &&
			a.Authority == b.Authority &&
			a.Amount.Equal(b.Amount) &&
			a.BlockTime == b.BlockTime
	}
	return false
}
