package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raydium-pair-stream/internal/domain"
)

func testEvents() []domain.Event {
	return []domain.Event{
		domain.NewPairEvent(domain.NewPair{
			BaseToken:        "base",
			QuoteToken:       "quote",
			BasePoolAccount:  "baseVault",
			QuotePoolAccount: "quoteVault",
			PoolAccount:      "pool",
			BlockTime:        1716406425,
		}),
		domain.SwapEvent(domain.Transaction{
			Signature:    "sig",
			TokenAddress: "base",
			Type:         domain.TransactionBuy,
			Maker:        "maker",
			Amount:       decimal.RequireFromString("1.25"),
			Fee:          decimal.RequireFromString("0.000005"),
			BlockTime:    1716406500,
		}),
		domain.BurnEvent(domain.Burn{
			Token:     "base",
			Account:   "lp",
			Authority: "owner",
			Amount:    decimal.RequireFromString("1000000"),
			BlockTime: 1716406600,
		}),
	}
}

func TestTopics_For(t *testing.T) {
	events := testEvents()
	topics := DefaultTopics()

	assert.Equal(t, "pairs", topics.For(events[0]))
	assert.Equal(t, "swaps", topics.For(events[1]))
	assert.Equal(t, "burns", topics.For(events[2]))

	topics.PerTokenSwaps = true
	assert.Equal(t, "swaps:base", topics.For(events[1]))
	assert.Equal(t, "pairs", topics.For(events[0]), "per-token routing only applies to swaps")

	assert.Empty(t, topics.For(domain.Event{Type: "other"}))
}

func TestCodec_RoundTrip(t *testing.T) {
	for _, codec := range []Codec{CodecJSON, CodecMsgpack} {
		for _, ev := range testEvents() {
			t.Run(string(codec)+"/"+string(ev.Type), func(t *testing.T) {
				data, err := codec.Encode(ev)
				require.NoError(t, err)

				got, err := codec.Decode(data)
				require.NoError(t, err)
				assert.True(t, ev.Equal(got), "decoded %+v", got)
			})
		}
	}
}

func TestCodec_Unsupported(t *testing.T) {
	codec := Codec("xml")
	assert.False(t, codec.Valid())

	_, err := codec.Encode(testEvents()[0])
	assert.Error(t, err)
	_, err = codec.Decode([]byte("{}"))
	assert.Error(t, err)
}

func TestMemory_PublishSubscribe(t *testing.T) {
	bus := NewMemory()
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	ctx := context.Background()
	for _, ev := range testEvents() {
		require.NoError(t, bus.Publish(ctx, DefaultTopics().For(ev), ev))
	}

	for _, want := range []string{"pairs", "swaps", "burns"} {
		select {
		case msg := <-ch:
			assert.Equal(t, want, msg.Topic)
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}
	assert.Len(t, bus.Messages(), 3)
}

func TestMemory_RejectsInvalidEvent(t *testing.T) {
	bus := NewMemory()
	err := bus.Publish(context.Background(), "swaps", domain.Event{Type: domain.EventSwap})
	assert.Error(t, err)
	assert.Empty(t, bus.Messages())
}

func TestMemory_Close(t *testing.T) {
	bus := NewMemory()
	ch, unsubscribe := bus.Subscribe()

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	_, open := <-ch
	assert.False(t, open, "subscriber channel should be closed")
	unsubscribe() // safe after Close

	assert.ErrorIs(t, bus.Publish(context.Background(), "pairs", testEvents()[0]), ErrClosed)
	assert.ErrorIs(t, bus.Ping(context.Background()), ErrClosed)
}

func TestMemory_MaxHistory(t *testing.T) {
	bus := NewMemory()
	bus.MaxHistory = 2

	events := testEvents()
	for _, ev := range events {
		require.NoError(t, bus.Publish(context.Background(), DefaultTopics().For(ev), ev))
	}

	msgs := bus.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "swaps", msgs[0].Topic)
	assert.Equal(t, "burns", msgs[1].Topic)
}
