package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopherex.com/mdfeed/internal/broker"
	"gopherex.com/mdfeed/internal/marketdata/model"
)

func TestTopic(t *testing.T) {
	assert.Equal(t, "md:price:binance:BTC-USDT", PriceUpdated("binance", "BTC/USDT", model.Ticker{}).Topic())
	assert.Equal(t, "md:orderbook:kraken:XBT-USD", OrderBookUpdated("Kraken", "XBT/USD", model.OrderBook{}).Topic())
	assert.Equal(t, "md:kline:binance:ETH-USDT", KlineUpdated("binance", "ETH/USDT", model.TF1h, nil).Topic())
}

func TestBrokerPublisher_EncodesPayload(t *testing.T) {
	b := broker.NewMemBroker(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, []string{"md:price:binance:BTC-USDT"})
	require.NoError(t, err)

	p := NewBrokerPublisher(b)
	tk := model.Ticker{Symbol: "BTC/USDT", Last: decimal.RequireFromString("64000.10"), Timestamp: time.Unix(1700000000, 0).UTC()}
	require.NoError(t, p.Publish(ctx, PriceUpdated("binance", "BTC/USDT", tk)))

	msg := <-ch
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Payload, &got))
	assert.Equal(t, "price", got["kind"])
	assert.Equal(t, "binance", got["exchange_id"])
	ticker := got["ticker"].(map[string]interface{})
	// decimal 按字符串输出，不丢精度
	assert.Equal(t, "64000.1", ticker["last"])
	_, hasBook := got["orderbook"]
	assert.False(t, hasBook)
}

func TestBrokerPublisher_BrokerError(t *testing.T) {
	b := broker.NewMemBroker(4)
	require.NoError(t, b.Close())

	err := NewBrokerPublisher(b).Publish(context.Background(), OrderBookUpdated("binance", "BTC/USDT", model.OrderBook{}))
	assert.ErrorIs(t, err, broker.ErrClosed)
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	ctx := context.Background()
	require.NoError(t, r.Publish(ctx, PriceUpdated("binance", "BTC/USDT", model.Ticker{})))
	require.NoError(t, r.Publish(ctx, PriceUpdated("binance", "ETH/USDT", model.Ticker{})))
	require.NoError(t, r.Publish(ctx, OrderBookUpdated("binance", "ETH/USDT", model.OrderBook{})))

	assert.Equal(t, 2, r.Count(KindPrice))
	assert.Equal(t, 1, r.Count(KindOrderBook))
	assert.Len(t, r.Events(), 3)

	r.Err = errors.New("bus down")
	assert.Error(t, r.Publish(ctx, PriceUpdated("binance", "BTC/USDT", model.Ticker{})))
	assert.Len(t, r.Events(), 3)

	r.Reset()
	assert.Empty(t, r.Events())
}
