package candles

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gopherex.com/mdfeed/internal/marketdata/exchange"
	"gopherex.com/mdfeed/internal/marketdata/model"
	"gopherex.com/mdfeed/internal/marketdata/pairs"
	"gopherex.com/mdfeed/pkg/logger"
	"gopherex.com/mdfeed/pkg/metrics"
)

type Service struct {
	pairs    pairs.Registry
	adapters *exchange.Registry
	store    Store
	log      *zap.Logger
}

func NewService(p pairs.Registry, adapters *exchange.Registry, store Store, l *zap.Logger) *Service {
	if l == nil {
		l = zap.NewNop()
	}
	return &Service{pairs: p, adapters: adapters, store: store, log: l}
}

// FetchAndSaveHistoricalData 拉 pairID 在 tf 上的历史 K 线并落库，返回写入根数。
// since 为 nil 时取最近 limit 根。
func (s *Service) FetchAndSaveHistoricalData(ctx context.Context, pairID uint64, tf model.Timeframe, since *time.Time, limit int) (int, error) {
	pair, err := s.pairs.GetPair(ctx, pairID)
	if err != nil {
		return 0, fmt.Errorf("get pair %d: %w", pairID, err)
	}
	a, err := s.adapters.Get(pair.ExchangeID)
	if err != nil {
		return 0, fmt.Errorf("pair %d: %w", pairID, err)
	}

	candles, err := a.OHLCV(ctx, pair.Symbol, tf, since, limit)
	if err != nil {
		return 0, fmt.Errorf("ohlcv %s %s %s: %w", pair.ExchangeID, pair.Symbol, tf, err)
	}

	series := Series{ExchangeID: pair.ExchangeID, Symbol: pair.Symbol, Timeframe: tf, Candles: candles}
	if err := s.store.Save(ctx, series); err != nil {
		return 0, fmt.Errorf("save %d candles %s %s: %w", len(candles), pair.ExchangeID, pair.Symbol, err)
	}

	metrics.CandlesSaved.WithLabelValues(pair.ExchangeID, tf.String()).Add(float64(len(candles)))
	fields := []zap.Field{
		zap.Uint64("pair_id", pairID),
		zap.String("exchange", pair.ExchangeID),
		zap.String("symbol", pair.Symbol),
		zap.String("timeframe", tf.String()),
		zap.Int("count", len(candles)),
	}
	if len(candles) > 0 {
		// to 是最后一根的收盘时间
		fields = append(fields,
			zap.Time("from", candles[0].OpenTime),
			zap.Time("to", candles[len(candles)-1].OpenTime.Add(tf.Duration())))
	}
	logger.Ctx(ctx, s.log).Info("historical candles saved", fields...)
	return len(candles), nil
}
