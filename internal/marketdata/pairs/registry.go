// Package pairs is the read-only trading pair registry: which
// (exchange, symbol) pairs exist and which of them are active.
package pairs

import (
	"context"

	"gopherex.com/mdfeed/internal/marketdata/model"
)

type Registry interface {
	// ListActivePairs 返回所有 is_active 的交易对，按 id 升序
	ListActivePairs(ctx context.Context) ([]model.TradingPair, error)
	// GetPair 不存在时返回 xerr.PairNotFound
	GetPair(ctx context.Context, id uint64) (model.TradingPair, error)
}
