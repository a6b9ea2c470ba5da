package pairs

import (
	"context"
	"sort"
	"sync"

	"gopherex.com/mdfeed/internal/marketdata/model"
	"gopherex.com/mdfeed/pkg/xerr"
)

// PairConfig 配置文件里的一行
type PairConfig struct {
	ID       uint64 `mapstructure:"id"`
	Exchange string `mapstructure:"exchange"`
	Symbol   string `mapstructure:"symbol"`
	Active   bool   `mapstructure:"active"`
}

// StaticRegistry 没有 MySQL 时从配置里读交易对，支持热更新 Replace
type StaticRegistry struct {
	mu    sync.RWMutex
	pairs []model.TradingPair
}

func NewStaticRegistry(cfg []PairConfig) *StaticRegistry {
	r := &StaticRegistry{}
	r.Replace(cfg)
	return r
}

func (r *StaticRegistry) Replace(cfg []PairConfig) {
	list := make([]model.TradingPair, 0, len(cfg))
	for _, c := range cfg {
		list = append(list, model.TradingPair{ID: c.ID, ExchangeID: c.Exchange, Symbol: c.Symbol, IsActive: c.Active})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	r.mu.Lock()
	r.pairs = list
	r.mu.Unlock()
}

func (r *StaticRegistry) ListActivePairs(ctx context.Context) ([]model.TradingPair, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.TradingPair, 0, len(r.pairs))
	for _, p := range r.pairs {
		if p.IsActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *StaticRegistry) GetPair(ctx context.Context, id uint64) (model.TradingPair, error) {
	if err := ctx.Err(); err != nil {
		return model.TradingPair{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.pairs {
		if p.ID == id {
			return p, nil
		}
	}
	return model.TradingPair{}, xerr.New(xerr.PairNotFound, "trading pair not found")
}

var _ Registry = (*StaticRegistry)(nil)
