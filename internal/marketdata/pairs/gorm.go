package pairs

import (
	"context"
	"errors"

	"gopherex.com/mdfeed/internal/marketdata/model"
	"gopherex.com/mdfeed/pkg/xerr"
	"gorm.io/gorm"
)

type ExchangeRow struct {
	ID   uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	Code string `gorm:"column:code;type:varchar(32);uniqueIndex;not null"` // binance / kraken
	Name string `gorm:"column:name;type:varchar(64)"`
}

func (ExchangeRow) TableName() string { return "exchanges" }

type TradingPairRow struct {
	ID         uint64      `gorm:"column:id;primaryKey;autoIncrement"`
	ExchangeID uint64      `gorm:"column:exchange_id;not null;index:idx_exchange_symbol,unique"`
	Symbol     string      `gorm:"column:symbol;type:varchar(32);not null;index:idx_exchange_symbol,unique"`
	IsActive   bool        `gorm:"column:is_active;not null;default:true;index"`
	Exchange   ExchangeRow `gorm:"foreignKey:ExchangeID"`
}

func (TradingPairRow) TableName() string { return "trading_pairs" }

func (r TradingPairRow) toModel() model.TradingPair {
	return model.TradingPair{
		ID:         r.ID,
		ExchangeID: r.Exchange.Code,
		Symbol:     r.Symbol,
		IsActive:   r.IsActive,
	}
}

type gormRegistry struct {
	db *gorm.DB
}

func NewGormRegistry(db *gorm.DB) Registry {
	return &gormRegistry{db: db}
}

func (r *gormRegistry) ListActivePairs(ctx context.Context) ([]model.TradingPair, error) {
	var rows []TradingPairRow
	err := r.db.WithContext(ctx).
		Joins("Exchange").
		Where("trading_pairs.is_active = ?", true).
		Order("trading_pairs.id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]model.TradingPair, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

func (r *gormRegistry) GetPair(ctx context.Context, id uint64) (model.TradingPair, error) {
	var row TradingPairRow
	err := r.db.WithContext(ctx).
		Joins("Exchange").
		Where("trading_pairs.id = ?", id).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.TradingPair{}, xerr.New(xerr.PairNotFound, "trading pair not found")
	}
	if err != nil {
		return model.TradingPair{}, err
	}
	return row.toModel(), nil
}
