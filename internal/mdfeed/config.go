// Package mdfeed holds the service configuration of the market data feed.
package mdfeed

import (
	"time"

	"gopherex.com/mdfeed/internal/broadcast"
	"gopherex.com/mdfeed/internal/marketdata/candles"
	"gopherex.com/mdfeed/internal/marketdata/pairs"
	"gopherex.com/mdfeed/internal/queue"
	"gopherex.com/mdfeed/pkg/orm"
	"gopherex.com/mdfeed/pkg/ratelimit"
	"gopherex.com/mdfeed/pkg/xredis"
)

type Cfg struct {
	Name        string `mapstructure:"name"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	PprofAddr   string `mapstructure:"pprof_addr"`

	Log    Log                  `mapstructure:"log"`
	OTel   OTel                 `mapstructure:"otel"`
	Db     orm.Config           `mapstructure:"db"`
	Redis  xredis.Config        `mapstructure:"redis"`
	Nats   Nats                 `mapstructure:"nats"`
	Influx candles.InfluxConfig `mapstructure:"influx"`

	Queue     Queue                  `mapstructure:"queue"`
	Broadcast Broadcast              `mapstructure:"broadcast"`
	Backfill  Backfill               `mapstructure:"backfill"`
	Exchanges map[string]ExchangeCfg `mapstructure:"exchanges"`
	RateLimit RateLimit              `mapstructure:"rate_limit"`
	Breaker   ratelimit.Rule         `mapstructure:"breaker"`
	// Pairs db.dsn 为空时用的静态交易对列表
	Pairs     []pairs.PairConfig     `mapstructure:"pairs"`
}

type Log struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type OTel struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type Nats struct {
	// URL 为空时用进程内 broker
	URL  string `mapstructure:"url"`
	Name string `mapstructure:"name"`
}

type Queue struct {
	// Backend memory / redis
	Backend      string             `mapstructure:"backend"`
	Prefix       string             `mapstructure:"prefix"`
	PollInterval time.Duration      `mapstructure:"poll_interval"`
	LockTTL      time.Duration      `mapstructure:"lock_ttl"`
	Lanes        []queue.LaneConfig `mapstructure:"lanes"`
}

type Broadcast struct {
	broadcast.Options `mapstructure:",squash"`

	ShortDelay time.Duration `mapstructure:"short_delay"`
	LongDelay  time.Duration `mapstructure:"long_delay"`
	// Targets 启动时 Kickoff 的目标，空表示只跑 all
	Targets    []Target      `mapstructure:"targets"`
}

type Target struct {
	Exchange string `mapstructure:"exchange"`
	Symbol   string `mapstructure:"symbol"`
}

type Backfill struct {
	Pause time.Duration `mapstructure:"pause"`
}

type ExchangeCfg struct {
	// Kind 适配器实现，目前只有 binance
	Kind    string        `mapstructure:"kind"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type RateLimit struct {
	Default   ratelimit.Limit            `mapstructure:"default"`
	Exchanges map[string]ratelimit.Limit `mapstructure:"exchanges"`
}

// Defaults viper 默认值，配置文件缺省时生效
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"name":                     "mdfeed",
		"metrics_addr":             "0.0.0.0:9095",
		"log.level":                "info",
		"queue.backend":            "memory",
		"queue.prefix":             "mdfeed",
		"queue.poll_interval":      "200ms",
		"queue.lock_ttl":           "30s",
		"broadcast.short_delay":    broadcast.DefaultShortDelay.String(),
		"broadcast.long_delay":     broadcast.DefaultLongDelay.String(),
		"broadcast.depth":          broadcast.DefaultDepth,
		"broadcast.kline_limit":    broadcast.DefaultKlineLimit,
		"backfill.pause":           "300ms",
		"rate_limit.default.rps":   10,
		"rate_limit.default.burst": 5,
	}
}
