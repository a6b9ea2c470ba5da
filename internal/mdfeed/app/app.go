package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gopherex.com/mdfeed/internal/backfill"
	"gopherex.com/mdfeed/internal/broadcast"
	"gopherex.com/mdfeed/internal/broker"
	"gopherex.com/mdfeed/internal/marketdata/candles"
	"gopherex.com/mdfeed/internal/marketdata/events"
	"gopherex.com/mdfeed/internal/marketdata/exchange"
	"gopherex.com/mdfeed/internal/marketdata/exchange/binance"
	"gopherex.com/mdfeed/internal/marketdata/model"
	"gopherex.com/mdfeed/internal/marketdata/pairs"
	"gopherex.com/mdfeed/internal/mdfeed"
	"gopherex.com/mdfeed/internal/queue"
	"gopherex.com/mdfeed/pkg/bootstrap"
	"gopherex.com/mdfeed/pkg/orm"
	"gopherex.com/mdfeed/pkg/ratelimit"
	"gopherex.com/mdfeed/pkg/trace"
	"gopherex.com/mdfeed/pkg/xredis"
	"gorm.io/gorm"
)

// Run 启动行情广播服务：外层只需传入 ctx 即可。
func Run(ctx context.Context) error {
	cfg := &mdfeed.Cfg{}

	return bootstrap.Run(ctx, bootstrap.Options{
		ConfigName: "mdfeed",
		ConfigPtr:  cfg,
		Defaults:   mdfeed.Defaults(),
		ServiceName: func(_ interface{}) string {
			return cfg.Name
		},
		LogLevel: func(_ interface{}) string { return cfg.Log.Level },
		LogFile:  func(_ interface{}) string { return cfg.Log.File },
		InitTracer: func(_ interface{}) (func(context.Context) error, error) {
			if !cfg.OTel.Enabled {
				return nil, nil
			}
			return trace.InitTrace(cfg.Name, cfg.OTel.Addr, nil)
		},
		BuildDB: func(c context.Context, _ interface{}) (*gorm.DB, error) {
			if cfg.Db.DSN == "" {
				return nil, nil
			}
			return orm.NewMySQL(c, cfg.Db)
		},
		BuildRedis: func(c context.Context, _ interface{}) (*redis.Client, error) {
			if cfg.Queue.Backend != "redis" {
				return nil, nil
			}
			return xredis.NewRedis(c, cfg.Redis)
		},
		BuildServices: func(c context.Context, _ interface{}, deps bootstrap.Deps) (bootstrap.Service, error) {
			a, err := Build(cfg, deps)
			if err != nil {
				return bootstrap.Service{}, err
			}
			return bootstrap.Service{Run: a.Run, OnConfigChange: a.Reload}, nil
		},
		MetricsAddr: func(_ interface{}) string { return cfg.MetricsAddr },
		PprofAddr:   func(_ interface{}) string { return cfg.PprofAddr },
	})
}

// App 组装好的服务
type App struct {
	cfg *mdfeed.Cfg
	log *zap.Logger

	Pairs       pairs.Registry
	static      *pairs.StaticRegistry
	Adapters    *exchange.Registry
	Limiter     *ratelimit.Store
	Broker      broker.Broker
	Queue       queue.Queue
	Worker      *queue.Worker
	Coordinator *broadcast.Coordinator
	Scheduler   *broadcast.Scheduler
	Backfill    *backfill.Runner

	closers []func()
}

func Build(cfg *mdfeed.Cfg, deps bootstrap.Deps) (*App, error) {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{cfg: cfg, log: log}

	if deps.DB != nil {
		a.Pairs = pairs.NewGormRegistry(deps.DB)
	} else {
		a.static = pairs.NewStaticRegistry(cfg.Pairs)
		a.Pairs = a.static
		log.Info("no db configured, using static pairs", zap.Int("pairs", len(cfg.Pairs)))
	}

	a.Limiter = ratelimit.NewStore(cfg.RateLimit.Default, cfg.RateLimit.Exchanges, 0)
	breakers := ratelimit.NewManager(cfg.Breaker, nil)
	adapters, err := buildAdapters(cfg.Exchanges, a.Limiter, breakers, log)
	if err != nil {
		return nil, err
	}
	a.Adapters = adapters

	if cfg.Nats.URL != "" {
		nb, err := broker.NewNatsBroker(cfg.Nats.URL, nats.Name(cfg.Name), nats.MaxReconnects(-1))
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.Broker = nb
	} else {
		a.Broker = broker.NewMemBroker(0)
		log.Warn("no nats configured, events stay in process")
	}
	a.closers = append(a.closers, func() { _ = a.Broker.Close() })

	var locker queue.Locker
	switch cfg.Queue.Backend {
	case "redis":
		if deps.Redis == nil {
			return nil, errors.New("queue backend redis needs redis config")
		}
		a.Queue = queue.NewRedisQueue(deps.Redis, cfg.Queue.Prefix, cfg.Queue.PollInterval)
		locker = queue.NewRedisLocker(deps.Redis, cfg.Queue.Prefix, cfg.Queue.LockTTL, log)
	case "", "memory":
		a.Queue = queue.NewMemQueue()
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
	a.closers = append(a.closers, func() { _ = a.Queue.Close() })

	a.Coordinator = broadcast.NewCoordinator(a.Pairs, a.Adapters, events.NewBrokerPublisher(a.Broker), cfg.Broadcast.Options, log.Named("broadcast"))
	a.Scheduler = broadcast.NewScheduler(a.Coordinator, a.Queue, cfg.Broadcast.ShortDelay, cfg.Broadcast.LongDelay, log.Named("scheduler"))

	a.Worker = queue.NewWorker(a.Queue, log.Named("worker"))
	if locker != nil {
		a.Worker.SetLocker(locker)
	}
	for _, lane := range lanes(cfg.Queue) {
		a.Worker.AddLane(lane)
	}
	a.Worker.Register(broadcast.JobKind, a.Scheduler)

	if cfg.Influx.URL != "" {
		store := candles.NewInfluxStore(cfg.Influx)
		a.closers = append(a.closers, store.Close)
		svc := candles.NewService(a.Pairs, a.Adapters, store, log.Named("candles"))
		a.Backfill = backfill.NewRunner(svc, cfg.Backfill.Pause, log.Named("backfill"))
		a.Worker.Register(backfill.JobKind, a.Backfill)
		log.Info("backfill enabled", zap.Stringer("influx", cfg.Influx))
	} else {
		log.Warn("no influx configured, backfill jobs will be dropped")
	}
	return a, nil
}

func buildAdapters(cfgs map[string]mdfeed.ExchangeCfg, limiter *ratelimit.Store, breakers *ratelimit.Manager, log *zap.Logger) (*exchange.Registry, error) {
	if len(cfgs) == 0 {
		cfgs = map[string]mdfeed.ExchangeCfg{binance.ExchangeID: {Kind: "binance"}}
	}
	reg := exchange.NewRegistry()
	for id, ec := range cfgs {
		kind := strings.ToLower(ec.Kind)
		if kind == "" {
			kind = id
		}
		var a exchange.Adapter
		switch kind {
		case "binance":
			a = binance.NewClient(ec.BaseURL, ec.Timeout)
		default:
			return nil, fmt.Errorf("exchange %s: unsupported adapter kind %q", id, ec.Kind)
		}
		reg.Register(id, exchange.NewGuarded(id, a, limiter, breakers))
		log.Info("exchange adapter registered", zap.String("exchange", id), zap.String("kind", kind))
	}
	return reg, nil
}

// lanes 没配置时 broadcasts 和 backfill 各一个并发
func lanes(q mdfeed.Queue) []queue.LaneConfig {
	if len(q.Lanes) > 0 {
		return q.Lanes
	}
	locked := q.Backend == "redis"
	return []queue.LaneConfig{
		{Name: broadcast.Lane, Concurrency: 1, Locked: locked},
		{Name: backfill.Lane, Concurrency: 1, Locked: locked},
	}
}

// Run 启动后先 Kickoff 广播链，然后阻塞在 worker 上
func (a *App) Run(ctx context.Context) error {
	defer a.Close()
	a.Limiter.StartJanitor(ctx, time.Minute, a.log.Named("ratelimit"))

	for _, t := range a.kickoffTargets() {
		if err := a.Scheduler.Kickoff(ctx, t); err != nil {
			return err
		}
	}
	return a.Worker.Run(ctx)
}

func (a *App) kickoffTargets() []model.Target {
	if len(a.cfg.Broadcast.Targets) == 0 {
		return []model.Target{{}}
	}
	out := make([]model.Target, 0, len(a.cfg.Broadcast.Targets))
	for _, t := range a.cfg.Broadcast.Targets {
		out = append(out, model.Target{ExchangeID: t.Exchange, Symbol: t.Symbol})
	}
	return out
}

// Reload 配置文件热更新后调用，只刷新运行时可调的参数
func (a *App) Reload() {
	a.Scheduler.SetDelays(a.cfg.Broadcast.ShortDelay, a.cfg.Broadcast.LongDelay)
	a.Coordinator.SetOptions(a.cfg.Broadcast.Options)
	if a.Backfill != nil {
		a.Backfill.SetPause(a.cfg.Backfill.Pause)
	}
	if a.static != nil {
		a.static.Replace(a.cfg.Pairs)
	}
	short, long := a.Scheduler.Delays()
	a.log.Info("runtime config reloaded",
		zap.Duration("short_delay", short),
		zap.Duration("long_delay", long),
		zap.Duration("backfill_pause", a.cfg.Backfill.Pause))
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
