package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gopherex.com/mdfeed/internal/marketdata/events"
	"gopherex.com/mdfeed/internal/marketdata/exchange"
	"gopherex.com/mdfeed/internal/marketdata/model"
	"gopherex.com/mdfeed/internal/marketdata/pairs"
	"gopherex.com/mdfeed/internal/queue"
	"gopherex.com/mdfeed/pkg/xerr"
)

type stubAdapter struct {
	tickerCalls, bookCalls, ohlcvCalls int32
	tickerErr, bookErr                 error
	lastDepth                          int32
}

func (s *stubAdapter) Ticker(_ context.Context, symbol string) (model.Ticker, error) {
	atomic.AddInt32(&s.tickerCalls, 1)
	if s.tickerErr != nil {
		return model.Ticker{}, s.tickerErr
	}
	return model.Ticker{Symbol: symbol, Last: decimal.NewFromInt(100)}, nil
}

func (s *stubAdapter) OrderBook(_ context.Context, symbol string, depth int) (model.OrderBook, error) {
	atomic.AddInt32(&s.bookCalls, 1)
	atomic.StoreInt32(&s.lastDepth, int32(depth))
	if s.bookErr != nil {
		return model.OrderBook{}, s.bookErr
	}
	return model.OrderBook{Symbol: symbol, Bids: []model.Level{{Price: decimal.NewFromInt(99)}}}, nil
}

func (s *stubAdapter) OHLCV(_ context.Context, _ string, _ model.Timeframe, _ *time.Time, limit int) ([]model.Candle, error) {
	atomic.AddInt32(&s.ohlcvCalls, 1)
	return make([]model.Candle, limit), nil
}

type failingRegistry struct{ err error }

func (f failingRegistry) ListActivePairs(context.Context) ([]model.TradingPair, error) {
	return nil, f.err
}

func (f failingRegistry) GetPair(context.Context, uint64) (model.TradingPair, error) {
	return model.TradingPair{}, f.err
}

func twoBinancePairs() *pairs.StaticRegistry {
	return pairs.NewStaticRegistry([]pairs.PairConfig{
		{ID: 1, Exchange: "binance", Symbol: "BTC/USDT", Active: true},
		{ID: 2, Exchange: "binance", Symbol: "ETH/USDT", Active: true},
		{ID: 3, Exchange: "binance", Symbol: "LUNA/USDT", Active: false},
	})
}

type fixture struct {
	coord *Coordinator
	rec   *events.Recorder
	logs  *observer.ObservedLogs
	log   *zap.Logger
}

func newFixture(reg pairs.Registry, adapters map[string]exchange.Adapter) fixture {
	core, logs := observer.New(zap.DebugLevel)
	l := zap.New(core)
	ex := exchange.NewRegistry()
	for id, a := range adapters {
		ex.Register(id, a)
	}
	rec := &events.Recorder{}
	return fixture{coord: NewCoordinator(reg, ex, rec, Options{}, l), rec: rec, logs: logs, log: l}
}

// recordingQueue 只记录入队，不真正调度
type recordingQueue struct {
	mu      sync.Mutex
	jobs    []queue.Job
	failN   int32
	failErr error
}

func (q *recordingQueue) Enqueue(_ context.Context, j queue.Job) error {
	if atomic.AddInt32(&q.failN, -1) >= 0 {
		return q.failErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, j)
	return nil
}

func (q *recordingQueue) Dequeue(ctx context.Context, _ string) (queue.Job, error) {
	<-ctx.Done()
	return queue.Job{}, ctx.Err()
}

func (q *recordingQueue) Close() error { return nil }

func (q *recordingQueue) only(t *testing.T) queue.Job {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	require.Len(t, q.jobs, 1)
	return q.jobs[0]
}

var fixedNow = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func newScheduler(c Cycler, q queue.Queue, l *zap.Logger) *Scheduler {
	s := NewScheduler(c, q, 5*time.Second, 10*time.Second, l)
	s.now = func() time.Time { return fixedNow }
	return s
}

func handle(t *testing.T, s *Scheduler, target model.Target) {
	t.Helper()
	j, err := NewJob(target, fixedNow)
	require.NoError(t, err)
	require.NoError(t, s.Handle(context.Background(), j))
}

func TestBroadcastAll_TwoBinancePairs(t *testing.T) {
	f := newFixture(twoBinancePairs(), map[string]exchange.Adapter{"binance": &stubAdapter{}})

	n, err := f.coord.BroadcastAllActivePairs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, f.rec.Events(), 4)
	assert.Equal(t, 2, f.rec.Count(events.KindPrice))
	assert.Equal(t, 2, f.rec.Count(events.KindOrderBook))

	// 按注册表顺序处理
	evs := f.rec.Events()
	assert.Equal(t, "BTC/USDT", evs[0].Symbol)
	assert.Equal(t, "ETH/USDT", evs[2].Symbol)
}

func TestBroadcastAll_CountsAttemptedNotSucceeded(t *testing.T) {
	bad := &stubAdapter{tickerErr: errors.New("timeout"), bookErr: errors.New("timeout")}
	f := newFixture(twoBinancePairs(), map[string]exchange.Adapter{"binance": bad})

	n, err := f.coord.BroadcastAllActivePairs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, f.rec.Events())
	// 每个交易对两个都尝试过
	assert.Equal(t, int32(2), atomic.LoadInt32(&bad.tickerCalls))
	assert.Equal(t, int32(2), atomic.LoadInt32(&bad.bookCalls))
	assert.Equal(t, 4, f.logs.FilterMessage("broadcast failed").Len())
}

func TestBroadcastAll_UnknownExchangeIsPerPairFailure(t *testing.T) {
	reg := pairs.NewStaticRegistry([]pairs.PairConfig{
		{ID: 1, Exchange: "mtgox", Symbol: "BTC/USD", Active: true},
		{ID: 2, Exchange: "binance", Symbol: "BTC/USDT", Active: true},
	})
	f := newFixture(reg, map[string]exchange.Adapter{"binance": &stubAdapter{}})

	out, err := f.coord.Cycle(context.Background(), model.Target{})
	require.NoError(t, err)
	assert.Equal(t, CycleOutcome{Attempted: 2, Succeeded: 1, HadFailure: true}, out)
	assert.Len(t, f.rec.Events(), 2)

	entry := f.logs.FilterMessage("broadcast failed").All()[0]
	assert.Equal(t, int64(xerr.UnknownExchange), entry.ContextMap()["code"])
}

func TestBroadcastAll_RegistryError(t *testing.T) {
	boom := errors.New("mysql: connection refused")
	f := newFixture(failingRegistry{err: boom}, map[string]exchange.Adapter{"binance": &stubAdapter{}})

	n, err := f.coord.BroadcastAllActivePairs(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, n)
	assert.Empty(t, f.rec.Events())
}

func TestBroadcastAll_KlineTimeframes(t *testing.T) {
	a := &stubAdapter{}
	f := newFixture(twoBinancePairs(), map[string]exchange.Adapter{"binance": a})
	f.coord.SetOptions(Options{KlineTimeframes: []model.Timeframe{model.TF1m, model.TF1h}, KlineLimit: 3})

	_, err := f.coord.BroadcastAllActivePairs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, f.rec.Count(events.KindKline))
	for _, e := range f.rec.Events() {
		if e.Kind == events.KindKline {
			assert.Len(t, e.Candles, 3)
		}
	}
}

func TestSingleOperations_Defaults(t *testing.T) {
	a := &stubAdapter{}
	f := newFixture(twoBinancePairs(), map[string]exchange.Adapter{"binance": a})
	ctx := context.Background()

	r := f.coord.BroadcastOrderBook(ctx, "binance", "BTC/USDT", 0)
	assert.True(t, r.OK())
	assert.Equal(t, int32(DefaultDepth), atomic.LoadInt32(&a.lastDepth))
	assert.Equal(t, events.KindOrderBook, r.Kind)

	r = f.coord.BroadcastKlines(ctx, "binance", "BTC/USDT", model.TF5m, 0)
	require.True(t, r.OK())
	evs := f.rec.Events()
	assert.Len(t, evs[len(evs)-1].Candles, DefaultKlineLimit)
	assert.Equal(t, model.TF5m, evs[len(evs)-1].Timeframe)

	r = f.coord.BroadcastKlines(ctx, "binance", "BTC/USDT", model.Timeframe("2m"), 0)
	assert.False(t, r.OK())
	assert.Equal(t, xerr.InvalidArgument, xerr.CodeOf(r.Err))
}

func TestPublishFailureIsPerKindFailure(t *testing.T) {
	f := newFixture(twoBinancePairs(), map[string]exchange.Adapter{"binance": &stubAdapter{}})
	f.rec.Err = errors.New("nats: connection closed")

	r := f.coord.BroadcastPrice(context.Background(), "binance", "BTC/USDT")
	assert.False(t, r.OK())
	assert.ErrorIs(t, r.Err, f.rec.Err)

	n, err := f.coord.BroadcastAllActivePairs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestConcreteTarget_TwoIndependentAttempts(t *testing.T) {
	kraken := &stubAdapter{tickerErr: xerr.New(xerr.FetchFailed, "kraken 502")}
	f := newFixture(twoBinancePairs(), map[string]exchange.Adapter{"kraken": kraken})
	q := &recordingQueue{}
	s := newScheduler(f.coord, q, f.log)

	handle(t, s, model.Target{ExchangeID: "kraken", Symbol: "BTC/USDT"})

	assert.Equal(t, int32(1), atomic.LoadInt32(&kraken.tickerCalls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&kraken.bookCalls))
	assert.Equal(t, 0, f.rec.Count(events.KindPrice))
	assert.Equal(t, 1, f.rec.Count(events.KindOrderBook))

	failures := f.logs.FilterMessage("broadcast failed").All()
	require.Len(t, failures, 1)
	assert.Equal(t, "price", failures[0].ContextMap()["kind"])
	assert.Equal(t, "kraken", failures[0].ContextMap()["exchange"])

	next := q.only(t)
	assert.Equal(t, 5*time.Second, next.RunAt.Sub(fixedNow))
	var bj BroadcastJob
	require.NoError(t, next.Decode(&bj))
	assert.Equal(t, BroadcastJob{ExchangeID: "kraken", Symbol: "BTC/USDT"}, bj)
	assert.Equal(t, "kraken:BTC/USDT", next.DedupeKey)
	assert.Equal(t, Lane, next.Lane)
}

func TestAllTarget_RegistryFailureChoosesLongDelay(t *testing.T) {
	a := &stubAdapter{}
	f := newFixture(failingRegistry{err: errors.New("registry unreachable")}, map[string]exchange.Adapter{"binance": a})
	q := &recordingQueue{}
	s := newScheduler(f.coord, q, f.log)

	handle(t, s, model.Target{})

	assert.Empty(t, f.rec.Events())
	assert.Equal(t, int32(0), atomic.LoadInt32(&a.tickerCalls))
	assert.Equal(t, 1, f.logs.FilterMessage("broadcast cycle failed").Len())

	next := q.only(t)
	assert.Equal(t, 10*time.Second, next.RunAt.Sub(fixedNow))
	var bj BroadcastJob
	require.NoError(t, next.Decode(&bj))
	assert.True(t, bj.Target().IsAll())
}

func TestAllTarget_InternalFailuresKeepShortDelay(t *testing.T) {
	bad := &stubAdapter{tickerErr: errors.New("x"), bookErr: errors.New("y")}
	f := newFixture(twoBinancePairs(), map[string]exchange.Adapter{"binance": bad})
	q := &recordingQueue{}
	s := newScheduler(f.coord, q, f.log)

	handle(t, s, model.Target{ExchangeID: "all", Symbol: "all"})

	assert.Equal(t, 5*time.Second, q.only(t).RunAt.Sub(fixedNow))
	assert.Equal(t, 1, f.logs.FilterMessage("broadcast cycle done with failures").Len())
}

type panicCycler struct{}

func (panicCycler) Cycle(context.Context, model.Target) (CycleOutcome, error) {
	panic("nil adapter")
}

func TestPanicInCycleChoosesLongDelay(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	q := &recordingQueue{}
	s := newScheduler(panicCycler{}, q, zap.New(core))

	handle(t, s, model.Target{ExchangeID: "binance", Symbol: "BTC/USDT"})

	assert.Equal(t, 10*time.Second, q.only(t).RunAt.Sub(fixedNow))
	assert.Equal(t, 1, logs.FilterMessage("broadcast cycle panicked").Len())
}

// tickerPanics Ticker 直接 panic，OrderBook 正常
type tickerPanics struct{ stubAdapter }

func (p *tickerPanics) Ticker(context.Context, string) (model.Ticker, error) {
	atomic.AddInt32(&p.tickerCalls, 1)
	panic("index out of range")
}

func TestAdapterPanicStaysInsideOnePair(t *testing.T) {
	reg := pairs.NewStaticRegistry([]pairs.PairConfig{
		{ID: 1, Exchange: "flaky", Symbol: "BTC/USDT", Active: true},
		{ID: 2, Exchange: "binance", Symbol: "ETH/USDT", Active: true},
	})
	flaky := &tickerPanics{}
	f := newFixture(reg, map[string]exchange.Adapter{"flaky": flaky, "binance": &stubAdapter{}})
	q := &recordingQueue{}
	s := newScheduler(f.coord, q, f.log)

	handle(t, s, model.Target{})

	// 同一交易对的 orderbook 照样跑，后面的交易对也不受影响
	assert.Equal(t, int32(1), atomic.LoadInt32(&flaky.bookCalls))
	assert.Equal(t, 3, len(f.rec.Events()))
	healthy := 0
	for _, e := range f.rec.Events() {
		if e.ExchangeID == "binance" {
			healthy++
		}
	}
	assert.Equal(t, 2, healthy)

	panics := f.logs.FilterMessage("broadcast panicked").All()
	require.Len(t, panics, 1)
	assert.Equal(t, "flaky", panics[0].ContextMap()["exchange"])
	assert.NotEmpty(t, panics[0].ContextMap()["stack"])
	assert.Zero(t, f.logs.FilterMessage("broadcast cycle panicked").Len())

	// 周期本身没有错误逃出，用短延迟
	assert.Equal(t, 5*time.Second, q.only(t).RunAt.Sub(fixedNow))
}

func TestSetOptions_CopiesKlineTimeframes(t *testing.T) {
	f := newFixture(twoBinancePairs(), map[string]exchange.Adapter{"binance": &stubAdapter{}})
	tfs := []model.Timeframe{model.TF1m, model.TF1h}
	f.coord.SetOptions(Options{KlineTimeframes: tfs, KlineLimit: 2})

	// 模拟热更新时 viper 原地改写配置里的切片
	tfs[0], tfs[1] = model.TF5m, model.TF4h

	assert.Equal(t, []model.Timeframe{model.TF1m, model.TF1h}, f.coord.options().KlineTimeframes)

	_, err := f.coord.BroadcastAllActivePairs(context.Background())
	require.NoError(t, err)
	for _, e := range f.rec.Events() {
		if e.Kind == events.KindKline {
			assert.Contains(t, []model.Timeframe{model.TF1m, model.TF1h}, e.Timeframe)
		}
	}
}

func TestIdempotence_NoDedupOfEvents(t *testing.T) {
	f := newFixture(twoBinancePairs(), map[string]exchange.Adapter{"binance": &stubAdapter{}})
	target := model.Target{ExchangeID: "binance", Symbol: "BTC/USDT"}

	for i := 1; i <= 2; i++ {
		_, err := f.coord.Cycle(context.Background(), target)
		require.NoError(t, err)
		assert.Equal(t, i, f.rec.Count(events.KindPrice))
		assert.Equal(t, i, f.rec.Count(events.KindOrderBook))
	}
}

func TestDelaysAreConfigurable(t *testing.T) {
	q := &recordingQueue{}
	f := newFixture(twoBinancePairs(), map[string]exchange.Adapter{"binance": &stubAdapter{}})
	s := newScheduler(f.coord, q, nil)
	s.SetDelays(2*time.Second, 0)

	shortDelay, longDelay := s.Delays()
	assert.Equal(t, 2*time.Second, shortDelay)
	assert.Equal(t, DefaultLongDelay, longDelay)

	handle(t, s, model.Target{})
	assert.Equal(t, 2*time.Second, q.only(t).RunAt.Sub(fixedNow))
}

func TestSuccessorEnqueueIsRetried(t *testing.T) {
	q := &recordingQueue{failN: 2, failErr: errors.New("redis: i/o timeout")}
	f := newFixture(twoBinancePairs(), map[string]exchange.Adapter{"binance": &stubAdapter{}})
	s := newScheduler(f.coord, q, f.log)
	s.SetDelays(time.Millisecond, 5*time.Millisecond)

	handle(t, s, model.Target{})
	q.only(t)
	assert.Equal(t, 2, f.logs.FilterMessage("enqueue successor failed, retrying").Len())
}

func TestSuccessorEnqueueGivesUpOnCancel(t *testing.T) {
	q := &recordingQueue{failN: 1 << 20, failErr: errors.New("redis down")}
	s := newScheduler(panicCycler{}, q, nil)
	s.SetDelays(time.Millisecond, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	j, err := NewJob(model.Target{}, fixedNow)
	require.NoError(t, err)
	assert.Error(t, s.Handle(ctx, j))
}

func TestKickoffIsIdempotent(t *testing.T) {
	q := queue.NewMemQueue()
	s := newScheduler(panicCycler{}, q, nil)
	ctx := context.Background()

	require.NoError(t, s.Kickoff(ctx, model.Target{}))
	require.NoError(t, s.Kickoff(ctx, model.Target{ExchangeID: "all"}))
	require.NoError(t, s.Kickoff(ctx, model.Target{ExchangeID: "binance", Symbol: "BTC/USDT"}))
	assert.Equal(t, 2, q.Len(Lane))
}

// 整条链路：worker 取任务 -> 周期 -> 后继入队 -> 下一个周期
func TestPipelineKeepsRunning(t *testing.T) {
	a := &stubAdapter{}
	f := newFixture(twoBinancePairs(), map[string]exchange.Adapter{"binance": a})
	q := queue.NewMemQueue()
	s := NewScheduler(f.coord, q, time.Millisecond, 2*time.Millisecond, f.log)

	w := queue.NewWorker(q, f.log)
	w.AddLane(queue.LaneConfig{Name: Lane, Concurrency: 1})
	w.Register(JobKind, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Kickoff(ctx, model.Target{}))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	require.Eventually(t, func() bool { return f.rec.Count(events.KindPrice) >= 6 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	// 任何时刻最多一个待执行的后继
	assert.LessOrEqual(t, q.Len(Lane), 1)
}
