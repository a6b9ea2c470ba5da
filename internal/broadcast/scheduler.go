package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gopherex.com/mdfeed/internal/marketdata/model"
	"gopherex.com/mdfeed/internal/queue"
	"gopherex.com/mdfeed/pkg/logger"
	"gopherex.com/mdfeed/pkg/metrics"
	"gopherex.com/mdfeed/pkg/safe"
	"gopherex.com/mdfeed/pkg/trace"
)

const (
	Lane    = "broadcasts"
	JobKind = "broadcast.cycle"

	DefaultShortDelay = 5 * time.Second
	DefaultLongDelay  = 10 * time.Second
)

// BroadcastJob 队列里的任务参数；两个字段都空或为 "all" 表示全部活跃交易对
type BroadcastJob struct {
	ExchangeID string `json:"exchange_id,omitempty"`
	Symbol     string `json:"symbol,omitempty"`
}

func (j BroadcastJob) Target() model.Target {
	return model.Target{ExchangeID: j.ExchangeID, Symbol: j.Symbol}
}

// Cycler 执行一个广播周期，*Coordinator 实现它
type Cycler interface {
	Cycle(ctx context.Context, target model.Target) (CycleOutcome, error)
}

// Scheduler 自我续期：每个周期结束都把同 target 的后继任务放回 broadcasts lane，
// 只按结果选择延迟。不重叠由 lane 并发=1 保证，这里不做检查。
type Scheduler struct {
	cycler Cycler
	q      queue.Queue
	log    *zap.Logger

	shortDelay atomic.Int64
	longDelay  atomic.Int64

	now func() time.Time
}

func NewScheduler(c Cycler, q queue.Queue, shortDelay, longDelay time.Duration, l *zap.Logger) *Scheduler {
	if l == nil {
		l = zap.NewNop()
	}
	s := &Scheduler{cycler: c, q: q, log: l, now: time.Now}
	s.SetDelays(shortDelay, longDelay)
	return s
}

// SetDelays <=0 的值用默认
func (s *Scheduler) SetDelays(shortDelay, longDelay time.Duration) {
	if shortDelay <= 0 {
		shortDelay = DefaultShortDelay
	}
	if longDelay <= 0 {
		longDelay = DefaultLongDelay
	}
	s.shortDelay.Store(int64(shortDelay))
	s.longDelay.Store(int64(longDelay))
}

func (s *Scheduler) Delays() (shortDelay, longDelay time.Duration) {
	return time.Duration(s.shortDelay.Load()), time.Duration(s.longDelay.Load())
}

// NewJob 构造一个 broadcasts lane 的任务，DedupeKey 按 target 去重
func NewJob(target model.Target, runAt time.Time) (queue.Job, error) {
	j, err := queue.NewJob(Lane, JobKind, jobFor(target), 0)
	if err != nil {
		return queue.Job{}, err
	}
	j.RunAt = runAt
	j.DedupeKey = target.String()
	return j, nil
}

func jobFor(t model.Target) BroadcastJob {
	if t.IsAll() {
		return BroadcastJob{}
	}
	return BroadcastJob{ExchangeID: t.ExchangeID, Symbol: t.Symbol}
}

// Kickoff 外部启动入口。同 target 已有待执行的任务时什么都不做
func (s *Scheduler) Kickoff(ctx context.Context, target model.Target) error {
	j, err := NewJob(target, s.now())
	if err != nil {
		return err
	}
	err = s.q.Enqueue(ctx, j)
	if errors.Is(err, queue.ErrDuplicate) {
		s.log.Info("broadcast already scheduled", zap.String("target", target.String()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("kickoff %s: %w", target, err)
	}
	s.log.Info("broadcast kicked off", zap.String("target", target.String()), zap.String("job_id", j.ID))
	return nil
}

// Handle 实现 queue.Handler
func (s *Scheduler) Handle(ctx context.Context, j queue.Job) error {
	ctx, span := trace.Tracer("mdfeed/broadcast").Start(ctx, "broadcast.cycle")
	defer span.End()

	var (
		bj      BroadcastJob
		target  model.Target
		outcome CycleOutcome
	)
	start := s.now()
	cycleErr := j.Decode(&bj)
	if cycleErr == nil {
		target = bj.Target()
		span.SetAttributes(attribute.String("target", target.String()))
		cycleErr = safe.Do(func() error {
			var err error
			outcome, err = s.cycler.Cycle(ctx, target)
			return err
		})
	} else {
		cycleErr = fmt.Errorf("decode broadcast job: %w", cycleErr)
	}

	scope := "pair"
	if target.IsAll() {
		scope = "all"
	}
	metrics.CycleDuration.WithLabelValues(scope).Observe(s.now().Sub(start).Seconds())

	delay := s.nextDelay(cycleErr)
	log := logger.Ctx(ctx, s.log).With(zap.String("target", target.String()), zap.Duration("next_delay", delay))
	switch {
	case cycleErr != nil:
		metrics.CycleTotal.WithLabelValues(scope, "error").Inc()
		span.RecordError(cycleErr)
		span.SetStatus(codes.Error, cycleErr.Error())
		var pe *safe.PanicError
		if errors.As(cycleErr, &pe) {
			log.Error("broadcast cycle panicked", zap.Any("panic", pe.Value), zap.String("stack", pe.Stack))
		} else {
			log.Error("broadcast cycle failed", zap.Error(cycleErr))
		}
	case outcome.HadFailure:
		metrics.CycleTotal.WithLabelValues(scope, "partial").Inc()
		log.Info("broadcast cycle done with failures", zap.Int("attempted", outcome.Attempted), zap.Int("succeeded", outcome.Succeeded))
	default:
		metrics.CycleTotal.WithLabelValues(scope, "ok").Inc()
		log.Debug("broadcast cycle done", zap.Int("attempted", outcome.Attempted))
	}
	span.SetAttributes(
		attribute.Int("attempted", outcome.Attempted),
		attribute.Int("succeeded", outcome.Succeeded),
		attribute.Int64("next_delay_ms", delay.Milliseconds()),
	)

	return s.enqueueSuccessor(ctx, j, delay)
}

// nextDelay 周期体没有错误逃出来就用短延迟，内部单个交易对失败不算
func (s *Scheduler) nextDelay(cycleErr error) time.Duration {
	shortDelay, longDelay := s.Delays()
	if cycleErr != nil {
		return longDelay
	}
	return shortDelay
}

// enqueueSuccessor 原样复用 payload 和 DedupeKey，保证 target 不变。
// 入队失败按 LongRetry 间隔一直重试直到 ctx 结束，管线不能悄悄停掉。
func (s *Scheduler) enqueueSuccessor(ctx context.Context, cur queue.Job, delay time.Duration) error {
	next := queue.Job{
		ID:        uuid.NewString(),
		Lane:      Lane,
		Kind:      JobKind,
		Payload:   cur.Payload,
		RunAt:     s.now().Add(delay),
		DedupeKey: cur.DedupeKey,
	}
	metrics.NextDelaySeconds.Set(delay.Seconds())

	for {
		// 关停时 ctx 已取消，后继也要尽量写进去（redis 队列下次启动接着跑）
		enqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		err := s.q.Enqueue(enqCtx, next)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, queue.ErrDuplicate) {
			// 同 target 已经有待执行的任务（比如并发 Kickoff），不再重复
			logger.Ctx(ctx, s.log).Info("successor already pending", zap.String("dedupe_key", next.DedupeKey))
			return nil
		}
		if errors.Is(err, queue.ErrClosed) {
			return fmt.Errorf("enqueue successor: %w", err)
		}

		_, retry := s.Delays()
		logger.Ctx(ctx, s.log).Error("enqueue successor failed, retrying",
			zap.String("dedupe_key", next.DedupeKey), zap.Duration("retry_in", retry), zap.Error(err))
		t := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("enqueue successor: %w", err)
		case <-t.C:
		}
		next.RunAt = s.now()
	}
}

var _ queue.Handler = (*Scheduler)(nil)
var _ Cycler = (*Coordinator)(nil)
