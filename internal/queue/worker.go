package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
	"gopherex.com/mdfeed/pkg/logger"
	"gopherex.com/mdfeed/pkg/metrics"
	"gopherex.com/mdfeed/pkg/safe"
)

type Handler interface {
	Handle(ctx context.Context, j Job) error
}

type HandlerFunc func(ctx context.Context, j Job) error

func (f HandlerFunc) Handle(ctx context.Context, j Job) error { return f(ctx, j) }

// Locker 跨进程的 lane 互斥，单进程时不需要
type Locker interface {
	Acquire(ctx context.Context, lane string) (release func(), err error)
}

type LaneConfig struct {
	Name        string `mapstructure:"name"`
	Concurrency int    `mapstructure:"concurrency"`
	// Locked 为 true 时每个任务执行前要拿到 lane 锁
	Locked      bool   `mapstructure:"locked"`
}

type Worker struct {
	q        Queue
	log      *zap.Logger
	locker   Locker
	mu       sync.RWMutex
	handlers map[string]Handler
	lanes    []LaneConfig

	// Dequeue 出错时的退避
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewWorker(q Queue, l *zap.Logger) *Worker {
	if l == nil {
		l = zap.NewNop()
	}
	return &Worker{
		q:           q,
		log:         l,
		handlers:    make(map[string]Handler),
		BaseBackoff: 300 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}
}

func (w *Worker) SetLocker(l Locker) { w.locker = l }

// Register 按 Job.Kind 注册处理器
func (w *Worker) Register(kind string, h Handler) {
	w.mu.Lock()
	w.handlers[kind] = h
	w.mu.Unlock()
}

// AddLane concurrency<=0 按 1 处理
func (w *Worker) AddLane(c LaneConfig) {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	w.lanes = append(w.lanes, c)
}

// Run 每个 lane 起 Concurrency 个消费协程，阻塞到 ctx 结束或队列关闭
func (w *Worker) Run(ctx context.Context) error {
	if len(w.lanes) == 0 {
		return errors.New("queue worker: no lanes configured")
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, lane := range w.lanes {
		lane := lane
		for i := 0; i < lane.Concurrency; i++ {
			g.Go(func() error {
				w.consume(ctx, lane)
				return nil
			})
		}
		w.log.Info("lane started", zap.String("lane", lane.Name), zap.Int("concurrency", lane.Concurrency), zap.Bool("locked", lane.Locked))
	}
	return g.Wait()
}

func (w *Worker) consume(ctx context.Context, lane LaneConfig) {
	backoff := w.BaseBackoff
	for {
		j, err := w.q.Dequeue(ctx, lane.Name)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			w.log.Error("dequeue failed", zap.String("lane", lane.Name), zap.Error(err))
			if !w.sleep(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > w.MaxBackoff {
				backoff = w.MaxBackoff
			}
			continue
		}
		backoff = w.BaseBackoff
		w.process(ctx, lane, j)
	}
}

// sleep 带 jitter，ctx 结束返回 false
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	d += time.Duration(rand.Int63n(int64(d/2 + 1)))
	if d > w.MaxBackoff {
		d = w.MaxBackoff
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (w *Worker) process(ctx context.Context, lane LaneConfig, j Job) {
	log := logger.Ctx(ctx, w.log).With(
		zap.String("lane", lane.Name),
		zap.String("kind", j.Kind),
		zap.String("job_id", j.ID),
		zap.Int("attempt", j.Attempt),
	)

	w.mu.RLock()
	h, ok := w.handlers[j.Kind]
	w.mu.RUnlock()
	if !ok {
		metrics.QueueJobsTotal.WithLabelValues(lane.Name, j.Kind, "no_handler").Inc()
		log.Error("no handler for job, dropped")
		return
	}

	if lane.Locked && w.locker != nil {
		release, err := w.locker.Acquire(ctx, lane.Name)
		if err != nil {
			// 拿不到锁说明 ctx 结束或 redis 故障；任务放回去，别丢
			metrics.QueueJobsTotal.WithLabelValues(lane.Name, j.Kind, "lock_error").Inc()
			log.Error("acquire lane lock failed, requeue", zap.Error(err))
			w.requeue(j)
			return
		}
		defer release()
	}

	err := safe.Do(func() error { return h.Handle(ctx, j) })
	if err != nil {
		metrics.QueueJobsTotal.WithLabelValues(lane.Name, j.Kind, "error").Inc()
		var pe *safe.PanicError
		if errors.As(err, &pe) {
			log.Error("job panicked", zap.Any("panic", pe.Value), zap.String("stack", pe.Stack))
			return
		}
		// 不重试，失败策略（死信等）由外部决定
		log.Error("job failed", zap.Error(err))
		return
	}
	metrics.QueueJobsTotal.WithLabelValues(lane.Name, j.Kind, "ok").Inc()
}

func (w *Worker) requeue(j Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	j.Attempt++
	if err := w.q.Enqueue(ctx, j); err != nil && !errors.Is(err, ErrDuplicate) {
		w.log.Error("requeue failed, job lost", zap.String("job_id", j.ID), zap.Error(err))
	}
}
