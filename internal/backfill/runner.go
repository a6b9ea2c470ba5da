// Package backfill fetches and stores historical candles for one trading
// pair per job, pausing after every fetch to stay inside exchange limits.
package backfill

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gopherex.com/mdfeed/internal/marketdata/model"
	"gopherex.com/mdfeed/internal/queue"
	"gopherex.com/mdfeed/pkg/logger"
	"gopherex.com/mdfeed/pkg/metrics"
	"gopherex.com/mdfeed/pkg/trace"
	"gopherex.com/mdfeed/pkg/xerr"
)

const (
	Lane    = "backfill"
	JobKind = "backfill.historical"

	DefaultPause = 300 * time.Millisecond
)

type Job struct {
	PairID    uint64          `json:"pair_id"`
	Timeframe model.Timeframe `json:"timeframe"`
	Limit     int             `json:"limit"`
}

func (j Job) Validate() error {
	if !j.Timeframe.Valid() {
		return xerr.New(xerr.InvalidArgument, fmt.Sprintf("unsupported timeframe %q", j.Timeframe))
	}
	if j.Limit <= 0 {
		return xerr.New(xerr.InvalidArgument, fmt.Sprintf("limit must be positive, got %d", j.Limit))
	}
	return nil
}

// Fetcher 由 candles.Service 实现
type Fetcher interface {
	FetchAndSaveHistoricalData(ctx context.Context, pairID uint64, tf model.Timeframe, since *time.Time, limit int) (int, error)
}

type Runner struct {
	fetcher Fetcher
	pause   atomic.Int64
	log     *zap.Logger
}

func NewRunner(f Fetcher, pause time.Duration, l *zap.Logger) *Runner {
	if l == nil {
		l = zap.NewNop()
	}
	r := &Runner{fetcher: f, log: l}
	r.SetPause(pause)
	return r
}

// SetPause <=0 用默认 300ms
func (r *Runner) SetPause(d time.Duration) {
	if d <= 0 {
		d = DefaultPause
	}
	r.pause.Store(int64(d))
}

func (r *Runner) Pause() time.Duration { return time.Duration(r.pause.Load()) }

// NewJob 构造 backfill lane 的任务
func NewJob(j Job) (queue.Job, error) {
	if err := j.Validate(); err != nil {
		return queue.Job{}, err
	}
	return queue.NewJob(Lane, JobKind, j, 0)
}

// Run 拉最近 Limit 根并落库，之后不管成功失败都停 pause。不重试，错误交给队列
func (r *Runner) Run(ctx context.Context, j Job) error {
	if err := j.Validate(); err != nil {
		metrics.BackfillTotal.WithLabelValues(j.Timeframe.String(), "invalid").Inc()
		return err
	}

	ctx, span := trace.Tracer("mdfeed/backfill").Start(ctx, "backfill.run")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("pair_id", int64(j.PairID)),
		attribute.String("timeframe", j.Timeframe.String()),
		attribute.Int("limit", j.Limit),
	)

	n, err := r.fetcher.FetchAndSaveHistoricalData(ctx, j.PairID, j.Timeframe, nil, j.Limit)

	// 先限速再返回，失败也一样
	r.sleep(ctx)

	if err != nil {
		metrics.BackfillTotal.WithLabelValues(j.Timeframe.String(), "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("backfill pair %d %s: %w", j.PairID, j.Timeframe, err)
	}
	metrics.BackfillTotal.WithLabelValues(j.Timeframe.String(), "ok").Inc()
	logger.Ctx(ctx, r.log).Info("backfill done",
		zap.Uint64("pair_id", j.PairID), zap.String("timeframe", j.Timeframe.String()), zap.Int("candles", n))
	return nil
}

func (r *Runner) sleep(ctx context.Context) {
	t := time.NewTimer(r.Pause())
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Handle 实现 queue.Handler
func (r *Runner) Handle(ctx context.Context, qj queue.Job) error {
	var j Job
	if err := qj.Decode(&j); err != nil {
		return xerr.Wrap(xerr.InvalidArgument, err, "decode backfill job")
	}
	return r.Run(ctx, j)
}

var _ queue.Handler = (*Runner)(nil)
