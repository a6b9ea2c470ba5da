// Command backfill enqueues historical candle jobs onto the redis queue the
// mdfeed service consumes. Each pair becomes one job on the backfill lane.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"gopherex.com/mdfeed/internal/backfill"
	"gopherex.com/mdfeed/internal/marketdata/model"
	"gopherex.com/mdfeed/internal/queue"
	"gopherex.com/mdfeed/pkg/logger"
	"gopherex.com/mdfeed/pkg/xredis"
)

var (
	redisAddr = flag.String("redis", envOr("MDFEED_REDIS_ADDR", "127.0.0.1:6379"), "redis address")
	redisPass = flag.String("redis-password", os.Getenv("MDFEED_REDIS_PASSWORD"), "redis password")
	redisDB   = flag.Int("redis-db", 0, "redis db")
	prefix    = flag.String("prefix", envOr("MDFEED_QUEUE_PREFIX", "mdfeed"), "queue key prefix")
	pairIDs   = flag.String("pairs", "", "comma separated trading pair ids, e.g. 1,2,3")
	timeframe = flag.String("tf", "1h", "candle timeframe")
	limit     = flag.Int("limit", 500, "candles per pair")
)

func main() {
	flag.Parse()

	l := logger.New("mdfeed-backfill", "info", "-")
	defer func() { _ = l.Sync() }()

	tf, err := model.ParseTimeframe(*timeframe)
	if err != nil {
		l.Fatal("bad -tf", zap.String("tf", *timeframe), zap.Error(err))
	}
	ids, err := parseIDs(*pairIDs)
	if err != nil {
		l.Fatal("bad -pairs", zap.String("pairs", *pairIDs), zap.Error(err))
	}
	if len(ids) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := xredis.NewRedis(ctx, xredis.Config{Addr: *redisAddr, Password: *redisPass, DB: *redisDB, PoolSize: 2})
	if err != nil {
		l.Fatal("init redis", zap.String("addr", *redisAddr), zap.Error(err))
	}
	defer func() { _ = rdb.Close() }()

	q := queue.NewRedisQueue(rdb, *prefix, 0)
	if failed := enqueueAll(ctx, q, ids, tf, *limit, l); failed > 0 {
		l.Fatal("some backfill jobs were not enqueued", zap.Int("failed", failed), zap.Int("total", len(ids)))
	}
}

// enqueueAll 每个交易对一个任务，返回失败数
func enqueueAll(ctx context.Context, q queue.Queue, ids []uint64, tf model.Timeframe, limit int, l *zap.Logger) int {
	failed := 0
	for _, id := range ids {
		j, err := backfill.NewJob(backfill.Job{PairID: id, Timeframe: tf, Limit: limit})
		if err == nil {
			err = q.Enqueue(ctx, j)
		}
		if err != nil {
			failed++
			l.Error("enqueue backfill failed", zap.Uint64("pair_id", id), zap.Error(err))
			continue
		}
		l.Info("backfill enqueued", zap.Uint64("pair_id", id), zap.String("timeframe", tf.String()), zap.String("job_id", j.ID))
	}
	return failed
}

func parseIDs(s string) ([]uint64, error) {
	var out []uint64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
