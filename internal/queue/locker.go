package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gopherex.com/mdfeed/pkg/xredis"
)

// RedisLocker 用 redis 锁保证同一个 lane 在多个进程里同时只跑一个任务
type RedisLocker struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
	log    *zap.Logger
}

func NewRedisLocker(rdb *redis.Client, prefix string, ttl time.Duration, l *zap.Logger) *RedisLocker {
	if prefix == "" {
		prefix = "mdfeed"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if l == nil {
		l = zap.NewNop()
	}
	return &RedisLocker{rdb: rdb, prefix: prefix, ttl: ttl, retry: 100 * time.Millisecond, log: l}
}

func (r *RedisLocker) Acquire(ctx context.Context, lane string) (func(), error) {
	lock := xredis.NewDistLock(r.rdb, r.prefix+":lane:"+lane, r.ttl)
	if err := lock.Lock(ctx, r.retry); err != nil {
		return nil, err
	}

	// 任务可能跑得比 ttl 久，后台续期
	refreshCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(r.ttl / 3)
		defer t.Stop()
		for {
			select {
			case <-refreshCtx.Done():
				return
			case <-t.C:
				ok, err := lock.Refresh(refreshCtx)
				if err != nil || !ok {
					r.log.Warn("lane lock refresh failed", zap.String("key", lock.Key()), zap.Bool("owned", ok), zap.Error(err))
				}
			}
		}
	}()

	return func() {
		stop()
		<-done
		unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := lock.Unlock(unlockCtx); err != nil {
			r.log.Warn("lane lock unlock failed", zap.String("key", lock.Key()), zap.Error(err))
		}
	}, nil
}

var _ Locker = (*RedisLocker)(nil)
