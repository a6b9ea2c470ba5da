package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopherex.com/mdfeed/pkg/metrics"
	"gopherex.com/mdfeed/pkg/safe"
)

// Limit 一个 key（通常是交易所 id）的令牌桶参数
type Limit struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen int64 // unix nano
}

// Store 按 key 懒创建令牌桶，长期不用的 key 由 janitor 回收
type Store struct {
	mu        sync.Mutex
	entries   map[string]*entry
	def       Limit
	overrides map[string]Limit
	ttl       time.Duration
}

func NewStore(def Limit, overrides map[string]Limit, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if def.Burst <= 0 {
		def.Burst = 1
	}
	return &Store{
		entries:   make(map[string]*entry, 16),
		def:       def,
		overrides: overrides,
		ttl:       ttl,
	}
}

func (s *Store) get(key string) *rate.Limiter {
	now := time.Now().UnixNano()

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		atomic.StoreInt64(&e.lastSeen, now)
		return e.limiter
	}
	l, ok := s.overrides[key]
	if !ok {
		l = s.def
	}
	r := rate.Inf
	if l.RPS > 0 {
		r = rate.Limit(l.RPS)
	}
	burst := l.Burst
	if burst <= 0 {
		burst = 1
	}
	e := &entry{limiter: rate.NewLimiter(r, burst), lastSeen: now}
	s.entries[key] = e
	return e.limiter
}

// Allow 非阻塞判断
func (s *Store) Allow(key string) bool {
	return s.get(key).Allow()
}

// Wait 阻塞到拿到令牌或 ctx 结束
func (s *Store) Wait(ctx context.Context, key string) error {
	start := time.Now()
	err := s.get(key).Wait(ctx)
	metrics.RateLimitWaitSeconds.WithLabelValues(key).Observe(time.Since(start).Seconds())
	return err
}

// StartJanitor 定期回收长期不用的 key，ctx 结束退出
func (s *Store) StartJanitor(ctx context.Context, every time.Duration, l *zap.Logger) {
	if every <= 0 {
		every = time.Minute
	}
	if l == nil {
		l = zap.NewNop()
	}
	ticker := time.NewTicker(every)

	safe.GoCtx(ctx, l, func(ctx context.Context) {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cleanup()
			}
		}
	})
}

func (s *Store) cleanup() {
	cut := time.Now().Add(-s.ttl).UnixNano()

	s.mu.Lock()
	for k, e := range s.entries {
		if atomic.LoadInt64(&e.lastSeen) < cut {
			delete(s.entries, k)
		}
	}
	s.mu.Unlock()
}
