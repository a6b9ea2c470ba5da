package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mdfeed"

var (
	// CycleTotal 广播周期数，outcome: ok / failed
	CycleTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcast_cycle_total",
		Help:      "Broadcast cycles by scope and outcome.",
	}, []string{"scope", "outcome"})

	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "broadcast_cycle_duration_seconds",
		Help:      "Wall time of one broadcast cycle.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms ~ 20s
	}, []string{"scope"})

	// NextDelaySeconds 最近一次选出的下一轮延迟
	NextDelaySeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "broadcast_next_delay_seconds",
		Help:      "Delay chosen for the next broadcast run.",
	})

	FetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "exchange_fetch_total",
		Help:      "Exchange adapter calls by exchange, data kind and status.",
	}, []string{"exchange", "kind", "status"})

	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "exchange_fetch_duration_seconds",
		Help:      "Exchange adapter call latency.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"exchange", "kind"})

	PublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_publish_total",
		Help:      "Published market data events by kind and status.",
	}, []string{"kind", "status"})

	BackfillTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backfill_run_total",
		Help:      "Historical backfill runs by timeframe and status.",
	}, []string{"timeframe", "status"})

	CandlesSaved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "candles_saved_total",
		Help:      "Candles persisted by backfill.",
	}, []string{"exchange", "timeframe"})

	QueueJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_jobs_total",
		Help:      "Jobs handled by the lane worker.",
	}, []string{"lane", "kind", "status"})

	RateLimitWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ratelimit_wait_seconds",
		Help:      "Time spent waiting for the per-exchange token bucket.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"key"})

	CBState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuitbreaker_state",
		Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
	}, []string{"name"})

	CBRejectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "circuitbreaker_reject_total",
		Help:      "Calls rejected by an open circuit breaker.",
	}, []string{"name"})

	RedisPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "redis_pool_open"})
	RedisPoolIdle = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "redis_pool_idle"})
	DbPoolOpen    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "db_pool_open"})
	DbPoolInuse   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "db_pool_inuse"})
)
