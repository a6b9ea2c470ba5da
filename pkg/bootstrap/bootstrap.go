// Package bootstrap wires the common pieces of a background worker service:
// config with hot reload, logger, tracer, MySQL, Redis, metrics and pprof.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopherex.com/mdfeed/pkg/config"
	"gopherex.com/mdfeed/pkg/logger"
	"gopherex.com/mdfeed/pkg/metrics"
	"gorm.io/gorm"
)

// Deps collects common dependencies that bootstrap can prepare.
type Deps struct {
	DB    *gorm.DB
	Redis *redis.Client
	Log   *zap.Logger
}

// Service is what BuildServices hands back: a blocking Run and an optional
// hook invoked after the config file was reloaded.
type Service struct {
	Run            func(ctx context.Context) error
	OnConfigChange func()
}

// Options controls the bootstrap process; provide hooks for service-specific bits.
type Options struct {
	// Required: config name and target struct
	ConfigName string
	ConfigPtr  interface{}

	// Optional: defaults and search paths for the config file
	Defaults    map[string]interface{}
	ConfigPaths []string

	// Required: service name, used for logs, traces and env prefix
	ServiceName func(cfg interface{}) string

	// Optional: log level / file, default "info" and logs/{service}.log
	LogLevel func(cfg interface{}) string
	LogFile  func(cfg interface{}) string

	// Optional: init tracer, return shutdown func
	InitTracer func(cfg interface{}) (func(context.Context) error, error)

	// Optional builders; nil or a nil result means skip
	BuildDB    func(ctx context.Context, cfg interface{}) (*gorm.DB, error)
	BuildRedis func(ctx context.Context, cfg interface{}) (*redis.Client, error)

	// Required: build the service
	BuildServices func(ctx context.Context, cfg interface{}, deps Deps) (Service, error)

	// Listen addresses, empty means disabled
	MetricsAddr func(cfg interface{}) string
	PprofAddr   func(cfg interface{}) string
}

// Run boots a worker service and blocks until ctx is done or the service fails.
func Run(ctx context.Context, opt Options) error {
	if opt.ConfigName == "" || opt.ConfigPtr == nil || opt.ServiceName == nil || opt.BuildServices == nil {
		return fmt.Errorf("bootstrap: missing required options")
	}

	var onChange atomic.Pointer[func()]
	if _, err := config.LoadAndWatch(opt.ConfigName, opt.ConfigPtr, config.Options{
		Defaults: opt.Defaults,
		Paths:    opt.ConfigPaths,
		OnChange: func() {
			if f := onChange.Load(); f != nil {
				(*f)()
			}
		},
	}); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	svcName := opt.ServiceName(opt.ConfigPtr)
	level, file := "info", ""
	if opt.LogLevel != nil {
		level = opt.LogLevel(opt.ConfigPtr)
	}
	if opt.LogFile != nil {
		file = opt.LogFile(opt.ConfigPtr)
	}
	log := logger.Init(svcName, level, file)
	defer logger.Sync()

	deps := Deps{Log: log}
	var err error
	if opt.BuildDB != nil {
		deps.DB, err = opt.BuildDB(ctx, opt.ConfigPtr)
		if err != nil {
			return fmt.Errorf("init db: %w", err)
		}
		if deps.DB != nil {
			sqlDB, err := deps.DB.DB()
			if err != nil {
				return fmt.Errorf("init db: %w", err)
			}
			defer func() { _ = sqlDB.Close() }()
		}
	}
	if opt.BuildRedis != nil {
		deps.Redis, err = opt.BuildRedis(ctx, opt.ConfigPtr)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		if deps.Redis != nil {
			defer func() { _ = deps.Redis.Close() }()
		}
	}

	var shutdownTracer func(context.Context) error
	if opt.InitTracer != nil {
		shutdownTracer, err = opt.InitTracer(opt.ConfigPtr)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
	}

	svc, err := opt.BuildServices(ctx, opt.ConfigPtr, deps)
	if err != nil {
		return fmt.Errorf("build services: %w", err)
	}
	if svc.Run == nil {
		return fmt.Errorf("build services: nil Run")
	}
	if svc.OnConfigChange != nil {
		f := svc.OnConfigChange
		onChange.Store(&f)
	}

	// svc.Run 返回即整体退出，其余协程跟着收
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	if opt.PprofAddr != nil {
		if addr := opt.PprofAddr(opt.ConfigPtr); addr != "" {
			g.Go(func() error { return serveHTTP(gctx, log, "pprof", addr, pprofMux()) })
		}
	}
	if opt.MetricsAddr != nil {
		if addr := opt.MetricsAddr(opt.ConfigPtr); addr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			g.Go(func() error { return serveHTTP(gctx, log, "metrics", addr, mux) })
		}
	}
	g.Go(func() error {
		observePools(gctx, deps)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		log.Info("service started", zap.String("service", svcName))
		return svc.Run(gctx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		log.Error("service stopped with error", zap.Error(err))
	}

	if shutdownTracer != nil {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(c)
	}
	log.Info("service stopped", zap.String("service", svcName))
	return err
}

func pprofMux() *http.ServeMux {
	runtime.SetMutexProfileFraction(10)
	runtime.SetBlockProfileRate(10000)

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// serveHTTP 阻塞到 ctx 结束后优雅关闭
func serveHTTP(ctx context.Context, log *zap.Logger, name, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 3 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info(name+" listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
		c, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(c)
		return nil
	}
}

// observePools 采集 DB / Redis 连接池指标
func observePools(ctx context.Context, deps Deps) {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if deps.DB != nil {
			if sqlDB, err := deps.DB.DB(); err == nil {
				st := sqlDB.Stats()
				metrics.DbPoolOpen.Set(float64(st.OpenConnections))
				metrics.DbPoolInuse.Set(float64(st.InUse))
			}
		}
		if deps.Redis != nil {
			st := deps.Redis.PoolStats()
			metrics.RedisPoolOpen.Set(float64(st.TotalConns))
			metrics.RedisPoolIdle.Set(float64(st.IdleConns))
		}
	}
}
