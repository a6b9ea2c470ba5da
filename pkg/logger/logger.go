package logger

import (
	"context"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TraceIDKey 日志里 trace 字段的名字
const TraceIDKey = "trace_id"

// Log 进程级 logger，只给 main / 兜底用；业务组件通过构造函数注入 *zap.Logger
var Log = zap.NewNop()

// New 构建一个 JSON logger
// serviceName: 服务名，会作为固定字段 service 输出
// level: debug, info, warn, error；解析失败按 info
// logFile: 为空时写 logs/{serviceName}.log；"-" 表示只写控制台
func New(serviceName, level, logFile string) *zap.Logger {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zap.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.MessageKey = "msg"

	writeSyncers := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}
	if logFile != "-" {
		if logFile == "" {
			logFile = filepath.Join("logs", serviceName+".log")
		}
		// 文件打不开就只写控制台，不中断启动
		if err := os.MkdirAll(filepath.Dir(logFile), 0755); err == nil {
			if f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
				writeSyncers = append(writeSyncers, zapcore.AddSync(f))
			}
		}
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.NewMultiWriteSyncer(writeSyncers...),
		zapLevel,
	)
	return zap.New(core, zap.AddCaller()).With(zap.String("service", serviceName))
}

// Init 初始化全局 Log，并返回同一个实例方便注入
func Init(serviceName, level, logFile string) *zap.Logger {
	Log = New(serviceName, level, logFile)
	return Log
}

// Ctx 返回带上 ctx 里 trace_id 的 logger。
// l 为 nil 时退回全局 Log。
func Ctx(ctx context.Context, l *zap.Logger) *zap.Logger {
	if l == nil {
		l = Log
	}
	if ctx == nil {
		return l
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l
	}
	return l.With(zap.String(TraceIDKey, sc.TraceID().String()))
}

// Sync 刷新缓冲区 (main 里 defer 调用)
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}
