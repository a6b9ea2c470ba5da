package safe

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
	"gopherex.com/mdfeed/pkg/logger"
)

// PanicError 由 Do 把 recover 到的 panic 包成 error
type PanicError struct {
	Value interface{}
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Do 同步执行 fn，panic 转成 *PanicError 返回
func Do(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return fn()
}

// GoCtx 安全启动协程，panic 记日志不打崩进程
func GoCtx(ctx context.Context, l *zap.Logger, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Ctx(ctx, l).Error("🚨 GOROUTINE PANIC RECOVERED",
					zap.Any("panic", r),
					zap.String("stack", string(debug.Stack())),
				)
			}
		}()

		fn(ctx)
	}()
}
