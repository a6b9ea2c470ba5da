package xerr

import (
	"errors"
	"fmt"
)

// 行情链路的错误码
const (
	OK              = 0
	FetchFailed     = 1001 // 网络/上游 5xx/解析失败
	RateLimited     = 1002 // 本地令牌桶或上游 429
	SymbolNotFound  = 1003
	Unauthorized    = 1004
	BreakerOpen     = 1005
	UnknownExchange = 1006
	InvalidArgument = 1007
	PairNotFound    = 1008
)

type CodeError struct {
	Code  int    `json:"code"`
	Msg   string `json:"msg"`
	cause error
}

func (e *CodeError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("ErrCode:%d, Msg:%s: %v", e.Code, e.Msg, e.cause)
	}
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

func (e *CodeError) Unwrap() error { return e.cause }

// Is 让 errors.Is(err, xerr.NewErrCode(code)) 按错误码比较
func (e *CodeError) Is(target error) bool {
	var t *CodeError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

// Wrap 给底层错误打上错误码，err 为 nil 时返回 nil
func Wrap(code int, err error, msg string) error {
	if err == nil {
		return nil
	}
	if msg == "" {
		msg = MapErrMsg(code)
	}
	return &CodeError{Code: code, Msg: msg, cause: err}
}

// CodeOf 取错误链上第一个 CodeError 的码；没有则 FetchFailed，nil 则 OK
func CodeOf(err error) int {
	if err == nil {
		return OK
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return FetchFailed
}

func MapErrMsg(code int) string {
	switch code {
	case OK:
		return "ok"
	case FetchFailed:
		return "fetch failed"
	case RateLimited:
		return "rate limited"
	case SymbolNotFound:
		return "symbol not found"
	case Unauthorized:
		return "unauthorized"
	case BreakerOpen:
		return "circuit breaker open"
	case UnknownExchange:
		return "unknown exchange"
	case InvalidArgument:
		return "invalid argument"
	case PairNotFound:
		return "trading pair not found"
	default:
		return "unknown error"
	}
}
