package safe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestDo_RecoversPanic(t *testing.T) {
	err := Do(func() error { panic("registry exploded") })

	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "registry exploded", pe.Value)
	assert.NotEmpty(t, pe.Stack)
}

func TestDo_PassesThroughError(t *testing.T) {
	want := errors.New("plain")
	assert.Same(t, want, Do(func() error { return want }))
	assert.NoError(t, Do(func() error { return nil }))
}

func TestGoCtx_LogsPanic(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	done := make(chan struct{})

	GoCtx(context.Background(), zap.New(core), func(ctx context.Context) {
		defer close(done)
		panic("worker died")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine never ran")
	}
	assert.Eventually(t, func() bool { return logs.Len() == 1 }, time.Second, 5*time.Millisecond)
}
