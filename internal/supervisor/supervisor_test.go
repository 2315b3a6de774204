package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sarnowski/msfailab/internal/common/logger"
)

func TestSupervise_StopsCleanlyOnSuccess(t *testing.T) {
	var calls int32
	done := make(chan struct{})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	go func() {
		Supervise(ctx, "clean", logger.Default(), DefaultOptions(), func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervise did not return after a clean fn exit")
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestSupervise_RestartsAfterPanic(t *testing.T) {
	var calls int32
	opts := Options{BaseBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	go Supervise(ctx, "panicky", logger.Default(), opts, func(context.Context) error {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			panic("boom")
		}
		<-ctx.Done()
		return nil
	})

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&calls) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestSupervise_RestartsAfterError(t *testing.T) {
	var calls int32
	opts := Options{BaseBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	go Supervise(ctx, "erroring", logger.Default(), opts, func(context.Context) error {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return errors.New("transient")
		}
		<-ctx.Done()
		return nil
	})

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&calls) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestSupervise_GivesUpAtMaxRestarts(t *testing.T) {
	var calls int32
	done := make(chan struct{})
	opts := Options{BaseBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond, MaxRestarts: 2}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	go func() {
		Supervise(ctx, "doomed", logger.Default(), opts, func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return errors.New("always fails")
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervise did not give up after max restarts")
	}
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestSupervise_StopsOnContextCancel(t *testing.T) {
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(t.Context())

	go func() {
		Supervise(ctx, "cancellable", logger.Default(), DefaultOptions(), func(ctx context.Context) error {
			<-ctx.Done()
			return errors.New("stopped")
		})
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervise did not stop after ctx cancellation")
	}
}
