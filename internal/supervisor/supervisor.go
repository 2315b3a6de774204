// Package supervisor provides a panic-recovering restart wrapper around
// actor run loops (Container Controller, Console Session, Track Engine
// Shell), per spec §9 "actor-per-entity / supervised processes".
//
// A protocol contract violation (§7) is surfaced as a panic inside the
// actor's mailbox loop; Supervise recovers it, logs it, and restarts the
// actor with exponential backoff rather than taking down the process.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sarnowski/msfailab/internal/backoff"
	"github.com/sarnowski/msfailab/internal/common/logger"
)

// Options configures restart behavior.
type Options struct {
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxRestarts int // 0 means unlimited
}

// DefaultOptions mirrors the container restart defaults (§6.7).
func DefaultOptions() Options {
	return Options{
		BaseBackoff: 1 * time.Second,
		MaxBackoff:  60 * time.Second,
		MaxRestarts: 0,
	}
}

// Supervise runs fn in a loop until ctx is cancelled. If fn returns an error
// or panics, it is restarted after an exponential backoff delay. fn should
// itself respect ctx cancellation and return promptly when it is done.
func Supervise(ctx context.Context, name string, log *logger.Logger, opts Options, fn func(context.Context) error) {
	log = log.WithFields(zap.String("actor", name))
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		err := runOnce(ctx, fn)
		if err == nil {
			return
		}

		attempt++
		log.Error("actor crashed, restarting", zap.Error(err), zap.Int("attempt", attempt))

		if opts.MaxRestarts > 0 && attempt >= opts.MaxRestarts {
			log.Error("actor exceeded max restarts, giving up", zap.Int("max_restarts", opts.MaxRestarts))
			return
		}

		delay := backoff.Next(attempt, opts.BaseBackoff, opts.MaxBackoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// runOnce executes fn once, converting a panic into an error so the caller
// can apply its restart policy uniformly.
func runOnce(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
