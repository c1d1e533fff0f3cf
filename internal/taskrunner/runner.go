// Package taskrunner bridges blocking network I/O into a fixed-tick loop.
// Operations run on their own goroutines; their completion callbacks are
// queued and executed only when the tick loop calls Drain, so shared state is
// only ever touched on tick boundaries.
package taskrunner

import (
	"context"

	"go.uber.org/zap"
)

// Op performs the blocking work and returns the callback to run on the next
// tick boundary. Returning nil skips delivery.
type Op func(ctx context.Context) func()

type Runner struct {
	ctx  context.Context
	log  *zap.Logger
	done chan func()
}

func New(ctx context.Context, log *zap.Logger, buffer int) *Runner {
	if buffer <= 0 {
		buffer = 64
	}
	return &Runner{
		ctx:  ctx,
		log:  log,
		done: make(chan func(), buffer),
	}
}

// Go starts op on its own goroutine. The callback it returns is delivered at
// most once; if the runner's context ends first the callback is dropped.
func (r *Runner) Go(op Op) {
	go func() {
		cb := op(r.ctx)
		if cb == nil {
			return
		}
		select {
		case r.done <- cb:
		case <-r.ctx.Done():
			r.log.Debug("runner shutting down, dropping completion callback")
		}
	}()
}

// Drain runs every callback that has completed so far and reports how many
// ran. It never blocks; call it once per tick.
func (r *Runner) Drain() int {
	n := 0
	for {
		select {
		case cb := <-r.done:
			cb()
			n++
		default:
			return n
		}
	}
}
