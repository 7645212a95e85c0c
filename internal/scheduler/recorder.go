package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// recorder applies history writes in the order they were issued, off the
// scheduler lock. Ops are queued while Scheduler.mu is held so their order
// matches the order of the state changes they mirror.
type recorder struct {
	logger *slog.Logger

	mu     sync.Mutex
	ops    []recordOp
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

type recordOp struct {
	name  string
	jobID string
	fn    func(ctx context.Context) error
}

func newRecorder(logger *slog.Logger) *recorder {
	r := &recorder{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *recorder) add(name, jobID string, fn func(ctx context.Context) error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.ops = append(r.ops, recordOp{name: name, jobID: jobID, fn: fn})
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *recorder) loop() {
	defer close(r.done)
	for {
		r.mu.Lock()
		ops := r.ops
		r.ops = nil
		closed := r.closed
		r.mu.Unlock()

		for _, op := range ops {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := op.fn(ctx); err != nil {
				r.logger.Error("history write failed", "op", op.name, "job_id", op.jobID, "error", err)
			}
			cancel()
		}
		if len(ops) > 0 {
			continue
		}
		if closed {
			return
		}
		<-r.wake
	}
}

// close stops accepting ops and waits until the backlog is flushed or ctx ends.
func (r *recorder) close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flush waits until every op queued so far has been applied.
func (r *recorder) flush(ctx context.Context) error {
	barrier := make(chan struct{})
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.ops = append(r.ops, recordOp{name: "flush", fn: func(context.Context) error {
		close(barrier)
		return nil
	}})
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
