package strategy

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// Background runs fire-and-forget work such as cache refreshes. At most
// workers tasks run at once. Go drops work while all slots are busy and
// Submit queues it. Tasks get a context that is never canceled by the caller.
type Background struct {
	sem chan struct{}
	wg  sync.WaitGroup
	log *slog.Logger
}

func NewBackground(workers int, logger *slog.Logger) *Background {
	if workers <= 0 {
		workers = 8
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Background{sem: make(chan struct{}, workers), log: logger}
}

// Go schedules fn. It reports false when the task was dropped.
func (b *Background) Go(ctx context.Context, name string, fn func(context.Context) error) bool {
	select {
	case b.sem <- struct{}{}:
	default:
		b.log.Debug("background task dropped", "task", name)
		return false
	}
	detached := context.WithoutCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() { <-b.sem }()
		if err := fn(detached); err != nil {
			b.log.Debug("background task failed", "task", name, "err", err)
		}
	}()
	return true
}

// Submit schedules fn without dropping it. The goroutine starts at once and
// waits for a free slot before running fn.
func (b *Background) Submit(ctx context.Context, name string, fn func(context.Context) error) {
	detached := context.WithoutCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.sem <- struct{}{}
		defer func() { <-b.sem }()
		if err := fn(detached); err != nil {
			b.log.Debug("background task failed", "task", name, "err", err)
		}
	}()
}

// Wait blocks until every scheduled task has returned.
func (b *Background) Wait() {
	b.wg.Wait()
}
