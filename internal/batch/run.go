package batch

import (
	"context"
	"sync"
)

// Run is a handle on one submitted batch.
type Run struct {
	Generation uint64

	once sync.Once
	done chan struct{}
	err  error
}

func newRun(generation uint64) *Run {
	return &Run{Generation: generation, done: make(chan struct{})}
}

// finish records the outcome. Only the first call has an effect.
func (r *Run) finish(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Done is closed once the run succeeded, failed, or was superseded.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run ends or ctx is done. It returns nil on success,
// the transfer error on failure and ErrSuperseded if a reset discarded the run.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
