// Package worker wraps an ants goroutine pool with context-aware submission.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"productregistry/backend/internal/pkg/logger"
)

// ErrPoolClosed is returned when submitting to a released pool.
var ErrPoolClosed = errors.New("worker pool is closed")

// Task is a unit of work executed on the pool.
type Task func(ctx context.Context)

// Pool is a bounded goroutine pool.
type Pool struct {
	pool *ants.Pool
	name string
}

// NewPool creates a blocking pool of size workers.
func NewPool(name string, size int) (*Pool, error) {
	if size <= 0 {
		size = 1
	}
	p, err := ants.NewPool(size,
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(10*time.Second),
		ants.WithPanicHandler(func(v any) {
			logger.Error("worker panic recovered",
				zap.String("pool", name),
				zap.Any("panic", v),
				zap.Stack("stack"),
			)
		}),
	)
	if err != nil {
		return nil, err
	}
	return &Pool{pool: p, name: name}, nil
}

// Run submits every task and waits for all of them to finish.
// Tasks that could not be submitted are reported through the returned error.
func (p *Pool) Run(ctx context.Context, tasks []Task) error {
	var (
		wg   sync.WaitGroup
		errs []error
	)
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		wg.Add(1)
		err := p.pool.Submit(func() {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			task(ctx)
		})
		if err != nil {
			wg.Done()
			if errors.Is(err, ants.ErrPoolClosed) {
				err = ErrPoolClosed
			}
			errs = append(errs, err)
		}
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Cap reports the pool capacity.
func (p *Pool) Cap() int { return p.pool.Cap() }

// Release waits up to timeout for running tasks, then frees the pool.
func (p *Pool) Release(timeout time.Duration) {
	if err := p.pool.ReleaseTimeout(timeout); err != nil {
		logger.Warn("worker pool release timeout", zap.String("pool", p.name), zap.Error(err))
	}
}
