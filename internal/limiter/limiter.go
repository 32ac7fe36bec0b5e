// Package limiter bounds the number of background tasks in flight.
//
// Each call to Go carries its own limit, so a caller running a cheap task
// may allow more concurrency than one running an expensive task, while all
// of them are awaited with a single Wait.
package limiter

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

var ErrInvalidLimit = errors.New("limit must be positive")

type Limiter struct {
	mx      sync.Mutex
	active  int
	changed chan struct{}
	errs    []error
	g       errgroup.Group
}

func New() *Limiter {
	return &Limiter{changed: make(chan struct{})}
}

// Go blocks until fewer than limit tasks are outstanding and then runs
// task in a new goroutine. It returns ErrInvalidLimit for a non positive
// limit or the context error if ctx ends while waiting; in both cases task
// is not started.
func (l *Limiter) Go(ctx context.Context, limit int, task func(context.Context) error) error {
	if limit <= 0 {
		return ErrInvalidLimit
	}
	for {
		l.mx.Lock()
		if l.active < limit {
			l.active++
			l.mx.Unlock()
			break
		}
		ch := l.changed
		l.mx.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}

	l.g.Go(func() error {
		err := task(ctx)
		l.mx.Lock()
		defer l.mx.Unlock()
		l.active--
		if err != nil {
			l.errs = append(l.errs, err)
		}
		close(l.changed)
		l.changed = make(chan struct{})
		return nil
	})
	return nil
}

// Active returns the number of outstanding tasks.
func (l *Limiter) Active() int {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.active
}

// Wait blocks until every started task returned and reports their errors
// joined together. The limiter may be reused afterwards.
func (l *Limiter) Wait() error {
	_ = l.g.Wait()
	l.mx.Lock()
	defer l.mx.Unlock()
	err := errors.Join(l.errs...)
	l.errs = nil
	return err
}
