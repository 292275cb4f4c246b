// Package workers runs expensive analytics jobs off the tick goroutine on a
// bounded pool and queues their results for the next tick.
package workers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Task is a unit of background work. It must honour ctx cancellation
// between stages.
type Task func(ctx context.Context) (any, error)

// Result is the output of a finished task.
type Result struct {
	Name  string
	Value any
}

// Stats counts pool activity.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Skipped   int64 `json:"skipped"`
	Failed    int64 `json:"failed"`
}

// Pool is a bounded worker pool with a mutex-protected result queue.
type Pool struct {
	logger *zap.Logger
	limit  int

	mu      sync.Mutex
	group   *errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc
	results []Result

	submitted atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
}

func New(limit int, logger *zap.Logger) *Pool {
	if limit <= 0 {
		limit = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		logger: logger,
		limit:  limit,
	}
	p.reset()
	return p
}

func (p *Pool) reset() {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.group = &errgroup.Group{}
	p.group.SetLimit(p.limit)
	p.results = nil
}

// Submit starts task when a worker is free. A full pool skips the job and
// returns false.
func (p *Pool) Submit(name string, task Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx := p.ctx
	started := p.group.TryGo(func() error {
		p.run(ctx, name, task)
		return nil
	})
	if !started {
		p.skipped.Add(1)
		p.logger.Debug("worker pool full, job skipped", zap.String("job", name))
		return false
	}

	p.submitted.Add(1)
	return true
}

// run executes task and recovers a panic at the task boundary. Failures are
// logged and produce no result.
func (p *Pool) run(ctx context.Context, name string, task Task) {
	value, err := func() (value any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return task(ctx)
	}()

	if err != nil {
		p.failed.Add(1)
		p.logger.Error("background job failed", zap.String("job", name), zap.Error(err))
		return
	}
	if ctx.Err() != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// a Stop between the check above and here replaced the context
	if ctx == p.ctx {
		p.results = append(p.results, Result{Name: name, Value: value})
	}
}

func (p *Pool) Drain() []Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	results := p.results
	p.results = nil
	return results
}

func (p *Pool) Wait() {
	p.mu.Lock()
	group := p.group
	p.mu.Unlock()

	_ = group.Wait()
}

// Stop cancels in-flight tasks, waits for them to return and clears pending
// results. The pool can be used again afterwards.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel, group := p.cancel, p.group
	p.mu.Unlock()

	cancel()
	_ = group.Wait()

	p.mu.Lock()
	p.reset()
	p.mu.Unlock()
}

func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Skipped:   p.skipped.Load(),
		Failed:    p.failed.Load(),
	}
}
