package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amurg-ai/relay/hub/internal/store"
)

// Job is a unit of blocking work run off the hub goroutines.
type Job func(ctx context.Context)

// Pool runs blocking store and push calls for every hub of the process.
type Pool struct {
	jobs    chan Job
	quit    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// NewPool starts workers goroutines sharing a queue of queueDepth jobs.
func NewPool(workers, queueDepth int) *Pool {
	if workers <= 0 {
		workers = 16
	}
	if queueDepth <= 0 {
		queueDepth = workers * 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		jobs:   make(chan Job, queueDepth),
		quit:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	for range workers {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit queues job without blocking. It returns false when the pool is
// stopped or full.
func (p *Pool) Submit(job Job) bool {
	if p.stopped.Load() {
		return false
	}
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// Stop runs the jobs already queued and waits for the workers. If ctx ends
// first, in-flight jobs see their context canceled.
func (p *Pool) Stop(ctx context.Context) error {
	if p.stopped.Swap(true) {
		return nil
	}
	close(p.quit)

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-finished
		return ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.jobs:
			job(p.ctx)
		case <-p.quit:
			for {
				select {
				case job := <-p.jobs:
					job(p.ctx)
				default:
					return
				}
			}
		}
	}
}

// persistWithRetry writes msg, retrying with exponential backoff. The error
// after the last attempt is wrapped in a StoreError.
func persistWithRetry(ctx context.Context, s store.Store, msg *store.Message, attempts int, backoff time.Duration) (int64, error) {
	if attempts <= 0 {
		attempts = 1
	}
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	var lastErr error
	for i := range attempts {
		seq, err := s.PersistMessage(ctx, msg)
		if err == nil {
			return seq, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(backoff * time.Duration(1<<i)):
		case <-ctx.Done():
			return 0, &StoreError{Attempts: i + 1, Err: ctx.Err()}
		}
	}
	return 0, &StoreError{Attempts: attempts, Err: lastErr}
}
