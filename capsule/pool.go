package capsule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var ErrPoolClosed = errors.New("worker pool closed")

// Pool is a fixed set of worker goroutines reused across frames.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup

	// lock guards closed against concurrent Submit.
	lock   sync.RWMutex
	closed bool
	once   sync.Once
}

func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		tasks: make(chan func(), workers),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Recovered panic in worker: %v", r)
		}
	}()
	task()
}

// Submit queues task, blocking while every worker is busy and the queue is
// full, or until ctx is done.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	p.lock.RLock()
	defer p.lock.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("submit: %w", ctx.Err())
	}
}

// Close stops accepting tasks and waits up to timeout for queued and running
// tasks to finish. It reports whether the workers exited in time. Only the
// first call waits.
func (p *Pool) Close(timeout time.Duration) bool {
	exited := true
	p.once.Do(func() {
		p.lock.Lock()
		p.closed = true
		close(p.tasks)
		p.lock.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-done:
		case <-t.C:
			exited = false
			log.Warnf("Worker pool still busy after %v", timeout)
		}
	})
	return exited
}
