// Package routines provides a fixed size pool of goroutines.
package routines

import "sync"

// Pool executes functions concurrently in a fixed number of goroutines.
type Pool struct {
	workChan  chan func()
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewPool creates a Pool and starts workers goroutines.
func NewPool(workers uint) *Pool {
	if workers == 0 {
		workers = 1
	}

	p := Pool{
		workChan: make(chan func()),
	}

	p.wg.Add(int(workers))
	for i := uint(0); i < workers; i++ {
		go p.worker()
	}

	return &p
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for fn := range p.workChan {
		fn()
	}
}

// Queue blocks until a worker is idle and passes fn to it.
// Queue panics when it is called after Wait().
func (p *Pool) Queue(fn func()) {
	p.workChan <- fn
}

// Wait waits until all queued functions finished and terminates the workers.
func (p *Pool) Wait() {
	p.closeOnce.Do(func() {
		close(p.workChan)
	})

	p.wg.Wait()
}
