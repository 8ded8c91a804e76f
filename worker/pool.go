/*
	Package worker runs frame fetch and decode work either in the calling goroutine or on
	a fixed pool of workers sized to the available hardware parallelism.
*/
package worker

import (
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/janelia-flyem/dcmseq/dcm"
)

// ErrPoolClosed is returned when submitting to a closed pool.
var ErrPoolClosed = errors.New("worker pool closed")

// QueueSize is the number of jobs a single worker can hold before Submit blocks.
const QueueSize = 256

type worker struct {
	id     int
	jobs   chan func()
	active int // queued plus running, guarded by Pool.mu
}

// Pool is a fixed set of workers.  Each job goes to the worker with the fewest
// queued or running jobs.
type Pool struct {
	mu      sync.Mutex
	workers []*worker

	// closeMu is held for reading across a send so Close never closes a channel
	// with a send in progress.
	closeMu sync.RWMutex
	closed  bool

	g errgroup.Group
}

// NewPool starts n workers.  If n <= 0, one worker per CPU is started.
func NewPool(n int) *Pool {
	if n <= 0 {
		n = dcm.NumCPU
	}
	p := &Pool{workers: make([]*worker, n)}
	for i := range p.workers {
		w := &worker{id: i, jobs: make(chan func(), QueueSize)}
		p.workers[i] = w
		p.g.Go(func() error {
			p.run(w)
			return nil
		})
	}
	dcm.Debugf("Started pool of %d workers\n", n)
	return p
}

func (p *Pool) run(w *worker) {
	for job := range w.jobs {
		job()
		p.mu.Lock()
		w.active--
		p.mu.Unlock()
	}
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// nextWorker returns the least loaded worker.  The first idle worker wins and ties go
// to the lowest index.  Must be called with the lock held.
func (p *Pool) nextWorker() *worker {
	best := p.workers[0]
	for _, w := range p.workers[1:] {
		if best.active == 0 {
			break
		}
		if w.active < best.active {
			best = w
		}
	}
	return best
}

// Submit queues a job on the least loaded worker.
func (p *Pool) Submit(job func()) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.mu.Lock()
	w := p.nextWorker()
	w.active++
	p.mu.Unlock()

	w.jobs <- job
	return nil
}

// Loads returns the number of queued or running jobs per worker.
func (p *Pool) Loads() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	loads := make([]int, len(p.workers))
	for i, w := range p.workers {
		loads[i] = w.active
	}
	return loads
}

// Close stops accepting jobs, lets queued jobs finish, and waits for all workers.
func (p *Pool) Close() error {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return nil
	}
	p.closed = true
	for _, w := range p.workers {
		close(w.jobs)
	}
	p.closeMu.Unlock()
	return p.g.Wait()
}
