/*
	Package sequencer fetches and decodes the frames of a series concurrently but delivers
	the decoded images strictly in ascending (instance number, frame number) order.

	One coordinator goroutine per session owns the delivery queue, the dispatch queue, the
	map of out-of-order completions and the in-flight count.  Loads run in their own
	goroutines and only report completions back to the coordinator, so none of that state
	is shared.  A single failed task fails the session since later frames could never be
	delivered without leaving a gap.
*/
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/janelia-flyem/dcmseq/dcm"
	"github.com/janelia-flyem/dcmseq/pixel"
)

// DefaultMaxInFlight is the default bound on concurrent frame requests.
const DefaultMaxInFlight = 20

var (
	// ErrAlreadyStarted is returned by Start on a sequencer that has been started or cancelled.
	ErrAlreadyStarted = errors.New("sequencer already started")

	// ErrDuplicateTask is returned by Start when two frames share a task identifier,
	// e.g., metadata listing the same SOP instance UID twice.
	ErrDuplicateTask = errors.New("duplicate frame task")
)

// Loader fetches and decodes the image for one frame task.
type Loader interface {
	Load(ctx context.Context, task dcm.FetchTask) (*pixel.Image, error)
}

// Progress is a snapshot of a session's counters.
type Progress struct {
	Total      int
	Dispatched int
	InFlight   int
	Ready      int // tasks completed successfully, delivered or not
	Delivered  int
	Elapsed    time.Duration
}

type completion struct {
	task dcm.FetchTask
	img  *pixel.Image
	err  error
}

// Sequencer runs one ordered fetch session.  Register callbacks before Start.  A new
// session needs a new Sequencer.
type Sequencer struct {
	loader      Loader
	maxInFlight int

	onDelivery func(*pixel.Image)
	onError    func(error)
	onProgress func(Progress)

	events     chan completion
	cancelCh   chan struct{}
	cancelOnce sync.Once
	done       chan struct{}

	mu       sync.Mutex
	state    SessionState
	progress Progress
	started  time.Time
	stopped  time.Time
	tasks    map[string]TaskState
	err      error
}

// New returns an idle sequencer.  A maxInFlight < 1 uses DefaultMaxInFlight.
func New(loader Loader, maxInFlight int) *Sequencer {
	if maxInFlight < 1 {
		maxInFlight = DefaultMaxInFlight
	}
	return &Sequencer{
		loader:      loader,
		maxInFlight: maxInFlight,
		events:      make(chan completion),
		cancelCh:    make(chan struct{}),
		done:        make(chan struct{}),
		tasks:       make(map[string]TaskState),
	}
}

// OnDelivery sets the callback receiving images in order.
func (s *Sequencer) OnDelivery(fn func(*pixel.Image)) {
	s.onDelivery = fn
}

// OnError sets the callback receiving the error that failed the session.
func (s *Sequencer) OnError(fn func(error)) {
	s.onError = fn
}

// OnProgress sets a callback receiving counters after each completion.
func (s *Sequencer) OnProgress(fn func(Progress)) {
	s.onProgress = fn
}

// MaxInFlight returns the bound on concurrent loads.
func (s *Sequencer) MaxInFlight() int {
	return s.maxInFlight
}

// Start orders the frames of the given instances and begins loading them.  It returns
// the number of frame tasks.  The caller's slice is not modified.  The context is
// passed to every load; if it is done the session is cancelled.
func (s *Sequencer) Start(ctx context.Context, instances []*dcm.Instance) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle {
		return 0, ErrAlreadyStarted
	}
	if s.loader == nil {
		return 0, errors.New("sequencer has no loader")
	}
	sorted := make([]*dcm.Instance, len(instances))
	copy(sorted, instances)
	tasks := dcm.Tasks(sorted)
	seen := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if _, found := seen[t.ID()]; found {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID())
		}
		seen[t.ID()] = struct{}{}
	}

	s.started = time.Now()
	s.progress = Progress{Total: len(tasks)}
	for _, t := range tasks {
		s.tasks[t.ID()] = Queued
	}
	if len(tasks) == 0 {
		s.state = Finished
		s.stopped = s.started
		close(s.done)
		return 0, nil
	}
	s.state = Running
	dcm.Debugf("Starting sequence of %d frames from %d instances, %d in flight\n",
		len(tasks), len(instances), s.maxInFlight)
	go s.run(ctx, tasks)
	return len(tasks), nil
}

// Cancel ends the session.  Queued and completed but undelivered results are dropped
// and loads already dispatched are left to finish with their results discarded.  Once
// Cancel returns no further delivery or error is committed, though a delivery committed
// just before may still be running its callback on the coordinator goroutine.  Cancel
// does not wait for it, so it may be called any number of times, from any goroutine
// including a callback.
func (s *Sequencer) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Idle:
		s.state = Cancelled
		s.stopped = time.Now()
		close(s.done)
	case Running:
		s.state = Cancelled
		s.stopped = time.Now()
		s.cancelOnce.Do(func() { close(s.cancelCh) })
	}
}

// Done is closed when the session has finished, failed or been cancelled and the
// coordinator has released all queued state.
func (s *Sequencer) Done() <-chan struct{} {
	return s.done
}

// State returns the session state.
func (s *Sequencer) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that failed the session, if any.
func (s *Sequencer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// TaskState returns the state of a task by its identifier.
func (s *Sequencer) TaskState(id string) (TaskState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, found := s.tasks[id]
	return state, found
}

// Progress returns the current counters.  They remain readable after the session ends.
func (s *Sequencer) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progressLocked()
}

func (s *Sequencer) progressLocked() Progress {
	p := s.progress
	switch {
	case s.started.IsZero():
	case s.stopped.IsZero():
		p.Elapsed = time.Since(s.started)
	default:
		p.Elapsed = s.stopped.Sub(s.started)
	}
	return p
}

// run is the coordinator.  Only it touches the queues, the completed map and inFlight.
func (s *Sequencer) run(ctx context.Context, tasks []dcm.FetchTask) {
	defer close(s.done)

	instanceQueue := make([]string, len(tasks))
	for i, t := range tasks {
		instanceQueue[i] = t.ID()
	}
	fetchQueue := tasks
	completed := make(map[string]*pixel.Image)
	var inFlight int

	timedLog := dcm.NewTimeLog()

	dispatch := func() {
		for inFlight < s.maxInFlight && len(fetchQueue) > 0 {
			t := fetchQueue[0]
			fetchQueue = fetchQueue[1:]
			inFlight++
			s.dispatched(t, inFlight)
			go s.load(ctx, t)
		}
	}

	// drain delivers completed results from the head of the delivery queue, stopping at
	// the first task not yet completed.  Returns false if cancelled by a callback.
	drain := func() bool {
		for len(instanceQueue) > 0 {
			id := instanceQueue[0]
			img, found := completed[id]
			if !found {
				return true
			}
			instanceQueue = instanceQueue[1:]
			delete(completed, id)
			if !s.deliver(id, img) {
				return false
			}
		}
		return true
	}

	dispatch()
	for {
		select {
		case <-s.cancelCh:
			// Queues and completed results are released with this goroutine.
			dcm.Debugf("Sequence cancelled with %d frames undelivered, %d in flight\n", len(instanceQueue), inFlight)
			return
		case <-ctx.Done():
			s.Cancel()
			dcm.Infof("Sequence stopped: %v\n", ctx.Err())
			return
		case c := <-s.events:
			inFlight--
			if c.err != nil {
				s.fail(c.task, c.err, inFlight)
				return
			}
			completed[c.task.ID()] = c.img
			s.completed(c.task, inFlight)
			if !drain() {
				return
			}
			if len(instanceQueue) == 0 {
				if s.finish() {
					timedLog.Infof("Delivered all %d frames", len(tasks))
				}
				return
			}
			dispatch()
			s.reportProgress()
		}
	}
}

// load runs one task and hands the result to the coordinator, or drops it if the
// coordinator has already exited.
func (s *Sequencer) load(ctx context.Context, t dcm.FetchTask) {
	img, err := s.loader.Load(ctx, t)
	select {
	case s.events <- completion{task: t, img: img, err: err}:
	case <-s.done:
	}
}

func (s *Sequencer) dispatched(t dcm.FetchTask, inFlight int) {
	s.mu.Lock()
	s.tasks[t.ID()] = Dispatched
	s.progress.Dispatched++
	s.progress.InFlight = inFlight
	s.mu.Unlock()
}

func (s *Sequencer) completed(t dcm.FetchTask, inFlight int) {
	s.mu.Lock()
	s.tasks[t.ID()] = Completed
	s.progress.Ready++
	s.progress.InFlight = inFlight
	s.mu.Unlock()
}

// deliver hands an image to the delivery callback unless the session was cancelled.
func (s *Sequencer) deliver(id string, img *pixel.Image) bool {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return false
	}
	s.tasks[id] = Delivered
	s.progress.Delivered++
	fn := s.onDelivery
	s.mu.Unlock()

	if fn != nil {
		fn(img)
	}
	return s.State() == Running
}

func (s *Sequencer) fail(t dcm.FetchTask, err error, inFlight int) {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return
	}
	s.tasks[t.ID()] = Failed
	s.state = SessionFailed
	s.stopped = time.Now()
	s.err = err
	s.progress.InFlight = inFlight
	fn := s.onError
	s.mu.Unlock()

	dcm.Errorf("Sequence failed on %s: %v\n", t, err)
	if fn != nil {
		fn(err)
	}
}

func (s *Sequencer) finish() bool {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return false
	}
	s.state = Finished
	s.stopped = time.Now()
	s.progress.InFlight = 0
	s.mu.Unlock()
	s.reportProgress()
	return true
}

func (s *Sequencer) reportProgress() {
	s.mu.Lock()
	if s.state == Cancelled || s.onProgress == nil {
		s.mu.Unlock()
		return
	}
	p := s.progressLocked()
	fn := s.onProgress
	s.mu.Unlock()
	fn(p)
}
