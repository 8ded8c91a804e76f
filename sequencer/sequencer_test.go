package sequencer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/janelia-flyem/dcmseq/dcm"
	"github.com/janelia-flyem/dcmseq/pixel"
)

// testLoader returns an image named by the task after an optional per-task delay or
// gate, and tracks the peak number of concurrent loads.
type testLoader struct {
	delay func(task dcm.FetchTask) time.Duration
	gate  chan struct{}
	fail  map[string]error

	inFlight int32
	peak     int32
	calls    int32
}

func (l *testLoader) Load(ctx context.Context, task dcm.FetchTask) (*pixel.Image, error) {
	atomic.AddInt32(&l.calls, 1)
	n := atomic.AddInt32(&l.inFlight, 1)
	defer atomic.AddInt32(&l.inFlight, -1)
	for {
		peak := atomic.LoadInt32(&l.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&l.peak, peak, n) {
			break
		}
	}
	if l.delay != nil {
		time.Sleep(l.delay(task))
	}
	if l.gate != nil {
		<-l.gate
	}
	if err, found := l.fail[task.ID()]; found {
		return nil, &dcm.TaskError{TaskID: task.ID(), Err: err}
	}
	return &pixel.Image{ID: task.ID()}, nil
}

type recorder struct {
	mu       sync.Mutex
	ids      []string
	errs     []error
	progress []Progress
}

func (r *recorder) attach(s *Sequencer) {
	s.OnDelivery(func(img *pixel.Image) {
		r.mu.Lock()
		r.ids = append(r.ids, img.ID)
		r.mu.Unlock()
	})
	s.OnError(func(err error) {
		r.mu.Lock()
		r.errs = append(r.errs, err)
		r.mu.Unlock()
	})
	s.OnProgress(func(p Progress) {
		r.mu.Lock()
		r.progress = append(r.progress, p)
		r.mu.Unlock()
	})
}

func (r *recorder) delivered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.ids...)
}

func waitDone(t *testing.T, s *Sequencer) {
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("Sequencer did not finish, progress %+v\n", s.Progress())
	}
}

func singleFrameInstances(numbers ...int) []*dcm.Instance {
	instances := make([]*dcm.Instance, len(numbers))
	for i, n := range numbers {
		instances[i] = &dcm.Instance{UID: fmt.Sprintf("uid%d", n), Number: n, NumFrames: 1}
	}
	return instances
}

func TestReverseCompletionDeliversInOrder(t *testing.T) {
	numbers := rand.New(rand.NewSource(7)).Perm(12)
	instances := singleFrameInstances(numbers...)

	// Higher instance numbers complete sooner.
	loader := &testLoader{delay: func(task dcm.FetchTask) time.Duration {
		return time.Duration(12-task.Instance.Number) * 5 * time.Millisecond
	}}
	s := New(loader, 0)
	if s.MaxInFlight() != DefaultMaxInFlight {
		t.Errorf("Expected default max in flight %d, got %d\n", DefaultMaxInFlight, s.MaxInFlight())
	}
	var r recorder
	r.attach(s)
	total, err := s.Start(context.Background(), instances)
	if err != nil {
		t.Fatalf("Error starting: %v\n", err)
	}
	if total != 12 {
		t.Errorf("Expected 12 tasks, got %d\n", total)
	}
	waitDone(t, s)

	var expected []string
	for n := 0; n < 12; n++ {
		expected = append(expected, fmt.Sprintf("uid%d/frames/1", n))
	}
	if got := r.delivered(); !reflect.DeepEqual(got, expected) {
		t.Errorf("Bad delivery order:\n got %v\n expected %v\n", got, expected)
	}
	if s.State() != Finished {
		t.Errorf("Expected finished session, got %s\n", s.State())
	}
	p := s.Progress()
	if p.Total != 12 || p.Ready != 12 || p.Delivered != 12 || p.Dispatched != 12 || p.InFlight != 0 {
		t.Errorf("Bad final progress: %+v\n", p)
	}
	if len(r.errs) != 0 {
		t.Errorf("Unexpected errors: %v\n", r.errs)
	}
	if len(r.progress) == 0 || r.progress[len(r.progress)-1].Delivered != 12 {
		t.Errorf("Progress callback did not report completion: %v\n", r.progress)
	}

	// Caller's slice keeps its order.
	for i, inst := range instances {
		if inst.Number != numbers[i] {
			t.Fatalf("Start modified the caller's instance order\n")
		}
	}
}

func TestMultiFrameOrder(t *testing.T) {
	instances := []*dcm.Instance{
		{UID: "A", Number: 2, NumFrames: 2},
		{UID: "B", Number: 1, NumFrames: 1},
		{UID: "C", Number: 3, NumFrames: 1},
	}
	loader := &testLoader{delay: func(task dcm.FetchTask) time.Duration {
		if task.Instance.UID == "B" {
			return 30 * time.Millisecond
		}
		return time.Duration(5-task.Frame) * time.Millisecond
	}}
	s := New(loader, 20)
	var r recorder
	r.attach(s)
	if _, err := s.Start(context.Background(), instances); err != nil {
		t.Fatalf("Error starting: %v\n", err)
	}
	waitDone(t, s)

	expected := []string{"B/frames/1", "A/frames/1", "A/frames/2", "C/frames/1"}
	if got := r.delivered(); !reflect.DeepEqual(got, expected) {
		t.Errorf("Bad delivery order: got %v, expected %v\n", got, expected)
	}
	for _, id := range expected {
		if state, found := s.TaskState(id); !found || state != Delivered {
			t.Errorf("Task %s in state %s, expected delivered\n", id, state)
		}
	}
}

func TestSingleRequestRandomCompletion(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	delays := make(map[int]time.Duration)
	for n := 1; n <= 5; n++ {
		delays[n] = time.Duration(rng.Intn(20)) * time.Millisecond
	}
	loader := &testLoader{delay: func(task dcm.FetchTask) time.Duration {
		return delays[task.Instance.Number]
	}}
	s := New(loader, 1)
	var r recorder
	r.attach(s)
	s.Start(context.Background(), singleFrameInstances(4, 2, 5, 1, 3))
	waitDone(t, s)

	expected := []string{"uid1/frames/1", "uid2/frames/1", "uid3/frames/1", "uid4/frames/1", "uid5/frames/1"}
	if got := r.delivered(); !reflect.DeepEqual(got, expected) {
		t.Errorf("Bad delivery order: got %v, expected %v\n", got, expected)
	}
	if peak := atomic.LoadInt32(&loader.peak); peak != 1 {
		t.Errorf("Expected at most 1 load in flight, saw %d\n", peak)
	}
}

func TestInFlightBound(t *testing.T) {
	numbers := make([]int, 50)
	for i := range numbers {
		numbers[i] = i + 1
	}
	rng := rand.New(rand.NewSource(3))
	loader := &testLoader{delay: func(task dcm.FetchTask) time.Duration {
		return time.Duration(rng.Intn(5)) * time.Millisecond
	}}
	var mu sync.Mutex
	unsafeDelay := loader.delay
	loader.delay = func(task dcm.FetchTask) time.Duration {
		mu.Lock()
		defer mu.Unlock()
		return unsafeDelay(task)
	}
	s := New(loader, 4)
	var r recorder
	r.attach(s)
	s.Start(context.Background(), singleFrameInstances(numbers...))
	waitDone(t, s)

	if peak := atomic.LoadInt32(&loader.peak); peak > 4 {
		t.Errorf("In-flight bound exceeded: peak %d\n", peak)
	}
	if n := len(r.delivered()); n != 50 {
		t.Errorf("Expected 50 deliveries, got %d\n", n)
	}
	for _, p := range r.progress {
		if p.InFlight > 4 {
			t.Errorf("Progress reports %d in flight\n", p.InFlight)
		}
	}
}

func TestCancelDropsLateCompletions(t *testing.T) {
	loader := &testLoader{gate: make(chan struct{})}
	s := New(loader, 3)
	var r recorder
	r.attach(s)
	if _, err := s.Start(context.Background(), singleFrameInstances(1, 2, 3, 4, 5)); err != nil {
		t.Fatalf("Error starting: %v\n", err)
	}
	for atomic.LoadInt32(&loader.calls) < 3 {
		time.Sleep(time.Millisecond)
	}
	s.Cancel()
	s.Cancel()
	waitDone(t, s)

	close(loader.gate)
	for atomic.LoadInt32(&loader.inFlight) > 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	if got := r.delivered(); len(got) != 0 {
		t.Errorf("Delivered after cancel: %v\n", got)
	}
	if len(r.errs) != 0 {
		t.Errorf("Error callback after cancel: %v\n", r.errs)
	}
	if s.State() != Cancelled {
		t.Errorf("Expected cancelled session, got %s\n", s.State())
	}
	if calls := atomic.LoadInt32(&loader.calls); calls != 3 {
		t.Errorf("Expected no dispatch after cancel, saw %d loads\n", calls)
	}
}

func TestCancelFromCallback(t *testing.T) {
	loader := &testLoader{}
	s := New(loader, 1)
	var delivered []string
	s.OnDelivery(func(img *pixel.Image) {
		delivered = append(delivered, img.ID)
		s.Cancel()
	})
	s.Start(context.Background(), singleFrameInstances(1, 2, 3))
	waitDone(t, s)
	s.Cancel()

	if !reflect.DeepEqual(delivered, []string{"uid1/frames/1"}) {
		t.Errorf("Expected a single delivery before cancel, got %v\n", delivered)
	}
	if s.State() != Cancelled {
		t.Errorf("Expected cancelled session, got %s\n", s.State())
	}
}

func TestFailFast(t *testing.T) {
	boom := errors.New("boom")
	loader := &testLoader{
		fail: map[string]error{"uid2/frames/1": boom},
		delay: func(task dcm.FetchTask) time.Duration {
			if task.Instance.Number == 2 {
				return 0
			}
			return 20 * time.Millisecond
		},
	}
	s := New(loader, 2)
	var r recorder
	r.attach(s)
	s.Start(context.Background(), singleFrameInstances(1, 2, 3, 4))
	waitDone(t, s)

	if len(r.errs) != 1 {
		t.Fatalf("Expected a single error callback, got %v\n", r.errs)
	}
	if !errors.Is(r.errs[0], boom) {
		t.Errorf("Error does not wrap the load failure: %v\n", r.errs[0])
	}
	var taskErr *dcm.TaskError
	if !errors.As(r.errs[0], &taskErr) || taskErr.TaskID != "uid2/frames/1" {
		t.Errorf("Error does not identify the failed task: %v\n", r.errs[0])
	}
	if s.State() != SessionFailed || !errors.Is(s.Err(), boom) {
		t.Errorf("Expected failed session, got %s (%v)\n", s.State(), s.Err())
	}
	if state, _ := s.TaskState("uid2/frames/1"); state != Failed {
		t.Errorf("Expected failed task state, got %s\n", state)
	}
	time.Sleep(40 * time.Millisecond)
	if got := r.delivered(); len(got) != 0 {
		t.Errorf("Delivered after failure: %v\n", got)
	}
	if calls := atomic.LoadInt32(&loader.calls); calls != 2 {
		t.Errorf("Expected dispatch to halt after failure, saw %d loads\n", calls)
	}
}

func TestContextDoneCancels(t *testing.T) {
	loader := &testLoader{gate: make(chan struct{})}
	defer close(loader.gate)
	s := New(loader, 2)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx, singleFrameInstances(1, 2, 3))
	cancel()
	waitDone(t, s)
	if s.State() != Cancelled {
		t.Errorf("Expected cancelled session after context done, got %s\n", s.State())
	}
}

func TestStartRules(t *testing.T) {
	s := New(&testLoader{}, 5)
	total, err := s.Start(context.Background(), nil)
	if err != nil || total != 0 {
		t.Fatalf("Expected empty session to start, got %d, %v\n", total, err)
	}
	waitDone(t, s)
	if s.State() != Finished {
		t.Errorf("Expected empty session to finish, got %s\n", s.State())
	}
	if _, err := s.Start(context.Background(), singleFrameInstances(1)); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Expected already started error, got %v\n", err)
	}

	s = New(&testLoader{}, 5)
	s.Cancel()
	waitDone(t, s)
	if _, err := s.Start(context.Background(), singleFrameInstances(1)); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Expected cancelled sequencer to refuse start, got %v\n", err)
	}

	if _, err := New(nil, 1).Start(context.Background(), singleFrameInstances(1)); err == nil {
		t.Errorf("Expected error starting without a loader\n")
	}
}

func TestDuplicateTasksRejected(t *testing.T) {
	// The slow head task lets both copies of X complete before delivery starts.
	loader := &testLoader{delay: func(task dcm.FetchTask) time.Duration {
		if task.Instance.UID == "Y" {
			return 50 * time.Millisecond
		}
		return 0
	}}
	instances := []*dcm.Instance{
		{UID: "Y", Number: 0, NumFrames: 1},
		{UID: "X", Number: 1, NumFrames: 1},
		{UID: "X", Number: 2, NumFrames: 1},
	}
	s := New(loader, 5)
	total, err := s.Start(context.Background(), instances)
	if !errors.Is(err, ErrDuplicateTask) || total != 0 {
		t.Fatalf("Expected duplicate task error, got %d, %v\n", total, err)
	}
	if s.State() != Idle {
		t.Errorf("Expected rejected sequencer to stay idle, got %s\n", s.State())
	}
	if n := atomic.LoadInt32(&loader.calls); n != 0 {
		t.Errorf("Expected no loads for rejected series, got %d\n", n)
	}
	if _, found := s.TaskState("X/frames/1"); found {
		t.Errorf("Expected no task state for rejected series\n")
	}

	instances[2].UID = "Z"
	r := &recorder{}
	r.attach(s)
	if _, err := s.Start(context.Background(), instances); err != nil {
		t.Fatalf("Error starting corrected series: %v\n", err)
	}
	waitDone(t, s)
	expected := []string{"Y/frames/1", "X/frames/1", "Z/frames/1"}
	if got := r.delivered(); !reflect.DeepEqual(got, expected) {
		t.Errorf("Expected %v delivered, got %v\n", expected, got)
	}
}

func TestStateStrings(t *testing.T) {
	if Delivered.String() != "delivered" || SessionFailed.String() != "failed" {
		t.Errorf("Bad state names\n")
	}
	if !Cancelled.Terminal() || Running.Terminal() {
		t.Errorf("Bad terminal states\n")
	}
}
