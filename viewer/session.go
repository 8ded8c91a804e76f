/*
	Package viewer runs display sessions.  A session owns the sequencer for one series
	and the ready queue that feeds delivered images to a renderer in order, and it keeps
	the progress counters shown to the user.
*/
package viewer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/twinj/uuid"

	"github.com/janelia-flyem/dcmseq/dcm"
	"github.com/janelia-flyem/dcmseq/fetch"
	"github.com/janelia-flyem/dcmseq/pixel"
	"github.com/janelia-flyem/dcmseq/sequencer"
	"github.com/janelia-flyem/dcmseq/worker"
)

// Renderer displays images in the order given and holds whatever it has cached for them.
type Renderer interface {
	DisplayImage(img *pixel.Image) error
	ClearImageCache()
}

// Progress is a snapshot of a session's counters.
type Progress struct {
	ID     string `json:"id"`
	Series string `json:"series"`
	State  string `json:"state"`

	Total    int `json:"total"`
	InFlight int `json:"in_flight"`
	Ready    int `json:"ready"`
	Rendered int `json:"rendered"`

	RenderedBytes int64 `json:"rendered_bytes"`

	TimeToFirstImage time.Duration `json:"time_to_first_image"`
	RenderTime       time.Duration `json:"render_time"`
	Elapsed          time.Duration `json:"elapsed"`

	CacheHits   uint64 `json:"cache_hits"`
	CacheMisses uint64 `json:"cache_misses"`

	Error string `json:"error,omitempty"`
}

func (p Progress) String() string {
	s := fmt.Sprintf("%s: %s, %d/%d ready, %d/%d rendered (%s) in %s", p.ID, p.State, p.Ready, p.Total,
		p.Rendered, p.Total, dcm.HumanBytes(p.RenderedBytes), p.Elapsed)
	if p.Rendered > 0 {
		s += fmt.Sprintf(", first image after %s, %s rendering", p.TimeToFirstImage, p.RenderTime)
	}
	if p.Error != "" {
		s += ", error: " + p.Error
	}
	return s
}

// Session displays one series.  It can be started once; view the series again with a
// new Session.
type Session struct {
	ID     string
	Series dcm.Series

	cfg      Config
	renderer Renderer
	cache    *fetch.Cache
	seq      *sequencer.Sequencer

	ready    chan *pixel.Image
	cancelCh chan struct{}
	done     chan struct{}

	cancelOnce sync.Once

	mu            sync.Mutex
	started       time.Time
	stopped       time.Time
	rendered      int
	renderedBytes int64
	firstImage    time.Duration
	renderTime    time.Duration
	cancelled     bool
	err           error

	// cache counts when the session started
	baseHits, baseMisses uint64
}

// NewSession returns a session that fetches frames of the series under baseURL through f.
// The pool is used only if the config asks for parallel fetch or decode.  If f is a
// *fetch.Cache, progress includes the cache hits and misses counted since Start.
func NewSession(series dcm.Series, baseURL string, f fetch.Fetcher, pool *worker.Pool, renderer Renderer, cfg Config) *Session {
	s := &Session{
		ID:       fmt.Sprintf("%x", uuid.NewV4().Bytes()),
		Series:   series,
		cfg:      cfg,
		renderer: renderer,
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
	if cache, ok := f.(*fetch.Cache); ok {
		s.cache = cache
	}
	loader := worker.NewLoader(f, worker.FrameURLs(baseURL, series), pool, cfg.UseParallelFetch, cfg.UseParallelDecode)
	s.seq = sequencer.New(loader, cfg.MaxSimultaneousRequests)
	return s
}

// Start clears the renderer cache and begins fetching the instances.  It
// returns the number of frames to be displayed.
func (s *Session) Start(ctx context.Context, instances []*dcm.Instance) (int, error) {
	s.mu.Lock()
	if !s.started.IsZero() || s.cancelled {
		s.mu.Unlock()
		return 0, sequencer.ErrAlreadyStarted
	}
	s.started = time.Now()
	s.mu.Unlock()

	var frames int
	for _, inst := range instances {
		frames += inst.Frames()
	}
	s.renderer.ClearImageCache()
	if s.cache != nil {
		hits, misses := s.cache.Stats()
		s.mu.Lock()
		s.baseHits, s.baseMisses = hits, misses
		s.mu.Unlock()
	}
	s.ready = make(chan *pixel.Image, frames)
	s.seq.OnDelivery(func(img *pixel.Image) {
		s.ready <- img
	})
	s.seq.OnError(func(err error) {
		s.setErr(err)
	})

	total, err := s.seq.Start(ctx, instances)
	if err != nil {
		return 0, err
	}
	go func() {
		<-s.seq.Done()
		close(s.ready)
	}()
	go s.display()
	dcm.Infof("Session %s started for %s: %d frames, %d in flight\n", s.ID, s.Series, total, s.seq.MaxInFlight())
	return total, nil
}

// display feeds the renderer from the ready queue until it is drained or the session
// is cancelled.
func (s *Session) display() {
	defer func() {
		s.mu.Lock()
		s.stopped = time.Now()
		s.mu.Unlock()
		close(s.done)
	}()
	for {
		select {
		case <-s.cancelCh:
			return
		case img, ok := <-s.ready:
			if !ok {
				return
			}
			start := time.Now()
			if err := s.renderer.DisplayImage(img); err != nil {
				s.setErr(fmt.Errorf("unable to display %s: %w", img.ID, err))
				s.seq.Cancel()
				return
			}
			s.mu.Lock()
			if s.rendered == 0 {
				s.firstImage = time.Since(s.started)
			}
			s.rendered++
			s.renderedBytes += int64(img.SizeInBytes)
			s.renderTime += time.Since(start)
			s.mu.Unlock()
		}
	}
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Cancel stops fetching and rendering and clears the renderer cache.  Safe to call
// more than once.
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() {
		s.mu.Lock()
		s.cancelled = true
		s.mu.Unlock()
		s.seq.Cancel()
		close(s.cancelCh)
		s.renderer.ClearImageCache()
		dcm.Infof("Session %s cancelled\n", s.ID)
	})
}

// Done is closed once the session stops rendering.  For a session never started it
// never closes.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session stops or the context is done and returns the session error.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the error that failed the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns the session state.  A session is finished only once every frame has
// been rendered.
func (s *Session) State() sequencer.SessionState {
	s.mu.Lock()
	cancelled, err := s.cancelled, s.err
	s.mu.Unlock()
	switch {
	case cancelled:
		return sequencer.Cancelled
	case err != nil:
		return sequencer.SessionFailed
	}
	state := s.seq.State()
	if state == sequencer.Finished {
		select {
		case <-s.done:
		default:
			return sequencer.Running
		}
	}
	return state
}

// Progress returns the session counters.
func (s *Session) Progress() Progress {
	sp := s.seq.Progress()
	p := Progress{
		ID:       s.ID,
		Series:   s.Series.String(),
		State:    s.State().String(),
		Total:    sp.Total,
		InFlight: sp.InFlight,
		Ready:    sp.Ready,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache != nil && !s.started.IsZero() {
		hits, misses := s.cache.Stats()
		p.CacheHits, p.CacheMisses = hits-s.baseHits, misses-s.baseMisses
	}
	p.Rendered = s.rendered
	p.RenderedBytes = s.renderedBytes
	p.TimeToFirstImage = s.firstImage
	p.RenderTime = s.renderTime
	switch {
	case s.started.IsZero():
	case s.stopped.IsZero():
		p.Elapsed = time.Since(s.started)
	default:
		p.Elapsed = s.stopped.Sub(s.started)
	}
	if s.err != nil {
		p.Error = s.err.Error()
	}
	return p
}
