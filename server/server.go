package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"github.com/janelia-flyem/dcmseq/auth"
	"github.com/janelia-flyem/dcmseq/dcm"
	"github.com/janelia-flyem/dcmseq/fetch"
	"github.com/janelia-flyem/dcmseq/metadata"
	"github.com/janelia-flyem/dcmseq/viewer"
	"github.com/janelia-flyem/dcmseq/worker"
)

// ErrUnknownSession is returned for a session id not held by the server.
var ErrUnknownSession = errors.New("unknown session")

type sessionEntry struct {
	session *viewer.Session
	canvas  *viewer.Canvas
	user    string
	created time.Time
}

// Server runs display sessions on behalf of HTTP clients.  All sessions share one
// frame fetcher, metadata source and worker pool.
type Server struct {
	cfg Config

	creds    *auth.Authenticator
	fetcher  fetch.Fetcher
	source   metadata.Source
	pool     *worker.Pool
	authz    *authorizer
	activity *activityLog
	closers  []func() error

	// ctx is the parent of all session contexts and is done at shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*sessionEntry
	loggers  sync.WaitGroup
}

// New builds a server from a configuration.  The fetcher and metadata source are
// created from the [dicomweb] settings unless given in opts.
func New(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		sessions: make(map[string]*sessionEntry),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}

	var err error
	if s.authz, err = newAuthorizer(cfg.Auth); err != nil {
		return nil, err
	}
	if s.creds == nil {
		s.creds = newCredentials(cfg.DICOMweb)
	}
	if s.creds != nil {
		if err := s.creds.SignIn(s.ctx); err != nil {
			dcm.Errorf("Initial sign-in for DICOMweb requests failed: %v\n", err)
		}
		s.creds.OnSignedInChanged(func(signedIn bool) {
			dcm.Infof("DICOMweb credentials signed in: %t\n", signedIn)
		})
	}
	if s.fetcher == nil {
		if s.fetcher, err = s.newFetcher(); err != nil {
			return nil, err
		}
	}
	if cfg.Viewer.CacheMB > 0 {
		s.fetcher = fetch.NewCache(s.fetcher, cfg.Viewer.CacheMB*dcm.Mega)
	}
	if s.source == nil {
		if s.source, err = s.newSource(); err != nil {
			return nil, err
		}
	}
	if s.pool == nil && (cfg.Viewer.UseParallelFetch || cfg.Viewer.UseParallelDecode) {
		s.pool = worker.NewPool(cfg.Viewer.Workers)
	}
	if s.activity == nil {
		if s.activity, err = newActivityLog(cfg.Kafka, cfg.Server.Host); err != nil {
			return nil, fmt.Errorf("unable to start kafka activity log: %v", err)
		}
	}
	return s, nil
}

// Option customizes a Server.
type Option func(*Server)

// WithFetcher sets the frame fetcher instead of building one from the configuration.
func WithFetcher(f fetch.Fetcher) Option {
	return func(s *Server) { s.fetcher = f }
}

// WithSource sets the metadata source instead of building one from the configuration.
func WithSource(src metadata.Source) Option {
	return func(s *Server) { s.source = src }
}

// WithActivityProducer publishes activity records through the given kafka producer.
func WithActivityProducer(producer sarama.AsyncProducer, topic string) Option {
	return func(s *Server) { s.activity = startActivityLog(producer, topic) }
}

// WithCredentials sets the authenticator used for outgoing requests.
func WithCredentials(a *auth.Authenticator) Option {
	return func(s *Server) { s.creds = a }
}

// credentials returns the outgoing credentials as the interface the clients take, so
// that a nil authenticator stays a nil interface.
func (s *Server) credentials() fetch.Credentials {
	if s.creds == nil {
		return nil
	}
	return s.creds
}

func (s *Server) newFetcher() (fetch.Fetcher, error) {
	c := s.cfg.DICOMweb
	if c.Replay != "" {
		bucket, err := fetch.OpenBucket(s.ctx, c.Replay)
		if err != nil {
			return nil, err
		}
		bf := fetch.NewBlobFetcher(bucket)
		s.closers = append(s.closers, bf.Close)
		dcm.Infof("Replaying frame responses from %s\n", c.Replay)
		return bf, nil
	}
	var f fetch.Fetcher = fetch.NewClient(s.credentials(), s.cfg.Viewer.TransferSyntax, s.cfg.Viewer.RequestTimeout())
	if c.Capture != "" {
		bucket, err := fetch.OpenBucket(s.ctx, c.Capture)
		if err != nil {
			return nil, err
		}
		bf := fetch.NewBlobFetcher(bucket)
		s.closers = append(s.closers, bf.Close)
		f = fetch.NewRecorder(f, bf)
		dcm.Infof("Capturing frame responses into %s\n", c.Capture)
	}
	return f, nil
}

func (s *Server) newSource() (metadata.Source, error) {
	c := s.cfg.DICOMweb
	if c.HealthcareStore == "" {
		var creds metadata.Credentials
		if s.creds != nil {
			creds = s.creds
		}
		return &metadata.WebSource{
			BaseURL:     c.BaseURL,
			Client:      &http.Client{Timeout: s.cfg.Viewer.RequestTimeout()},
			Credentials: creds,
		}, nil
	}
	var opts []option.ClientOption
	if c.HealthcareEndpoint != "" {
		opts = append(opts, option.WithEndpoint(c.HealthcareEndpoint))
	}
	if s.creds != nil {
		opts = append(opts, option.WithTokenSource(s.creds))
	} else {
		opts = append(opts, option.WithoutAuthentication())
	}
	return metadata.NewHealthcareSource(s.ctx, c.HealthcareStore, opts...)
}

// View retrieves the series metadata and starts displaying it on the renderer.  The
// session is not held by the server.  Metadata retrieval is bound to ctx, while the
// session runs until it completes, is cancelled, or the server closes.
func (s *Server) View(ctx context.Context, series dcm.Series, renderer viewer.Renderer) (*viewer.Session, int, error) {
	instances, err := s.source.SeriesInstances(ctx, series)
	if err != nil {
		return nil, 0, err
	}
	dcm.Debugf("Retrieved metadata for %d instances of %s\n", len(instances), series)
	session := viewer.NewSession(series, s.cfg.FramesBaseURL(), s.fetcher, s.pool, renderer, s.cfg.Viewer)
	total, err := session.Start(s.ctx, instances)
	if err != nil {
		return nil, 0, err
	}
	return session, total, nil
}

// StartSession starts displaying a series on a canvas held by the server until the
// session is cancelled.
func (s *Server) StartSession(ctx context.Context, series dcm.Series, user string) (*viewer.Session, int, error) {
	canvas := &viewer.Canvas{}
	session, total, err := s.View(ctx, series, canvas)
	if err != nil {
		return nil, 0, err
	}
	s.mu.Lock()
	s.sessions[session.ID] = &sessionEntry{session: session, canvas: canvas, user: user, created: time.Now()}
	s.mu.Unlock()

	s.activity.log(map[string]interface{}{
		"time":    time.Now().Unix(),
		"action":  "session-start",
		"session": session.ID,
		"study":   series.StudyUID,
		"series":  series.SeriesUID,
		"frames":  total,
		"user":    user,
	})
	s.loggers.Add(1)
	go s.retire(session, user)
	return session, total, nil
}

// retire logs the end of a session and forgets it once the retention period has passed.
func (s *Server) retire(session *viewer.Session, user string) {
	defer s.loggers.Done()
	select {
	case <-session.Done():
	case <-s.ctx.Done():
		return
	}
	p := session.Progress()
	dcm.Infof("Session %s\n", p)
	activity := map[string]interface{}{
		"time":     time.Now().Unix(),
		"action":   "session-end",
		"session":  p.ID,
		"state":    p.State,
		"rendered": p.Rendered,
		"total":    p.Total,
		"duration": p.Elapsed.Seconds() * 1000.0,
		"user":     user,
	}
	if p.Rendered > 0 {
		activity["first_image"] = p.TimeToFirstImage.Seconds() * 1000.0
	}
	if p.Error != "" {
		activity["error"] = p.Error
	}
	s.activity.log(activity)

	timer := time.NewTimer(s.cfg.SessionRetention())
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.ctx.Done():
		return
	}
	s.mu.Lock()
	if entry, found := s.sessions[session.ID]; found && entry.session == session {
		delete(s.sessions, session.ID)
		dcm.Debugf("Session %s retired\n", session.ID)
	}
	s.mu.Unlock()
}

func (s *Server) session(id string) (*sessionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, found := s.sessions[id]
	if !found {
		return nil, ErrUnknownSession
	}
	return entry, nil
}

// CancelSession cancels a session and forgets it.
func (s *Server) CancelSession(id string) error {
	s.mu.Lock()
	entry, found := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !found {
		return ErrUnknownSession
	}
	entry.session.Cancel()
	return nil
}

// Sessions returns the progress of all held sessions, oldest first.
func (s *Server) Sessions() []viewer.Progress {
	s.mu.RLock()
	entries := make([]*sessionEntry, 0, len(s.sessions))
	for _, entry := range s.sessions {
		entries = append(entries, entry)
	}
	s.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].created.Before(entries[j].created)
	})
	progress := make([]viewer.Progress, len(entries))
	for i, entry := range entries {
		progress[i] = entry.session.Progress()
	}
	return progress
}

// Run serves HTTP requests until the context is done, then cancels all sessions and
// shuts down within the configured delay.
func (s *Server) Run(ctx context.Context) error {
	address := s.cfg.Server.HTTPAddress
	if address == "" {
		address = DefaultWebAddress
	}
	src := &http.Server{
		Addr:        address,
		Handler:     s.Handler(),
		ReadTimeout: 1 * time.Hour,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dcm.Infof("Web server listening at %s ...\n", address)
		if err := src.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownDelay())
		defer cancel()
		return src.Shutdown(shutdownCtx)
	})
	err := g.Wait()
	s.Close()
	return err
}

// Close cancels all sessions and releases the pool, buckets and kafka producer.
func (s *Server) Close() {
	s.mu.Lock()
	for id, entry := range s.sessions {
		entry.session.Cancel()
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	s.cancel()
	if s.pool != nil {
		s.pool.Close()
	}
	for _, closer := range s.closers {
		if err := closer(); err != nil {
			dcm.Errorf("error on close: %v\n", err)
		}
	}
	s.closers = nil
	s.loggers.Wait()
	s.activity.close()
}
