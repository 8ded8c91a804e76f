package worker

import (
	"context"

	"github.com/janelia-flyem/dcmseq/dcm"
	"github.com/janelia-flyem/dcmseq/fetch"
	"github.com/janelia-flyem/dcmseq/pixel"
)

// Loader fetches and decodes the image for one frame task.
type Loader interface {
	Load(ctx context.Context, task dcm.FetchTask) (*pixel.Image, error)
}

// URLFunc maps a frame task to the URL it is fetched from.
type URLFunc func(task dcm.FetchTask) string

// FrameURLs returns a URLFunc for WADO-RS frame retrieval within a series.
func FrameURLs(base string, series dcm.Series) URLFunc {
	return func(task dcm.FetchTask) string {
		return fetch.FrameURL(base, series, task.Instance.UID, task.Frame)
	}
}

// InProcess fetches and decodes in the calling goroutine.
type InProcess struct {
	Fetcher fetch.Fetcher
	URL     URLFunc
}

// Load implements Loader.
func (l *InProcess) Load(ctx context.Context, task dcm.FetchTask) (*pixel.Image, error) {
	resp, err := fetchFrame(ctx, l.Fetcher, l.URL, task)
	if err != nil {
		return nil, err
	}
	return pixel.FromMultipart(task.ID(), resp.Body, resp.Boundary, task.Instance)
}

// Delegated moves the fetch and/or the decode step onto a worker pool.
type Delegated struct {
	Pool    *Pool
	Fetcher fetch.Fetcher
	URL     URLFunc

	ParallelFetch  bool
	ParallelDecode bool
}

// Load implements Loader.
func (l *Delegated) Load(ctx context.Context, task dcm.FetchTask) (*pixel.Image, error) {
	if l.ParallelFetch && l.ParallelDecode {
		return runOnPool(ctx, l.Pool, func() (*pixel.Image, error) {
			return (&InProcess{Fetcher: l.Fetcher, URL: l.URL}).Load(ctx, task)
		})
	}

	var resp *fetch.Response
	if l.ParallelFetch {
		res, err := runOnPool(ctx, l.Pool, func() (*fetch.Response, error) {
			return fetchFrame(ctx, l.Fetcher, l.URL, task)
		})
		if err != nil {
			return nil, err
		}
		resp = res
	} else {
		var err error
		if resp, err = fetchFrame(ctx, l.Fetcher, l.URL, task); err != nil {
			return nil, err
		}
	}

	if !l.ParallelDecode {
		return pixel.FromMultipart(task.ID(), resp.Body, resp.Boundary, task.Instance)
	}
	return runOnPool(ctx, l.Pool, func() (*pixel.Image, error) {
		return pixel.FromMultipart(task.ID(), resp.Body, resp.Boundary, task.Instance)
	})
}

// NewLoader returns the in-process strategy unless parallel fetch or decode is requested.
func NewLoader(f fetch.Fetcher, urls URLFunc, pool *Pool, parallelFetch, parallelDecode bool) Loader {
	if pool == nil || (!parallelFetch && !parallelDecode) {
		return &InProcess{Fetcher: f, URL: urls}
	}
	return &Delegated{
		Pool:           pool,
		Fetcher:        f,
		URL:            urls,
		ParallelFetch:  parallelFetch,
		ParallelDecode: parallelDecode,
	}
}

func fetchFrame(ctx context.Context, f fetch.Fetcher, urls URLFunc, task dcm.FetchTask) (*fetch.Response, error) {
	resp, err := f.Fetch(ctx, urls(task))
	if err != nil {
		return nil, &dcm.TaskError{TaskID: task.ID(), Err: err}
	}
	return resp, nil
}

// runOnPool runs fn on a worker and waits for its result or the context.  A result
// arriving after the context is done is dropped.
func runOnPool[T any](ctx context.Context, pool *Pool, fn func() (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	var zero T
	done := make(chan result, 1)
	err := pool.Submit(func() {
		value, err := fn()
		done <- result{value, err}
	})
	if err != nil {
		return zero, err
	}
	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
