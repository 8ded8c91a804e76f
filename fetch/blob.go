package fetch

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	"github.com/janelia-flyem/dcmseq/dcm"
)

// BlobFetcher replays captured frame responses from a bucket.  The object key is the
// frame URL path without its leading slash, and the object's content type is the
// response's outer Content-Type.
type BlobFetcher struct {
	bucket *blob.Bucket
}

// OpenBucket returns a bucket for a reference such as file:///data/capture, mem://
// or gs://bucket.  A gs:// reference uses application default credentials.
func OpenBucket(ctx context.Context, ref string) (*blob.Bucket, error) {
	bucket, err := blob.OpenBucket(ctx, ref)
	if err != nil {
		dcm.Errorf("Can't open bucket reference @ %q: %v\n", ref, err)
		return nil, err
	}
	return bucket, nil
}

// NewBlobFetcher returns a fetcher over an open bucket.
func NewBlobFetcher(bucket *blob.Bucket) *BlobFetcher {
	return &BlobFetcher{bucket: bucket}
}

// Key returns the object key for a frame URL.
func Key(frameURL string) (string, error) {
	u, err := url.Parse(frameURL)
	if err != nil {
		return "", fmt.Errorf("bad frame URL %q: %v", frameURL, err)
	}
	key := strings.TrimLeft(u.Path, "/")
	if key == "" {
		return "", fmt.Errorf("frame URL %q has no path", frameURL)
	}
	return key, nil
}

// Fetch implements Fetcher.
func (f *BlobFetcher) Fetch(ctx context.Context, frameURL string) (*Response, error) {
	key, err := Key(frameURL)
	if err != nil {
		return nil, err
	}
	attrs, err := f.bucket.Attributes(ctx, key)
	if err != nil {
		return nil, blobError(frameURL, err)
	}
	body, err := f.bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, blobError(frameURL, err)
	}
	return NewResponse(body, attrs.ContentType)
}

// Store writes a response under the key for the frame URL.
func (f *BlobFetcher) Store(ctx context.Context, frameURL string, resp *Response) error {
	key, err := Key(frameURL)
	if err != nil {
		return err
	}
	opts := &blob.WriterOptions{ContentType: resp.ContentType}
	return f.bucket.WriteAll(ctx, key, resp.Body, opts)
}

// Close closes the underlying bucket.
func (f *BlobFetcher) Close() error {
	return f.bucket.Close()
}

func blobError(frameURL string, err error) error {
	if gcerrors.Code(err) == gcerrors.NotFound {
		return &dcm.TransportError{URL: frameURL, StatusCode: 404, Message: "no captured response", Err: err}
	}
	return &dcm.TransportError{URL: frameURL, Err: err}
}

// Recorder fetches through another Fetcher and captures each response into a bucket
// for later replay with a BlobFetcher.
type Recorder struct {
	next Fetcher
	dest *BlobFetcher
}

// NewRecorder returns a Recorder capturing into dest.
func NewRecorder(next Fetcher, dest *BlobFetcher) *Recorder {
	return &Recorder{next: next, dest: dest}
}

// Fetch implements Fetcher.  A failed capture is logged but does not fail the fetch.
func (r *Recorder) Fetch(ctx context.Context, frameURL string) (*Response, error) {
	resp, err := r.next.Fetch(ctx, frameURL)
	if err != nil {
		return nil, err
	}
	if err := r.dest.Store(ctx, frameURL, resp); err != nil {
		dcm.Errorf("unable to capture response for %s: %v\n", frameURL, err)
	}
	return resp, nil
}
