/*
	Package fetch retrieves DICOMweb frame responses.  The HTTP client attaches the
	bearer credential and the multipart Accept header, collapses duplicate requests and
	reports failures in terms of the dcm error taxonomy.  Responses can also be replayed
	from a blob bucket and cached per viewing session.
*/
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang/groupcache/singleflight"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/janelia-flyem/dcmseq/dcm"
	"github.com/janelia-flyem/dcmseq/multipart"
)

// Response is the raw body of a frame retrieval and its outer content type.
type Response struct {
	Body        []byte
	ContentType string

	// Boundary is the multipart boundary taken from ContentType.
	Boundary string
}

// NewResponse returns a Response after extracting the multipart boundary.
func NewResponse(body []byte, contentType string) (*Response, error) {
	boundary, err := multipart.Boundary(contentType)
	if err != nil {
		return nil, err
	}
	return &Response{Body: body, ContentType: contentType, Boundary: boundary}, nil
}

// Fetcher retrieves the multipart response for a frame URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Response, error)
}

// Credentials supplies bearer tokens and can request a new sign-in.
type Credentials interface {
	AccessToken() (string, bool)
	SignIn(ctx context.Context) error
}

// FrameURL returns the WADO-RS frame retrieval URL for one frame of an instance.
func FrameURL(base string, series dcm.Series, instanceUID string, frame int) string {
	return fmt.Sprintf("%s/studies/%s/series/%s/instances/%s/frames/%d", strings.TrimRight(base, "/"),
		series.StudyUID, series.SeriesUID, instanceUID, frame)
}

// Client fetches frames over HTTP.
type Client struct {
	HTTP        *http.Client
	Credentials Credentials // optional

	// TransferSyntax requested in the Accept header.  Use dcm.AnyTransferSyntax
	// for the stored syntax.
	TransferSyntax string

	group singleflight.Group
}

// NewClient returns a Client with the given request timeout.  A zero timeout
// means no deadline beyond the request context.
func NewClient(creds Credentials, transferSyntax string, timeout time.Duration) *Client {
	return &Client{
		HTTP:           &http.Client{Timeout: timeout},
		Credentials:    creds,
		TransferSyntax: transferSyntax,
	}
}

// Fetch implements Fetcher.  Concurrent requests for the same URL share one round trip.
func (c *Client) Fetch(ctx context.Context, url string) (*Response, error) {
	v, err := c.group.Do(url, func() (interface{}, error) {
		return c.get(ctx, url)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Response), nil
}

func (c *Client) get(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", dcm.DICOMContentType(c.TransferSyntax))
	req.Header.Set("Accept-Encoding", "gzip, zstd")
	if c.Credentials != nil {
		token, ok := c.Credentials.AccessToken()
		if !ok {
			return nil, dcm.ErrNotSignedIn
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &dcm.TransportError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		if c.Credentials != nil {
			dcm.Infof("Request for %s unauthorized, requesting sign-in\n", url)
			if err := c.Credentials.SignIn(ctx); err != nil {
				dcm.Errorf("sign-in after rejected frame request failed: %v\n", err)
			}
		}
		return nil, dcm.ErrAuthExpired
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, &dcm.TransportError{URL: url, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := string(body)
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return nil, &dcm.TransportError{URL: url, StatusCode: resp.StatusCode, Message: strings.TrimSpace(msg)}
	}
	return NewResponse(body, resp.Header.Get("Content-Type"))
}

// readBody reads a response body, undoing any gzip or zstd content encoding.
func readBody(resp *http.Response) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return io.ReadAll(resp.Body)
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}
}
