package dcm

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedResponse is returned when a multipart response cannot be split into
	// part headers and payload, e.g., a missing boundary, Content-Type or header separator.
	ErrMalformedResponse = errors.New("malformed multipart response")

	// ErrAuthExpired is returned when the server rejected our bearer credential.  A sign-in
	// has been requested but the frame is not retried: the session fails with this error
	// and the caller starts a new one once sign-in completes (see "AuthExpired" under the
	// open question decisions in DESIGN.md).
	ErrAuthExpired = errors.New("authorization expired")

	// ErrNotSignedIn is returned when no access token is available for a request.
	ErrNotSignedIn = errors.New("not signed in")
)

// UnsupportedTransferSyntaxError is returned when pixel data is encoded with a transfer
// syntax other than implicit/explicit VR little endian or explicit VR big endian.
type UnsupportedTransferSyntaxError struct {
	Syntax string
}

func (e *UnsupportedTransferSyntaxError) Error() string {
	return fmt.Sprintf("unsupported transfer syntax %q", e.Syntax)
}

// UnsupportedBitDepthError is returned for a bits allocated value other than 1, 8 or 16.
type UnsupportedBitDepthError struct {
	BitsAllocated int
}

func (e *UnsupportedBitDepthError) Error() string {
	return fmt.Sprintf("unsupported bits allocated %d, only 1, 8 and 16 bit pixels are handled", e.BitsAllocated)
}

// TransportError describes a failed HTTP request, either a network failure (StatusCode 0)
// or a non-OK status from the server.
type TransportError struct {
	URL        string
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("bad status %d from %s: %s", e.StatusCode, e.URL, e.Message)
	}
	return fmt.Sprintf("bad status %d from %s", e.StatusCode, e.URL)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// TaskError attaches the task identifier and transfer syntax to a pipeline failure so
// the caller can report which frame could not be fetched or decoded.
type TaskError struct {
	TaskID         string
	TransferSyntax string
	Err            error
}

func (e *TaskError) Error() string {
	if e.TransferSyntax != "" {
		return fmt.Sprintf("task %s (transfer syntax %s): %v", e.TaskID, e.TransferSyntax, e.Err)
	}
	return fmt.Sprintf("task %s: %v", e.TaskID, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}
