/*
	Package multipart extracts the single binary part of a DICOMweb multipart/related
	frame response.  Boundaries are located by byte search on the buffer, and the payload
	is returned as a sub-slice of the response without copying.
*/
package multipart

import (
	"bytes"
	"fmt"
	"mime"
	"strings"

	"github.com/janelia-flyem/dcmseq/dcm"
)

var (
	contentTypeToken      = []byte("Content-Type:")
	contentTypeTokenLower = []byte("content-type:")
	transferSyntaxToken   = []byte("transfer-syntax=")
	lineEnd               = []byte("\r\n")
	headerEnd             = []byte("\r\n\r\n")
)

// trailerBytes is the length of the closing delimiter "\r\n--" + boundary + "--\r\n"
// excluding the boundary itself.
const trailerBytes = 8

// Part is the payload of a multipart response and the transfer syntax declared
// in its Content-Type header.
type Part struct {
	Payload        []byte
	TransferSyntax string
}

// Parse strips the part headers and closing boundary from a single-part multipart
// response.  The boundary must be the exact value of the boundary parameter of the
// response's Content-Type since the trailer length is computed from it.
func Parse(raw []byte, boundary string) (Part, error) {
	ctIndex := bytes.Index(raw, contentTypeToken)
	if ctIndex < 0 {
		ctIndex = bytes.Index(raw, contentTypeTokenLower)
	}
	if ctIndex < 0 {
		return Part{}, fmt.Errorf("no Content-Type header in part: %w", dcm.ErrMalformedResponse)
	}
	header := raw[ctIndex:]
	eol := bytes.Index(header, lineEnd)
	if eol < 0 {
		return Part{}, fmt.Errorf("unterminated Content-Type header: %w", dcm.ErrMalformedResponse)
	}
	syntax := transferSyntax(header[:eol])

	// The separator search begins at the Content-Type line so CRLFCRLF sequences
	// inside the binary payload are never taken as the end of the headers.
	sep := bytes.Index(header, headerEnd)
	if sep < 0 {
		return Part{}, fmt.Errorf("no blank line after part headers: %w", dcm.ErrMalformedResponse)
	}
	start := ctIndex + sep + len(headerEnd)
	end := len(raw) - (len(boundary) + trailerBytes)
	if end < start {
		return Part{}, fmt.Errorf("response of %d bytes too short for boundary %q: %w",
			len(raw), boundary, dcm.ErrMalformedResponse)
	}
	return Part{Payload: raw[start:end:end], TransferSyntax: syntax}, nil
}

// transferSyntax returns the transfer-syntax parameter of a Content-Type header line.
// DICOMweb servers omit it for explicit VR little endian.
func transferSyntax(line []byte) string {
	i := bytes.Index(line, transferSyntaxToken)
	if i < 0 {
		return dcm.ExplicitVRLittleEndianUID
	}
	value := line[i+len(transferSyntaxToken):]
	if semi := bytes.IndexByte(value, ';'); semi >= 0 {
		value = value[:semi]
	}
	return strings.Trim(string(bytes.TrimSpace(value)), `"`)
}

// Boundary returns the boundary parameter of a multipart Content-Type header value.
func Boundary(contentType string) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("bad Content-Type %q (%v): %w", contentType, err, dcm.ErrMalformedResponse)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return "", fmt.Errorf("expected multipart response, got %q: %w", mediaType, dcm.ErrMalformedResponse)
	}
	boundary, found := params["boundary"]
	if !found {
		return "", fmt.Errorf("no boundary in Content-Type %q: %w", contentType, dcm.ErrMalformedResponse)
	}
	return boundary, nil
}
