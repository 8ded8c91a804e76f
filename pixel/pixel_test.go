package pixel

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/janelia-flyem/dcmseq/dcm"
)

func intPtr(v int) *int {
	return &v
}

func testInstance(bits, repr int) *dcm.Instance {
	return &dcm.Instance{
		UID:                 "1.2.3",
		Number:              1,
		Rows:                2,
		Columns:             2,
		Photometric:         dcm.Monochrome2,
		BitsAllocated:       bits,
		PixelRepresentation: repr,
	}
}

// frameResponse builds a single-part response in the layout the multipart parser expects.
func frameResponse(boundary, syntax string, payload []byte) []byte {
	head := fmt.Sprintf("--%s\r\nContent-Type: application/octet-stream; transfer-syntax=%s\r\n\r\n", boundary, syntax)
	tail := fmt.Sprintf("\r\n--%s--\r\n", boundary)
	out := append([]byte(head), payload...)
	return append(out, tail...)
}

func TestDecodeUnsigned16LittleEndian(t *testing.T) {
	payload := []byte{0x01, 0x00, 0x00, 0x01, 0xff, 0xff, 0x34, 0x12}
	samples, err := Decode(payload, dcm.ExplicitVRLittleEndianUID, testInstance(16, 0))
	if err != nil {
		t.Fatalf("Error decoding: %v\n", err)
	}
	got, ok := samples.(Uint16Samples)
	if !ok {
		t.Fatalf("Expected Uint16Samples, got %T\n", samples)
	}
	expected := []uint16{1, 256, 65535, 0x1234}
	for i, v := range expected {
		if got[i] != v {
			t.Errorf("Sample %d: expected %d, got %d\n", i, v, got[i])
		}
	}
}

func TestDecodeSigned16BigEndian(t *testing.T) {
	payload := []byte{0x00, 0x01, 0xff, 0xfe, 0x80, 0x00, 0x12, 0x34}
	samples, err := Decode(payload, dcm.ExplicitVRBigEndianUID, testInstance(16, 1))
	if err != nil {
		t.Fatalf("Error decoding: %v\n", err)
	}
	got, ok := samples.(Int16Samples)
	if !ok {
		t.Fatalf("Expected Int16Samples, got %T\n", samples)
	}
	expected := []int16{1, -2, -32768, 0x1234}
	for i, v := range expected {
		if got[i] != v {
			t.Errorf("Sample %d: expected %d, got %d\n", i, v, got[i])
		}
	}
}

func TestDecodeImplicitLittleEndian8(t *testing.T) {
	payload := []byte{0, 127, 128, 255}
	samples, err := Decode(payload, dcm.ImplicitVRLittleEndianUID, testInstance(8, 0))
	if err != nil {
		t.Fatalf("Error decoding: %v\n", err)
	}
	if samples.Len() != 4 || samples.At(3) != 255 || samples.BytesPerSample() != 1 {
		t.Errorf("Bad unsigned 8-bit decode: %v\n", samples)
	}

	samples, err = Decode(payload, dcm.ImplicitVRLittleEndianUID, testInstance(8, 1))
	if err != nil {
		t.Fatalf("Error decoding: %v\n", err)
	}
	if samples.At(1) != 127 || samples.At(2) != -128 || samples.At(3) != -1 {
		t.Errorf("Bad signed 8-bit decode: %v\n", samples)
	}

	// 1-bit data is handled as bytes.
	samples, err = Decode(payload, dcm.ExplicitVRBigEndianUID, testInstance(1, 0))
	if err != nil {
		t.Fatalf("Error decoding 1-bit data: %v\n", err)
	}
	if samples.Len() != 4 {
		t.Errorf("Expected 4 samples for 1-bit data, got %d\n", samples.Len())
	}
}

func TestDecodeUnsupported(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	_, err := Decode(payload, "1.2.840.10008.1.2.4.50", testInstance(16, 0))
	var tsErr *dcm.UnsupportedTransferSyntaxError
	if !errors.As(err, &tsErr) {
		t.Fatalf("Expected unsupported transfer syntax error, got %v\n", err)
	}
	if tsErr.Syntax != "1.2.840.10008.1.2.4.50" {
		t.Errorf("Bad syntax recorded in error: %s\n", tsErr.Syntax)
	}

	for _, syntax := range []string{dcm.ExplicitVRLittleEndianUID, dcm.ExplicitVRBigEndianUID} {
		_, err = Decode(payload, syntax, testInstance(32, 0))
		var bdErr *dcm.UnsupportedBitDepthError
		if !errors.As(err, &bdErr) || bdErr.BitsAllocated != 32 {
			t.Errorf("Expected unsupported bit depth error for %s, got %v\n", syntax, err)
		}
	}

	_, err = Decode([]byte{1, 2, 3}, dcm.ExplicitVRLittleEndianUID, testInstance(16, 0))
	if !errors.Is(err, dcm.ErrMalformedResponse) {
		t.Errorf("Expected malformed error on odd-length 16-bit payload, got %v\n", err)
	}
}

func TestAssembleConstant(t *testing.T) {
	samples := Uint16Samples{500, 500, 500, 500}
	img, err := Assemble("x/frames/1", samples, testInstance(16, 0))
	if err != nil {
		t.Fatalf("Error assembling: %v\n", err)
	}
	if img.MinPixelValue != 500 || img.MaxPixelValue != 500 {
		t.Errorf("Expected min = max = 500, got %d..%d\n", img.MinPixelValue, img.MaxPixelValue)
	}
	if img.WindowWidth != 0 || img.WindowCenter != 500 {
		t.Errorf("Bad window for constant image: %g/%g\n", img.WindowCenter, img.WindowWidth)
	}
	if img.SizeInBytes != 8 {
		t.Errorf("Expected 8 bytes, got %d\n", img.SizeInBytes)
	}
	if img.Slope != 1 || img.Intercept != 0 {
		t.Errorf("Expected identity rescale, got slope %g intercept %g\n", img.Slope, img.Intercept)
	}
}

func TestAssembleExplicitRange(t *testing.T) {
	inst := testInstance(16, 1)
	inst.MinPixelValue = intPtr(-1024)
	inst.MaxPixelValue = intPtr(3071)
	inst.Photometric = dcm.Monochrome1
	img, err := Assemble("y/frames/2", Int16Samples{0, 1, 2, 3}, inst)
	if err != nil {
		t.Fatalf("Error assembling: %v\n", err)
	}
	if img.MinPixelValue != -1024 || img.MaxPixelValue != 3071 {
		t.Errorf("Metadata range not used: %d..%d\n", img.MinPixelValue, img.MaxPixelValue)
	}
	if img.WindowCenter != 1023.5 || img.WindowWidth != 4095 {
		t.Errorf("Bad window: %g/%g\n", img.WindowCenter, img.WindowWidth)
	}
	if !img.Invert {
		t.Errorf("MONOCHROME1 image should be inverted\n")
	}

	// Explicit zero values are honored rather than rescanned.
	inst = testInstance(8, 0)
	inst.MinPixelValue = intPtr(0)
	inst.MaxPixelValue = intPtr(0)
	img, err = Assemble("z/frames/1", Uint8Samples{10, 20, 30, 40}, inst)
	if err != nil {
		t.Fatalf("Error assembling: %v\n", err)
	}
	if img.MinPixelValue != 0 || img.MaxPixelValue != 0 {
		t.Errorf("Explicit zero range overridden: %d..%d\n", img.MinPixelValue, img.MaxPixelValue)
	}
}

func TestAssembleScansSigned(t *testing.T) {
	img, err := Assemble("s/frames/1", Int16Samples{-5, 7, 0, -300}, testInstance(16, 1))
	if err != nil {
		t.Fatalf("Error assembling: %v\n", err)
	}
	if img.MinPixelValue != -300 || img.MaxPixelValue != 7 {
		t.Errorf("Bad scanned range: %d..%d\n", img.MinPixelValue, img.MaxPixelValue)
	}
	if img.Invert {
		t.Errorf("MONOCHROME2 image should not be inverted\n")
	}
}

func TestAssembleEmpty(t *testing.T) {
	if _, err := Assemble("e/frames/1", Uint8Samples{}, testInstance(8, 0)); err == nil {
		t.Errorf("Expected error assembling empty buffer without explicit range\n")
	}
	inst := testInstance(8, 0)
	inst.MinPixelValue = intPtr(0)
	inst.MaxPixelValue = intPtr(255)
	if _, err := Assemble("e/frames/1", Uint8Samples{}, inst); err != nil {
		t.Errorf("Empty buffer with explicit range should assemble: %v\n", err)
	}
}

func TestFromMultipart(t *testing.T) {
	raw := frameResponse("XYZ", dcm.ExplicitVRBigEndianUID, []byte{0x00, 0x0a, 0x00, 0x14, 0x00, 0x1e, 0x00, 0x28})
	img, err := FromMultipart("1.2.3/frames/1", raw, "XYZ", testInstance(16, 0))
	if err != nil {
		t.Fatalf("Error building image from multipart: %v\n", err)
	}
	if img.MinPixelValue != 10 || img.MaxPixelValue != 40 {
		t.Errorf("Bad range: %d..%d\n", img.MinPixelValue, img.MaxPixelValue)
	}
	if img.ID != "1.2.3/frames/1" {
		t.Errorf("Bad image id: %s\n", img.ID)
	}

	raw = frameResponse("XYZ", "1.2.840.10008.1.2.4.90", []byte{1, 2, 3, 4})
	_, err = FromMultipart("1.2.3/frames/2", raw, "XYZ", testInstance(16, 0))
	var taskErr *dcm.TaskError
	if !errors.As(err, &taskErr) {
		t.Fatalf("Expected task error, got %v\n", err)
	}
	if taskErr.TaskID != "1.2.3/frames/2" || taskErr.TransferSyntax != "1.2.840.10008.1.2.4.90" {
		t.Errorf("Bad task error context: %+v\n", taskErr)
	}
	var tsErr *dcm.UnsupportedTransferSyntaxError
	if !errors.As(err, &tsErr) {
		t.Errorf("Task error does not unwrap to transfer syntax error: %v\n", err)
	}

	_, err = FromMultipart("1.2.3/frames/3", []byte("garbage"), "XYZ", testInstance(16, 0))
	if !errors.Is(err, dcm.ErrMalformedResponse) {
		t.Errorf("Expected malformed response, got %v\n", err)
	}
}

func TestGrayWindow(t *testing.T) {
	img, err := Assemble("g/frames/1", Uint16Samples{0, 100, 200, 400}, testInstance(16, 0))
	if err != nil {
		t.Fatalf("Error assembling: %v\n", err)
	}
	gray := img.Gray()
	expected := []uint8{0, 64, 128, 255}
	for i, v := range expected {
		if gray.Pix[i] != v {
			t.Errorf("Pixel %d: expected %d, got %d\n", i, v, gray.Pix[i])
		}
	}

	img.Invert = true
	gray = img.Gray()
	if gray.Pix[0] != 255 || gray.Pix[3] != 0 {
		t.Errorf("Inverted image not flipped: %v\n", gray.Pix)
	}

	// Zero width window is a step at the center.
	img, _ = Assemble("g/frames/2", Uint8Samples{9, 9, 9, 9}, testInstance(8, 0))
	gray = img.Gray()
	for i, v := range gray.Pix {
		if v != 255 {
			t.Errorf("Pixel %d of constant image: expected 255, got %d\n", i, v)
		}
	}
}

func TestEncodeFormats(t *testing.T) {
	img, err := Assemble("enc/frames/1", Uint8Samples{0, 50, 100, 200}, testInstance(8, 0))
	if err != nil {
		t.Fatalf("Error assembling: %v\n", err)
	}
	gray := img.Gray()
	for format, mime := range map[string]string{
		"png":    "image/png",
		"jpg:90": "image/jpeg",
		"tif":    "image/tiff",
		"bmp":    "image/bmp",
	} {
		var buf bytes.Buffer
		contentType, err := Encode(&buf, gray, format)
		if err != nil {
			t.Fatalf("Error encoding %s: %v\n", format, err)
		}
		if contentType != mime {
			t.Errorf("Format %s: expected %s, got %s\n", format, mime, contentType)
		}
		if buf.Len() == 0 {
			t.Errorf("Format %s: nothing written\n", format)
		}
	}
	var buf bytes.Buffer
	if _, err := Encode(&buf, gray, "gif"); err == nil {
		t.Errorf("Expected error for unsupported format\n")
	}
	if _, err := Encode(&buf, gray, "jpg:high"); err == nil {
		t.Errorf("Expected error for bad quality\n")
	}
}
