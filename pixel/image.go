/*
	Package pixel turns the payload of a DICOMweb frame response into a renderable image
	descriptor: decode raw bytes into typed samples, then derive the pixel value range
	and the default display window from them.
*/
package pixel

import (
	"fmt"
	"image"

	"github.com/janelia-flyem/dcmseq/dcm"
	"github.com/janelia-flyem/dcmseq/multipart"
)

// Image is the renderable unit handed to a renderer.  The sample buffer is created
// per decode and owned by whoever received the Image last.
type Image struct {
	ID      string
	Samples Samples

	Width  int
	Height int

	MinPixelValue int
	MaxPixelValue int

	WindowCenter float64
	WindowWidth  float64

	Slope     float64
	Intercept float64

	// Invert is true for MONOCHROME1 where low values are displayed bright.
	Invert bool

	SizeInBytes int
}

func (img *Image) String() string {
	return fmt.Sprintf("image %s (%dx%d, range %d..%d, window %g/%g)", img.ID, img.Width, img.Height,
		img.MinPixelValue, img.MaxPixelValue, img.WindowCenter, img.WindowWidth)
}

// Assemble builds an Image from decoded samples and instance metadata.  Min and max
// pixel values come from metadata when given, otherwise from a scan of the samples.
func Assemble(id string, samples Samples, inst *dcm.Instance) (*Image, error) {
	var minValue, maxValue int
	if inst.MinPixelValue != nil {
		minValue = *inst.MinPixelValue
	} else {
		if samples.Len() == 0 {
			return nil, fmt.Errorf("no samples in %s to compute min pixel value", id)
		}
		minValue = minSample(samples)
	}
	if inst.MaxPixelValue != nil {
		maxValue = *inst.MaxPixelValue
	} else {
		if samples.Len() == 0 {
			return nil, fmt.Errorf("no samples in %s to compute max pixel value", id)
		}
		maxValue = maxSample(samples)
	}
	return &Image{
		ID:            id,
		Samples:       samples,
		Width:         inst.Columns,
		Height:        inst.Rows,
		MinPixelValue: minValue,
		MaxPixelValue: maxValue,
		WindowCenter:  float64(maxValue+minValue) / 2,
		WindowWidth:   float64(maxValue - minValue),
		Slope:         1.0,
		Intercept:     0,
		Invert:        inst.Photometric == dcm.Monochrome1,
		SizeInBytes:   inst.Columns * inst.Rows * inst.BytesPerSample(),
	}, nil
}

// FromMultipart parses a multipart frame response, decodes its pixel data and
// assembles the Image.  Failures are returned as *dcm.TaskError.
func FromMultipart(id string, raw []byte, boundary string, inst *dcm.Instance) (*Image, error) {
	part, err := multipart.Parse(raw, boundary)
	if err != nil {
		return nil, &dcm.TaskError{TaskID: id, Err: err}
	}
	samples, err := Decode(part.Payload, part.TransferSyntax, inst)
	if err != nil {
		return nil, &dcm.TaskError{TaskID: id, TransferSyntax: part.TransferSyntax, Err: err}
	}
	img, err := Assemble(id, samples, inst)
	if err != nil {
		return nil, &dcm.TaskError{TaskID: id, TransferSyntax: part.TransferSyntax, Err: err}
	}
	return img, nil
}

// Gray renders the image into 8 bits using its linear display window.  A zero window
// width is a step at the window center.
func (img *Image) Gray() *image.Gray {
	gray := image.NewGray(image.Rect(0, 0, img.Width, img.Height))
	n := img.Width * img.Height
	if img.Samples == nil {
		return gray
	}
	if img.Samples.Len() < n {
		n = img.Samples.Len()
	}
	for i := 0; i < n; i++ {
		v := float64(img.Samples.At(i))*img.Slope + img.Intercept
		out := window(v, img.WindowCenter, img.WindowWidth)
		if img.Invert {
			out = 255 - out
		}
		gray.Pix[i] = out
	}
	return gray
}

func window(v, center, width float64) uint8 {
	if width <= 0 {
		if v < center {
			return 0
		}
		return 255
	}
	lower := center - width/2
	scaled := (v - lower) / width * 255
	switch {
	case scaled <= 0:
		return 0
	case scaled >= 255:
		return 255
	default:
		return uint8(scaled + 0.5)
	}
}
