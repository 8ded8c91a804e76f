package pixel

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"strconv"
	"strings"

	"github.com/janelia-flyem/go/go.image/bmp"
	"github.com/janelia-flyem/go/go.image/tiff"
)

// DefaultJPEGQuality is used when a "jpg" format gives no quality.
const DefaultJPEGQuality = 80

// ParseFormat splits a format string with optional compression strength, e.g., "png"
// or "jpg:80", and returns the canonical format name, the quality and the file extension.
func ParseFormat(formatStr string) (format string, quality int, ext string, err error) {
	parts := strings.Split(formatStr, ":")
	quality = DefaultJPEGQuality
	if len(parts) > 1 {
		if quality, err = strconv.Atoi(parts[1]); err != nil {
			return "", 0, "", fmt.Errorf("bad image quality in format %q: %v", formatStr, err)
		}
	}
	switch strings.ToLower(parts[0]) {
	case "", "png":
		return "png", quality, ".png", nil
	case "jpg", "jpeg":
		return "jpg", quality, ".jpg", nil
	case "tiff", "tif":
		return "tiff", quality, ".tif", nil
	case "bmp":
		return "bmp", quality, ".bmp", nil
	default:
		return "", 0, "", fmt.Errorf("illegal image format requested: %s", parts[0])
	}
}

// Encode writes an image in the given format and returns its MIME type.
func Encode(w io.Writer, img image.Image, formatStr string) (contentType string, err error) {
	format, quality, _, err := ParseFormat(formatStr)
	if err != nil {
		return "", err
	}
	switch format {
	case "png":
		return "image/png", png.Encode(w, img)
	case "jpg":
		return "image/jpeg", jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
	case "tiff":
		return "image/tiff", tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return "image/bmp", bmp.Encode(w, img)
	}
}
