package viewer

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/janelia-flyem/dcmseq/dcm"
	"github.com/janelia-flyem/dcmseq/pixel"
)

// FileRenderer writes each displayed image to a numbered file in a directory.
type FileRenderer struct {
	Dir    string
	Format string // e.g., "png" or "jpg:90"

	mu    sync.Mutex
	count int
	files []string
}

// NewFileRenderer returns a renderer writing into dir, which is created if needed.
func NewFileRenderer(dir, format string) (*FileRenderer, error) {
	if _, _, _, err := pixel.ParseFormat(format); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("unable to create output directory %q: %v", dir, err)
	}
	return &FileRenderer{Dir: dir, Format: format}, nil
}

// DisplayImage implements Renderer.
func (r *FileRenderer) DisplayImage(img *pixel.Image) error {
	_, _, ext, err := pixel.ParseFormat(r.Format)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.count++
	name := fmt.Sprintf("%05d_%s%s", r.count, strings.ReplaceAll(img.ID, "/", "_"), ext)
	r.mu.Unlock()

	path := filepath.Join(r.Dir, name)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := pixel.Encode(f, img.Gray(), r.Format); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	dcm.Debugf("Wrote %s\n", path)

	r.mu.Lock()
	r.files = append(r.files, path)
	r.mu.Unlock()
	return nil
}

// ClearImageCache implements Renderer.  Numbering restarts; written files are kept.
func (r *FileRenderer) ClearImageCache() {
	r.mu.Lock()
	r.count = 0
	r.files = nil
	r.mu.Unlock()
}

// Files returns the paths written since the last clear, in display order.
func (r *FileRenderer) Files() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.files...)
}

// Canvas keeps the most recently displayed frame so it can be served on request.
type Canvas struct {
	mu      sync.RWMutex
	current *pixel.Image
	gray    *image.Gray
	shown   int
}

// DisplayImage implements Renderer.
func (c *Canvas) DisplayImage(img *pixel.Image) error {
	gray := img.Gray()
	c.mu.Lock()
	c.current = img
	c.gray = gray
	c.shown++
	c.mu.Unlock()
	return nil
}

// ClearImageCache implements Renderer.
func (c *Canvas) ClearImageCache() {
	c.mu.Lock()
	c.current = nil
	c.gray = nil
	c.mu.Unlock()
}

// Current returns the displayed image and its 8-bit rendering, or nil if none.
func (c *Canvas) Current() (*pixel.Image, *image.Gray) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current, c.gray
}

// Shown returns the number of images displayed on this canvas.
func (c *Canvas) Shown() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shown
}
