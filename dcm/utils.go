package dcm

import (
	"path/filepath"
	"runtime"

	"github.com/blang/semver"
	"github.com/dustin/go-humanize"
)

const (
	Kilo = 1 << 10
	Mega = 1 << 20
	Giga = 1 << 30
)

// NumCPU is the number of logical CPUs available for parallel fetch and decode.
var NumCPU = runtime.NumCPU()

// Version is the release of this dcmseq build.
var Version = semver.MustParse("0.4.1")

// ConvertToAbsolute returns an absolute path for a path that may be relative to dir.
func ConvertToAbsolute(path, dir string) (string, error) {
	if filepath.IsAbs(path) {
		return path, nil
	}
	return filepath.Abs(filepath.Join(dir, path))
}

// HumanBytes returns a human readable byte count, e.g., "83 MB".
func HumanBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}
