package viewer

import (
	"fmt"
	"time"

	"github.com/janelia-flyem/dcmseq/dcm"
	"github.com/janelia-flyem/dcmseq/sequencer"
)

// Config holds the [viewer] settings of a session.
type Config struct {
	MaxSimultaneousRequests int    `toml:"max_simultaneous_requests"`
	UseParallelFetch        bool   `toml:"use_parallel_fetch"`
	UseParallelDecode       bool   `toml:"use_parallel_decode"`
	Workers                 int    `toml:"workers"`
	TransferSyntax          string `toml:"transfer_syntax"`
	Timeout                 int    `toml:"timeout"` // seconds per frame request, 0 for none
	CacheMB                 int    `toml:"cache_mb"` // frame cache shared by all sessions, 0 for none
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{
		MaxSimultaneousRequests: sequencer.DefaultMaxInFlight,
		TransferSyntax:          dcm.ExplicitVRLittleEndianUID,
		Timeout:                 60,
		CacheMB:                 64,
	}
}

// SetDefaults fills unset values.
func (c *Config) SetDefaults() {
	def := DefaultConfig()
	if c.MaxSimultaneousRequests == 0 {
		c.MaxSimultaneousRequests = def.MaxSimultaneousRequests
	}
	if c.TransferSyntax == "" {
		c.TransferSyntax = def.TransferSyntax
	}
	if c.Workers == 0 {
		c.Workers = dcm.NumCPU
	}
}

// Validate returns an error for settings that cannot run a session.
func (c Config) Validate() error {
	if c.MaxSimultaneousRequests < 1 {
		return fmt.Errorf("max_simultaneous_requests must be at least 1, got %d", c.MaxSimultaneousRequests)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers cannot be negative")
	}
	if c.Timeout < 0 || c.CacheMB < 0 {
		return fmt.Errorf("timeout and cache_mb cannot be negative")
	}
	switch c.TransferSyntax {
	case dcm.AnyTransferSyntax, dcm.ImplicitVRLittleEndianUID, dcm.ExplicitVRLittleEndianUID, dcm.ExplicitVRBigEndianUID:
	default:
		return fmt.Errorf("transfer_syntax %q cannot be decoded", c.TransferSyntax)
	}
	return nil
}

// RequestTimeout returns the per-request timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}
