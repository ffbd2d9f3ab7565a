package logstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/logstore/internal/metablock"
)

// MetablockSize is the size of the static header and of one metablock slot.
const MetablockSize = metablock.Size

// DefaultExtentSize is used by [StaticConfig] when ExtentSize is zero.
const DefaultExtentSize = 512 * 1024

// StaticConfig is fixed when a store is created.
type StaticConfig struct {
	// ExtentSize is the allocation unit in bytes. It must be a multiple of
	// [MetablockSize] and at least 4*MetablockSize. Zero selects
	// [DefaultExtentSize].
	ExtentSize int64
}

func (c StaticConfig) withDefaults() StaticConfig {
	if c.ExtentSize == 0 {
		c.ExtentSize = DefaultExtentSize
	}

	return c
}

func (c StaticConfig) validate() error {
	if c.ExtentSize < 4*MetablockSize {
		return fmt.Errorf("extent size %d is smaller than %d: %w", c.ExtentSize, 4*MetablockSize, ErrInvalidInput)
	}

	if c.ExtentSize%MetablockSize != 0 {
		return fmt.Errorf("extent size %d is not a multiple of %d: %w", c.ExtentSize, MetablockSize, ErrInvalidInput)
	}

	return nil
}

// DynamicConfig holds tunables that may change between opens.
type DynamicConfig struct {
	// GCHighRatio is the garbage ratio above which a sealed data extent is
	// compacted.
	GCHighRatio float64 `json:"gc_high_ratio"`

	// GCLowRatio is the overall garbage ratio below which compaction stops.
	GCLowRatio float64 `json:"gc_low_ratio"`

	// ReplayBatchSize is the number of blocks replayed into the data block
	// manager between yields at startup.
	ReplayBatchSize int `json:"replay_batch_size"`

	// ReadAheadWindow is the number of bytes after a read block scanned for
	// read-ahead. Zero disables read-ahead.
	ReadAheadWindow int64 `json:"read_ahead_window"`

	// MaxOutstandingReads bounds concurrent reads per I/O account created by
	// [Serializer.NewIOAccount].
	MaxOutstandingReads int64 `json:"max_outstanding_reads"`
}

// DefaultDynamicConfig returns the default tunables.
func DefaultDynamicConfig() DynamicConfig {
	return DynamicConfig{
		GCHighRatio:         0.65,
		GCLowRatio:          0.5,
		ReplayBatchSize:     1024,
		ReadAheadWindow:     32 * 1024,
		MaxOutstandingReads: 64,
	}
}

// Validate reports ErrInvalidInput for out-of-range values.
func (c DynamicConfig) Validate() error {
	var errs []error

	if c.GCHighRatio <= 0 || c.GCHighRatio >= 1 {
		errs = append(errs, fmt.Errorf("gc_high_ratio %v must be in (0, 1)", c.GCHighRatio))
	}

	if c.GCLowRatio < 0 || c.GCLowRatio > c.GCHighRatio {
		errs = append(errs, fmt.Errorf("gc_low_ratio %v must be in [0, gc_high_ratio]", c.GCLowRatio))
	}

	if c.ReplayBatchSize < 1 {
		errs = append(errs, fmt.Errorf("replay_batch_size %d must be positive", c.ReplayBatchSize))
	}

	if c.ReadAheadWindow < 0 {
		errs = append(errs, fmt.Errorf("read_ahead_window %d must not be negative", c.ReadAheadWindow))
	}

	if c.MaxOutstandingReads < 1 {
		errs = append(errs, fmt.Errorf("max_outstanding_reads %d must be positive", c.MaxOutstandingReads))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidInput, errors.Join(errs...))
	}

	return nil
}

// LoadDynamicConfig reads a JSONC file. Fields missing from the file keep
// their defaults. The result is validated.
func LoadDynamicConfig(path string) (DynamicConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DynamicConfig{}, fmt.Errorf("reading config: %w", err)
	}

	return ParseDynamicConfig(data)
}

// ParseDynamicConfig parses JSONC config bytes on top of the defaults.
func ParseDynamicConfig(data []byte) (DynamicConfig, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return DynamicConfig{}, fmt.Errorf("invalid JSONC: %w: %w", err, ErrInvalidInput)
	}

	cfg := DefaultDynamicConfig()

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return DynamicConfig{}, fmt.Errorf("invalid config: %w: %w", err, ErrInvalidInput)
	}

	if err := cfg.Validate(); err != nil {
		return DynamicConfig{}, err
	}

	return cfg, nil
}

// DynamicConfigTemplate is a commented config file with the defaults.
const DynamicConfigTemplate = `{
  // Compact a sealed data extent once this fraction of it is garbage.
  "gc_high_ratio": 0.65,
  // Stop compacting once overall garbage drops below this fraction.
  "gc_low_ratio": 0.5,
  // Blocks replayed per batch before yielding at startup.
  "replay_batch_size": 1024,
  // Bytes after a read block offered to read-ahead callbacks (0 disables).
  "read_ahead_window": 32768,
  // Concurrent reads per I/O account.
  "max_outstanding_reads": 64,
}
`
