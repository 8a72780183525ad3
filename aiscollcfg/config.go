// Package aiscollcfg is the process-wide, hot-reloadable config object,
// analogous to aistore's cmn.GCO (global config owner). Loaded from TOML
// via github.com/BurntSushi/toml rather than aistore's own internal-JSON
// cmn.Config loader, since TOML is the reusable third-party dependency
// worth exercising here.
package aiscollcfg

import (
	"sync/atomic"

	"github.com/BurntSushi/toml"

	"github.com/NVIDIA/aiscoll/cid"
	"github.com/NVIDIA/aiscoll/errs"
)

// Config holds every tunable the engine reads outside of a collective call
// itself. None of these affect correctness -- BitmapWidth aside, they're logging/observability knobs.
type Config struct {
	// BitmapWidth is the context-id bitmap width in bits; must match
	// cid.Width. Kept configurable here (rather than a cid constant
	// override) so a deployment can document its chosen value without
	// touching code -- the allocator itself still only understands the
	// compiled-in cid.Width, so a mismatch is caught at Validate time.
	BitmapWidth int `toml:"bitmap_width"`

	// SlowBarrierWarnTicks is a slow-barrier warning threshold counted in
	// Progress ticks; Validate requires it to be >= 0. The progress engine
	// does not read it, so no slow-barrier warning is logged.
	SlowBarrierWarnTicks int `toml:"slow_barrier_warn_ticks"`

	// Verbosity is a log level on internal/nlog.SetVerbosity's scale. This
	// package does not apply it; cmd/collctl sets verbosity from its own
	// --verbose flag.
	Verbosity int `toml:"verbosity"`
}

// Default returns the engine's built-in defaults, used when no config file
// is supplied.
func Default() Config {
	return Config{
		BitmapWidth:          256,
		SlowBarrierWarnTicks: 1000,
		Verbosity:            0,
	}
}

func (c Config) Validate() error {
	if c.BitmapWidth <= 0 || c.BitmapWidth%64 != 0 {
		return errs.Newf(errs.InvalidArg, "bitmap_width must be a positive multiple of 64, got %d", c.BitmapWidth)
	}
	if c.BitmapWidth != cid.Width {
		return errs.Newf(errs.InvalidArg, "bitmap_width %d does not match the compiled-in width %d", c.BitmapWidth, cid.Width)
	}
	if c.SlowBarrierWarnTicks < 0 {
		return errs.New(errs.InvalidArg, "slow_barrier_warn_ticks must be >= 0")
	}
	return nil
}

// Load reads and validates a TOML config file at path.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, errs.Wrap(errs.InvalidArg, "load config", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// owner holds the process-wide current Config (aistore's GCO pattern: one
// atomically-swapped pointer, read without locking from hot paths).
var owner atomic.Pointer[Config]

func init() {
	d := Default()
	owner.Store(&d)
}

// Get returns the current process-wide config.
func Get() Config { return *owner.Load() }

// Set atomically replaces the process-wide config after validating it.
func Set(c Config) error {
	if err := c.Validate(); err != nil {
		return err
	}
	owner.Store(&c)
	return nil
}
