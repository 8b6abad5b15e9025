package livepatch

import (
	"strings"

	"github.com/BurntSushi/toml"
	"gitlab.com/tozd/go/errors"

	"github.com/pboyd/livepatch/arch"
	"github.com/pboyd/livepatch/text"
)

// Config holds the engine settings. It is usually decoded from TOML:
//
//	arch = "arm64"
//	calltrace_workers = 4
//	remove_retries = 2
type Config struct {
	// Arch is the instruction set of the text being patched.
	Arch string `toml:"arch"`

	// ARMModulePLTs allows long jumps on 32-bit arm.
	ARMModulePLTs bool `toml:"arm_module_plts"`

	CalltraceWorkers int `toml:"calltrace_workers"`
	MaxStackEntries  int `toml:"max_stack_entries"`

	// RemoveRetries is the number of extra attempts made at each write
	// while removing a patch.
	RemoveRetries int `toml:"remove_retries"`

	// PanicOnCorruption panics when a failed patch can't be rolled back.
	// Otherwise the site is marked broken and an error is returned.
	PanicOnCorruption bool `toml:"panic_on_corruption"`
}

func DefaultConfig() Config {
	return Config{
		Arch:              arch.Host(),
		ARMModulePLTs:     true,
		CalltraceWorkers:  1,
		MaxStackEntries:   100,
		RemoveRetries:     2,
		PanicOnCorruption: true,
	}
}

// ParseConfig decodes TOML over the defaults. Unknown keys are an error.
func ParseConfig(data string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.Decode(data, &cfg)
	if err != nil {
		return cfg, errors.Errorf("parse config: %w", err)
	}
	return cfg, checkUndecoded(md)
}

// LoadConfig reads a TOML file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, errors.WithDetails(errors.Errorf("load config: %w", err), "path", path)
	}
	return cfg, checkUndecoded(md)
}

func checkUndecoded(md toml.MetaData) error {
	keys := md.Undecoded()
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}
	return errors.Errorf("unknown config keys: %s", strings.Join(names, ", "))
}

func (c Config) validate() error {
	switch {
	case c.CalltraceWorkers < 1:
		return errors.Errorf("calltrace_workers must be at least 1, got %d", c.CalltraceWorkers)
	case c.MaxStackEntries < 1:
		return errors.Errorf("max_stack_entries must be at least 1, got %d", c.MaxStackEntries)
	case c.RemoveRetries < 0:
		return errors.Errorf("remove_retries must not be negative, got %d", c.RemoveRetries)
	}
	return nil
}

// Architecture returns the configured instruction set.
func (c Config) Architecture() (arch.Arch, error) {
	a, err := arch.Lookup(c.Arch)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if _, ok := a.(arch.ARM); ok {
		a = arch.ARM{ModulePLTs: c.ARMModulePLTs}
	}
	return a, nil
}

// NewFromConfig returns a Manager for mem configured by cfg. Options are
// applied after the configuration.
func NewFromConfig(cfg Config, mem text.Memory, opts ...Option) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	a, err := cfg.Architecture()
	if err != nil {
		return nil, err
	}
	cfg.Arch = a.Name()
	return newManager(a, mem, cfg, opts), nil
}
