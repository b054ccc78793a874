package tracking

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nmxmxh/pagetrack/kernel/shm"
)

// Config sizes the tracking subsystem. Rings are sized once, at
// context creation, from RingBytes; changing it later only affects
// rings created afterwards.
type Config struct {
	RingBytes   uint32 `yaml:"ring_bytes"`
	ShmPath     string `yaml:"shm_path"`
	Contexts    uint32 `yaml:"contexts"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// DefaultConfig returns the defaults used when no file or flags are
// given.
func DefaultConfig() Config {
	return Config{
		RingBytes:   shm.RING_BYTES_DEFAULT,
		ShmPath:     "",
		Contexts:    1,
		MetricsAddr: ":9464",
	}
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.Func("tracking.ring-bytes", "Per-context dirty ring size in bytes (power-of-two entry count).", func(s string) error {
		var v uint32
		if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
			return err
		}
		cfg.RingBytes = v
		return nil
	})
	f.StringVar(&cfg.ShmPath, "tracking.shm-path", cfg.ShmPath, "Backing file for the shared segments (empty = platform default).")
	f.Func("tracking.contexts", "Number of execution contexts to allocate rings for.", func(s string) error {
		var v uint32
		if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
			return err
		}
		cfg.Contexts = v
		return nil
	})
	f.StringVar(&cfg.MetricsAddr, "tracking.metrics-addr", cfg.MetricsAddr, "Listen address for the metrics endpoint.")
}

// Validate checks the configuration against the segment layout rules
// for the given page size.
func (cfg *Config) Validate(pageSize uint32) error {
	if cfg.Contexts == 0 {
		return fmt.Errorf("config: at least one context required")
	}
	if _, err := shm.LayoutFor(cfg.RingBytes, pageSize); err != nil {
		return fmt.Errorf("config: ring_bytes invalid: %w", err)
	}
	return nil
}

// LoadConfig reads a yaml config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
