// Package config loads the YAML mount configuration consumed by
// cmd/shadowtreed, grounded on sigmaos's and latentfs's use of
// gopkg.in/yaml.v3 for configuration files.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Mount describes everything cmd/shadowtreed needs to bring up one
// mount: where the overlay lives on disk, where the journal lives,
// and how large the in-memory caches should be.
type Mount struct {
	MountPoint      string `yaml:"mount_point"`
	OverlayDir      string `yaml:"overlay_dir"`
	JournalDir      string `yaml:"journal_dir"`
	PathCacheSize   int    `yaml:"path_cache_size"`
	RootTreeHashHex string `yaml:"root_tree_hash"`
	AllowOther      bool   `yaml:"allow_other"`
	Debug           bool   `yaml:"debug"`
}

// Default returns a Mount config with sane defaults, overridden by
// whatever fields a config file sets.
func Default() Mount {
	return Mount{
		PathCacheSize: 4096,
	}
}

// Load reads and parses a YAML mount config from path.
func Load(path string) (Mount, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that the fields required to bring up a mount are
// present.
func (c Mount) Validate() error {
	if c.MountPoint == "" {
		return fmt.Errorf("config: mount_point is required")
	}
	if c.OverlayDir == "" {
		return fmt.Errorf("config: overlay_dir is required")
	}
	if c.JournalDir == "" {
		return fmt.Errorf("config: journal_dir is required")
	}
	if c.PathCacheSize <= 0 {
		return fmt.Errorf("config: path_cache_size must be positive")
	}
	return nil
}
