// Package config loads the settings shared by the DRM backend programs.
package config

import (
	"os"
	"strings"

	"github.com/adrg/xdg"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

// DefaultFile is looked up in the XDG config directories.
const DefaultFile = "drmbackend/config.toml"

type Config struct {
	// Card to drive, e.g. /dev/dri/card0. Empty picks the boot GPU.
	Device string `toml:"device,omitempty"`
	// One of auto, logind or direct
	Session string `toml:"session,omitempty"`
	// Forces the legacy KMS interface
	NoAtomic bool   `toml:"no_atomic,omitempty"`
	LogLevel string `toml:"log_level,omitempty"`
}

func Default() *Config {
	return &Config{
		Session:  "auto",
		LogLevel: "info",
	}
}

// Load reads path, or the default file when path is empty. A missing
// default file yields the defaults. Environment overrides are applied
// last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		found, err := xdg.SearchConfigFile(DefaultFile)
		if err != nil {
			cfg.applyEnv(os.LookupEnv)
			return cfg, nil
		}
		path = found
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}

	cfg.applyEnv(os.LookupEnv)
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Session {
	case "", "auto", "logind", "direct":
	default:
		return errors.Errorf("unknown session type %q", c.Session)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if _, ok := lookup("WLR_DRM_NO_ATOMIC"); ok {
		c.NoAtomic = true
	}
	if devices, ok := lookup("WLR_DRM_DEVICES"); ok {
		if first, _, _ := strings.Cut(devices, ":"); first != "" {
			c.Device = first
		}
	}
}
