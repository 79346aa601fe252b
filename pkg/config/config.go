// Package config loads the process TOML configuration document and hands
// each subsystem (metastore, tier, watch, compress, server) its own section
// decoded with mapstructure, mirroring the teacher's layered config load
// (cmd/revad/pkg/config) without that package's template/variable
// indirection, which this system has no equivalent need for.
package config

import (
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/fsx-project/fsx/pkg/errtypes"
)

// Log holds the top-level logger configuration, consumed directly by
// pkg/log (Mode/Out), not decoded per-subsystem.
type Log struct {
	Output string `mapstructure:"output"`
	Mode   string `mapstructure:"mode"`
	Level  string `mapstructure:"level"`
}

// Server holds the top-level listener/CORS configuration consumed by
// cmd/fsxd when it builds the chi router.
type Server struct {
	Address string   `mapstructure:"address"`
	Origins []string `mapstructure:"origins"`
}

// Config is the decoded top-level document. Log and Server are promoted to
// typed fields since every deployment needs them; everything else
// (metastore, tier, watch, compress, and any future section) stays in raw
// and is handed to the owning subsystem's New via Decode.
type Config struct {
	Log    Log
	Server Server

	raw map[string]any
}

func withDefaults(c *Config) {
	if c.Log.Output == "" {
		c.Log.Output = "stderr"
	}
	if c.Log.Mode == "" {
		c.Log.Mode = "dev"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Server.Address == "" {
		c.Server.Address = "0.0.0.0:9090"
	}
}

// Load decodes a TOML document from r into a Config.
func Load(r io.Reader) (*Config, error) {
	var raw map[string]any
	if _, err := toml.NewDecoder(r).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "config: error decoding toml data")
	}

	c := &Config{raw: raw}
	if v, ok := raw["log"]; ok {
		if err := mapstructure.Decode(v, &c.Log); err != nil {
			return nil, &errtypes.Config{Field: "log", Reason: err.Error()}
		}
	}
	if v, ok := raw["server"]; ok {
		if err := mapstructure.Decode(v, &c.Server); err != nil {
			return nil, &errtypes.Config{Field: "server", Reason: err.Error()}
		}
	}
	withDefaults(c)
	return c, nil
}

// LoadFile opens path and decodes it as a TOML document.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &errtypes.Io{Op: "open", Path: path, Err: err}
	}
	defer f.Close()
	return Load(f)
}

// Decode fills out with section's contents, leaving out untouched (its
// caller-supplied defaults stand) when section is absent from the document.
func (c *Config) Decode(section string, out any) error {
	v, ok := c.raw[section]
	if !ok {
		return nil
	}
	if err := mapstructure.Decode(v, out); err != nil {
		return &errtypes.Config{Field: section, Reason: err.Error()}
	}
	return nil
}

// HasSection reports whether the document defines the named section.
func (c *Config) HasSection(section string) bool {
	_, ok := c.raw[section]
	return ok
}
