package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/hubstream/errors"
)

// Load reads, decodes, defaults, and validates a configuration file.
// The decoder is selected by extension: .json, .yaml, or .yml.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapInvalid(errors.ErrConfigNotFound, "config", "Load", path)
		}
		return nil, errors.WrapFatal(err, "config", "Load", "read file")
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "decode json")
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "decode yaml")
		}
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("unsupported config extension %q", filepath.Ext(path)),
			"config", "Load", "select decoder")
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
