// Package config loads and validates the service configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bstolman1/amulet-scan-port-sub014/ingest"
	"github.com/bstolman1/amulet-scan-port-sub014/metrics"
	"github.com/bstolman1/amulet-scan-port-sub014/scan"
	"github.com/bstolman1/amulet-scan-port-sub014/storage"
)

// AppConfig is the full service configuration.
type AppConfig struct {
	Service struct {
		Name        string `yaml:"name"`
		Environment string `yaml:"environment"`
	} `yaml:"service"`

	Scan    scan.Config           `yaml:"scan"`
	Ingest  ingest.Config         `yaml:"ingest"`
	Storage storage.Config        `yaml:"storage"`
	Capture storage.CaptureConfig `yaml:"capture"`

	Cursor struct {
		Dir string `yaml:"dir"`
	} `yaml:"cursor"`

	Sessions []ingest.SessionSpec `yaml:"sessions"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // json or console
	} `yaml:"logging"`

	Metrics metrics.Config `yaml:"metrics"`
}

// Load reads, defaults, and validates the configuration file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset values across all sections.
func (c *AppConfig) ApplyDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = "amulet-scan-ingest"
	}
	if c.Cursor.Dir == "" {
		c.Cursor.Dir = "./state"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Capture.Enabled && c.Capture.Root == "" {
		c.Capture.Root = c.Storage.Root
	}
	c.Scan.ApplyDefaults()
	c.Ingest.ApplyDefaults()
	c.Storage.ApplyDefaults()
	c.Metrics.ApplyDefaults()
}

// Validate checks the configuration for inconsistencies.
func (c *AppConfig) Validate() error {
	if err := c.Scan.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if len(c.Sessions) == 0 {
		return fmt.Errorf("at least one session is required")
	}

	seen := make(map[string]struct{})
	for i, s := range c.Sessions {
		if s.SynchronizerID == "" {
			return fmt.Errorf("session %d: synchronizer_id is required", i)
		}
		if !s.MaxTime.After(s.MinTime) {
			return fmt.Errorf("session %d (%s): max_time must be after min_time", i, s.Label())
		}
		key := s.Label()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate session %s: each (migration, synchronizer, shard) owns one cursor", key)
		}
		seen[key] = struct{}{}
	}
	return nil
}
