package quiver

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/quiverdb/quiver/distance"
	"github.com/quiverdb/quiver/hnsw"
	"github.com/quiverdb/quiver/persistence"
)

// ConfigFileName is the collection configuration file.
const ConfigFileName = "config.json"

// HNSWConfig holds the graph construction parameters persisted with
// the collection.
type HNSWConfig struct {
	M              int `json:"m"`
	EfConstruction int `json:"ef_construction"`
}

// Config describes a collection. It is written once at creation and
// immutable afterwards.
type Config struct {
	Dimension      int        `json:"dimension"`
	DistanceMetric string     `json:"distance_metric"`
	HNSW           HNSWConfig `json:"hnsw_config"`
}

// Metric parses the configured distance metric.
func (c Config) Metric() (distance.Metric, error) {
	return distance.ParseMetric(c.DistanceMetric)
}

// Params returns the graph parameters.
func (c Config) Params() hnsw.Params {
	return hnsw.Params{M: c.HNSW.M, EfConstruction: c.HNSW.EfConstruction}
}

func (c Config) validate() error {
	if c.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive, got %d", c.Dimension)
	}
	if _, err := c.Metric(); err != nil {
		return err
	}
	if c.HNSW.M <= 1 {
		return fmt.Errorf("hnsw m must be greater than 1, got %d", c.HNSW.M)
	}
	if c.HNSW.EfConstruction < c.HNSW.M {
		return fmt.Errorf("hnsw ef_construction %d below m %d", c.HNSW.EfConstruction, c.HNSW.M)
	}
	return nil
}

// loadConfig reads and validates config.json in dir.
func loadConfig(dir string) (Config, error) {
	path := filepath.Join(dir, ConfigFileName)

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, &ConfigError{Path: path, Reason: "not found", cause: err}
		}
		return Config{}, &ConfigError{Path: path, Reason: "unreadable", cause: err}
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, &ConfigError{Path: path, Reason: "invalid JSON", cause: err}
	}
	if err := cfg.validate(); err != nil {
		return Config{}, &ConfigError{Path: path, Reason: err.Error(), cause: err}
	}
	return cfg, nil
}

// saveConfig writes config.json atomically.
func saveConfig(dir string, cfg Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	raw = append(raw, '\n')

	path := filepath.Join(dir, ConfigFileName)
	return persistence.AtomicWriteFile(path, func(f *os.File) error {
		_, err := f.Write(raw)
		return err
	})
}
