// Package config loads the driver's configuration surface from YAML, with
// sensible defaults for soup dimensions, selection, and driver cadence.
package config

import (
	"math"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Soup is the region/selection/mutation configuration surface.
type Soup struct {
	Width         uint32  `yaml:"width"`
	Height        uint32  `yaml:"height"`
	RegionSize    uint32  `yaml:"regionSize"`
	Alignment     uint32  `yaml:"alignment"`
	LocalityLimit float64 `yaml:"localityLimit"` // percent; <0 means unconstrained
	Head1Offset   uint32  `yaml:"head1Offset"`
	MaxSteps      uint32  `yaml:"maxSteps"`
	MutationRate  float64 `yaml:"mutationRate"`
}

// Locality resolves LocalityLimit to math.Inf(1) when unconstrained.
func (s Soup) Locality() float64 {
	if s.LocalityLimit < 0 {
		return math.Inf(1)
	}
	return s.LocalityLimit
}

// Driver is the tick/pool/observability configuration surface.
type Driver struct {
	PairsPerStep            int     `yaml:"pairsPerStep"`
	Workers                 int     `yaml:"workers"` // <=0 selects max(1, NumCPU-1)
	MaxPending              int     `yaml:"maxPending"`
	ObservabilityThreshold  int64   `yaml:"observabilityThreshold"`
	CosmicRayRate           float64 `yaml:"cosmicRayRate"`
	SnapshotIntervalTicks   int     `yaml:"snapshotIntervalTicks"`
	SnapshotPath            string  `yaml:"snapshotPath"`
	Seed                    int64   `yaml:"seed"` // 0 means derive from wall clock
}

// Server is the websocket/HTTP hosting configuration surface.
type Server struct {
	Addr string `yaml:"addr"`
}

// Config is the full driver configuration.
type Config struct {
	Soup   Soup   `yaml:"soup"`
	Driver Driver `yaml:"driver"`
	Server Server `yaml:"server"`
}

// Default returns the configuration surface's documented defaults.
func Default() Config {
	return Config{
		Soup: Soup{
			Width:         64,
			Height:        32768,
			RegionSize:    64,
			Alignment:     64,
			LocalityLimit: -1, // unconstrained
			Head1Offset:   64, // start of region B, not the UI's documented 32
			MaxSteps:      8192,
			MutationRate:  0.00024,
		},
		Driver: Driver{
			PairsPerStep:           1000,
			Workers:                0,
			MaxPending:             50,
			ObservabilityThreshold: 1000,
			CosmicRayRate:          0,
			SnapshotIntervalTicks:  100,
			SnapshotPath:           "snapshot.gob",
		},
		Server: Server{
			Addr: ":8080",
		},
	}
}

// Load reads and parses a YAML config file, overlaying it on Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "config: reading %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "config: parsing %s", path)
	}
	return cfg, nil
}
