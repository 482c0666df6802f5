// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quickreduce

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/quickreduce/pkg/device"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Environment variables used as defaults by Build.
const (
	// EnvMaxSize is the maximum problem size in bytes, in go-humanize syntax (e.g.: "512MiB").
	EnvMaxSize = "QUICKREDUCE_MAX_SIZE"

	// EnvAlgorithm selects the Algorithm: "twoshot" or "oneshot".
	EnvAlgorithm = "QUICKREDUCE_ALGORITHM"

	// EnvParallelism is the number of goroutines used by each rank to process tiles.
	EnvParallelism = "QUICKREDUCE_PARALLELISM"
)

const (
	// MaxWorldSize is the largest number of ranks supported.
	MaxWorldSize = 8

	// DefaultMaxProblemSize is the size in bytes (as float16) of the largest buffer that can be reduced.
	DefaultMaxProblemSize = 512 << 20

	// MaxDefaultParallelism caps the default parallelism.
	MaxDefaultParallelism = 16
)

// Algorithm used to reduce each tile.
type Algorithm int

const (
	// TwoShot splits each tile in one segment per rank: each rank reduces its own segment from all ranks,
	// and then every rank gathers the reduced segments. Each rank decodes the same reduced bytes, so all
	// ranks end with bit-identical results.
	TwoShot Algorithm = iota

	// OneShot has every rank read and reduce the whole tile from all ranks.
	OneShot
)

// String implements fmt.Stringer.
func (a Algorithm) String() string {
	switch a {
	case TwoShot:
		return "twoshot"
	case OneShot:
		return "oneshot"
	default:
		return "Algorithm(" + strconv.Itoa(int(a)) + ")"
	}
}

// ParseAlgorithm parses "twoshot" or "oneshot", case-insensitive.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "twoshot", "two_shot", "two-shot":
		return TwoShot, nil
	case "oneshot", "one_shot", "one-shot":
		return OneShot, nil
	}
	return 0, errors.Errorf("unknown algorithm %q, valid values are \"twoshot\" and \"oneshot\"", s)
}

// Settings of an initialized Comms.
type Settings struct {
	WorldSize, Rank, Device int
	MaxProblemSize          int
	Algorithm               Algorithm
	Parallelism             int
}

// Config is created with Build, configured with its methods and finally Done creates the Comms.
// Errors in the configuration are reported by Done.
type Config struct {
	settings Settings
	platform *device.Platform
	err      error
}

// Build a configuration for rank of a group of worldSize ranks.
// Defaults are taken from the environment variables EnvMaxSize, EnvAlgorithm and EnvParallelism.
//
// The device defaults to rank % NumDevices of the platform.
func Build(worldSize, rank int) *Config {
	c := &Config{settings: Settings{
		WorldSize:      worldSize,
		Rank:           rank,
		Device:         -1,
		MaxProblemSize: DefaultMaxProblemSize,
		Algorithm:      TwoShot,
		Parallelism:    min(runtime.NumCPU(), MaxDefaultParallelism),
	}}
	if v := os.Getenv(EnvMaxSize); v != "" {
		size, err := humanize.ParseBytes(v)
		if err != nil {
			c.err = errors.Wrapf(err, "invalid $%s=%q", EnvMaxSize, v)
			return c
		}
		c.settings.MaxProblemSize = int(size)
	}
	if v := os.Getenv(EnvAlgorithm); v != "" {
		a, err := ParseAlgorithm(v)
		if err != nil {
			c.err = errors.WithMessagef(err, "invalid $%s", EnvAlgorithm)
			return c
		}
		c.settings.Algorithm = a
	}
	if v := os.Getenv(EnvParallelism); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.err = errors.Wrapf(err, "invalid $%s=%q", EnvParallelism, v)
			return c
		}
		c.settings.Parallelism = n
	}
	return c
}

// Device sets the device id to use, instead of the default rank % NumDevices.
func (c *Config) Device(id int) *Config {
	c.settings.Device = id
	return c
}

// MaxProblemSize sets the size in bytes, as float16, of the largest buffer to be reduced.
// Shared memory of about twice this size is reserved by each rank.
func (c *Config) MaxProblemSize(bytes int) *Config {
	if c.err == nil && bytes <= 0 {
		c.err = errors.Wrapf(ErrProblemTooLarge, "invalid MaxProblemSize(%d)", bytes)
	}
	c.settings.MaxProblemSize = bytes
	return c
}

// Algorithm selects the reduction algorithm. All ranks must use the same.
func (c *Config) Algorithm(a Algorithm) *Config {
	if c.err == nil && a != TwoShot && a != OneShot {
		c.err = errors.Errorf("invalid algorithm %s", a)
	}
	c.settings.Algorithm = a
	return c
}

// Parallelism sets the number of goroutines used to process tiles.
func (c *Config) Parallelism(n int) *Config {
	c.settings.Parallelism = n
	return c
}

// Platform sets the device platform. By default, one is created with device.NewPlatform.
func (c *Config) Platform(p *device.Platform) *Config {
	c.platform = p
	return c
}

// Done validates the configuration and creates the Comms, allocating its staging memory.
func (c *Config) Done() (*Comms, error) {
	if c.err != nil {
		return nil, c.err
	}
	s := &c.settings
	if s.WorldSize < 2 || s.WorldSize > MaxWorldSize || s.WorldSize%2 != 0 || s.WorldSize == 6 {
		return nil, errors.Wrapf(ErrInvalidWorldSize, "world size %d not supported, valid values are 2, 4 and 8", s.WorldSize)
	}
	if s.Rank < 0 || s.Rank >= s.WorldSize {
		return nil, errors.Wrapf(ErrInvalidRank, "rank %d out of range [0, %d)", s.Rank, s.WorldSize)
	}
	if s.Parallelism <= 0 {
		s.Parallelism = 1
	}
	if c.platform == nil {
		var err error
		c.platform, err = device.NewPlatform("")
		if err != nil {
			return nil, err
		}
	}
	if s.Device < 0 {
		s.Device = s.Rank % c.platform.NumDevices
	}
	if err := c.platform.Validate(s.Device); err != nil {
		return nil, err
	}
	comms, err := newComms(*s, c.platform)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("quickreduce: rank %d/%d on device %d initialized (%s, max problem %s, parallelism %d)",
		s.Rank, s.WorldSize, s.Device, s.Algorithm, humanize.IBytes(uint64(s.MaxProblemSize)), s.Parallelism)
	return comms, nil
}

// Init is a shortcut for Build(worldSize, rank).Done().
func Init(worldSize, rank int) (*Comms, error) {
	return Build(worldSize, rank).Done()
}
