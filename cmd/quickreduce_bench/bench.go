// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/gomlx/quickreduce/pkg/device"
	"github.com/gomlx/quickreduce/pkg/quickreduce"
	"github.com/gomlx/quickreduce/pkg/quickreduce/codec"
	"github.com/hashicorp/go-multierror"
	"github.com/schollz/progressbar/v3"
	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"
)

type bench struct {
	algorithm      quickreduce.Algorithm
	warmup, trials int
	random         bool
	platform       *device.Platform
	bar            *progressbar.ProgressBar
}

// result of one configuration.
type result struct {
	WorldSize int
	Bytes     int
	Profile   codec.Profile
	Algorithm quickreduce.Algorithm

	// Latency is the average time of the AllReduce calls, measured on the slowest rank.
	Latency time.Duration

	// MaxError is the largest absolute difference to the exact sum.
	MaxError float64
}

// BusBandwidth is the usual all-reduce bus bandwidth: 2*(W-1)/W times the buffer size per second.
func (r result) BusBandwidth() float64 {
	w := float64(r.WorldSize)
	return float64(r.Bytes) * 2 * (w - 1) / w / r.Latency.Seconds()
}

// inputs returns the float16 input of rank, following the original test bench patterns.
func (b *bench) inputs(rank, n int) []float16.Float16 {
	values := make([]float16.Float16, n)
	rng := rand.New(rand.NewPCG(42, uint64(rank)))
	for i := range values {
		if b.random {
			values[i] = float16.Fromfloat32(float32(rng.IntN(1024)-512) / 1024)
		} else {
			values[i] = float16.Fromfloat32(float32((rank + i) % 23))
		}
	}
	return values
}

// run benchmarks all profiles for one world size and problem size (in bytes as float16).
func (b *bench) run(worldSize, size int, profiles []codec.Profile) (results []result, err error) {
	if b.platform == nil {
		if b.platform, err = device.NewPlatform(""); err != nil {
			return nil, err
		}
	}
	n := size / 2
	group := make([]*quickreduce.Comms, worldSize)
	defer func() {
		var closeErrs *multierror.Error
		for _, c := range group {
			if c != nil {
				closeErrs = multierror.Append(closeErrs, c.Close())
			}
		}
		if err == nil {
			err = closeErrs.ErrorOrNil()
		}
	}()
	handles := make([][]byte, worldSize)
	inputs := make([][]float16.Float16, worldSize)
	buffers := make([][]float16.Float16, worldSize)
	for rank := range group {
		group[rank], err = quickreduce.Build(worldSize, rank).Platform(b.platform).
			MaxProblemSize(max(size, 2)).Algorithm(b.algorithm).Done()
		if err != nil {
			return nil, err
		}
		if handles[rank], err = group[rank].Handle(); err != nil {
			return nil, err
		}
		inputs[rank] = b.inputs(rank, n)
		buffers[rank] = make([]float16.Float16, n)
	}
	for _, c := range group {
		if err = c.OpenHandles(handles); err != nil {
			return nil, err
		}
	}
	want := make([]float64, n)
	for _, input := range inputs {
		for i, v := range input {
			want[i] += float64(v.Float32())
		}
	}

	for _, profile := range profiles {
		latencies := make([]time.Duration, worldSize)
		var g errgroup.Group
		for rank, c := range group {
			g.Go(func() error {
				for trial := range b.warmup + b.trials {
					copy(buffers[rank], inputs[rank])
					start := time.Now()
					if err := quickreduce.AllReduceFlat(c, profile, buffers[rank]); err != nil {
						return err
					}
					if trial >= b.warmup {
						latencies[rank] += time.Since(start)
					}
				}
				return nil
			})
		}
		if err = g.Wait(); err != nil {
			return nil, err
		}
		r := result{WorldSize: worldSize, Bytes: size, Profile: profile, Algorithm: b.algorithm}
		for rank := range group {
			r.Latency = max(r.Latency, latencies[rank]/time.Duration(b.trials))
			for i, v := range buffers[rank] {
				r.MaxError = max(r.MaxError, math.Abs(float64(v.Float32())-want[i]))
			}
		}
		results = append(results, r)
		if b.bar != nil {
			_ = b.bar.Add(1)
		}
	}
	return results, nil
}
