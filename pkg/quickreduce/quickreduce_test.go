// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quickreduce

import (
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"testing"

	"github.com/gomlx/quickreduce/pkg/core/dtypes"
	"github.com/gomlx/quickreduce/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/quickreduce/pkg/device"
	"github.com/gomlx/quickreduce/pkg/quickreduce/codec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"
)

const testMaxProblemSize = 1 << 20

func newTestPlatform(t *testing.T) *device.Platform {
	t.Helper()
	arch, _ := device.ArchByName("gfx942")
	return &device.Platform{
		Dir:        t.TempDir(),
		NumDevices: 8,
		Arch:       arch,
		Compiled:   []device.Arch{arch},
		PeerAccess: true,
		HostID:     device.LocalHostID(),
	}
}

// newGroup creates worldSize Comms on p, without opening the handles.
func newGroup(t *testing.T, p *device.Platform, worldSize int, configure func(c *Config) *Config) []*Comms {
	t.Helper()
	group := make([]*Comms, worldSize)
	for rank := range group {
		config := Build(worldSize, rank).Platform(p).MaxProblemSize(testMaxProblemSize).Parallelism(4)
		if configure != nil {
			config = configure(config)
		}
		c, err := config.Done()
		require.NoError(t, err)
		group[rank] = c
		t.Cleanup(func() { require.NoError(t, c.Close()) })
	}
	return group
}

func handlesOf(t *testing.T, group []*Comms) [][]byte {
	t.Helper()
	handles := make([][]byte, len(group))
	for rank, c := range group {
		h, err := c.Handle()
		require.NoError(t, err)
		handles[rank] = h
	}
	return handles
}

// newOpenGroup creates worldSize Comms with all handles opened.
func newOpenGroup(t *testing.T, worldSize int, configure func(c *Config) *Config) []*Comms {
	t.Helper()
	group := newGroup(t, newTestPlatform(t), worldSize, configure)
	handles := handlesOf(t, group)
	for _, c := range group {
		require.NoError(t, c.OpenHandles(handles))
	}
	return group
}

// runAll runs fn for every rank concurrently.
func runAll(t *testing.T, group []*Comms, fn func(c *Comms) error) {
	t.Helper()
	var g errgroup.Group
	for _, c := range group {
		g.Go(func() error { return fn(c) })
	}
	require.NoError(t, g.Wait())
}

func randomHalves(rng *rand.Rand, n int, scale float32) []float16.Float16 {
	values := make([]float16.Float16, n)
	for i := range values {
		values[i] = float16.Fromfloat32((rng.Float32()*2 - 1) * scale)
	}
	return values
}

func halvesToFloat64(values []float16.Float16) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = float64(v.Float32())
	}
	return out
}

// tolerance of the reduction of worldSize buffers with values in [-maxAbs, maxAbs] stored as float16.
func tolerance(profile codec.Profile, worldSize int, maxAbs float64) float64 {
	cdc, _ := codec.ForProfile(profile)
	sumMax := 1.1 * float64(worldSize) * maxAbs
	return float64(worldSize)*cdc.Bound(maxAbs) + cdc.Bound(sumMax) + sumMax/1024 + 1e-3
}

func TestBuildValidation(t *testing.T) {
	p := newTestPlatform(t)
	for _, worldSize := range []int{-1, 0, 1, 3, 5, 6, 7, 9, 16} {
		_, err := Build(worldSize, 0).Platform(p).Done()
		require.ErrorIs(t, err, ErrInvalidWorldSize, "worldSize=%d", worldSize)
		assert.True(t, IsConfigurationError(err))
		assert.False(t, IsResourceError(err))
	}
	for _, rank := range []int{-1, 4, 5} {
		_, err := Build(4, rank).Platform(p).Done()
		require.ErrorIs(t, err, ErrInvalidRank, "rank=%d", rank)
	}
	_, err := Build(2, 0).Platform(p).Device(8).Done()
	require.ErrorIs(t, err, ErrInvalidDevice)
	assert.True(t, IsConfigurationError(err))

	_, err = Build(2, 0).Platform(p).MaxProblemSize(0).Done()
	require.ErrorIs(t, err, ErrProblemTooLarge)

	_, err = Build(2, 0).Platform(p).Algorithm(Algorithm(7)).Done()
	require.Error(t, err)

	missing := *p
	missing.Dir = p.Dir + "/missing"
	_, err = Build(2, 0).Platform(&missing).MaxProblemSize(testMaxProblemSize).Done()
	require.ErrorIs(t, err, ErrDeviceAllocation)
	assert.True(t, IsResourceError(err))
	assert.False(t, IsConfigurationError(err))
}

func TestBuildEnvironment(t *testing.T) {
	p := newTestPlatform(t)
	t.Setenv(EnvMaxSize, "2MiB")
	t.Setenv(EnvAlgorithm, "OneShot")
	t.Setenv(EnvParallelism, "3")
	c, err := Build(4, 1).Platform(p).Done()
	require.NoError(t, err)
	defer func() { require.NoError(t, c.Close()) }()
	assert.Equal(t, Settings{
		WorldSize:      4,
		Rank:           1,
		Device:         1,
		MaxProblemSize: 2 << 20,
		Algorithm:      OneShot,
		Parallelism:    3,
	}, c.Config())
	assert.Equal(t, 4, c.WorldSize())
	assert.Equal(t, 1, c.Rank())
	assert.Equal(t, 1, c.Device())
	assert.False(t, c.IsInitialized())

	for env, value := range map[string]string{EnvMaxSize: "lots", EnvAlgorithm: "ring", EnvParallelism: "many"} {
		t.Run(env, func(t *testing.T) {
			t.Setenv(env, value)
			_, err := Build(4, 1).Platform(p).Done()
			require.Error(t, err)
		})
	}
}

func TestDefaultDevice(t *testing.T) {
	p := newTestPlatform(t)
	p.NumDevices = 2
	group := newGroup(t, p, 4, nil)
	for rank, c := range group {
		assert.Equal(t, rank%2, c.Device())
	}
}

func TestHandleIsStable(t *testing.T) {
	group := newGroup(t, newTestPlatform(t), 2, nil)
	h1, err := group[0].Handle()
	require.NoError(t, err)
	h2, err := group[0].Handle()
	require.NoError(t, err)
	assert.Len(t, h1, device.HandleSize)
	assert.Equal(t, h1, h2)
	h1[0] = 'X'
	h3, _ := group[0].Handle()
	assert.Equal(t, h2, h3, "Handle must return a copy")
}

func TestOpenHandles(t *testing.T) {
	t.Run("peers only", func(t *testing.T) {
		group := newGroup(t, newTestPlatform(t), 4, nil)
		handles := handlesOf(t, group)
		for rank, c := range group {
			peers := append(append([][]byte{}, handles[:rank]...), handles[rank+1:]...)
			require.NoError(t, c.OpenHandles(peers))
			assert.True(t, c.IsInitialized())
		}
		data := make([]float16.Float16, 100)
		runAll(t, group, func(c *Comms) error {
			buf := make([]float16.Float16, len(data))
			for i := range buf {
				buf[i] = float16.Fromfloat32(float32(c.Rank()))
			}
			if err := AllReduceFlat(c, codec.FP16, buf); err != nil {
				return err
			}
			if got := buf[99].Float32(); got != 6 {
				return fmt.Errorf("rank %d got %g, wanted 6", c.Rank(), got)
			}
			return nil
		})
	})

	t.Run("only once", func(t *testing.T) {
		group := newOpenGroup(t, 2, nil)
		err := group[0].OpenHandles(handlesOf(t, group))
		require.ErrorIs(t, err, ErrAlreadyOpen)
		assert.True(t, IsConfigurationError(err))
	})

	t.Run("before open", func(t *testing.T) {
		group := newGroup(t, newTestPlatform(t), 2, nil)
		err := AllReduceFlat(group[0], codec.FP16, make([]float32, 10))
		require.ErrorIs(t, err, ErrNotInitialized)
	})
}

func TestOpenHandlesRejections(t *testing.T) {
	p := newTestPlatform(t)
	group := newGroup(t, p, 4, nil)
	handles := handlesOf(t, group)
	c := group[1]

	otherHost, err := device.ParseHandle(handles[2])
	require.NoError(t, err)
	otherHost.HostID++
	otherArch, _ := device.ParseHandle(handles[2])
	otherArch.Arch = 1
	outsider := newGroup(t, p, 2, func(c *Config) *Config { return c.MaxProblemSize(2 * testMaxProblemSize) })
	otherSize, _ := outsider[0].Handle()
	oneShot := newGroup(t, p, 4, func(c *Config) *Config { return c.Algorithm(OneShot) })
	otherAlgorithm, _ := oneShot[2].Handle()

	replace := func(rank int, h []byte) [][]byte {
		modified := append([][]byte{}, handles...)
		modified[rank] = h
		return modified
	}
	truncated := handles[3][:40]
	corrupted := append([]byte{}, handles[3]...)
	corrupted[30] ^= 0xFF

	testCases := []struct {
		name    string
		handles [][]byte
		want    error
	}{
		{"truncated", replace(3, truncated), ErrHandleMalformed},
		{"corrupted", replace(3, corrupted), ErrHandleMalformed},
		{"own handle as peer", replace(2, handles[1]), ErrHandleOpen},
		{"own entry is not own handle", replace(1, handles[0]), ErrHandleOpen},
		{"duplicated", replace(3, handles[2]), ErrHandleOpen},
		{"other host", replace(2, otherHost.Bytes()), ErrHandleOpen},
		{"other arch", replace(2, otherArch.Bytes()), ErrHandleOpen},
		{"other staging size", replace(3, otherSize), ErrHandleOpen},
		{"other algorithm", replace(2, otherAlgorithm), ErrHandleOpen},
		{"wrong count", handles[:2], ErrHandleOpen},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := c.OpenHandles(tc.handles)
			require.ErrorIs(t, err, tc.want)
			assert.True(t, IsConfigurationError(err))
			assert.False(t, c.IsInitialized())
			assert.Nil(t, c.ranks, "no peer mapping must remain after a failure")
		})
	}

	t.Run("peer access disabled", func(t *testing.T) {
		disabled := *p
		disabled.PeerAccess = false
		c.platform = &disabled
		defer func() { c.platform = p }()
		require.ErrorIs(t, c.OpenHandles(handles), ErrHandleOpen)
	})

	// After all the failures, the right handles can still be opened.
	require.NoError(t, c.OpenHandles(handles))
	assert.True(t, c.IsInitialized())
}

func TestSumOfOnes(t *testing.T) {
	for _, worldSize := range []int{2, 4, 8} {
		for _, algorithm := range []Algorithm{TwoShot, OneShot} {
			group := newOpenGroup(t, worldSize, func(c *Config) *Config { return c.Algorithm(algorithm) })
			for _, profile := range codec.Profiles {
				t.Run(fmt.Sprintf("%d-%s-%s", worldSize, algorithm, profile), func(t *testing.T) {
					results := make([][]float16.Float16, worldSize)
					runAll(t, group, func(c *Comms) error {
						buf := make([]float16.Float16, 1000)
						for i := range buf {
							buf[i] = float16.Fromfloat32(1)
						}
						results[c.Rank()] = buf
						return AllReduceFlat(c, profile, buf)
					})
					tol := tolerance(profile, worldSize, 1)
					for rank, buf := range results {
						for i, v := range buf {
							require.InDeltaf(t, float64(worldSize), float64(v.Float32()), tol, "rank %d, element %d", rank, i)
						}
					}
					if profile == codec.FP16 {
						for _, v := range results[0] {
							require.Equal(t, float32(worldSize), v.Float32())
						}
					}
				})
			}
		}
	}
}

func TestScenarioFP16FourRanks(t *testing.T) {
	group := newOpenGroup(t, 4, nil)
	results := make([][]float16.Float16, 4)
	runAll(t, group, func(c *Comms) error {
		buf := make([]float16.Float16, 1024)
		for i := range buf {
			buf[i] = float16.Fromfloat32(1)
		}
		results[c.Rank()] = buf
		return AllReduceFlat(c, codec.FP16, buf)
	})
	for _, buf := range results {
		for _, v := range buf {
			require.Equal(t, float32(4), v.Float32())
		}
	}
}

func TestScenarioQ4TwoRanks(t *testing.T) {
	group := newOpenGroup(t, 2, nil)
	results := make([][]float16.Float16, 2)
	runAll(t, group, func(c *Comms) error {
		buf := make([]float16.Float16, 1024)
		for i := range buf {
			buf[i] = float16.Fromfloat32(float32(10 * (c.Rank() + 1)))
		}
		results[c.Rank()] = buf
		return AllReduceFlat(c, codec.Q4, buf)
	})
	q4, _ := codec.ForProfile(codec.Q4)
	for _, buf := range results {
		for _, v := range buf {
			require.InDelta(t, 30, float64(v.Float32()), q4.Bound(30))
		}
	}
}

// reduceRandom reduces random inputs (one per rank, from inputs) and checks the result against the exact sum.
// It returns the results of every rank.
func reduceRandom(t *testing.T, group []*Comms, profile codec.Profile, inputs [][]float16.Float16, maxAbs float64) [][]float16.Float16 {
	t.Helper()
	worldSize := len(group)
	results := make([][]float16.Float16, worldSize)
	runAll(t, group, func(c *Comms) error {
		buf := append([]float16.Float16{}, inputs[c.Rank()]...)
		results[c.Rank()] = buf
		return AllReduceFlat(c, profile, buf)
	})
	want := make([]float64, len(inputs[0]))
	for _, input := range inputs {
		for i, v := range halvesToFloat64(input) {
			want[i] += v
		}
	}
	tol := tolerance(profile, worldSize, maxAbs)
	for rank, buf := range results {
		got := halvesToFloat64(buf)
		for i := range want {
			require.InDeltaf(t, want[i], got[i], tol, "profile %s, rank %d, element %d", profile, rank, i)
		}
	}
	return results
}

func TestRandomMultiTile(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 14))
	const n = 3*TileSize + 77
	for _, algorithm := range []Algorithm{TwoShot, OneShot} {
		t.Run(algorithm.String(), func(t *testing.T) {
			group := newOpenGroup(t, 4, func(c *Config) *Config { return c.Algorithm(algorithm) })
			// Different parallelism per rank must not matter.
			group[1].settings.Parallelism = 1
			group[2].settings.Parallelism = 16
			for _, profile := range codec.Profiles {
				inputs := make([][]float16.Float16, len(group))
				for rank := range inputs {
					inputs[rank] = randomHalves(rng, n, 8)
				}
				results := reduceRandom(t, group, profile, inputs, 8)
				for rank := 1; rank < len(results); rank++ {
					require.Equal(t, results[0], results[rank], "profile %s: rank %d differs from rank 0", profile, rank)
				}
			}
		})
	}
}

func TestDeterminism(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	group := newOpenGroup(t, 4, nil)
	inputs := make([][]float16.Float16, len(group))
	for rank := range inputs {
		inputs[rank] = randomHalves(rng, 5000, 50)
	}
	for _, profile := range codec.Profiles {
		first := reduceRandom(t, group, profile, inputs, 50)
		second := reduceRandom(t, group, profile, inputs, 50)
		require.Equal(t, first, second, "profile %s", profile)
	}
}

func TestSymmetry(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 8))
	group := newOpenGroup(t, 4, nil)
	inputs := make([][]float16.Float16, len(group))
	for rank := range inputs {
		inputs[rank] = randomHalves(rng, 2000, 4)
	}
	permuted := [][]float16.Float16{inputs[2], inputs[0], inputs[3], inputs[1]}
	for _, profile := range codec.Profiles {
		original := reduceRandom(t, group, profile, inputs, 4)
		swapped := reduceRandom(t, group, profile, permuted, 4)
		tol := 2 * tolerance(profile, len(group), 4)
		for i := range original[0] {
			require.InDelta(t, float64(original[0][i].Float32()), float64(swapped[3][i].Float32()), tol)
		}
	}
}

func TestMixedProfilesAndDTypes(t *testing.T) {
	for _, algorithm := range []Algorithm{TwoShot, OneShot} {
		t.Run(algorithm.String(), func(t *testing.T) {
			group := newOpenGroup(t, 2, func(c *Config) *Config { return c.Algorithm(algorithm) })
			for iteration := range 20 {
				profile := codec.Profiles[iteration%len(codec.Profiles)]
				value := float32(iteration + 1)
				runAll(t, group, func(c *Comms) error {
					f32 := make([]float32, 2*TileSize+5)
					bf16 := make([]bfloat16.BFloat16, 777)
					for i := range f32 {
						f32[i] = value
					}
					for i := range bf16 {
						bf16[i] = bfloat16.FromFloat32(value)
					}
					if err := AllReduceFlat(c, profile, f32); err != nil {
						return err
					}
					if err := c.AllReduce(profile, Flat[bfloat16.BFloat16](bf16)); err != nil {
						return err
					}
					tol := tolerance(profile, 2, float64(value))
					if math.Abs(float64(f32[len(f32)-1]-2*value)) > tol {
						return fmt.Errorf("float32: got %g, wanted %g", f32[len(f32)-1], 2*value)
					}
					if math.Abs(float64(bf16[0].Float32()-2*value)) > tol+float64(value)/64 {
						return fmt.Errorf("bfloat16: got %g, wanted %g", bf16[0].Float32(), 2*value)
					}
					return nil
				})
			}
		})
	}
}

// invalidBuffer reports a dtype AllReduce can't handle.
type invalidBuffer struct {
	Flat[float32]
}

func (invalidBuffer) DType() dtypes.DType { return dtypes.InvalidDType }

func TestAllReduceErrors(t *testing.T) {
	group := newOpenGroup(t, 2, nil)
	c := group[0]

	// Empty buffers return immediately, without waiting for peers.
	require.NoError(t, AllReduceFlat(c, codec.Q8, []float16.Float16{}))

	err := AllReduceFlat(c, codec.Profile(0), make([]float32, 4))
	require.ErrorIs(t, err, ErrUnsupportedProfile)
	assert.True(t, IsConfigurationError(err))

	err = c.AllReduce(codec.FP16, invalidBuffer{Flat[float32](make([]float32, 4))})
	require.ErrorIs(t, err, ErrUnsupportedDType)
	assert.True(t, IsConfigurationError(err))

	err = AllReduceFlat(c, codec.FP16, make([]float32, testMaxProblemSize/2+1))
	require.ErrorIs(t, err, ErrProblemTooLarge)
	assert.True(t, IsConfigurationError(err))

	// The largest problem still works.
	runAll(t, group, func(c *Comms) error {
		return AllReduceFlat(c, codec.Q4, make([]float16.Float16, testMaxProblemSize/2))
	})
}

func TestConcurrentCallsAreSerialized(t *testing.T) {
	group := newOpenGroup(t, 2, nil)
	const callsPerRank = 4
	var g errgroup.Group
	for _, c := range group {
		for range callsPerRank {
			g.Go(func() error {
				buf := make([]float16.Float16, 3000)
				for i := range buf {
					buf[i] = float16.Fromfloat32(1)
				}
				if err := AllReduceFlat(c, codec.FP8, buf); err != nil {
					return err
				}
				if got := buf[2999].Float32(); got != 2 {
					return fmt.Errorf("rank %d got %g, wanted 2", c.Rank(), got)
				}
				return nil
			})
		}
	}
	require.NoError(t, g.Wait())
}

func TestClose(t *testing.T) {
	p := newTestPlatform(t)
	group := make([]*Comms, 2)
	for rank := range group {
		c, err := Build(2, rank).Platform(p).MaxProblemSize(testMaxProblemSize).Done()
		require.NoError(t, err)
		group[rank] = c
	}
	handles := handlesOf(t, group)
	for _, c := range group {
		require.NoError(t, c.OpenHandles(handles))
	}
	for _, c := range group {
		require.NoError(t, c.Close())
		require.NoError(t, c.Close())
		assert.False(t, c.IsInitialized())
		_, err := c.Handle()
		require.ErrorIs(t, err, ErrNotInitialized)
		require.ErrorIs(t, c.OpenHandles(handles), ErrNotInitialized)
		require.ErrorIs(t, AllReduceFlat(c, codec.FP16, make([]float32, 1)), ErrNotInitialized)
	}
	entries, err := os.ReadDir(p.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "shared memory files must be removed")
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterMetrics(reg))
	require.NoError(t, RegisterMetrics(reg))

	calls := callsTotal.WithLabelValues("Q6", "oneshot")
	staged := stagedBytesTotal.WithLabelValues("Q6")
	callsBefore, stagedBefore := testutil.ToFloat64(calls), testutil.ToFloat64(staged)
	group := newOpenGroup(t, 2, func(c *Config) *Config { return c.Algorithm(OneShot) })
	runAll(t, group, func(c *Comms) error {
		return AllReduceFlat(c, codec.Q6, make([]float16.Float16, 64))
	})
	assert.Equal(t, 2.0, testutil.ToFloat64(calls)-callsBefore)
	// 2 blocks of 4+24 bytes per rank.
	assert.Equal(t, 2*56.0, testutil.ToFloat64(staged)-stagedBefore)
}

func TestLayout(t *testing.T) {
	l := newLayout(DefaultMaxProblemSize)
	assert.Equal(t, 16384, l.maxTiles)
	assert.Equal(t, 2*TileSize, l.tileBytes)
	assert.Equal(t, 0, l.flagsBytes%os.Getpagesize())
	assert.GreaterOrEqual(t, l.slotBytes, DefaultMaxProblemSize)
	assert.Equal(t, l.flagsBytes+l.slotBytes+3*l.tileBytes, l.tileOffset(1, 3))
	assert.Equal(t, l.maxTiles+5, l.flagIndex(1, 5))

	assert.Equal(t, 4096, segmentSize(TileSize, 4))
	assert.Equal(t, 32, segmentSize(10, 8))
	start, end := segmentBounds(10, 8, 0)
	assert.Equal(t, [2]int{0, 10}, [2]int{start, end})
	start, end = segmentBounds(10, 8, 1)
	assert.Equal(t, start, end, "segment of rank 1 must be empty")
	start, end = segmentBounds(100, 4, 3)
	assert.Equal(t, [2]int{96, 100}, [2]int{start, end})
}

func TestParseAlgorithm(t *testing.T) {
	a, err := ParseAlgorithm("TwoShot")
	require.NoError(t, err)
	assert.Equal(t, TwoShot, a)
	a, err = ParseAlgorithm("one-shot")
	require.NoError(t, err)
	assert.Equal(t, OneShot, a)
	_, err = ParseAlgorithm("ring")
	require.Error(t, err)
}
