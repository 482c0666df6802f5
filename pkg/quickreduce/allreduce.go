// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quickreduce

import (
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/quickreduce/pkg/core/dtypes"
	"github.com/gomlx/quickreduce/pkg/quickreduce/codec"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// tileScratch is the per-worker temporary memory.
type tileScratch struct {
	input, segment []float32
}

// AllReduce replaces buffer, on every rank, by the element-wise sum of the buffers of all ranks.
// Values are exchanged in the representation of profile, so the result carries its quantization error.
//
// It blocks until this rank has its result, waiting for the peers as needed: there is no timeout.
// All ranks must call it with buffers of the same length. The buffer is only written when the whole
// reduction is finished.
func (c *Comms) AllReduce(profile codec.Profile, buffer Buffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.ranks == nil {
		return errors.Wrapf(ErrNotInitialized, "rank %d: AllReduce called before OpenHandles or after Close", c.settings.Rank)
	}
	cdc, err := codec.ForProfile(profile)
	if err != nil {
		return err
	}
	if !buffer.DType().IsValid() {
		return errors.Wrapf(ErrUnsupportedDType, "rank %d: AllReduce of buffer with dtype %s", c.settings.Rank, buffer.DType())
	}
	n := buffer.Len()
	if n == 0 {
		return nil
	}
	if 2*n > c.settings.MaxProblemSize {
		return errors.Wrapf(ErrProblemTooLarge, "rank %d: %d elements need %d bytes as float16, MaxProblemSize is %d",
			c.settings.Rank, n, 2*n, c.settings.MaxProblemSize)
	}

	start := time.Now()
	c.epoch++
	if cap(c.result) < n {
		c.result = make([]float32, n)
	}
	result := c.result[:n]
	if c.settings.Algorithm == OneShot {
		clear(result)
	}

	tiles := numTiles(n)
	workers := min(c.settings.Parallelism, tiles)
	for len(c.scratch) < workers {
		c.scratch = append(c.scratch, &tileScratch{
			input:   make([]float32, TileSize),
			segment: make([]float32, TileSize),
		})
	}

	// Every worker must run concurrently: a tile can only complete once the same tile completed on all
	// ranks, and each worker goes through its tiles in increasing order.
	var g errgroup.Group
	for w := range workers {
		scratch := c.scratch[w]
		g.Go(func() error {
			return exceptions.TryCatch[error](func() {
				for tile := w; tile < tiles; tile += workers {
					tileStart := tile * TileSize
					tileEnd := min(tileStart+TileSize, n)
					input := scratch.input[:tileEnd-tileStart]
					buffer.Load(input, tileStart)
					out := result[tileStart:tileEnd]
					if c.settings.Algorithm == OneShot {
						c.oneShotTile(cdc, tile, input, out)
					} else {
						c.twoShotTile(cdc, tile, input, scratch.segment, out)
					}
				}
			})
		})
	}
	if err := g.Wait(); err != nil {
		return errors.WithMessagef(err, "rank %d: AllReduce failed", c.settings.Rank)
	}
	buffer.Store(result, 0)

	labels := []string{profile.String(), c.settings.Algorithm.String()}
	callsTotal.WithLabelValues(labels...).Inc()
	callDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
	stagedBytesTotal.WithLabelValues(profile.String()).Add(float64(c.stagedBytes(cdc, n)))
	if klog.V(2).Enabled() {
		klog.Infof("quickreduce: rank %d reduced %d elements of %s with %s/%s (epoch %d) in %s",
			c.settings.Rank, n, buffer.DType(), profile, c.settings.Algorithm, c.epoch, time.Since(start))
	}
	return nil
}

// AllReduceFlat is AllReduce for a slice of one of the supported types.
func AllReduceFlat[T dtypes.Supported](c *Comms, profile codec.Profile, data []T) error {
	return c.AllReduce(profile, Flat[T](data))
}

// twoShotTile encodes the input tile in slot 0, reduces the segment owned by this rank from the slot 0 of
// all ranks into its slot 1, and then decodes all reduced segments from the slot 1 of their owners.
func (c *Comms) twoShotTile(cdc codec.Codec, tile int, input, segment, out []float32) {
	rank, worldSize, epoch := c.settings.Rank, c.settings.WorldSize, c.epoch
	own := c.staging.Bytes()
	n := len(input)
	inputOffset := c.layout.tileOffset(0, tile)
	reducedOffset := c.layout.tileOffset(1, tile)
	inputFlag := c.layout.flagIndex(0, tile)
	reducedFlag := c.layout.flagIndex(1, tile)

	cdc.Encode(own[inputOffset:inputOffset+cdc.EncodedSize(n)], input)
	c.flags[rank].Store(inputFlag, epoch)

	if segStart, segEnd := segmentBounds(n, worldSize, rank); segStart < segEnd {
		acc := segment[:segEnd-segStart]
		clear(acc)
		byteOffset := cdc.EncodedSize(segStart)
		for r, mem := range c.ranks {
			c.flags[r].WaitAtLeast(inputFlag, epoch)
			cdc.DecodeAdd(acc, mem.Bytes()[inputOffset+byteOffset:])
		}
		dst := own[reducedOffset+byteOffset:]
		cdc.Encode(dst[:cdc.EncodedSize(len(acc))], acc)
	}
	c.flags[rank].Store(reducedFlag, epoch)

	for r, mem := range c.ranks {
		segStart, segEnd := segmentBounds(n, worldSize, r)
		if segStart >= segEnd {
			continue
		}
		c.flags[r].WaitAtLeast(reducedFlag, epoch)
		cdc.Decode(out[segStart:segEnd], mem.Bytes()[reducedOffset+cdc.EncodedSize(segStart):])
	}
}

// oneShotTile encodes the input tile and decodes-adds the tile of every rank into out, which must be zeroed.
// Slots alternate between calls, so a rank can start the next call while a slower peer still reads this one.
func (c *Comms) oneShotTile(cdc codec.Codec, tile int, input, out []float32) {
	rank, epoch := c.settings.Rank, c.epoch
	own := c.staging.Bytes()
	offset := c.layout.tileOffset(int(epoch%2), tile)
	flag := c.layout.flagIndex(0, tile)

	cdc.Encode(own[offset:offset+cdc.EncodedSize(len(input))], input)
	c.flags[rank].Store(flag, epoch)
	for r, mem := range c.ranks {
		c.flags[r].WaitAtLeast(flag, epoch)
		cdc.DecodeAdd(out, mem.Bytes()[offset:])
	}
}

// stagedBytes returns the number of encoded bytes this rank wrote to its staging memory for n elements.
func (c *Comms) stagedBytes(cdc codec.Codec, n int) int {
	var total int
	for tileStart := 0; tileStart < n; tileStart += TileSize {
		tileLen := min(TileSize, n-tileStart)
		total += cdc.EncodedSize(tileLen)
		if c.settings.Algorithm == TwoShot {
			segStart, segEnd := segmentBounds(tileLen, c.settings.WorldSize, c.settings.Rank)
			total += cdc.EncodedSize(segEnd - segStart)
		}
	}
	return total
}
