// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quickreduce

import (
	"os"

	"github.com/gomlx/quickreduce/pkg/quickreduce/codec"
	"github.com/gomlx/quickreduce/pkg/support/xsync"
)

// TileSize is the number of elements processed as a unit: tiles are encoded, published and reduced
// independently.
const TileSize = 16384

// numPhases of flags per tile: phase 0 signals the encoded input, phase 1 the reduced segment (TwoShot only).
const numPhases = 2

// layout of the staging allocation of each rank:
//
//	[flags: numPhases x maxTiles x uint64, page aligned][slot 0][slot 1]
//
// Each slot holds maxTiles tiles of tileBytes, enough for the widest profile.
type layout struct {
	maxTiles   int
	tileBytes  int
	flagsBytes int
	slotBytes  int
}

func newLayout(maxProblemSize int) layout {
	maxElements := (maxProblemSize + 1) / 2
	l := layout{
		maxTiles:  max(1, numTiles(maxElements)),
		tileBytes: codec.MaxEncodedSize(TileSize),
	}
	l.flagsBytes = roundUp(numPhases*l.maxTiles*xsync.FlagSize, os.Getpagesize())
	l.slotBytes = roundUp(l.maxTiles*l.tileBytes, os.Getpagesize())
	return l
}

// size of the staging allocation.
func (l layout) size() int {
	return l.flagsBytes + 2*l.slotBytes
}

// tileOffset returns the offset of the tile in the given slot.
func (l layout) tileOffset(slot, tile int) int {
	return l.flagsBytes + slot*l.slotBytes + tile*l.tileBytes
}

func (l layout) flagIndex(phase, tile int) int {
	return phase*l.maxTiles + tile
}

func numTiles(n int) int {
	return (n + TileSize - 1) / TileSize
}

// segmentSize returns the number of elements of each rank's segment of a tile with n elements.
// It is a multiple of codec.QuantBlockSize, so segments start on block boundaries.
func segmentSize(n, worldSize int) int {
	return roundUp((n+worldSize-1)/worldSize, codec.QuantBlockSize)
}

// segmentBounds returns the [start, end) elements of the segment owned by rank.
// The segment may be empty for the last ranks of a small tile.
func segmentBounds(n, worldSize, rank int) (start, end int) {
	size := segmentSize(n, worldSize)
	start = min(rank*size, n)
	end = min(start+size, n)
	return
}

func roundUp(n, multiple int) int {
	return (n + multiple - 1) / multiple * multiple
}
