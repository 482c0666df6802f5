// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quickreduce

import (
	"bytes"
	"sync"

	"github.com/gomlx/quickreduce/pkg/device"
	"github.com/gomlx/quickreduce/pkg/support/sets"
	"github.com/gomlx/quickreduce/pkg/support/xsync"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Comms is the state of one rank: its staging memory and, after OpenHandles, the read-only mappings of
// its peers' staging memory.
//
// It is created with Init or Build, and must be closed with Close.
type Comms struct {
	mu       sync.Mutex
	settings Settings
	platform *device.Platform
	layout   layout

	staging *device.Memory
	handle  []byte

	// ranks holds the staging memory of every rank, including this one, indexed by rank.
	// It is nil until OpenHandles succeeds.
	ranks []*device.Memory
	flags []xsync.Flags

	// epoch counts the AllReduce calls: flags published with the current epoch signal data of the current call.
	epoch   uint64
	result  []float32
	scratch []*tileScratch
	closed  bool
}

func newComms(settings Settings, platform *device.Platform) (*Comms, error) {
	c := &Comms{
		settings: settings,
		platform: platform,
		layout:   newLayout(settings.MaxProblemSize),
	}
	var err error
	c.staging, err = platform.MallocWithTag(settings.Device, c.layout.size(), uint32(settings.Algorithm))
	if err != nil {
		return nil, errors.WithMessagef(err, "rank %d failed to allocate staging memory", settings.Rank)
	}
	c.handle = c.staging.Handle().Bytes()
	return c, nil
}

// WorldSize returns the number of ranks.
func (c *Comms) WorldSize() int { return c.settings.WorldSize }

// Rank returns the rank of this Comms.
func (c *Comms) Rank() int { return c.settings.Rank }

// Device returns the device id used by this Comms.
func (c *Comms) Device() int { return c.settings.Device }

// Config returns the settings the Comms was created with.
func (c *Comms) Config() Settings { return c.settings }

// IsInitialized returns whether the peers' handles were opened and the Comms is ready for AllReduce.
func (c *Comms) IsInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.ranks != nil
}

// Handle returns the serialized handle of this rank's staging memory, to be sent to the other ranks.
// It returns the same bytes on every call.
func (c *Comms) Handle() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.Wrapf(ErrNotInitialized, "rank %d is closed", c.settings.Rank)
	}
	return bytes.Clone(c.handle), nil
}

// OpenHandles imports the handles of the other ranks. It must be called exactly once.
//
// handles is either the list of all worldSize handles in rank order, where the entry of this rank must
// be its own handle, or the list of the worldSize-1 peer handles in rank order, skipping this rank.
//
// On failure no peer memory remains mapped.
func (c *Comms) OpenHandles(handles [][]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rank, worldSize := c.settings.Rank, c.settings.WorldSize
	if c.closed {
		return errors.Wrapf(ErrNotInitialized, "rank %d is closed", rank)
	}
	if c.ranks != nil {
		return errors.Wrapf(ErrAlreadyOpen, "rank %d", rank)
	}

	// peerHandles[r] is the handle of rank r, nil for this rank.
	peerHandles := make([][]byte, worldSize)
	switch len(handles) {
	case worldSize:
		if !bytes.Equal(handles[rank], c.handle) {
			return errors.Wrapf(ErrHandleOpen, "rank %d: entry %d of the handles is not this rank's own handle", rank, rank)
		}
		copy(peerHandles, handles)
		peerHandles[rank] = nil
	case worldSize - 1:
		for i, h := range handles {
			if i >= rank {
				i++
			}
			peerHandles[i] = h
		}
	default:
		return errors.Wrapf(ErrHandleOpen, "rank %d: got %d handles, expected %d or %d",
			rank, len(handles), worldSize, worldSize-1)
	}

	ranks := make([]*device.Memory, worldSize)
	ranks[rank] = c.staging
	release := func() {
		for r, mem := range ranks {
			if r == rank || mem == nil {
				continue
			}
			if err := mem.Free(); err != nil {
				klog.Warningf("rank %d: failed to release mapping of rank %d: %v", rank, r, err)
			}
		}
	}
	names := sets.MakeWith(c.staging.Handle().Name)
	for r, blob := range peerHandles {
		if r == rank {
			continue
		}
		mem, err := c.openPeer(r, blob, names)
		if err != nil {
			release()
			return err
		}
		ranks[r] = mem
	}

	c.ranks = ranks
	c.flags = make([]xsync.Flags, worldSize)
	for r, mem := range ranks {
		c.flags[r] = xsync.NewFlags(mem.Bytes()[:c.layout.flagsBytes])
	}
	klog.V(1).Infof("quickreduce: rank %d opened %d peer handles", rank, worldSize-1)
	return nil
}

// openPeer validates and maps the handle of the peer rank.
func (c *Comms) openPeer(peer int, blob []byte, names sets.Set[uuid.UUID]) (*device.Memory, error) {
	rank := c.settings.Rank
	h, err := device.ParseHandle(blob)
	if err != nil {
		return nil, errors.WithMessagef(err, "rank %d: handle of rank %d", rank, peer)
	}
	if bytes.Equal(blob, c.handle) {
		return nil, errors.Wrapf(ErrHandleOpen, "rank %d: handle of rank %d is this rank's own handle", rank, peer)
	}
	if !names.InsertNew(h.Name) {
		return nil, errors.Wrapf(ErrHandleOpen, "rank %d: handle of rank %d is duplicated", rank, peer)
	}
	if Algorithm(h.Tag) != c.settings.Algorithm {
		return nil, errors.Wrapf(ErrHandleOpen, "rank %d: rank %d uses algorithm %s, this rank uses %s",
			rank, peer, Algorithm(h.Tag), c.settings.Algorithm)
	}
	if int(h.Size) != c.layout.size() {
		return nil, errors.Wrapf(ErrHandleOpen, "rank %d: handle of rank %d has %d bytes of staging memory, expected %d (all ranks must use the same MaxProblemSize)",
			rank, peer, h.Size, c.layout.size())
	}
	mem, err := c.platform.OpenHandle(c.settings.Device, h)
	if err != nil {
		return nil, errors.WithMessagef(err, "rank %d: handle of rank %d", rank, peer)
	}
	return mem, nil
}

// Close releases the peers' mappings and frees the staging memory.
// The Comms can't be used afterwards. Closing more than once is a no-op.
func (c *Comms) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var result *multierror.Error
	for r, mem := range c.ranks {
		if r == c.settings.Rank {
			continue
		}
		if err := mem.Free(); err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "releasing mapping of rank %d", r))
		}
	}
	if err := c.staging.Free(); err != nil {
		result = multierror.Append(result, errors.WithMessage(err, "freeing staging memory"))
	}
	c.ranks, c.flags, c.result, c.scratch = nil, nil, nil, nil
	klog.V(1).Infof("quickreduce: rank %d closed", c.settings.Rank)
	return result.ErrorOrNil()
}
