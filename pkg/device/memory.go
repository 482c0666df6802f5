// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"os"
	"path"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// FilePrefix is prepended to the allocation name to build its shared-memory file name.
const FilePrefix = "quickreduce-"

// Memory is a mapping of a device allocation: either the owner's read-write mapping (from Malloc) or a
// peer's read-only mapping (from OpenHandle).
type Memory struct {
	handle   Handle
	path     string
	data     []byte
	readOnly bool
}

// Malloc creates a zero-filled allocation of size bytes on device deviceID.
// The caller owns it and must call Free.
func (p *Platform) Malloc(deviceID int, size int) (*Memory, error) {
	return p.MallocWithTag(deviceID, size, 0)
}

// MallocWithTag is like Malloc, and sets the Tag of the allocation's Handle.
func (p *Platform) MallocWithTag(deviceID int, size int, tag uint32) (*Memory, error) {
	if err := p.Validate(deviceID); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, errors.Wrapf(ErrAllocation, "invalid allocation size %d", size)
	}
	h := Handle{
		Arch:   p.Arch.Code,
		Device: deviceID,
		Size:   uint64(size),
		Name:   uuid.New(),
		HostID: p.HostID,
		Tag:    tag,
	}
	filePath := p.filePath(h.Name)
	f, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, errors.Wrapf(ErrAllocation, "creating %q: %v", filePath, err)
	}
	defer func() { _ = f.Close() }()
	if err = unix.Ftruncate(int(f.Fd()), int64(size)); err != nil {
		_ = os.Remove(filePath)
		return nil, errors.Wrapf(ErrAllocation, "sizing %q to %d bytes: %v", filePath, size, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = os.Remove(filePath)
		return nil, errors.Wrapf(ErrAllocation, "mapping %q: %v", filePath, err)
	}
	klog.V(2).Infof("device %d: allocated %d bytes in %q", deviceID, size, filePath)
	return &Memory{handle: h, path: filePath, data: data}, nil
}

// OpenHandle maps, read-only, the allocation described by h into device importerID.
//
// It fails with ErrHandleOpen if peer access is disabled, if h comes from another host, from another
// architecture or from importerID itself, or if the allocation doesn't exist (anymore) with the expected size.
func (p *Platform) OpenHandle(importerID int, h Handle) (*Memory, error) {
	if !p.PeerAccess {
		return nil, errors.Wrapf(ErrHandleOpen, "peer access disabled")
	}
	if h.HostID != p.HostID {
		return nil, errors.Wrapf(ErrHandleOpen, "%s is from another host", h)
	}
	if h.Arch != p.Arch.Code {
		return nil, errors.Wrapf(ErrHandleOpen, "%s has architecture code %d, device architecture is %s (%d)",
			h, h.Arch, p.Arch, p.Arch.Code)
	}
	if h.Device == importerID {
		return nil, errors.Wrapf(ErrHandleOpen, "%s belongs to the importing device %d", h, importerID)
	}
	if h.Device < 0 || h.Device >= p.NumDevices {
		return nil, errors.Wrapf(ErrHandleOpen, "%s has device out of range [0, %d)", h, p.NumDevices)
	}
	filePath := p.filePath(h.Name)
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(ErrHandleOpen, "opening allocation of %s: %v", h, err)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(ErrHandleOpen, "stat of allocation of %s: %v", h, err)
	}
	if h.Size == 0 || uint64(info.Size()) != h.Size {
		return nil, errors.Wrapf(ErrHandleOpen, "allocation of %s has %d bytes", h, info.Size())
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(h.Size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(ErrHandleOpen, "mapping allocation of %s: %v", h, err)
	}
	klog.V(2).Infof("device %d: mapped peer %s", importerID, h)
	return &Memory{handle: h, path: filePath, data: data, readOnly: true}, nil
}

func (p *Platform) filePath(name uuid.UUID) string {
	return path.Join(p.Dir, FilePrefix+name.String())
}

// Handle returns the handle describing the allocation.
func (m *Memory) Handle() Handle {
	return m.handle
}

// Bytes returns the mapped memory. It is read-only (writes fault) for peer mappings.
// It returns nil after Free.
func (m *Memory) Bytes() []byte {
	return m.data
}

// Size of the allocation in bytes.
func (m *Memory) Size() int {
	return int(m.handle.Size)
}

// ReadOnly returns whether this is a peer mapping.
func (m *Memory) ReadOnly() bool {
	return m.readOnly
}

// Free unmaps the memory. For the owner's mapping it also removes the shared-memory file: existing peer
// mappings remain valid until they are freed, but no new peer can open it.
// Calling Free more than once is a no-op.
func (m *Memory) Free() error {
	if m == nil || m.data == nil {
		return nil
	}
	var result *multierror.Error
	if err := unix.Munmap(m.data); err != nil {
		result = multierror.Append(result, errors.Wrapf(err, "unmapping %q", m.path))
	}
	m.data = nil
	if !m.readOnly {
		if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, errors.Wrapf(err, "removing %q", m.path))
		}
	}
	return result.ErrorOrNil()
}
