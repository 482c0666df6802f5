// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package device models the devices of one host and their memory.
//
// A device allocation is a file in a shared-memory directory mapped into the owner's address space.
// Its Handle can be sent to other processes (or goroutines) of the same host, which import it with
// Platform.OpenHandle and get a read-only mapping of the very same pages: this is the peer memory access
// used by the reduction.
package device

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/gomlx/quickreduce/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/spaolacci/murmur3"
	"k8s.io/klog/v2"
)

// Environment variables configuring the Platform.
const (
	// EnvShmDir is the directory where allocations are created.
	EnvShmDir = "QUICKREDUCE_SHM_DIR"

	// EnvNumDevices is the number of devices of the host.
	EnvNumDevices = "QUICKREDUCE_NUM_DEVICES"

	// EnvDeviceArch is the architecture of the host's devices.
	EnvDeviceArch = "QUICKREDUCE_DEVICE_ARCH"

	// EnvDisablePeerAccess, if set to a true value, makes every handle import fail.
	EnvDisablePeerAccess = "QUICKREDUCE_DISABLE_PEER_ACCESS"
)

// DefaultNumDevices is the number of devices if $QUICKREDUCE_NUM_DEVICES is not set.
const DefaultNumDevices = 8

// Platform describes the devices of the host.
type Platform struct {
	// Dir holds the shared-memory files of the allocations.
	Dir string

	// NumDevices is the number of devices, numbered from 0.
	NumDevices int

	// Arch of the devices.
	Arch Arch

	// Compiled is the list of architectures supported by the binary.
	Compiled []Arch

	// PeerAccess enables importing handles of other devices.
	PeerAccess bool

	// HostID identifies the host: handles from other hosts are rejected.
	HostID uint64
}

// NewPlatform returns the Platform configured by the environment.
// If dir is not empty, it overrides $QUICKREDUCE_SHM_DIR.
func NewPlatform(dir string) (*Platform, error) {
	compiled, err := CompiledArchs()
	if err != nil {
		return nil, err
	}
	p := &Platform{
		Dir:        dir,
		NumDevices: DefaultNumDevices,
		Arch:       compiled[0],
		Compiled:   compiled,
		PeerAccess: true,
		HostID:     LocalHostID(),
	}
	if p.Dir == "" {
		p.Dir = os.Getenv(EnvShmDir)
	}
	if p.Dir == "" {
		p.Dir = DefaultShmDir()
	}
	if p.Dir, err = fsutil.ReplaceTildeInDir(p.Dir); err != nil {
		return nil, err
	}
	if v := os.Getenv(EnvNumDevices); v != "" {
		p.NumDevices, err = strconv.Atoi(v)
		if err != nil || p.NumDevices <= 0 {
			return nil, errors.Wrapf(ErrInvalidDevice, "invalid $%s=%q", EnvNumDevices, v)
		}
	}
	if v := os.Getenv(EnvDeviceArch); v != "" {
		var found bool
		p.Arch, found = ArchByName(v)
		if !found {
			return nil, errors.Wrapf(ErrInvalidDevice, "unknown device architecture $%s=%q", EnvDeviceArch, v)
		}
	}
	if v := os.Getenv(EnvDisablePeerAccess); v != "" {
		disabled, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid $%s=%q", EnvDisablePeerAccess, v)
		}
		p.PeerAccess = !disabled
	}
	klog.V(1).Infof("device platform: %d x %s devices (compiled for %v), shared memory in %q",
		p.NumDevices, p.Arch, p.Compiled, p.Dir)
	return p, nil
}

// DefaultShmDir returns /dev/shm if it is usable, os.TempDir() otherwise.
func DefaultShmDir() string {
	if runtime.GOOS == "linux" && fsutil.IsWritableDir("/dev/shm") {
		return "/dev/shm"
	}
	return os.TempDir()
}

// Validate checks that deviceID can be used on this platform.
func (p *Platform) Validate(deviceID int) error {
	if deviceID < 0 || deviceID >= p.NumDevices {
		return errors.Wrapf(ErrInvalidDevice, "device %d out of range [0, %d)", deviceID, p.NumDevices)
	}
	if !p.IsCompiled(p.Arch) {
		return errors.Wrapf(ErrInvalidDevice, "device architecture %s not among the compiled architectures %v",
			p.Arch, p.Compiled)
	}
	return nil
}

// IsCompiled returns whether the binary supports the architecture a.
func (p *Platform) IsCompiled(a Arch) bool {
	for _, c := range p.Compiled {
		if c.Code == a.Code {
			return true
		}
	}
	return false
}

// LocalHostID hashes the hostname and the kernel boot id, so that a host id changes across reboots.
func LocalHostID() uint64 {
	h := murmur3.New64()
	hostname, err := os.Hostname()
	if err != nil {
		klog.Warningf("failed to get hostname: %v", err)
	}
	_, _ = h.Write([]byte(hostname))
	_, _ = h.Write([]byte{0})
	if bootID, err := os.ReadFile("/proc/sys/kernel/random/boot_id"); err == nil {
		_, _ = h.Write([]byte(strings.TrimSpace(string(bootID))))
	}
	return h.Sum64()
}
