// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/gomlx/exceptions"
)

// FlagSize is the number of bytes used by each flag.
const FlagSize = 8

// SpinBurst is the number of busy polls a waiter does before yielding the processor.
var SpinBurst = 64

// Flags is an array of uint64 flags living in (possibly shared) memory, read and written with
// atomic operations only.
//
// A writer publishes a value with Store (release semantics), and readers poll it with Load or
// WaitAtLeast (acquire semantics): every write done before a Store is visible to a reader that observed it.
// Flags are used as monotonic epoch counters, so waiting is always for "at least" a value.
//
// Flags over a read-only mapping can only be read: Store would fault.
type Flags struct {
	words []uint64
}

// NewFlags creates Flags over the memory in region. region must be 8-bytes aligned (mappings are page
// aligned) and its length a multiple of FlagSize.
//
// The memory is not cleared: freshly created shared memory is already zero.
func NewFlags(region []byte) Flags {
	if len(region) == 0 {
		return Flags{}
	}
	if len(region)%FlagSize != 0 {
		exceptions.Panicf("xsync.NewFlags: region length %d is not a multiple of %d", len(region), FlagSize)
	}
	ptr := unsafe.Pointer(unsafe.SliceData(region))
	if uintptr(ptr)%FlagSize != 0 {
		exceptions.Panicf("xsync.NewFlags: region is not %d-bytes aligned", FlagSize)
	}
	return Flags{words: unsafe.Slice((*uint64)(ptr), len(region)/FlagSize)}
}

// Len returns the number of flags.
func (f Flags) Len() int {
	return len(f.words)
}

// Store publishes value in flag i.
func (f Flags) Store(i int, value uint64) {
	atomic.StoreUint64(&f.words[i], value)
}

// Load returns the current value of flag i.
func (f Flags) Load(i int) uint64 {
	return atomic.LoadUint64(&f.words[i])
}

// WaitAtLeast busy-waits until flag i holds a value >= value.
// It never blocks on a host primitive: after SpinBurst polls it yields the processor and polls again.
// There is no timeout.
func (f Flags) WaitAtLeast(i int, value uint64) {
	addr := &f.words[i]
	for {
		for range SpinBurst {
			if atomic.LoadUint64(addr) >= value {
				return
			}
		}
		runtime.Gosched()
	}
}
