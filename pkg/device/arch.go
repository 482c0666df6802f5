// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"os"
	"strings"

	"github.com/pkg/errors"
)

// DefaultArchs is the ";"-separated list of architectures compiled in by default.
// It can be changed at build time with:
//
//	go build -ldflags "-X github.com/gomlx/quickreduce/pkg/device.DefaultArchs=gfx90a;gfx942"
var DefaultArchs = "gfx942"

// EnvArchs overrides DefaultArchs at run time, with the same syntax.
const EnvArchs = "GPU_ARCHS"

// Arch describes a device architecture.
type Arch struct {
	// Name of the architecture, e.g.: "gfx942".
	Name string

	// Family the architecture belongs to, e.g.: "CDNA3".
	Family string

	// Code is the identifier carried in handles.
	Code uint16
}

// String implements fmt.Stringer.
func (a Arch) String() string {
	return a.Name
}

// KnownArchs lists the architectures the reduction kernels support.
var KnownArchs = []Arch{
	{Name: "gfx908", Family: "CDNA1", Code: 1},
	{Name: "gfx90a", Family: "CDNA2", Code: 2},
	{Name: "gfx942", Family: "CDNA3", Code: 3},
}

// ArchByName returns the known architecture with the given name.
func ArchByName(name string) (Arch, bool) {
	for _, a := range KnownArchs {
		if a.Name == name {
			return a, true
		}
	}
	return Arch{}, false
}

// ArchByCode returns the known architecture with the given handle code.
func ArchByCode(code uint16) (Arch, bool) {
	for _, a := range KnownArchs {
		if a.Code == code {
			return a, true
		}
	}
	return Arch{}, false
}

// ParseArchs parses a ";"-separated list of architecture names. Empty entries are ignored, duplicates are removed.
func ParseArchs(list string) ([]Arch, error) {
	var archs []Arch
	for _, name := range strings.Split(list, ";") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		a, found := ArchByName(name)
		if !found {
			return nil, errors.Wrapf(ErrInvalidDevice, "unknown architecture %q in %q", name, list)
		}
		duplicate := false
		for _, prev := range archs {
			duplicate = duplicate || prev.Code == a.Code
		}
		if !duplicate {
			archs = append(archs, a)
		}
	}
	if len(archs) == 0 {
		return nil, errors.Wrapf(ErrInvalidDevice, "no architecture in %q", list)
	}
	return archs, nil
}

// CompiledArchs returns the architectures this binary supports: $GPU_ARCHS if set, DefaultArchs otherwise.
func CompiledArchs() ([]Arch, error) {
	if list, found := os.LookupEnv(EnvArchs); found && strings.TrimSpace(list) != "" {
		return ParseArchs(list)
	}
	return ParseArchs(DefaultArchs)
}
