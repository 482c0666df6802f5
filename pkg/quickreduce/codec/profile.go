// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package codec

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile selects the on-wire representation used during a reduction. Its numeric values are the
// codes used by callers and are stable.
type Profile int

const (
	// FP16 sends IEEE half-precision values, without quantization.
	FP16 Profile = 1

	// FP8 sends one byte per element in the E4M3 format.
	FP8 Profile = 2

	// Q8 sends blocks of 8-bit values with a float32 scale per block.
	Q8 Profile = 3

	// Q6 sends blocks of 6-bit values with a float32 scale per block.
	Q6 Profile = 4

	// Q4 sends blocks of 4-bit values with a float32 scale per block.
	Q4 Profile = 5
)

// Profiles lists all valid profiles, in code order.
var Profiles = []Profile{FP16, FP8, Q8, Q6, Q4}

// IsValid returns whether p is one of the known profiles.
func (p Profile) IsValid() bool {
	return p >= FP16 && p <= Q4
}

// String implements fmt.Stringer.
func (p Profile) String() string {
	switch p {
	case FP16:
		return "FP16"
	case FP8:
		return "FP8"
	case Q8:
		return "Q8"
	case Q6:
		return "Q6"
	case Q4:
		return "Q4"
	default:
		return "Profile(" + strconv.Itoa(int(p)) + ")"
	}
}

// ParseProfile parses a profile name (case-insensitive, e.g. "q4") or its numeric code (e.g. "5").
func ParseProfile(s string) (Profile, error) {
	s = strings.TrimSpace(s)
	if code, err := strconv.Atoi(s); err == nil {
		if p := Profile(code); p.IsValid() {
			return p, nil
		}
		return 0, errors.Wrapf(ErrUnsupportedProfile, "profile code %d", code)
	}
	for _, p := range Profiles {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return 0, errors.Wrapf(ErrUnsupportedProfile, "profile %q, valid values are FP16, FP8, Q8, Q6 and Q4", s)
}
