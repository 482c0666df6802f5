// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quickreduce

import (
	"github.com/gomlx/quickreduce/pkg/device"
	"github.com/gomlx/quickreduce/pkg/quickreduce/codec"
	"github.com/pkg/errors"
)

// Errors returned by the package. Use errors.Is to test for them: they are always wrapped with context.
var (
	ErrInvalidWorldSize   = errors.New("invalid world size")
	ErrInvalidRank        = errors.New("invalid rank")
	ErrNotInitialized     = errors.New("quickreduce not initialized")
	ErrAlreadyOpen        = errors.New("handles already opened")
	ErrProblemTooLarge    = errors.New("problem too large")
	ErrUnsupportedDType   = errors.New("unsupported dtype")
	ErrHandleMalformed    = device.ErrHandleMalformed
	ErrHandleOpen         = device.ErrHandleOpen
	ErrDeviceAllocation   = device.ErrAllocation
	ErrInvalidDevice      = device.ErrInvalidDevice
	ErrUnsupportedProfile = codec.ErrUnsupportedProfile
)

var configurationErrors = []error{
	ErrInvalidWorldSize, ErrInvalidRank, ErrNotInitialized, ErrAlreadyOpen, ErrProblemTooLarge,
	ErrUnsupportedDType, ErrHandleMalformed, ErrHandleOpen, ErrInvalidDevice, ErrUnsupportedProfile,
}

// IsConfigurationError returns whether err is caused by a bad topology, configuration or usage,
// which retrying won't fix.
func IsConfigurationError(err error) bool {
	for _, target := range configurationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsResourceError returns whether err is caused by the exhaustion or failure of device resources.
func IsResourceError(err error) bool {
	return errors.Is(err, ErrDeviceAllocation)
}
