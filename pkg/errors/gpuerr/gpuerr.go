// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gpuerr contains the scheduler's error classes exported as error
// interface pointers, comparable with errors.Is after wrapping.
package gpuerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"gvisor.dev/gpusched/pkg/errors"
)

// The error taxonomy of the scheduler and its resource subsystems.
var (
	// ResourceBusy is transient: a pool is exhausted and the caller retries
	// on the next quantum. It is never visible to applications.
	ResourceBusy = errors.New(unix.EBUSY, "resource busy")

	// HardwareOperationFailed means a map, dequeue or relaunch was rejected
	// by the hardware. The entry is quarantined.
	HardwareOperationFailed = errors.New(unix.EIO, "hardware queue operation failed")

	// AllocationFailed means memory or a GPU VA mapping could not be set up
	// for preemptible compute.
	AllocationFailed = errors.New(unix.ENOMEM, "allocation failed")

	// InvalidState means an operation was requested on an object in the
	// wrong state.
	InvalidState = errors.New(unix.EINVAL, "invalid state")

	// PermissionDenied means the caller may not request the given priority.
	PermissionDenied = errors.New(unix.EACCES, "permission denied")
)

// ToUnix returns the errno of the taxonomy class err belongs to, or 0 if err
// is nil. Errors outside the taxonomy map to EIO.
func ToUnix(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Errno()
	}
	return unix.EIO
}

// IsTransient returns true if err is recovered locally by retrying on a later
// quantum.
func IsTransient(err error) bool {
	return goerrors.Is(err, ResourceBusy)
}
