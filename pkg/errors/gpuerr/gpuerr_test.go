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

package gpuerr

import (
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestWrappedClasses(t *testing.T) {
	for _, tc := range []struct {
		name  string
		err   error
		errno unix.Errno
	}{
		{"busy", ResourceBusy, unix.EBUSY},
		{"hw", HardwareOperationFailed, unix.EIO},
		{"alloc", AllocationFailed, unix.ENOMEM},
		{"state", InvalidState, unix.EINVAL},
		{"perm", PermissionDenied, unix.EACCES},
	} {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := fmt.Errorf("queue 3: %w", tc.err)
			if !errors.Is(wrapped, tc.err) {
				t.Errorf("errors.Is(%v, %v) = false, want true", wrapped, tc.err)
			}
			if !errors.Is(wrapped, tc.errno) {
				t.Errorf("errors.Is(%v, %v) = false, want true", wrapped, tc.errno)
			}
			if got := ToUnix(wrapped); got != tc.errno {
				t.Errorf("ToUnix(%v) = %v, want %v", wrapped, got, tc.errno)
			}
		})
	}
}

func TestToUnixForeign(t *testing.T) {
	if got := ToUnix(nil); got != 0 {
		t.Errorf("ToUnix(nil) = %v, want 0", got)
	}
	if got := ToUnix(errors.New("boom")); got != unix.EIO {
		t.Errorf("ToUnix(foreign) = %v, want EIO", got)
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(fmt.Errorf("vmid: %w", ResourceBusy)) {
		t.Errorf("wrapped ResourceBusy should be transient")
	}
	if IsTransient(HardwareOperationFailed) {
		t.Errorf("HardwareOperationFailed should not be transient")
	}
}
