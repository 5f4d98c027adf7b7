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

package cleanup

import (
	"slices"
	"testing"
)

// unwind simulates a setup sequence of n steps that fails at step failAt
// (never if failAt >= n). It returns the order in which steps were undone
// and a function releasing the steps that survived.
func unwind(n, failAt int) (undone *[]int, release func()) {
	undone = new([]int)
	var cu Cleanup
	defer cu.Clean()
	for i := 0; i < n; i++ {
		if i == failAt {
			return undone, nil
		}
		cu.Add(func() { *undone = append(*undone, i) })
	}
	return undone, cu.Release()
}

func TestUnwind(t *testing.T) {
	for _, tc := range []struct {
		name   string
		n      int
		failAt int
		want   []int
	}{
		{name: "first step fails", n: 3, failAt: 0},
		{name: "middle step fails", n: 3, failAt: 2, want: []int{1, 0}},
		{name: "success", n: 3, failAt: 3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			undone, release := unwind(tc.n, tc.failAt)
			if !slices.Equal(*undone, tc.want) {
				t.Errorf("undone steps %v, want %v", *undone, tc.want)
			}
			if tc.failAt < tc.n {
				if release != nil {
					t.Errorf("failed setup returned a release function")
				}
				return
			}
			// Released cleaners only run when the caller asks.
			release()
			if want := []int{2, 1, 0}; !slices.Equal(*undone, want) {
				t.Errorf("after release: undone steps %v, want %v", *undone, want)
			}
		})
	}
}

func TestMake(t *testing.T) {
	clean := false
	cu := Make(func() { clean = true })
	cu.Add(nil)
	cu.Clean()
	if !clean {
		t.Fatalf("cleanup function was not called.")
	}

	// A second Clean is a no-op.
	clean = false
	cu.Clean()
	if clean {
		t.Fatalf("second Clean ran the cleanup function again.")
	}
}

func TestReleaseAfterClean(t *testing.T) {
	calls := 0
	cu := Make(func() { calls++ })
	cu.Clean()
	cu.Release()()
	if calls != 1 {
		t.Fatalf("cleanup function called %d times, want 1", calls)
	}
}
