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

package hw

import (
	"testing"
)

func TestAddrRoundUp(t *testing.T) {
	for _, tc := range []struct {
		addr  Addr
		align uint64
		want  Addr
		ok    bool
	}{
		{0, 0x1000, 0, true},
		{1, 0x1000, 0x1000, true},
		{0x1000, 0x1000, 0x1000, true},
		{0x1001, 0x10000, 0x10000, true},
		{^Addr(0), 0x1000, 0, false},
	} {
		got, ok := tc.addr.RoundUp(tc.align)
		if got != tc.want || ok != tc.ok {
			t.Errorf("%v.RoundUp(%#x) = %v, %v; want %v, %v", tc.addr, tc.align, got, ok, tc.want, tc.ok)
		}
	}
}

func TestParseGeneration(t *testing.T) {
	for _, g := range Generations() {
		got, err := ParseGeneration(g.String())
		if err != nil || got != g {
			t.Errorf("ParseGeneration(%q) = %v, %v; want %v", g.String(), got, err, g)
		}
		tr, ok := TraitsFor(g)
		if !ok {
			t.Fatalf("no traits for %v", g)
		}
		if tr.NumQueues() == 0 || tr.Granularity&(tr.Granularity-1) != 0 {
			t.Errorf("%v: bad traits %+v", g, tr)
		}
	}
	if _, err := ParseGeneration("gfx8"); err == nil {
		t.Errorf("ParseGeneration(gfx8) succeeded, want error")
	}
}
