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

package gpuctx

import (
	"fmt"
	"strconv"
	"strings"

	"gvisor.dev/gpusched/pkg/gpu/hw"
	"gvisor.dev/gpusched/pkg/gpu/sws"
)

// ClientPriority is the priority a client requests for a context.
type ClientPriority int32

// Client priorities. Only these values are accepted.
const (
	PriorityVeryLow  ClientPriority = -1023
	PriorityLow      ClientPriority = -512
	PriorityNormal   ClientPriority = 0
	PriorityHigh     ClientPriority = 512
	PriorityVeryHigh ClientPriority = 1023

	// PriorityUnset clears a priority override.
	PriorityUnset ClientPriority = -2048
)

var priorityNames = map[ClientPriority]string{
	PriorityVeryLow:  "very-low",
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityVeryHigh: "very-high",
	PriorityUnset:    "unset",
}

func (p ClientPriority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return fmt.Sprintf("ClientPriority(%d)", int32(p))
}

// Valid returns true if p can be requested for a context.
func (p ClientPriority) Valid() bool {
	switch p {
	case PriorityVeryLow, PriorityLow, PriorityNormal, PriorityHigh, PriorityVeryHigh:
		return true
	default:
		return false
	}
}

// Privileged returns true if only privileged callers may request p.
func (p ClientPriority) Privileged() bool {
	return p > PriorityNormal
}

// Tier returns the scheduling tier that serves p.
func (p ClientPriority) Tier() sws.Priority {
	switch {
	case p < PriorityNormal:
		return sws.PriorityLow
	case p == PriorityNormal:
		return sws.PriorityNormal
	default:
		return sws.PriorityHigh
	}
}

// Hardware returns the hardware priority of ordinary submissions at p.
func (p ClientPriority) Hardware() hw.Priority {
	switch {
	case p < PriorityNormal:
		return hw.PriorityLow
	case p == PriorityNormal:
		return hw.PriorityNormal
	default:
		return hw.PriorityHigh
	}
}

// ParseClientPriority parses a priority name or number.
func ParseClientPriority(s string) (ClientPriority, error) {
	for p, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return p, nil
		}
	}
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid client priority %q", s)
	}
	p := ClientPriority(v)
	if !p.Valid() {
		return 0, fmt.Errorf("invalid client priority %d", v)
	}
	return p, nil
}
