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

package sws

import (
	"bytes"
	"fmt"
	"io"
	"time"
)

// Status is a point-in-time report of the scheduler.
type Status struct {
	Quantum        time.Duration `json:"quantum"`
	Round          uint64        `json:"round"`
	Paused         bool          `json:"paused"`
	Contexts       int           `json:"contexts"`
	QueueCapacity  int           `json:"queue_capacity"`
	UsableQueues   int           `json:"usable_queues"`
	VMIDCapacity   int           `json:"vmid_capacity"`
	VMIDsInUse     int           `json:"vmids_in_use"`
	VMIDAvailable  bool          `json:"vmid_available"`
	QueueAvailable bool          `json:"queue_available"`
	OrdinaryRings  int           `json:"ordinary_rings"`

	Idle    []EntryStatus `json:"idle"`
	Running []EntryStatus `json:"running"`
	Broken  []EntryStatus `json:"broken"`
	Trusted []EntryStatus `json:"trusted"`

	Queues       []QueueStatus `json:"queues"`
	TrustedQueue *QueueStatus  `json:"trusted_queue,omitempty"`
	VMIDs        []VMIDStatus  `json:"vmids"`
}

// Status returns a report of the scheduler's state.
func (s *Scheduler) Status() *Status {
	s.mu.Lock()
	st := &Status{
		Quantum:        s.quantum,
		Round:          s.round,
		QueueCapacity:  len(s.queues.slots),
		UsableQueues:   s.queues.usable(),
		VMIDCapacity:   s.vmids.capacity(),
		VMIDsInUse:     s.vmids.inUse(),
		VMIDAvailable:  s.vmidAvail,
		QueueAvailable: s.queueAvail,
		OrdinaryRings:  len(s.ordinary),
		Idle:           listStatus(&s.idle),
		Running:        listStatus(&s.running),
		Broken:         listStatus(&s.broken),
	}
	st.Queues = make([]QueueStatus, 0, len(s.queues.slots))
	for i := range s.queues.slots {
		st.Queues = append(st.Queues, s.queues.slots[i].status())
	}
	st.VMIDs = s.vmids.status()
	s.mu.Unlock()

	st.Trusted, st.TrustedQueue = s.trustedStatus()
	st.Contexts = len(st.Idle) + len(st.Running) + len(st.Broken) + len(st.Trusted)
	return st
}

// Preconditions: the scheduler's mu must be locked.
func listStatus(l *entryList) []EntryStatus {
	var out []EntryStatus
	for e := l.Front(); e != nil; e = e.Next() {
		out = append(out, e.statusLocked())
	}
	return out
}

// WriteTo writes a human-readable rendering of st to w.
func (st *Status) WriteTo(w io.Writer) (int64, error) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "quantum:          %v\n", st.Quantum)
	fmt.Fprintf(&b, "round:            %d\n", st.Round)
	fmt.Fprintf(&b, "paused:           %t\n", st.Paused)
	fmt.Fprintf(&b, "contexts:         %d\n", st.Contexts)
	fmt.Fprintf(&b, "queues:           %d usable of %d\n", st.UsableQueues, st.QueueCapacity)
	fmt.Fprintf(&b, "vmids:            %d in use of %d\n", st.VMIDsInUse, st.VMIDCapacity)
	fmt.Fprintf(&b, "vmid available:   %t\n", st.VMIDAvailable)
	fmt.Fprintf(&b, "queue available:  %t\n", st.QueueAvailable)
	fmt.Fprintf(&b, "ordinary rings:   %d\n", st.OrdinaryRings)
	for _, l := range []struct {
		name    string
		entries []EntryStatus
	}{
		{"running", st.Running},
		{"idle", st.Idle},
		{"broken", st.Broken},
		{"trusted", st.Trusted},
	} {
		fmt.Fprintf(&b, "\n%s (%d):\n", l.name, len(l.entries))
		for _, e := range l.entries {
			fmt.Fprintf(&b, "  #%-4d %-12s pasid=%d ctx=%d prio=%v state=%v", e.ID, e.Ring, e.VM, e.Context, e.Priority, e.State)
			if e.Queue != "" {
				fmt.Fprintf(&b, " queue=%s vmid=%d", e.Queue, e.VMID)
			}
			fmt.Fprintf(&b, " round_start=%d sched_count=%d launches=%d", e.RoundStart, e.SchedCount, e.Launches)
			if e.LastError != "" {
				fmt.Fprintf(&b, " error=%q", e.LastError)
			}
			b.WriteByte('\n')
		}
	}
	fmt.Fprintf(&b, "\nqueue slots:\n")
	for _, q := range st.Queues {
		fmt.Fprintf(&b, "  %3d %-16s %s", q.ID, q.Queue, q.Status)
		if q.Owner != 0 {
			fmt.Fprintf(&b, " #%d", q.Owner)
		}
		b.WriteByte('\n')
	}
	if q := st.TrustedQueue; q != nil {
		fmt.Fprintf(&b, "  tmz %-16s %s\n", q.Queue, q.Status)
	}
	return b.WriteTo(w)
}
