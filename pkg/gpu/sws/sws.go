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

// Package sws implements the software wave scheduler, which time-shares a
// small fixed set of hardware compute queues and VMIDs among a larger number
// of client contexts.
//
// Each context that wants preemptible compute registers an Entry. Once per
// quantum the scheduler runs a decision pass (Scheduler.Schedule) that ages
// the entries holding a queue, evicts those whose time expired, and promotes
// waiting entries with pending work while capacity lasts. Two contexts never
// hold the same VMID at the same time. A queue whose hardware operation fails
// is marked broken and its entry quarantined until Scheduler.Recover.
//
// Lock ordering:
//
//	Scheduler.mu or Scheduler.trustedMu (never both)
//	  vmidPool.mu
//	  pipeIRQ.mu
package sws

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gvisor.dev/gpusched/pkg/errors/gpuerr"
	"gvisor.dev/gpusched/pkg/gpu/hw"
	"gvisor.dev/gpusched/pkg/log"
)

// Priority is a scheduling tier.
type Priority int

// Scheduling tiers, in increasing order of expiry.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh

	// NumPriorities is the number of tiers.
	NumPriorities
)

var priorityNames = [NumPriorities]string{"low", "normal", "high"}

func (p Priority) String() string {
	if p < 0 || p >= NumPriorities {
		return fmt.Sprintf("Priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority parses a tier name.
func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if name == s {
			return Priority(p), nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// hw returns the hardware queue priority programmed for tier p.
func (p Priority) hw() hw.Priority {
	switch p {
	case PriorityHigh:
		return hw.PriorityHigh
	case PriorityLow:
		return hw.PriorityLow
	default:
		return hw.PriorityNormal
	}
}

// Expiry holds the number of rounds an entry of each tier may keep its queue
// before it becomes eligible for eviction.
type Expiry [NumPriorities]uint64

// DefaultExpiry is the expiry used when Options.Expiry is zero.
var DefaultExpiry = Expiry{
	PriorityLow:    1,
	PriorityNormal: 2,
	PriorityHigh:   4,
}

// DefaultQuantum is the scheduling period used when Options.Quantum is zero.
const DefaultQuantum = 100 * time.Millisecond

// DefaultVMIDs is the VMID pool size used when Options.VMIDs is zero.
const DefaultVMIDs = 8

// Options configures a Scheduler.
type Options struct {
	// Backend performs queue operations. It is required.
	Backend hw.RingBackend

	// IRQ registers end-of-pipe interrupts. It is required.
	IRQ hw.IRQController

	// TLB invalidates translations of released VMIDs. It is required.
	TLB hw.TLBFlusher

	// Geometry is the compute queue space. If zero, the geometry of the
	// backend's generation is used.
	Geometry Geometry

	// Queues limits how many queues of Geometry the scheduler uses. If zero,
	// all of them are used.
	Queues int

	// VMIDs is the number of reservable VMIDs, starting at FirstVMID.
	VMIDs     int
	FirstVMID hw.VMID

	// Hub is the memory hub whose TLBs are flushed.
	Hub hw.Hub

	// Quantum is the scheduling period.
	Quantum time.Duration

	// Expiry holds per-tier expiry thresholds in rounds.
	Expiry Expiry

	// TrustedQueue reserves the last queue of Geometry for the trusted
	// queue path.
	TrustedQueue bool

	// Metrics, if not nil, receives scheduler metrics.
	Metrics *Metrics
}

// Scheduler multiplexes hardware compute queues and VMIDs onto entries.
type Scheduler struct {
	backend  hw.RingBackend
	hub      hw.Hub
	quantum  time.Duration
	expiry   Expiry
	geometry Geometry
	vmids    *vmidPool
	irq      *pipeIRQ
	metrics  *Metrics
	nextID   atomic.Uint64

	// mu protects the queue pool, the idle, running and broken lists, and
	// the entries on them.
	mu sync.Mutex

	// +checklocks:mu
	queues *queuePool
	// +checklocks:mu
	idle entryList
	// +checklocks:mu
	running entryList
	// +checklocks:mu
	broken entryList
	// +checklocks:mu
	round uint64
	// +checklocks:mu
	vmidAvail bool
	// +checklocks:mu
	queueAvail bool
	// +checklocks:mu
	ordinary map[uint32]hw.Ring
	// +checklocks:mu
	closed bool

	// trustedMu protects the trusted queue and its entry. It is never held
	// together with mu.
	trustedMu sync.Mutex

	// +checklocks:trustedMu
	trusted *trustedQueue
}

// New returns a scheduler for opts.
func New(opts Options) (*Scheduler, error) {
	if opts.Backend == nil || opts.IRQ == nil || opts.TLB == nil {
		return nil, fmt.Errorf("sws: backend, interrupt controller and TLB flusher are required")
	}
	g := opts.Geometry
	if g == (Geometry{}) {
		t, ok := hw.TraitsFor(opts.Backend.Generation())
		if !ok {
			return nil, fmt.Errorf("sws: unsupported generation %v", opts.Backend.Generation())
		}
		g = Geometry{Engines: t.Engines, PipesPerEngine: t.PipesPerEngine, QueuesPerPipe: t.QueuesPerPipe}
	}
	if g.Engines <= 0 || g.PipesPerEngine <= 0 || g.QueuesPerPipe <= 0 {
		return nil, fmt.Errorf("sws: invalid queue geometry %+v", g)
	}
	nq := g.NumQueues()
	if opts.TrustedQueue {
		nq--
	}
	if opts.Queues > 0 {
		if opts.Queues > nq {
			return nil, fmt.Errorf("sws: %d queues requested, %d available", opts.Queues, nq)
		}
		nq = opts.Queues
	}
	if nq <= 0 {
		return nil, fmt.Errorf("sws: no queues left for scheduling")
	}
	if opts.VMIDs == 0 {
		opts.VMIDs = DefaultVMIDs
	}
	if opts.FirstVMID == 0 {
		opts.FirstVMID = 1
	}
	if opts.Quantum == 0 {
		opts.Quantum = DefaultQuantum
	}
	if opts.Expiry == (Expiry{}) {
		opts.Expiry = DefaultExpiry
	}
	for p, e := range opts.Expiry {
		if e == 0 {
			return nil, fmt.Errorf("sws: zero expiry for %v", Priority(p))
		}
	}
	irq := newPipeIRQ(opts.IRQ)
	s := &Scheduler{
		backend:    opts.Backend,
		hub:        opts.Hub,
		quantum:    opts.Quantum,
		expiry:     opts.Expiry,
		geometry:   g,
		vmids:      newVMIDPool(opts.FirstVMID, opts.VMIDs, opts.TLB),
		irq:        irq,
		metrics:    opts.Metrics,
		queues:     newQueuePool(g, nq, irq),
		vmidAvail:  true,
		queueAvail: true,
		ordinary:   make(map[uint32]hw.Ring),
	}
	if opts.TrustedQueue {
		s.trusted = newTrustedQueue(g, g.NumQueues()-1)
	}
	log.Infof("sws: %d queues, %d vmids, quantum %v, expiry %v, trusted queue %t", nq, opts.VMIDs, opts.Quantum, opts.Expiry, opts.TrustedQueue)
	return s, nil
}

// Quantum returns the scheduling period.
func (s *Scheduler) Quantum() time.Duration {
	return s.quantum
}

// Close tears down every entry. The scheduler may not be used afterwards.
func (s *Scheduler) Close() {
	s.mu.Lock()
	for _, l := range []*entryList{&s.running, &s.idle, &s.broken} {
		for e := l.Front(); e != nil; e = l.Front() {
			if e.queueState == Enabled {
				s.disableLocked(e)
			}
			l.Remove(e)
			e.list = ListNone
		}
	}
	s.closed = true
	s.mu.Unlock()

	s.trustedMu.Lock()
	if tq := s.trusted; tq != nil && tq.entry != nil {
		s.teardownTrustedLocked(tq.entry)
	}
	s.trustedMu.Unlock()
}

// Register adds an entry for the given context's ring. The entry starts idle
// with no queue mapped.
func (s *Scheduler) Register(owner Owner, ring hw.Ring, prio Priority) (*Entry, error) {
	if prio < 0 || prio >= NumPriorities {
		return nil, fmt.Errorf("priority %d: %w", prio, gpuerr.InvalidState)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("scheduler closed: %w", gpuerr.InvalidState)
	}
	e := s.newEntry(owner, ring, prio, false)
	e.list = ListIdle
	s.idle.PushBack(e)
	if log.IsLogging(log.Debug) {
		log.Debugf("sws: registered %v", e)
	}
	return e, nil
}

func (s *Scheduler) newEntry(owner Owner, ring hw.Ring, prio Priority, trusted bool) *Entry {
	return &Entry{
		sched:    s,
		id:       s.nextID.Add(1),
		owner:    owner,
		ring:     ring,
		trusted:  trusted,
		priority: prio,
	}
}

// Unregister tears down e: its queue is unmapped and its queue and VMID are
// released.
func (s *Scheduler) Unregister(e *Entry) error {
	if e.trusted {
		return s.unregisterTrusted(e)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.listLocked(e.list)
	if l == nil {
		return fmt.Errorf("%v not registered: %w", e, gpuerr.InvalidState)
	}
	if e.queueState == Enabled {
		s.disableLocked(e)
	}
	l.Remove(e)
	e.list = ListNone
	e.queueState = Disabled
	if log.IsLogging(log.Debug) {
		log.Debugf("sws: unregistered %v", e)
	}
	return nil
}

// SetPriority changes e's tier. A queue that is already mapped keeps its
// hardware priority until it is next relaunched.
func (s *Scheduler) SetPriority(e *Entry, prio Priority) error {
	if prio < 0 || prio >= NumPriorities {
		return fmt.Errorf("priority %d: %w", prio, gpuerr.InvalidState)
	}
	mu := e.lock()
	mu.Lock()
	defer mu.Unlock()
	e.priority = prio
	return nil
}

// AddOrdinaryRing makes the scheduler consider r's outstanding work. While
// any ordinary ring is busy, every pass runs an eviction pass.
func (s *Scheduler) AddOrdinaryRing(r hw.Ring) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ordinary[r.ID()] = r
}

// RemoveOrdinaryRing undoes AddOrdinaryRing.
func (s *Scheduler) RemoveOrdinaryRing(r hw.Ring) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ordinary, r.ID())
}

// Round returns the current round.
func (s *Scheduler) Round() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.round
}

// WatchedRings returns the rings whose completions must be drained: those of
// running entries and of the trusted entry.
func (s *Scheduler) WatchedRings() []hw.Ring {
	var rings []hw.Ring
	s.mu.Lock()
	for e := s.running.Front(); e != nil; e = e.Next() {
		rings = append(rings, e.ring)
	}
	s.mu.Unlock()

	s.trustedMu.Lock()
	if tq := s.trusted; tq != nil && tq.entry != nil && tq.entry.queueState == Enabled {
		rings = append(rings, tq.entry.ring)
	}
	s.trustedMu.Unlock()
	return rings
}

// Preconditions: s.mu must be locked.
func (s *Scheduler) listLocked(id ListID) *entryList {
	switch id {
	case ListIdle:
		return &s.idle
	case ListRunning:
		return &s.running
	case ListBroken:
		return &s.broken
	default:
		return nil
	}
}

// moveLocked moves e to list to.
//
// Preconditions: s.mu must be locked.
func (s *Scheduler) moveLocked(e *Entry, to ListID) {
	if from := s.listLocked(e.list); from != nil {
		from.Remove(e)
	}
	s.listLocked(to).PushBack(e)
	e.list = to
}
