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
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mohae/deepcopy"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gpusched/pkg/errors/gpuerr"
	"gvisor.dev/gpusched/pkg/log"
)

// Opcode is a scheduler control command.
type Opcode uint32

// Control opcodes.
const (
	// OpPause stops periodic scheduling passes.
	OpPause Opcode = 0

	// OpResume restarts periodic scheduling passes.
	OpResume Opcode = 1

	// OpForceRoundOldest evicts every running entry and promotes idle
	// entries oldest first.
	OpForceRoundOldest Opcode = 2

	// OpForceRoundNewest evicts every running entry and promotes idle
	// entries newest first.
	OpForceRoundNewest Opcode = 3

	// OpQuarantine quarantines the entry whose id is the argument, or the
	// oldest running entry if the argument is 0.
	OpQuarantine Opcode = 4
)

func (op Opcode) String() string {
	switch op {
	case OpPause:
		return "pause"
	case OpResume:
		return "resume"
	case OpForceRoundOldest:
		return "force-round-oldest"
	case OpForceRoundNewest:
		return "force-round-newest"
	case OpQuarantine:
		return "quarantine"
	default:
		return fmt.Sprintf("Opcode(%d)", uint32(op))
	}
}

// ParseOpcode parses an opcode name or number.
func ParseOpcode(s string) (Opcode, error) {
	for op := OpPause; op <= OpQuarantine; op++ {
		if op.String() == s {
			return op, nil
		}
	}
	var n uint32
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil || Opcode(n) > OpQuarantine {
		return 0, fmt.Errorf("unknown opcode %q", s)
	}
	return Opcode(n), nil
}

type command struct {
	op    Opcode
	arg   uint64
	reply chan error
}

// Runner drives a Scheduler: one goroutine runs a decision pass every
// quantum and executes control commands, another runs the completion
// Detector. Hung rings reported by the detector are quarantined by the
// scheduling goroutine.
type Runner struct {
	s    *Scheduler
	det  *Detector
	cmds chan command

	// passes receives the statistics of every pass, if not nil.
	passes chan<- PassStats

	status atomic.Pointer[Status]
}

// NewRunner returns a runner for s and det.
func NewRunner(s *Scheduler, det *Detector) *Runner {
	r := &Runner{
		s:    s,
		det:  det,
		cmds: make(chan command),
	}
	r.publish(false)
	return r
}

// NotifyPasses makes the runner send the statistics of every pass to ch. It
// must be called before Run. Passes are dropped if ch is full.
func (r *Runner) NotifyPasses(ch chan<- PassStats) {
	r.passes = ch
}

// Run schedules until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.det.Run(ctx)
	})
	g.Go(func() error {
		return r.loop(ctx)
	})
	return g.Wait()
}

func (r *Runner) loop(ctx context.Context) error {
	t := time.NewTicker(r.s.Quantum())
	defer t.Stop()
	paused := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if paused {
				continue
			}
			st := r.s.Schedule()
			if log.IsLogging(log.Debug) {
				log.Debugf("sws: %v", st)
			}
			if r.passes != nil {
				select {
				case r.passes <- st:
				default:
				}
			}
			// Newly mapped rings may already have completions queued.
			if st.Promoted > 0 {
				r.det.Kick()
			}
		case id := <-r.det.Hung():
			if err := r.s.QuarantineRing(id); err != nil {
				log.Debugf("sws: hung ring %d: %v", id, err)
			}
		case c := <-r.cmds:
			var err error
			paused, err = r.execute(c, paused)
			c.reply <- err
		}
		r.publish(paused)
	}
}

// execute runs c and returns the new paused state.
func (r *Runner) execute(c command, paused bool) (bool, error) {
	log.Infof("sws: command %v(%d)", c.op, c.arg)
	switch c.op {
	case OpPause:
		return true, nil
	case OpResume:
		return false, nil
	case OpForceRoundOldest:
		r.s.ForceRound(false)
	case OpForceRoundNewest:
		r.s.ForceRound(true)
	case OpQuarantine:
		return paused, r.s.Quarantine(c.arg)
	default:
		return paused, fmt.Errorf("opcode %d: %w", uint32(c.op), gpuerr.InvalidState)
	}
	r.det.Kick()
	return paused, nil
}

func (r *Runner) publish(paused bool) {
	st := r.s.Status()
	st.Paused = paused
	r.status.Store(st)
}

// Command executes op with argument arg on the scheduling goroutine and
// returns its result. It fails if ctx is done first.
func (r *Runner) Command(ctx context.Context, op Opcode, arg uint64) error {
	c := command{op: op, arg: arg, reply: make(chan error, 1)}
	select {
	case r.cmds <- c:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a copy of the status published after the last pass or
// command.
func (r *Runner) Status() *Status {
	return deepcopy.Copy(r.status.Load()).(*Status)
}
