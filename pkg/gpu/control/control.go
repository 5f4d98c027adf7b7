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

// Package control exposes a running scheduler to control clients. Its
// methods follow the urpc calling convention and are registered on a
// control server.
package control

import (
	"context"
	"fmt"
	"time"

	"gvisor.dev/gpusched/pkg/gpu/gpuctx"
	"gvisor.dev/gpusched/pkg/gpu/sws"
	"gvisor.dev/gpusched/pkg/log"
)

// Method names, as seen by urpc clients.
const (
	SchedulerStatus   = "Scheduler.Status"
	SchedulerCommand  = "Scheduler.Command"
	SchedulerReset    = "Scheduler.Reset"
	SchedulerContexts = "Scheduler.Contexts"
)

// DefaultCommandTimeout bounds how long a command waits for the scheduling
// goroutine.
const DefaultCommandTimeout = 5 * time.Second

// Scheduler is the control object of one scheduler.
type Scheduler struct {
	runner   *sws.Runner
	sched    *sws.Scheduler
	contexts *gpuctx.Manager
	timeout  time.Duration
}

// NewScheduler returns a control object for sched, driven by r. contexts may
// be nil, in which case Contexts reports nothing and Reset only recovers the
// scheduler.
func NewScheduler(sched *sws.Scheduler, r *sws.Runner, contexts *gpuctx.Manager) *Scheduler {
	return &Scheduler{
		runner:   r,
		contexts: contexts,
		sched:    sched,
		timeout:  DefaultCommandTimeout,
	}
}

// CommandArgs are the arguments of Command.
type CommandArgs struct {
	Op  sws.Opcode `json:"op"`
	Arg uint64     `json:"arg"`
}

// ResetArgs are the arguments of Reset.
type ResetArgs struct {
	// Guilty lists the handles of the contexts that caused the reset.
	Guilty []uint32 `json:"guilty"`
}

// ContextInfo describes one context.
type ContextInfo struct {
	Handle   uint32                `json:"handle"`
	PASID    uint32                `json:"pasid"`
	Priority gpuctx.ClientPriority `json:"priority"`
	Path     string                `json:"path"`
	Entry    uint64                `json:"entry,omitempty"`
	Guilty   bool                  `json:"guilty"`
	Resets   uint64                `json:"resets"`
}

// Status returns the scheduler's last published report.
func (s *Scheduler) Status(_ *struct{}, out *sws.Status) error {
	*out = *s.runner.Status()
	return nil
}

// Command executes one scheduler command and returns the report published
// after it.
func (s *Scheduler) Command(args *CommandArgs, out *sws.Status) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.runner.Command(ctx, args.Op, args.Arg); err != nil {
		return fmt.Errorf("%v(%d): %w", args.Op, args.Arg, err)
	}
	*out = *s.runner.Status()
	return nil
}

// Reset records a device reset and recovers quarantined entries. It returns
// the number of entries recovered.
func (s *Scheduler) Reset(args *ResetArgs, recovered *int) error {
	if s.contexts != nil {
		*recovered = s.contexts.NotifyReset(args.Guilty...)
	} else {
		*recovered = s.sched.Recover()
	}
	log.Infof("control: reset recovered %d entries", *recovered)
	return nil
}

// Contexts lists the live contexts.
func (s *Scheduler) Contexts(_ *struct{}, out *[]ContextInfo) error {
	*out = nil
	if s.contexts == nil {
		return nil
	}
	for _, c := range s.contexts.Contexts() {
		info := ContextInfo{
			Handle:   c.Handle(),
			PASID:    c.VM().PASID(),
			Priority: c.Priority(),
			Path:     c.Path().String(),
			Guilty:   c.Guilty(),
			Resets:   c.ResetsSinceCreation(),
		}
		if e := c.Entry(); e != nil {
			info.Entry = e.ID()
		}
		*out = append(*out, info)
	}
	return nil
}
