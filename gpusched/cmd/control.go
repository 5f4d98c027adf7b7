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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/gpusched/gpusched/config"
	"gvisor.dev/gpusched/pkg/gpu/control"
	"gvisor.dev/gpusched/pkg/gpu/sws"
)

// requireSocket returns the control socket of conf, or an error if none is
// configured.
func requireSocket(conf *config.Config, cmd string) (string, error) {
	if conf.ControlSocket == "" {
		return "", fmt.Errorf("%s requires --control-socket", cmd)
	}
	return conf.ControlSocket, nil
}

// Command implements subcommands.Command for the "command" command.
type Command struct {
	json bool
}

// Name implements subcommands.Command.Name.
func (*Command) Name() string {
	return "command"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Command) Synopsis() string {
	return "send a control command to a running scheduler"
}

// Usage implements subcommands.Command.Usage.
func (*Command) Usage() string {
	return `command [flags] <opcode> [argument] - execute a scheduler command and print the resulting status.

Opcodes are pause, resume, force-round-oldest, force-round-newest and
quarantine, or their numbers 0 to 4. The argument of quarantine is an entry
id, 0 for the oldest running entry.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Command) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.json, "json", false, "print the status as JSON.")
}

// Execute implements subcommands.Command.Execute.
func (c *Command) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 || f.NArg() > 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	op, err := sws.ParseOpcode(f.Arg(0))
	if err != nil {
		Errorf("%v", err)
		return subcommands.ExitUsageError
	}
	var arg uint64
	if f.NArg() == 2 {
		if arg, err = strconv.ParseUint(f.Arg(1), 0, 64); err != nil {
			Errorf("invalid argument %q: %v", f.Arg(1), err)
			return subcommands.ExitUsageError
		}
	}
	path, err := requireSocket(args[0].(*config.Config), c.Name())
	if err != nil {
		Errorf("%v", err)
		return subcommands.ExitUsageError
	}

	var st sws.Status
	if err := call(path, control.SchedulerCommand, &control.CommandArgs{Op: op, Arg: arg}, &st); err != nil {
		Errorf("%v", err)
		return subcommands.ExitFailure
	}
	if err := printStatus(os.Stdout, &st, c.json); err != nil {
		Errorf("writing status: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// Contexts implements subcommands.Command for the "contexts" command.
type Contexts struct {
	json bool
}

// Name implements subcommands.Command.Name.
func (*Contexts) Name() string {
	return "contexts"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Contexts) Synopsis() string {
	return "list the contexts of a running scheduler"
}

// Usage implements subcommands.Command.Usage.
func (*Contexts) Usage() string {
	return `contexts [flags] - list live contexts with their submission path and reset state.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Contexts) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.json, "json", false, "print the contexts as JSON.")
}

// Execute implements subcommands.Command.Execute.
func (c *Contexts) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	path, err := requireSocket(args[0].(*config.Config), c.Name())
	if err != nil {
		Errorf("%v", err)
		return subcommands.ExitUsageError
	}
	var infos []control.ContextInfo
	if err := call(path, control.SchedulerContexts, &struct{}{}, &infos); err != nil {
		Errorf("%v", err)
		return subcommands.ExitFailure
	}
	if c.json {
		err = writeJSON(os.Stdout, infos)
	} else {
		err = writeContexts(os.Stdout, infos)
	}
	if err != nil {
		Errorf("writing contexts: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func writeContexts(w io.Writer, infos []control.ContextInfo) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "HANDLE\tPASID\tPRIORITY\tPATH\tENTRY\tGUILTY\tRESETS")
	for _, ci := range infos {
		entry := "-"
		if ci.Entry != 0 {
			entry = strconv.FormatUint(ci.Entry, 10)
		}
		fmt.Fprintf(tw, "%d\t%d\t%v\t%s\t%s\t%t\t%d\n", ci.Handle, ci.PASID, ci.Priority, ci.Path, entry, ci.Guilty, ci.Resets)
	}
	return tw.Flush()
}

// Reset implements subcommands.Command for the "reset" command.
type Reset struct{}

// Name implements subcommands.Command.Name.
func (*Reset) Name() string {
	return "reset"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Reset) Synopsis() string {
	return "report a device reset to a running scheduler"
}

// Usage implements subcommands.Command.Usage.
func (*Reset) Usage() string {
	return `reset [guilty context handles...] - report a device reset, marking the given contexts guilty, and recover quarantined entries.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Reset) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (r *Reset) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	var guilty []uint32
	for _, a := range f.Args() {
		h, err := strconv.ParseUint(a, 10, 32)
		if err != nil {
			Errorf("invalid context handle %q: %v", a, err)
			return subcommands.ExitUsageError
		}
		guilty = append(guilty, uint32(h))
	}
	path, err := requireSocket(args[0].(*config.Config), r.Name())
	if err != nil {
		Errorf("%v", err)
		return subcommands.ExitUsageError
	}
	var recovered int
	if err := call(path, control.SchedulerReset, &control.ResetArgs{Guilty: guilty}, &recovered); err != nil {
		Errorf("%v", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("%d entries recovered\n", recovered)
	return subcommands.ExitSuccess
}
