// Copyright 2018 The gVisor Authors.
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
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"
	"kcore.dev/kcore/kcore/config"
	"kcore.dev/kcore/kcore/record"
	"kcore.dev/kcore/pkg/log"
)

// State implements subcommands.Command for the "state" command.
type State struct {
	// Out overrides os.Stdout.
	Out io.Writer
}

// Name implements subcommands.Command.Name.
func (*State) Name() string {
	return "state"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*State) Synopsis() string {
	return "get the state of a run"
}

// Usage implements subcommands.Command.Usage.
func (*State) Usage() string {
	return `state [flags] <run id> - get the state of a run`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*State) SetFlags(f *flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (s *State) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	id := f.Arg(0)
	conf := args[0].(*config.Config)

	r, err := record.Load(conf.RootDir, id)
	if err != nil {
		return Errorf("loading run: %v", err)
	}
	log.Debugf("Returning state for run %+v", r)

	// Write json-encoded state directly to stdout.
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return Errorf("marshaling run state: %v", err)
	}
	fmt.Fprintln(outOrStdout(s.Out), string(b))
	return subcommands.ExitSuccess
}

// List implements subcommands.Command for the "list" command.
type List struct {
	quiet bool

	// Out overrides os.Stdout.
	Out io.Writer
}

// Name implements subcommands.Command.Name.
func (*List) Name() string {
	return "list"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*List) Synopsis() string {
	return "list runs started by kcore with the given root"
}

// Usage implements subcommands.Command.Usage.
func (*List) Usage() string {
	return `list [flags] - list runs started by kcore with the given root`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *List) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&l.quiet, "quiet", false, "only list run ids")
}

// Execute implements subcommands.Command.Execute.
func (l *List) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	out := outOrStdout(l.Out)

	ids, err := record.List(conf.RootDir)
	if err != nil {
		return Errorf("%v", err)
	}
	if l.quiet {
		for _, id := range ids {
			fmt.Fprintln(out, id)
		}
		return subcommands.ExitSuccess
	}

	w := tabwriter.NewWriter(out, 12, 1, 3, ' ', 0)
	fmt.Fprint(w, "ID\tSTATUS\tINIT\tEXITS\tSTARTED\tWORKLOAD\n")
	for _, id := range ids {
		r, err := record.Load(conf.RootDir, id)
		if err != nil {
			log.Warningf("Loading run %q: %v", id, err)
			continue
		}
		initStatus := "-"
		if e, ok := r.InitExit(); ok {
			initStatus = fmt.Sprint(e.HostStatus())
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID,
			r.Status,
			initStatus,
			len(r.Exits),
			r.StartedAt.Format(time.RFC3339),
			r.Workload)
	}
	w.Flush()
	return subcommands.ExitSuccess
}

// Delete implements subcommands.Command for the "delete" command.
type Delete struct{}

// Name implements subcommands.Command.Name.
func (*Delete) Name() string {
	return "delete"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Delete) Synopsis() string {
	return "delete the records of runs"
}

// Usage implements subcommands.Command.Usage.
func (*Delete) Usage() string {
	return `delete <run id> [run id...]`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Delete) SetFlags(f *flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Delete) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	for i := 0; i < f.NArg(); i++ {
		r, err := record.Load(conf.RootDir, f.Arg(i))
		if err != nil {
			return Errorf("loading run %q: %v", f.Arg(i), err)
		}
		if err := r.Destroy(); err != nil {
			return Errorf("deleting run %q: %v", f.Arg(i), err)
		}
	}
	return subcommands.ExitSuccess
}

func outOrStdout(w io.Writer) io.Writer {
	if w == nil {
		return os.Stdout
	}
	return w
}
