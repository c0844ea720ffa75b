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
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"kcore.dev/kcore/kcore/boot"
	"kcore.dev/kcore/kcore/config"
	"kcore.dev/kcore/kcore/record"
	"kcore.dev/kcore/pkg/abi/linux"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/sentry/sighandling"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	// id is the run ID. If empty, one is derived from the start time.
	id string

	// remove deletes the run record when the run ends.
	remove bool

	// noStdin gives the first task an empty standard input instead of the
	// host's.
	noStdin bool

	// Stdin, Stdout and Stderr override the host's standard streams.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "boot the kernel and run a workload"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <workload file> - boot the kernel and run a workload until every task exits.

The exit status is the first task's exit status, or 128+signal if it was
killed by a signal.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.id, "id", "", "run ID, used to inspect the run with state. Defaults to one derived from the start time.")
	f.BoolVar(&r.remove, "rm", false, "delete the run record when the run ends.")
	f.BoolVar(&r.noStdin, "no-stdin", false, "give the first task an empty standard input.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	status := args[1].(*int)

	path, err := filepath.Abs(f.Arg(0))
	if err != nil {
		return Errorf("resolving workload path: %v", err)
	}
	w, err := config.LoadWorkload(path)
	if err != nil {
		return Errorf("%v", err)
	}

	// Workload flag overrides go through a scratch flag set so that the
	// command line's values are left alone.
	overrides := flag.NewFlagSet("workload", flag.ContinueOnError)
	config.RegisterFlags(overrides)
	conf, err = w.ApplyFlags(conf, overrides)
	if err != nil {
		return Errorf("applying workload flags: %v", err)
	}
	if len(w.Flags) > 0 {
		conf.Log()
	}

	id := r.id
	if id == "" {
		id = fmt.Sprintf("run-%d", time.Now().UnixNano())
	}
	rec, err := record.Create(conf.RootDir, id, path, conf.ToFlags())
	if err != nil {
		return Errorf("creating run record: %v", err)
	}
	if r.remove {
		defer rec.Destroy()
	}

	l, err := boot.New(r.bootArgs(conf, w))
	if err != nil {
		if ferr := rec.Finish(nil, err); ferr != nil {
			log.Warningf("Saving run record: %v", ferr)
		}
		return Errorf("booting: %v", err)
	}
	rec.InitPID = int32(l.InitPID())
	log.Infof("Run %q: init is pid %d", id, rec.InitPID)

	// Host signals go to the first task.
	k := l.Kernel()
	initPID := l.InitPID()
	stopForwarding := sighandling.PrepareForwarding(func(sig linux.Signal) {
		if err := k.Kill(initPID, sig); err != nil {
			log.Warningf("Forwarding %v: %v", sig, err)
		}
	}, 0)()

	g, gctx := errgroup.WithContext(ctx)
	var runErr error
	g.Go(func() error {
		runErr = l.Run(gctx)
		// Returning an error ends exportMetrics through gctx.
		return errKernelDone
	})
	if conf.MetricsFile != "" && conf.MetricsInterval > 0 {
		g.Go(func() error {
			return exportMetrics(gctx, conf.MetricsFile, conf.MetricsInterval)
		})
	}
	if err := g.Wait(); err != nil && err != errKernelDone {
		log.Warningf("Exporting metrics: %v", err)
	}
	stopForwarding()

	if conf.MetricsFile != "" {
		if err := writeMetrics(conf.MetricsFile); err != nil {
			log.Warningf("Writing metrics: %v", err)
		}
	}
	if err := rec.Finish(k.ExitRecords(), runErr); err != nil {
		log.Warningf("Saving run record: %v", err)
	}
	for _, e := range rec.Exits {
		log.Debugf("Run %q: %v", id, e)
	}
	if runErr != nil {
		return Errorf("kernel halted: %v", runErr)
	}
	ie, ok := rec.InitExit()
	if !ok {
		return Errorf("no exit status for pid %d", initPID)
	}
	*status = ie.HostStatus()
	return subcommands.ExitSuccess
}

// errKernelDone stops the run's goroutines once the kernel returns.
var errKernelDone = fmt.Errorf("kernel done")

func (r *Run) bootArgs(conf *config.Config, w *config.Workload) boot.Args {
	args := boot.Args{
		Conf:     conf,
		Workload: w,
		Stdin:    os.Stdin,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	}
	if r.Stdin != nil {
		args.Stdin = r.Stdin
	}
	if r.noStdin {
		args.Stdin = strings.NewReader("")
	}
	if r.Stdout != nil {
		args.Stdout = r.Stdout
	}
	if r.Stderr != nil {
		args.Stderr = r.Stderr
	}
	return args
}
