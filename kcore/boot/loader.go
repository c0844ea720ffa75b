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

// Package boot loads the kernel and the workload it runs.
package boot

import (
	"context"
	"fmt"
	"io"
	"strings"

	"kcore.dev/kcore/kcore/config"
	"kcore.dev/kcore/pkg/hostarch"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/sentry/fsimpl/host"
	"kcore.dev/kcore/pkg/sentry/fsimpl/memfs"
	"kcore.dev/kcore/pkg/sentry/kernel"
	"kcore.dev/kcore/pkg/sentry/loader"
	"kcore.dev/kcore/pkg/sentry/loader/asm"
	"kcore.dev/kcore/pkg/sentry/pgalloc"
	slinux "kcore.dev/kcore/pkg/sentry/syscalls/linux"
	"kcore.dev/kcore/pkg/sentry/vfs"
)

// Args are the arguments for New().
type Args struct {
	// Conf is the kernel configuration.
	Conf *config.Config

	// Workload describes the programs to install and the first task.
	Workload *config.Workload

	// Stdin, Stdout and Stderr back the standard descriptors of the first
	// task. A nil reader reads as end of file and a nil writer discards.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Loader keeps state needed to start the kernel and run the workload.
type Loader struct {
	// k is the kernel.
	k *kernel.Kernel

	conf *config.Config

	// root is the root filesystem.
	root *memfs.Filesystem

	// init is the first task, created by New.
	init *kernel.Task
}

// New initializes a new kernel, installs the workload in its root
// filesystem and loads the first task. The kernel is not started.
func New(args Args) (*Loader, error) {
	if args.Conf == nil || args.Workload == nil {
		return nil, fmt.Errorf("config and workload are required")
	}
	mf := pgalloc.NewMemoryFile(args.Conf.MemoryFileOpts())
	root := memfs.NewFilesystem(mf)
	v := vfs.New()
	if err := v.Mount("/", root); err != nil {
		return nil, fmt.Errorf("mounting root filesystem: %w", err)
	}
	if err := installWorkload(root, args.Workload); err != nil {
		return nil, err
	}
	for _, m := range args.Workload.Mounts {
		src := args.Workload.HostPath(m.Source)
		log.Infof("Mounting host directory %q at %q", src, m.Target)
		if err := v.Mount(m.Target, host.NewFilesystem(mf, src)); err != nil {
			return nil, fmt.Errorf("mounting %q at %q: %w", src, m.Target, err)
		}
	}

	kargs := args.Conf.InitKernelArgs()
	kargs.MemoryFile = mf
	kargs.VFS = v
	kargs.SyscallTable = slinux.AMD64
	kargs.Stdio = [3]*vfs.FileDescription{
		host.NewStream("stdin", orEmpty(args.Stdin), nil),
		host.NewStream("stdout", nil, orDiscard(args.Stdout)),
		host.NewStream("stderr", nil, orDiscard(args.Stderr)),
	}
	k := &kernel.Kernel{}
	if err := k.Init(kargs); err != nil {
		return nil, fmt.Errorf("initializing kernel: %w", err)
	}

	w := args.Workload
	init, err := k.LoadTask(context.Background(), nil, w.Init.Path, w.Argv(), w.Init.Env)
	if err != nil {
		return nil, fmt.Errorf("loading %q: %w", w.Init.Path, err)
	}
	return &Loader{
		k:    k,
		conf: args.Conf,
		root: root,
		init: init,
	}, nil
}

func orEmpty(r io.Reader) io.Reader {
	if r == nil {
		return strings.NewReader("")
	}
	return r
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

// installWorkload writes the workload's libraries, programs and files into
// root. Libraries are assembled first, in order, and their symbols are
// visible to the sources assembled after them.
func installWorkload(root *memfs.Filesystem, w *config.Workload) error {
	externs := make(map[string]hostarch.Addr)
	for _, lib := range w.Libraries {
		img, err := buildImage(w, lib, loader.KindLibrary, externs)
		if err != nil {
			return err
		}
		if err := install(root, lib.Path, img); err != nil {
			return err
		}
		for name, addr := range img.Symbols {
			externs[name] = addr
		}
	}
	for _, prog := range w.Programs {
		img, err := buildImage(w, prog, loader.KindExecutable, externs)
		if err != nil {
			return err
		}
		if err := install(root, prog.Path, img); err != nil {
			return err
		}
	}
	for _, f := range w.Files {
		data := []byte(f.Content)
		if f.Host != "" {
			var err error
			if data, err = w.ReadHost(f.Host); err != nil {
				return fmt.Errorf("file %q: %w", f.Path, err)
			}
		}
		root.WriteFile(f.Path, data)
	}
	return nil
}

// buildImage produces the image of p, assembling it if it is given as
// source.
func buildImage(w *config.Workload, p config.Program, kind loader.Kind, externs map[string]hostarch.Addr) (*loader.Image, error) {
	if p.Binary != "" {
		b, err := w.ReadHost(p.Binary)
		if err != nil {
			return nil, fmt.Errorf("program %q: %w", p.Path, err)
		}
		img := &loader.Image{}
		if err := img.UnmarshalBinary(b); err != nil {
			return nil, fmt.Errorf("program %q: %w", p.Path, err)
		}
		if img.Kind != kind {
			return nil, fmt.Errorf("program %q: image is a %v, want %v", p.Path, img.Kind, kind)
		}
		return img, nil
	}
	src := p.Text
	if p.Source != "" {
		b, err := w.ReadHost(p.Source)
		if err != nil {
			return nil, fmt.Errorf("program %q: %w", p.Path, err)
		}
		src = string(b)
	}
	img, err := asm.Assemble(src, asm.Options{Kind: kind, Externs: externs})
	if err != nil {
		return nil, fmt.Errorf("assembling %q: %w", p.Path, err)
	}
	return img, nil
}

func install(root *memfs.Filesystem, p string, img *loader.Image) error {
	b, err := img.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encoding %q: %w", p, err)
	}
	log.Debugf("Installing %v %q, %d bytes", img.Kind, p, len(b))
	root.WriteFile(p, b)
	return nil
}

// Kernel returns the kernel.
func (l *Loader) Kernel() *kernel.Kernel {
	return l.k
}

// InitPID returns the pid of the first task.
func (l *Loader) InitPID() kernel.ThreadID {
	return l.init.ThreadID()
}

// Root returns the root filesystem.
func (l *Loader) Root() *memfs.Filesystem {
	return l.root
}

// Run runs the kernel until every task exits or ctx is done. A positive
// Timeout in the configuration bounds the run.
func (l *Loader) Run(ctx context.Context) error {
	if l.conf.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.conf.Timeout)
		defer cancel()
	}
	return l.k.Run(ctx)
}

// InitStatus returns the exit record of the first task, if it exited.
func (l *Loader) InitStatus() (kernel.ExitRecord, bool) {
	pid := l.InitPID()
	for _, r := range l.k.ExitRecords() {
		if r.PID == pid {
			return r, true
		}
	}
	return kernel.ExitRecord{}, false
}
