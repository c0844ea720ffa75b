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

package kernel

import (
	"context"
	"path"

	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/sentry/arch"
	"kcore.dev/kcore/pkg/sentry/loader"
	"kcore.dev/kcore/pkg/sentry/mm"
)

// resolveDir returns the directory containing filename, resolved against
// cwd.
func resolveDir(cwd, filename string) string {
	if path.IsAbs(filename) {
		return path.Dir(filename)
	}
	return path.Join(cwd, path.Dir(filename))
}

// loadImage builds a new address space holding the program at filename. On
// failure nothing is left allocated.
func (k *Kernel) loadImage(ctx context.Context, cwd, filename string, argv, envv []string) (*mm.MemoryManager, loader.ImageInfo, error) {
	m := mm.NewMemoryManager(k.mf, k.yielder)
	info, err := k.loader.Load(ctx, loader.LoadArgs{
		MemoryManager:    m,
		WorkingDirectory: cwd,
		Filename:         filename,
		Argv:             argv,
		Envv:             envv,
	})
	if err != nil {
		m.DecUsers(ctx)
		return nil, loader.ImageInfo{}, err
	}
	return m, info, nil
}

// newUserContext returns the initial register context of a loaded program.
// main receives argc, argv and envp in R1 to R3.
func newUserContext(info loader.ImageInfo) *arch.Context {
	ac := arch.New(info.Entry, info.Stack)
	ac.Regs.R[1] = uint64(len(info.Argv))
	ac.Regs.R[2] = uint64(info.ArgvAddr)
	ac.Regs.R[3] = uint64(info.EnvvAddr)
	return ac
}

// LoadTask creates a task running the program at filename and makes it
// READY. If parent is not nil, the new task is its child, relative paths are
// resolved against its working directory, and it inherits the parent's
// standard descriptors; otherwise it receives the kernel's.
//
// Any failure unwinds everything allocated for the task.
func (k *Kernel) LoadTask(ctx context.Context, parent *Task, filename string, argv, envv []string) (*Task, error) {
	pid, err := k.tasks.vendPID()
	if err != nil {
		return nil, err
	}

	cwd := "/"
	if parent != nil {
		cwd = parent.cwd
	}
	m, info, err := k.loadImage(ctx, cwd, filename, argv, envv)
	if err != nil {
		k.tasks.abandonPID(pid)
		return nil, err
	}

	t := k.newTask(pid, path.Base(info.Path))
	t.cwd = resolveDir(cwd, info.Path)
	t.mm = m
	t.libraries = info.Libraries
	t.entry = info.Entry
	t.ac = newUserContext(info)
	t.runState = (*runApp)(nil)
	t.fdTable = k.NewFDTable()
	for fd := int32(0); fd < 3; fd++ {
		file := k.stdio[fd]
		if parent != nil {
			file, _ = parent.fdTable.Get(fd)
		} else if file != nil {
			file.IncRef()
		}
		if file == nil {
			continue
		}
		err := t.fdTable.NewFDAt(ctx, fd, file, FDFlags{})
		file.DecRef(ctx)
		if err != nil {
			t.releaseResources(ctx)
			k.tasks.abandonPID(pid)
			return nil, err
		}
	}

	t.state = TaskSuspended
	k.tasks.register(t)
	if parent != nil {
		parent.addChild(t)
	}
	t.state = TaskReady
	tasksCreatedMetric.Increment("load")
	log.Infof("Loaded %v from %s, entry %#x", t, info.Path, uint64(info.Entry))
	return t, nil
}
