// Copyright 2025 The gVisor Authors.
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
	"kcore.dev/kcore/pkg/hostarch"
	"kcore.dev/kcore/pkg/sentry/arch"
)

// Fork creates a copy of t as a new child task and makes it READY. The
// child's address space is a copy-on-write duplicate of t's, its descriptors
// refer to the same files, and it shares t's libraries, signal actions and
// signal mask. Its first return to user mode returns 0 from fork through
// the fork trampoline. Fork returns the child's ID.
//
// Any failure unwinds everything allocated for the child.
func (t *Task) Fork() (ThreadID, error) {
	k := t.k
	pid, err := k.tasks.vendPID()
	if err != nil {
		return 0, err
	}

	m, err := t.mm.Fork(t)
	if err != nil {
		k.tasks.abandonPID(pid)
		return 0, err
	}

	k.cpu.SaveFPU(t.ac)
	ac := t.ac.Fork()
	ac.Regs.Link = ac.Regs.PC
	ac.SetIP(hostarch.Addr(arch.ForkReturnAddr))

	child := k.newTask(pid, t.name)
	child.cwd = t.cwd
	child.entry = t.entry
	child.mm = m
	child.ac = ac
	child.runState = (*runApp)(nil)
	child.fdTable = t.fdTable.Fork(t)
	for _, l := range t.libraries {
		l.IncRef()
	}
	child.libraries = append(child.libraries, t.libraries...)
	child.handlers = t.handlers
	child.signalMask = t.signalMask
	child.handling = t.handling
	child.frames = make([]signalFrame, 0, len(t.frames))
	for _, f := range t.frames {
		child.frames = append(child.frames, signalFrame{ctx: f.ctx.Fork(), mask: f.mask, sig: f.sig})
	}

	child.state = TaskSuspended
	k.tasks.register(child)
	t.addChild(child)
	child.state = TaskReady
	tasksCreatedMetric.Increment("fork")
	t.Debugf("Forked child %v", child)
	return pid, nil
}
