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
	"path"

	"kcore.dev/kcore/pkg/abi/linux"
	"kcore.dev/kcore/pkg/sentry/loader"
	"kcore.dev/kcore/pkg/sentry/vfs"
)

// Execve replaces the program t runs with the one at filename. argv and
// envv must already be copied out of t's address space.
//
// The new image is built in a fresh address space; if that fails, t is left
// unchanged and the error is returned. Otherwise t's address space,
// libraries, register context and name are swapped in one step, descriptors
// marked close-on-exec are closed, caught signals revert to their default
// action, and the old address space is released. The returned control keeps
// the syscall return value out of the new register context.
func (t *Task) Execve(filename string, argv, envv []string) (*SyscallControl, error) {
	k := t.k
	m, info, err := k.loadImage(t, t.cwd, filename, argv, envv)
	if err != nil {
		t.Debugf("execve %s failed: %v", filename, err)
		return nil, err
	}

	oldMM, oldLibs := t.mm, t.libraries
	ac := newUserContext(info)

	k.cpu.DisableInterrupts()
	k.cpu.DropFPU(t.ac)
	t.mm = m
	t.libraries = info.Libraries
	t.ac = ac
	t.entry = info.Entry
	t.name = path.Base(info.Path)
	t.cwd = resolveDir(t.cwd, info.Path)
	k.activeMM = m
	k.cpu.EnableInterrupts()

	t.fdTable.RemoveIf(t, func(_ *vfs.FileDescription, flags FDFlags) bool {
		return flags.CloseOnExec
	})
	for sig := range t.handlers {
		if h := t.handlers[sig].Handler; h != linux.SIG_DFL && h != linux.SIG_IGN {
			t.handlers[sig] = linux.SigAction{}
		}
	}
	t.frames = nil
	t.handling = 0
	t.haveSavedSignalMask = false
	t.sigsuspendWaiting = false

	oldMM.DecUsers(t)
	loader.ReleaseLibraries(oldLibs)
	execsMetric.Increment()
	t.Infof("Executing %s", info.Path)
	return ctrlRestoreContext, nil
}
