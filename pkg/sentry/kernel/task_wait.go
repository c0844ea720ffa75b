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
	"kcore.dev/kcore/pkg/abi/linux"
	"kcore.dev/kcore/pkg/errors/linuxerr"
)

// WaitOptions controls the behavior of Task.Wait.
type WaitOptions struct {
	// If PID is positive, only the child with that ID is waited for. If PID
	// is -1 or 0, any child is waited for.
	PID ThreadID

	// If NonBlocking is true, Wait returns immediately when no child has
	// exited.
	NonBlocking bool
}

// WaitResult is the result of a successful Task.Wait.
type WaitResult struct {
	// PID is the ID of the collected child, or 0 if NonBlocking was set and
	// no child had exited.
	PID ThreadID

	// Status is the child's wait status.
	Status linux.WaitStatus
}

// Wait waits for a child matching opts to exit and removes it from t's
// child list. It yields until a matching child exits, returning EINTR if t
// is signalled or asked to exit first, and ECHILD if t has no matching
// child.
func (t *Task) Wait(opts WaitOptions) (WaitResult, error) {
	if opts.PID < -1 {
		// Process groups are not supported.
		return WaitResult{}, linuxerr.ECHILD
	}
	for {
		res, found, ok := t.reapZombie(opts.PID)
		if ok {
			return res, nil
		}
		if !found {
			return WaitResult{}, linuxerr.ECHILD
		}
		if opts.NonBlocking {
			return WaitResult{}, nil
		}
		if t.interrupted() {
			return WaitResult{}, linuxerr.EINTR
		}
		t.Yield()
	}
}

// reapZombie removes the first zombie child matching pid. found reports
// whether any child matches; ok reports whether one was removed.
func (t *Task) reapZombie(pid ThreadID) (res WaitResult, found, ok bool) {
	for i, c := range t.children {
		if pid > 0 && c.pid != pid {
			continue
		}
		found = true
		if c.task != nil {
			continue
		}
		t.children = append(t.children[:i], t.children[i+1:]...)
		t.k.tasks.releasePID(c.pid)
		return WaitResult{PID: c.pid, Status: c.status}, true, true
	}
	return WaitResult{}, found, false
}
