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
	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/sentry/ktime"
)

// BlockWithDeadline yields until the kernel clock reaches deadline. It
// returns ETIMEDOUT when the deadline passes and EINTR if t is signalled or
// asked to exit first.
func (t *Task) BlockWithDeadline(deadline ktime.Time) error {
	for {
		if !t.k.clock.Now().Before(deadline) {
			return linuxerr.ETIMEDOUT
		}
		if t.interrupted() {
			return linuxerr.EINTR
		}
		t.Yield()
	}
}

// Interrupted returns true if a blocking operation should stop waiting: t
// has a deliverable signal or has been asked to exit.
func (t *Task) Interrupted() bool {
	return t.interrupted()
}
