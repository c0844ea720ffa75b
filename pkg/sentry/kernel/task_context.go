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
	"time"
)

// contextID is the type of context.Context keys defined by this package.
type contextID int

const (
	// CtxTask is a Context.Value key for a Task.
	CtxTask contextID = iota
)

// Deadline implements context.Context.Deadline.
func (t *Task) Deadline() (time.Time, bool) {
	return time.Time{}, false
}

// Done implements context.Context.Done. The channel is closed when the
// kernel halts.
func (t *Task) Done() <-chan struct{} {
	return t.k.stopped
}

// Err implements context.Context.Err.
func (t *Task) Err() error {
	if t.k.Halted() {
		return context.Canceled
	}
	return nil
}

// Value implements context.Context.Value.
func (t *Task) Value(key any) any {
	switch key {
	case CtxTask:
		return t
	default:
		return nil
	}
}

// TaskFromContext returns the Task associated with ctx, or nil if there is
// none.
func TaskFromContext(ctx context.Context) *Task {
	if v := ctx.Value(CtxTask); v != nil {
		return v.(*Task)
	}
	return nil
}
