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
	"testing"

	"github.com/google/go-cmp/cmp"
	"kcore.dev/kcore/pkg/abi/linux"
	"kcore.dev/kcore/pkg/sentry/fsimpl/memfs"
	"kcore.dev/kcore/pkg/sentry/vfs"
)

func runTest(t testing.TB, fn func(ctx context.Context, fdTable *FDTable, file *vfs.FileDescription)) {
	t.Helper() // Don't show in stacks.

	ctx := context.Background()

	// Create a test file.
	file, err := memfs.NewFilesystem(nil).OpenAt(ctx, "test", linux.O_CREAT|linux.O_RDWR)
	if err != nil {
		t.Fatalf("OpenAt failed: %v", err)
	}
	defer file.DecRef(ctx)

	// Create the table.
	fdTable := NewFDTable(nil)

	// Run the test.
	fn(ctx, fdTable, file)
	fdTable.DecRef(ctx)
	if got := file.ReadRefs(); got != 1 {
		t.Errorf("file refs after table release: got %d, want 1", got)
	}
}

// TestFDTableMany allocates MaxFDs FDs, i.e. maxes out the FDTable, until
// there is no room, then makes sure that NewFDAt works and also that if we
// remove one and add one that works too.
func TestFDTableMany(t *testing.T) {
	runTest(t, func(ctx context.Context, fdTable *FDTable, file *vfs.FileDescription) {
		for i := 0; i < MaxFDs; i++ {
			if _, err := fdTable.NewFDs(ctx, 0, []*vfs.FileDescription{file}, FDFlags{}); err != nil {
				t.Fatalf("Allocated %v FDs but wanted to allocate %v", i, MaxFDs)
			}
		}

		if _, err := fdTable.NewFDs(ctx, 0, []*vfs.FileDescription{file}, FDFlags{}); err == nil {
			t.Fatalf("fdTable.NewFDs(0, r) in full map: got nil, wanted error")
		}

		if err := fdTable.NewFDAt(ctx, 1, file, FDFlags{}); err != nil {
			t.Fatalf("fdTable.NewFDAt(1, r, FDFlags{}): got %v, wanted nil", err)
		}

		i := int32(2)
		fdTable.Remove(i).DecRef(ctx)
		if fds, err := fdTable.NewFDs(ctx, 0, []*vfs.FileDescription{file}, FDFlags{}); err != nil || fds[0] != i {
			t.Fatalf("Allocated %v FDs but wanted to allocate %v: %v", i, MaxFDs, err)
		}
	})
}

func TestFDTableOverLimit(t *testing.T) {
	runTest(t, func(ctx context.Context, fdTable *FDTable, file *vfs.FileDescription) {
		if _, err := fdTable.NewFDs(ctx, MaxFDs, []*vfs.FileDescription{file}, FDFlags{}); err == nil {
			t.Fatalf("fdTable.NewFDs(MaxFDs, f): got nil, wanted error")
		}

		if _, err := fdTable.NewFDs(ctx, MaxFDs-2, []*vfs.FileDescription{file, file, file}, FDFlags{}); err == nil {
			t.Fatalf("fdTable.NewFDs(MaxFDs-2, {f,f,f}): got nil, wanted error")
		}
		if got := fdTable.Size(); got != 0 {
			t.Fatalf("failed NewFDs left %d descriptors installed", got)
		}

		if fds, err := fdTable.NewFDs(ctx, MaxFDs-3, []*vfs.FileDescription{file, file, file}, FDFlags{}); err != nil {
			t.Fatalf("fdTable.NewFDs(MaxFDs-3, {f,f,f}): got %v, wanted nil", err)
		} else {
			for _, fd := range fds {
				fdTable.Remove(fd).DecRef(ctx)
			}
		}

		if fds, err := fdTable.NewFDs(ctx, MaxFDs-1, []*vfs.FileDescription{file}, FDFlags{}); err != nil || fds[0] != MaxFDs-1 {
			t.Fatalf("fdTable.NewFDs(MaxFDs-1, f): got %v, %v, wanted [%d], nil", fds, err, MaxFDs-1)
		}

		if fds, err := fdTable.NewFDs(ctx, 0, []*vfs.FileDescription{file}, FDFlags{}); err != nil {
			t.Fatalf("Adding an FD to a map: got %v, want nil", err)
		} else if len(fds) != 1 || fds[0] != 0 {
			t.Fatalf("Added an FD to a map: got %v, want {0}", fds)
		}
	})
}

// TestFDTable does a set of simple tests to make sure simple adds, removes,
// Gets, and DecRefs work.
func TestFDTable(t *testing.T) {
	runTest(t, func(ctx context.Context, fdTable *FDTable, file *vfs.FileDescription) {
		if _, err := fdTable.NewFDs(ctx, 0, []*vfs.FileDescription{file}, FDFlags{}); err != nil {
			t.Fatalf("Adding an FD to an empty map: got %v, want nil", err)
		}

		if err := fdTable.NewFDAt(ctx, MaxFDs, file, FDFlags{}); err == nil {
			t.Fatalf("Adding an FD beyond the table: got nil, wanted an error")
		}

		// Table reference plus ours.
		if got := file.ReadRefs(); got != 2 {
			t.Fatalf("file refs: got %d, want 2", got)
		}

		if f, _ := fdTable.Get(1); f != nil {
			t.Fatalf("fdTable.Get(1): got %v, wanted nil", f)
		}

		f, _ := fdTable.Get(0)
		if f == nil {
			t.Fatalf("fdTable.Get(0): got nil, wanted non-nil")
		}
		f.DecRef(ctx)

		if f := fdTable.Remove(1); f != nil {
			t.Fatalf("fdTable.Remove(1) for an empty slot: got %v, wanted nil", f)
		}

		f = fdTable.Remove(0)
		if f == nil {
			t.Fatalf("fdTable.Remove(0) for a non-empty slot: got nil, wanted non-nil")
		}
		f.DecRef(ctx)

		if got := file.ReadRefs(); got != 1 {
			t.Fatalf("file refs after Remove: got %d, want 1", got)
		}
	})
}

func TestFDTableForkAndCloseOnExec(t *testing.T) {
	runTest(t, func(ctx context.Context, fdTable *FDTable, file *vfs.FileDescription) {
		if _, err := fdTable.NewFDs(ctx, 0, []*vfs.FileDescription{file}, FDFlags{}); err != nil {
			t.Fatalf("NewFDs: %v", err)
		}
		if _, err := fdTable.NewFDs(ctx, 0, []*vfs.FileDescription{file}, FDFlags{CloseOnExec: true}); err != nil {
			t.Fatalf("NewFDs: %v", err)
		}

		clone := fdTable.Fork(ctx)
		if got, want := file.ReadRefs(), int64(5); got != want {
			t.Errorf("file refs after Fork: got %d, want %d", got, want)
		}
		if diff := cmp.Diff([]int32{0, 1}, clone.GetFDs()); diff != "" {
			t.Errorf("clone.GetFDs() mismatch (-want +got):\n%s", diff)
		}

		clone.RemoveIf(ctx, func(_ *vfs.FileDescription, flags FDFlags) bool {
			return flags.CloseOnExec
		})
		if diff := cmp.Diff([]int32{0}, clone.GetFDs()); diff != "" {
			t.Errorf("clone.GetFDs() after RemoveIf mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]int32{0, 1}, fdTable.GetFDs()); diff != "" {
			t.Errorf("fdTable.GetFDs() mismatch (-want +got):\n%s", diff)
		}

		if err := clone.SetFlags(0, FDFlags{CloseOnExec: true}); err != nil {
			t.Errorf("SetFlags(0): %v", err)
		}
		if err := clone.SetFlags(1, FDFlags{}); err == nil {
			t.Errorf("SetFlags(1) on an empty slot: got nil, want EBADF")
		}
		clone.DecRef(ctx)
		if got, want := file.ReadRefs(), int64(3); got != want {
			t.Errorf("file refs after releasing the clone: got %d, want %d", got, want)
		}
	})
}
