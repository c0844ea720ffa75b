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

package linuxerr

import (
	"testing"

	"golang.org/x/sys/unix"
	"kcore.dev/kcore/pkg/errors"
)

func TestErrorFromUnix(t *testing.T) {
	for _, tc := range []struct {
		errno unix.Errno
		want  *errors.Error
	}{
		{unix.EINVAL, EINVAL},
		{unix.ECHILD, ECHILD},
		{unix.EWOULDBLOCK, EAGAIN},
		{unix.ENOSYS, ENOSYS},
	} {
		if got := ErrorFromUnix(tc.errno); got != tc.want {
			t.Errorf("ErrorFromUnix(%v) got %v want %v", tc.errno, got, tc.want)
		}
	}
	if got := ErrorFromUnix(0); got != nil {
		t.Errorf("ErrorFromUnix(0) got %v want nil", got)
	}
	if got := ErrorFromUnix(unix.EXDEV); !Equals(errors.New(unix.EXDEV, ""), got) {
		t.Errorf("ErrorFromUnix(EXDEV) got %v", got)
	}
}

func TestEquals(t *testing.T) {
	if !Equals(EFAULT, EFAULT) {
		t.Errorf("Equals(EFAULT, EFAULT) = false")
	}
	if !Equals(EFAULT, unix.EFAULT) {
		t.Errorf("Equals(EFAULT, unix.EFAULT) = false")
	}
	if Equals(EFAULT, EINVAL) {
		t.Errorf("Equals(EFAULT, EINVAL) = true")
	}
	if !Equals(nil, nil) {
		t.Errorf("Equals(nil, nil) = false")
	}
	if Equals(EINTR, nil) {
		t.Errorf("Equals(EINTR, nil) = true")
	}
}

func TestToSysret(t *testing.T) {
	if got := ToSysret(nil); got != 0 {
		t.Errorf("ToSysret(nil) got %d want 0", got)
	}
	if got, want := int64(ToSysret(ECHILD)), -int64(unix.ECHILD); got != want {
		t.Errorf("ToSysret(ECHILD) got %d want %d", got, want)
	}
	if got, want := int64(ToSysret(unix.ENOMEM)), -int64(unix.ENOMEM); got != want {
		t.Errorf("ToSysret(unix.ENOMEM) got %d want %d", got, want)
	}
	if got := ToUnix(EACCES); got != unix.EACCES {
		t.Errorf("ToUnix(EACCES) got %v want %v", got, unix.EACCES)
	}
}
