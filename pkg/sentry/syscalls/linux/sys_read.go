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

package linux

import (
	"io"

	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/sentry/arch"
	"kcore.dev/kcore/pkg/sentry/kernel"
)

// maxIOSize bounds the bytes moved by one read or write.
const maxIOSize = 1 << 20

// Read implements linux syscall read(2).
func Read(t *kernel.Task, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	fd := args[0].Int()
	addr := args[1].Pointer()
	size := args[2].SizeT()

	file := t.GetFile(fd)
	if file == nil {
		return 0, nil, linuxerr.EBADF
	}
	defer file.DecRef(t)

	// Check that the file is readable.
	if !file.IsReadable() {
		return 0, nil, linuxerr.EBADF
	}

	// Check that the size is legitimate.
	si := int(size)
	if si < 0 {
		return 0, nil, linuxerr.EINVAL
	}
	if si > maxIOSize {
		si = maxIOSize
	}

	buf := make([]byte, si)
	n, err := file.Read(t, buf)
	if n > 0 {
		if _, cerr := t.MemoryManager().CopyOut(t, addr, buf[:n]); cerr != nil {
			return 0, nil, cerr
		}
	}
	return uintptr(n), nil, handleIOError(n != 0, err)
}

// Write implements linux syscall write(2).
func Write(t *kernel.Task, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	fd := args[0].Int()
	addr := args[1].Pointer()
	size := args[2].SizeT()

	file := t.GetFile(fd)
	if file == nil {
		return 0, nil, linuxerr.EBADF
	}
	defer file.DecRef(t)

	// Check that the file is writable.
	if !file.IsWritable() {
		return 0, nil, linuxerr.EBADF
	}

	// Check that the size is legitimate.
	si := int(size)
	if si < 0 {
		return 0, nil, linuxerr.EINVAL
	}
	if si > maxIOSize {
		si = maxIOSize
	}

	buf := make([]byte, si)
	if _, err := t.MemoryManager().CopyIn(t, addr, buf); err != nil {
		return 0, nil, err
	}
	n, err := file.Write(t, buf)
	return uintptr(n), nil, handleIOError(n != 0, err)
}

// handleIOError handles special error cases for partial results. For some
// errors, we may consume the error and return only the partial read/write.
func handleIOError(partialResult bool, err error) error {
	switch err {
	case nil:
		// Typical successful syscall.
		return nil
	case io.EOF:
		// EOF is always consumed. If this is a partial read/write
		// (result != 0), the application will see that, otherwise
		// they will see 0.
		return nil
	}
	if partialResult {
		// The partial result is returned. The error will be returned
		// by the next call.
		return nil
	}
	if _, ok := linuxerr.TranslateError(err); !ok {
		return linuxerr.EIO
	}
	return err
}
