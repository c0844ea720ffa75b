// Copyright 2021 The gVisor Authors.
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

// Package linuxerr contains syscall error codes exported as error interface
// pointers. This allows for fast comparison and return operations comparable
// to unix.Errno constants.
package linuxerr

import (
	"golang.org/x/sys/unix"
	"kcore.dev/kcore/pkg/errors"
)

// The following errors are semantically identical to the unix.Errno of the
// same name. The types are distinct (these are *errors.Error), so they are
// not directly comparable; use Equals or the conversion helpers below.
var (
	noError *errors.Error = nil
	EPERM                 = errors.New(unix.EPERM, "operation not permitted")
	ENOENT                = errors.New(unix.ENOENT, "no such file or directory")
	ESRCH                 = errors.New(unix.ESRCH, "no such process")
	EINTR                 = errors.New(unix.EINTR, "interrupted system call")
	EIO                   = errors.New(unix.EIO, "I/O error")
	E2BIG                 = errors.New(unix.E2BIG, "argument list too long")
	ENOEXEC               = errors.New(unix.ENOEXEC, "exec format error")
	EBADF                 = errors.New(unix.EBADF, "bad file number")
	ECHILD                = errors.New(unix.ECHILD, "no child processes")
	EAGAIN                = errors.New(unix.EAGAIN, "try again")
	ENOMEM                = errors.New(unix.ENOMEM, "out of memory")
	EACCES                = errors.New(unix.EACCES, "permission denied")
	EFAULT                = errors.New(unix.EFAULT, "bad address")
	EBUSY                 = errors.New(unix.EBUSY, "device or resource busy")
	EEXIST                = errors.New(unix.EEXIST, "file exists")
	ENODEV                = errors.New(unix.ENODEV, "no such device")
	ENOTDIR               = errors.New(unix.ENOTDIR, "not a directory")
	EISDIR                = errors.New(unix.EISDIR, "is a directory")
	EINVAL                = errors.New(unix.EINVAL, "invalid argument")
	ENFILE                = errors.New(unix.ENFILE, "file table overflow")
	EMFILE                = errors.New(unix.EMFILE, "too many open files")
	ENOTTY                = errors.New(unix.ENOTTY, "not a typewriter")
	EFBIG                 = errors.New(unix.EFBIG, "file too large")
	ENOSPC                = errors.New(unix.ENOSPC, "no space left on device")
	ESPIPE                = errors.New(unix.ESPIPE, "illegal seek")
	EROFS                 = errors.New(unix.EROFS, "read-only file system")
	EPIPE                 = errors.New(unix.EPIPE, "broken pipe")
	ERANGE                = errors.New(unix.ERANGE, "math result not representable")
	ENAMETOOLONG          = errors.New(unix.ENAMETOOLONG, "file name too long")
	ENOSYS                = errors.New(unix.ENOSYS, "invalid system call number")
	ELOOP                 = errors.New(unix.ELOOP, "too many symbolic links encountered")
	EOVERFLOW             = errors.New(unix.EOVERFLOW, "value too large for defined data type")
	ELIBACC               = errors.New(unix.ELIBACC, "can not access a needed shared library")
	ELIBBAD               = errors.New(unix.ELIBBAD, "accessing a corrupted shared library")
	ELIBMAX               = errors.New(unix.ELIBMAX, "attempting to link in too many shared libraries")
	ELIBEXEC              = errors.New(unix.ELIBEXEC, "cannot exec a shared library directly")
	EOPNOTSUPP            = errors.New(unix.EOPNOTSUPP, "operation not supported on transport endpoint")
	ETIMEDOUT             = errors.New(unix.ETIMEDOUT, "connection timed out")
	ECANCELED             = errors.New(unix.ECANCELED, "operation Canceled")

	// EWOULDBLOCK has the same number as EAGAIN.
	EWOULDBLOCK = EAGAIN
)

var errorSlice = []*errors.Error{
	EPERM, ENOENT, ESRCH, EINTR, EIO, E2BIG, ENOEXEC, EBADF, ECHILD, EAGAIN,
	ENOMEM, EACCES, EFAULT, EBUSY, EEXIST, ENODEV, ENOTDIR, EISDIR, EINVAL,
	ENFILE, EMFILE, ENOTTY, EFBIG, ENOSPC, ESPIPE, EROFS, EPIPE, ERANGE,
	ENAMETOOLONG, ENOSYS, ELOOP, EOVERFLOW, ELIBACC, ELIBBAD, ELIBMAX, ELIBEXEC,
	EOPNOTSUPP, ETIMEDOUT, ECANCELED,
}

var errorTable = func() map[unix.Errno]*errors.Error {
	m := make(map[unix.Errno]*errors.Error, len(errorSlice))
	for _, e := range errorSlice {
		m[e.Errno()] = e
	}
	return m
}()

// ErrorFromUnix returns a linuxerr from a unix.Errno. Numbers without a
// sentinel get a fresh *errors.Error carrying the host's message.
func ErrorFromUnix(err unix.Errno) error {
	if err == unix.Errno(0) {
		return nil
	}
	if e, ok := errorTable[err]; ok {
		return e
	}
	return errors.New(err, err.Error())
}

// ToError converts a linuxerr to an error type.
func ToError(err *errors.Error) error {
	if err == noError {
		return nil
	}
	return err
}

// ToUnix converts a linuxerr to a unix.Errno.
func ToUnix(e *errors.Error) unix.Errno {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	return unixErr
}

// Equals compares a linuxerr to a given error.
func Equals(e *errors.Error, err error) bool {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	if err == nil {
		err = noError
	}
	if other, ok := err.(*errors.Error); ok && e != noError && other != nil {
		return other.Errno() == unixErr
	}
	return e == err || unixErr == err
}

// TranslateError returns the errno carried by err. Host unix.Errno values and
// *errors.Error are recognized; anything else reports false.
func TranslateError(err error) (*errors.Error, bool) {
	switch e := err.(type) {
	case *errors.Error:
		return e, true
	case unix.Errno:
		if t, ok := ErrorFromUnix(e).(*errors.Error); ok {
			return t, true
		}
	}
	return nil, false
}

// ToSysret converts err into the value a system call leaves in its result
// register: zero for nil, the negated errno otherwise. Errors with no errno
// become -EIO.
func ToSysret(err error) uint64 {
	if err == nil {
		return 0
	}
	e, ok := TranslateError(err)
	if !ok {
		e = EIO
	}
	return uint64(-int64(e.Errno()))
}
