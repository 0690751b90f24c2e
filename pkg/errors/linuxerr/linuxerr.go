// Copyright 2026 The gVisor Authors.
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
	"errors"

	"golang.org/x/sys/unix"

	"chardev.dev/chardev/pkg/abi/linux/errno"
	interrors "chardev.dev/chardev/pkg/errors"
)

// The following errors are semantically identical to Errno of type
// unix.Errno. Since the types are distinct they are not directly comparable;
// use ToUnix or FromErrno to cross over.
var (
	noError *interrors.Error = nil
	EPERM                    = interrors.New(errno.EPERM, "operation not permitted")
	ENOENT                   = interrors.New(errno.ENOENT, "no such file or directory")
	EINTR                    = interrors.New(errno.EINTR, "interrupted system call")
	EIO                      = interrors.New(errno.EIO, "I/O error")
	EBADF                    = interrors.New(errno.EBADF, "bad file number")
	EAGAIN                   = interrors.New(errno.EAGAIN, "try again")
	EFAULT                   = interrors.New(errno.EFAULT, "bad address")
	EBUSY                    = interrors.New(errno.EBUSY, "device or resource busy")
	ENODEV                   = interrors.New(errno.ENODEV, "no such device")
	EINVAL                   = interrors.New(errno.EINVAL, "invalid argument")
	EFBIG                    = interrors.New(errno.EFBIG, "file too large")
	ENOSPC                   = interrors.New(errno.ENOSPC, "no space left on device")
	ESPIPE                   = interrors.New(errno.ESPIPE, "illegal seek")
	EROFS                    = interrors.New(errno.EROFS, "read-only file system")
	EPIPE                    = interrors.New(errno.EPIPE, "broken pipe")
)

// errNotValidError is returned by FromErrno for values without a mapping.
var errNotValidError = interrors.New(errno.EINVAL, "errno not valid")

var errorSlice = func() []*interrors.Error {
	s := make([]*interrors.Error, errno.EPIPE+1)
	for _, e := range []*interrors.Error{
		EPERM, ENOENT, EINTR, EIO, EBADF, EAGAIN, EFAULT, EBUSY,
		ENODEV, EINVAL, EFBIG, ENOSPC, ESPIPE, EROFS, EPIPE,
	} {
		s[e.Errno()] = e
	}
	return s
}()

// FromErrno returns the error corresponding to errno. A zero errno returns
// nil.
func FromErrno(e errno.Errno) *interrors.Error {
	if e == errno.NOERRNO {
		return noError
	}
	if int(e) < len(errorSlice) {
		if err := errorSlice[e]; err != nil {
			return err
		}
	}
	return errNotValidError
}

// ToUnix converts e to a unix.Errno. Nil converts to 0.
func ToUnix(e *interrors.Error) unix.Errno {
	if e == noError {
		return 0
	}
	return unix.Errno(e.Errno())
}

// ToError converts an error of any kind to an *errors.Error, unwrapping as
// needed. It returns false if err carries no errno.
func ToError(err error) (*interrors.Error, bool) {
	var e *interrors.Error
	if errors.As(err, &e) {
		return e, true
	}
	var u unix.Errno
	if errors.As(err, &u) {
		return FromErrno(errno.Errno(u)), true
	}
	return nil, false
}

// Equals compares a linuxerr to a given error, unwrapping err as needed.
func Equals(e *interrors.Error, err error) bool {
	if err == nil {
		return e == noError
	}
	got, ok := ToError(err)
	return ok && got == e
}
