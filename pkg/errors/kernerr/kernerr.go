// Copyright 2024 The gVisor Authors.
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

// Package kernerr contains the errors returned by system call handlers and
// the trap core, exported as *errors.Error pointers so that they compare
// quickly and still carry their errno.
package kernerr

import (
	goerrors "errors"

	"github.com/trapsim/trapsim/pkg/errors"
	"golang.org/x/sys/unix"
)

// Errno values used by the trap core and the bundled syscall tables.
var (
	EPERM  = errors.New(unix.EPERM, "operation not permitted")
	EINTR  = errors.New(unix.EINTR, "interrupted system call")
	EIO    = errors.New(unix.EIO, "I/O error")
	EBADF  = errors.New(unix.EBADF, "bad file number")
	EAGAIN = errors.New(unix.EAGAIN, "try again")
	ENOMEM = errors.New(unix.ENOMEM, "out of memory")
	EFAULT = errors.New(unix.EFAULT, "bad address")
	EBUSY  = errors.New(unix.EBUSY, "device or resource busy")
	EINVAL = errors.New(unix.EINVAL, "invalid argument")
	ENOSYS = errors.New(unix.ENOSYS, "invalid system call number")
)

// Pseudo-errors. These never reach the application: the syscall dispatcher
// acts on them instead of encoding an errno.
var (
	// ErrRestart asks the dispatcher to back the instruction pointer up over
	// the syscall instruction so that the call is re-executed once the
	// thread returns to user mode.
	ErrRestart = goerrors.New("restart syscall")

	// ErrJustReturn tells the dispatcher that the handler has already set up
	// the frame (e.g. sigreturn) and the return registers must not be
	// touched.
	ErrJustReturn = goerrors.New("just return")
)

type errnoer interface {
	Errno() unix.Errno
}

// ToErrno extracts the errno carried by err. It understands unix.Errno,
// *errors.Error and anything wrapping either. ok is false if err carries no
// errno.
func ToErrno(err error) (unix.Errno, bool) {
	var e errnoer
	if goerrors.As(err, &e) {
		return e.Errno(), true
	}
	var errno unix.Errno
	if goerrors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}

// Equals returns true if err carries the same errno as want.
func Equals(want *errors.Error, err error) bool {
	errno, ok := ToErrno(err)
	return ok && errno == want.Errno()
}
