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

// Package syscalls holds the building blocks of system call tables:
// descriptor constructors and the handlers shared by more than one ABI.
//
// Note that the stubs in this package may merely provide the interface, not
// the actual implementation. It just makes writing syscall stubs
// straightforward.
package syscalls

import (
	"github.com/trapsim/trapsim/pkg/errors/kernerr"
	"github.com/trapsim/trapsim/pkg/sentry/arch"
	"github.com/trapsim/trapsim/pkg/sentry/kernel"
)

// Supported returns a syscall that is fully supported.
func Supported(name string, nargs int, fn kernel.SyscallFn) kernel.Syscall {
	return kernel.Syscall{
		Name:         name,
		NArgs:        nargs,
		Fn:           fn,
		SupportLevel: kernel.SupportFull,
	}
}

// MPSafe returns s marked as safe to run without Giant.
func MPSafe(s kernel.Syscall) kernel.Syscall {
	s.MPSafe = true
	return s
}

// PartiallySupported returns a syscall that has a partial implementation.
func PartiallySupported(name string, nargs int, fn kernel.SyscallFn, note string) kernel.Syscall {
	return kernel.Syscall{
		Name:         name,
		NArgs:        nargs,
		Fn:           fn,
		SupportLevel: kernel.SupportPartial,
		Note:         note,
	}
}

// Error returns a syscall handler that will always give the passed error.
func Error(name string, err error, note string) kernel.Syscall {
	if note != "" {
		note = note + "; "
	}
	return kernel.Syscall{
		Name: name,
		Fn: func(*kernel.Thread, arch.SyscallArguments, *arch.SyscallReturn) error {
			return err
		},
		MPSafe:       true,
		SupportLevel: kernel.SupportUnimplemented,
		Note:         note + "Returns " + err.Error() + ".",
	}
}

// NoSys is the descriptor for invalid system call numbers. Like the
// native kernel it also sends SIGSYS.
func NoSys(name string) kernel.Syscall {
	return kernel.Syscall{
		Name: name,
		Fn: func(t *kernel.Thread, _ arch.SyscallArguments, _ *arch.SyscallReturn) error {
			t.SendSignal(sigsys)
			return kernerr.ENOSYS
		},
		SupportLevel: kernel.SupportFull,
		Note:         "Sends SIGSYS and returns ENOSYS.",
	}
}
