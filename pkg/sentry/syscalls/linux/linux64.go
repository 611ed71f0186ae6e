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

// Package linux provides the Linux amd64 emulation ABI: the Linux syscall
// table and register convention, errno values and trap signals.
package linux

import (
	"fmt"

	"github.com/trapsim/trapsim/pkg/hostarch"
	"github.com/trapsim/trapsim/pkg/sentry/arch"
	"github.com/trapsim/trapsim/pkg/sentry/kernel"
	"github.com/trapsim/trapsim/pkg/sentry/syscalls"
)

// System call numbers, as in arch/x86/entry/syscalls/syscall_64.tbl.
const (
	SYS_read         = 0
	SYS_write        = 1
	SYS_mmap         = 9
	SYS_mprotect     = 10
	SYS_munmap       = 11
	SYS_rt_sigreturn = 15
	SYS_nanosleep    = 35
	SYS_getpid       = 39
	SYS_exit         = 60
	SYS_exit_group   = 231

	tableSize = 512
)

// Name identifies the Linux ABI.
const Name = "linux"

var nosys = syscalls.NoSys("nosys")

// AMD64 is the Linux amd64 ABI. The entries not listed return ENOSYS.
var AMD64 = &kernel.ABI{
	Name: Name,
	Table: &kernel.SyscallTable{
		OS:   Name,
		Size: tableSize,
		Table: map[uintptr]kernel.Syscall{
			SYS_read:         syscalls.PartiallySupported("read", 3, syscalls.Read, "Only descriptor 0 is readable."),
			SYS_write:        syscalls.PartiallySupported("write", 3, syscalls.Write, "Only descriptors 1 and 2 are writable."),
			SYS_mmap:         syscalls.PartiallySupported("mmap", 6, Mmap, "Only anonymous mappings are supported."),
			SYS_mprotect:     syscalls.Supported("mprotect", 3, syscalls.Mprotect),
			SYS_munmap:       syscalls.Supported("munmap", 2, syscalls.Munmap),
			SYS_rt_sigreturn: syscalls.Supported("rt_sigreturn", 0, RtSigreturn),
			SYS_nanosleep:    syscalls.Supported("nanosleep", 2, syscalls.Nanosleep),
			SYS_getpid:       syscalls.MPSafe(syscalls.Supported("getpid", 0, syscalls.Getpid)),
			SYS_exit:         syscalls.Supported("exit", 1, syscalls.Exit),
			SYS_exit_group:   syscalls.Supported("exit_group", 1, syscalls.Exit),
		},
		Missing: &nosys,
	},
	Prepare:  Prepare,
	Emulator: Emulator{},
	ErrTable: errTable,
}

// Prepare decodes the Linux register convention: the number in RAX and the
// arguments in RDI, RSI, RDX, R10, R8 and R9. Linux never passes arguments
// on the stack.
func Prepare(f *arch.TrapFrame) (uintptr, [6]uint64, hostarch.Addr) {
	return uintptr(f.RAX), [6]uint64{f.RDI, f.RSI, f.RDX, f.R10, f.R8, f.R9}, 0
}

// RtSigreturn implements rt_sigreturn(2). The context is at the top of the
// user stack.
func RtSigreturn(t *kernel.Thread, args arch.SyscallArguments, rv *arch.SyscallReturn) error {
	return syscalls.RestoreContext(t, hostarch.Addr(t.Frame().RSP))
}

func init() {
	if err := kernel.RegisterABI(AMD64); err != nil {
		panic(fmt.Sprintf("registering %s ABI: %v", Name, err))
	}
}
