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

// Package bsd provides the native amd64 system call ABI.
package bsd

import (
	"fmt"

	"github.com/trapsim/trapsim/pkg/sentry/kernel"
	"github.com/trapsim/trapsim/pkg/sentry/syscalls"
)

// System call numbers.
const (
	SYS_syscall    = 0
	SYS_exit       = 1
	SYS_read       = 3
	SYS_write      = 4
	SYS_getpid     = 20
	SYS_munmap     = 73
	SYS_mprotect   = 74
	SYS_mmap       = 197
	SYS___syscall  = 198
	SYS_nanosleep  = 240
	SYS_sigreturn  = 417
	SYS_MAXSYSCALL = 600
)

// Name identifies the native ABI.
const Name = "bsd"

// AMD64 is the native amd64 system call ABI. Entries not listed return
// ENOSYS and raise SIGSYS.
var AMD64 = &kernel.ABI{
	Name: Name,
	Table: &kernel.SyscallTable{
		OS:   Name,
		Size: SYS_MAXSYSCALL,
		Table: map[uintptr]kernel.Syscall{
			SYS_syscall:   syscalls.NoSys("syscall"),
			SYS_exit:      syscalls.Supported("exit", 1, syscalls.Exit),
			SYS_read:      syscalls.PartiallySupported("read", 3, syscalls.Read, "Only descriptor 0 is readable."),
			SYS_write:     syscalls.PartiallySupported("write", 3, syscalls.Write, "Only descriptors 1 and 2 are writable."),
			SYS_getpid:    syscalls.MPSafe(syscalls.Supported("getpid", 0, syscalls.Getpid)),
			SYS_munmap:    syscalls.Supported("munmap", 2, syscalls.Munmap),
			SYS_mprotect:  syscalls.Supported("mprotect", 3, syscalls.Mprotect),
			SYS_mmap:      syscalls.PartiallySupported("mmap", 7, Mmap, "Only anonymous mappings are supported."),
			SYS___syscall: syscalls.NoSys("__syscall"),
			SYS_nanosleep: syscalls.Supported("nanosleep", 2, syscalls.Nanosleep),
			SYS_sigreturn: syscalls.Supported("sigreturn", 1, syscalls.Sigreturn),
		},
	},
	IndirectNumbers: []uintptr{SYS_syscall, SYS___syscall},
}

func init() {
	if err := kernel.RegisterABI(AMD64); err != nil {
		panic(fmt.Sprintf("registering %s ABI: %v", Name, err))
	}
}
