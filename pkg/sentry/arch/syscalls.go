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

package arch

import (
	"fmt"

	"github.com/trapsim/trapsim/pkg/hostarch"
)

// MaxSyscallArgs is the maximum number of arguments a system call can take.
const MaxSyscallArgs = 8

// SyscallArgument is an argument supplied to a syscall implementation. The
// methods used to access the arguments are named after the ***C type name*** and
// they convert to the closest Go type available. For example, Int() refers to a
// 32-bit signed integer argument represented in Go as an int32.
//
// Using the accessor methods guarantees that the conversion between types is
// correct, taking into account size and signedness (i.e., zero-extension vs
// signed-extension).
type SyscallArgument struct {
	// Prefer to use accessor methods instead of 'Value' directly.
	Value uintptr
}

// SyscallArguments represents the set of arguments passed to a syscall.
type SyscallArguments [MaxSyscallArgs]SyscallArgument

// Pointer returns the hostarch.Addr representation of a pointer argument.
func (a SyscallArgument) Pointer() hostarch.Addr {
	return hostarch.Addr(a.Value)
}

// Int returns the int32 representation of a 32-bit signed integer argument.
func (a SyscallArgument) Int() int32 {
	return int32(a.Value)
}

// Uint returns the uint32 representation of a 32-bit unsigned integer argument.
func (a SyscallArgument) Uint() uint32 {
	return uint32(a.Value)
}

// Int64 returns the int64 representation of a 64-bit signed integer argument.
func (a SyscallArgument) Int64() int64 {
	return int64(a.Value)
}

// Uint64 returns the uint64 representation of a 64-bit unsigned integer argument.
func (a SyscallArgument) Uint64() uint64 {
	return uint64(a.Value)
}

// SizeT returns the uint representation of a size_t argument.
func (a SyscallArgument) SizeT() uint {
	return uint(a.Value)
}

// ModeT returns the int representation of a mode_t argument.
func (a SyscallArgument) ModeT() uint {
	return uint(uint16(a.Value))
}

// SyscallReturn is the pair of values a successful system call leaves in
// RAX and RDX.
type SyscallReturn [2]uint64

// RegisterArgs returns the six argument registers of the native syscall
// convention, in order. The syscall instruction clobbers RCX, so the entry
// path saves the fourth argument (passed in R10) into the RCX slot.
func (f *TrapFrame) RegisterArgs() [6]uint64 {
	return [6]uint64{f.RDI, f.RSI, f.RDX, f.RCX, f.R8, f.R9}
}

// Format prints the first n arguments in hex.
func (a *SyscallArguments) Format(n int) string {
	s := ""
	for i := 0; i < n && i < len(a); i++ {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%#x", a[i].Value)
	}
	return s
}
