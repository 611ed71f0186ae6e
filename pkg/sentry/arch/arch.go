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

// Package arch describes the amd64 machine state seen by the trap core: the
// trap frame pushed by the exception and syscall entry paths, the segment
// descriptors it refers to, and typed access to syscall arguments.
package arch

import (
	"fmt"

	"github.com/trapsim/trapsim/pkg/abi/trap"
	"github.com/trapsim/trapsim/pkg/hostarch"
)

// TrapFrame is a snapshot of the registers at the moment of a trap or system
// call entry. Handlers mutate it in place; the mutated frame is what the
// interrupted context resumes with.
type TrapFrame struct {
	RDI uint64 `yaml:"rdi"`
	RSI uint64 `yaml:"rsi"`
	RDX uint64 `yaml:"rdx"`
	RCX uint64 `yaml:"rcx"`
	R8  uint64 `yaml:"r8"`
	R9  uint64 `yaml:"r9"`
	RAX uint64 `yaml:"rax"`
	RBX uint64 `yaml:"rbx"`
	RBP uint64 `yaml:"rbp"`
	R10 uint64 `yaml:"r10"`
	R11 uint64 `yaml:"r11"`
	R12 uint64 `yaml:"r12"`
	R13 uint64 `yaml:"r13"`
	R14 uint64 `yaml:"r14"`
	R15 uint64 `yaml:"r15"`

	// TrapNo is the trap number pushed by the exception vector.
	TrapNo uint64 `yaml:"trapno"`

	// Addr is the faulting address (CR2) for page faults.
	Addr uint64 `yaml:"addr"`

	// Err is the hardware error code. The syscall entry stores the length
	// of the syscall instruction here.
	Err uint64 `yaml:"err"`

	RIP    uint64 `yaml:"rip"`
	CS     uint64 `yaml:"cs"`
	RFLAGS uint64 `yaml:"rflags"`
	RSP    uint64 `yaml:"rsp"`
	SS     uint64 `yaml:"ss"`
}

// Selectors of the default GDT layout.
var (
	KernelCS = trap.GSEL(trap.GCODE_SEL, trap.SEL_KPL)
	KernelSS = trap.GSEL(trap.GDATA_SEL, trap.SEL_KPL)
	UserCS   = trap.GSEL(trap.GUCODE_SEL, trap.SEL_UPL)
	UserSS   = trap.GSEL(trap.GUDATA_SEL, trap.SEL_UPL)
)

// NewUserFrame returns a frame for code running in user mode at rip with the
// given stack.
func NewUserFrame(rip, rsp uint64) *TrapFrame {
	return &TrapFrame{
		RIP:    rip,
		RSP:    rsp,
		CS:     UserCS,
		SS:     UserSS,
		RFLAGS: trap.PSL_USER,
	}
}

// NewKernelFrame returns a frame for kernel code at rip. Interrupts are
// enabled.
func NewKernelFrame(rip, rsp uint64) *TrapFrame {
	return &TrapFrame{
		RIP:    rip,
		RSP:    rsp,
		CS:     KernelCS,
		SS:     KernelSS,
		RFLAGS: 0x2 | trap.PSL_I,
	}
}

// UserMode returns true if the frame was taken while running at user
// privilege.
func (f *TrapFrame) UserMode() bool {
	return trap.ISPL(f.CS) == trap.SEL_UPL
}

// InterruptsEnabled returns true if PSL_I is set.
func (f *TrapFrame) InterruptsEnabled() bool {
	return f.RFLAGS&trap.PSL_I != 0
}

// SingleStep returns true if the trace flag is set.
func (f *TrapFrame) SingleStep() bool {
	return f.RFLAGS&trap.PSL_T != 0
}

// ClearSingleStep clears the trace flag.
func (f *TrapFrame) ClearSingleStep() {
	f.RFLAGS &^= trap.PSL_T
}

// SetSingleStep sets the trace flag.
func (f *TrapFrame) SetSingleStep() {
	f.RFLAGS |= trap.PSL_T
}

// FaultAddr returns the fault address as an Addr.
func (f *TrapFrame) FaultAddr() hostarch.Addr {
	return hostarch.Addr(f.Addr)
}

// IOPL returns the I/O privilege level field of RFLAGS.
func (f *TrapFrame) IOPL() uint64 {
	return (f.RFLAGS & trap.PSL_IOPL) >> trap.PSL_IOPLShift
}

// String implements fmt.Stringer.
func (f *TrapFrame) String() string {
	return fmt.Sprintf("rax=%#x rbx=%#x rcx=%#x rdx=%#x rsi=%#x rdi=%#x rbp=%#x rsp=%#x "+
		"r8=%#x r9=%#x r10=%#x r11=%#x r12=%#x r13=%#x r14=%#x r15=%#x "+
		"trapno=%d addr=%#x err=%#x rip=%#x cs=%#x rflags=%#x ss=%#x",
		f.RAX, f.RBX, f.RCX, f.RDX, f.RSI, f.RDI, f.RBP, f.RSP,
		f.R8, f.R9, f.R10, f.R11, f.R12, f.R13, f.R14, f.R15,
		f.TrapNo, f.Addr, f.Err, f.RIP, f.CS, f.RFLAGS, f.SS)
}
