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

// Package trap contains the constants of the BSD amd64 trap ABI: trap
// numbers, page fault error bits, processor status flags and the signal
// codes reported alongside synchronous signals.
package trap

// Trap numbers, as pushed into the trap frame by the exception vectors.
const (
	T_PRIVINFLT = 1  // privileged instruction
	T_BPTFLT    = 3  // breakpoint instruction
	T_ARITHTRAP = 6  // arithmetic trap
	T_PROTFLT   = 9  // protection fault
	T_TRCTRAP   = 10 // debug exception (sic)
	T_PAGEFLT   = 12 // page fault
	T_ALIGNFLT  = 14 // alignment fault
	T_DIVIDE    = 18 // integer divide fault
	T_NMI       = 19 // non-maskable trap
	T_OFLOW     = 20 // overflow trap
	T_BOUND     = 21 // bound instruction fault
	T_DNA       = 22 // device not available fault
	T_DOUBLEFLT = 23 // double fault
	T_FPOPFLT   = 24 // fp coprocessor operand fetch fault
	T_TSSFLT    = 25 // invalid tss fault
	T_SEGNPFLT  = 26 // segment not present fault
	T_STKFLT    = 27 // stack fault
	T_MCHK      = 28 // machine check trap
	T_XMMFLT    = 29 // SIMD floating-point exception
	T_RESERVED  = 30 // reserved (unknown)

	// MaxTrapMsg is the highest trap number with a diagnostic label.
	MaxTrapMsg = T_XMMFLT
)

// Page fault error code bits.
const (
	PGEX_P = 0x01 // protection violation vs. not present
	PGEX_W = 0x02 // during a write cycle
	PGEX_U = 0x04 // access from user mode (UPL)
	PGEX_I = 0x10 // during an instruction fetch
)

// Processor status (RFLAGS) bits.
const (
	PSL_C    = 0x00000001 // carry bit
	PSL_PF   = 0x00000004 // parity bit
	PSL_AF   = 0x00000010 // bcd carry bit
	PSL_Z    = 0x00000040 // zero bit
	PSL_N    = 0x00000080 // negative bit
	PSL_T    = 0x00000100 // trace enable bit
	PSL_I    = 0x00000200 // interrupt enable bit
	PSL_D    = 0x00000400 // string instruction direction bit
	PSL_V    = 0x00000800 // overflow bit
	PSL_IOPL = 0x00003000 // i/o privilege level
	PSL_NT   = 0x00004000 // nested task bit
	PSL_RF   = 0x00010000 // resume flag bit
	PSL_AC   = 0x00040000 // alignment checking
	PSL_ID   = 0x00200000 // identification bit

	// PSL_IOPLShift is the shift of the IOPL field.
	PSL_IOPLShift = 12

	// PSL_USER is the initial user RFLAGS value.
	PSL_USER = 0x00000002 | PSL_I

	// PSL_USERCHANGE are the bits user mode may change through
	// sigreturn.
	PSL_USERCHANGE = PSL_C | PSL_PF | PSL_AF | PSL_Z | PSL_N | PSL_T | PSL_D | PSL_V | PSL_NT | PSL_RF | PSL_AC | PSL_ID
)

// Selector privilege levels.
const (
	SEL_KPL = 0 // kernel privilege level
	SEL_UPL = 3 // user privilege level

	// SEL_RPL_MASK selects the requested privilege level of a selector.
	SEL_RPL_MASK = 3
)

// Global descriptor table indices of the default amd64 layout.
const (
	GNULL_SEL  = 0
	GCODE_SEL  = 1 // kernel code
	GDATA_SEL  = 2 // kernel data
	GUCODE_SEL = 3 // user code
	GUDATA_SEL = 4 // user data
	NGDT       = 5
)

// GSEL builds a global selector from an index and a privilege level.
func GSEL(index, rpl uint64) uint64 {
	return index<<3 | rpl
}

// ISPL returns the privilege level of selector s.
func ISPL(s uint64) uint64 {
	return s & SEL_RPL_MASK
}

// IDXSEL returns the descriptor table index of selector s.
func IDXSEL(s uint64) uint64 {
	return (s & 0xffff) >> 3
}

// Codes for SIGFPE.
const (
	FPE_INTOVF      = 1 // integer overflow
	FPE_INTDIV      = 2 // integer divide by zero
	FPE_FLTDIV      = 3 // floating point divide by zero
	FPE_FLTOVF      = 4 // floating point overflow
	FPE_FLTUND      = 5 // floating point underflow
	FPE_FLTRES      = 6 // floating point inexact result
	FPE_FLTINV      = 7 // invalid floating point operation
	FPE_FLTSUB      = 8 // subscript out of range
	FPE_FPU_NP_TRAP = 6 // FPU not present
)

// BUS_SEGM_FAULT is added to the hardware error code of segment related
// faults when reporting them as SIGBUS.
const BUS_SEGM_FAULT = T_RESERVED

// SyscallInsnLen is the encoded length of the syscall instruction. The
// syscall entry stores it in the frame's error code slot.
const SyscallInsnLen = 2
