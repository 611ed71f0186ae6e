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

// Package trap classifies hardware exceptions and translates user-mode
// faults into signals. It holds no state; the dispatcher in package kernel
// composes these functions.
package trap

import (
	abi "github.com/trapsim/trapsim/pkg/abi/trap"
)

// FaultKind is the semantic classification of a trap number.
type FaultKind int

// Fault kinds, one per architecture exception vector that the kernel
// handles. Reserved covers every other number.
const (
	Reserved FaultKind = iota
	PrivilegedInstruction
	Breakpoint
	ArithmeticError
	ProtectionFault
	TraceTrap
	PageFault
	AlignmentFault
	DivideError
	NonMaskableInterrupt
	OverflowError
	BoundsCheck
	DeviceNotAvailable
	DoubleFault
	OperandFetchFault
	InvalidTask
	SegmentFault
	StackFault
	MachineCheck
	SIMDFloatingPoint
)

var kinds = map[uint64]FaultKind{
	abi.T_PRIVINFLT: PrivilegedInstruction,
	abi.T_BPTFLT:    Breakpoint,
	abi.T_ARITHTRAP: ArithmeticError,
	abi.T_PROTFLT:   ProtectionFault,
	abi.T_TRCTRAP:   TraceTrap,
	abi.T_PAGEFLT:   PageFault,
	abi.T_ALIGNFLT:  AlignmentFault,
	abi.T_DIVIDE:    DivideError,
	abi.T_NMI:       NonMaskableInterrupt,
	abi.T_OFLOW:     OverflowError,
	abi.T_BOUND:     BoundsCheck,
	abi.T_DNA:       DeviceNotAvailable,
	abi.T_DOUBLEFLT: DoubleFault,
	abi.T_FPOPFLT:   OperandFetchFault,
	abi.T_TSSFLT:    InvalidTask,
	abi.T_SEGNPFLT:  SegmentFault,
	abi.T_STKFLT:    StackFault,
	abi.T_MCHK:      MachineCheck,
	abi.T_XMMFLT:    SIMDFloatingPoint,
}

var labels = map[FaultKind]string{
	PrivilegedInstruction: "privileged instruction fault",
	Breakpoint:            "breakpoint instruction fault",
	ArithmeticError:       "arithmetic trap",
	ProtectionFault:       "general protection fault",
	TraceTrap:             "trace trap",
	PageFault:             "page fault",
	AlignmentFault:        "alignment fault",
	DivideError:           "integer divide fault",
	NonMaskableInterrupt:  "non-maskable interrupt trap",
	OverflowError:         "overflow trap",
	BoundsCheck:           "FPU bounds check fault",
	DeviceNotAvailable:    "FPU device not available",
	DoubleFault:           "double fault",
	OperandFetchFault:     "FPU operand fetch fault",
	InvalidTask:           "invalid TSS fault",
	SegmentFault:          "segment not present fault",
	StackFault:            "stack fault",
	MachineCheck:          "machine check trap",
	SIMDFloatingPoint:     "SIMD floating-point exception",
	Reserved:              "unknown/reserved trap",
}

var names = map[FaultKind]string{
	Reserved:              "reserved",
	PrivilegedInstruction: "privileged_instruction",
	Breakpoint:            "breakpoint",
	ArithmeticError:       "arithmetic",
	ProtectionFault:       "protection",
	TraceTrap:             "trace",
	PageFault:             "page_fault",
	AlignmentFault:        "alignment",
	DivideError:           "divide",
	NonMaskableInterrupt:  "nmi",
	OverflowError:         "overflow",
	BoundsCheck:           "bounds",
	DeviceNotAvailable:    "device_not_available",
	DoubleFault:           "double_fault",
	OperandFetchFault:     "operand_fetch",
	InvalidTask:           "invalid_tss",
	SegmentFault:          "segment_not_present",
	StackFault:            "stack",
	MachineCheck:          "machine_check",
	SIMDFloatingPoint:     "simd",
}

// Classify maps a trap number to its kind. Numbers without a vector
// assignment map to Reserved.
func Classify(trapno uint64) FaultKind {
	if k, ok := kinds[trapno]; ok {
		return k
	}
	return Reserved
}

// String returns the diagnostic label printed for the kind.
func (k FaultKind) String() string {
	if l, ok := labels[k]; ok {
		return l
	}
	return labels[Reserved]
}

// Name returns a short identifier for the kind, suitable for metric fields
// and scenario files.
func (k FaultKind) Name() string {
	if n, ok := names[k]; ok {
		return n
	}
	return names[Reserved]
}

// AllKinds returns every kind in declaration order.
func AllKinds() []FaultKind {
	all := make([]FaultKind, 0, SIMDFloatingPoint+1)
	for k := Reserved; k <= SIMDFloatingPoint; k++ {
		all = append(all, k)
	}
	return all
}

// AllNames returns Name for every kind, in declaration order.
func AllNames() []string {
	var ns []string
	for _, k := range AllKinds() {
		ns = append(ns, k.Name())
	}
	return ns
}

// TrapNo returns the trap number of the vector k is assigned to. Reserved
// maps to T_RESERVED.
func (k FaultKind) TrapNo() uint64 {
	for n, kk := range kinds {
		if kk == k {
			return n
		}
	}
	return abi.T_RESERVED
}

// KindByName returns the kind whose Name is name.
func KindByName(name string) (FaultKind, bool) {
	for k, n := range names {
		if n == name {
			return k, true
		}
	}
	return Reserved, false
}
