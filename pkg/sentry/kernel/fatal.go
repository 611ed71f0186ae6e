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

package kernel

import (
	"fmt"
	"strings"

	"github.com/mohae/deepcopy"

	abi "github.com/trapsim/trapsim/pkg/abi/trap"
	"github.com/trapsim/trapsim/pkg/sentry/arch"
	"github.com/trapsim/trapsim/pkg/sentry/trap"
)

// FatalReport describes a trap the kernel cannot survive.
type FatalReport struct {
	TrapNo uint64
	Kind   trap.FaultKind
	User   bool

	// FaultVA and FaultCode are set for page faults.
	FaultVA   uint64
	FaultCode string

	CS, RIP uint64
	SS, RSP uint64
	RBP     uint64

	CodeSegment arch.SegmentDescriptor

	// Flags are the names of the notable RFLAGS bits that were set.
	Flags []string
	IOPL  uint64

	// Process is "pid (name)", or "Idle".
	Process string

	// Frame is a copy of the frame at the time of the trap.
	Frame *arch.TrapFrame
}

// Message is the panic message for the trap.
func (r *FatalReport) Message() string {
	return r.Kind.String()
}

// Error implements error.Error, so that the report can be recovered from a
// halting panic and inspected.
func (r *FatalReport) Error() string {
	return fmt.Sprintf("fatal trap %d: %s", r.TrapNo, r.Message())
}

// String formats the report as printed on the console.
func (r *FatalReport) String() string {
	var b strings.Builder
	mode := "kernel"
	if r.User {
		mode = "user"
	}
	fmt.Fprintf(&b, "Fatal trap %d: %s while in %s mode\n", r.TrapNo, r.Kind, mode)
	if r.Kind == trap.PageFault {
		fmt.Fprintf(&b, "fault virtual address\t= 0x%x\n", r.FaultVA)
		fmt.Fprintf(&b, "fault code\t\t= %s\n", r.FaultCode)
	}
	fmt.Fprintf(&b, "instruction pointer\t= 0x%x:0x%x\n", r.CS, r.RIP)
	fmt.Fprintf(&b, "stack pointer\t        = 0x%x:0x%x\n", r.SS, r.RSP)
	fmt.Fprintf(&b, "frame pointer\t        = 0x%x:0x%x\n", r.SS, r.RBP)
	d := r.CodeSegment
	fmt.Fprintf(&b, "code segment\t\t= base 0x%x, limit 0x%x, type 0x%x\n", d.Base, d.Limit, d.Type)
	fmt.Fprintf(&b, "\t\t\t= DPL %d, pres %d, long %d, def32 %d, gran %d\n",
		d.DPL, b2i(d.Present), b2i(d.Long), b2i(d.Default32), b2i(d.Granularity))
	b.WriteString("processor eflags\t= ")
	for _, name := range r.Flags {
		fmt.Fprintf(&b, "%s, ", name)
	}
	fmt.Fprintf(&b, "IOPL = %d\n", r.IOPL)
	fmt.Fprintf(&b, "current process\t\t= %s\n", r.Process)
	fmt.Fprintf(&b, "trap number\t\t= %d\n", r.TrapNo)
	return b.String()
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// pageFaultCode decodes a page fault error code.
func pageFaultCode(code uint64) string {
	who, access, why := "supervisor", "read", "page not present"
	if code&abi.PGEX_U != 0 {
		who = "user"
	}
	if code&abi.PGEX_W != 0 {
		access = "write"
	}
	if code&abi.PGEX_P != 0 {
		why = "protection violation"
	}
	return fmt.Sprintf("%s %s, %s", who, access, why)
}

var flagNames = []struct {
	bit  uint64
	name string
}{
	{abi.PSL_T, "trace trap"},
	{abi.PSL_I, "interrupt enabled"},
	{abi.PSL_NT, "nested task"},
	{abi.PSL_RF, "resume"},
}

func (k *Kernel) newFatalReport(t *Thread, f *arch.TrapFrame, eva uint64) *FatalReport {
	r := &FatalReport{
		TrapNo:      f.TrapNo,
		Kind:        trap.Classify(f.TrapNo),
		User:        f.UserMode(),
		CS:          f.CS & 0xffff,
		RIP:         f.RIP,
		RSP:         f.RSP,
		RBP:         f.RBP,
		CodeSegment: k.gdt.Lookup(f.CS),
		IOPL:        f.IOPL(),
		Process:     "Idle",
		Frame:       deepcopy.Copy(f).(*arch.TrapFrame),
	}
	if r.Kind == trap.PageFault {
		r.FaultVA = eva
		r.FaultCode = pageFaultCode(f.Err)
	}
	if r.User {
		r.SS = f.SS & 0xffff
	} else {
		r.SS = abi.GSEL(abi.GDATA_SEL, abi.SEL_KPL)
	}
	for _, fl := range flagNames {
		if f.RFLAGS&fl.bit != 0 {
			r.Flags = append(r.Flags, fl.name)
		}
	}
	if t != nil && t.p != nil {
		r.Process = t.p.String()
	}
	return r
}

// fatal reports an unrecoverable trap. The debugger may take over if it is
// configured to; otherwise the system halts. eva is the fault address for
// page faults.
func (k *Kernel) fatal(t *Thread, f *arch.TrapFrame, eva uint64) {
	r := k.newFatalReport(t, f, eva)
	fatalCount.Increment()
	k.log.Warningf("\n\n%s", r)

	if k.debugger != nil && (k.cfg.DebuggerOnPanic || k.debugger.Active(t.cpu.ID)) && k.debugger.TryTakeOver(t.cpu.ID, f, r.Kind) {
		return
	}
	k.report.Store(r)
	k.halted.Store(true)
	k.halter.Halt(r)
}
