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

package trap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"

	abi "github.com/trapsim/trapsim/pkg/abi/trap"
	"github.com/trapsim/trapsim/pkg/sentry/arch"
)

func TestClassify(t *testing.T) {
	for trapno, want := range map[uint64]FaultKind{
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
		0:               Reserved,
		2:               Reserved,
		abi.T_RESERVED:  Reserved,
		255:             Reserved,
		^uint64(0):      Reserved,
	} {
		if got := Classify(trapno); got != want {
			t.Errorf("Classify(%d) = %v, want %v", trapno, got, want)
		}
	}
}

func TestClassifyTotalAndDeterministic(t *testing.T) {
	seen := make(map[FaultKind]uint64)
	for trapno := uint64(0); trapno < 512; trapno++ {
		k := Classify(trapno)
		if k != Classify(trapno) {
			t.Fatalf("Classify(%d) is not deterministic", trapno)
		}
		if k == Reserved {
			continue
		}
		if prev, ok := seen[k]; ok {
			t.Errorf("%v is produced by both %d and %d", k, prev, trapno)
		}
		seen[k] = trapno
	}
	if got, want := len(seen), len(AllKinds())-1; got != want {
		t.Errorf("%d kinds reachable, want %d", got, want)
	}
}

func TestKindNames(t *testing.T) {
	for _, k := range AllKinds() {
		got, ok := KindByName(k.Name())
		if !ok || got != k {
			t.Errorf("KindByName(%q) = %v, %t, want %v", k.Name(), got, ok, k)
		}
		if k == Reserved {
			continue
		}
		if got := Classify(k.TrapNo()); got != k {
			t.Errorf("Classify(%v.TrapNo()) = %v", k, got)
		}
	}
	if Reserved.TrapNo() != abi.T_RESERVED {
		t.Errorf("Reserved.TrapNo() = %d, want %d", Reserved.TrapNo(), abi.T_RESERVED)
	}
	if _, ok := KindByName("bogus"); ok {
		t.Errorf("KindByName(bogus) succeeded")
	}
}

func TestLabels(t *testing.T) {
	if got := Classify(abi.T_PAGEFLT).String(); got != "page fault" {
		t.Errorf("page fault label = %q", got)
	}
	if got := FaultKind(1000).String(); got != "unknown/reserved trap" {
		t.Errorf("unknown label = %q", got)
	}
	names := make(map[string]bool)
	for _, n := range AllNames() {
		if names[n] {
			t.Errorf("duplicate name %q", n)
		}
		names[n] = true
	}
}

type fakeFPU struct {
	code     int
	pending  bool
	restores bool
	queried  int
}

func (f *fakeFPU) PendingException() (int, bool) {
	f.queried++
	return f.code, f.pending
}

func (f *fakeFPU) RestoreLazy() bool { return f.restores }

func TestTranslate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		trapno uint64
		err    uint64
		fpu    fakeFPU
		want   Translation
	}{
		{
			name:   "privileged instruction",
			trapno: abi.T_PRIVINFLT,
			want:   signal(unix.SIGILL, abi.T_PRIVINFLT),
		},
		{
			name:   "arithmetic with pending exception",
			trapno: abi.T_ARITHTRAP,
			fpu:    fakeFPU{code: abi.FPE_FLTDIV, pending: true},
			want:   signal(unix.SIGFPE, abi.FPE_FLTDIV),
		},
		{
			name:   "spurious arithmetic trap",
			trapno: abi.T_ARITHTRAP,
			want:   Translation{Action: ActionNone},
		},
		{
			name:   "protection fault",
			trapno: abi.T_PROTFLT,
			err:    0x18,
			want:   signal(unix.SIGBUS, 0x18+abi.BUS_SEGM_FAULT),
		},
		{
			name:   "stack fault",
			trapno: abi.T_STKFLT,
			want:   signal(unix.SIGBUS, abi.BUS_SEGM_FAULT),
		},
		{
			name:   "alignment falls to default",
			trapno: abi.T_ALIGNFLT,
			err:    1,
			want:   signal(unix.SIGBUS, 1+abi.BUS_SEGM_FAULT),
		},
		{
			name:   "page fault",
			trapno: abi.T_PAGEFLT,
			want:   Translation{Action: ActionResolvePageFault},
		},
		{
			name:   "divide",
			trapno: abi.T_DIVIDE,
			want:   signal(unix.SIGFPE, abi.FPE_INTDIV),
		},
		{
			name:   "overflow",
			trapno: abi.T_OFLOW,
			want:   signal(unix.SIGFPE, abi.FPE_INTOVF),
		},
		{
			name:   "bounds",
			trapno: abi.T_BOUND,
			want:   signal(unix.SIGFPE, abi.FPE_FLTSUB),
		},
		{
			name:   "lazy restore",
			trapno: abi.T_DNA,
			fpu:    fakeFPU{restores: true},
			want:   Translation{Action: ActionNone},
		},
		{
			name:   "no fpu",
			trapno: abi.T_DNA,
			want:   signal(unix.SIGFPE, abi.FPE_FPU_NP_TRAP),
		},
		{
			name:   "operand fetch",
			trapno: abi.T_FPOPFLT,
			want:   signal(unix.SIGILL, abi.T_FPOPFLT),
		},
		{
			name:   "simd",
			trapno: abi.T_XMMFLT,
			want:   signal(unix.SIGFPE, 0),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := arch.NewUserFrame(0x400000, 0x7fff0000)
			f.TrapNo = tc.trapno
			f.Err = tc.err
			got := Translate(Classify(tc.trapno), f, &tc.fpu, NMIPolicy{})
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Translate mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTranslateDivideDoesNotTouchFPU(t *testing.T) {
	fpu := &fakeFPU{}
	f := arch.NewUserFrame(0, 0)
	f.TrapNo = abi.T_DIVIDE
	Translate(DivideError, f, fpu, NMIPolicy{})
	if fpu.queried != 0 {
		t.Errorf("FPU queried %d times for an integer divide fault", fpu.queried)
	}
}

func TestTranslateClearsTrace(t *testing.T) {
	for _, kind := range []FaultKind{Breakpoint, TraceTrap} {
		f := arch.NewUserFrame(0, 0)
		f.SetSingleStep()
		got := Translate(kind, f, &fakeFPU{}, NMIPolicy{})
		if got.Signal.Signal != unix.SIGTRAP {
			t.Errorf("%v: signal = %v, want SIGTRAP", kind, got.Signal.Signal)
		}
		if f.SingleStep() {
			t.Errorf("%v: PSL_T still set", kind)
		}
	}
}

func TestTranslateNMI(t *testing.T) {
	benign := &arch.TrapFrame{}
	hardware := &arch.TrapFrame{Err: 0x80}
	for _, tc := range []struct {
		name   string
		f      *arch.TrapFrame
		policy NMIPolicy
		want   Translation
	}{
		{"benign", benign, NMIPolicy{}, Translation{Action: ActionNone}},
		{"benign to debugger", benign, NMIPolicy{DebuggerOnNMI: true}, Translation{Action: ActionNone, OfferDebugger: true}},
		{"hardware ignored", hardware, NMIPolicy{DebuggerOnNMI: true}, Translation{Action: ActionNone}},
		{"hardware panic", hardware, NMIPolicy{PanicOnNMI: true}, Translation{Action: ActionFatal}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, TranslateNMI(tc.f, tc.policy)); diff != "" {
				t.Errorf("TranslateNMI mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFixups(t *testing.T) {
	t.Run("iret", func(t *testing.T) {
		f := arch.NewKernelFrame(DoretiIret, 0)
		name, ok := DefaultFixups.Apply(ProtectionFault, f)
		if !ok || name != "doreti_iret" {
			t.Fatalf("Apply = (%q, %t), want doreti_iret", name, ok)
		}
		if f.RIP != DoretiIretFault {
			t.Errorf("RIP = %#x, want %#x", f.RIP, DoretiIretFault)
		}
	})
	t.Run("iret segment not present", func(t *testing.T) {
		f := arch.NewKernelFrame(DoretiIret, 0)
		if _, ok := DefaultFixups.Apply(SegmentFault, f); !ok {
			t.Errorf("segment-not-present fault at iret not fixed up")
		}
	})
	t.Run("other rip", func(t *testing.T) {
		f := arch.NewKernelFrame(DoretiIret+0x100, 0)
		if _, ok := DefaultFixups.Apply(ProtectionFault, f); ok {
			t.Errorf("fixup applied to an unrelated protection fault")
		}
		if f.RIP != DoretiIret+0x100 {
			t.Errorf("RIP modified: %#x", f.RIP)
		}
	})
	t.Run("stale nt", func(t *testing.T) {
		f := arch.NewKernelFrame(0xffffffff80001000, 0)
		f.RFLAGS |= abi.PSL_NT
		if name, ok := DefaultFixups.Apply(InvalidTask, f); !ok || name != "stale_nt" {
			t.Fatalf("Apply = (%q, %t), want stale_nt", name, ok)
		}
		if f.RFLAGS&abi.PSL_NT != 0 {
			t.Errorf("PSL_NT still set")
		}
		if f.RIP != 0xffffffff80001000 {
			t.Errorf("RIP moved to %#x", f.RIP)
		}
	})
	t.Run("tss without nt", func(t *testing.T) {
		f := arch.NewKernelFrame(0, 0)
		if _, ok := DefaultFixups.Apply(InvalidTask, f); ok {
			t.Errorf("fixup applied without PSL_NT")
		}
	})
	t.Run("kind mismatch", func(t *testing.T) {
		f := arch.NewKernelFrame(DoretiIret, 0)
		if _, ok := DefaultFixups.Apply(PageFault, f); ok {
			t.Errorf("iret fixup applied to a page fault")
		}
	})
}
