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

package debugger

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"golang.org/x/sys/unix"

	abi "github.com/trapsim/trapsim/pkg/abi/trap"
	"github.com/trapsim/trapsim/pkg/sentry/arch"
	"github.com/trapsim/trapsim/pkg/sentry/kernel"
	"github.com/trapsim/trapsim/pkg/sentry/trap"
)

var _ kernel.Debugger = (*DDB)(nil)

func kernelFrame(trapno uint64) *arch.TrapFrame {
	f := arch.NewKernelFrame(0xffffffff80123456, 0xfffffe0000a01000)
	f.TrapNo = trapno
	return f
}

func TestDefaultPolicy(t *testing.T) {
	d := New(DefaultPolicy(), nil)
	for _, tc := range []struct {
		trapno uint64
		want   bool
	}{
		{abi.T_BPTFLT, true},
		{abi.T_TRCTRAP, true},
		{abi.T_NMI, true},
		{abi.T_PAGEFLT, false},
		{abi.T_PROTFLT, false},
	} {
		f := kernelFrame(tc.trapno)
		if got := d.TryTakeOver(0, f, trap.Classify(tc.trapno)); got != tc.want {
			t.Errorf("TryTakeOver(trap %d) = %t, want %t", tc.trapno, got, tc.want)
		}
	}
	if d.Active(0) {
		t.Errorf("still active after returning")
	}
	var kinds []trap.FaultKind
	for _, e := range d.Entries() {
		kinds = append(kinds, e.Kind)
	}
	want := []trap.FaultKind{trap.Breakpoint, trap.TraceTrap, trap.NonMaskableInterrupt, trap.PageFault, trap.ProtectionFault}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Errorf("entry log mismatch (-want +got):\n%s", diff)
	}
}

func TestDisabled(t *testing.T) {
	d := New(Policy{Default: Continue}, nil)
	if d.TryTakeOver(0, kernelFrame(abi.T_BPTFLT), trap.Breakpoint) {
		t.Errorf("disabled debugger took a breakpoint")
	}
	if len(d.Entries()) != 0 {
		t.Errorf("disabled debugger logged entries")
	}
}

func TestTraceFlag(t *testing.T) {
	d := New(Policy{Enabled: true, Actions: map[trap.FaultKind]Action{trap.Breakpoint: Step, trap.TraceTrap: Continue}}, nil)

	f := kernelFrame(abi.T_BPTFLT)
	d.TryTakeOver(0, f, trap.Breakpoint)
	if !f.SingleStep() {
		t.Errorf("step did not set the trace flag")
	}
	f.TrapNo = abi.T_TRCTRAP
	d.TryTakeOver(0, f, trap.TraceTrap)
	if f.SingleStep() {
		t.Errorf("continue from a trace trap left the trace flag set")
	}
}

func TestNestedEntryRefused(t *testing.T) {
	var d *DDB
	var nested bool
	d = New(Policy{
		Enabled: true,
		Script: func(f *arch.TrapFrame, kind trap.FaultKind) Action {
			if !d.Active(0) {
				t.Errorf("not active inside the script")
			}
			nested = d.TryTakeOver(0, f, kind)
			return Continue
		},
	}, nil)
	if !d.TryTakeOver(0, kernelFrame(abi.T_BPTFLT), trap.Breakpoint) {
		t.Errorf("outer entry declined")
	}
	if nested {
		t.Errorf("nested entry accepted")
	}
	if n := len(d.Entries()); n != 1 {
		t.Errorf("%d entries, want 1", n)
	}
}

func TestOtherCPUWaits(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	d := New(Policy{
		Enabled: true,
		Script: func(f *arch.TrapFrame, kind trap.FaultKind) Action {
			if kind == trap.Breakpoint {
				once.Do(func() { close(entered) })
				<-release
			}
			return Continue
		},
	}, nil)

	first := make(chan bool)
	go func() {
		first <- d.TryTakeOver(0, kernelFrame(abi.T_BPTFLT), trap.Breakpoint)
	}()
	<-entered
	if !d.Active(0) || d.Active(1) {
		t.Errorf("Active(0) = %t, Active(1) = %t, want true, false", d.Active(0), d.Active(1))
	}

	second := make(chan bool)
	go func() {
		second <- d.TryTakeOver(1, kernelFrame(abi.T_TRCTRAP), trap.TraceTrap)
	}()
	select {
	case <-second:
		t.Fatalf("cpu1 entered while cpu0 was in ddb")
	case <-time.After(10 * time.Millisecond):
	}
	close(release)
	if !<-first {
		t.Errorf("cpu0 entry declined")
	}
	if !<-second {
		t.Errorf("cpu1 entry declined")
	}

	var cpus []int
	for _, e := range d.Entries() {
		cpus = append(cpus, e.CPU)
	}
	if diff := cmp.Diff([]int{0, 1}, cpus); diff != "" {
		t.Errorf("entry log mismatch (-want +got):\n%s", diff)
	}
}

type recordingHalter struct {
	mu      sync.Mutex
	reports []*kernel.FatalReport
}

func (h *recordingHalter) Halt(r *kernel.FatalReport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reports = append(h.reports, r)
}

func TestTrapOnOtherCPUWhileActive(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	d := New(Policy{
		Enabled: true,
		Script: func(*arch.TrapFrame, trap.FaultKind) Action {
			once.Do(func() { close(entered) })
			<-release
			return Continue
		},
	}, nil)
	h := &recordingHalter{}
	k := &kernel.Kernel{}
	if err := k.Init(kernel.InitKernelArgs{Config: kernel.DefaultConfig(), Debugger: d, Halter: h}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	cpu0, cpu1 := k.NewCPU(), k.NewCPU()

	done := make(chan struct{})
	go func() {
		defer close(done)
		k.Trap(k.IdleThread(cpu0), kernelFrame(abi.T_BPTFLT))
	}()
	<-entered

	// A user divide on cpu1 is an ordinary signal, not a trap inside
	// the debugger.
	th := k.NewProcess("test", nil, nil).NewThread(cpu1)
	f := arch.NewUserFrame(0x401000, 0x7ffffff000)
	f.TrapNo = abi.T_DIVIDE
	k.Trap(th, f)

	close(release)
	<-done

	if k.Halted() || len(h.reports) != 0 {
		t.Fatalf("kernel halted: %v", k.LastFatal())
	}
	want := []trap.SignalRecord{{Signal: unix.SIGFPE, Code: abi.FPE_INTDIV}}
	if diff := cmp.Diff(want, th.PendingSignals()); diff != "" {
		t.Errorf("signals mismatch (-want +got):\n%s", diff)
	}
}

func TestKernelIntegration(t *testing.T) {
	d := New(Policy{Enabled: true, Default: Continue}, nil)
	k := &kernel.Kernel{}
	cfg := kernel.DefaultConfig()
	cfg.DebuggerOnPanic = true
	if err := k.Init(kernel.InitKernelArgs{Config: cfg, Debugger: d}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	th := k.IdleThread(k.NewCPU())

	// Without a recovery point this would halt, but the debugger takes
	// the fatal trap.
	k.Trap(th, kernelFrame(abi.T_PROTFLT))
	if k.Halted() {
		t.Fatalf("kernel halted although the debugger continued")
	}
	got := d.Entries()
	want := []Entry{{CPU: th.CPU().ID, Kind: trap.ProtectionFault, TrapNo: abi.T_PROTFLT, RIP: 0xffffffff80123456, Action: Continue}}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(Entry{}, "Time")); diff != "" {
		t.Errorf("entry log mismatch (-want +got):\n%s", diff)
	}
}

func TestActionFlag(t *testing.T) {
	var a Action
	for _, s := range []string{"decline", "continue", "step"} {
		if err := a.Set(s); err != nil || a.String() != s {
			t.Errorf("Set(%q): %v, String() = %q", s, err, a.String())
		}
	}
	if err := a.Set("bogus"); err == nil {
		t.Errorf("Set(bogus) succeeded")
	}
}
