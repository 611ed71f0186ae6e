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
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/trapsim/trapsim/pkg/errors/kernerr"
	"github.com/trapsim/trapsim/pkg/hostarch"
	"github.com/trapsim/trapsim/pkg/log"
	"github.com/trapsim/trapsim/pkg/sentry/arch"
	"github.com/trapsim/trapsim/pkg/sentry/mm"
	"github.com/trapsim/trapsim/pkg/sentry/trap"
)

// recordingHalter records reports instead of stopping.
type recordingHalter struct {
	reports []*FatalReport
}

func (h *recordingHalter) Halt(r *FatalReport) {
	h.reports = append(h.reports, r)
}

type fakeDebugger struct {
	active  bool
	take    bool
	offered []trap.FaultKind
}

func (d *fakeDebugger) Active(cpu int) bool { return d.active }

func (d *fakeDebugger) TryTakeOver(cpu int, f *arch.TrapFrame, kind trap.FaultKind) bool {
	d.offered = append(d.offered, kind)
	return d.take
}

type faultCall struct {
	Addr  hostarch.Addr
	At    hostarch.AccessType
	Flags mm.FaultFlags
	Pins  int
}

// fakeAddressSpace records FaultIn calls and fails them with err.
type fakeAddressSpace struct {
	p     *Process
	err   error
	calls []faultCall
}

func (as *fakeAddressSpace) FaultIn(ctx context.Context, addr hostarch.Addr, at hostarch.AccessType, flags mm.FaultFlags) error {
	pins := -1
	if as.p != nil {
		// p.mu is not held during FaultIn, so Pins does not deadlock.
		pins = as.p.Pins()
	}
	as.calls = append(as.calls, faultCall{Addr: addr, At: at, Flags: flags, Pins: pins})
	return as.err
}

func (as *fakeAddressSpace) CopyIn(addr hostarch.Addr, dst []byte) (int, error) {
	return 0, &mm.AccessFault{Addr: addr}
}

func (as *fakeAddressSpace) CopyOut(addr hostarch.Addr, src []byte) (int, error) {
	return 0, &mm.AccessFault{Addr: addr, Write: true}
}

// recordingLogger implements log.Logger.
type recordingLogger struct {
	mu       sync.Mutex
	warnings []string
}

func (l *recordingLogger) Debugf(format string, v ...any) {}
func (l *recordingLogger) Infof(format string, v ...any)  {}

func (l *recordingLogger) Warningf(format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warnings = append(l.warnings, fmt.Sprintf(format, v...))
}

func (l *recordingLogger) IsLogging(level log.Level) bool { return level == log.Warning }

func (l *recordingLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.warnings)
}

const (
	testSysInvalid = 0
	testSysExit    = 1
	testSysRead    = 2
	testSysGetpid  = 3
	testSysSeven   = 4
	testSysEight   = 5
	testSysRestart = 6
	testSysJustRet = 7
	testSysWeird   = 8
	testSysIndir   = 9
)

// testHandlers lets individual tests swap in handler bodies.
type testHandlers struct {
	calls int
	fn    SyscallFn
}

func (h *testHandlers) call(t *Thread, args arch.SyscallArguments, rv *arch.SyscallReturn) error {
	h.calls++
	if h.fn == nil {
		return nil
	}
	return h.fn(t, args, rv)
}

func newTestABI(t *testing.T, h *testHandlers) *ABI {
	t.Helper()
	table := &SyscallTable{
		OS:   "test",
		Size: 16,
		Table: map[uintptr]Syscall{
			testSysInvalid: {Name: "nosys", Fn: func(*Thread, arch.SyscallArguments, *arch.SyscallReturn) error {
				return kernerr.ENOSYS
			}},
			testSysRead:    {Name: "read", NArgs: 3, Fn: h.call},
			testSysGetpid:  {Name: "getpid", MPSafe: true, Fn: h.call},
			testSysSeven:   {Name: "seven", NArgs: 7, Fn: h.call},
			testSysEight:   {Name: "eight", NArgs: 8, Fn: h.call},
			testSysRestart: {Name: "restart", NArgs: 4, Fn: func(*Thread, arch.SyscallArguments, *arch.SyscallReturn) error {
				return kernerr.ErrRestart
			}},
			testSysJustRet: {Name: "justreturn", Fn: func(*Thread, arch.SyscallArguments, *arch.SyscallReturn) error {
				return kernerr.ErrJustReturn
			}},
			testSysWeird: {Name: "weird", Fn: func(*Thread, arch.SyscallArguments, *arch.SyscallReturn) error {
				return fmt.Errorf("no errno here")
			}},
		},
	}
	if err := table.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return &ABI{Name: "test", Table: table, IndirectNumbers: []uintptr{testSysIndir}}
}

type testEnv struct {
	k        *Kernel
	halter   *recordingHalter
	debugger *fakeDebugger
	logger   *recordingLogger
	cpu      *CPU
	handlers *testHandlers
	abi      *ABI
}

func newTestEnv(t *testing.T, mod func(*InitKernelArgs)) *testEnv {
	t.Helper()
	e := &testEnv{
		k:        &Kernel{},
		halter:   &recordingHalter{},
		logger:   &recordingLogger{},
		handlers: &testHandlers{},
	}
	args := InitKernelArgs{
		Config: DefaultConfig(),
		Halter: e.halter,
		Logger: e.logger,
	}
	if mod != nil {
		mod(&args)
	}
	if d, ok := args.Debugger.(*fakeDebugger); ok {
		e.debugger = d
	}
	if err := e.k.Init(args); err != nil {
		t.Fatalf("Init: %v", err)
	}
	e.cpu = e.k.NewCPU()
	e.abi = newTestABI(t, e.handlers)
	return e
}

// newThread returns a thread of a new process using as, which may be nil.
func (e *testEnv) newThread(as AddressSpace) *Thread {
	p := e.k.NewProcess("test", as, e.abi)
	if fas, ok := as.(*fakeAddressSpace); ok {
		fas.p = p
	}
	return p.NewThread(e.cpu)
}

// newMMThread returns a thread whose process has a real address space.
func (e *testEnv) newMMThread() (*Thread, *mm.MemoryManager) {
	m := mm.NewMemoryManager("test", 0x10000, hostarch.Addr(e.k.cfg.KernelBase))
	return e.newThread(m), m
}

func userFault(trapno uint64) *arch.TrapFrame {
	f := arch.NewUserFrame(0x401000, 0x7ffffff000)
	f.TrapNo = trapno
	return f
}

func kernelFault(trapno uint64) *arch.TrapFrame {
	f := arch.NewKernelFrame(0xffffffff80123456, 0xfffffe0000a01000)
	f.TrapNo = trapno
	return f
}
