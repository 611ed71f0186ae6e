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

package linux

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"

	abi "github.com/trapsim/trapsim/pkg/abi/trap"
	"github.com/trapsim/trapsim/pkg/hostarch"
	"github.com/trapsim/trapsim/pkg/sentry/arch"
	"github.com/trapsim/trapsim/pkg/sentry/kernel/kerneltest"
	"github.com/trapsim/trapsim/pkg/sentry/syscalls"
	"github.com/trapsim/trapsim/pkg/sentry/trap"
)

// linuxFrame returns the Linux entry state of system call sysno.
func linuxFrame(e *kerneltest.Env, sysno uint64, args ...uint64) *arch.TrapFrame {
	f := e.Frame(sysno)
	regs := []*uint64{&f.RDI, &f.RSI, &f.RDX, &f.R10, &f.R8, &f.R9}
	for i, a := range args {
		*regs[i] = a
	}
	return f
}

func TestPrepare(t *testing.T) {
	f := arch.NewUserFrame(0, 0)
	f.RAX, f.RDI, f.RSI, f.RDX, f.RCX, f.R10, f.R8, f.R9 = 9, 1, 2, 3, 99, 4, 5, 6
	sysno, args, params := Prepare(f)
	if sysno != 9 || params != 0 {
		t.Errorf("sysno, params = %d, %#x, want 9, 0", sysno, params)
	}
	if diff := cmp.Diff([6]uint64{1, 2, 3, 4, 5, 6}, args); diff != "" {
		t.Errorf("arguments mismatch (-want +got):\n%s", diff)
	}
}

func TestSlotZeroIsRead(t *testing.T) {
	e := kerneltest.New(t, AMD64)
	e.Stdin.WriteString("hi")
	buf := e.Alloc(t, nil)
	f := e.Call(linuxFrame(e, SYS_read, 0, uint64(buf), 8))
	if f.RAX != 2 || string(e.Read(t, buf, 2)) != "hi" {
		t.Errorf("read = %d, data %q", f.RAX, e.Read(t, buf, 2))
	}
}

func TestMissing(t *testing.T) {
	e := kerneltest.New(t, AMD64)
	for _, num := range []uint64{2, 400, tableSize + 5} {
		f := e.Call(linuxFrame(e, num))
		if int64(f.RAX) != -38 {
			t.Errorf("syscall %d: RAX = %d, want -ENOSYS", num, int64(f.RAX))
		}
	}
}

func TestErrnoTranslation(t *testing.T) {
	for _, tc := range []struct {
		errno unix.Errno
		want  int
	}{
		{unix.EPERM, -1},
		{unix.EBADF, -9},
		{unix.EFAULT, -14},
		{unix.EINVAL, -22},
		{unix.ENOSYS, -38},
		{unix.Errno(len(errTable)), -1},
	} {
		if got := TranslateErrno(tc.errno); got != tc.want {
			t.Errorf("TranslateErrno(%d) = %d, want %d", tc.errno, got, tc.want)
		}
	}

	e := kerneltest.New(t, AMD64)
	f := e.Call(linuxFrame(e, SYS_write, 7, 0, 0))
	if int64(f.RAX) != -9 {
		t.Errorf("write to a bad descriptor: RAX = %d, want -EBADF", int64(f.RAX))
	}
}

func TestMmapRegisterArguments(t *testing.T) {
	e := kerneltest.New(t, AMD64)
	f := e.Call(linuxFrame(e, SYS_mmap, 0, hostarch.PageSize,
		syscalls.ProtRead|syscalls.ProtWrite, MAP_ANONYMOUS|MAP_PRIVATE, ^uint64(0), 0))
	if f.RFLAGS&abi.PSL_C != 0 {
		t.Fatalf("mmap failed: %d", int64(f.RAX))
	}
	if err := e.Thread.CopyOut(hostarch.Addr(f.RAX), []byte("ok")); err != nil {
		t.Errorf("writing the new mapping: %v", err)
	}

	f = e.Call(linuxFrame(e, SYS_mmap, 0, hostarch.PageSize, syscalls.ProtRead, MAP_PRIVATE, 3, 0))
	if int64(f.RAX) != -9 {
		t.Errorf("file mapping: RAX = %d, want -EBADF", int64(f.RAX))
	}
}

func TestRtSigreturn(t *testing.T) {
	e := kerneltest.New(t, AMD64)
	buf := make([]byte, syscalls.SigContextSize)
	for i, v := range []uint64{0x403000, 0x8000, abi.PSL_USER, 7} {
		binary.LittleEndian.PutUint64(buf[8*i:], v)
	}
	ctx := e.Alloc(t, buf)
	f := linuxFrame(e, SYS_rt_sigreturn)
	f.RSP = uint64(ctx)
	e.Call(f)
	if f.RIP != 0x403000 || f.RSP != 0x8000 || f.RAX != 7 {
		t.Errorf("frame after rt_sigreturn: %v", f)
	}
}

func TestExitGroup(t *testing.T) {
	e := kerneltest.New(t, AMD64)
	e.Call(linuxFrame(e, SYS_exit_group, 5))
	if status, ok := e.Thread.Process().ExitStatus(); !ok || status != 5 {
		t.Errorf("ExitStatus = %d, %t, want 5, true", status, ok)
	}
}

func TestEmulatorRemapsTrapSignals(t *testing.T) {
	for _, tc := range []struct {
		sig  unix.Signal
		kind trap.FaultKind
		want unix.Signal
	}{
		{unix.SIGBUS, trap.ProtectionFault, unix.SIGSEGV},
		{unix.SIGBUS, trap.InvalidTask, unix.SIGSEGV},
		{unix.SIGBUS, trap.DoubleFault, unix.SIGSEGV},
		{unix.SIGBUS, trap.PageFault, unix.SIGSEGV},
		{unix.SIGBUS, trap.StackFault, unix.SIGBUS},
		{unix.SIGBUS, trap.SegmentFault, unix.SIGBUS},
		{unix.SIGFPE, trap.DivideError, unix.SIGFPE},
		{unix.SIGSEGV, trap.PageFault, unix.SIGSEGV},
	} {
		if got := (Emulator{}).RemapSignal(tc.sig, tc.kind); got != tc.want {
			t.Errorf("RemapSignal(%v, %v) = %v, want %v", tc.sig, tc.kind, got, tc.want)
		}
	}
}

func TestTrapThroughEmulator(t *testing.T) {
	e := kerneltest.New(t, AMD64)
	ro := e.Alloc(t, nil)
	if f := e.Call(linuxFrame(e, SYS_mprotect, uint64(ro), hostarch.PageSize, syscalls.ProtRead)); f.RFLAGS&abi.PSL_C != 0 {
		t.Fatalf("mprotect failed: %d", int64(f.RAX))
	}

	f := arch.NewUserFrame(0x401000, e.RSP())
	f.TrapNo = abi.T_PAGEFLT
	f.Addr = uint64(ro)
	f.Err = abi.PGEX_U | abi.PGEX_W | abi.PGEX_P
	e.Kernel.Trap(e.Thread, f)

	want := []trap.SignalRecord{{Signal: unix.SIGSEGV, Code: abi.T_PAGEFLT}}
	if diff := cmp.Diff(want, e.Thread.PendingSignals()); diff != "" {
		t.Errorf("pending signals mismatch (-want +got):\n%s", diff)
	}
}
