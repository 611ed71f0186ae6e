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

// Package kerneltest builds a kernel, a process and a thread for tests of
// code that runs system calls.
package kerneltest

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"golang.org/x/sys/unix"

	abi "github.com/trapsim/trapsim/pkg/abi/trap"
	"github.com/trapsim/trapsim/pkg/hostarch"
	"github.com/trapsim/trapsim/pkg/sentry/arch"
	"github.com/trapsim/trapsim/pkg/sentry/kernel"
	"github.com/trapsim/trapsim/pkg/sentry/mm"
)

// UserMin is the lowest user address of the test address space.
const UserMin = 0x10000

// StackSize is the size of the test stack mapping.
const StackSize = 4 * hostarch.PageSize

// Env is a kernel with one process, running one thread on one CPU.
type Env struct {
	Kernel *kernel.Kernel
	Thread *kernel.Thread
	MM     *mm.MemoryManager

	// Stack is the base of a private read-write mapping. RSP of frames
	// built by Frame points into its upper half.
	Stack hostarch.Addr

	// Stdin feeds descriptor 0 and Stdout collects descriptors 1 and 2.
	Stdin  bytes.Buffer
	Stdout bytes.Buffer
}

// New returns an Env whose process uses a.
func New(tb testing.TB, a *kernel.ABI) *Env {
	tb.Helper()
	e := &Env{Kernel: &kernel.Kernel{}}
	if err := e.Kernel.Init(kernel.InitKernelArgs{Config: kernel.DefaultConfig()}); err != nil {
		tb.Fatalf("Init: %v", err)
	}
	e.MM = mm.NewMemoryManager("test", UserMin, kernel.DefaultKernelBase)
	stack, err := e.MM.MMap(context.Background(), mm.MMapOpts{
		Length:  StackSize,
		Perms:   hostarch.ReadWrite,
		Private: true,
		Name:    "[stack]",
	})
	if err != nil {
		tb.Fatalf("MMap stack: %v", err)
	}
	e.Stack = stack
	p := e.Kernel.NewProcess("test", e.MM, a)
	p.SetStdio(&e.Stdin, &e.Stdout)
	e.Thread = p.NewThread(e.Kernel.NewCPU())
	return e
}

// RSP is the stack pointer of frames built by Frame.
func (e *Env) RSP() uint64 {
	return uint64(e.Stack) + StackSize/2
}

// Frame returns the native entry state of system call sysno with up to six
// register arguments.
func (e *Env) Frame(sysno uint64, args ...uint64) *arch.TrapFrame {
	f := arch.NewUserFrame(0x401002, e.RSP())
	f.Err = abi.SyscallInsnLen
	f.RAX = sysno
	regs := []*uint64{&f.RDI, &f.RSI, &f.RDX, &f.RCX, &f.R8, &f.R9}
	for i, a := range args {
		*regs[i] = a
	}
	return f
}

// Call runs f through the system call dispatcher and returns it.
func (e *Env) Call(f *arch.TrapFrame) *arch.TrapFrame {
	e.Kernel.Syscall(e.Thread, f)
	return f
}

// Errno returns the error a completed call reported through the carry flag,
// or 0.
func Errno(f *arch.TrapFrame) unix.Errno {
	if f.RFLAGS&abi.PSL_C == 0 {
		return 0
	}
	return unix.Errno(f.RAX)
}

// StackWords writes words just above the return address slot of RSP, where
// arguments past the register window are read from.
func (e *Env) StackWords(tb testing.TB, words ...uint64) {
	tb.Helper()
	buf := make([]byte, 8*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint64(buf[8*i:], w)
	}
	if err := e.Thread.CopyOut(hostarch.Addr(e.RSP()+8), buf); err != nil {
		tb.Fatalf("CopyOut: %v", err)
	}
}

// Alloc maps a fresh read-write page and fills it with data.
func (e *Env) Alloc(tb testing.TB, data []byte) hostarch.Addr {
	tb.Helper()
	addr, err := e.MM.MMap(context.Background(), mm.MMapOpts{
		Length:  hostarch.PageSize,
		Perms:   hostarch.ReadWrite,
		Private: true,
	})
	if err != nil {
		tb.Fatalf("MMap: %v", err)
	}
	if len(data) != 0 {
		if err := e.Thread.CopyOut(addr, data); err != nil {
			tb.Fatalf("CopyOut: %v", err)
		}
	}
	return addr
}

// Read returns n bytes at addr.
func (e *Env) Read(tb testing.TB, addr hostarch.Addr, n int) []byte {
	tb.Helper()
	buf := make([]byte, n)
	if err := e.Thread.CopyIn(addr, buf); err != nil {
		tb.Fatalf("CopyIn: %v", err)
	}
	return buf
}
