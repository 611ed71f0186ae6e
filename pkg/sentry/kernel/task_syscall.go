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
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/lunixbochs/struc"
	"golang.org/x/sys/unix"

	abi "github.com/trapsim/trapsim/pkg/abi/trap"
	"github.com/trapsim/trapsim/pkg/errors/kernerr"
	"github.com/trapsim/trapsim/pkg/hostarch"
	"github.com/trapsim/trapsim/pkg/log"
	"github.com/trapsim/trapsim/pkg/sentry/arch"
	"github.com/trapsim/trapsim/pkg/sentry/trap"
)

// stackArgs is the block of arguments past the register window. At most
// MaxSyscallArgs-5 words are ever read from the stack.
type stackArgs struct {
	A0 uint64
	A1 uint64
	A2 uint64
}

const stackArgsSize = 3 * 8

// Syscall dispatches the system call whose entry state is f. f must be a
// user-mode frame with Err holding the length of the syscall instruction.
func (k *Kernel) Syscall(t *Thread, f *arch.TrapFrame) {
	if k.Halted() {
		return
	}
	if !f.UserMode() {
		panic("syscall from kernel mode")
	}
	if t.p == nil {
		panic("system call on an idle thread")
	}
	k.dispatchSyscall(t, f, &k.giant)
}

// dispatchSyscall is Syscall with the serialization lock passed explicitly.
func (k *Kernel) dispatchSyscall(t *Thread, f *arch.TrapFrame, giant *Giant) {
	a := t.p.abi
	params := hostarch.Addr(f.RSP + 8)
	sysno := uintptr(f.RAX)
	origFlags := f.RFLAGS

	regs := f.RegisterArgs()
	reg, regcnt := 0, len(regs)
	if a.Prepare != nil {
		sysno, regs, params = a.Prepare(f)
	} else if a.indirect(sysno) {
		sysno = uintptr(f.RDI)
		reg++
		regcnt--
	}

	call := a.Table.Lookup(sysno)

	var args arch.SyscallArguments
	for i := 0; i < call.NArgs && i < regcnt; i++ {
		args[i] = arch.SyscallArgument{Value: uintptr(regs[reg+i])}
	}
	var err error
	if call.NArgs > regcnt {
		err = t.copyInArgs(params, args[regcnt:call.NArgs])
		if k.Halted() {
			return
		}
	}

	if k.log.IsLogging(log.Debug) {
		k.log.Debugf("pid %d tid %d: %s(%s)", t.p.PID(), t.tid, call.Name, args.Format(call.NArgs))
	}

	if !call.MPSafe {
		giant.Lock(t)
	}
	rv := arch.SyscallReturn{0, f.RDX}
	if err == nil {
		t.frame = f
		err = call.Fn(t, args, &rv)
		t.frame = nil
	}
	k.encodeSyscallResult(f, a, rv, err)
	if !call.MPSafe {
		giant.Unlock(t)
	}

	if origFlags&abi.PSL_T != 0 {
		// Traced syscall.
		f.ClearSingleStep()
		t.SendSignal(trap.SignalRecord{Signal: unix.SIGTRAP})
	}

	k.sched.UserReturn(t)
}

// copyInArgs reads len(dst) argument words from the user stack at params.
func (t *Thread) copyInArgs(params hostarch.Addr, dst []arch.SyscallArgument) error {
	if params == 0 {
		return kernerr.EFAULT
	}
	if len(dst) > 3 {
		panic("too many stack arguments")
	}
	buf := make([]byte, stackArgsSize)
	if err := t.CopyIn(params, buf[:len(dst)*8]); err != nil {
		return err
	}
	var sa stackArgs
	if err := struc.UnpackWithOrder(bytes.NewReader(buf), &sa, binary.LittleEndian); err != nil {
		return kernerr.EFAULT
	}
	words := []uint64{sa.A0, sa.A1, sa.A2}
	for i := range dst {
		dst[i] = arch.SyscallArgument{Value: uintptr(words[i])}
	}
	return nil
}

// encodeSyscallResult writes the result of a system call into f.
func (k *Kernel) encodeSyscallResult(f *arch.TrapFrame, a *ABI, rv arch.SyscallReturn, err error) {
	switch {
	case err == nil:
		f.RAX = rv[0]
		f.RDX = rv[1]
		f.RFLAGS &^= abi.PSL_C
		syscallCount.Increment("ok")

	case errors.Is(err, kernerr.ErrRestart):
		// Back up over the syscall instruction. R10 carried the fourth
		// argument and the entry path moved it to RCX; put it back for
		// the re-execution.
		f.RIP -= f.Err
		f.R10 = f.RCX
		syscallCount.Increment("restart")

	case errors.Is(err, kernerr.ErrJustReturn):
		syscallCount.Increment("justreturn")

	default:
		errno, ok := kernerr.ToErrno(err)
		if !ok {
			k.log.Warningf("syscall returned an error without an errno: %v", err)
			errno = unix.EIO
		}
		f.RAX = uint64(a.translateErrno(errno))
		f.RFLAGS |= abi.PSL_C
		syscallCount.Increment("error")
	}
}
