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
	"errors"

	abi "github.com/trapsim/trapsim/pkg/abi/trap"
	"github.com/trapsim/trapsim/pkg/errors/kernerr"
	"github.com/trapsim/trapsim/pkg/hostarch"
	"github.com/trapsim/trapsim/pkg/sentry/arch"
	"github.com/trapsim/trapsim/pkg/sentry/mm"
)

// Kernel text addresses of the user memory access routines. A fault inside
// them is reported with the routine's address as RIP; copyFault is the
// recovery point they install.
const (
	copyinRIP  uint64 = 0xffffffff80a12340
	copyoutRIP uint64 = 0xffffffff80a12400
	copyFault  uint64 = 0xffffffff80a124c0

	// kernelStack is the RSP reported in synthesized kernel frames.
	kernelStack uint64 = 0xfffffe0000a00000
)

// ErrHalted is returned by operations interrupted by a fatal trap.
var ErrHalted = errors.New("system halted")

// CopyIn copies len(dst) bytes from user address addr. A fault that cannot
// be resolved yields EFAULT.
func (t *Thread) CopyIn(addr hostarch.Addr, dst []byte) error {
	return t.safeCopy(copyinRIP, addr, len(dst), func(as AddressSpace, done int) (int, error) {
		return as.CopyIn(addr+hostarch.Addr(done), dst[done:])
	})
}

// CopyOut copies src to user address addr. A fault that cannot be resolved
// yields EFAULT.
func (t *Thread) CopyOut(addr hostarch.Addr, src []byte) error {
	return t.safeCopy(copyoutRIP, addr, len(src), func(as AddressSpace, done int) (int, error) {
		return as.CopyOut(addr+hostarch.Addr(done), src[done:])
	})
}

// safeCopy runs a user memory access under the copyFault recovery point.
// Faults are raised as kernel-mode page faults, which either resolve the
// page (and the access is retried), redirect to the recovery point, or halt.
func (t *Thread) safeCopy(rip uint64, addr hostarch.Addr, length int, access func(as AddressSpace, done int) (int, error)) error {
	if length == 0 {
		return nil
	}
	end, ok := addr.AddLength(uint64(length))
	if !ok || uint64(end) > t.k.cfg.KernelBase {
		return kernerr.EFAULT
	}
	if t.p == nil {
		return kernerr.EFAULT
	}
	as, unpin := t.p.pinAddressSpace()
	defer unpin()
	if as == nil {
		return kernerr.EFAULT
	}
	return t.withRecovery(copyFault, func() error {
		done := 0
		var lastFault hostarch.Addr
		faulted := false
		for done < length {
			n, err := access(as, done)
			done += n
			if err == nil {
				continue
			}
			var af *mm.AccessFault
			if !errors.As(err, &af) {
				return err
			}
			if faulted && af.Addr == lastFault && n == 0 {
				// The resolved page still refuses the access.
				return kernerr.EFAULT
			}
			faulted, lastFault = true, af.Addr

			f := arch.NewKernelFrame(rip, kernelStack)
			f.TrapNo = abi.T_PAGEFLT
			f.Addr = uint64(af.Addr)
			f.Err = af.ErrorCode()
			t.k.Trap(t, f)
			switch {
			case t.k.Halted():
				return ErrHalted
			case f.RIP == copyFault:
				return kernerr.EFAULT
			case f.RIP != rip:
				// A debugger moved execution elsewhere.
				return kernerr.EFAULT
			}
		}
		return nil
	})
}
