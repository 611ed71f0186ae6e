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

package syscalls

import (
	"bytes"
	"encoding/binary"

	"github.com/lunixbochs/struc"

	abi "github.com/trapsim/trapsim/pkg/abi/trap"
	"github.com/trapsim/trapsim/pkg/errors/kernerr"
	"github.com/trapsim/trapsim/pkg/hostarch"
	"github.com/trapsim/trapsim/pkg/log"
	"github.com/trapsim/trapsim/pkg/sentry/arch"
	"github.com/trapsim/trapsim/pkg/sentry/kernel"
)

// SigContext is the part of a signal frame that sigreturn restores.
type SigContext struct {
	RIP    uint64
	RSP    uint64
	RFLAGS uint64
	RAX    uint64
}

// SigContextSize is the encoded size of SigContext.
const SigContextSize = 4 * 8

// RestoreContext loads the SigContext at addr into the frame of the system
// call t is executing. Changes to privileged RFLAGS bits are refused.
func RestoreContext(t *kernel.Thread, addr hostarch.Addr) error {
	f := t.Frame()
	if f == nil {
		panic("RestoreContext outside of a system call")
	}
	buf := make([]byte, SigContextSize)
	if err := t.CopyIn(addr, buf); err != nil {
		return err
	}
	var sc SigContext
	if err := struc.UnpackWithOrder(bytes.NewReader(buf), &sc, binary.LittleEndian); err != nil {
		return kernerr.EFAULT
	}
	if (sc.RFLAGS^f.RFLAGS)&^abi.PSL_USERCHANGE != 0 {
		log.Debugf("%v: sigreturn: rflags %#x -> %#x changes privileged bits", t, f.RFLAGS, sc.RFLAGS)
		return kernerr.EINVAL
	}
	f.RIP = sc.RIP
	f.RSP = sc.RSP
	f.RFLAGS = sc.RFLAGS
	f.RAX = sc.RAX
	return kernerr.ErrJustReturn
}

// Sigreturn implements sigreturn(2), which takes the context address as its
// argument.
func Sigreturn(t *kernel.Thread, args arch.SyscallArguments, rv *arch.SyscallReturn) error {
	return RestoreContext(t, args[0].Pointer())
}
