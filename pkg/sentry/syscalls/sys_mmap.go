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
	"context"

	"github.com/trapsim/trapsim/pkg/errors/kernerr"
	"github.com/trapsim/trapsim/pkg/hostarch"
	"github.com/trapsim/trapsim/pkg/sentry/arch"
	"github.com/trapsim/trapsim/pkg/sentry/kernel"
	"github.com/trapsim/trapsim/pkg/sentry/mm"
)

// Mapper is implemented by address spaces that support the memory
// management system calls. *mm.MemoryManager is one.
type Mapper interface {
	MMap(ctx context.Context, opts mm.MMapOpts) (hostarch.Addr, error)
	MUnmap(ctx context.Context, addr hostarch.Addr, length uint64) error
	MProtect(ctx context.Context, addr hostarch.Addr, length uint64, perms hostarch.AccessType) error
}

// Protection bits, shared by every supported ABI.
const (
	ProtRead  = 0x1
	ProtWrite = 0x2
	ProtExec  = 0x4
)

func mapperOf(t *kernel.Thread) (Mapper, error) {
	m, ok := t.Process().AddressSpace().(Mapper)
	if !ok {
		return nil, kernerr.ENOMEM
	}
	return m, nil
}

// ProtToAccess converts protection bits to an access type.
func ProtToAccess(prot uint64) (hostarch.AccessType, error) {
	if prot&^(ProtRead|ProtWrite|ProtExec) != 0 {
		return hostarch.NoAccess, kernerr.EINVAL
	}
	return hostarch.AccessType{
		Read:    prot&ProtRead != 0,
		Write:   prot&ProtWrite != 0,
		Execute: prot&ProtExec != 0,
	}, nil
}

// Map creates an anonymous mapping in t's address space. The ABI specific
// handlers decode their flags into opts.
func Map(t *kernel.Thread, opts mm.MMapOpts) (hostarch.Addr, error) {
	m, err := mapperOf(t)
	if err != nil {
		return 0, err
	}
	return m.MMap(t.Context(), opts)
}

// Munmap implements munmap(2).
func Munmap(t *kernel.Thread, args arch.SyscallArguments, rv *arch.SyscallReturn) error {
	m, err := mapperOf(t)
	if err != nil {
		return err
	}
	return m.MUnmap(t.Context(), args[0].Pointer(), args[1].Uint64())
}

// Mprotect implements mprotect(2).
func Mprotect(t *kernel.Thread, args arch.SyscallArguments, rv *arch.SyscallReturn) error {
	perms, err := ProtToAccess(args[2].Uint64())
	if err != nil {
		return err
	}
	m, err := mapperOf(t)
	if err != nil {
		return err
	}
	return m.MProtect(t.Context(), args[0].Pointer(), args[1].Uint64(), perms)
}
