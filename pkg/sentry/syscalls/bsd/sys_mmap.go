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

package bsd

import (
	"github.com/trapsim/trapsim/pkg/errors/kernerr"
	"github.com/trapsim/trapsim/pkg/sentry/arch"
	"github.com/trapsim/trapsim/pkg/sentry/kernel"
	"github.com/trapsim/trapsim/pkg/sentry/mm"
	"github.com/trapsim/trapsim/pkg/sentry/syscalls"
)

// mmap flags.
const (
	MAP_SHARED  = 0x0001
	MAP_PRIVATE = 0x0002
	MAP_FIXED   = 0x0010
	MAP_ANON    = 0x1000
)

// Mmap implements the seven argument mmap: addr, len, prot, flags, fd, pad,
// pos. The last two arguments arrive on the user stack.
func Mmap(t *kernel.Thread, args arch.SyscallArguments, rv *arch.SyscallReturn) error {
	addr := args[0].Pointer()
	length := args[1].Uint64()
	flags := args[3].Int()
	fd := args[4].Int()
	pos := args[6].Uint64()

	perms, err := syscalls.ProtToAccess(args[2].Uint64())
	if err != nil {
		return err
	}
	if flags&MAP_ANON == 0 || fd != -1 {
		return kernerr.EBADF
	}
	if pos != 0 {
		return kernerr.EINVAL
	}
	shared, private := flags&MAP_SHARED != 0, flags&MAP_PRIVATE != 0
	if shared == private {
		return kernerr.EINVAL
	}
	start, err := syscalls.Map(t, mm.MMapOpts{
		Addr:    addr,
		Length:  length,
		Perms:   perms,
		Private: private,
		Fixed:   flags&MAP_FIXED != 0,
	})
	if err != nil {
		return err
	}
	rv[0] = uint64(start)
	return nil
}
