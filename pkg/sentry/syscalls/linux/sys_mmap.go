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
	"github.com/trapsim/trapsim/pkg/errors/kernerr"
	"github.com/trapsim/trapsim/pkg/sentry/arch"
	"github.com/trapsim/trapsim/pkg/sentry/kernel"
	"github.com/trapsim/trapsim/pkg/sentry/mm"
	"github.com/trapsim/trapsim/pkg/sentry/syscalls"
)

// mmap flags.
const (
	MAP_SHARED    = 0x01
	MAP_PRIVATE   = 0x02
	MAP_FIXED     = 0x10
	MAP_ANONYMOUS = 0x20
)

// Mmap implements Linux mmap(2) for anonymous mappings.
func Mmap(t *kernel.Thread, args arch.SyscallArguments, rv *arch.SyscallReturn) error {
	flags := args[3].Int()
	perms, err := syscalls.ProtToAccess(args[2].Uint64())
	if err != nil {
		return err
	}
	if flags&MAP_ANONYMOUS == 0 {
		return kernerr.EBADF
	}
	shared, private := flags&MAP_SHARED != 0, flags&MAP_PRIVATE != 0
	if shared == private {
		return kernerr.EINVAL
	}
	start, err := syscalls.Map(t, mm.MMapOpts{
		Addr:    args[0].Pointer(),
		Length:  args[1].Uint64(),
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
