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
	"github.com/trapsim/trapsim/pkg/errors/kernerr"
	"github.com/trapsim/trapsim/pkg/sentry/arch"
	"github.com/trapsim/trapsim/pkg/sentry/kernel"
)

// MaxRWCount is the largest transfer read and write accept.
const MaxRWCount = 1 << 20

// Read implements read(2) on descriptor 0. A process without standard input
// reads end of file. Input is consumed only once it reaches the buffer.
func Read(t *kernel.Thread, args arch.SyscallArguments, rv *arch.SyscallReturn) error {
	fd := args[0].Int()
	addr := args[1].Pointer()
	size := args[2].SizeT()

	if fd != 0 {
		return kernerr.EBADF
	}
	if size > MaxRWCount {
		return kernerr.EINVAL
	}
	n, err := t.Process().ReadStdin(int(size), func(data []byte) error {
		return t.CopyOut(addr, data)
	})
	if err != nil {
		if _, ok := kernerr.ToErrno(err); ok {
			return err
		}
		return kernerr.EIO
	}
	rv[0] = uint64(n)
	return nil
}

// Write implements write(2) on descriptors 1 and 2. Output of a process
// without standard output is discarded.
func Write(t *kernel.Thread, args arch.SyscallArguments, rv *arch.SyscallReturn) error {
	fd := args[0].Int()
	addr := args[1].Pointer()
	size := args[2].SizeT()

	if fd != 1 && fd != 2 {
		return kernerr.EBADF
	}
	if size > MaxRWCount {
		return kernerr.EINVAL
	}
	buf := make([]byte, size)
	if err := t.CopyIn(addr, buf); err != nil {
		return err
	}
	n := len(buf)
	if _, out := t.Process().Stdio(); out != nil {
		var err error
		if n, err = out.Write(buf); err != nil && n == 0 {
			return kernerr.EIO
		}
	}
	rv[0] = uint64(n)
	return nil
}
