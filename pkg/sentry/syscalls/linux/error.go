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
	"golang.org/x/sys/unix"
)

// linuxErrnos maps host errnos to Linux errno values.
var linuxErrnos = map[unix.Errno]int{
	unix.EPERM:  1,
	unix.EINTR:  4,
	unix.EIO:    5,
	unix.EBADF:  9,
	unix.EAGAIN: 11,
	unix.ENOMEM: 12,
	unix.EFAULT: 14,
	unix.EBUSY:  16,
	unix.EINVAL: 22,
	unix.ENOSYS: 38,
}

// linuxEINVAL is reported for host errnos without a Linux equivalent.
const linuxEINVAL = 22

// errTable is the ABI error table. Linux returns errors as negated errno
// values.
var errTable = func() []int {
	var hi unix.Errno
	for e := range linuxErrnos {
		if e > hi {
			hi = e
		}
	}
	t := make([]int, hi+1)
	for i := range t {
		t[i] = -linuxEINVAL
	}
	for e, v := range linuxErrnos {
		t[e] = -v
	}
	return t
}()

// TranslateErrno returns the value Linux reports for a host errno.
func TranslateErrno(errno unix.Errno) int {
	if int(errno) >= len(errTable) {
		return -1
	}
	return errTable[errno]
}
