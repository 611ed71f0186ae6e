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

package mm

import (
	"github.com/trapsim/trapsim/pkg/hostarch"
)

// CopyIn copies len(dst) bytes from addr. It only touches pages that are
// already backed; the first page that is not returns an *AccessFault and
// the number of bytes copied before it. The caller resolves the fault and
// retries, as the hardware would.
func (mm *MemoryManager) CopyIn(addr hostarch.Addr, dst []byte) (int, error) {
	return mm.access(addr, dst, false)
}

// CopyOut copies src to addr with the same fault behavior as CopyIn. Pages
// written are marked dirty.
func (mm *MemoryManager) CopyOut(addr hostarch.Addr, src []byte) (int, error) {
	return mm.access(addr, src, true)
}

func (mm *MemoryManager) access(addr hostarch.Addr, buf []byte, write bool) (int, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	done := 0
	for done < len(buf) {
		cur, ok := addr.AddLength(uint64(done))
		if !ok {
			return done, &AccessFault{Addr: addr, Write: write}
		}
		pageAddr := cur.RoundDown()
		p, ok := mm.pmas[pageAddr]
		if !ok {
			return done, &AccessFault{Addr: cur, Write: write}
		}
		if write && !p.writable {
			return done, &AccessFault{Addr: cur, Write: write, Present: true}
		}
		if v, ok := mm.findVMALocked(pageAddr); !write && ok && !v.perms.Read {
			return done, &AccessFault{Addr: cur, Present: true}
		}
		off := int(cur.PageOffset())
		p.page.mu.Lock()
		var n int
		if write {
			n = copy(p.page.data[off:], buf[done:])
			p.dirty = true
		} else {
			n = copy(buf[done:], p.page.data[off:])
		}
		p.page.mu.Unlock()
		done += n
	}
	return done, nil
}
