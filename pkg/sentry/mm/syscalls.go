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
	"context"

	"github.com/trapsim/trapsim/pkg/errors/kernerr"
	"github.com/trapsim/trapsim/pkg/hostarch"
)

// FaultFlags modify FaultIn.
type FaultFlags int

const (
	// FaultNormal resolves the fault without further bookkeeping.
	FaultNormal FaultFlags = 0

	// FaultDirty marks the page dirty after a write fault.
	FaultDirty FaultFlags = 1
)

// MMapOpts are the options of MMap.
type MMapOpts struct {
	// Addr is a hint, or the exact address if Fixed is set.
	Addr hostarch.Addr

	Length uint64
	Perms  hostarch.AccessType

	// Private mappings are copy-on-write across Fork.
	Private bool

	// Fixed replaces whatever is mapped at Addr.
	Fixed bool

	Name string
}

// MMap establishes a memory mapping.
func (mm *MemoryManager) MMap(ctx context.Context, opts MMapOpts) (hostarch.Addr, error) {
	if opts.Length == 0 {
		return 0, kernerr.EINVAL
	}
	length, ok := hostarch.Addr(opts.Length).RoundUp()
	if !ok {
		return 0, kernerr.ENOMEM
	}
	if !opts.Addr.IsPageAligned() {
		if opts.Fixed {
			return 0, kernerr.EINVAL
		}
		opts.Addr = opts.Addr.RoundDown()
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()

	var ar hostarch.AddrRange
	if opts.Fixed {
		ar, ok = opts.Addr.ToRange(uint64(length))
		if !ok || ar.Start < mm.minAddr || ar.End > mm.maxAddr {
			return 0, kernerr.ENOMEM
		}
		mm.unmapLocked(ar)
	} else {
		ar, ok = mm.findGapLocked(opts.Addr, uint64(length))
		if !ok {
			return 0, kernerr.ENOMEM
		}
	}
	mm.vmas.ReplaceOrInsert(&vma{
		start:   ar.Start,
		end:     ar.End,
		perms:   opts.Perms,
		private: opts.Private,
		name:    opts.Name,
	})
	return ar.Start, nil
}

// findGapLocked returns the first unmapped range of the given length at or
// above hint, or at or above minAddr if that fails.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) findGapLocked(hint hostarch.Addr, length uint64) (hostarch.AddrRange, bool) {
	if hint >= mm.minAddr {
		if ar, ok := mm.findGapFromLocked(hint, length); ok {
			return ar, true
		}
	}
	return mm.findGapFromLocked(mm.minAddr, length)
}

func (mm *MemoryManager) findGapFromLocked(start hostarch.Addr, length uint64) (hostarch.AddrRange, bool) {
	// Skip past a vma that contains start.
	if v, ok := mm.findVMALocked(start); ok {
		start = v.end
	}
	var (
		ar    hostarch.AddrRange
		found bool
	)
	try := func(end hostarch.Addr) bool {
		if cand, ok := start.ToRange(length); ok && cand.End <= end && cand.End <= mm.maxAddr {
			ar, found = cand, true
			return true
		}
		return false
	}
	mm.vmas.AscendGreaterOrEqual(&vma{start: start}, func(v *vma) bool {
		if try(v.start) {
			return false
		}
		start = v.end
		return true
	})
	if !found {
		try(mm.maxAddr)
	}
	return ar, found
}

// isolateLocked splits vmas so that no vma straddles ar.Start or ar.End.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) isolateLocked(ar hostarch.AddrRange) {
	for _, at := range []hostarch.Addr{ar.Start, ar.End} {
		v, ok := mm.findVMALocked(at)
		if !ok || v.start == at {
			continue
		}
		tail := *v
		tail.start = at
		v.end = at
		mm.vmas.ReplaceOrInsert(&tail)
	}
}

// vmasInLocked returns the vmas inside ar, which must be isolated.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) vmasInLocked(ar hostarch.AddrRange) []*vma {
	var vs []*vma
	mm.vmas.AscendGreaterOrEqual(&vma{start: ar.Start}, func(v *vma) bool {
		if v.start >= ar.End {
			return false
		}
		vs = append(vs, v)
		return true
	})
	return vs
}

// dropPMAsLocked releases the pmas in ar.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) dropPMAsLocked(ar hostarch.AddrRange) {
	for addr := ar.Start; addr < ar.End; addr += hostarch.PageSize {
		if p, ok := mm.pmas[addr]; ok {
			p.page.refs.Add(-1)
			delete(mm.pmas, addr)
		}
	}
}

func (mm *MemoryManager) unmapLocked(ar hostarch.AddrRange) {
	mm.isolateLocked(ar)
	for _, v := range mm.vmasInLocked(ar) {
		mm.dropPMAsLocked(v.addrRange())
		mm.vmas.Delete(v)
	}
}

// MUnmap removes the mappings in [addr, addr+length).
func (mm *MemoryManager) MUnmap(ctx context.Context, addr hostarch.Addr, length uint64) error {
	if length == 0 || !addr.IsPageAligned() {
		return kernerr.EINVAL
	}
	la, ok := hostarch.Addr(length).RoundUp()
	if !ok {
		return kernerr.EINVAL
	}
	ar, ok := addr.ToRange(uint64(la))
	if !ok {
		return kernerr.EINVAL
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.unmapLocked(ar)
	return nil
}

// MProtect changes the permissions of the mappings in [addr, addr+length).
// Every page of the range must be mapped.
func (mm *MemoryManager) MProtect(ctx context.Context, addr hostarch.Addr, length uint64, perms hostarch.AccessType) error {
	if !addr.IsPageAligned() {
		return kernerr.EINVAL
	}
	la, ok := hostarch.Addr(length).RoundUp()
	if !ok {
		return kernerr.ENOMEM
	}
	ar, ok := addr.ToRange(uint64(la))
	if !ok {
		return kernerr.ENOMEM
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()

	// Check coverage before splitting anything.
	for a := ar.Start; a < ar.End; {
		v, ok := mm.findVMALocked(a)
		if !ok {
			return kernerr.ENOMEM
		}
		a = v.end
	}
	mm.isolateLocked(ar)
	for _, v := range mm.vmasInLocked(ar) {
		v.perms = perms
		if perms.Write {
			continue
		}
		for a := v.start; a < v.end; a += hostarch.PageSize {
			if p, ok := mm.pmas[a]; ok {
				p.writable = false
			}
		}
	}
	return nil
}

// FaultIn resolves a fault at addr for an access of type at. On success the
// page containing addr is backed and permits at.
//
// FaultIn returns a *FaultError if no vma covers addr or the vma does not
// permit at.
func (mm *MemoryManager) FaultIn(ctx context.Context, addr hostarch.Addr, at hostarch.AccessType, flags FaultFlags) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pageAddr := addr.RoundDown()

	mm.mu.Lock()
	defer mm.mu.Unlock()

	v, ok := mm.findVMALocked(pageAddr)
	if !ok {
		return &FaultError{Addr: addr, Access: at, Kind: NoMapping}
	}
	if !v.perms.SupersetOf(at) {
		return &FaultError{Addr: addr, Access: at, Kind: Protection}
	}

	p, ok := mm.pmas[pageAddr]
	if !ok {
		p = &pma{page: &page{}, writable: v.perms.Write}
		p.page.refs.Store(1)
		mm.pmas[pageAddr] = p
	}
	if at.Write && !p.writable {
		if v.private {
			mm.breakCOWLocked(p)
		}
		p.writable = true
	}
	if at.Write && flags&FaultDirty != 0 {
		p.dirty = true
	}
	mm.faults.Add(1)
	return nil
}

// breakCOWLocked gives p a page of its own if the page is shared.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) breakCOWLocked(p *pma) {
	old := p.page
	if old.refs.Load() == 1 {
		return
	}
	fresh := &page{}
	old.mu.Lock()
	fresh.data = old.data
	old.mu.Unlock()
	fresh.refs.Store(1)
	old.refs.Add(-1)
	p.page = fresh
	mm.cowBreaks.Add(1)
}

// Fork returns a copy of mm. Private pages are shared copy-on-write; shared
// mappings keep sharing their pages.
func (mm *MemoryManager) Fork(ctx context.Context, name string) *MemoryManager {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	child := NewMemoryManager(name, mm.minAddr, mm.maxAddr)
	mm.vmas.Ascend(func(v *vma) bool {
		cv := *v
		child.vmas.ReplaceOrInsert(&cv)
		for a := v.start; a < v.end; a += hostarch.PageSize {
			p, ok := mm.pmas[a]
			if !ok {
				continue
			}
			if v.private {
				p.writable = false
			}
			p.page.refs.Add(1)
			child.pmas[a] = &pma{page: p.page, writable: p.writable, dirty: p.dirty}
		}
		return true
	})
	return child
}
