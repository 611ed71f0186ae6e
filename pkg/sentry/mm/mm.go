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

// Package mm implements the address spaces that the trap core resolves page
// faults against.
//
// An address space is a set of vmas (virtual memory areas, the mappings
// established by MMap) and a set of pmas (the pages actually backing part of
// a vma). Pages are created on demand by FaultIn. Private mappings are
// shared copy-on-write between a MemoryManager and its Fork.
//
// Lock order:
//
//	MemoryManager.mu
//	  page.mu
package mm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	abi "github.com/trapsim/trapsim/pkg/abi/trap"
	"github.com/trapsim/trapsim/pkg/hostarch"
)

// vma is a virtual memory area.
type vma struct {
	start hostarch.Addr
	end   hostarch.Addr
	perms hostarch.AccessType

	// private mappings are copy-on-write across Fork.
	private bool

	name string
}

func (v *vma) contains(addr hostarch.Addr) bool {
	return v.start <= addr && addr < v.end
}

func (v *vma) addrRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: v.start, End: v.end}
}

func vmaLess(a, b *vma) bool {
	return a.start < b.start
}

// page is one page of memory. It may be referenced by the pmas of several
// MemoryManagers after Fork.
type page struct {
	mu   sync.Mutex
	data [hostarch.PageSize]byte

	// refs is the number of pmas referring to the page.
	refs atomic.Int32
}

// pma is the backing of one page of a vma.
type pma struct {
	page *page

	// writable is false for copy-on-write pages and pages of read-only
	// vmas.
	writable bool

	// dirty is set by write faults and writes through CopyOut.
	dirty bool
}

// MemoryManager implements an address space.
type MemoryManager struct {
	// name is used in logs.
	name string

	// layout bounds the addresses MMap may return.
	minAddr hostarch.Addr
	maxAddr hostarch.Addr

	mu sync.Mutex

	// vmas are the mappings, keyed by start address. vmas never overlap.
	//
	// vmas is protected by mu.
	vmas *btree.BTreeG[*vma]

	// pmas maps page addresses to their backing.
	//
	// pmas is protected by mu.
	pmas map[hostarch.Addr]*pma

	// faults counts FaultIn calls that succeeded. cowBreaks counts the
	// private page copies made by write faults.
	faults    atomic.Uint64
	cowBreaks atomic.Uint64
}

// NewMemoryManager returns an empty address space covering [min, max).
func NewMemoryManager(name string, min, max hostarch.Addr) *MemoryManager {
	return &MemoryManager{
		name:    name,
		minAddr: min,
		maxAddr: max,
		vmas:    btree.NewG(8, vmaLess),
		pmas:    make(map[hostarch.Addr]*pma),
	}
}

// String implements fmt.Stringer.
func (mm *MemoryManager) String() string {
	return mm.name
}

// findVMALocked returns the vma containing addr.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) findVMALocked(addr hostarch.Addr) (*vma, bool) {
	var found *vma
	mm.vmas.DescendLessOrEqual(&vma{start: addr}, func(v *vma) bool {
		found = v
		return false
	})
	if found == nil || !found.contains(addr) {
		return nil, false
	}
	return found, true
}

// FaultKind distinguishes the two ways an access can fail.
type FaultKind int

const (
	// NoMapping means no vma covers the address.
	NoMapping FaultKind = iota

	// Protection means a vma covers the address but does not permit the
	// access.
	Protection
)

// String implements fmt.Stringer.
func (k FaultKind) String() string {
	if k == Protection {
		return "protection violation"
	}
	return "no mapping"
}

// FaultError is returned by FaultIn when a fault cannot be resolved.
type FaultError struct {
	Addr   hostarch.Addr
	Access hostarch.AccessType
	Kind   FaultKind
}

// Error implements error.Error.
func (e *FaultError) Error() string {
	return fmt.Sprintf("%s access at %v: %v", e.Access, e.Addr, e.Kind)
}

// IsProtectionFault returns true if err is a FaultError for an access that a
// mapping exists for but does not permit.
func IsProtectionFault(err error) bool {
	fe, ok := err.(*FaultError)
	return ok && fe.Kind == Protection
}

// AccessFault is returned by CopyIn and CopyOut when the access hits a page
// that has no usable backing. It carries what the hardware would report in
// a page fault error code.
type AccessFault struct {
	Addr hostarch.Addr

	// Write is true for stores.
	Write bool

	// Present is true if the page was mapped but not writable.
	Present bool
}

// Error implements error.Error.
func (e *AccessFault) Error() string {
	return fmt.Sprintf("access fault at %v (write=%t present=%t)", e.Addr, e.Write, e.Present)
}

// ErrorCode returns the page fault error code bits for the access, as
// taken in supervisor mode.
func (e *AccessFault) ErrorCode() uint64 {
	var code uint64
	if e.Present {
		code |= abi.PGEX_P
	}
	if e.Write {
		code |= abi.PGEX_W
	}
	return code
}

// Stats is a summary of an address space.
type Stats struct {
	VMAs      int
	Mapped    uint64
	Resident  int
	Dirty     int
	Faults    uint64
	CowBreaks uint64
}

// Stat returns a summary of mm.
func (mm *MemoryManager) Stat() Stats {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	s := Stats{
		VMAs:      mm.vmas.Len(),
		Resident:  len(mm.pmas),
		Faults:    mm.faults.Load(),
		CowBreaks: mm.cowBreaks.Load(),
	}
	mm.vmas.Ascend(func(v *vma) bool {
		s.Mapped += uint64(v.end - v.start)
		return true
	})
	for _, p := range mm.pmas {
		if p.dirty {
			s.Dirty++
		}
	}
	return s
}
