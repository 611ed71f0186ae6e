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

package arch

import (
	"fmt"

	"github.com/trapsim/trapsim/pkg/abi/trap"
)

// SegmentDescriptor is the decoded form of a GDT entry.
type SegmentDescriptor struct {
	Base        uint64
	Limit       uint64
	Type        uint8
	DPL         uint8
	Present     bool
	Long        bool
	Default32   bool
	Granularity bool
}

// String formats the descriptor the way the fatal trap report prints it.
func (d SegmentDescriptor) String() string {
	return fmt.Sprintf("base 0x%x, limit 0x%x, type 0x%x, DPL %d, pres %d, long %d, def32 %d, gran %d",
		d.Base, d.Limit, d.Type, d.DPL, b2i(d.Present), b2i(d.Long), b2i(d.Default32), b2i(d.Granularity))
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Descriptor types.
const (
	SDT_MEMRWA = 19 // memory read write accessed
	SDT_MEMERA = 27 // memory execute read accessed
)

// GDT is a global descriptor table.
type GDT [trap.NGDT]SegmentDescriptor

// DefaultGDT is the flat 64-bit layout: kernel and user code and data.
var DefaultGDT = GDT{
	trap.GNULL_SEL:  {},
	trap.GCODE_SEL:  {Limit: 0xfffff, Type: SDT_MEMERA, DPL: trap.SEL_KPL, Present: true, Long: true, Granularity: true},
	trap.GDATA_SEL:  {Limit: 0xfffff, Type: SDT_MEMRWA, DPL: trap.SEL_KPL, Present: true, Long: true, Granularity: true},
	trap.GUCODE_SEL: {Limit: 0xfffff, Type: SDT_MEMERA, DPL: trap.SEL_UPL, Present: true, Long: true, Granularity: true},
	trap.GUDATA_SEL: {Limit: 0xfffff, Type: SDT_MEMRWA, DPL: trap.SEL_UPL, Present: true, Long: true, Granularity: true},
}

// Lookup returns the descriptor selected by sel. Selectors past the end of
// the table yield the null descriptor.
func (g *GDT) Lookup(sel uint64) SegmentDescriptor {
	idx := trap.IDXSEL(sel)
	if idx >= uint64(len(g)) {
		return SegmentDescriptor{}
	}
	return g[idx]
}
