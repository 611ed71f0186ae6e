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

package kernel

import (
	"sync/atomic"
)

// CPU is a simulated processor. Only the interrupt enable state is modelled.
type CPU struct {
	ID int

	intrEnabled atomic.Bool
}

// EnableInterrupts sets the interrupt enable flag.
func (c *CPU) EnableInterrupts() {
	c.intrEnabled.Store(true)
}

// DisableInterrupts clears the interrupt enable flag.
func (c *CPU) DisableInterrupts() {
	c.intrEnabled.Store(false)
}

// InterruptsEnabled returns the interrupt enable flag.
func (c *CPU) InterruptsEnabled() bool {
	return c.intrEnabled.Load()
}
