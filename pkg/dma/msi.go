// Copyright 2025 The dvas Authors.
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

package dma

import (
	"dvas.dev/dvas/pkg/devaddr"
	"dvas.dev/dvas/pkg/log"
)

// MSIMessage is an outgoing interrupt message: the (physical) doorbell
// address a device will write to, split across two registers, plus the
// payload identifying the interrupt.
type MSIMessage struct {
	AddressHi uint32
	AddressLo uint32
	Data      uint32
}

// doorbell is one cached interrupt-doorbell remapping. Entries are immutable
// once created and shared by every interrupt source whose doorbell falls in
// the same granule.
type doorbell struct {
	phys devaddr.Phys
	addr devaddr.Addr
}

// getDoorbell returns the device-visible address of the granule containing
// phys, installing a new write-only device-memory mapping on a cache miss.
//
// Preconditions: c.dbMu is locked.
func (d *Domain) getDoorbell(phys devaddr.Phys) (devaddr.Addr, error) {
	c := d.cookie
	granule := c.strategy.granule()
	phys = phys.RoundDown(granule)

	// The cache stays small (one entry per distinct doorbell granule the
	// domain's devices use), so a linear scan is fine.
	for _, db := range c.doorbells {
		if db.phys == phys {
			return db.addr, nil
		}
	}

	r, err := c.strategy.allocDoorbell(d.cfg.Mask)
	if err != nil {
		return devaddr.Invalid, err
	}
	if n := d.pt.Map(r.Start, []PhysSpan{{Phys: phys, Length: granule}}, ProtWrite|ProtNoExec|ProtMMIO); n < granule {
		c.strategy.rollbackDoorbell(r)
		return devaddr.Invalid, ErrMapFailed
	}
	c.doorbells = append(c.doorbells, doorbell{phys: phys, addr: r.Start})
	return r.Start, nil
}

// RewriteMSI rewrites an outgoing interrupt message so that its doorbell
// address is valid inside the domain's translated address space. The
// low-order bits selecting a target within the doorbell granule are
// preserved.
//
// A domain without a cookie leaves the message untouched. A domain with a
// full cookie must have been initialized via Init first. If remapping
// fails, the message is deliberately poisoned with an unmistakable sentinel:
// a message still carrying the physical address would let the device raise
// interrupts the translation can no longer route.
func (d *Domain) RewriteMSI(msg *MSIMessage) {
	c := d.cookie
	if c == nil {
		return
	}
	phys := devaddr.Phys(msg.AddressHi)<<32 | devaddr.Phys(msg.AddressLo)

	c.dbMu.Lock()
	addr, err := d.getDoorbell(phys)
	c.dbMu.Unlock()

	if err != nil {
		log.Warningf("dma: failed to remap MSI doorbell %#x: %v", uint64(phys), err)
		msg.AddressHi = ^uint32(0)
		msg.AddressLo = ^uint32(0)
		msg.Data = ^uint32(0)
		return
	}
	granule := c.strategy.granule()
	msg.AddressHi = uint32(uint64(addr) >> 32)
	msg.AddressLo = msg.AddressLo&uint32(granule-1) + uint32(uint64(addr))
}
