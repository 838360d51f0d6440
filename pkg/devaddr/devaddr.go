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

// Package devaddr defines the address types used at the boundary between
// physical memory and an IOMMU-translated device address space, along with
// granule arithmetic on them.
//
// A "granule" is the smallest unit of translation granularity the page-table
// programmer can install or tear down. All granule arguments in this package
// must be powers of two.
package devaddr

const (
	// PageShift is the binary log of the CPU page size.
	PageShift = 12

	// PageSize is the CPU page size. It is the unit in which physical
	// memory is acquired from a page-frame allocator, independent of the
	// translation granule, which may be smaller.
	PageSize = 1 << PageShift

	// MaxOrder is the largest allocation order a buffer allocation will
	// request from a page-frame allocator (1 << MaxOrder pages).
	MaxOrder = 11
)

// Addr is an address in a device-visible (IOMMU-translated) address space.
// Devices issue memory transactions against Addrs; the translation installed
// below them resolves to physical memory.
type Addr uint64

// Invalid is the error sentinel for device-visible addresses. Address-space
// allocation never hands out granule zero, so no legitimate mapping ever
// starts at, or contains, address zero.
const Invalid Addr = 0

// IsError returns true if v is the error sentinel rather than a mapped
// address.
func (v Addr) IsError() bool {
	return v == Invalid
}

// RoundDown returns v rounded down to the nearest granule boundary.
func (v Addr) RoundDown(granule uint64) Addr {
	return v &^ Addr(granule-1)
}

// RoundUp returns v rounded up to the nearest granule boundary. ok is true
// iff rounding up did not wrap around.
func (v Addr) RoundUp(granule uint64) (addr Addr, ok bool) {
	addr = Addr(uint64(v) + granule - 1).RoundDown(granule)
	ok = addr >= v
	return
}

// Offset returns the offset of v within its granule.
func (v Addr) Offset(granule uint64) uint64 {
	return uint64(v) & (granule - 1)
}

// AddLength returns v plus length. ok is true iff the sum did not wrap
// around.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}

// Phys is a physical memory address.
type Phys uint64

// RoundDown returns p rounded down to the nearest granule boundary.
func (p Phys) RoundDown(granule uint64) Phys {
	return p &^ Phys(granule-1)
}

// Offset returns the offset of p within its granule.
func (p Phys) Offset(granule uint64) uint64 {
	return uint64(p) & (granule - 1)
}
