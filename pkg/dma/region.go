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
)

// MapRegion maps the physically contiguous region [phys, phys+size) and
// returns its device-visible address. The region need not be
// granule-aligned: the translation covers the whole granules around it, and
// the returned address preserves phys's sub-granule offset.
//
// On failure the returned address is devaddr.Invalid.
func (d *Domain) MapRegion(phys devaddr.Phys, size uint64, prot Prot) (devaddr.Addr, error) {
	full, err := d.full()
	if err != nil {
		return devaddr.Invalid, err
	}
	granule := full.space.Granule()
	off := phys.Offset(granule)
	end, ok := devaddr.Addr(off).AddLength(size)
	if !ok {
		return devaddr.Invalid, ErrNoSpace
	}

	iv, err := d.allocIOVA(uint64(end), d.cfg.Mask)
	if err != nil {
		return devaddr.Invalid, err
	}
	length := iv.Length()
	if n := d.pt.Map(iv.Start, []PhysSpan{{Phys: phys - devaddr.Phys(off), Length: length}}, prot); n < length {
		full.space.Free(iv)
		return devaddr.Invalid, ErrMapFailed
	}
	return iv.Start + devaddr.Addr(off), nil
}

// UnmapRegion tears down a mapping established by MapRegion. addr is the
// address MapRegion returned; any sub-granule offset in it is ignored for
// the reverse lookup.
func (d *Domain) UnmapRegion(addr devaddr.Addr) error {
	return d.unmap(addr)
}
