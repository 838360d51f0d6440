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
	"dvas.dev/dvas/pkg/bits"
	"dvas.dev/dvas/pkg/devaddr"
)

// Segment is one entry of a scatter-gather list: a physically contiguous
// piece of a logically contiguous buffer. Callers fill in Phys and Length;
// MapSG fills in Addr and MappedLen.
type Segment struct {
	// Phys is the physical base of the segment. It may be arbitrarily
	// unaligned.
	Phys devaddr.Phys

	// Length is the byte length of the segment.
	Length uint64

	// Addr is the device-visible address of the segment, set on a
	// successful MapSG and devaddr.Invalid otherwise.
	Addr devaddr.Addr

	// MappedLen is the granule-rounded (and possibly padded) length the
	// segment occupies in the device-visible interval, set alongside
	// Addr. Successive segments are laid out MappedLen apart.
	MappedLen uint64
}

// MapSG maps an arbitrary scatter-gather list into one contiguous
// device-visible interval and annotates each segment with its device-visible
// address in place.
//
// A caller's list can describe any old buffer layout, but the page-table
// programmer requires everything aligned to granules. Each segment is
// therefore widened to whole granules for installation, and padding is
// inserted so that every segment begins at an address naturally aligned to
// its own rounded size; a segment can then never cross a boundary implied by
// its own alignment, at the cost of over-allocating a little. The original
// Phys and Length fields are never modified.
//
// On failure, segs is restored exactly as passed in, except that every
// Addr is devaddr.Invalid and every MappedLen is zero.
func (d *Domain) MapSG(segs []Segment, prot Prot) error {
	full, err := d.full()
	if err != nil {
		invalidateSG(segs)
		return err
	}
	if len(segs) == 0 {
		return nil
	}
	granule := full.space.Granule()

	// Work out how much device address space is needed, building the
	// granule-aligned install list. mapped[i] is segment i's rounded
	// length plus any padding inserted after it.
	spans := make([]PhysSpan, len(segs))
	mapped := make([]uint64, len(segs))
	var total uint64
	for i := range segs {
		s := &segs[i]
		off := s.Phys.Offset(granule)
		end, ok := devaddr.Addr(off).AddLength(s.Length)
		if !ok {
			invalidateSG(segs)
			return ErrNoSpace
		}
		length, ok := end.RoundUp(granule)
		if !ok {
			invalidateSG(segs)
			return ErrNoSpace
		}
		spans[i] = PhysSpan{Phys: s.Phys - devaddr.Phys(off), Length: uint64(length)}
		mapped[i] = uint64(length)

		if i > 0 {
			// Pad the previous segment so this one starts at a
			// device address naturally aligned to its own rounded
			// size. The pad is taken relative to the running
			// total, not to the previous segment.
			padLen := bits.RoundUpPow2(uint64(length))
			pad := (padLen - total) & (padLen - 1)
			spans[i-1].Length += pad
			mapped[i-1] += pad
			prev := total
			total += pad
			if total < prev {
				invalidateSG(segs)
				return ErrNoSpace
			}
		}
		prev := total
		total += uint64(length)
		if total < prev {
			invalidateSG(segs)
			return ErrNoSpace
		}
	}

	iv, err := d.allocIOVA(total, d.cfg.Mask)
	if err != nil {
		invalidateSG(segs)
		return err
	}

	// Any physical concatenation is left to the programmer's
	// implementation; it knows better than we do.
	if n := d.pt.Map(iv.Start, spans, prot); n < total {
		full.space.Free(iv)
		invalidateSG(segs)
		return ErrMapFailed
	}

	cur := iv.Start
	for i := range segs {
		s := &segs[i]
		s.Addr = cur + devaddr.Addr(s.Phys.Offset(granule))
		s.MappedLen = mapped[i]
		cur += devaddr.Addr(mapped[i])
	}
	return nil
}

// UnmapSG tears down a scatter-gather mapping. The segments were mapped
// into a single contiguous interval, so the first segment's device-visible
// address identifies all of it; segment boundaries are invisible to the
// allocator.
func (d *Domain) UnmapSG(addr devaddr.Addr) error {
	return d.unmap(addr)
}

// invalidateSG marks every segment's device-visible fields as unmapped.
func invalidateSG(segs []Segment) {
	for i := range segs {
		segs[i].Addr = devaddr.Invalid
		segs[i].MappedLen = 0
	}
}
