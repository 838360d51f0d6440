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

// Package iova implements the device-visible address-space allocator.
//
// A Space hands out granule-aligned, size-rounded intervals of a configured
// device address range. Because every interval is remembered until freed, a
// caller can later recover a full interval from nothing but an address inside
// it (Find), which is what makes unmap-by-address possible without tracking
// lengths out of band.
//
// Allocation is top-down from the highest permitted address, and interval
// starts are aligned to the interval's size rounded up to a power of two.
// Size-alignment guarantees that an interval never crosses a boundary implied
// by its own alignment, which some page-table programmers refuse to map
// across.
package iova

import (
	"errors"
	"fmt"

	"github.com/google/btree"

	"dvas.dev/dvas/pkg/bits"
	"dvas.dev/dvas/pkg/devaddr"
	"dvas.dev/dvas/pkg/sync"
)

var (
	// ErrNoSpace indicates that the address space is exhausted (or too
	// fragmented) for the requested length below the requested limit.
	ErrNoSpace = errors.New("out of device address space")

	// ErrNotFound indicates that a freed or looked-up interval was never
	// allocated. Seeing it on an unmap path means the caller is freeing a
	// handle it never mapped, or is freeing one twice.
	ErrNotFound = errors.New("no such interval")
)

// span is a granule-number interval [start, end) tracked by the tree, either
// a live allocation or a permanently reserved window.
type span struct {
	start    uint64
	end      uint64
	reserved bool
}

func spanLess(a, b span) bool {
	return a.start < b.start
}

// Space is a device-visible address-space allocator. The zero value is an
// uninitialized Space; Init must be called before any other method.
//
// All methods are safe to call concurrently.
type Space struct {
	mu sync.Mutex

	// granule is the allocation unit; shift is its binary log.
	granule uint64
	shift   uint64

	// start and last bound the allocatable granule numbers, inclusive.
	start uint64
	last  uint64

	// tree holds all live and reserved spans, ordered by start. Spans
	// never overlap.
	tree *btree.BTreeG[span]
}

// degree is the btree degree. Spans are small; a modest fanout keeps nodes
// within a cache line or two.
const degree = 8

// Init establishes or enlarges the allocatable range [base, limit) in units
// of granule, which must be a power of two.
//
// An initialized Space may only ever be enlarged: re-initializing with a
// different granule, a different base, or a smaller limit fails, so that
// every previously handed-out interval remains valid.
//
// Granule number zero is never allocatable, keeping devaddr.Invalid out of
// the legitimate address range.
func (s *Space) Init(granule uint64, base, limit devaddr.Addr) error {
	if !bits.IsPow2(granule) {
		panic(fmt.Sprintf("granule %#x is not a power of two", granule))
	}
	if base >= limit {
		return fmt.Errorf("invalid range [%#x, %#x)", uint64(base), uint64(limit))
	}
	shift := uint64(bits.Order(granule))
	start := uint64(base) >> shift
	if start == 0 {
		start = 1
	}
	last := (uint64(limit) - 1) >> shift
	if last < start {
		return fmt.Errorf("range [%#x, %#x) contains no allocatable granules", uint64(base), uint64(limit))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.granule != 0 {
		// All we can safely do with a live Space is enlarge it.
		if granule != s.granule || start != s.start || last < s.last {
			return fmt.Errorf("incompatible range for initialized space: granule %#x start %#x last %#x", granule, start, last)
		}
		s.last = last
		return nil
	}
	s.granule = granule
	s.shift = shift
	s.start = start
	s.last = last
	s.tree = btree.NewG(degree, spanLess)
	return nil
}

// Initialized returns true if Init has succeeded on s.
func (s *Space) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.granule != 0
}

// Granule returns the allocation granule, or 0 if s is uninitialized.
func (s *Space) Granule() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.granule
}

// Reserve excludes r from allocation permanently. The reserved interval is
// rounded outward to whole granules and clamped to the allocatable range.
//
// Preconditions:
//   - s is initialized.
//   - Reserved intervals are disjoint from each other and from any live
//     allocation; Reserve is intended for setup time, before the first
//     Alloc.
func (s *Space) Reserve(r devaddr.AddrRange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.granule == 0 {
		panic("Reserve on uninitialized Space")
	}
	if !r.WellFormed() || r.Length() == 0 {
		return
	}
	lo := uint64(r.Start) >> s.shift
	hi := (uint64(r.End-1) >> s.shift) + 1
	if lo < s.start {
		lo = s.start
	}
	if hi > s.last+1 {
		hi = s.last + 1
	}
	if lo >= hi {
		return
	}
	s.tree.ReplaceOrInsert(span{start: lo, end: hi, reserved: true})
}

// Alloc reserves an interval of length bytes, rounded up to whole granules,
// wholly at or below limit (the device's addressing mask, inclusive). It
// returns ErrNoSpace if no such interval exists.
func (s *Space) Alloc(length uint64, limit devaddr.Addr) (devaddr.AddrRange, error) {
	if length == 0 {
		panic("zero-length allocation")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.granule == 0 {
		panic("Alloc on uninitialized Space")
	}
	if length > ^uint64(0)-(s.granule-1) {
		// Rounding up to granules would wrap.
		return devaddr.AddrRange{}, ErrNoSpace
	}
	count := (length + s.granule - 1) >> s.shift
	align := bits.RoundUpPow2(count)

	limitPFN := uint64(limit) >> s.shift
	if limitPFN > s.last {
		limitPFN = s.last
	}
	if limitPFN+1 < count {
		return devaddr.AddrRange{}, ErrNoSpace
	}

	// Walk the gaps between spans from the top of the permitted range
	// down, taking the highest size-aligned fit.
	fit := func(lo, hi uint64) (uint64, bool) {
		if hi > limitPFN+1 {
			hi = limitPFN + 1
		}
		if hi < lo || hi-lo < count {
			return 0, false
		}
		p := (hi - count) &^ (align - 1)
		if p < lo {
			return 0, false
		}
		return p, true
	}

	bound := limitPFN + 1
	var got uint64
	found := false
	s.tree.Descend(func(sp span) bool {
		if sp.end < bound {
			if p, ok := fit(sp.end, bound); ok {
				got, found = p, true
				return false
			}
		}
		if sp.start < bound {
			bound = sp.start
		}
		return true
	})
	if !found {
		p, ok := fit(s.start, bound)
		if !ok {
			return devaddr.AddrRange{}, ErrNoSpace
		}
		got = p
	}

	s.tree.ReplaceOrInsert(span{start: got, end: got + count})
	return devaddr.AddrRange{
		Start: devaddr.Addr(got << s.shift),
		End:   devaddr.Addr((got + count) << s.shift),
	}, nil
}

// Free returns a previously allocated interval to the Space. r must be
// exactly an interval returned by Alloc; anything else, including a
// double-free, is ErrNotFound.
//
// Preconditions: the translation installed over r has been (or is being)
// torn down.
func (s *Space) Free(r devaddr.AddrRange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.granule == 0 {
		panic("Free on uninitialized Space")
	}
	start := uint64(r.Start) >> s.shift
	sp, ok := s.tree.Get(span{start: start})
	if !ok || sp.reserved || sp.end != start+(r.Length()>>s.shift) {
		return ErrNotFound
	}
	s.tree.Delete(sp)
	return nil
}

// Find returns the allocated interval containing addr, if any. Reserved
// windows are not returned.
func (s *Space) Find(addr devaddr.Addr) (devaddr.AddrRange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.granule == 0 {
		return devaddr.AddrRange{}, false
	}
	pfn := uint64(addr) >> s.shift
	var sp span
	found := false
	s.tree.DescendLessOrEqual(span{start: pfn}, func(cand span) bool {
		sp, found = cand, true
		return false
	})
	if !found || sp.reserved || pfn >= sp.end {
		return devaddr.AddrRange{}, false
	}
	return devaddr.AddrRange{
		Start: devaddr.Addr(sp.start << s.shift),
		End:   devaddr.Addr(sp.end << s.shift),
	}, true
}

// Unused returns the number of unallocated, unreserved granules. It exists
// so that callers (and tests) can prove that a sequence of operations leaked
// nothing.
func (s *Space) Unused() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.granule == 0 {
		return 0
	}
	free := s.last + 1 - s.start
	s.tree.Ascend(func(sp span) bool {
		lo, hi := sp.start, sp.end
		if lo < s.start {
			lo = s.start
		}
		if hi > s.last+1 {
			hi = s.last + 1
		}
		if lo < hi {
			free -= hi - lo
		}
		return true
	})
	return free
}
