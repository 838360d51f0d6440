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
	"fmt"

	"dvas.dev/dvas/pkg/bits"
	"dvas.dev/dvas/pkg/cleanup"
	"dvas.dev/dvas/pkg/devaddr"
)

// Buffer is a CPU-owned, physically-backed buffer mapped as one contiguous
// device-visible interval. It is freed as a single unit; partial release is
// not supported.
type Buffer struct {
	// Pages back the buffer, in order.
	Pages []Page

	// Size is the originally requested byte length.
	Size uint64

	// Addr is the device-visible base of the mapping, or devaddr.Invalid
	// after the buffer is freed.
	Addr devaddr.Addr
}

// AllocBuffer allocates and maps a buffer of size bytes, contiguous in the
// device-visible address space but not necessarily in physical memory.
//
// Physical pages are acquired best-effort in the largest power-of-two runs
// available, falling back order by order to single pages; the operation
// fails with ErrNoMemory only if even a single-page allocation fails. If
// prot lacks ProtCache, every page is flushed via Config.Flush before the
// translation is installed.
//
// On any failure, everything acquired is released; there are no partial
// successes.
func (d *Domain) AllocBuffer(size uint64, mode AllocMode, prot Prot) (*Buffer, error) {
	full, err := d.full()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		panic("zero-length buffer allocation")
	}

	count := int((size + devaddr.PageSize - 1) >> devaddr.PageShift)
	pages, err := d.acquirePages(count, mode)
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { releasePages(d.cfg.Pages, pages) })
	defer cu.Clean()

	iv, err := d.allocIOVA(size, d.cfg.Mask)
	if err != nil {
		return nil, err
	}
	cu.Add(func() { full.space.Free(iv) })

	if prot&ProtCache == 0 && d.cfg.Flush != nil {
		// The device is about to read memory the CPU just dirtied. A
		// CPU-centric clean is not enough here: flush each page as for
		// a from-device transfer.
		for _, p := range pages {
			d.cfg.Flush(p)
		}
	}

	mapped := iv.Length()
	if n := d.pt.Map(iv.Start, spansFromPages(pages, mapped), prot); n < mapped {
		return nil, ErrMapFailed
	}

	cu.Release()
	return &Buffer{Pages: pages, Size: size, Addr: iv.Start}, nil
}

// FreeBuffer unmaps and releases a buffer allocated by AllocBuffer. Both
// steps run unconditionally: even if the translation lookup fails (a caller
// bug, reported as ErrNotFound), the pages are still released.
func (d *Domain) FreeBuffer(b *Buffer) error {
	err := d.unmap(b.Addr)
	releasePages(d.cfg.Pages, b.Pages)
	b.Addr = devaddr.Invalid
	return err
}

// acquirePages obtains count physical pages. High-order runs are a
// convenience rather than a necessity, hence best-effort (NoRetry) attempts
// descending order by order before the hard single-page fallback.
func (d *Domain) acquirePages(count int, mode AllocMode) ([]Page, error) {
	pa := d.cfg.Pages
	if pa == nil {
		panic("no PageAllocator configured")
	}
	pages := make([]Page, 0, count)
	order := devaddr.MaxOrder
	for count > 0 {
		var run []Page
		if o := bits.Order(uint64(count)); o < order {
			order = o
		}
		for ; order > 0; order-- {
			head, err := pa.AllocPages(order, mode|NoRetry)
			if err != nil {
				continue
			}
			if head.Compound() {
				split, serr := pa.SplitHuge(head)
				if serr != nil {
					// Can't own it page-by-page; give the
					// run back and try a smaller order.
					pa.FreePages(head, order)
					continue
				}
				run = split
			} else {
				run = pa.Split(head, order)
			}
			break
		}
		if run == nil {
			head, err := pa.AllocPages(0, mode)
			if err != nil {
				releasePages(pa, pages)
				return nil, ErrNoMemory
			}
			run = []Page{head}
		}
		pages = append(pages, run...)
		count -= len(run)
	}
	return pages, nil
}

func releasePages(pa PageAllocator, pages []Page) {
	for i := len(pages) - 1; i >= 0; i-- {
		pa.FreePages(pages[i], 0)
	}
}

// spansFromPages builds the physical span list covering the first length
// bytes of pages, coalescing physically adjacent pages.
func spansFromPages(pages []Page, length uint64) []PhysSpan {
	var spans []PhysSpan
	for _, p := range pages {
		if length == 0 {
			break
		}
		n := uint64(devaddr.PageSize)
		if n > length {
			n = length
		}
		if len(spans) > 0 {
			if last := &spans[len(spans)-1]; last.Phys+devaddr.Phys(last.Length) == p.Phys() {
				last.Length += n
				length -= n
				continue
			}
		}
		spans = append(spans, PhysSpan{Phys: p.Phys(), Length: n})
		length -= n
	}
	return spans
}

// UserSpace is a user address-space mapping target: typically an mmap'd
// region a driver wants to expose a DMA buffer through.
type UserSpace interface {
	// InsertPage maps p at user virtual address va.
	InsertPage(va uint64, p Page) error
}

// UserRange describes the user mapping being populated: its virtual bounds
// and the page offset into the buffer at which it starts.
type UserRange struct {
	Start   uint64
	End     uint64
	PageOff int
}

// MMapBuffer maps the pages of b into ur within us. The caller is
// responsible for having verified the size and protection of the user
// mapping beforehand.
func MMapBuffer(b *Buffer, us UserSpace, ur UserRange) error {
	count := int((b.Size + devaddr.PageSize - 1) >> devaddr.PageShift)
	va := ur.Start
	inserted := false
	for i := ur.PageOff; i < count && va < ur.End; i++ {
		if err := us.InsertPage(va, b.Pages[i]); err != nil {
			return err
		}
		va += devaddr.PageSize
		inserted = true
	}
	if !inserted {
		return fmt.Errorf("user range %#x-%#x at page offset %d covers no buffer pages", ur.Start, ur.End, ur.PageOff)
	}
	return nil
}
