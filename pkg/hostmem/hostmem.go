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

//go:build linux

// Package hostmem provides a page-frame allocator backed by a host memory
// file.
//
// A MemoryFile carves page frames out of an anonymous memfd and hands them
// out as dma.Pages with synthetic physical addresses (frame number shifted
// by the page size), so the mapping layer can be driven end-to-end in user
// space with real, inspectable memory behind every page.
package hostmem

import (
	"fmt"

	"golang.org/x/sys/unix"

	"dvas.dev/dvas/pkg/devaddr"
	"dvas.dev/dvas/pkg/dma"
	"dvas.dev/dvas/pkg/sync"
)

// MemoryFile is a fixed-size pool of page frames over a memfd. It
// implements dma.PageAllocator.
//
// All methods are safe to call concurrently.
type MemoryFile struct {
	mu sync.Mutex

	fd      int
	mem     []byte
	nframes int

	// used tracks frame ownership, one bit per frame.
	used []uint64

	// free is the number of unowned frames.
	free int
}

// New creates a MemoryFile of nframes page frames.
func New(nframes int) (*MemoryFile, error) {
	if nframes <= 0 {
		panic("non-positive frame count")
	}
	fd, err := unix.MemfdCreate("dvas-hostmem", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	size := nframes << devaddr.PageShift
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate: %w", err)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &MemoryFile{
		fd:      fd,
		mem:     mem,
		nframes: nframes,
		used:    make([]uint64, (nframes+63)/64),
		free:    nframes,
	}, nil
}

// Destroy releases the backing memory. No pages may be referenced
// afterward.
func (f *MemoryFile) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	unix.Munmap(f.mem)
	unix.Close(f.fd)
	f.mem = nil
	f.used = nil
	f.free = 0
}

// page is one frame of a MemoryFile.
type page struct {
	f     *MemoryFile
	frame int
}

// Phys implements dma.Page.Phys.
func (p *page) Phys() devaddr.Phys {
	return devaddr.Phys(p.frame) << devaddr.PageShift
}

// Compound implements dma.Page.Compound. MemoryFile runs are always
// page-ownable, never compound.
func (p *page) Compound() bool {
	return false
}

// AllocPages implements dma.PageAllocator.AllocPages. The run is naturally
// aligned to its own size. NoRetry is accepted but meaningless here: there
// is no reclaim to retry against.
func (f *MemoryFile) AllocPages(order int, mode dma.AllocMode) (dma.Page, error) {
	n := 1 << order
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.free < n {
		return nil, fmt.Errorf("hostmem: %d of %d frames free, need %d", f.free, f.nframes, n)
	}
	start, ok := f.findRun(n)
	if !ok {
		return nil, fmt.Errorf("hostmem: no aligned run of %d frames", n)
	}
	f.setRun(start, n)
	if mode&dma.Zeroed != 0 {
		clear(f.mem[start<<devaddr.PageShift : (start+n)<<devaddr.PageShift])
	}
	return &page{f: f, frame: start}, nil
}

// FreePages implements dma.PageAllocator.FreePages.
func (f *MemoryFile) FreePages(p dma.Page, order int) {
	hp := p.(*page)
	n := 1 << order
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearRun(hp.frame, n)
}

// SplitHuge implements dma.PageAllocator.SplitHuge. MemoryFile never
// returns compound pages, so there is nothing to split.
func (f *MemoryFile) SplitHuge(p dma.Page) ([]dma.Page, error) {
	panic("SplitHuge on a non-compound page")
}

// Split implements dma.PageAllocator.Split.
func (f *MemoryFile) Split(p dma.Page, order int) []dma.Page {
	hp := p.(*page)
	n := 1 << order
	pages := make([]dma.Page, n)
	for i := 0; i < n; i++ {
		pages[i] = &page{f: f, frame: hp.frame + i}
	}
	return pages
}

// Slice returns the memory behind p. The slice is valid until the page is
// freed.
func (f *MemoryFile) Slice(p dma.Page) []byte {
	hp := p.(*page)
	off := hp.frame << devaddr.PageShift
	return f.mem[off : off+devaddr.PageSize]
}

// Free returns the number of unowned frames.
func (f *MemoryFile) Free() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.free
}

// findRun finds a clear, naturally-aligned run of n frames. n must be a
// power of two.
//
// Preconditions: f.mu is locked.
func (f *MemoryFile) findRun(n int) (int, bool) {
	for start := 0; start+n <= f.nframes; start += n {
		if f.runClear(start, n) {
			return start, true
		}
	}
	return 0, false
}

func (f *MemoryFile) runClear(start, n int) bool {
	for i := start; i < start+n; i++ {
		if f.used[i/64]&(1<<(i%64)) != 0 {
			return false
		}
	}
	return true
}

func (f *MemoryFile) setRun(start, n int) {
	for i := start; i < start+n; i++ {
		f.used[i/64] |= 1 << (i % 64)
	}
	f.free -= n
}

func (f *MemoryFile) clearRun(start, n int) {
	for i := start; i < start+n; i++ {
		if f.used[i/64]&(1<<(i%64)) == 0 {
			panic(fmt.Sprintf("double free of frame %d", i))
		}
		f.used[i/64] &^= 1 << (i % 64)
	}
	f.free += n
}

var _ dma.PageAllocator = (*MemoryFile)(nil)
