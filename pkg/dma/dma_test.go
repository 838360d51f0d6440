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
	"errors"
	"testing"

	"dvas.dev/dvas/pkg/devaddr"
	"dvas.dev/dvas/pkg/sync"
)

const granule = 4096

// install records one translation installed through a fakePT.
type install struct {
	length uint64
	prot   Prot
	spans  []PhysSpan
}

// fakePT is a page-table programmer that records installs by base address.
type fakePT struct {
	pageSizes uint64

	mu       sync.Mutex
	installs map[devaddr.Addr]install

	// failMaps makes the next N Map calls install nothing.
	failMaps int
}

func newFakePT() *fakePT {
	return &fakePT{
		pageSizes: granule,
		installs:  make(map[devaddr.Addr]install),
	}
}

func (pt *fakePT) PageSizes() uint64 { return pt.pageSizes }

func (pt *fakePT) Map(base devaddr.Addr, spans []PhysSpan, prot Prot) uint64 {
	var total uint64
	for _, s := range spans {
		total += s.Length
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.failMaps > 0 {
		pt.failMaps--
		return 0
	}
	pt.installs[base] = install{
		length: total,
		prot:   prot,
		spans:  append([]PhysSpan(nil), spans...),
	}
	return total
}

func (pt *fakePT) Unmap(base devaddr.Addr, length uint64) uint64 {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	in, ok := pt.installs[base]
	if !ok || length < in.length {
		return 0
	}
	delete(pt.installs, base)
	return in.length
}

// fakePage is a page handle from a fakePages allocator.
type fakePage struct {
	phys     devaddr.Phys
	order    int
	compound bool
}

func (p *fakePage) Phys() devaddr.Phys { return p.phys }
func (p *fakePage) Compound() bool     { return p.compound }

// fakePages is a page-frame allocator with a configurable budget and
// failure behavior. Physical addresses are handed out bump-style, so pages
// allocated back to back are physically contiguous.
type fakePages struct {
	next devaddr.Phys

	// budget is the number of pages still available; -1 means unlimited.
	budget int

	// maxOrder fails any allocation request above it.
	maxOrder int

	// compound makes every non-zero-order run come back as a compound
	// unit.
	compound bool

	// splitHugeFails makes SplitHuge fail.
	splitHugeFails bool

	// outstanding counts pages currently owned by callers.
	outstanding int
}

func newFakePages() *fakePages {
	return &fakePages{budget: -1, maxOrder: devaddr.MaxOrder}
}

func (f *fakePages) AllocPages(order int, mode AllocMode) (Page, error) {
	n := 1 << order
	if order > f.maxOrder {
		return nil, errors.New("order too high")
	}
	if f.budget >= 0 && n > f.budget {
		return nil, errors.New("out of pages")
	}
	p := &fakePage{phys: f.next, order: order, compound: f.compound && order > 0}
	f.next += devaddr.Phys(n) << devaddr.PageShift
	if f.budget >= 0 {
		f.budget -= n
	}
	f.outstanding += n
	return p, nil
}

func (f *fakePages) FreePages(p Page, order int) {
	n := 1 << order
	if f.budget >= 0 {
		f.budget += n
	}
	f.outstanding -= n
}

func (f *fakePages) SplitHuge(p Page) ([]Page, error) {
	if f.splitHugeFails {
		return nil, errors.New("split failed")
	}
	fp := p.(*fakePage)
	return f.Split(p, fp.order), nil
}

func (f *fakePages) Split(p Page, order int) []Page {
	fp := p.(*fakePage)
	pages := make([]Page, 1<<order)
	for i := range pages {
		pages[i] = &fakePage{phys: fp.phys + devaddr.Phys(i)<<devaddr.PageShift}
	}
	return pages
}

// newTestDomain returns an initialized full-cookie domain over [0, 1<<20).
func newTestDomain(t *testing.T, pt *fakePT, pa *fakePages) *Domain {
	t.Helper()
	d := NewDomain(pt, Config{Pages: pa})
	if err := d.AcquireCookie(); err != nil {
		t.Fatalf("AcquireCookie: %v", err)
	}
	if err := d.Init(0, 1<<20); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return d
}

// unused returns the domain allocator's free granule count.
func unused(t *testing.T, d *Domain) uint64 {
	t.Helper()
	full, err := d.full()
	if err != nil {
		t.Fatalf("domain has no full cookie: %v", err)
	}
	return full.space.Unused()
}

func TestDirectionProt(t *testing.T) {
	for _, test := range []struct {
		dir      Direction
		coherent bool
		want     Prot
	}{
		{Bidirectional, false, ProtRead | ProtWrite},
		{Bidirectional, true, ProtCache | ProtRead | ProtWrite},
		{ToDevice, false, ProtRead},
		{ToDevice, true, ProtCache | ProtRead},
		{FromDevice, false, ProtWrite},
		{FromDevice, true, ProtCache | ProtWrite},
		{Direction(42), true, 0},
	} {
		if got := DirectionProt(test.dir, test.coherent); got != test.want {
			t.Errorf("DirectionProt(%v, %t) = %#x, want %#x", test.dir, test.coherent, got, test.want)
		}
	}
}

func TestAllocBuffer(t *testing.T) {
	pt := newFakePT()
	pa := newFakePages()
	d := newTestDomain(t, pt, pa)
	before := unused(t, d)

	b, err := d.AllocBuffer(10000, 0, ProtRead|ProtWrite)
	if err != nil {
		t.Fatalf("AllocBuffer(10000): %v", err)
	}
	if len(b.Pages) != 3 {
		t.Errorf("buffer has %d pages, want 3", len(b.Pages))
	}
	if b.Addr.IsError() {
		t.Error("buffer handle is the error sentinel")
	}
	in, ok := pt.installs[b.Addr]
	if !ok {
		t.Fatalf("no translation installed at handle %#x", uint64(b.Addr))
	}
	if in.length != 12288 {
		t.Errorf("installed %d bytes, want 12288", in.length)
	}
	if got := unused(t, d); got != before-3 {
		t.Errorf("Unused = %d while mapped, want %d", got, before-3)
	}

	if err := d.FreeBuffer(b); err != nil {
		t.Fatalf("FreeBuffer: %v", err)
	}
	if !b.Addr.IsError() {
		t.Error("freed buffer handle is not the error sentinel")
	}
	if len(pt.installs) != 0 {
		t.Errorf("%d translations still installed after free", len(pt.installs))
	}
	if pa.outstanding != 0 {
		t.Errorf("%d pages still owned after free", pa.outstanding)
	}
	if got := unused(t, d); got != before {
		t.Errorf("Unused = %d after free, want %d", got, before)
	}
}

func TestAllocBufferOutOfMemory(t *testing.T) {
	pt := newFakePT()
	pa := newFakePages()
	pa.budget = 0
	d := newTestDomain(t, pt, pa)
	before := unused(t, d)

	if _, err := d.AllocBuffer(10000, 0, ProtRead); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("AllocBuffer with no memory = %v, want ErrNoMemory", err)
	}
	if got := unused(t, d); got != before {
		t.Errorf("Unused = %d after failed alloc, want %d (no leaked reservation)", got, before)
	}
	if pa.outstanding != 0 {
		t.Errorf("%d pages leaked by failed alloc", pa.outstanding)
	}
}

func TestAllocBufferPartialPages(t *testing.T) {
	// Enough memory for the early pages but not all of them: everything
	// acquired must be released on failure.
	pt := newFakePT()
	pa := newFakePages()
	pa.budget = 2
	d := newTestDomain(t, pt, pa)

	if _, err := d.AllocBuffer(4*devaddr.PageSize, 0, ProtRead); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("AllocBuffer beyond budget = %v, want ErrNoMemory", err)
	}
	if pa.outstanding != 0 {
		t.Errorf("%d pages leaked by failed alloc", pa.outstanding)
	}
}

func TestAllocBufferInstallFailure(t *testing.T) {
	pt := newFakePT()
	pt.failMaps = 1
	pa := newFakePages()
	d := newTestDomain(t, pt, pa)
	before := unused(t, d)

	if _, err := d.AllocBuffer(10000, 0, ProtRead); !errors.Is(err, ErrMapFailed) {
		t.Fatalf("AllocBuffer with failing install = %v, want ErrMapFailed", err)
	}
	if got := unused(t, d); got != before {
		t.Errorf("Unused = %d after failed install, want %d", got, before)
	}
	if pa.outstanding != 0 {
		t.Errorf("%d pages leaked by failed install", pa.outstanding)
	}
}

func TestAllocBufferCompoundSplit(t *testing.T) {
	pt := newFakePT()
	pa := newFakePages()
	pa.compound = true
	d := newTestDomain(t, pt, pa)

	b, err := d.AllocBuffer(4*devaddr.PageSize, 0, ProtRead)
	if err != nil {
		t.Fatalf("AllocBuffer with compound runs: %v", err)
	}
	if len(b.Pages) != 4 {
		t.Errorf("buffer has %d pages, want 4", len(b.Pages))
	}
	if err := d.FreeBuffer(b); err != nil {
		t.Fatalf("FreeBuffer: %v", err)
	}
	if pa.outstanding != 0 {
		t.Errorf("%d pages still owned after free", pa.outstanding)
	}
}

func TestAllocBufferCompoundSplitFailure(t *testing.T) {
	// When a compound run cannot be split it must be handed back, and the
	// allocation falls back to single pages.
	pt := newFakePT()
	pa := newFakePages()
	pa.compound = true
	pa.splitHugeFails = true
	d := newTestDomain(t, pt, pa)

	b, err := d.AllocBuffer(4*devaddr.PageSize, 0, ProtRead)
	if err != nil {
		t.Fatalf("AllocBuffer with unsplittable runs: %v", err)
	}
	if len(b.Pages) != 4 {
		t.Errorf("buffer has %d pages, want 4", len(b.Pages))
	}
	if err := d.FreeBuffer(b); err != nil {
		t.Fatalf("FreeBuffer: %v", err)
	}
	if pa.outstanding != 0 {
		t.Errorf("%d pages still owned after free", pa.outstanding)
	}
}

func TestAllocBufferFlush(t *testing.T) {
	for _, test := range []struct {
		name    string
		prot    Prot
		flushed int
	}{
		{name: "non-coherent mappings flush every page", prot: ProtRead, flushed: 3},
		{name: "coherent mappings skip the flush", prot: ProtRead | ProtCache, flushed: 0},
	} {
		t.Run(test.name, func(t *testing.T) {
			pt := newFakePT()
			pa := newFakePages()
			flushed := 0
			d := NewDomain(pt, Config{
				Pages: pa,
				Flush: func(p Page) { flushed++ },
			})
			if err := d.AcquireCookie(); err != nil {
				t.Fatalf("AcquireCookie: %v", err)
			}
			if err := d.Init(0, 1<<20); err != nil {
				t.Fatalf("Init: %v", err)
			}
			b, err := d.AllocBuffer(10000, 0, test.prot)
			if err != nil {
				t.Fatalf("AllocBuffer: %v", err)
			}
			if flushed != test.flushed {
				t.Errorf("flushed %d pages, want %d", flushed, test.flushed)
			}
			d.FreeBuffer(b)
		})
	}
}

func TestMapRegion(t *testing.T) {
	for _, test := range []struct {
		name     string
		phys     devaddr.Phys
		size     uint64
		wantOff  uint64
		wantSpan PhysSpan
	}{
		{
			name:     "aligned region",
			phys:     0x10000,
			size:     granule,
			wantSpan: PhysSpan{Phys: 0x10000, Length: granule},
		},
		{
			name:     "unaligned offset preserved",
			phys:     0x12345,
			size:     100,
			wantOff:  0x345,
			wantSpan: PhysSpan{Phys: 0x12000, Length: granule},
		},
		{
			name:     "unaligned region spanning granules",
			phys:     0x12f00,
			size:     0x200,
			wantOff:  0xf00,
			wantSpan: PhysSpan{Phys: 0x12000, Length: 2 * granule},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			pt := newFakePT()
			d := newTestDomain(t, pt, newFakePages())
			before := unused(t, d)

			addr, err := d.MapRegion(test.phys, test.size, ProtRead)
			if err != nil {
				t.Fatalf("MapRegion(%#x, %d): %v", uint64(test.phys), test.size, err)
			}
			if got := addr.Offset(granule); got != test.wantOff {
				t.Errorf("device address %#x has offset %#x, want %#x", uint64(addr), got, test.wantOff)
			}
			in, ok := pt.installs[addr.RoundDown(granule)]
			if !ok {
				t.Fatalf("no translation installed at %#x", uint64(addr.RoundDown(granule)))
			}
			if len(in.spans) != 1 || in.spans[0] != test.wantSpan {
				t.Errorf("installed spans %v, want [%v]", in.spans, test.wantSpan)
			}

			if err := d.UnmapRegion(addr); err != nil {
				t.Fatalf("UnmapRegion(%#x): %v", uint64(addr), err)
			}
			if len(pt.installs) != 0 {
				t.Errorf("%d translations still installed after unmap", len(pt.installs))
			}
			if got := unused(t, d); got != before {
				t.Errorf("Unused = %d after unmap, want %d (free-space state not restored)", got, before)
			}
		})
	}
}

func TestMapRegionLengthOverflow(t *testing.T) {
	d := newTestDomain(t, newFakePT(), newFakePages())
	before := unused(t, d)

	// The sub-granule offset pushes the rounded length past the type
	// limit.
	addr, err := d.MapRegion(0xfff, ^uint64(0)-0x10, ProtRead)
	if !errors.Is(err, ErrNoSpace) {
		t.Fatalf("MapRegion with wrapping length = %v, want ErrNoSpace", err)
	}
	if !addr.IsError() {
		t.Errorf("failed MapRegion returned address %#x", uint64(addr))
	}
	if got := unused(t, d); got != before {
		t.Errorf("Unused = %d after failed MapRegion, want %d", got, before)
	}
}

func TestUnmapRegionUnknown(t *testing.T) {
	d := newTestDomain(t, newFakePT(), newFakePages())
	if err := d.UnmapRegion(0x5000); !errors.Is(err, ErrNotFound) {
		t.Errorf("UnmapRegion of unmapped address = %v, want ErrNotFound", err)
	}
}

func TestConcurrentDoubleUnmap(t *testing.T) {
	// Two racing unmaps of the same mapping: exactly one succeeds, the
	// loser gets ErrNotFound whichever side of the release it loses on,
	// and nothing leaks.
	pt := newFakePT()
	d := newTestDomain(t, pt, newFakePages())
	before := unused(t, d)

	const regions = 16
	addrs := make([]devaddr.Addr, regions)
	for i := range addrs {
		addr, err := d.MapRegion(devaddr.Phys(0x10000+i*0x1000), granule, ProtRead)
		if err != nil {
			t.Fatalf("MapRegion: %v", err)
		}
		addrs[i] = addr
	}

	type result struct {
		region int
		err    error
	}
	results := make(chan result, 2*regions)
	var wg sync.WaitGroup
	for i, addr := range addrs {
		for k := 0; k < 2; k++ {
			wg.Add(1)
			go func(region int, addr devaddr.Addr) {
				defer wg.Done()
				results <- result{region, d.UnmapRegion(addr)}
			}(i, addr)
		}
	}
	wg.Wait()
	close(results)

	var won, lost [regions]int
	for r := range results {
		switch {
		case r.err == nil:
			won[r.region]++
		case errors.Is(r.err, ErrNotFound):
			lost[r.region]++
		default:
			t.Errorf("UnmapRegion: %v", r.err)
		}
	}
	for i := range addrs {
		if won[i] != 1 || lost[i] != 1 {
			t.Errorf("region %d: %d successful and %d not-found unmaps, want 1 and 1", i, won[i], lost[i])
		}
	}
	if got := unused(t, d); got != before {
		t.Errorf("Unused = %d after racing unmaps, want %d", got, before)
	}
	if len(pt.installs) != 0 {
		t.Errorf("%d translations still installed", len(pt.installs))
	}
}

func TestOperationsRequireFullCookie(t *testing.T) {
	pt := newFakePT()

	// No cookie at all.
	d := NewDomain(pt, Config{Pages: newFakePages()})
	if _, err := d.MapRegion(0x1000, 16, ProtRead); !errors.Is(err, ErrInvalidDomain) {
		t.Errorf("MapRegion without cookie = %v, want ErrInvalidDomain", err)
	}

	// MSI-only cookie.
	d = NewDomain(pt, Config{Pages: newFakePages()})
	if err := d.AcquireMSICookie(0x100000); err != nil {
		t.Fatalf("AcquireMSICookie: %v", err)
	}
	if _, err := d.AllocBuffer(16, 0, ProtRead); !errors.Is(err, ErrInvalidDomain) {
		t.Errorf("AllocBuffer on MSI-only domain = %v, want ErrInvalidDomain", err)
	}
	if err := d.Init(0, 1<<20); !errors.Is(err, ErrInvalidDomain) {
		t.Errorf("Init on MSI-only domain = %v, want ErrInvalidDomain", err)
	}

	// Double acquire.
	if err := d.AcquireMSICookie(0x100000); !errors.Is(err, ErrInvalidDomain) {
		t.Errorf("second AcquireMSICookie = %v, want ErrInvalidDomain", err)
	}
}

func TestInitAperture(t *testing.T) {
	pt := newFakePT()
	d := NewDomain(pt, Config{
		Pages:         newFakePages(),
		ForceAperture: true,
		Aperture:      devaddr.AddrRange{Start: 0x10000, End: 0x80000},
	})
	if err := d.AcquireCookie(); err != nil {
		t.Fatalf("AcquireCookie: %v", err)
	}

	// A range entirely outside the aperture is rejected.
	if err := d.Init(0x80000, 1<<20); !errors.Is(err, ErrInvalidDomain) {
		t.Fatalf("Init outside aperture = %v, want ErrInvalidDomain", err)
	}

	// An overlapping range is clamped to the aperture.
	if err := d.Init(0, 1<<20); err != nil {
		t.Fatalf("Init: %v", err)
	}
	full, _ := d.full()
	r, err := full.space.Alloc(granule, ^devaddr.Addr(0))
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if want := devaddr.Addr(0x80000 - granule); r.Start != want {
		t.Errorf("topmost interval at %#x, want %#x (aperture not applied)", uint64(r.Start), uint64(want))
	}
}

func TestInitReservesWindows(t *testing.T) {
	pt := newFakePT()
	window := devaddr.PhysRange{Start: 0xf0000, End: 0x100000}
	d := NewDomain(pt, Config{
		Pages:   newFakePages(),
		Windows: []devaddr.PhysRange{window},
	})
	if err := d.AcquireCookie(); err != nil {
		t.Fatalf("AcquireCookie: %v", err)
	}
	if err := d.Init(0, 1<<20); err != nil {
		t.Fatalf("Init: %v", err)
	}

	// Top-down allocation must skip the reserved bridge window.
	addr, err := d.MapRegion(0x40000, granule, ProtRead)
	if err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	if got, want := addr, devaddr.Addr(0xf0000-granule); got != want {
		t.Errorf("interval at %#x, want %#x (window not excluded)", uint64(got), uint64(want))
	}
}

// insertRecorder is a UserSpace that records insertions.
type insertRecorder struct {
	inserts map[uint64]devaddr.Phys
	failAt  int
}

func (r *insertRecorder) InsertPage(va uint64, p Page) error {
	if r.failAt > 0 && len(r.inserts) >= r.failAt {
		return errors.New("insert failed")
	}
	r.inserts[va] = p.Phys()
	return nil
}

func TestMMapBuffer(t *testing.T) {
	d := newTestDomain(t, newFakePT(), newFakePages())
	b, err := d.AllocBuffer(3*devaddr.PageSize, 0, ProtRead)
	if err != nil {
		t.Fatalf("AllocBuffer: %v", err)
	}
	defer d.FreeBuffer(b)

	for _, test := range []struct {
		name    string
		ur      UserRange
		want    int
		wantErr bool
	}{
		{
			name: "whole buffer",
			ur:   UserRange{Start: 0x10000, End: 0x13000},
			want: 3,
		},
		{
			name: "offset into buffer",
			ur:   UserRange{Start: 0x10000, End: 0x13000, PageOff: 1},
			want: 2,
		},
		{
			name: "short user range",
			ur:   UserRange{Start: 0x10000, End: 0x11000},
			want: 1,
		},
		{
			name:    "empty range",
			ur:      UserRange{Start: 0x10000, End: 0x10000},
			wantErr: true,
		},
		{
			name:    "offset past buffer",
			ur:      UserRange{Start: 0x10000, End: 0x13000, PageOff: 3},
			wantErr: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			us := &insertRecorder{inserts: make(map[uint64]devaddr.Phys)}
			err := MMapBuffer(b, us, test.ur)
			if test.wantErr {
				if err == nil {
					t.Fatal("MMapBuffer succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("MMapBuffer: %v", err)
			}
			if len(us.inserts) != test.want {
				t.Errorf("inserted %d pages, want %d", len(us.inserts), test.want)
			}
			for i := 0; i < test.want; i++ {
				va := test.ur.Start + uint64(i)<<devaddr.PageShift
				wantPhys := b.Pages[test.ur.PageOff+i].Phys()
				if got, ok := us.inserts[va]; !ok || got != wantPhys {
					t.Errorf("va %#x maps %#x, want %#x", va, uint64(got), uint64(wantPhys))
				}
			}
		})
	}
}
