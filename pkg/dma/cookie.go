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
	"math/bits"

	"dvas.dev/dvas/pkg/devaddr"
	"dvas.dev/dvas/pkg/iova"
	"dvas.dev/dvas/pkg/log"
	"dvas.dev/dvas/pkg/sync"
)

// cookie is this layer's private per-domain state. Exactly one allocation
// strategy is active per cookie for its whole lifetime.
type cookie struct {
	strategy strategy

	// dbMu guards doorbells. It is a leaf lock: nothing is acquired
	// under it except the strategy's own allocator lock.
	dbMu      sync.Mutex
	doorbells []doorbell
}

// strategy is the cookie's allocation strategy for doorbell granules: full
// domains draw from the address-space allocator, MSI-only domains from a
// bump cursor.
type strategy interface {
	// granule returns the unit in which doorbell addresses are mapped.
	granule() uint64

	// allocDoorbell reserves one granule at or below limit.
	allocDoorbell(limit devaddr.Addr) (devaddr.AddrRange, error)

	// rollbackDoorbell returns a just-reserved granule after a failed
	// install.
	rollbackDoorbell(r devaddr.AddrRange)
}

// fullStrategy backs a domain prepared for general DMA use.
type fullStrategy struct {
	space *iova.Space
}

func (f *fullStrategy) granule() uint64 {
	return f.space.Granule()
}

func (f *fullStrategy) allocDoorbell(limit devaddr.Addr) (devaddr.AddrRange, error) {
	return f.space.Alloc(f.space.Granule(), limit)
}

func (f *fullStrategy) rollbackDoorbell(r devaddr.AddrRange) {
	if err := f.space.Free(r); err != nil {
		log.Warningf("dma: doorbell rollback of %v: %v", r, err)
	}
}

// linearStrategy backs a domain used only to remap interrupt doorbells: a
// trivial bump allocator over a caller-reserved interval. Granules are never
// reclaimed.
//
// The cursor is only ever touched with the cookie's dbMu held.
type linearStrategy struct {
	next devaddr.Addr
}

func (l *linearStrategy) granule() uint64 {
	return devaddr.PageSize
}

func (l *linearStrategy) allocDoorbell(_ devaddr.Addr) (devaddr.AddrRange, error) {
	r := devaddr.AddrRange{Start: l.next, End: l.next + devaddr.PageSize}
	l.next = r.End
	return r, nil
}

func (l *linearStrategy) rollbackDoorbell(r devaddr.AddrRange) {
	if r.End == l.next {
		l.next = r.Start
	}
}

// AcquireCookie prepares the domain for general DMA use. It fails with
// ErrInvalidDomain if the domain already has a cookie.
func (d *Domain) AcquireCookie() error {
	if d.cookie != nil {
		return ErrInvalidDomain
	}
	d.cookie = &cookie{strategy: &fullStrategy{space: &iova.Space{}}}
	return nil
}

// AcquireMSICookie prepares the domain for interrupt-doorbell remapping
// only. base is the start of a caller-reserved device-visible interval large
// enough for one page per distinct doorbell the domain's devices use; it
// must be non-zero so that no doorbell address collides with the error
// sentinel.
func (d *Domain) AcquireMSICookie(base devaddr.Addr) error {
	if base == devaddr.Invalid {
		panic("MSI cookie at the error-sentinel address")
	}
	if d.cookie != nil {
		return ErrInvalidDomain
	}
	d.cookie = &cookie{strategy: &linearStrategy{next: base}}
	return nil
}

// ReleaseCookie releases the domain's allocator state and cached doorbell
// mappings. The caller must have already torn down, or be tearing down, the
// translations below the domain.
func (d *Domain) ReleaseCookie() {
	d.cookie = nil
}

// Init establishes the domain's device-visible range [base, base+size) for
// DMA use. The allocation granule is the smallest translation size the
// page-table programmer supports.
//
// Re-initializing an already-initialized domain is safe, but only
// enlargement is allowed: any change that could invalidate an address
// already handed out fails.
func (d *Domain) Init(base devaddr.Addr, size uint64) error {
	full, err := d.full()
	if err != nil {
		return err
	}
	ps := d.pt.PageSizes()
	if ps == 0 {
		panic("page-table programmer reports no supported page sizes")
	}
	granule := uint64(1) << bits.TrailingZeros64(ps)

	limit, ok := base.AddLength(size)
	if !ok {
		return ErrInvalidDomain
	}
	if d.cfg.ForceAperture {
		ap := d.cfg.Aperture
		if base >= ap.End || limit <= ap.Start {
			log.Warningf("dma: range [%#x, %#x) outside IOMMU aperture %v", uint64(base), uint64(limit), ap)
			return ErrInvalidDomain
		}
		if base < ap.Start {
			base = ap.Start
		}
		if limit > ap.End {
			limit = ap.End
		}
	}

	first := !full.space.Initialized()
	if err := full.space.Init(granule, base, limit); err != nil {
		log.Warningf("dma: incompatible range for domain: %v", err)
		return err
	}
	if first {
		for _, w := range d.cfg.Windows {
			end, ok := devaddr.Addr(w.End).RoundUp(granule)
			if !ok {
				end = ^devaddr.Addr(0)
			}
			full.space.Reserve(devaddr.AddrRange{
				Start: devaddr.Addr(w.Start).RoundDown(granule),
				End:   end,
			})
		}
	}
	return nil
}
