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

// Package dma is a fairly generic DMA-to-IOMMU glue layer.
//
// It lets a device confined to an IOMMU-managed address space exchange
// buffers with software that deals in physical memory: callers hand in
// physical pages, regions, or scatter-gather lists; the layer reserves a
// device-visible interval from the domain's address-space allocator, has the
// low-level page-table programmer install the translation, and hands back
// device-visible addresses. Teardown reverses the flow.
//
// The package owns no hardware. It consumes three collaborators: a
// PageAllocator supplying physical pages, a PageTables programmer installing
// and tearing down translations, and an optional per-page cache flush for
// non-coherent devices.
package dma

import (
	"errors"
	"time"

	"dvas.dev/dvas/pkg/devaddr"
	"dvas.dev/dvas/pkg/iova"
	"dvas.dev/dvas/pkg/log"
)

var (
	// ErrNoSpace indicates exhaustion of the device-visible address
	// space.
	ErrNoSpace = iova.ErrNoSpace

	// ErrNotFound indicates that an unmap-side reverse lookup failed: the
	// handle was never mapped through this layer, or was already freed.
	ErrNotFound = iova.ErrNotFound

	// ErrNoMemory indicates that physical page acquisition failed even at
	// single-page granularity.
	ErrNoMemory = errors.New("out of memory")

	// ErrMapFailed indicates that the page-table programmer installed
	// fewer bytes than requested. The operation is treated as having
	// fully failed; no partial mapping remains.
	ErrMapFailed = errors.New("translation install failed")

	// ErrInvalidDomain indicates a missing cookie, or a cookie of the
	// wrong kind for the requested operation.
	ErrInvalidDomain = errors.New("invalid DMA domain")
)

// unmapLog rate-limits the warning for unmap-side lookup failures. A buggy
// driver double-freeing in a loop should not be able to flood the log.
var unmapLog = log.BasicRateLimitedLogger(time.Second)

// Prot is a set of IOMMU page protection flags.
type Prot uint8

const (
	// ProtRead permits device reads through the mapping.
	ProtRead Prot = 1 << iota

	// ProtWrite permits device writes through the mapping.
	ProtWrite

	// ProtCache marks the device cache-coherent for this mapping.
	ProtCache

	// ProtNoExec forbids instruction fetches through the mapping.
	ProtNoExec

	// ProtMMIO marks the target as device memory rather than RAM.
	ProtMMIO
)

// Direction is the direction of a DMA transfer, from the CPU's point of
// view.
type Direction int

const (
	// Bidirectional transfers move data both ways.
	Bidirectional Direction = iota

	// ToDevice transfers are device reads.
	ToDevice

	// FromDevice transfers are device writes.
	FromDevice
)

// DirectionProt translates a transfer direction into page protection flags.
// coherent reports whether the DMA master is cache-coherent.
func DirectionProt(dir Direction, coherent bool) Prot {
	var prot Prot
	if coherent {
		prot = ProtCache
	}
	switch dir {
	case Bidirectional:
		return prot | ProtRead | ProtWrite
	case ToDevice:
		return prot | ProtRead
	case FromDevice:
		return prot | ProtWrite
	default:
		return 0
	}
}

// PhysSpan is a run of physically contiguous bytes.
type PhysSpan struct {
	Phys   devaddr.Phys
	Length uint64
}

// PageTables programs the translations below a domain. Implementations are
// typically thin wrappers over a vendor IOMMU driver's map/unmap primitives.
type PageTables interface {
	// Map installs a translation from the device-visible interval starting
	// at base onto spans, in order, with the given protection. It returns
	// the number of bytes actually mapped. If that is less than the sum of
	// the span lengths, Map must have already torn down whatever it
	// partially installed.
	//
	// Preconditions: base and every span are granule-aligned.
	Map(base devaddr.Addr, spans []PhysSpan, prot Prot) uint64

	// Unmap tears down length bytes of translation starting at base,
	// returning the number of bytes actually unmapped.
	Unmap(base devaddr.Addr, length uint64) uint64

	// PageSizes returns a bitmap of the translation granule sizes the
	// programmer supports. At least one bit must be set; the smallest
	// becomes the domain's allocation granule.
	PageSizes() uint64
}

// AllocMode modifies page-frame allocation behavior.
type AllocMode uint8

const (
	// NoRetry makes an allocation best-effort: the allocator should fail
	// fast rather than work hard to satisfy it. The buffer allocator sets
	// it on every high-order attempt, since large runs are a convenience
	// rather than a necessity.
	NoRetry AllocMode = 1 << iota

	// Zeroed requests cleared pages.
	Zeroed
)

// Page is a handle to one CPU page of physical memory, or to the head of a
// naturally-aligned run of pages when returned from a high-order allocation.
type Page interface {
	// Phys returns the physical address of the page.
	Phys() devaddr.Phys

	// Compound returns true if this handle is part of an indivisible
	// multi-page unit that cannot be owned page-by-page until split.
	Compound() bool
}

// PageAllocator is the external page-frame allocator.
type PageAllocator interface {
	// AllocPages allocates a naturally-aligned run of 1<<order pages and
	// returns its head page.
	AllocPages(order int, mode AllocMode) (Page, error)

	// FreePages releases a run of 1<<order pages obtained from AllocPages
	// (or a single page from a split run, with order 0).
	FreePages(p Page, order int)

	// SplitHuge splits a compound run into individually-ownable pages.
	// It may fail, in which case the run is still owned as a unit.
	SplitHuge(p Page) ([]Page, error)

	// Split splits a non-compound run of 1<<order pages into
	// individually-ownable pages. It cannot fail.
	Split(p Page, order int) []Page
}

// Config carries per-device parameters for a Domain.
type Config struct {
	// Pages is the page-frame allocator backing AllocBuffer.
	Pages PageAllocator

	// Mask is the highest device-addressable address, typically the
	// device's DMA mask. Zero means unlimited.
	Mask devaddr.Addr

	// ForceAperture restricts all device-visible addresses to Aperture.
	ForceAperture bool

	// Aperture is the hardware-addressable window, honored iff
	// ForceAperture is set.
	Aperture devaddr.AddrRange

	// Coherent reports whether the device snoops CPU caches.
	Coherent bool

	// Flush makes one page visible to a non-coherent device. It is
	// invoked for every page of a buffer before the buffer's translation
	// is installed. Required if Coherent is false and AllocBuffer is
	// used.
	Flush func(p Page)

	// Windows are host-bridge windows that occupy device-visible address
	// space below the IOMMU; they are reserved out of the allocator when
	// the domain is initialized.
	Windows []devaddr.PhysRange
}

// Domain is one address translation context: a device, or a group of
// devices sharing a translation, together with this layer's cookie.
//
// Mapping operations may be called concurrently. Cookie lifecycle
// (AcquireCookie/ReleaseCookie/Init) must be serialized with respect to all
// other operations by the caller, as in any driver probe/teardown path.
type Domain struct {
	pt     PageTables
	cfg    Config
	cookie *cookie
}

// NewDomain returns a Domain over the given page-table programmer. The
// returned domain has no cookie; callers must acquire one before mapping.
func NewDomain(pt PageTables, cfg Config) *Domain {
	if cfg.Mask == 0 {
		cfg.Mask = ^devaddr.Addr(0)
	}
	return &Domain{pt: pt, cfg: cfg}
}

// Supported is the capability probe: it reports whether the layer can
// address a device limited to the given mask. An IOMMU that cannot match
// CPU addressing capability would need a way to report that before this can
// ever return false.
func (d *Domain) Supported(mask devaddr.Addr) bool {
	return true
}

// full returns the domain's full-allocator strategy, or ErrInvalidDomain if
// the cookie is missing or is MSI-only.
func (d *Domain) full() (*fullStrategy, error) {
	if d.cookie == nil {
		return nil, ErrInvalidDomain
	}
	f, ok := d.cookie.strategy.(*fullStrategy)
	if !ok {
		return nil, ErrInvalidDomain
	}
	return f, nil
}

// allocIOVA reserves a device-visible interval of the given length (rounded
// up to granules) below limit, clamped to the domain aperture.
func (d *Domain) allocIOVA(length uint64, limit devaddr.Addr) (devaddr.AddrRange, error) {
	full, err := d.full()
	if err != nil {
		return devaddr.AddrRange{}, err
	}
	if d.cfg.ForceAperture && limit >= d.cfg.Aperture.End {
		limit = d.cfg.Aperture.End - 1
	}
	return full.space.Alloc(length, limit)
}

// unmap tears down whatever interval contains addr. The allocator knows
// what was mapped, so the address alone suffices.
func (d *Domain) unmap(addr devaddr.Addr) error {
	full, err := d.full()
	if err != nil {
		return err
	}
	granule := full.space.Granule()
	iv, ok := full.space.Find(addr.RoundDown(granule))
	if !ok {
		unmapLog.Warningf("dma: unmap of unknown device address %#x", uint64(addr))
		return ErrNotFound
	}
	size := iv.Length()
	if n := d.pt.Unmap(iv.Start, size); n < size {
		// If the programmer cannot tear down what it installed,
		// something is horribly wrong.
		log.Warningf("dma: %d of %d bytes still mapped at %v", size-n, size, iv)
	}
	if err := full.space.Free(iv); err != nil {
		// A racing unmap of the same interval got there first.
		unmapLog.Warningf("dma: release of %v: %v", iv, err)
		return err
	}
	return nil
}
