// Package vaddr models the narrow slice of the virtual-address-space
// primitives the view cache manager consumes: reserve a kernel VA
// region the size of one view, and map or unmap individual pages inside
// it. Paging a page out under reclaim is pgalloc.Allocator.PageOut, not
// part of this package. It mirrors the address-space
// bookkeeping of a kernel address-space structure without implementing a
// real page table; there is no MMU to program from a host process, so
// addresses here are opaque, stable tokens rather than real pointers.
package vaddr

import (
	"sync"

	"github.com/biscuit-os/viewcache/errs"
	"github.com/biscuit-os/viewcache/pgalloc"
)

// Region is a reserved, GRANULARITY-sized kernel VA region. The zero
// Region is invalid.
type Region struct {
	base  uintptr
	pages int
}

// Base returns the region's virtual address. It is stable from
// successful reservation until ReleaseRegion.
func (r Region) Base() uintptr { return r.base }

// Valid reports whether r refers to a live reservation.
func (r Region) Valid() bool { return r.base != 0 }

// Space is the address-space interface the view cache manager
// consumes. Reservation and release happen in whole-region units;
// mapping happens per page within an already-reserved region.
type Space interface {
	ReserveRegion(pageSize int, pages int) (Region, error)
	ReleaseRegion(r Region)
	MapPage(r Region, index int, p pgalloc.Page) error
	UnmapPage(r Region, index int)
}

// Simulated is an in-memory Space. Like pgalloc.Arena, it stands in for
// a real address-space manager so the cache manager can be built and
// tested against a proven interface before a real MMU-backed
// implementation exists.
type Simulated struct {
	mu       sync.Mutex
	nextBase uintptr
	regions  map[uintptr]*regionState
}

type regionState struct {
	pageSize int
	pages    []pgalloc.Page // nil entry == unmapped
}

// NewSimulated constructs an empty Simulated address space.
func NewSimulated() *Simulated {
	return &Simulated{
		nextBase: 1 << 20, // avoid a zero base, which Region treats as invalid
		regions:  make(map[uintptr]*regionState),
	}
}

// ReserveRegion implements Space.
func (s *Simulated) ReserveRegion(pageSize int, pages int) (Region, error) {
	if pageSize <= 0 || pages <= 0 {
		return Region{}, errs.ErrInvalidParameter
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	base := s.nextBase
	s.nextBase += uintptr(pageSize * pages)
	s.regions[base] = &regionState{pageSize: pageSize, pages: make([]pgalloc.Page, pages)}
	return Region{base: base, pages: pages}, nil
}

// ReleaseRegion implements Space.
func (s *Simulated) ReleaseRegion(r Region) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.regions, r.base)
}

// MapPage implements Space.
func (s *Simulated) MapPage(r Region, index int, p pgalloc.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.regions[r.base]
	if !ok || index < 0 || index >= len(st.pages) {
		return errs.ErrInvalidParameter
	}
	st.pages[index] = p
	return nil
}

// UnmapPage implements Space.
func (s *Simulated) UnmapPage(r Region, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.regions[r.base]
	if !ok || index < 0 || index >= len(st.pages) {
		return
	}
	st.pages[index] = pgalloc.Page{}
}
