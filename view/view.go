// Package view implements the View (V) state machine: one mapped file
// region, its counters and flags, and the only legal transitions between
// them. Nothing outside the registry and filemap packages constructs or
// mutates a View directly; every transition here corresponds to one
// step of the lookup/create/release, reference counting and free, or
// mark/unmark dirty protocols.
//
// A View generalizes the shape of a cached disk block — backing
// page(s), a back-pointer for release callbacks, a try-evict flag, a
// mutex protecting slow-changing flags — from one disk block to one
// GRANULARITY-sized file region, and from a single global free list to
// per-file-ordered-list + global-LRU + global-dirty-list membership.
package view

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/biscuit-os/viewcache/errs"
	"github.com/biscuit-os/viewcache/pgalloc"
	"github.com/biscuit-os/viewcache/vaddr"
)

// MapHandle is the narrow callback a View uses to detach itself from
// its owning per-file map when the last reference drops. filemap.Map
// implements it; view never imports filemap, breaking what would
// otherwise be an import cycle.
type MapHandle interface {
	// RemoveView removes v from the owning map's ordered view list. It
	// is called at most once per View, from the internal free path.
	RemoveView(v *View)
}

// View is one GRANULARITY-sized, page-aligned mapping of a file region.
type View struct {
	// FileOffset is always a multiple of the map's granularity.
	FileOffset int64

	owner MapHandle
	alloc pgalloc.Allocator
	space vaddr.Space
	inv   errs.Invariants

	region vaddr.Region
	pages  []pgalloc.Page

	// mu guards valid/dirty, which change far less often than the
	// counters below and are read together at release time.
	mu    sync.Mutex
	valid bool
	dirty bool
	freed bool

	// refCount, mappedCount and pinCount are mutated only with atomic
	// instructions, per the concurrency model: the per-view "lock" is
	// compare-and-swap, never a mutex.
	refCount    int32
	mappedCount int32
	pinCount    int32

	// lruElem and dirtyElem are this view's node in the registry's
	// global LRU and dirty lists. A non-nil dirtyElem is exactly the
	// "dirty list owns a reference" invariant made concrete: holding the
	// node is holding the reference.
	lruElem   *list.Element
	dirtyElem *list.Element
}

// New constructs a raw, unpublished view with refCount=1 (representing
// the view's eventual membership in its owning map's ordered list). The
// caller must still perform the mapping (Map) before publishing it.
func New(owner MapHandle, alloc pgalloc.Allocator, space vaddr.Space, inv errs.Invariants, fileOffset int64) *View {
	return &View{
		FileOffset: fileOffset,
		owner:      owner,
		alloc:      alloc,
		space:      space,
		inv:        inv,
		refCount:   1,
	}
}

// Map reserves a GRANULARITY-sized kernel VA region and backs every
// page in it with a freshly allocated physical page, per the Create
// algorithm step 2. Reservation failure is reported as OutOfResources;
// a per-page allocation or mapping failure after a successful
// reservation is a fatal invariant violation, since the memory manager
// contract guarantees per-page success once reservation succeeded.
func (v *View) Map(pageSize, pages int) error {
	region, err := v.space.ReserveRegion(pageSize, pages)
	if err != nil {
		return errs.ErrOutOfResources
	}
	v.region = region
	v.pages = make([]pgalloc.Page, pages)
	for i := 0; i < pages; i++ {
		p, err := v.alloc.AllocPage(pgalloc.ClassCache)
		if err != nil {
			v.inv.Violation("page allocation failed after VA reservation succeeded", nil)
			return errs.ErrOutOfResources
		}
		if err := v.space.MapPage(region, i, p); err != nil {
			v.inv.Violation("page mapping failed after VA reservation succeeded", nil)
			return errs.ErrOutOfResources
		}
		v.pages[i] = p
	}
	return nil
}

// Owner returns the view's owning map handle, for callers (the
// registry package) that need to reach the map's backend/file without
// view importing filemap.
func (v *View) Owner() MapHandle { return v.owner }

// BaseAddr returns the view's stable kernel virtual address.
func (v *View) BaseAddr() uintptr { return v.region.Base() }

// Bytes returns the view's contents as a contiguous byte slice. For a
// single-page view the slice is the page's backing storage itself; for a
// multi-page view it is a fresh copy concatenated page by page, so writes
// to it do not reach the pages (use Pages for in-place access). It panics
// if any page has been paged out, matching pgalloc.Page.Bytes.
func (v *View) Bytes() []byte {
	if len(v.pages) == 1 {
		return v.pages[0].Bytes()
	}
	out := make([]byte, 0, len(v.pages)*len(v.pages[0].Bytes()))
	for _, p := range v.pages {
		out = append(out, p.Bytes()...)
	}
	return out
}

// Pages exposes the view's backing pages so the trim engine can page
// each one out individually.
func (v *View) Pages() []pgalloc.Page { return v.pages }

// Valid reports whether the view's contents reflect committed file data
// for its whole range.
func (v *View) Valid() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.valid
}

// SetValid sets the valid flag. Callers are responsible for ORing in
// whatever they already knew, per the Release contract.
func (v *View) SetValid(valid bool) {
	v.mu.Lock()
	v.valid = valid
	v.mu.Unlock()
}

// Dirty reports whether the view's contents differ from backing store.
func (v *View) Dirty() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dirty
}

// SetDirtyFlag flips the dirty flag by itself. It is called only by the
// registry's MarkDirty/UnmarkDirty, which own the counter and
// list-membership bookkeeping that must move in lockstep with this
// flag; nothing else should call it directly.
func (v *View) SetDirtyFlag(dirty bool) {
	v.mu.Lock()
	v.dirty = dirty
	v.mu.Unlock()
}

// RefCount returns the current reference count.
func (v *View) RefCount() int32 { return atomic.LoadInt32(&v.refCount) }

// MappedCount returns the current outstanding-external-mapping count.
func (v *View) MappedCount() int32 { return atomic.LoadInt32(&v.mappedCount) }

// PinCount returns the current pin count. The core treats this purely
// as a liveness indicator; pinning itself belongs to an external layer.
func (v *View) PinCount() int32 { return atomic.LoadInt32(&v.pinCount) }

// Ref increments the reference count and returns the new value.
func (v *View) Ref() int32 {
	return atomic.AddInt32(&v.refCount, 1)
}

// Unref decrements the reference count and returns the new value. If the
// result reaches zero it invokes the internal free path.
func (v *View) Unref() int32 {
	c := atomic.AddInt32(&v.refCount, -1)
	if c < 0 {
		v.inv.Violation("reference count underflow", nil)
		return c
	}
	if c == 0 {
		v.free()
	}
	return c
}

// IncMappedCount increments the mapped count and returns the new value.
func (v *View) IncMappedCount() int32 {
	return atomic.AddInt32(&v.mappedCount, 1)
}

// DecMappedCount decrements the mapped count and returns the new value.
func (v *View) DecMappedCount() int32 {
	c := atomic.AddInt32(&v.mappedCount, -1)
	if c < 0 {
		v.inv.Violation("mapped count underflow", nil)
	}
	return c
}

// ForceClearMapped zeroes the mapped count unconditionally, used only by
// map teardown (§4.1 step 3) to forcibly detach outstanding external
// mappings. It returns the number of units that should be dropped from
// refCount as a result (0 or 1).
func (v *View) ForceClearMapped() int {
	old := atomic.SwapInt32(&v.mappedCount, 0)
	if old > 0 {
		return 1
	}
	return 0
}

// LRUElem returns this view's node in the global LRU list, or nil if it
// is not currently a member.
func (v *View) LRUElem() *list.Element { return v.lruElem }

// SetLRUElem records this view's node in the global LRU list.
func (v *View) SetLRUElem(e *list.Element) { v.lruElem = e }

// DirtyElem returns this view's node in the global dirty list, or nil
// if it is not currently a member.
func (v *View) DirtyElem() *list.Element { return v.dirtyElem }

// SetDirtyElem records this view's node in the global dirty list.
func (v *View) SetDirtyElem(e *list.Element) { v.dirtyElem = e }

// free tears down the view's mapping, unlinks it from its owning map and
// poisons the structure. It
// asserts the free-preconditions from the data model: refCount must
// already be zero (enforced by the only caller, Unref), and pinCount,
// dirty and mappedCount must all be at their quiescent values.
func (v *View) free() {
	v.mu.Lock()
	dirty := v.dirty
	v.mu.Unlock()

	if dirty {
		v.inv.Violation("freeing a dirty view", nil)
	}
	if v.PinCount() != 0 {
		v.inv.Violation("freeing a pinned view", nil)
	}
	if v.MappedCount() != 0 {
		v.inv.Violation("freeing a mapped view", nil)
	}

	for i, p := range v.pages {
		v.space.UnmapPage(v.region, i)
		v.alloc.FreePage(p)
	}
	v.space.ReleaseRegion(v.region)
	v.owner.RemoveView(v)

	// Poison the structure for debuggability: a use-after-free shows up
	// as a nil page slice or a false valid/dirty flag, not silent reuse.
	v.mu.Lock()
	v.valid = false
	v.dirty = false
	v.freed = true
	v.mu.Unlock()
	v.pages = nil
	v.region = vaddr.Region{}
}
