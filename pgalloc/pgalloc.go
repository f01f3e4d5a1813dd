// Package pgalloc models the narrow slice of the physical memory
// manager that the view cache manager consumes: allocate a page for a
// given consumer class, refcount it, and free it. It mirrors the
// free-list-with-refcounts shape of a kernel page allocator without
// implementing a real MMU; a host process has no business handing out
// physical addresses, so
// Page here is a refcounted byte buffer standing in for one.
package pgalloc

import (
	"sync"
	"sync/atomic"

	"github.com/biscuit-os/viewcache/errs"
)

// Class tags the consumer a page was allocated for, so a real memory
// manager could account cache pages separately from process pages. The
// view cache manager always requests ClassCache.
type Class int

const (
	// ClassCache marks a page backing a view cache mapping.
	ClassCache Class = iota + 1
)

// Page is a handle to one physical page. The zero Page is invalid.
type Page struct {
	id  uint64
	buf *page
}

type page struct {
	mu      sync.Mutex
	refcnt  int32
	data    []byte
	freed   bool
	residen bool // false once PageOut has evicted the backing bytes
}

// Valid reports whether p refers to a live page.
func (p Page) Valid() bool { return p.buf != nil }

// Bytes returns the page's backing storage. It panics if the page has
// been paged out or freed; callers that might race with PageOut must
// hold whatever lock makes that impossible (the view cache manager only
// calls Bytes while it holds a reference that precludes concurrent
// trim).
func (p Page) Bytes() []byte {
	p.buf.mu.Lock()
	defer p.buf.mu.Unlock()
	if p.buf.freed {
		panic("pgalloc: use of freed page")
	}
	if !p.buf.residen {
		panic("pgalloc: use of paged-out page")
	}
	return p.buf.data
}

// ID returns a stable, comparable identifier for the page, useful for
// logging and tests.
func (p Page) ID() uint64 { return p.id }

// Allocator is the memory-manager interface the view cache manager
// consumes: allocate a physical page for a consumer class and free it.
// Allocation is guaranteed to succeed once reservation/admission has
// already been checked by the caller; any failure returned here is
// reported as OutOfResources, never treated as fatal by itself (fatal
// only if it happens after the caller already committed other
// resources, per the view Create algorithm).
type Allocator interface {
	AllocPage(class Class) (Page, error)
	FreePage(Page)
	// PageOut evicts a page's resident bytes without invalidating the
	// page handle or its mapping metadata, matching the contract that a
	// view's base address and PTEs survive a trim pass.
	PageOut(Page) error
}

// Arena is an in-memory Allocator. It is not a real physical memory
// manager; it exists so the view cache manager can be exercised and
// tested without one, and so a real implementation has a narrow,
// already-proven interface to slot in behind.
type Arena struct {
	pageSize int
	mu       sync.Mutex
	nextID   uint64
	live     int64 // count of pages currently allocated, for diagnostics
}

// NewArena constructs an Arena handing out pages of pageSize bytes.
func NewArena(pageSize int) *Arena {
	if pageSize <= 0 {
		panic("pgalloc: pageSize must be positive")
	}
	return &Arena{pageSize: pageSize}
}

// AllocPage implements Allocator.
func (a *Arena) AllocPage(class Class) (Page, error) {
	if class != ClassCache {
		return Page{}, errs.ErrInvalidParameter
	}
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	atomic.AddInt64(&a.live, 1)
	a.mu.Unlock()
	return Page{
		id: id,
		buf: &page{
			refcnt:  1,
			data:    make([]byte, a.pageSize),
			residen: true,
		},
	}, nil
}

// FreePage implements Allocator. It decrements the page's refcount and
// releases its backing memory once the count reaches zero.
func (a *Arena) FreePage(p Page) {
	if !p.Valid() {
		return
	}
	p.buf.mu.Lock()
	p.buf.refcnt--
	c := p.buf.refcnt
	if c < 0 {
		p.buf.mu.Unlock()
		panic("pgalloc: refcount underflow")
	}
	if c == 0 {
		p.buf.freed = true
		p.buf.data = nil
	}
	p.buf.mu.Unlock()
	if c == 0 {
		atomic.AddInt64(&a.live, -1)
	}
}

// PageOut implements Allocator. It releases the page's backing bytes
// while leaving the handle (and therefore the view's mapping metadata)
// intact.
func (a *Arena) PageOut(p Page) error {
	if !p.Valid() {
		return errs.ErrInvalidParameter
	}
	p.buf.mu.Lock()
	defer p.buf.mu.Unlock()
	if p.buf.freed {
		return errs.ErrInvalidParameter
	}
	p.buf.residen = false
	p.buf.data = nil
	return nil
}

// Live returns the number of pages currently allocated, for tests and
// diagnostics.
func (a *Arena) Live() int64 { return atomic.LoadInt64(&a.live) }
