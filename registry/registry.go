// Package registry implements the global registry: the process-wide
// state that sits above every per-file map — the global LRU, the global
// dirty list, the map registry itself, and the dirty-page counter — plus
// the view lookup/create/release protocol and cache-root operations that
// must take the global lock before any per-map lock.
package registry

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/biscuit-os/viewcache/errs"
	"github.com/biscuit-os/viewcache/filemap"
	"github.com/biscuit-os/viewcache/fsio"
	"github.com/biscuit-os/viewcache/pgalloc"
	"github.com/biscuit-os/viewcache/vaddr"
	"github.com/biscuit-os/viewcache/view"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Config holds the compile-time-in-spirit constants the cache manager
// needs: how large a view is, how large a physical page is, and the
// runtime-mutable dirty page admission-control threshold.
type Config struct {
	// Granularity is the fixed view size; must be a multiple of
	// PageSize. Typical production value is 256 KiB; tests use much
	// smaller values to keep scenarios cheap.
	Granularity int64
	// PageSize is the physical page size backing each view.
	PageSize int
	// DirtyPageThreshold is read and written at runtime by the dirty
	// page producer for admission control; the core only exposes it; it
	// does not throttle on it itself.
	DirtyPageThreshold int64

	// Lenient controls FatalInvariant handling: left false (the zero
	// value, and the default for a Config a caller builds without
	// setting it), a violation panics; set true, a violation instead
	// logs with full structured fields and continues.
	Lenient bool

	// Logger receives structured fatal-invariant log entries. Defaults
	// to logrus.StandardLogger() if nil.
	Logger *logrus.Logger

	// LazyWriterTrigger, if set, is invoked whenever MarkDirty observes
	// that no lazy scan is currently running. A typical implementation
	// hands the call off to a background goroutine that loops calling
	// root.FlushDirty(n, false, true) until the dirty count drops,
	// finishing with root.EndLazyScan(). Left nil, the scheduling
	// signal is simply dropped (the scan flag resets immediately), for
	// callers that only ever flush explicitly.
	LazyWriterTrigger func(root *Root)
}

func (c Config) pagesPerView() int {
	return int(c.Granularity / int64(c.PageSize))
}

// Root is the explicit, process-wide cache root: the global registry
// sitting above every per-file map.
type Root struct {
	cfg   Config
	alloc pgalloc.Allocator
	space vaddr.Space
	inv   errs.Invariants

	// mu is the global registry mutex ("sleepable mutex"); the
	// documented acquisition order is mu -> per-map lock -> per-view
	// atomics, and mu is never held across a callout into fsio.Backend
	// or pgalloc/vaddr.
	mu sync.Mutex

	maps map[fsio.File]*filemap.Map

	lru   *list.List // MRU at tail, LRU at head
	dirty *list.List // FIFO: oldest dirty view at head

	dirtyPages int64 // atomic; global dirty page counter

	lazyScanning atomic.Bool
}

// Handle is returned by InitializeFileCache; it represents one open
// reference on a file's map plus that reference's private read-ahead
// block.
type Handle struct {
	ID uuid.UUID
	m  *filemap.Map
	pb *filemap.PrivateBlock
}

// New constructs a cache root. alloc and space are the memory-manager
// capability interfaces; see pgalloc.Allocator and vaddr.Space.
func New(cfg Config, alloc pgalloc.Allocator, space vaddr.Space) *Root {
	if cfg.Granularity <= 0 || cfg.PageSize <= 0 || cfg.Granularity%int64(cfg.PageSize) != 0 {
		panic("registry: Granularity must be a positive multiple of PageSize")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Root{
		cfg:   cfg,
		alloc: alloc,
		space: space,
		inv:   errs.Invariants{Strict: !cfg.Lenient, Logger: logger},
		maps:  make(map[fsio.File]*filemap.Map),
		lru:   list.New(),
		dirty: list.New(),
	}
}

// DirtyPages returns the global dirty-page counter. It is advisory when
// read outside of internal locking, which this accessor always is; use
// it only for diagnostics, not for synchronization.
func (r *Root) DirtyPages() int64 { return atomic.LoadInt64(&r.dirtyPages) }

// DirtyPageThreshold returns the current admission-control threshold.
func (r *Root) DirtyPageThreshold() int64 { return atomic.LoadInt64(&r.cfg.DirtyPageThreshold) }

// SetDirtyPageThreshold updates the admission-control threshold; the
// core does not throttle on it, a dirty-page producer outside this
// package is expected to.
func (r *Root) SetDirtyPageThreshold(n int64) { atomic.StoreInt64(&r.cfg.DirtyPageThreshold, n) }

// InitializeFileCache attaches a handle to file's shared map, creating
// it if this is the first handle. A private per-handle read-ahead block
// is allocated and linked into the map's private list.
func (r *Root) InitializeFileCache(file fsio.File, sectionSize int64, backend fsio.Backend, writerCtx any) (*Handle, error) {
	if file == nil || backend == nil {
		return nil, errs.ErrInvalidParameter
	}
	r.mu.Lock()
	m, ok := r.maps[file]
	if !ok {
		m = filemap.New(file, sectionSize, backend, writerCtx)
		r.maps[file] = m
	}
	r.mu.Unlock()

	m.IncOpen()
	pb := m.AttachPrivateBlock()
	return &Handle{ID: uuid.New(), m: m, pb: pb}, nil
}

// ReleaseFileCache is the handle-level entry point: it detaches and
// frees h's private block, decrements the map's open count, and
// delegates to Teardown once the count reaches zero. It is the
// handle-aware wrapper around the internal DereferenceCache primitive:
// DereferenceCache is the open-count primitive, and this is the only
// caller that also owns handle-private state.
func (r *Root) ReleaseFileCache(h *Handle) error {
	if h == nil {
		return errs.ErrInvalidParameter
	}
	h.m.DetachPrivateBlock(h.pb)
	return r.DereferenceCache(h.m.File)
}

// ReferenceCache increments open_count on file's map.
func (r *Root) ReferenceCache(file fsio.File) error {
	r.mu.Lock()
	m, ok := r.maps[file]
	r.mu.Unlock()
	if !ok {
		return errs.ErrNotFound
	}
	m.IncOpen()
	return nil
}

// DereferenceCache decrements open_count on file's map; the last
// dereference triggers Teardown.
func (r *Root) DereferenceCache(file fsio.File) error {
	r.mu.Lock()
	m, ok := r.maps[file]
	r.mu.Unlock()
	if !ok {
		return errs.ErrNotFound
	}
	if m.DecOpen() == 0 {
		return r.teardown(m)
	}
	return nil
}

// RemoveIfClosed tears file's map down if one exists and its open count
// is already zero. Races against a concurrent open are resolved by the
// global registry lock.
func (r *Root) RemoveIfClosed(file fsio.File) error {
	r.mu.Lock()
	m, ok := r.maps[file]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if m.OpenCount() == 0 {
		return r.teardown(m)
	}
	return nil
}

// FlushCache is the public synchronous flush entry point; it delegates
// to FlushRange over [off, off+length).
func (r *Root) FlushCache(file fsio.File, off, length int64) error {
	r.mu.Lock()
	m, ok := r.maps[file]
	r.mu.Unlock()
	if !ok {
		return errs.ErrNotFound
	}
	return r.FlushRange(m, off, length)
}

// teardown implements §4.1's Teardown(M). It must be called with
// open_count already at zero.
func (r *Root) teardown(m *filemap.Map) error {
	// Step 1: bump open_count back to 1 around a full-range flush so
	// concurrent references cannot free m out from under us.
	m.IncOpen()
	flushErr := r.FlushRange(m, 0, m.FileSize)
	m.DecOpen()

	// Step 2: detach m from its file.
	r.mu.Lock()
	delete(r.maps, m.File)
	r.mu.Unlock()

	// Step 3: with the global and map locks held (global first, per the
	// documented lock order, since this touches the global LRU and
	// dirty list too), drain the view list into a local free-list,
	// unmarking dirty and forcibly clearing mapped_count along the way.
	r.mu.Lock()
	m.Lock()
	drained := m.Drain()
	var toRelease []*view.View
	for _, v := range drained {
		r.unlinkLRULocked(v)
		if v.Dirty() {
			r.unmarkDirtyLocked(m, v)
		}
		if dec := v.ForceClearMapped(); dec > 0 {
			v.Unref()
		}
		toRelease = append(toRelease, v)
	}
	m.Unlock()
	r.mu.Unlock()

	// Step 4: outside the map lock, drop one reference from each
	// drained view. Each should reach ref=0 and free itself; anything
	// else is a leak diagnostic, not a fatal error.
	for _, v := range toRelease {
		if c := v.Unref(); c != 0 {
			r.inv.Violation("view outlived map teardown", logrus.Fields{
				"file_offset": v.FileOffset,
				"ref_count":   c,
			})
		}
	}

	return flushErr
}

// unlinkLRULocked removes v from the global LRU if present. The caller
// must hold r.mu.
func (r *Root) unlinkLRULocked(v *view.View) {
	if e := v.LRUElem(); e != nil {
		r.lru.Remove(e)
		v.SetLRUElem(nil)
	}
}

// pushLRULocked appends v to the LRU tail, or moves it there if already
// a member. The caller must hold r.mu.
func (r *Root) pushLRULocked(v *view.View) {
	if e := v.LRUElem(); e != nil {
		r.lru.MoveToBack(e)
		return
	}
	v.SetLRUElem(r.lru.PushBack(v))
}
