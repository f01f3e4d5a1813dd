// Package filemap implements the per-file map M: the ordered index of
// one file's views, its open count, its write-back callback table, and
// the per-map lock. Its list bookkeeping generalizes the shape of an
// ordered, mutable collection of cached blocks to a file-offset-keyed,
// strictly sorted index instead of one global unordered list.
package filemap

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/biscuit-os/viewcache/errs"
	"github.com/biscuit-os/viewcache/fsio"
	"github.com/biscuit-os/viewcache/view"
)

// PrivateBlock is the per-handle read-ahead collaborator's state. It is
// opaque to the cache manager core: the core only allocates, links and
// unlinks it, never interprets its contents. A real read-ahead
// implementation would replace this with its own type; nothing in this
// repository reads Data besides tests exercising the link/unlink
// lifecycle.
type PrivateBlock struct {
	Data any
}

// Map is the per-file view index M.
type Map struct {
	// mu is the per-map lock, a fine-grained spinlock-like role filled
	// here by a plain sync.Mutex, guarding Views, OpenCount and the
	// private-blocks list. It is always acquired after the registry's
	// global mutex, per the documented lock order.
	mu sync.Mutex

	File        fsio.File
	FileSize    int64
	SectionSize int64
	Backend     fsio.Backend
	WriterCtx   any
	Trace       bool

	// DirtyPages is the map-local dirty page counter; advisory when read
	// without the lock, authoritative under it.
	DirtyPages int64

	openCount int32 // atomic

	views []*view.View // strictly increasing FileOffset

	private []*PrivateBlock
}

// New constructs a per-file map. sectionSize may exceed file.Size() for
// the allocated range, per the data model.
func New(file fsio.File, sectionSize int64, backend fsio.Backend, writerCtx any) *Map {
	return &Map{
		File:        file,
		FileSize:    file.Size(),
		SectionSize: sectionSize,
		Backend:     backend,
		WriterCtx:   writerCtx,
	}
}

// Lock/Unlock expose the per-map lock to the registry, which must hold
// it (after the global mutex) while walking or mutating Views.
func (m *Map) Lock()   { m.mu.Lock() }
func (m *Map) Unlock() { m.mu.Unlock() }

// OpenCount returns the current handle count.
func (m *Map) OpenCount() int32 { return atomic.LoadInt32(&m.openCount) }

// IncOpen increments the open count and returns the new value.
func (m *Map) IncOpen() int32 { return atomic.AddInt32(&m.openCount, 1) }

// DecOpen decrements the open count and returns the new value.
func (m *Map) DecOpen() int32 { return atomic.AddInt32(&m.openCount, -1) }

// AttachPrivateBlock allocates and links a new per-handle read-ahead
// block, per Initialize's contract that its lifecycle is bound to the
// handle.
func (m *Map) AttachPrivateBlock() *PrivateBlock {
	m.mu.Lock()
	defer m.mu.Unlock()
	pb := &PrivateBlock{}
	m.private = append(m.private, pb)
	return pb
}

// DetachPrivateBlock unlinks and frees a per-handle read-ahead block, per
// Release's contract.
func (m *Map) DetachPrivateBlock(pb *PrivateBlock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, have := range m.private {
		if have == pb {
			m.private = append(m.private[:i], m.private[i+1:]...)
			return
		}
	}
}

// find returns the index of the view covering off and whether it was
// found, using binary search over the strictly sorted Views slice: it
// stops as soon as the candidate's FileOffset would put it past off.
func (m *Map) find(off int64, granularity int64) (int, bool) {
	aligned := off - off%granularity
	i := sort.Search(len(m.views), func(i int) bool {
		return m.views[i].FileOffset >= aligned
	})
	if i < len(m.views) && m.views[i].FileOffset == aligned {
		return i, true
	}
	return i, false
}

// Lookup walks the ordered view list for the view covering off. On a
// match it increments the view's reference count and returns it. The
// caller must already hold m's lock.
func (m *Map) Lookup(off int64, granularity int64) (*view.View, bool) {
	i, ok := m.find(off, granularity)
	if !ok {
		return nil, false
	}
	v := m.views[i]
	v.Ref()
	return v, true
}

// Insert places v in sorted position, preserving the uniqueness
// invariant, and reports false if a view already occupies
// v.FileOffset. The caller must already hold m's lock and must have
// just re-confirmed (under that same lock) that no such view exists —
// Create's re-scan step — so a false return here indicates a caller
// bug, never an expected race outcome.
func (m *Map) Insert(v *view.View) bool {
	idx := sort.Search(len(m.views), func(i int) bool {
		return m.views[i].FileOffset >= v.FileOffset
	})
	if idx < len(m.views) && m.views[idx].FileOffset == v.FileOffset {
		return false
	}
	m.views = append(m.views, nil)
	copy(m.views[idx+1:], m.views[idx:])
	m.views[idx] = v
	return true
}

// RemoveView implements view.MapHandle. It is called from a View's
// internal free path once its reference count reaches zero, and locks
// the map itself: callers of Unref must not already hold m's lock.
func (m *Map) RemoveView(v *view.View) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, have := range m.views {
		if have == v {
			m.views = append(m.views[:i], m.views[i+1:]...)
			return
		}
	}
}

// Views returns a snapshot of the current view list, in FileOffset
// order. The caller must already hold m's lock.
func (m *Map) Views() []*view.View {
	out := make([]*view.View, len(m.views))
	copy(out, m.views)
	return out
}

// Drain empties the view list and returns what it held, for teardown.
// The caller must already hold m's lock.
func (m *Map) Drain() []*view.View {
	out := m.views
	m.views = nil
	return out
}

// ErrExists is an error form of Insert's false result ("view already
// exists"), which should never happen given Create's re-scan-under-lock
// protocol. No caller in this module returns it: registry's create
// reports such a collision as a FatalInvariant and ErrOutOfResources.
var ErrExists = errs.ErrInvalidParameter
