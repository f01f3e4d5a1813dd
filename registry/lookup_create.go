package registry

import (
	"github.com/biscuit-os/viewcache/errs"
	"github.com/biscuit-os/viewcache/filemap"
	"github.com/biscuit-os/viewcache/view"
)

// GetView resolves (h, off) to a view, creating it if necessary, and
// moves it to the LRU tail either way. It returns the view, its base
// address, and its current valid flag.
func (r *Root) GetView(h *Handle, off int64) (*view.View, uintptr, bool, error) {
	if h == nil {
		return nil, 0, false, errs.ErrInvalidParameter
	}
	v, err := r.get(h.m, off)
	if err != nil {
		return nil, 0, false, err
	}
	return v, v.BaseAddr(), v.Valid(), nil
}

// RequestView is GetView restricted to GRANULARITY-aligned offsets.
// Misalignment is a programming error and is fatal.
func (r *Root) RequestView(h *Handle, off int64) (*view.View, uintptr, bool, error) {
	if off%r.cfg.Granularity != 0 {
		r.inv.Violation("RequestView called with misaligned offset", nil)
		return nil, 0, false, errs.ErrInvalidParameter
	}
	return r.GetView(h, off)
}

// get implements Get(M, off) = Lookup, then Create on miss; on a hit it
// moves the view to the LRU tail.
func (r *Root) get(m *filemap.Map, off int64) (*view.View, error) {
	m.Lock()
	v, hit := m.Lookup(off, r.cfg.Granularity)
	m.Unlock()
	if hit {
		r.mu.Lock()
		r.pushLRULocked(v)
		r.mu.Unlock()
		return v, nil
	}
	return r.create(m, off)
}

// create implements Create(M, off), the uniqueness-under-race protocol:
// map, then re-scan under lock, publishing only if no racing creator
// won first.
func (r *Root) create(m *filemap.Map, off int64) (*view.View, error) {
	if off < 0 || off >= m.SectionSize {
		return nil, errs.ErrInvalidParameter
	}
	aligned := off - off%r.cfg.Granularity

	// Step 1+2: allocate a raw, unpublished view and perform its
	// mapping entirely outside any lock.
	raw := view.New(m, r.alloc, r.space, r.inv, aligned)
	if err := raw.Map(r.cfg.PageSize, r.cfg.pagesPerView()); err != nil {
		return nil, err
	}

	// Step 3: re-acquire locks in the documented order and re-scan for
	// a view that another racing creator may have published first.
	r.mu.Lock()
	m.Lock()
	if existing, hit := m.Lookup(aligned, r.cfg.Granularity); hit {
		m.Unlock()
		r.mu.Unlock()
		// The loser's view never joined any list; dropping its only
		// reference (the map-membership unit from view.New) tears its
		// mapping down immediately.
		raw.Unref()
		return existing, nil
	}

	// Step 4: publish. Insert in sorted position, append to the LRU
	// tail, and take the extra reference representing the caller's
	// hold.
	if !m.Insert(raw) {
		m.Unlock()
		r.mu.Unlock()
		r.inv.Violation("view collision survived re-scan", nil)
		return nil, errs.ErrOutOfResources
	}
	r.pushLRULocked(raw)
	raw.Ref()
	m.Unlock()
	r.mu.Unlock()
	return raw, nil
}

// ReleaseView implements Release(M, V, valid, now_dirty, mapped_inc).
func (r *Root) ReleaseView(h *Handle, v *view.View, valid, nowDirty, mappedInc bool) error {
	if h == nil || v == nil {
		return errs.ErrInvalidParameter
	}
	r.releaseView(h.m, v, valid, nowDirty, mappedInc)
	return nil
}

// releaseView is the internal primitive behind ReleaseView, usable by
// callers (FlushRange, teardown) that only have a *filemap.Map, not a
// Handle.
func (r *Root) releaseView(m *filemap.Map, v *view.View, valid, nowDirty, mappedInc bool) {
	v.SetValid(valid)
	if nowDirty && !v.Dirty() {
		r.MarkDirty(m, v)
	}
	if mappedInc {
		if v.IncMappedCount() == 1 {
			v.Ref()
		}
	}
	v.Unref()
}

// UnmapView implements Unmap(M, off, now_dirty).
func (r *Root) UnmapView(h *Handle, off int64, nowDirty bool) error {
	if h == nil {
		return errs.ErrInvalidParameter
	}
	h.m.Lock()
	v, hit := h.m.Lookup(off, r.cfg.Granularity)
	h.m.Unlock()
	if !hit {
		return errs.ErrNotFound
	}
	if v.DecMappedCount() == 0 {
		v.Unref()
	}
	r.releaseView(h.m, v, v.Valid(), nowDirty, false)
	return nil
}

// MarkDirtyByOffset implements MarkDirtyByOffset(M, off). Absence of the
// view is a fatal bug: callers promised the view already exists.
func (r *Root) MarkDirtyByOffset(h *Handle, off int64) error {
	if h == nil {
		return errs.ErrInvalidParameter
	}
	h.m.Lock()
	v, hit := h.m.Lookup(off, r.cfg.Granularity)
	h.m.Unlock()
	if !hit {
		r.inv.Violation("MarkDirtyByOffset on a view that does not exist", nil)
		return errs.ErrNotFound
	}
	r.releaseView(h.m, v, v.Valid(), true, false)
	return nil
}
