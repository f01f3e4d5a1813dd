// Dirty and flush engine: MarkDirty/UnmarkDirty maintain the global
// dirty list and its ref-counting invariant; FlushOne/FlushDirty/
// FlushRange provide synchronous and lazy writeback, generalizing a
// single in-flight write-back request per call to a traversal over the
// whole dirty list bounded by a target page count.
package registry

import (
	"sync/atomic"

	"github.com/biscuit-os/viewcache/errs"
	"github.com/biscuit-os/viewcache/filemap"
	"github.com/biscuit-os/viewcache/view"
)

// MarkDirty implements MarkDirty(V). v must not already be dirty.
func (r *Root) MarkDirty(m *filemap.Map, v *view.View) {
	if v.Dirty() {
		r.inv.Violation("MarkDirty on an already-dirty view", nil)
		return
	}
	pages := int64(r.cfg.pagesPerView())

	r.mu.Lock()
	m.Lock()
	v.SetDirtyElem(r.dirty.PushBack(v))
	atomic.AddInt64(&r.dirtyPages, pages)
	m.DirtyPages += pages
	v.Ref()
	r.pushLRULocked(v)
	v.SetDirtyFlag(true)
	m.Unlock()
	r.mu.Unlock()

	r.triggerLazyWriter()
}

// unmarkDirtyLocked is UnmarkDirty's body, for callers that already hold
// r.mu and m's lock (UnmarkDirty itself, and map teardown).
func (r *Root) unmarkDirtyLocked(m *filemap.Map, v *view.View) {
	pages := int64(r.cfg.pagesPerView())
	v.SetDirtyFlag(false)
	if e := v.DirtyElem(); e != nil {
		r.dirty.Remove(e)
		v.SetDirtyElem(nil)
	}
	atomic.AddInt64(&r.dirtyPages, -pages)
	m.DirtyPages -= pages
	v.Unref()
}

// UnmarkDirty implements UnmarkDirty(V). v must already be dirty.
func (r *Root) UnmarkDirty(m *filemap.Map, v *view.View) {
	if !v.Dirty() {
		r.inv.Violation("UnmarkDirty on a view that is not dirty", nil)
		return
	}
	r.mu.Lock()
	m.Lock()
	r.unmarkDirtyLocked(m, v)
	m.Unlock()
	r.mu.Unlock()
}

// FlushOne calls the filesystem's write_back callback for v. On success
// it clears the dirty flag; on failure it leaves v dirty and returns the
// wrapped error.
func (r *Root) FlushOne(v *view.View) error {
	m := v.Owner().(*filemap.Map)
	if err := m.Backend.WriteBack(v.FileOffset, v.Bytes()); err != nil {
		return &errs.IoFailure{Err: err}
	}
	if v.Dirty() {
		r.UnmarkDirty(m, v)
	}
	return nil
}

// TryBeginLazyScan reports whether the caller should start a lazy
// writer scan, atomically marking one as in progress if so. The caller
// must call EndLazyScan when its scan loop finishes.
func (r *Root) TryBeginLazyScan() bool {
	return r.lazyScanning.CompareAndSwap(false, true)
}

// EndLazyScan marks the lazy writer as no longer scanning.
func (r *Root) EndLazyScan() { r.lazyScanning.Store(false) }

func (r *Root) triggerLazyWriter() {
	if !r.TryBeginLazyScan() {
		return
	}
	// No scan is currently registered as running; hand control straight
	// back by ending it immediately unless a trigger hook wants to run
	// one synchronously to completion via FlushDirty(..., fromLazy=true).
	if r.cfg.LazyWriterTrigger != nil {
		r.cfg.LazyWriterTrigger(r)
		return
	}
	r.EndLazyScan()
}

// FlushDirty traverses the global dirty list from the head, flushing
// candidates until targetPages have been written or the list is
// exhausted. It returns the number of pages considered written
// (successful flushes, plus flushes that failed with a non-retriable
// error) and the first unexpected error encountered, if any.
func (r *Root) FlushDirty(targetPages int64, wait bool, fromLazy bool) (int64, error) {
	pagesPerView := int64(r.cfg.pagesPerView())
	var written int64
	var firstErr error

	nextFront := func() *view.View {
		r.mu.Lock()
		defer r.mu.Unlock()
		e := r.dirty.Front()
		if e == nil {
			return nil
		}
		return e.Value.(*view.View)
	}
	advance := func(v *view.View) *view.View {
		r.mu.Lock()
		defer r.mu.Unlock()
		e := v.DirtyElem()
		if e == nil {
			return r.frontLocked()
		}
		n := e.Next()
		if n == nil {
			return nil
		}
		return n.Value.(*view.View)
	}

	v := nextFront()
	for v != nil && written < targetPages {
		v.Ref() // the flush hold
		m := v.Owner().(*filemap.Map)

		if fromLazy && m.File.Temporary() {
			v.Unref()
			v = advance(v)
			continue
		}

		if !m.Backend.AcquireForLazyWrite(m.WriterCtx, wait) {
			v.Unref()
			v = advance(v)
			continue
		}

		// An idle dirty view holds three references here: map membership,
		// dirty-list membership and the flush hold. Anything more means
		// someone else is using it.
		if v.RefCount() > 3 {
			m.Backend.ReleaseFromLazyWrite(m.WriterCtx)
			v.Unref()
			v = advance(v)
			continue
		}

		err := r.FlushOne(v)
		m.Backend.ReleaseFromLazyWrite(m.WriterCtx)
		v.Unref()

		switch iof, ok := err.(*errs.IoFailure); {
		case err == nil:
			written += pagesPerView
		case ok && !iof.Retriable():
			written += pagesPerView
		case firstErr == nil:
			firstErr = err
		}

		// The list may have mutated while locks were released around
		// the callouts above; restart traversal from the head.
		v = nextFront()
	}
	return written, firstErr
}

// frontLocked returns the current dirty-list head. The caller must hold
// r.mu.
func (r *Root) frontLocked() *view.View {
	e := r.dirty.Front()
	if e == nil {
		return nil
	}
	return e.Value.(*view.View)
}

// FlushRange implements FlushRange(section, off, len): for each
// GRANULARITY-aligned bucket overlapping [off, off+length), flush it if
// dirty and release it with its current flags. The first per-bucket
// error is reported; later ones are dropped.
func (r *Root) FlushRange(m *filemap.Map, off, length int64) error {
	var firstErr error
	g := r.cfg.Granularity
	start := off - off%g
	end := off + length
	for bucket := start; bucket < end; bucket += g {
		m.Lock()
		v, hit := m.Lookup(bucket, g)
		m.Unlock()
		if !hit {
			continue
		}
		if v.Dirty() {
			if err := r.FlushOne(v); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		r.releaseView(m, v, v.Valid(), v.Dirty(), false)
	}
	return firstErr
}
