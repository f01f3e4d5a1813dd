// Trim/reclaim engine: the two-phase pass that turns mapped-clean views
// into paged-out-but-still-valid views and ref<2 views into reclaimed
// storage. It generalizes a physical-page-class free-list refill from
// "steal a physical frame" to "walk the global LRU, page out what's
// safe to page out, and evict what nothing references anymore".
package registry

import (
	"github.com/biscuit-os/viewcache/filemap"
	"github.com/biscuit-os/viewcache/view"
	"github.com/sirupsen/logrus"
)

// Trim implements Trim(target_pages): Phase A walks the LRU from the
// least-recently-used end, paging out the physical pages of any
// mapped-and-clean view it passes and evicting any view whose reference
// count drops back to exactly one (the view's own map-membership unit)
// once Phase A's transient hold is released. If targetPages remains
// unmet after one walk, Phase B flushes dirty views toward the
// shortfall and retries Phase A once. It returns the number of pages
// actually reclaimed.
func (r *Root) Trim(targetPages int64) (int64, error) {
	freed, evicted := r.trimPass(targetPages)

	var flushErr error
	if freed < targetPages {
		shortfall := targetPages - freed
		written, err := r.FlushDirty(shortfall, false, false)
		flushErr = err
		if written > 0 {
			more, moreEvicted := r.trimPass(targetPages - freed)
			freed += more
			evicted = append(evicted, moreEvicted...)
		}
	}

	// Finalize: drop the last reference on each evicted view. Each
	// should reach ref=0 here — Phase A only ever selected views whose
	// count, after releasing its own transient hold, was exactly one —
	// so a nonzero result means something else took a reference between
	// eviction and finalize, which is a leak, not an expected race.
	for _, v := range evicted {
		if c := v.Unref(); c != 0 {
			r.inv.Violation("evicted view survived finalize", logrus.Fields{
				"file_offset": v.FileOffset,
				"ref_count":   c,
			})
		}
	}

	return freed, flushErr
}

// trimPass runs one Phase-A walk of the global LRU from head (least
// recently used) to tail, stopping once targetPages pages have been
// accounted for reclaimable or the list is exhausted. It returns the
// page count freed this pass and the views it evicted from their owning
// map and the LRU, ready for Trim's finalize step.
func (r *Root) trimPass(targetPages int64) (int64, []*view.View) {
	pagesPerView := int64(r.cfg.pagesPerView())
	var freed int64
	var evicted []*view.View

	v := r.lruFront()
	for v != nil && freed < targetPages {
		next := r.lruNext(v)

		v.Ref() // Phase A's transient walk hold

		if v.MappedCount() > 0 && !v.Dirty() {
			for _, p := range v.Pages() {
				// A page-out failure leaves the page resident; nothing
				// to undo, the view simply isn't reclaimed this pass.
				_ = r.alloc.PageOut(p)
			}
		}

		if c := v.Unref(); c == 1 {
			m := v.Owner().(*filemap.Map)
			m.RemoveView(v)
			r.mu.Lock()
			r.unlinkLRULocked(v)
			r.mu.Unlock()
			evicted = append(evicted, v)
			freed += pagesPerView
		}

		v = next
	}
	return freed, evicted
}

// lruFront returns the current LRU head.
func (r *Root) lruFront() *view.View {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.lru.Front()
	if e == nil {
		return nil
	}
	return e.Value.(*view.View)
}

// lruNext returns v's successor in the LRU, captured before any lock is
// dropped around a page-out callout so the walk makes forward progress
// even though v itself may be unlinked by the time it's consulted again.
func (r *Root) lruNext(v *view.View) *view.View {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := v.LRUElem()
	if e == nil {
		return nil
	}
	n := e.Next()
	if n == nil {
		return nil
	}
	return n.Value.(*view.View)
}
