// Package fsio declares the filesystem callback table the view cache
// manager consumes. It is one of the two capability interfaces named in
// the design (the other is the pgalloc/vaddr pair): a filesystem
// implements Backend and File, the cache manager calls back into them
// at well-defined points, and never the reverse.
package fsio

// File identifies the regular file a per-file map is backing. It is
// intentionally small: the cache manager only needs a file's current
// size and whether it is a temporary file (lazy writeback skips
// temporary files, see Root.FlushDirty).
//
// Implementations must be usable as a map key (the registry indexes its
// map registry by File), so in practice File should be implemented by a
// pointer or otherwise comparable type that is stable for the file's
// lifetime.
type File interface {
	// Size returns the file's current size in bytes.
	Size() int64
	// Temporary reports whether the file is flagged temporary. A dirty
	// view belonging to a temporary file is skipped by the lazy writer
	// but still flushed by an explicit, non-lazy FlushDirty/FlushCache.
	Temporary() bool
}

// Backend is the per-file write-back and lazy-write-acquisition
// callback table. acquire_for_lazy_write/release_from_lazy_write bracket
// FlushOne when called from the lazy writer so the filesystem can
// serialize writeback against other users of the file.
type Backend interface {
	// AcquireForLazyWrite acquires the file for writeback. It returns
	// false iff wait is false and acquisition would otherwise block.
	AcquireForLazyWrite(ctx any, wait bool) bool
	// ReleaseFromLazyWrite releases a hold taken by AcquireForLazyWrite.
	ReleaseFromLazyWrite(ctx any)
	// WriteBack persists length bytes starting at offset, read from buf.
	// It is the single on-disk effect this subsystem produces.
	WriteBack(offset int64, buf []byte) error
}
