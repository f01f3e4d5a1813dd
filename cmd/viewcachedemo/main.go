// Command viewcachedemo exercises the view cache manager end to end
// against an in-memory stand-in for a filesystem, the same role
// _examples/Oichkatzelesfrettschen-biscuit/biscuit/src/ufs/driver.go's
// ahci_disk_t plays for that kernel's own mkfs/ufs tools: a small,
// host-process-only backend so the cache manager can be driven without
// a real disk or MMU underneath it.
package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/biscuit-os/viewcache/errs"
	"github.com/biscuit-os/viewcache/fsio"
	"github.com/biscuit-os/viewcache/pgalloc"
	"github.com/biscuit-os/viewcache/registry"
	"github.com/biscuit-os/viewcache/vaddr"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

var (
	granularity = flag.Int64("granularity", 4096, "view size in bytes, must be a multiple of --page-size")
	pageSize    = flag.Int("page-size", 4096, "physical page size in bytes")
	fileSize    = flag.Int64("file-size", 64*1024, "size in bytes of the demo file backing the cache")
	trimTarget  = flag.Int64("trim-pages", 1, "pages to request from Trim after the flush")
	verbose     = flag.Bool("verbose", false, "set the logger to debug level")
)

// memFile is a trivial fsio.File: a fixed-size, non-temporary file
// identified by its own pointer identity.
type memFile struct {
	size int64
}

func (f *memFile) Size() int64     { return f.size }
func (f *memFile) Temporary() bool { return false }

// memBackend is an in-memory fsio.Backend: write-back appends the
// accepted offset to a log instead of touching a disk, and
// acquire/release are unconditional since there is only ever one
// writer in this demo.
type memBackend struct {
	mu      sync.Mutex
	id      uuid.UUID
	written []int64
}

func (b *memBackend) AcquireForLazyWrite(ctx any, wait bool) bool {
	return true
}

func (b *memBackend) ReleaseFromLazyWrite(ctx any) {}

func (b *memBackend) WriteBack(offset int64, buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.written = append(b.written, offset)
	return nil
}

func main() {
	flag.Parse()

	logger := logrus.StandardLogger()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	root := registry.New(registry.Config{
		Granularity: *granularity,
		PageSize:    *pageSize,
		Logger:      logger,
	}, pgalloc.NewArena(*pageSize), vaddr.NewSimulated())

	file := &memFile{size: *fileSize}
	backend := &memBackend{id: uuid.New()}

	handle, err := root.InitializeFileCache(file, *fileSize, backend, nil)
	if err != nil {
		fatal(logger, "InitializeFileCache", err)
	}
	logger.WithField("backend_id", backend.id).Info("file cache initialized")

	view, addr, valid, err := root.RequestView(handle, 0)
	if err != nil {
		fatal(logger, "RequestView", err)
	}
	fmt.Printf("view at offset 0 mapped at %#x (valid=%v)\n", addr, valid)

	copy(view.Bytes(), []byte("hello, view cache"))
	if err := root.ReleaseView(handle, view, true, true, false); err != nil {
		fatal(logger, "ReleaseView", err)
	}
	fmt.Printf("dirty pages after write: %d\n", root.DirtyPages())

	if err := root.FlushCache(file, 0, *granularity); err != nil {
		fatal(logger, "FlushCache", err)
	}
	fmt.Printf("dirty pages after flush: %d, backend saw write-backs at offsets %v\n", root.DirtyPages(), backend.written)

	freed, err := root.Trim(*trimTarget)
	if err != nil {
		fatal(logger, "Trim", err)
	}
	fmt.Printf("trim reclaimed %d pages toward a target of %d\n", freed, *trimTarget)

	if err := root.ReleaseFileCache(handle); err != nil {
		fatal(logger, "ReleaseFileCache", err)
	}
	fmt.Println("file cache released")
}

func fatal(logger *logrus.Logger, op string, err error) {
	fields := logrus.Fields{"op": op}
	if iof, ok := err.(*errs.IoFailure); ok {
		fields["retriable"] = iof.Retriable()
	}
	logger.WithFields(fields).WithError(err).Error("demo operation failed")
	os.Exit(1)
}
