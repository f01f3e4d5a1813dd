package registry

import (
	"sync"
	"testing"

	"github.com/biscuit-os/viewcache/errs"
	"github.com/biscuit-os/viewcache/fsio"
	"github.com/biscuit-os/viewcache/pgalloc"
	"github.com/biscuit-os/viewcache/vaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type testFile struct {
	size int64
	temp bool
}

func (f *testFile) Size() int64     { return f.size }
func (f *testFile) Temporary() bool { return f.temp }

type testBackend struct {
	mu         sync.Mutex
	writes     []int64
	failOffset int64
	failErr    error
	acquired   int
}

func (b *testBackend) AcquireForLazyWrite(any, bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acquired++
	return true
}

func (b *testBackend) ReleaseFromLazyWrite(any) {}

func (b *testBackend) WriteBack(offset int64, buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failErr != nil && offset == b.failOffset {
		return b.failErr
	}
	b.writes = append(b.writes, offset)
	return nil
}

// testFileSize is small enough that a full-range FlushRange walk (one
// granularity-aligned bucket at a time) stays cheap in tests that
// exercise teardown or explicit FlushCache.
const testFileSize = 1 << 8

func testRoot(t *testing.T) *Root {
	t.Helper()
	cfg := Config{
		Granularity: 32,
		PageSize:    16,
	}
	return New(cfg, pgalloc.NewArena(16), vaddr.NewSimulated())
}

func TestInitializeAndGetViewCreatesThenHits(t *testing.T) {
	r := testRoot(t)
	file := &testFile{size: testFileSize}
	h, err := r.InitializeFileCache(file, 1<<20, &testBackend{}, nil)
	require.NoError(t, err)

	v1, addr1, _, err := r.RequestView(h, 0)
	require.NoError(t, err)
	assert.NotZero(t, addr1)

	v2, addr2, _, err := r.RequestView(h, 0)
	require.NoError(t, err)

	assert.Same(t, v1, v2, "a second request for the same offset must return the same view")
	assert.Equal(t, addr1, addr2)
}

func TestCreateIsUniqueUnderRace(t *testing.T) {
	r := testRoot(t)
	file := &testFile{size: testFileSize}
	h, err := r.InitializeFileCache(file, 1<<20, &testBackend{}, nil)
	require.NoError(t, err)

	const racers = 8
	results := make([]uintptr, racers)
	var g errgroup.Group
	for i := 0; i < racers; i++ {
		i := i
		g.Go(func() error {
			_, addr, _, err := r.RequestView(h, 0)
			results[i] = addr
			return err
		})
	}
	require.NoError(t, g.Wait())

	for i := 1; i < racers; i++ {
		assert.Equal(t, results[0], results[i], "every racer must observe the same published view")
	}
}

func TestMarkDirtyThenFlushClearsIt(t *testing.T) {
	r := testRoot(t)
	backend := &testBackend{}
	file := &testFile{size: testFileSize}
	h, err := r.InitializeFileCache(file, 1<<20, backend, nil)
	require.NoError(t, err)

	v, _, _, err := r.RequestView(h, 0)
	require.NoError(t, err)
	require.NoError(t, r.ReleaseView(h, v, true, true, false))

	assert.True(t, v.Dirty())
	assert.Equal(t, int64(2), r.DirtyPages())

	require.NoError(t, r.FlushCache(file, 0, 32))

	assert.False(t, v.Dirty())
	assert.Equal(t, int64(0), r.DirtyPages())
	assert.Equal(t, []int64{0}, backend.writes)
}

func TestTrimPagesOutMappedCleanViewWithoutEvicting(t *testing.T) {
	r := testRoot(t)
	file := &testFile{size: testFileSize}
	h, err := r.InitializeFileCache(file, 1<<20, &testBackend{}, nil)
	require.NoError(t, err)

	v, _, _, err := r.RequestView(h, 0)
	require.NoError(t, err)
	require.NoError(t, r.ReleaseView(h, v, true, false, true)) // mapped, clean

	freed, err := r.Trim(2)
	require.NoError(t, err)

	assert.Equal(t, int32(1), v.MappedCount(), "a mapped view survives trim")
	assert.Zero(t, freed, "a mapped view is paged out, not evicted")
}

func TestTrimEvictsUnreferencedView(t *testing.T) {
	r := testRoot(t)
	file := &testFile{size: testFileSize}
	h, err := r.InitializeFileCache(file, 1<<20, &testBackend{}, nil)
	require.NoError(t, err)

	v, _, _, err := r.RequestView(h, 0)
	require.NoError(t, err)
	require.NoError(t, r.ReleaseView(h, v, true, false, false)) // not mapped, not dirty

	freed, err := r.Trim(2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), freed)
}

func TestLazyFlushSkipsTemporaryFile(t *testing.T) {
	r := testRoot(t)
	backend := &testBackend{}
	file := &testFile{size: testFileSize, temp: true}
	h, err := r.InitializeFileCache(file, 1<<20, backend, nil)
	require.NoError(t, err)

	v, _, _, err := r.RequestView(h, 0)
	require.NoError(t, err)
	require.NoError(t, r.ReleaseView(h, v, true, true, false))

	written, err := r.FlushDirty(2, false, true)
	require.NoError(t, err)

	assert.Zero(t, written, "a temporary file's dirty views are skipped by the lazy writer")
	assert.True(t, v.Dirty())
	assert.Empty(t, backend.writes)
}

func TestTeardownFlushesDirtyViewsBeforeRemoval(t *testing.T) {
	r := testRoot(t)
	backend := &testBackend{}
	file := &testFile{size: testFileSize}
	h, err := r.InitializeFileCache(file, 1<<20, backend, nil)
	require.NoError(t, err)

	v, _, _, err := r.RequestView(h, 0)
	require.NoError(t, err)
	require.NoError(t, r.ReleaseView(h, v, true, true, false))

	require.NoError(t, r.ReleaseFileCache(h))

	assert.Equal(t, []int64{0}, backend.writes)
	assert.NoError(t, r.RemoveIfClosed(file))
}

func TestRequestViewRejectsMisalignedOffset(t *testing.T) {
	var violated bool
	cfg := Config{Granularity: 32, PageSize: 16, Lenient: true, Logger: discardLogger(&violated)}
	r := New(cfg, pgalloc.NewArena(16), vaddr.NewSimulated())
	file := &testFile{size: testFileSize}
	h, err := r.InitializeFileCache(file, 1<<20, &testBackend{}, nil)
	require.NoError(t, err)

	_, _, _, err = r.RequestView(h, 5)

	assert.ErrorIs(t, err, errs.ErrInvalidParameter)
	assert.True(t, violated)
}

func TestFlushDirtyRecordsUnretriableWriteBackFailureButCountsItWritten(t *testing.T) {
	r := testRoot(t)
	backend := &testBackend{failOffset: 0, failErr: errs.ErrWriteProtected}
	file := &testFile{size: testFileSize}
	h, err := r.InitializeFileCache(file, 1<<20, backend, nil)
	require.NoError(t, err)

	v, _, _, err := r.RequestView(h, 0)
	require.NoError(t, err)
	require.NoError(t, r.ReleaseView(h, v, true, true, false))

	written, err := r.FlushDirty(2, false, false)

	require.NoError(t, err, "a non-retriable failure is absorbed, not returned")
	assert.Equal(t, int64(2), written, "a non-retriable failure still counts as accounted for")
	assert.Equal(t, 1, backend.acquired)
}

var _ fsio.File = (*testFile)(nil)
var _ fsio.Backend = (*testBackend)(nil)
