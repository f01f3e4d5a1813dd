package view

import (
	"testing"

	"github.com/biscuit-os/viewcache/errs"
	"github.com/biscuit-os/viewcache/pgalloc"
	"github.com/biscuit-os/viewcache/vaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOwner struct {
	removed []*View
}

func (o *fakeOwner) RemoveView(v *View) { o.removed = append(o.removed, v) }

func newTestView(t *testing.T, owner MapHandle) (*View, *pgalloc.Arena, *vaddr.Simulated) {
	t.Helper()
	alloc := pgalloc.NewArena(16)
	space := vaddr.NewSimulated()
	inv := errs.Invariants{Strict: true}
	v := New(owner, alloc, space, inv, 0)
	require.NoError(t, v.Map(16, 2))
	return v, alloc, space
}

func TestViewMapPublishesBaseAddrAndBytes(t *testing.T) {
	owner := &fakeOwner{}
	v, _, _ := newTestView(t, owner)

	assert.True(t, v.BaseAddr() != 0)
	assert.Len(t, v.Bytes(), 32)
	assert.Equal(t, int32(1), v.RefCount())
}

func TestViewRefUnrefLifecycle(t *testing.T) {
	owner := &fakeOwner{}
	v, alloc, _ := newTestView(t, owner)

	v.Ref()
	assert.Equal(t, int32(2), v.RefCount())

	assert.Equal(t, int32(1), v.Unref())
	assert.Empty(t, owner.removed)

	assert.Equal(t, int32(0), v.Unref())
	assert.Equal(t, []*View{v}, owner.removed)
	assert.Equal(t, int64(0), alloc.Live())
}

func TestViewValidDirtyFlags(t *testing.T) {
	owner := &fakeOwner{}
	v, _, _ := newTestView(t, owner)

	assert.False(t, v.Valid())
	v.SetValid(true)
	assert.True(t, v.Valid())

	assert.False(t, v.Dirty())
	v.SetDirtyFlag(true)
	assert.True(t, v.Dirty())
}

func TestViewMappedCountTracksIndependentlyOfRefCount(t *testing.T) {
	owner := &fakeOwner{}
	v, _, _ := newTestView(t, owner)

	assert.Equal(t, int32(1), v.IncMappedCount())
	assert.Equal(t, int32(1), v.MappedCount())
	assert.Equal(t, int32(0), v.DecMappedCount())
}

func TestViewFreeReportsViolationWhileDirty(t *testing.T) {
	var violated bool
	owner := &fakeOwner{}
	alloc := pgalloc.NewArena(16)
	space := vaddr.NewSimulated()
	inv := errs.Invariants{Strict: false, Logger: testLogger(&violated)}
	v := New(owner, alloc, space, inv, 0)
	require.NoError(t, v.Map(16, 1))
	v.SetDirtyFlag(true)

	v.Unref()

	assert.True(t, violated, "freeing a dirty view should report a fatal invariant")
}

func TestViewForceClearMapped(t *testing.T) {
	owner := &fakeOwner{}
	v, _, _ := newTestView(t, owner)

	assert.Equal(t, 0, v.ForceClearMapped())
	v.IncMappedCount()
	assert.Equal(t, 1, v.ForceClearMapped())
	assert.Equal(t, int32(0), v.MappedCount())
}
