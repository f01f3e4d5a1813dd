package vaddr

import (
	"testing"

	"github.com/biscuit-os/viewcache/pgalloc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedReserveYieldsDistinctRegions(t *testing.T) {
	s := NewSimulated()

	r1, err := s.ReserveRegion(64, 4)
	require.NoError(t, err)
	r2, err := s.ReserveRegion(64, 4)
	require.NoError(t, err)

	assert.True(t, r1.Valid())
	assert.True(t, r2.Valid())
	assert.NotEqual(t, r1.Base(), r2.Base())
}

func TestSimulatedMapUnmapPage(t *testing.T) {
	s := NewSimulated()
	alloc := pgalloc.NewArena(64)
	r, err := s.ReserveRegion(64, 2)
	require.NoError(t, err)

	p, err := alloc.AllocPage(pgalloc.ClassCache)
	require.NoError(t, err)

	assert.NoError(t, s.MapPage(r, 0, p))
	assert.NoError(t, s.MapPage(r, 1, p))
	assert.Error(t, s.MapPage(r, 2, p), "index out of range should fail")

	s.UnmapPage(r, 0)
	s.ReleaseRegion(r)
}
