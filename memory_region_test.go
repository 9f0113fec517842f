package rdma

import (
	"sort"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// newTestLocalMR fabricates a local root over a plain buffer, skipping the
// driver registration so tree logic can be exercised without hardware.
func newTestLocalMR(size int) *MemoryRegion {
	buf := make([]byte, size)
	mr := &MemoryRegion{
		addr:   uintptr(unsafe.Pointer(&buf[0])),
		length: size,
		local:  &localRoot{buf: buf, lkey: 0x1111, rkey: 0x2222},
	}
	mr.root = mr
	return mr
}

func TestSliceBounds(t *testing.T) {
	mr := newTestLocalMR(128)

	for _, bad := range [][2]int{{-1, 4}, {4, 4}, {8, 4}, {0, 129}, {128, 130}} {
		_, err := mr.Slice(bad[0], bad[1])
		assert.ErrorIs(t, err, ErrInvalidRange, "slice [%d, %d)", bad[0], bad[1])
	}

	sub, err := mr.Slice(0, 128)
	require.NoError(t, err)
	assert.Equal(t, 128, sub.Length())
	require.NoError(t, sub.Close())
}

func TestSliceOverlap(t *testing.T) {
	mr := newTestLocalMR(128)

	a, err := mr.Slice(16, 48)
	require.NoError(t, err)

	_, err = mr.Slice(32, 64)
	assert.ErrorIs(t, err, ErrRangeOverlap)
	_, err = mr.Slice(0, 17)
	assert.ErrorIs(t, err, ErrRangeOverlap)

	// Touching ranges are fine.
	b, err := mr.Slice(48, 64)
	require.NoError(t, err)
	c, err := mr.Slice(0, 16)
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	require.NoError(t, c.Close())
}

func TestSubRegionInheritsRootKeys(t *testing.T) {
	mr := newTestLocalMR(64)
	sub, err := mr.Slice(8, 24)
	require.NoError(t, err)

	assert.Equal(t, mr.addr+8, sub.addr)
	assert.Equal(t, 16, sub.Length())
	assert.Equal(t, mr.lkey(), sub.lkey())
	assert.Equal(t, mr.rkey(), sub.rkey())
	assert.True(t, sub.IsLocal())
	require.NoError(t, sub.Close())
}

func TestAllocFirstFit(t *testing.T) {
	mr := newTestLocalMR(128)

	a, err := mr.Alloc(LayoutOf(64))
	require.NoError(t, err)

	_, err = mr.Alloc(LayoutOf(128))
	assert.ErrorIs(t, err, ErrNoEnoughMemory)

	require.NoError(t, a.Close())

	b, err := mr.Alloc(LayoutOf(128))
	require.NoError(t, err)
	require.NoError(t, b.Close())
}

func TestAllocFillsGaps(t *testing.T) {
	mr := newTestLocalMR(100)

	head, err := mr.Slice(0, 10)
	require.NoError(t, err)
	tail, err := mr.Slice(50, 100)
	require.NoError(t, err)

	// The only gap big enough is [10, 50).
	mid, err := mr.Alloc(LayoutOf(40))
	require.NoError(t, err)
	assert.Equal(t, mr.addr+10, mid.addr)

	_, err = mr.Alloc(LayoutOf(1))
	assert.ErrorIs(t, err, ErrNoEnoughMemory)

	require.NoError(t, head.Close())
	require.NoError(t, tail.Close())
	require.NoError(t, mid.Close())
}

func TestNonLeafCannotBeBuffer(t *testing.T) {
	mr := newTestLocalMR(64)
	sub, err := mr.Slice(0, 16)
	require.NoError(t, err)

	_, _, err = mr.use()
	assert.ErrorIs(t, err, ErrNonLeafMR)
	_, err = mr.Bytes()
	assert.ErrorIs(t, err, ErrNonLeafMR)

	require.NoError(t, sub.Close())
	_, _, err = mr.use()
	assert.NoError(t, err, "leaf again after sub-region close")
}

func TestRootRetention(t *testing.T) {
	mr := newTestLocalMR(64)
	sub, err := mr.Slice(0, 16)
	require.NoError(t, err)

	assert.ErrorIs(t, mr.Close(), ErrSubRegionsLive)

	require.NoError(t, sub.Close())
	require.NoError(t, mr.Close())
}

func TestBytesWindow(t *testing.T) {
	mr := newTestLocalMR(32)
	root, err := mr.Bytes()
	require.NoError(t, err)
	for i := range root {
		root[i] = byte(i)
	}

	sub, err := mr.Slice(8, 12)
	require.NoError(t, err)
	window, err := sub.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{8, 9, 10, 11}, window)
	require.NoError(t, sub.Close())
}

func TestTokenRoundTrip(t *testing.T) {
	mr := newTestLocalMR(48)
	token := mr.Token()
	assert.Equal(t, uint64(mr.addr), token.Addr)
	assert.Equal(t, uint64(48), token.Len)
	assert.Equal(t, uint32(0x2222), token.RKey)

	remote := newRemoteMR(token, nil)
	assert.Equal(t, token, remote.Token())
	assert.False(t, remote.IsLocal())
}

func TestLayoutValidate(t *testing.T) {
	assert.Error(t, Layout{Size: 0, Align: 1}.validate())
	assert.Error(t, Layout{Size: 8, Align: 0}.validate())
	assert.Error(t, Layout{Size: 8, Align: 3}.validate())
	assert.NoError(t, Layout{Size: 8, Align: 4}.validate())
}

// Reservations stay sorted and pairwise disjoint under arbitrary interleaved
// slice/close sequences.
func TestReservationsInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		mr := newTestLocalMR(256)
		var live []*MemoryRegion

		steps := rapid.IntRange(1, 64).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if len(live) > 0 && rapid.Bool().Draw(t, "drop") {
				j := rapid.IntRange(0, len(live)-1).Draw(t, "victim")
				require.NoError(t, live[j].Close())
				live = append(live[:j], live[j+1:]...)
			} else {
				start := rapid.IntRange(0, 255).Draw(t, "start")
				end := rapid.IntRange(start+1, 256).Draw(t, "end")
				sub, err := mr.Slice(start, end)
				if err == nil {
					live = append(live, sub)
				}
			}

			mr.mu.Lock()
			sorted := sort.SliceIsSorted(mr.sub, func(a, b int) bool {
				return mr.sub[a].Start < mr.sub[b].Start
			})
			disjoint := true
			for k := 1; k < len(mr.sub); k++ {
				if mr.sub[k-1].End > mr.sub[k].Start {
					disjoint = false
				}
			}
			inBounds := true
			for _, s := range mr.sub {
				if s.Start < 0 || s.End > mr.length {
					inBounds = false
				}
			}
			mr.mu.Unlock()

			require.True(t, sorted, "reservation list must stay sorted")
			require.True(t, disjoint, "reservations must stay pairwise disjoint")
			require.True(t, inBounds, "reservations must stay inside the parent")
		}
	})
}
