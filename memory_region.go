package rdma

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"unsafe"
)

var (
	// ErrInvalidRange is returned for a slice outside the parent region.
	ErrInvalidRange = errors.New("invalid memory region range")
	// ErrRangeOverlap is returned when a slice collides with a reserved
	// sibling range.
	ErrRangeOverlap = errors.New("memory region range overlap")
	// ErrNoEnoughMemory is returned when first-fit allocation finds no gap of
	// the requested size.
	ErrNoEnoughMemory = errors.New("no enough memory")
	// ErrNonLeafMR is returned when a region with live sub-regions is used as
	// a data buffer.
	ErrNonLeafMR = errors.New("memory region has live sub-regions")
	// ErrSubRegionsLive is returned when closing a region that still has
	// outstanding sub-regions.
	ErrSubRegionsLive = errors.New("sub-regions still live")
	// ErrNotLocalMR is returned when a remote region is passed where local
	// memory is required.
	ErrNotLocalMR = errors.New("memory region is not local")
	// ErrNotRemoteMR is the counterpart of ErrNotLocalMR: a local region was
	// passed where remote memory is required.
	ErrNotRemoteMR = errors.New("memory region is not remote")
)

// Layout describes the size and alignment of a requested allocation.
type Layout struct {
	Size  int
	Align int
}

// LayoutOf returns a Layout for a buffer of n bytes with natural alignment.
func LayoutOf(n int) Layout {
	return Layout{Size: n, Align: 1}
}

func (l Layout) validate() error {
	if l.Size <= 0 {
		return fmt.Errorf("%w: layout size %d", ErrInvalidRange, l.Size)
	}
	if l.Align <= 0 || l.Align&(l.Align-1) != 0 {
		return fmt.Errorf("%w: layout align %d", ErrInvalidRange, l.Align)
	}
	return nil
}

// MemoryRegionToken is the serializable handle by which one side names a
// region registered on the other side. The address is in the owning process's
// virtual address space.
type MemoryRegionToken struct {
	Addr uint64
	Len  uint64
	RKey uint32
}

// byteRange is a half-open [Start, End) reservation inside a parent region.
type byteRange struct {
	Start int
	End   int
}

func (r byteRange) len() int { return r.End - r.Start }

// localRoot owns the driver registration and the backing buffer.
type localRoot struct {
	raw  *rawMR
	pd   *ProtectionDomain
	buf  []byte
	lkey uint32
	rkey uint32
}

// remoteRoot wraps a token received from the peer plus the agent that will
// eventually release it.
type remoteRoot struct {
	token MemoryRegionToken
	agent *Agent
}

// MemoryRegion is a node in an MR tree. A root owns either a driver
// registration (local) or a remote token; a sub-region carries references to
// its parent and root and no storage of its own.
//
// Reserved sub-ranges are kept sorted and pairwise disjoint. A region with
// live sub-regions may not be used as a data buffer.
type MemoryRegion struct {
	addr   uintptr
	length int

	local  *localRoot
	remote *remoteRoot

	parent *MemoryRegion
	root   *MemoryRegion
	span   byteRange // position within parent; roots cover [0, length)

	mu        sync.Mutex
	sub       []byteRange
	closeOnce sync.Once
}

// newLocalMR allocates a zeroed buffer for layout and registers it with pd.
func newLocalMR(pd *ProtectionDomain, layout Layout, access AccessFlags) (*MemoryRegion, error) {
	if err := layout.validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, layout.Size)
	raw, err := pd.registerMR(buf, access)
	if err != nil {
		return nil, err
	}
	mr := &MemoryRegion{
		addr:   uintptr(unsafe.Pointer(&buf[0])),
		length: len(buf),
		local: &localRoot{
			raw:  raw,
			pd:   pd,
			buf:  buf,
			lkey: raw.lkey,
			rkey: raw.rkey,
		},
	}
	mr.root = mr
	return mr, nil
}

// newRemoteMR wraps a token received from the peer. Closing the returned
// region asks the peer, through agent, to drop its strong reference.
func newRemoteMR(token MemoryRegionToken, agent *Agent) *MemoryRegion {
	mr := &MemoryRegion{
		addr:   uintptr(token.Addr),
		length: int(token.Len),
		remote: &remoteRoot{token: token, agent: agent},
	}
	mr.root = mr
	return mr
}

// Length returns the region's size in bytes.
func (mr *MemoryRegion) Length() int { return mr.length }

// IsLocal reports whether the region describes memory in this process.
func (mr *MemoryRegion) IsLocal() bool { return mr.root.local != nil }

// Token returns the (addr, length, rkey) triple naming this region on its
// owning side.
func (mr *MemoryRegion) Token() MemoryRegionToken {
	return MemoryRegionToken{
		Addr: uint64(mr.addr),
		Len:  uint64(mr.length),
		RKey: mr.rkey(),
	}
}

func (mr *MemoryRegion) lkey() uint32 {
	if mr.root.local == nil {
		return 0
	}
	return mr.root.local.lkey
}

func (mr *MemoryRegion) rkey() uint32 {
	if mr.root.local != nil {
		return mr.root.local.rkey
	}
	return mr.root.remote.token.RKey
}

// use validates the leaf property and yields the address range for a data
// operation. Regions with live sub-regions cannot be buffers.
func (mr *MemoryRegion) use() (uintptr, int, error) {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	if len(mr.sub) != 0 {
		return 0, 0, fmt.Errorf("%w: %d reserved", ErrNonLeafMR, len(mr.sub))
	}
	return mr.addr, mr.length, nil
}

// Bytes exposes the backing buffer of a local leaf region. The caller reads
// and writes RDMA-visible memory directly.
func (mr *MemoryRegion) Bytes() ([]byte, error) {
	if mr.root.local == nil {
		return nil, ErrNotLocalMR
	}
	addr, n, err := mr.use()
	if err != nil {
		return nil, err
	}
	base := uintptr(unsafe.Pointer(&mr.root.local.buf[0]))
	off := int(addr - base)
	return mr.root.local.buf[off : off+n], nil
}

// Slice reserves [start, end) of this region and returns it as a sub-region.
// The reservation fails if the range is out of bounds or overlaps a sibling.
func (mr *MemoryRegion) Slice(start, end int) (*MemoryRegion, error) {
	if start < 0 || start >= end || end > mr.length {
		return nil, fmt.Errorf("%w: [%d, %d) of %d", ErrInvalidRange, start, end, mr.length)
	}
	r := byteRange{Start: start, End: end}

	mr.mu.Lock()
	defer mr.mu.Unlock()
	for _, s := range mr.sub {
		if r.Start < s.End && s.Start < r.End {
			return nil, fmt.Errorf("%w: [%d, %d) vs [%d, %d)", ErrRangeOverlap, r.Start, r.End, s.Start, s.End)
		}
	}
	mr.sub = append(mr.sub, r)
	sort.Slice(mr.sub, func(i, j int) bool { return mr.sub[i].Start < mr.sub[j].Start })

	return &MemoryRegion{
		addr:   mr.addr + uintptr(start),
		length: r.len(),
		parent: mr,
		root:   mr.root,
		span:   r,
	}, nil
}

// Alloc carves a sub-region of layout.Size bytes out of the first gap that
// fits, scanning the sorted reservation list.
func (mr *MemoryRegion) Alloc(layout Layout) (*MemoryRegion, error) {
	if err := layout.validate(); err != nil {
		return nil, err
	}

	mr.mu.Lock()
	start := 0
	found := -1
	for _, s := range mr.sub {
		if s.Start-start >= layout.Size {
			found = start
			break
		}
		start = s.End
	}
	if found < 0 && mr.length-start >= layout.Size {
		found = start
	}
	mr.mu.Unlock()

	if found < 0 {
		return nil, fmt.Errorf("%w: %d bytes from region of %d", ErrNoEnoughMemory, layout.Size, mr.length)
	}
	return mr.Slice(found, found+layout.Size)
}

// release removes a sub-region's reservation.
func (mr *MemoryRegion) release(r byteRange) {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	for i, s := range mr.sub {
		if s == r {
			mr.sub = append(mr.sub[:i], mr.sub[i+1:]...)
			return
		}
	}
}

// Close releases the region. For a sub-region the reservation is returned to
// the parent. A local root deregisters with the driver and refuses while
// sub-regions are live. A remote root schedules the release request with the
// peer and returns without blocking.
func (mr *MemoryRegion) Close() error {
	if mr.parent == nil && mr.local != nil {
		mr.mu.Lock()
		live := len(mr.sub)
		mr.mu.Unlock()
		if live != 0 {
			return fmt.Errorf("%w: %d", ErrSubRegionsLive, live)
		}
	}
	var err error
	mr.closeOnce.Do(func() {
		switch {
		case mr.parent != nil:
			mr.parent.release(mr.span)
		case mr.local != nil:
			if mr.local.raw != nil {
				err = mr.local.raw.deregister()
			}
		case mr.remote != nil:
			agent, token := mr.remote.agent, mr.remote.token
			if agent == nil {
				return
			}
			go func() {
				if rerr := agent.releaseMR(context.Background(), token); rerr != nil {
					agent.log.WithError(rerr).Warn("failed to release remote memory region")
				}
			}()
		}
	})
	return err
}
