package rdma

/*
#cgo LDFLAGS: -libverbs
#include <stdlib.h>
#include <string.h>
#include <infiniband/verbs.h>

// ibv_query_port and ibv_reg_mr are compat macros in recent rdma-core;
// wrapping them keeps the cgo call sites stable across versions.
static int rdma_query_port(struct ibv_context *ctx, uint8_t port,
		struct ibv_port_attr *attr) {
	return ibv_query_port(ctx, port, attr);
}

static struct ibv_mr *rdma_reg_mr(struct ibv_pd *pd, void *addr, size_t length,
		int access) {
	return ibv_reg_mr(pd, addr, length, access);
}
*/
import "C"

import (
	"errors"
	"fmt"
	"unsafe"
)

const (
	// defaultPortNum is the HCA port used for all queue pairs. RC bring-up in
	// this library is single-port.
	defaultPortNum = 1
)

var (
	// ErrNoDevice is returned when no RDMA device matches the requested name
	// (or none exist at all).
	ErrNoDevice = errors.New("no rdma device")
	// ErrDeviceOpenFailed is returned when the verbs driver refuses to open a
	// device context.
	ErrDeviceOpenFailed = errors.New("failed to open rdma device")
	// ErrAllocFailed is returned when the driver cannot allocate a resource
	// (protection domain, completion queue, queue pair, ...).
	ErrAllocFailed = errors.New("failed to allocate verbs resource")
)

// AccessFlags is a bitmask of memory access permissions, matching the verbs
// driver's access flag values.
type AccessFlags uint32

const (
	AccessLocalWrite   AccessFlags = C.IBV_ACCESS_LOCAL_WRITE
	AccessRemoteWrite  AccessFlags = C.IBV_ACCESS_REMOTE_WRITE
	AccessRemoteRead   AccessFlags = C.IBV_ACCESS_REMOTE_READ
	AccessRemoteAtomic AccessFlags = C.IBV_ACCESS_REMOTE_ATOMIC
)

// DefaultAccess grants every permission this library makes use of.
const DefaultAccess = AccessLocalWrite | AccessRemoteWrite | AccessRemoteRead | AccessRemoteAtomic

// Devices returns the names of the RDMA devices visible to the verbs driver.
func Devices() ([]string, error) {
	var n C.int
	list := C.ibv_get_device_list(&n)
	if list == nil {
		return nil, ErrNoDevice
	}
	defer C.ibv_free_device_list(list)

	devs := unsafe.Slice(list, int(n))
	names := make([]string, 0, int(n))
	for _, d := range devs {
		names = append(names, C.GoString(&d.name[0]))
	}
	return names, nil
}

// Context is an open device context. It caches the port attributes needed for
// endpoint exchange and the RTR transition (active MTU, LID, GID).
type Context struct {
	inner    *C.struct_ibv_context
	dev      string
	gidIndex int

	activeMTU uint32
	lid       uint16
	gid       Gid
}

// openContext opens the device with the given name, or the first device found
// when name is empty, and queries port attributes on the default port.
func openContext(name string, gidIndex int) (*Context, error) {
	var n C.int
	list := C.ibv_get_device_list(&n)
	if list == nil || n == 0 {
		if list != nil {
			C.ibv_free_device_list(list)
		}
		return nil, ErrNoDevice
	}
	defer C.ibv_free_device_list(list)

	devs := unsafe.Slice(list, int(n))
	var dev *C.struct_ibv_device
	if name == "" {
		dev = devs[0]
	} else {
		for _, d := range devs {
			if C.GoString(&d.name[0]) == name {
				dev = d
				break
			}
		}
	}
	if dev == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoDevice, name)
	}

	inner := C.ibv_open_device(dev)
	if inner == nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceOpenFailed, C.GoString(&dev.name[0]))
	}

	ctx := &Context{
		inner:    inner,
		dev:      C.GoString(&dev.name[0]),
		gidIndex: gidIndex,
	}
	if err := ctx.queryPort(); err != nil {
		C.ibv_close_device(inner)
		return nil, err
	}
	return ctx, nil
}

func (c *Context) queryPort() error {
	var attr C.struct_ibv_port_attr
	if errno := C.rdma_query_port(c.inner, defaultPortNum, &attr); errno != 0 {
		return fmt.Errorf("query port %d: %w", defaultPortNum, errnoErr(errno))
	}
	c.activeMTU = uint32(attr.active_mtu)
	c.lid = uint16(attr.lid)

	var gid C.union_ibv_gid
	if errno := C.ibv_query_gid(c.inner, defaultPortNum, C.int(c.gidIndex), &gid); errno != 0 {
		return fmt.Errorf("query gid index %d: %w", c.gidIndex, errnoErr(errno))
	}
	copy(c.gid[:], C.GoBytes(unsafe.Pointer(&gid), 16))
	return nil
}

// Device returns the name of the opened device.
func (c *Context) Device() string { return c.dev }

// ActiveMTU returns the driver's active MTU enum value for the port.
func (c *Context) ActiveMTU() uint32 { return c.activeMTU }

// LID returns the port's local identifier.
func (c *Context) LID() uint16 { return c.lid }

// GID returns the port GID at the configured GID index.
func (c *Context) GID() Gid { return c.gid }

// Close releases the device context. The context must outlive every resource
// created from it.
func (c *Context) Close() error {
	if c.inner == nil {
		return nil
	}
	errno := C.ibv_close_device(c.inner)
	c.inner = nil
	if errno != 0 {
		return fmt.Errorf("close device: %w", errnoErr(errno))
	}
	return nil
}

// ProtectionDomain scopes memory registrations and queue pairs. Every MR and
// QP in this library belongs to exactly one protection domain.
type ProtectionDomain struct {
	ctx   *Context
	inner *C.struct_ibv_pd
}

func (c *Context) allocProtectionDomain() (*ProtectionDomain, error) {
	inner := C.ibv_alloc_pd(c.inner)
	if inner == nil {
		return nil, fmt.Errorf("%w: protection domain", ErrAllocFailed)
	}
	return &ProtectionDomain{ctx: c, inner: inner}, nil
}

// Close frees the protection domain. All MRs and QPs attached to it must be
// destroyed first.
func (pd *ProtectionDomain) Close() error {
	if pd.inner == nil {
		return nil
	}
	errno := C.ibv_dealloc_pd(pd.inner)
	pd.inner = nil
	if errno != 0 {
		return fmt.Errorf("dealloc pd: %w", errnoErr(errno))
	}
	return nil
}

// rawMR is the driver-level memory registration owned by a local root MR.
type rawMR struct {
	inner *C.struct_ibv_mr
	lkey  uint32
	rkey  uint32
}

// registerMR registers buf with the protection domain. The returned keys name
// the registration for local (lkey) and remote (rkey) access.
func (pd *ProtectionDomain) registerMR(buf []byte, access AccessFlags) (*rawMR, error) {
	inner := C.rdma_reg_mr(pd.inner, unsafe.Pointer(&buf[0]), C.size_t(len(buf)), C.int(access))
	if inner == nil {
		return nil, fmt.Errorf("%w: memory region (%d bytes)", ErrAllocFailed, len(buf))
	}
	return &rawMR{
		inner: inner,
		lkey:  uint32(inner.lkey),
		rkey:  uint32(inner.rkey),
	}, nil
}

func (r *rawMR) deregister() error {
	if r.inner == nil {
		return nil
	}
	errno := C.ibv_dereg_mr(r.inner)
	r.inner = nil
	if errno != 0 {
		return fmt.Errorf("dereg mr: %w", errnoErr(errno))
	}
	return nil
}

func errnoErr(errno C.int) error {
	return fmt.Errorf("errno %d: %s", int(errno), C.GoString(C.strerror(errno)))
}
