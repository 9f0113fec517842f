package rdma

/*
#include <infiniband/verbs.h>
*/
import "C"

import "fmt"

// EventChannel delivers completion-queue notifications through a readable file
// descriptor. Attaching one to a CQ lets the dispatcher sleep on the FD
// instead of busy-polling.
type EventChannel struct {
	inner *C.struct_ibv_comp_channel
}

func (c *Context) createEventChannel() (*EventChannel, error) {
	inner := C.ibv_create_comp_channel(c.inner)
	if inner == nil {
		return nil, fmt.Errorf("%w: completion event channel", ErrAllocFailed)
	}
	return &EventChannel{inner: inner}, nil
}

// fd returns the readable file descriptor notifications arrive on.
func (ec *EventChannel) fd() int {
	return int(ec.inner.fd)
}

// Close destroys the channel. The CQ using it must be destroyed first.
func (ec *EventChannel) Close() error {
	if ec.inner == nil {
		return nil
	}
	errno := C.ibv_destroy_comp_channel(ec.inner)
	ec.inner = nil
	if errno != 0 {
		return fmt.Errorf("destroy comp channel: %w", errnoErr(errno))
	}
	return nil
}
