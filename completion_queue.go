package rdma

/*
#include <infiniband/verbs.h>

// ibv_req_notify_cq and ibv_poll_cq are static inline wrappers around the
// context ops table; small shims keep the cgo call sites tidy.
static int rdma_req_notify_cq(struct ibv_cq *cq, int solicited_only) {
	return ibv_req_notify_cq(cq, solicited_only);
}

static int rdma_poll_cq(struct ibv_cq *cq, int num_entries, struct ibv_wc *wc) {
	return ibv_poll_cq(cq, num_entries, wc);
}
*/
import "C"

import (
	"errors"
	"fmt"
	"unsafe"
)

// WorkRequestID names an in-flight work request. It is opaque to the driver
// and globally unique within one dispatcher while the request is outstanding.
type WorkRequestID uint64

// WCStatus is the driver's work completion status code.
type WCStatus int

// Completion statuses, matching the verbs driver's enumeration.
const (
	WCSuccess WCStatus = iota
	WCLocLenErr
	WCLocQPOpErr
	WCLocEECOpErr
	WCLocProtErr
	WCWRFlushErr
	WCMWBindErr
	WCBadRespErr
	WCLocAccessErr
	WCRemInvReqErr
	WCRemAccessErr
	WCRemOpErr
	WCRetryExcErr
	WCRnrRetryExcErr
	WCLocRDDViolErr
	WCRemInvRDReqErr
	WCRemAbortErr
	WCInvEECNErr
	WCInvEECStateErr
	WCFatalErr
	WCRespTimeoutErr
	WCGeneralErr
)

var wcStatusText = map[WCStatus]string{
	WCSuccess:        "success",
	WCLocLenErr:      "local length error",
	WCLocQPOpErr:     "local QP operation error",
	WCLocEECOpErr:    "local EE context operation error",
	WCLocProtErr:     "local protection error",
	WCWRFlushErr:     "work request flushed error",
	WCMWBindErr:      "memory window bind error",
	WCBadRespErr:     "bad response error",
	WCLocAccessErr:   "local access error",
	WCRemInvReqErr:   "remote invalid request error",
	WCRemAccessErr:   "remote access error",
	WCRemOpErr:       "remote operation error",
	WCRetryExcErr:    "transport retry counter exceeded",
	WCRnrRetryExcErr: "RNR retry counter exceeded",
	WCLocRDDViolErr:  "local RDD violation error",
	WCRemInvRDReqErr: "remote invalid RD request",
	WCRemAbortErr:    "operation aborted",
	WCInvEECNErr:     "invalid EE context number",
	WCInvEECStateErr: "invalid EE context state",
	WCFatalErr:       "fatal error",
	WCRespTimeoutErr: "response timeout error",
	WCGeneralErr:     "general error",
}

func (s WCStatus) String() string {
	if text, ok := wcStatusText[s]; ok {
		return text
	}
	return fmt.Sprintf("unknown status %d", int(s))
}

// WCError is the typed error carried by a failed work completion.
type WCError struct {
	Status WCStatus
}

func (e *WCError) Error() string {
	return fmt.Sprintf("work completion failed: %s", e.Status)
}

// Err converts a completion status to an error, nil on success.
func (s WCStatus) Err() error {
	if s == WCSuccess {
		return nil
	}
	return &WCError{Status: s}
}

// WorkCompletion is the outcome the driver reports for one work request. The
// byte length is only meaningful for RECV completions.
type WorkCompletion struct {
	WRID    WorkRequestID
	Status  WCStatus
	ByteLen int
}

// ErrPollCQFailed is returned when the driver rejects a CQ poll outright.
var ErrPollCQFailed = errors.New("poll completion queue failed")

// CompletionQueue wraps one driver CQ. All CQ operations are serialized by
// the single dispatcher goroutine that owns it.
type CompletionQueue struct {
	inner *C.struct_ibv_cq
	ec    *EventChannel
}

func (c *Context) createCompletionQueue(size int, ec *EventChannel) (*CompletionQueue, error) {
	var channel *C.struct_ibv_comp_channel
	if ec != nil {
		channel = ec.inner
	}
	inner := C.ibv_create_cq(c.inner, C.int(size), nil, channel, 0)
	if inner == nil {
		return nil, fmt.Errorf("%w: completion queue (size %d)", ErrAllocFailed, size)
	}
	return &CompletionQueue{inner: inner, ec: ec}, nil
}

// reqNotify arms one-shot notification delivery on the event channel FD.
func (cq *CompletionQueue) reqNotify(solicitedOnly bool) error {
	only := C.int(0)
	if solicitedOnly {
		only = 1
	}
	if errno := C.rdma_req_notify_cq(cq.inner, only); errno != 0 {
		return fmt.Errorf("req notify cq: %w", errnoErr(errno))
	}
	return nil
}

// pollSingle drains at most one completion. The second return value is false
// when the CQ is empty.
func (cq *CompletionQueue) pollSingle() (WorkCompletion, bool, error) {
	var wc C.struct_ibv_wc
	n := C.rdma_poll_cq(cq.inner, 1, &wc)
	if n < 0 {
		return WorkCompletion{}, false, fmt.Errorf("%w: %d", ErrPollCQFailed, int(n))
	}
	if n == 0 {
		return WorkCompletion{}, false, nil
	}
	return WorkCompletion{
		WRID:    WorkRequestID(wc.wr_id),
		Status:  WCStatus(wc.status),
		ByteLen: int(wc.byte_len),
	}, true, nil
}

// fd returns the event channel FD, or -1 when no channel is attached.
func (cq *CompletionQueue) fd() int {
	if cq.ec == nil {
		return -1
	}
	return cq.ec.fd()
}

// getEvent consumes one notification from the event channel and acknowledges
// it. Call only after the FD reported readable, otherwise it blocks.
func (cq *CompletionQueue) getEvent() error {
	var evCQ *C.struct_ibv_cq
	var evCtx unsafe.Pointer
	if errno := C.ibv_get_cq_event(cq.ec.inner, &evCQ, &evCtx); errno != 0 {
		return fmt.Errorf("get cq event: %w", errnoErr(errno))
	}
	C.ibv_ack_cq_events(evCQ, 1)
	return nil
}

// Close destroys the CQ. The dispatcher must have stopped first.
func (cq *CompletionQueue) Close() error {
	if cq.inner == nil {
		return nil
	}
	errno := C.ibv_destroy_cq(cq.inner)
	cq.inner = nil
	if errno != 0 {
		return fmt.Errorf("destroy cq: %w", errnoErr(errno))
	}
	return nil
}
