package rdma

/*
#include <string.h>
#include <infiniband/verbs.h>

static int rdma_post_send(struct ibv_qp *qp, struct ibv_send_wr *wr,
		struct ibv_send_wr **bad_wr) {
	return ibv_post_send(qp, wr, bad_wr);
}

static int rdma_post_recv(struct ibv_qp *qp, struct ibv_recv_wr *wr,
		struct ibv_recv_wr **bad_wr) {
	return ibv_post_recv(qp, wr, bad_wr);
}

// wr.wr is a union; setting the rdma segment through a helper avoids
// reaching into cgo's byte-array view of it.
static void rdma_set_rdma_seg(struct ibv_send_wr *wr, uint64_t raddr, uint32_t rkey) {
	wr->wr.rdma.remote_addr = raddr;
	wr->wr.rdma.rkey = rkey;
}
*/
import "C"

import (
	"context"
	"errors"
	"fmt"
	"unsafe"
)

var (
	// ErrQPTransitionFailed is returned when a modify-QP call is rejected.
	// Any failed transition is fatal for the connection.
	ErrQPTransitionFailed = errors.New("queue pair state transition failed")
	// ErrPostFailed is returned when the driver rejects a posted work request.
	ErrPostFailed = errors.New("failed to post work request")
	// ErrLengthMismatch is returned when local and remote buffers of a
	// one-sided operation disagree in size.
	ErrLengthMismatch = errors.New("local and remote region lengths differ")
)

// Queue depth defaults for the RC queue pair.
const (
	defaultMaxSendWR  = 10
	defaultMaxRecvWR  = 10
	defaultMaxSendSGE = 10
	defaultMaxRecvSGE = 10
)

// RTR/RTS attribute constants. These mirror the values the connection
// handshake has always used; there is no reason to expose them.
const (
	rtrStartPSN        = 0
	rtrMaxDestRdAtomic = 1
	rtrMinRnrTimer     = 0x12
	rtsTimeout         = 0x12
	rtsRetryCount      = 6
	rtsRnrRetry        = 0
	rtsStartPSN        = 0
	rtsMaxRdAtomic     = 1
)

// QueuePair owns one RC queue pair and the dispatcher used to await its
// completions. Post operations are safe to invoke concurrently.
type QueuePair struct {
	inner *C.struct_ibv_qp
	ctx   *Context
	disp  *dispatcher
}

func createQueuePair(pd *ProtectionDomain, cq *CompletionQueue, disp *dispatcher) (*QueuePair, error) {
	var attr C.struct_ibv_qp_init_attr
	attr.send_cq = cq.inner
	attr.recv_cq = cq.inner
	attr.cap.max_send_wr = defaultMaxSendWR
	attr.cap.max_recv_wr = defaultMaxRecvWR
	attr.cap.max_send_sge = defaultMaxSendSGE
	attr.cap.max_recv_sge = defaultMaxRecvSGE
	attr.qp_type = C.IBV_QPT_RC
	attr.sq_sig_all = 0

	inner := C.ibv_create_qp(pd.inner, &attr)
	if inner == nil {
		return nil, fmt.Errorf("%w: queue pair", ErrAllocFailed)
	}
	return &QueuePair{inner: inner, ctx: pd.ctx, disp: disp}, nil
}

// Endpoint returns the triple the remote side needs for its RTR transition.
func (qp *QueuePair) Endpoint() QueuePairEndpoint {
	return QueuePairEndpoint{
		QPNum: uint32(qp.inner.qp_num),
		LID:   qp.ctx.LID(),
		GID:   qp.ctx.GID(),
	}
}

// modifyToInit moves the QP RESET -> INIT with the given access flags.
func (qp *QueuePair) modifyToInit(access AccessFlags) error {
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_INIT
	attr.pkey_index = 0
	attr.port_num = defaultPortNum
	attr.qp_access_flags = C.uint(access)

	mask := C.int(C.IBV_QP_STATE | C.IBV_QP_PKEY_INDEX | C.IBV_QP_PORT | C.IBV_QP_ACCESS_FLAGS)
	if errno := C.ibv_modify_qp(qp.inner, &attr, mask); errno != 0 {
		return fmt.Errorf("%w: INIT: %w", ErrQPTransitionFailed, errnoErr(errno))
	}
	return nil
}

// modifyToRTR moves the QP INIT -> RTR against the remote endpoint.
func (qp *QueuePair) modifyToRTR(remote QueuePairEndpoint, gidIndex int) error {
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_RTR
	attr.path_mtu = C.enum_ibv_mtu(qp.ctx.ActiveMTU())
	attr.dest_qp_num = C.uint(remote.QPNum)
	attr.rq_psn = rtrStartPSN
	attr.max_dest_rd_atomic = rtrMaxDestRdAtomic
	attr.min_rnr_timer = rtrMinRnrTimer
	attr.ah_attr.dlid = C.ushort(remote.LID)
	attr.ah_attr.sl = 0
	attr.ah_attr.src_path_bits = 0
	attr.ah_attr.is_global = 1
	attr.ah_attr.port_num = defaultPortNum
	attr.ah_attr.grh.hop_limit = 0xff
	attr.ah_attr.grh.sgid_index = C.uchar(gidIndex)
	C.memcpy(unsafe.Pointer(&attr.ah_attr.grh.dgid), unsafe.Pointer(&remote.GID[0]), 16)

	mask := C.int(C.IBV_QP_STATE | C.IBV_QP_AV | C.IBV_QP_PATH_MTU | C.IBV_QP_DEST_QPN |
		C.IBV_QP_RQ_PSN | C.IBV_QP_MAX_DEST_RD_ATOMIC | C.IBV_QP_MIN_RNR_TIMER)
	if errno := C.ibv_modify_qp(qp.inner, &attr, mask); errno != 0 {
		return fmt.Errorf("%w: RTR: %w", ErrQPTransitionFailed, errnoErr(errno))
	}
	return nil
}

// modifyToRTS moves the QP RTR -> RTS.
func (qp *QueuePair) modifyToRTS() error {
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_RTS
	attr.timeout = rtsTimeout
	attr.retry_cnt = rtsRetryCount
	attr.rnr_retry = rtsRnrRetry
	attr.sq_psn = rtsStartPSN
	attr.max_rd_atomic = rtsMaxRdAtomic

	mask := C.int(C.IBV_QP_STATE | C.IBV_QP_TIMEOUT | C.IBV_QP_RETRY_CNT |
		C.IBV_QP_RNR_RETRY | C.IBV_QP_SQ_PSN | C.IBV_QP_MAX_QP_RD_ATOMIC)
	if errno := C.ibv_modify_qp(qp.inner, &attr, mask); errno != 0 {
		return fmt.Errorf("%w: RTS: %w", ErrQPTransitionFailed, errnoErr(errno))
	}
	return nil
}

func (qp *QueuePair) postSend(addr uintptr, length int, lkey uint32, wrID WorkRequestID) error {
	var sge C.struct_ibv_sge
	sge.addr = C.ulong(addr)
	sge.length = C.uint(length)
	sge.lkey = C.uint(lkey)

	var wr C.struct_ibv_send_wr
	wr.wr_id = C.ulong(wrID)
	wr.sg_list = &sge
	wr.num_sge = 1
	wr.opcode = C.IBV_WR_SEND
	wr.send_flags = C.IBV_SEND_SIGNALED

	var bad *C.struct_ibv_send_wr
	if errno := C.rdma_post_send(qp.inner, &wr, &bad); errno != 0 {
		return fmt.Errorf("%w: SEND: %w", ErrPostFailed, errnoErr(errno))
	}
	return nil
}

func (qp *QueuePair) postRecv(addr uintptr, length int, lkey uint32, wrID WorkRequestID) error {
	var sge C.struct_ibv_sge
	sge.addr = C.ulong(addr)
	sge.length = C.uint(length)
	sge.lkey = C.uint(lkey)

	var wr C.struct_ibv_recv_wr
	wr.wr_id = C.ulong(wrID)
	wr.sg_list = &sge
	wr.num_sge = 1

	var bad *C.struct_ibv_recv_wr
	if errno := C.rdma_post_recv(qp.inner, &wr, &bad); errno != 0 {
		return fmt.Errorf("%w: RECV: %w", ErrPostFailed, errnoErr(errno))
	}
	return nil
}

func (qp *QueuePair) postRdma(opcode C.enum_ibv_wr_opcode, laddr uintptr, length int, lkey uint32,
	raddr uintptr, rkey uint32, wrID WorkRequestID) error {
	var sge C.struct_ibv_sge
	sge.addr = C.ulong(laddr)
	sge.length = C.uint(length)
	sge.lkey = C.uint(lkey)

	var wr C.struct_ibv_send_wr
	wr.wr_id = C.ulong(wrID)
	wr.sg_list = &sge
	wr.num_sge = 1
	wr.opcode = opcode
	wr.send_flags = C.IBV_SEND_SIGNALED
	C.rdma_set_rdma_seg(&wr, C.ulong(raddr), C.uint(rkey))

	var bad *C.struct_ibv_send_wr
	if errno := C.rdma_post_send(qp.inner, &wr, &bad); errno != 0 {
		return fmt.Errorf("%w: RDMA: %w", ErrPostFailed, errnoErr(errno))
	}
	return nil
}

// await blocks until the completion for id arrives, the context is cancelled,
// or the dispatcher shuts down.
func (qp *QueuePair) await(ctx context.Context, id WorkRequestID, ch <-chan WorkCompletion) (WorkCompletion, error) {
	select {
	case wc, ok := <-ch:
		if !ok {
			return WorkCompletion{}, ErrDispatcherClosed
		}
		return wc, wc.Status.Err()
	case <-ctx.Done():
		qp.disp.unregister(id)
		return WorkCompletion{}, ctx.Err()
	}
}

// Send posts a two-sided SEND of the local leaf region and waits for the
// local completion.
func (qp *QueuePair) Send(ctx context.Context, local *MemoryRegion) error {
	if !local.IsLocal() {
		return ErrNotLocalMR
	}
	addr, length, err := local.use()
	if err != nil {
		return err
	}
	id, ch := qp.disp.register()
	if err := qp.postSend(addr, length, local.lkey(), id); err != nil {
		qp.disp.unregister(id)
		return err
	}
	_, err = qp.await(ctx, id, ch)
	return err
}

// Recv posts a RECV into the local leaf region and waits for a matching
// remote SEND. It returns the number of bytes received.
func (qp *QueuePair) Recv(ctx context.Context, local *MemoryRegion) (int, error) {
	if !local.IsLocal() {
		return 0, ErrNotLocalMR
	}
	addr, length, err := local.use()
	if err != nil {
		return 0, err
	}
	id, ch := qp.disp.register()
	if err := qp.postRecv(addr, length, local.lkey(), id); err != nil {
		qp.disp.unregister(id)
		return 0, err
	}
	wc, err := qp.await(ctx, id, ch)
	if err != nil {
		return 0, err
	}
	return wc.ByteLen, nil
}

// Write performs a one-sided RDMA WRITE of local into remote. The remote
// side sees no completion.
func (qp *QueuePair) Write(ctx context.Context, local, remote *MemoryRegion) error {
	return qp.rdma(ctx, C.IBV_WR_RDMA_WRITE, local, remote)
}

// Read performs a one-sided RDMA READ of remote into local.
func (qp *QueuePair) Read(ctx context.Context, local, remote *MemoryRegion) error {
	return qp.rdma(ctx, C.IBV_WR_RDMA_READ, local, remote)
}

func (qp *QueuePair) rdma(ctx context.Context, opcode C.enum_ibv_wr_opcode, local, remote *MemoryRegion) error {
	if !local.IsLocal() {
		return ErrNotLocalMR
	}
	if remote.IsLocal() {
		return ErrNotRemoteMR
	}
	laddr, llen, err := local.use()
	if err != nil {
		return err
	}
	raddr, rlen, err := remote.use()
	if err != nil {
		return err
	}
	if llen != rlen {
		return fmt.Errorf("%w: local %d, remote %d", ErrLengthMismatch, llen, rlen)
	}
	id, ch := qp.disp.register()
	if err := qp.postRdma(opcode, laddr, llen, local.lkey(), raddr, remote.rkey(), id); err != nil {
		qp.disp.unregister(id)
		return err
	}
	_, err = qp.await(ctx, id, ch)
	return err
}

// Close destroys the queue pair.
func (qp *QueuePair) Close() error {
	if qp.inner == nil {
		return nil
	}
	errno := C.ibv_destroy_qp(qp.inner)
	qp.inner = nil
	if errno != 0 {
		return fmt.Errorf("destroy qp: %w", errnoErr(errno))
	}
	return nil
}
