// Package rdma is an asynchronous RDMA client/server library over Reliable
// Connected queue pairs. A connection pairs one-sided READ/WRITE and
// two-sided SEND/RECV data paths with a TCP-bootstrapped control agent that
// allocates, hands over, and reclaims memory regions across the wire.
package rdma

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrNoAgent is returned when an operation needs the control agent but the
// instance was brought up without one (loopback or manual handshake).
var ErrNoAgent = errors.New("no control agent on this connection")

// Rdma is one endpoint of a 1-to-1 RDMA connection. Data moves through the
// queue pair; region allocation and hand-over run over the control agent.
type Rdma struct {
	id  string
	cfg *Config
	log *logrus.Entry

	ctx   *Context
	pd    *ProtectionDomain
	ec    *EventChannel
	cq    *CompletionQueue
	qp    *QueuePair
	disp  *dispatcher
	agent *Agent

	conn net.Conn
}

// New builds a standalone instance: device context, protection domain,
// completion queue with its event channel, a queue pair moved to INIT, and a
// running dispatcher. The result has no control agent; pair it with a remote
// endpoint via Endpoint/Handshake, or use Dial/Listen for the full bring-up.
func New(opts ...Option) (*Rdma, error) {
	cfg := applyConfig(opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newRdma(cfg)
}

func newRdma(cfg *Config) (*Rdma, error) {
	id := uuid.New().String()
	log := cfg.logger.WithField("conn", id)

	ctx, err := openContext(cfg.device, cfg.gidIndex)
	if err != nil {
		return nil, err
	}
	r := &Rdma{id: id, cfg: cfg, log: log, ctx: ctx}

	if r.ec, err = ctx.createEventChannel(); err != nil {
		r.destroy()
		return nil, err
	}
	if r.cq, err = ctx.createCompletionQueue(cfg.cqSize, r.ec); err != nil {
		r.destroy()
		return nil, err
	}
	if r.pd, err = ctx.allocProtectionDomain(); err != nil {
		r.destroy()
		return nil, err
	}
	r.disp = newDispatcher(r.cq, cfg.metrics, log)
	if r.qp, err = createQueuePair(r.pd, r.cq, r.disp); err != nil {
		r.destroy()
		return nil, err
	}
	if err = r.qp.modifyToInit(cfg.access); err != nil {
		r.destroy()
		return nil, err
	}

	log.WithField("device", ctx.Device()).Debug("rdma instance ready")
	return r, nil
}

// Endpoint returns the local queue pair endpoint for manual exchange.
func (r *Rdma) Endpoint() QueuePairEndpoint {
	return r.qp.Endpoint()
}

// Handshake drives the queue pair to RTR and then RTS against the remote
// endpoint. A failed transition is fatal for the connection.
func (r *Rdma) Handshake(remote QueuePairEndpoint) error {
	if err := r.qp.modifyToRTR(remote, r.cfg.gidIndex); err != nil {
		return err
	}
	if err := r.qp.modifyToRTS(); err != nil {
		return err
	}
	r.log.WithField("remote_qpn", remote.QPNum).Debug("queue pair ready to send")
	return nil
}

// startAgent repurposes the bootstrap TCP stream as the framed control
// stream.
func (r *Rdma) startAgent(conn net.Conn) {
	r.conn = conn
	alloc := func(layout Layout) (*MemoryRegion, error) {
		return newLocalMR(r.pd, layout, r.cfg.access)
	}
	r.agent = newAgent(conn, alloc, r.cfg.mrChanCap, r.cfg.metrics, r.log)
}

// Dial connects to a listening peer: it exchanges queue pair endpoints over
// TCP (writing its own first), completes the RTR/RTS handshake, and starts
// the control agent on the same stream.
func Dial(addr string, opts ...Option) (*Rdma, error) {
	cfg := applyConfig(opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r, err := newRdma(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		r.destroy()
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if err := writeEndpoint(conn, r.Endpoint()); err != nil {
		conn.Close()
		r.destroy()
		return nil, err
	}
	remote, err := readEndpoint(conn)
	if err != nil {
		conn.Close()
		r.destroy()
		return nil, err
	}
	if err := r.Handshake(remote); err != nil {
		conn.Close()
		r.destroy()
		return nil, err
	}
	r.startAgent(conn)
	return r, nil
}

// Listener accepts RDMA connections bootstrapped over TCP.
type Listener struct {
	ln  net.Listener
	cfg *Config
}

// Listen binds the TCP bootstrap listener.
func Listen(addr string, opts ...Option) (*Listener, error) {
	cfg := applyConfig(opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &Listener{ln: ln, cfg: cfg}, nil
}

// Accept waits for one peer and completes the bring-up: read the peer's
// endpoint, reply with ours, RTR/RTS, then start the agent.
func (l *Listener) Accept() (*Rdma, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	r, err := newRdma(l.cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	remote, err := readEndpoint(conn)
	if err != nil {
		conn.Close()
		r.destroy()
		return nil, err
	}
	if err := writeEndpoint(conn, r.Endpoint()); err != nil {
		conn.Close()
		r.destroy()
		return nil, err
	}
	if err := r.Handshake(remote); err != nil {
		conn.Close()
		r.destroy()
		return nil, err
	}
	r.startAgent(conn)
	return r, nil
}

// Addr returns the bootstrap listener address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections. Established connections live on.
func (l *Listener) Close() error { return l.ln.Close() }

// AllocLocalMR registers a zeroed local region of the given layout.
func (r *Rdma) AllocLocalMR(layout Layout) (*MemoryRegion, error) {
	return newLocalMR(r.pd, layout, r.cfg.access)
}

// AllocRemoteMR asks the peer to register a region and returns the handle to
// it. The peer keeps the region alive until the handle is closed.
func (r *Rdma) AllocRemoteMR(ctx context.Context, layout Layout) (*MemoryRegion, error) {
	if r.agent == nil {
		return nil, ErrNoAgent
	}
	return r.agent.allocMR(ctx, layout)
}

// SendMR hands a region over to the peer, which receives it via RecvMR.
func (r *Rdma) SendMR(ctx context.Context, mr *MemoryRegion) error {
	if r.agent == nil {
		return ErrNoAgent
	}
	return r.agent.sendMR(ctx, mr)
}

// RecvMR waits for the next region handed over by the peer.
func (r *Rdma) RecvMR(ctx context.Context) (*MemoryRegion, error) {
	if r.agent == nil {
		return nil, ErrNoAgent
	}
	return r.agent.recvMR(ctx)
}

// Write moves the local leaf region into the remote one with a one-sided
// RDMA WRITE; the peer's CPU sees nothing.
func (r *Rdma) Write(ctx context.Context, local, remote *MemoryRegion) error {
	r.cfg.metrics.IncrementPostedWorkRequests()
	if err := r.qp.Write(ctx, local, remote); err != nil {
		return err
	}
	r.cfg.metrics.IncrementBytesWritten(int64(local.Length()))
	return nil
}

// Read fills the local leaf region from the remote one with a one-sided
// RDMA READ.
func (r *Rdma) Read(ctx context.Context, local, remote *MemoryRegion) error {
	r.cfg.metrics.IncrementPostedWorkRequests()
	if err := r.qp.Read(ctx, local, remote); err != nil {
		return err
	}
	r.cfg.metrics.IncrementBytesRead(int64(local.Length()))
	return nil
}

// Send posts a two-sided SEND of the local region. The peer must have a RECV
// posted.
func (r *Rdma) Send(ctx context.Context, local *MemoryRegion) error {
	r.cfg.metrics.IncrementPostedWorkRequests()
	if err := r.qp.Send(ctx, local); err != nil {
		return err
	}
	r.cfg.metrics.IncrementBytesWritten(int64(local.Length()))
	return nil
}

// Recv posts a RECV into the local region and waits for the matching remote
// SEND, returning the received byte count.
func (r *Rdma) Recv(ctx context.Context, local *MemoryRegion) (int, error) {
	r.cfg.metrics.IncrementPostedWorkRequests()
	n, err := r.qp.Recv(ctx, local)
	if err != nil {
		return 0, err
	}
	r.cfg.metrics.IncrementBytesRead(int64(n))
	return n, nil
}

// Metrics returns the connection's metrics sink.
func (r *Rdma) Metrics() Metrics { return r.cfg.metrics }

// Close tears the connection down: agent and control stream first, then the
// dispatcher, then the verbs resources, each after the ones that depend on it:
// queue pair, completion queue, event channel, protection domain, context.
func (r *Rdma) Close() error {
	if r.agent != nil {
		_ = r.agent.Close()
		r.agent = nil
	}
	return r.destroy()
}

func (r *Rdma) destroy() error {
	var errs []error
	if r.disp != nil {
		errs = append(errs, r.disp.Close())
		r.disp = nil
	}
	if r.qp != nil {
		errs = append(errs, r.qp.Close())
		r.qp = nil
	}
	if r.cq != nil {
		errs = append(errs, r.cq.Close())
		r.cq = nil
	}
	if r.ec != nil {
		errs = append(errs, r.ec.Close())
		r.ec = nil
	}
	if r.pd != nil {
		errs = append(errs, r.pd.Close())
		r.pd = nil
	}
	if r.ctx != nil {
		errs = append(errs, r.ctx.Close())
		r.ctx = nil
	}
	return errors.Join(errs...)
}
