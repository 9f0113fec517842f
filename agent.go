package rdma

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"

	"github.com/sirupsen/logrus"
)

// Agent request/response kinds. The reserved kinds are part of the wire
// protocol but have no handler; receiving one is a protocol error.
const (
	kindAllocMR   byte = 0x00
	kindReleaseMR byte = 0x01
	kindSendMR    byte = 0x02
	kindRecvMR    byte = 0x03 // reserved
	kindSendData  byte = 0x04 // reserved
	kindRecvData  byte = 0x05 // reserved
)

// SendMR flavors: whether the token names memory on the sender's side or
// memory the receiver itself owns and is being handed back.
const (
	sendMRLocal  byte = 0x00
	sendMRRemote byte = 0x01
)

const (
	agentHeaderSize = 8 + 1 // request id + kind
	tokenWireSize   = 8 + 8 + 4
)

var (
	// ErrAgentClosed is returned from agent operations after the control
	// stream terminated.
	ErrAgentClosed = errors.New("control agent closed")
	// ErrProtocol is returned when the peer violates the control protocol;
	// the connection is torn down.
	ErrProtocol = errors.New("control protocol violation")
	// ErrRemoteAllocFailed is returned when the peer answers an AllocMR
	// request with a zero-length token. A peer whose local allocation fails
	// terminates its agent instead, so the caller then sees ErrAgentClosed.
	ErrRemoteAllocFailed = errors.New("remote memory allocation failed")
)

func putToken(buf *bytes.Buffer, t MemoryRegionToken) {
	var b [tokenWireSize]byte
	binary.BigEndian.PutUint64(b[0:8], t.Addr)
	binary.BigEndian.PutUint64(b[8:16], t.Len)
	binary.BigEndian.PutUint32(b[16:20], t.RKey)
	buf.Write(b[:])
}

func parseToken(b []byte) (MemoryRegionToken, error) {
	if len(b) < tokenWireSize {
		return MemoryRegionToken{}, fmt.Errorf("%w: short token (%d bytes)", ErrProtocol, len(b))
	}
	return MemoryRegionToken{
		Addr: binary.BigEndian.Uint64(b[0:8]),
		Len:  binary.BigEndian.Uint64(b[8:16]),
		RKey: binary.BigEndian.Uint32(b[16:20]),
	}, nil
}

type agentResponse struct {
	kind byte
	body []byte
}

// Agent is the per-connection control service. Both sides of a connection run
// a symmetric instance over the framed TCP stream left behind by bring-up.
//
// The listener goroutine is the stream's only reader; the write half is
// serialized by wmu so each frame is emitted atomically. Request handlers run
// concurrently and reply through the same serialized write half.
type Agent struct {
	stream io.ReadWriteCloser
	wmu    sync.Mutex

	// resp maps in-flight request ids to their single-shot waiters. An id
	// moves to abandoned when its caller gave up, so the late response is
	// discarded instead of read as a protocol violation.
	rmu       sync.Mutex
	resp      map[uint64]chan agentResponse
	abandoned map[uint64]struct{}

	// owned holds strong references to local MRs the peer can name by token.
	// An entry lives until the peer sends ReleaseMR for it.
	omu   sync.Mutex
	owned map[MemoryRegionToken]*MemoryRegion

	// mrCh delivers regions handed over by the peer.
	mrCh chan *MemoryRegion

	alloc   func(Layout) (*MemoryRegion, error)
	metrics Metrics
	log     *logrus.Entry

	done      chan struct{}
	closeOnce sync.Once
	termErr   error
}

func newAgent(stream io.ReadWriteCloser, alloc func(Layout) (*MemoryRegion, error),
	mrChanCap int, metrics Metrics, log *logrus.Entry) *Agent {
	a := &Agent{
		stream:    stream,
		resp:      make(map[uint64]chan agentResponse),
		abandoned: make(map[uint64]struct{}),
		owned:   make(map[MemoryRegionToken]*MemoryRegion),
		mrCh:    make(chan *MemoryRegion, mrChanCap),
		alloc:   alloc,
		metrics: metrics,
		log:     log,
		done:    make(chan struct{}),
	}
	go a.listen()
	return a
}

// listen reads frames until the stream fails or a protocol violation occurs,
// then terminates the agent so every pending waiter observes closure.
func (a *Agent) listen() {
	for {
		f, err := ReadFrame(a.stream)
		if err != nil {
			a.terminate(err)
			return
		}
		if len(f.Payload) < agentHeaderSize {
			a.terminate(fmt.Errorf("%w: short message (%d bytes)", ErrProtocol, len(f.Payload)))
			return
		}
		id := binary.BigEndian.Uint64(f.Payload[:8])
		kind := f.Payload[8]
		body := f.Payload[agentHeaderSize:]

		switch f.Type {
		case MsgTypeRequest:
			a.metrics.IncrementAgentRequests()
			go a.handleRequest(id, kind, body)
		case MsgTypeResponse:
			a.metrics.IncrementAgentResponses()
			if err := a.deliverResponse(id, kind, body); err != nil {
				a.terminate(err)
				return
			}
		default:
			a.terminate(fmt.Errorf("%w: unknown frame type 0x%02x", ErrProtocol, f.Type))
			return
		}
	}
}

func (a *Agent) deliverResponse(id uint64, kind byte, body []byte) error {
	a.rmu.Lock()
	ch, ok := a.resp[id]
	if ok {
		delete(a.resp, id)
	} else if _, gone := a.abandoned[id]; gone {
		delete(a.abandoned, id)
		a.rmu.Unlock()
		return nil
	}
	a.rmu.Unlock()
	if !ok {
		return fmt.Errorf("%w: response for unknown request id %d", ErrProtocol, id)
	}
	ch <- agentResponse{kind: kind, body: body}
	return nil
}

// abandon withdraws a pending request whose caller gave up.
func (a *Agent) abandon(id uint64) {
	a.rmu.Lock()
	if _, ok := a.resp[id]; ok {
		delete(a.resp, id)
		a.abandoned[id] = struct{}{}
	}
	a.rmu.Unlock()
}

// writeMessage frames and emits one message atomically.
func (a *Agent) writeMessage(frameType byte, id uint64, kind byte, body []byte) error {
	var buf bytes.Buffer
	payload := make([]byte, agentHeaderSize, agentHeaderSize+len(body))
	binary.BigEndian.PutUint64(payload[:8], id)
	payload[8] = kind
	payload = append(payload, body...)
	BuildFrame(&buf, Frame{Type: frameType, Payload: payload})

	a.wmu.Lock()
	defer a.wmu.Unlock()
	if _, err := a.stream.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write control frame: %w", err)
	}
	return nil
}

// sendRequest issues one request and waits for the matching response.
// Multiple requests may be in flight; responses are matched strictly by id.
func (a *Agent) sendRequest(ctx context.Context, kind byte, body []byte) (agentResponse, error) {
	select {
	case <-a.done:
		return agentResponse{}, ErrAgentClosed
	default:
	}

	ch := make(chan agentResponse, 1)
	a.rmu.Lock()
	var id uint64
	for {
		id = rand.Uint64()
		if _, dup := a.resp[id]; !dup {
			break
		}
	}
	a.resp[id] = ch
	a.rmu.Unlock()

	if err := a.writeMessage(MsgTypeRequest, id, kind, body); err != nil {
		a.rmu.Lock()
		delete(a.resp, id)
		a.rmu.Unlock()
		return agentResponse{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return agentResponse{}, ErrAgentClosed
		}
		if resp.kind != kind {
			return agentResponse{}, fmt.Errorf("%w: response kind 0x%02x for request 0x%02x",
				ErrProtocol, resp.kind, kind)
		}
		return resp, nil
	case <-a.done:
		return agentResponse{}, ErrAgentClosed
	case <-ctx.Done():
		a.abandon(id)
		return agentResponse{}, ctx.Err()
	}
}

// allocMR asks the peer to register a region of the given layout and returns
// the remote region naming it.
func (a *Agent) allocMR(ctx context.Context, layout Layout) (*MemoryRegion, error) {
	if err := layout.validate(); err != nil {
		return nil, err
	}
	var body bytes.Buffer
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], uint64(layout.Size))
	binary.BigEndian.PutUint64(b[8:16], uint64(layout.Align))
	body.Write(b[:])

	resp, err := a.sendRequest(ctx, kindAllocMR, body.Bytes())
	if err != nil {
		return nil, err
	}
	token, err := parseToken(resp.body)
	if err != nil {
		return nil, err
	}
	if token.Len == 0 {
		return nil, ErrRemoteAllocFailed
	}
	return newRemoteMR(token, a), nil
}

// releaseMR tells the peer to drop its strong reference to the region named
// by token.
func (a *Agent) releaseMR(ctx context.Context, token MemoryRegionToken) error {
	var body bytes.Buffer
	putToken(&body, token)
	resp, err := a.sendRequest(ctx, kindReleaseMR, body.Bytes())
	if err != nil {
		return err
	}
	if len(resp.body) < 8 {
		return fmt.Errorf("%w: short release response", ErrProtocol)
	}
	if status := binary.BigEndian.Uint64(resp.body[:8]); status != 0 {
		return fmt.Errorf("%w: release status %d", ErrProtocol, status)
	}
	return nil
}

// sendMR hands a region over to the peer. A local region is pinned in the
// owned map first so it outlives the peer's interest in it; a remote region
// travels as its token and the peer re-materializes its own reference.
func (a *Agent) sendMR(ctx context.Context, mr *MemoryRegion) error {
	token := mr.Token()
	var body bytes.Buffer
	if mr.IsLocal() {
		body.WriteByte(sendMRLocal)
		putToken(&body, token)
		a.omu.Lock()
		a.owned[token] = mr
		a.omu.Unlock()
	} else {
		body.WriteByte(sendMRRemote)
		putToken(&body, token)
	}

	_, err := a.sendRequest(ctx, kindSendMR, body.Bytes())
	if err != nil && mr.IsLocal() {
		a.omu.Lock()
		delete(a.owned, token)
		a.omu.Unlock()
	}
	return err
}

// recvMR waits for the next region handed over by the peer.
func (a *Agent) recvMR(ctx context.Context) (*MemoryRegion, error) {
	select {
	case mr := <-a.mrCh:
		return mr, nil
	case <-a.done:
		return nil, ErrAgentClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Agent) handleRequest(id uint64, kind byte, body []byte) {
	var err error
	switch kind {
	case kindAllocMR:
		err = a.handleAllocMR(id, body)
	case kindReleaseMR:
		err = a.handleReleaseMR(id, body)
	case kindSendMR:
		err = a.handleSendMR(id, body)
	default:
		err = fmt.Errorf("%w: unhandled request kind 0x%02x", ErrProtocol, kind)
	}
	if err != nil {
		a.terminate(err)
	}
}

func (a *Agent) handleAllocMR(id uint64, body []byte) error {
	if len(body) < 16 {
		return fmt.Errorf("%w: short alloc request", ErrProtocol)
	}
	layout := Layout{
		Size:  int(binary.BigEndian.Uint64(body[0:8])),
		Align: int(binary.BigEndian.Uint64(body[8:16])),
	}
	mr, err := a.alloc(layout)
	if err != nil {
		return fmt.Errorf("alloc mr for peer: %w", err)
	}
	token := mr.Token()
	a.omu.Lock()
	a.owned[token] = mr
	a.omu.Unlock()

	var resp bytes.Buffer
	putToken(&resp, token)
	return a.writeMessage(MsgTypeResponse, id, kindAllocMR, resp.Bytes())
}

func (a *Agent) handleReleaseMR(id uint64, body []byte) error {
	token, err := parseToken(body)
	if err != nil {
		return err
	}
	a.omu.Lock()
	_, present := a.owned[token]
	if present {
		delete(a.owned, token)
	}
	a.omu.Unlock()
	if !present {
		return fmt.Errorf("%w: release of unowned token (addr 0x%x)", ErrProtocol, token.Addr)
	}

	var resp [8]byte
	return a.writeMessage(MsgTypeResponse, id, kindReleaseMR, resp[:])
}

func (a *Agent) handleSendMR(id uint64, body []byte) error {
	if len(body) < 1 {
		return fmt.Errorf("%w: short send-mr request", ErrProtocol)
	}
	flavor := body[0]
	token, err := parseToken(body[1:])
	if err != nil {
		return err
	}

	var mr *MemoryRegion
	switch flavor {
	case sendMRLocal:
		// Memory on the peer's side: materialize a remote region over it.
		mr = newRemoteMR(token, a)
	case sendMRRemote:
		// Memory we own, handed back: forward our strong reference.
		a.omu.Lock()
		mr = a.owned[token]
		a.omu.Unlock()
		if mr == nil {
			return fmt.Errorf("%w: send-mr of unowned token (addr 0x%x)", ErrProtocol, token.Addr)
		}
	default:
		return fmt.Errorf("%w: unknown send-mr flavor 0x%02x", ErrProtocol, flavor)
	}

	select {
	case a.mrCh <- mr:
	case <-a.done:
		return ErrAgentClosed
	}
	return a.writeMessage(MsgTypeResponse, id, kindSendMR, nil)
}

// ownedMRCount reports how many local regions are pinned on behalf of the
// peer.
func (a *Agent) ownedMRCount() int {
	a.omu.Lock()
	defer a.omu.Unlock()
	return len(a.owned)
}

// terminate shuts the agent down. Pending request waiters observe their
// channels closing; queued hand-overs are dropped.
func (a *Agent) terminate(err error) {
	a.closeOnce.Do(func() {
		a.termErr = err
		if err != nil && err != io.EOF {
			a.log.WithError(err).Error("control agent terminated")
		}
		close(a.done)
		_ = a.stream.Close()

		a.rmu.Lock()
		for id, ch := range a.resp {
			close(ch)
			delete(a.resp, id)
		}
		a.rmu.Unlock()
	})
}

// Close stops the agent and releases the control stream.
func (a *Agent) Close() error {
	a.terminate(nil)
	return nil
}
