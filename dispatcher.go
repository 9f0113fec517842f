package rdma

import (
	"errors"
	"math/rand"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ErrDispatcherClosed is observed by waiters whose dispatcher shut down
// before their completion arrived.
var ErrDispatcherClosed = errors.New("completion dispatcher closed")

// waiterRegistry maps in-flight work request IDs to single-shot waiters.
// Registration happens on the posting path, completion on the dispatcher's
// hot path; neither blocks the other beyond the map lock.
type waiterRegistry struct {
	mu        sync.Mutex
	waiters   map[WorkRequestID]chan WorkCompletion
	cancelled map[WorkRequestID]struct{}
}

func newWaiterRegistry() *waiterRegistry {
	return &waiterRegistry{
		waiters:   make(map[WorkRequestID]chan WorkCompletion),
		cancelled: make(map[WorkRequestID]struct{}),
	}
}

// register draws a fresh random ID and installs a buffered single-shot
// channel for it. The 64-bit keyspace makes collisions with an outstanding ID
// negligible; when one happens anyway the draw is retried.
func (r *waiterRegistry) register() (WorkRequestID, <-chan WorkCompletion) {
	ch := make(chan WorkCompletion, 1)
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		id := WorkRequestID(rand.Uint64())
		if _, dup := r.waiters[id]; dup {
			continue
		}
		if _, dup := r.cancelled[id]; dup {
			continue
		}
		r.waiters[id] = ch
		return id, ch
	}
}

// unregister withdraws a waiter whose caller gave up (context cancellation).
// The ID is remembered so a late completion is discarded without a warning.
func (r *waiterRegistry) unregister(id WorkRequestID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.waiters[id]; ok {
		delete(r.waiters, id)
		r.cancelled[id] = struct{}{}
	}
}

// complete removes the waiter for id and delivers wc to it. It reports false
// when the ID has neither a waiter nor a cancellation tombstone: it was never
// registered, or its completion was already consumed.
func (r *waiterRegistry) complete(id WorkRequestID, wc WorkCompletion) bool {
	r.mu.Lock()
	ch, ok := r.waiters[id]
	if ok {
		delete(r.waiters, id)
	} else if _, cancelled := r.cancelled[id]; cancelled {
		delete(r.cancelled, id)
		ok = true
	}
	r.mu.Unlock()
	if ch != nil {
		ch <- wc
	}
	return ok
}

// closeAll closes every registered waiter channel so blocked callers observe
// dispatcher shutdown.
func (r *waiterRegistry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.waiters {
		close(ch)
		delete(r.waiters, id)
	}
}

func (r *waiterRegistry) outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

// dispatcher owns the CQ. It is the only goroutine that polls or re-arms it,
// and it routes every completion to the waiter that posted the originating
// work request.
type dispatcher struct {
	cq       *CompletionQueue
	registry *waiterRegistry
	metrics  Metrics
	log      *logrus.Entry

	done      chan struct{}
	closeOnce sync.Once
	stopped   chan struct{}
}

func newDispatcher(cq *CompletionQueue, metrics Metrics, log *logrus.Entry) *dispatcher {
	d := &dispatcher{
		cq:       cq,
		registry: newWaiterRegistry(),
		metrics:  metrics,
		log:      log,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) register() (WorkRequestID, <-chan WorkCompletion) {
	return d.registry.register()
}

func (d *dispatcher) unregister(id WorkRequestID) {
	d.registry.unregister(id)
}

// run is the dispatcher main loop. With an event channel attached it arms
// notification, drains, then sleeps on the FD; arming happens before the
// drain so a completion landing between drain and sleep still raises the FD.
// Without an event channel it degrades to an adaptive busy-poll.
func (d *dispatcher) run() {
	defer close(d.stopped)
	defer d.registry.closeAll()

	if d.cq.fd() < 0 {
		d.runBusyPoll()
		return
	}

	for {
		select {
		case <-d.done:
			return
		default:
		}

		if err := d.cq.reqNotify(false); err != nil {
			d.log.WithError(err).Error("failed to arm completion notification")
			return
		}
		d.drain()

		if !d.waitReadable() {
			return
		}
		if err := d.cq.getEvent(); err != nil {
			d.log.WithError(err).Error("failed to read completion event")
			return
		}
	}
}

func (d *dispatcher) runBusyPoll() {
	poll := NewAdaptivePoll(DefaultFastPoll, DefaultSteadyPoll)
	for {
		select {
		case <-d.done:
			return
		default:
		}
		wc, ok, err := d.cq.pollSingle()
		if err != nil {
			d.log.WithError(err).Error("poll completion queue failed")
			return
		}
		if !ok {
			poll.Sleep()
			continue
		}
		d.dispatch(wc)
		poll.Reset()
	}
}

// drain empties the CQ, dispatching each completion. A poll error is logged
// and ends this drain; run then re-arms and waits for the next event.
func (d *dispatcher) drain() {
	for {
		wc, ok, err := d.cq.pollSingle()
		if err != nil {
			d.log.WithError(err).Error("poll completion queue failed")
			return
		}
		if !ok {
			return
		}
		d.dispatch(wc)
	}
}

func (d *dispatcher) dispatch(wc WorkCompletion) {
	d.metrics.IncrementCompletions()
	if wc.Status != WCSuccess {
		d.metrics.IncrementCompletionErrors()
	}
	if !d.registry.complete(wc.WRID, wc) {
		d.log.WithFields(logrus.Fields{
			"wr_id":  uint64(wc.WRID),
			"status": wc.Status.String(),
		}).Warn("dropping completion for unknown work request")
	}
}

// waitReadable blocks until the CQ's event FD has data. It wakes periodically
// to notice shutdown. Returns false once the dispatcher is closing.
func (d *dispatcher) waitReadable() bool {
	fds := []unix.PollFd{{Fd: int32(d.cq.fd()), Events: unix.POLLIN}}
	for {
		select {
		case <-d.done:
			return false
		default:
		}
		n, err := unix.Poll(fds, 100)
		if err != nil && err != unix.EINTR {
			d.log.WithError(err).Error("poll on completion channel fd failed")
			return false
		}
		if n > 0 && fds[0].Revents&unix.POLLIN != 0 {
			return true
		}
	}
}

// Close stops the dispatcher and waits for the loop to exit. Registered
// waiters observe their channels closing.
func (d *dispatcher) Close() error {
	d.closeOnce.Do(func() { close(d.done) })
	<-d.stopped
	return nil
}
