// Package loopback implements an in-process tag-matching fabric. Workers
// opened on the same Fabric exchange messages through memory; delivery only
// happens when the sending worker calls Progress, and sender buffers are read
// at delivery time, so a buffer reused before its send completes is observed
// as corrupted data on the receiving side.
package loopback

import (
	"bytes"
	"fmt"
	"math/rand"
	"sync"
	"unsafe"

	"github.com/rocketbitz/fabcomm/transport"
)

// Options configures a Fabric.
type Options struct {
	// Reorder shuffles the messages pending delivery on every Progress call.
	Reorder bool
	Seed    int64
	// Fault fails the send of any message whose tag it returns an error for.
	Fault func(tag transport.Tag) error
}

var _ transport.Provider = (*Fabric)(nil)

// Fabric is a process-local tag-matching network.
type Fabric struct {
	mu      sync.Mutex
	opts    Options
	rng     *rand.Rand
	workers map[string]*Worker
	seq     uint64

	liveRegions   int
	closedRegions int
	doubleCloses  int
	postedCloses  int
	delivered     int
}

// New constructs an empty Fabric.
func New(opts Options) *Fabric {
	return &Fabric{
		opts:    opts,
		rng:     rand.New(rand.NewSource(opts.Seed)),
		workers: make(map[string]*Worker),
	}
}

// Name identifies the provider.
func (f *Fabric) Name() string { return "loopback" }

// Open attaches a new worker to the fabric.
func (f *Fabric) Open() (transport.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	w := &Worker{fabric: f, addr: fmt.Sprintf("lo-%d", f.seq)}
	f.workers[w.addr] = w
	return w, nil
}

// LiveRegions reports regions allocated and not yet closed.
func (f *Fabric) LiveRegions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.liveRegions
}

// ClosedRegions reports how many regions were closed.
func (f *Fabric) ClosedRegions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closedRegions
}

// DoubleCloses reports Close calls on regions that were already closed.
func (f *Fabric) DoubleCloses() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.doubleCloses
}

// ClosedWhilePosted reports region closes that happened while a receive
// into the region's memory was still posted on an open worker.
func (f *Fabric) ClosedWhilePosted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.postedCloses
}

// Delivered reports the number of messages moved from a sender to a receiver.
func (f *Fabric) Delivered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delivered
}

// Worker is one attachment point on a Fabric.
type Worker struct {
	fabric     *Fabric
	addr       string
	outbox     []*message
	unexpected []*message
	posted     []*request
	closed     bool
}

type endpoint struct {
	owner *Worker
	peer  string
}

func (e *endpoint) Close() error { return nil }

type message struct {
	src  string
	dst  string
	tag  transport.Tag
	buf  []byte
	data []byte
	send *request
}

type request struct {
	fabric *Fabric
	done   bool
	err    error
	n      int

	src string
	tag transport.Tag
	buf []byte
}

func (r *request) Test() (bool, error) {
	r.fabric.mu.Lock()
	defer r.fabric.mu.Unlock()
	return r.done, r.err
}

func (r *request) Length() int {
	r.fabric.mu.Lock()
	defer r.fabric.mu.Unlock()
	return r.n
}

type region struct {
	fabric *Fabric
	buf    []byte
	closed bool
}

func (r *region) Bytes() []byte { return r.buf }

func (r *region) Close() error {
	f := r.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.closed {
		f.doubleCloses++
		return transport.ErrClosed
	}
	r.closed = true
	f.liveRegions--
	f.closedRegions++
	if f.postedIntoLocked(r.buf) {
		f.postedCloses++
	}
	return nil
}

func (f *Fabric) postedIntoLocked(mem []byte) bool {
	for _, w := range f.workers {
		for _, req := range w.posted {
			if overlaps(req.buf, mem) {
				return true
			}
		}
	}
	return false
}

func overlaps(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	a0 := uintptr(unsafe.Pointer(unsafe.SliceData(a)))
	b0 := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	return a0 < b0+uintptr(len(b)) && b0 < a0+uintptr(len(a))
}

// Address returns the worker's fabric address.
func (w *Worker) Address() []byte { return []byte(w.addr) }

// Connect creates an endpoint for a peer address published by another
// worker. The peer is looked up when a message is delivered, so it may
// already be gone; sends to it then fail with ErrUnknownEndpoint.
func (w *Worker) Connect(addr []byte) (transport.Endpoint, error) {
	if len(addr) == 0 {
		return nil, fmt.Errorf("loopback: empty address: %w", transport.ErrUnknownEndpoint)
	}
	f := w.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if w.closed {
		return nil, transport.ErrClosed
	}
	return &endpoint{owner: w, peer: string(addr)}, nil
}

// Alloc returns a region backed by Go memory.
func (w *Worker) Alloc(size int) (transport.Region, error) {
	if size < 0 {
		return nil, fmt.Errorf("loopback: negative region size %d", size)
	}
	f := w.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if w.closed {
		return nil, transport.ErrClosed
	}
	f.liveRegions++
	return &region{fabric: f, buf: make([]byte, size)}, nil
}

func (w *Worker) resolve(ep transport.Endpoint) (*endpoint, error) {
	e, ok := ep.(*endpoint)
	if !ok || e == nil || e.owner != w {
		return nil, transport.ErrUnknownEndpoint
	}
	return e, nil
}

// TagSend queues buf for delivery to ep. buf is read when the message is
// delivered, not when it is queued.
func (w *Worker) TagSend(ep transport.Endpoint, buf []byte, tag transport.Tag) (transport.Request, error) {
	e, err := w.resolve(ep)
	if err != nil {
		return nil, err
	}
	f := w.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if w.closed {
		return nil, transport.ErrClosed
	}
	req := &request{fabric: f, tag: tag}
	w.outbox = append(w.outbox, &message{src: w.addr, dst: e.peer, tag: tag, buf: buf, send: req})
	return req, nil
}

// TagRecv posts a receive for a message from src carrying exactly tag.
func (w *Worker) TagRecv(src transport.Endpoint, buf []byte, tag transport.Tag) (transport.Request, error) {
	e, err := w.resolve(src)
	if err != nil {
		return nil, err
	}
	f := w.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if w.closed {
		return nil, transport.ErrClosed
	}
	req := &request{fabric: f, src: e.peer, tag: tag, buf: buf}
	for i, msg := range w.unexpected {
		if msg.src == e.peer && msg.tag == tag {
			w.unexpected = append(w.unexpected[:i], w.unexpected[i+1:]...)
			req.complete(msg.data)
			return req, nil
		}
	}
	w.posted = append(w.posted, req)
	return req, nil
}

// Probe reports the first unexpected message from src carrying tag.
func (w *Worker) Probe(src transport.Endpoint, tag transport.Tag) (transport.Message, bool, error) {
	e, err := w.resolve(src)
	if err != nil {
		return transport.Message{}, false, err
	}
	f := w.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if w.closed {
		return transport.Message{}, false, transport.ErrClosed
	}
	for _, msg := range w.unexpected {
		if msg.src == e.peer && msg.tag == tag {
			return transport.Message{Length: len(msg.data), Tag: msg.tag}, true, nil
		}
	}
	return transport.Message{}, false, nil
}

// Progress delivers every message this worker has queued.
func (w *Worker) Progress() int {
	f := w.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	out := w.outbox
	w.outbox = nil
	if f.opts.Reorder {
		f.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	}
	for _, msg := range out {
		f.deliverLocked(msg)
	}
	return len(out)
}

func (f *Fabric) deliverLocked(msg *message) {
	if f.opts.Fault != nil {
		if err := f.opts.Fault(msg.tag); err != nil {
			msg.send.fail("send", err)
			return
		}
	}
	dst, ok := f.workers[msg.dst]
	if !ok {
		msg.send.fail("send", transport.ErrUnknownEndpoint)
		return
	}
	msg.data = bytes.Clone(msg.buf)
	if msg.data == nil {
		msg.data = []byte{}
	}
	msg.buf = nil
	msg.send.done = true
	msg.send.n = len(msg.data)
	f.delivered++

	for i, req := range dst.posted {
		if req.src == msg.src && req.tag == msg.tag {
			dst.posted = append(dst.posted[:i], dst.posted[i+1:]...)
			req.complete(msg.data)
			return
		}
	}
	dst.unexpected = append(dst.unexpected, msg)
}

func (r *request) complete(data []byte) {
	r.done = true
	if len(data) > len(r.buf) {
		r.err = &transport.OperationError{Op: "recv", Tag: r.tag, Err: transport.ErrTruncated}
		return
	}
	r.n = copy(r.buf, data)
}

func (r *request) fail(op string, err error) {
	r.done = true
	r.err = &transport.OperationError{Op: op, Tag: r.tag, Err: err}
}

// Close detaches the worker; operations still pending fail with ErrClosed.
func (w *Worker) Close() error {
	f := w.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	delete(f.workers, w.addr)
	for _, msg := range w.outbox {
		msg.send.fail("send", transport.ErrClosed)
	}
	for _, req := range w.posted {
		req.fail("recv", transport.ErrClosed)
	}
	w.outbox, w.posted, w.unexpected = nil, nil, nil
	return nil
}
