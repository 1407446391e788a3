package comm

import (
	"runtime"

	"github.com/rocketbitz/fabcomm/device"
	"github.com/rocketbitz/fabcomm/transport"
)

type opKind uint8

const (
	opSend opKind = iota
	opRecv
	opRecvUnknown
	opHeaderSend
	opHeaderRecv
)

func (k opKind) String() string {
	switch k {
	case opSend:
		return "send"
	case opRecv:
		return "recv"
	case opRecvUnknown:
		return "recv_unknown"
	case opHeaderSend:
		return "header_send"
	case opHeaderRecv:
		return "header_recv"
	default:
		return "unknown"
	}
}

type opState uint8

const (
	// statePosted waits on the transport request.
	statePosted opState = iota
	// stateProbing waits for a matching message to learn its length.
	stateProbing
	// stateCopyOut waits on the device copy from a staging buffer.
	stateCopyOut
	stateCompleted
)

type recordID struct {
	index uint32
	gen   uint32
}

// record is the progress state of one transport operation. Parent records
// own children through ids; a parent completes only when its subtree has.
type record struct {
	gen  uint32
	live bool

	kind     opKind
	state    opState
	peer     int
	tag      uint32
	batch    uint32
	elemSize int

	req  transport.Request
	buf  commBuffer
	hdr  []byte
	dst  []byte
	size int
	copy device.Event
	out  *Received
	// expect is the declared byte count of a known-length receive, or -1.
	expect int

	children []recordID
	err      error
}

func (r *record) fail(err error) {
	if r.err == nil {
		r.err = err
	}
	r.state = stateCompleted
}

// arena stores records by index. Slots are reused after release; the
// generation counter makes ids of released records resolve to nothing.
type arena struct {
	records []*record
	free    []uint32
	live    int
}

func (a *arena) alloc() (recordID, *record) {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.records))
		a.records = append(a.records, &record{})
	}
	r := a.records[idx]
	gen := r.gen + 1
	*r = record{gen: gen, live: true, expect: -1}
	a.live++
	return recordID{index: idx, gen: gen}, r
}

// get returns the live record for id, or nil once it has been released.
func (a *arena) get(id recordID) *record {
	if int(id.index) >= len(a.records) {
		return nil
	}
	r := a.records[id.index]
	if !r.live || r.gen != id.gen {
		return nil
	}
	return r
}

func (a *arena) release(id recordID) {
	r := a.get(id)
	if r == nil {
		return
	}
	*r = record{gen: r.gen}
	a.free = append(a.free, id.index)
	a.live--
}

// settle advances every record of the tree rooted at id and reports whether
// the whole tree completed. Released ids count as complete.
func (a *arena) settle(id recordID, step func(*record)) bool {
	r := a.get(id)
	if r == nil {
		return true
	}
	if r.state != stateCompleted {
		step(r)
	}
	done := r.state == stateCompleted
	// step may append children, so index rather than range over a copy.
	for i := 0; i < len(r.children); i++ {
		if !a.settle(r.children[i], step) {
			done = false
		}
	}
	return done
}

// reap releases the tree rooted at id, children first, and returns its first
// error. finish sees each record with the first error of its subtree.
func (a *arena) reap(id recordID, finish func(*record, error) error) error {
	r := a.get(id)
	if r == nil {
		return nil
	}
	first := r.err
	for _, child := range r.children {
		if err := a.reap(child, finish); err != nil && first == nil {
			first = err
		}
	}
	if finish != nil {
		if err := finish(r, first); err != nil && first == nil {
			first = err
		}
	}
	a.release(id)
	return first
}

// Handle references a pending transfer. It aliases a single record or
// aggregates several. Waiting on a completed handle again is a no-op that
// reports the same error.
type Handle struct {
	owner *arena
	ids   []recordID
	kind  opKind
	peer  int
	tag   int
	bytes int
	done  bool
	err   error
}

func newHandle(owner *arena, kind opKind, peer, tag, bytes int, ids ...recordID) *Handle {
	return &Handle{owner: owner, ids: ids, kind: kind, peer: peer, tag: tag, bytes: bytes}
}

// Done reports whether a Wait observed the transfer's completion.
func (h *Handle) Done() bool { return h.done }

// Err returns the transfer's error once Done.
func (h *Handle) Err() error { return h.err }

// Peer returns the remote rank.
func (h *Handle) Peer() int { return h.peer }

// Tag returns the user tag.
func (h *Handle) Tag() int { return h.tag }

func (h *Handle) fields() []logField {
	return []logField{
		logKV(labelOperation, h.kind.String()),
		logKV(labelPeer, h.peer),
		logKV("tag", h.tag),
		logKV("bytes", h.bytes),
	}
}

// engine drives the records of one communicator.
type engine struct {
	records arena
	worker  transport.Worker
	obs     *observer
	step    func(*record)
	finish  func(*record, error) error
}

func (e *engine) waitAll(hs []*Handle) error {
	for _, h := range hs {
		if h != nil && !h.done && h.owner != &e.records {
			return ErrForeignHandle
		}
	}
	for {
		pending := false
		for _, h := range hs {
			if h == nil || h.done {
				continue
			}
			if e.settleHandle(h) {
				e.complete(h)
			} else {
				pending = true
			}
		}
		if !pending {
			break
		}
		if e.worker.Progress() == 0 {
			runtime.Gosched()
		}
	}
	for _, h := range hs {
		if h != nil && h.err != nil {
			return h.err
		}
	}
	return nil
}

func (e *engine) settleHandle(h *Handle) bool {
	done := true
	for _, id := range h.ids {
		if !e.records.settle(id, e.step) {
			done = false
		}
	}
	return done
}

func (e *engine) complete(h *Handle) {
	for _, id := range h.ids {
		if err := e.records.reap(id, e.finish); err != nil && h.err == nil {
			h.err = err
		}
	}
	h.ids = nil
	h.done = true
	e.obs.transferDone(h.err, h.fields()...)
}
