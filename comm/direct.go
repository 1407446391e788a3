package comm

import (
	"context"
	"errors"
	"fmt"

	"github.com/rocketbitz/fabcomm/device"
	"github.com/rocketbitz/fabcomm/transport"
)

var _ Communicator = (*Direct)(nil)

// Direct posts user buffers straight to the transport.
type Direct struct {
	opts    Options
	runtime device.Runtime
	obs     *observer
	eng     engine

	state     lifecycle
	id        Identity
	worker    transport.Worker
	endpoints []transport.Endpoint
}

// NewDirect constructs an uninitialised Direct communicator.
func NewDirect(opts Options) *Direct {
	return newDirect(string(VariantDirect), opts)
}

func newDirect(variant string, opts Options) *Direct {
	d := &Direct{opts: opts, runtime: opts.Runtime, obs: newObserver(variant, opts)}
	if d.runtime == nil {
		d.runtime = device.NewHost(device.HostOptions{Devices: 1})
	}
	d.eng = engine{obs: d.obs, step: d.step, finish: d.finish}
	return d
}

// Init joins the group, binds a device, opens the worker and connects to
// every rank. It returns only after all ranks have connected.
func (d *Direct) Init(ctx context.Context) error {
	switch d.state {
	case lifecycleReady:
		return ErrAlreadyInitialized
	case lifecycleFinalized:
		return ErrFinalized
	}
	span := d.obs.startSpan("fabcomm.init", logKV(labelVariant, d.obs.variant), logKV(labelProvider, d.obs.provider))
	if err := d.bootstrap(ctx, span); err != nil {
		d.teardown()
		err = fmt.Errorf("%w: %w", ErrBootstrap, err)
		d.obs.log("bootstrap_error", logKV("error", err))
		spanEnd(span, err)
		return err
	}
	d.state = lifecycleReady
	d.eng.worker = d.worker
	d.obs.log("init",
		logKV("size", d.id.Size),
		logKV("local_rank", d.id.LocalRank),
		logKV("device", d.id.Device),
		logKV("device_count", d.id.DeviceCount),
	)
	spanEnd(span, nil)
	return nil
}

func (d *Direct) bootstrap(ctx context.Context, span Span) error {
	g := d.opts.Group
	if g == nil {
		return errors.New("no process group")
	}
	if d.opts.Provider == nil {
		return errors.New("no transport provider")
	}
	if err := g.Join(ctx); err != nil {
		return fmt.Errorf("join group: %w", err)
	}
	rank, size := g.Rank(), g.Size()
	d.obs.rank = rank
	spanAddEvent(span, "group_joined", logKV("rank", rank), logKV("size", size))

	count, err := d.runtime.DeviceCount()
	if err != nil {
		return fmt.Errorf("device count: %w", err)
	}
	if count <= 0 {
		return fmt.Errorf("%w: no devices visible", device.ErrNoDevice)
	}
	dev := g.LocalRank() % count
	if err := d.runtime.SetDevice(dev); err != nil {
		return fmt.Errorf("select device %d: %w", dev, err)
	}
	if d.opts.PoolBytes > 0 {
		if err := d.runtime.EnablePool(d.opts.PoolBytes); err != nil {
			return fmt.Errorf("enable pool: %w", err)
		}
	}
	spanAddEvent(span, "device_bound", logKV("device", dev))

	worker, err := d.opts.Provider.Open()
	if err != nil {
		return fmt.Errorf("open %s worker: %w", d.opts.Provider.Name(), err)
	}
	d.worker = worker
	addrs, err := g.AllGather(ctx, worker.Address())
	if err != nil {
		return fmt.Errorf("exchange addresses: %w", err)
	}
	if len(addrs) != size {
		return fmt.Errorf("exchange addresses: got %d of %d", len(addrs), size)
	}
	d.endpoints = make([]transport.Endpoint, size)
	for peer, addr := range addrs {
		ep, err := worker.Connect(addr)
		if err != nil {
			return fmt.Errorf("connect to rank %d: %w", peer, err)
		}
		d.endpoints[peer] = ep
	}
	// Peers may still be connecting; nobody leaves Init and closes its worker
	// before every rank holds its endpoint table.
	if err := g.Barrier(ctx); err != nil {
		return fmt.Errorf("connect barrier: %w", err)
	}
	spanAddEvent(span, "endpoints_connected", logKV("count", size))

	d.id = Identity{
		Rank:        rank,
		Size:        size,
		LocalRank:   g.LocalRank(),
		DeviceCount: count,
		Device:      dev,
	}
	return nil
}

// teardown releases whatever a failed bootstrap acquired.
func (d *Direct) teardown() {
	for _, ep := range d.endpoints {
		if ep != nil {
			_ = ep.Close()
		}
	}
	d.endpoints = nil
	if d.worker != nil {
		_ = d.worker.Close()
		d.worker = nil
	}
}

// Identity reports this rank's place in the group and its bound device.
func (d *Direct) Identity() Identity { return d.id }

// Stats returns a snapshot of transfer counters.
func (d *Direct) Stats() Stats { return d.obs.stats.snapshot() }

// PendingRecords reports operation records not yet reclaimed by a wait.
func (d *Direct) PendingRecords() int { return d.eng.records.live }

// Send posts count elements of buf to dest. buf must stay untouched until
// the handle completes.
func (d *Direct) Send(buf []byte, count, elemSize, dest, tag int) (*Handle, error) {
	if err := d.state.check(); err != nil {
		return nil, err
	}
	n, err := transferBytes(len(buf), count, elemSize, dest, tag, d.id.Size)
	if err != nil {
		return nil, err
	}
	id, r := d.eng.records.alloc()
	r.kind, r.peer, r.tag, r.size = opSend, dest, uint32(tag), n
	req, err := d.postSend(buf[:n], dest, EncodeTag(uint32(tag), 0))
	if err != nil {
		d.eng.records.release(id)
		return nil, err
	}
	r.req = req
	h := newHandle(&d.eng.records, opSend, dest, tag, n, id)
	d.obs.transferPosted(h.fields()...)
	return h, nil
}

// Recv posts a receive of exactly count elements from source into buf.
func (d *Direct) Recv(buf []byte, count, elemSize, source, tag int) (*Handle, error) {
	if err := d.state.check(); err != nil {
		return nil, err
	}
	n, err := transferBytes(len(buf), count, elemSize, source, tag, d.id.Size)
	if err != nil {
		return nil, err
	}
	id, r := d.eng.records.alloc()
	r.kind, r.peer, r.tag, r.size, r.expect = opRecv, source, uint32(tag), n, n
	req, err := d.postRecv(buf[:n], source, EncodeTag(uint32(tag), 0))
	if err != nil {
		d.eng.records.release(id)
		return nil, err
	}
	r.req = req
	h := newHandle(&d.eng.records, opRecv, source, tag, n, id)
	d.obs.transferPosted(h.fields()...)
	return h, nil
}

// RecvUnknown receives a message of unknown length into runtime memory,
// published through out once the handle completes. Release it with Free.
func (d *Direct) RecvUnknown(out *Received, elemSize, source, tag int) (*Handle, error) {
	if err := d.state.check(); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.New("comm: nil Received")
	}
	if _, err := transferBytes(0, 0, elemSize, source, tag, d.id.Size); err != nil {
		return nil, err
	}
	id, r := d.eng.records.alloc()
	r.kind, r.state, r.peer, r.tag = opRecvUnknown, stateProbing, source, uint32(tag)
	r.elemSize, r.out = elemSize, out
	h := newHandle(&d.eng.records, opRecvUnknown, source, tag, 0, id)
	d.obs.transferPosted(h.fields()...)
	return h, nil
}

func (d *Direct) postSend(buf []byte, dest int, tag transport.Tag) (transport.Request, error) {
	req, err := d.worker.TagSend(d.endpoints[dest], buf, tag)
	if err != nil {
		return nil, fmt.Errorf("comm: post send to rank %d: %w", dest, err)
	}
	return req, nil
}

func (d *Direct) postRecv(buf []byte, source int, tag transport.Tag) (transport.Request, error) {
	req, err := d.worker.TagRecv(d.endpoints[source], buf, tag)
	if err != nil {
		return nil, fmt.Errorf("comm: post recv from rank %d: %w", source, err)
	}
	return req, nil
}

// step advances one record of a direct transfer.
func (d *Direct) step(r *record) {
	switch r.state {
	case stateProbing:
		msg, found, err := d.worker.Probe(d.endpoints[r.peer], EncodeTag(r.tag, 0))
		if err != nil {
			r.fail(fmt.Errorf("comm: probe rank %d: %w", r.peer, err))
			return
		}
		if !found {
			return
		}
		if msg.Length%r.elemSize != 0 {
			r.fail(fmt.Errorf("%w: %d bytes is not a multiple of element size %d", ErrSizeMismatch, msg.Length, r.elemSize))
			return
		}
		buf, err := d.runtime.Alloc(msg.Length)
		if err != nil {
			r.fail(fmt.Errorf("comm: allocate %d bytes: %w", msg.Length, err))
			return
		}
		r.dst, r.size = buf, msg.Length
		req, err := d.postRecv(buf, r.peer, EncodeTag(r.tag, 0))
		if err != nil {
			r.fail(err)
			return
		}
		r.req, r.state = req, statePosted
	case statePosted:
		done, err := r.req.Test()
		if !done {
			return
		}
		if err != nil {
			r.fail(err)
			return
		}
		if (r.kind == opRecv || r.kind == opRecvUnknown) && r.req.Length() != r.size {
			r.fail(fmt.Errorf("%w: received %d of %d bytes", ErrSizeMismatch, r.req.Length(), r.size))
			return
		}
		r.state = stateCompleted
	}
}

// finish publishes an unknown-length receive, or frees its memory on error.
func (d *Direct) finish(r *record, err error) error {
	if r.kind != opRecvUnknown || r.out == nil {
		return nil
	}
	if err != nil {
		if r.dst != nil {
			return d.runtime.Free(r.dst)
		}
		return nil
	}
	r.out.Data = r.dst[:r.size]
	r.out.Count = r.size / r.elemSize
	return nil
}

// Wait blocks until every operation behind h settles and returns its first error.
func (d *Direct) Wait(h *Handle) error {
	if h == nil {
		return nil
	}
	return d.WaitAll([]*Handle{h})
}

// WaitAll waits for every handle in hs and returns the first error seen.
func (d *Direct) WaitAll(hs []*Handle) error {
	if err := d.state.check(); err != nil {
		return err
	}
	return d.eng.waitAll(hs)
}

// Free releases memory handed out by RecvUnknown.
func (d *Direct) Free(buf []byte) error {
	return d.runtime.Free(buf)
}

// Finalize closes endpoints, the worker and the process group.
func (d *Direct) Finalize() error {
	switch d.state {
	case lifecycleFinalized:
		return ErrFinalized
	case lifecycleNew:
		d.state = lifecycleFinalized
		return nil
	}
	d.state = lifecycleFinalized
	errs := d.closeTransport()
	return errors.Join(append(errs, d.closeGroup()...)...)
}

// closeTransport closes endpoints and the worker. Receives still posted fail
// with transport.ErrClosed, after which their buffers are no longer written.
func (d *Direct) closeTransport() []error {
	var errs []error
	for peer, ep := range d.endpoints {
		if err := ep.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close endpoint %d: %w", peer, err))
		}
	}
	d.endpoints = nil
	if d.worker != nil {
		if err := d.worker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close worker: %w", err))
		}
	}
	return errs
}

func (d *Direct) closeGroup() []error {
	var errs []error
	if err := d.opts.Group.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close group: %w", err))
	}
	d.obs.log("finalize", logKV("pending_records", d.eng.records.live))
	return errs
}
