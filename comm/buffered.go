package comm

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/rocketbitz/fabcomm/device"
	"github.com/rocketbitz/fabcomm/transport"
)

var _ Communicator = (*Buffered)(nil)

// Buffered stages transfers through a cache of transport-registered regions.
// A transfer of n bytes travels as a 16-byte header on batch index
// headerIndex followed by ceil(n/S) batches of at most S bytes, where S is
// the cache buffer size. When the cache runs dry, batches are staged through
// ad hoc regions that are released once their batch completes.
type Buffered struct {
	d   *Direct
	eng engine

	stream     device.Stream
	cache      *bufferCache
	adhocLive  int
	quarantine []commBuffer
}

// NewBuffered constructs an uninitialised Buffered communicator. SetupCache
// must be called after Init and before the first transfer.
func NewBuffered(opts Options) *Buffered {
	d := newDirect(string(VariantBuffered), opts)
	b := &Buffered{d: d}
	b.eng = engine{obs: d.obs, step: b.step, finish: b.finish}
	return b
}

// Init bootstraps the direct layer and opens the copy stream.
func (b *Buffered) Init(ctx context.Context) error {
	if err := b.d.Init(ctx); err != nil {
		return err
	}
	stream, err := b.d.runtime.NewStream()
	if err != nil {
		_ = b.d.Finalize()
		return fmt.Errorf("%w: open copy stream: %w", ErrBootstrap, err)
	}
	b.stream = stream
	b.eng.worker = b.d.worker
	return nil
}

// Identity reports this rank's place in the group and its bound device.
func (b *Buffered) Identity() Identity { return b.d.id }

// Stats returns a snapshot of transfer counters.
func (b *Buffered) Stats() Stats { return b.d.obs.stats.snapshot() }

// PendingRecords reports operation records not yet reclaimed by a wait.
func (b *Buffered) PendingRecords() int { return b.eng.records.live }

// CacheStats reports cache occupancy and ad hoc buffer counts.
func (b *Buffered) CacheStats() CacheStats {
	s := CacheStats{AdhocLive: b.adhocLive, Quarantined: len(b.quarantine)}
	if b.cache != nil {
		s.Capacity = b.cache.capacity()
		s.Free = b.cache.free()
		s.BufferSize = b.cache.size
	}
	return s
}

// SetupCache registers count regions of size bytes. It may be called once.
func (b *Buffered) SetupCache(count, size int) error {
	if err := b.d.state.check(); err != nil {
		return err
	}
	if b.cache != nil {
		return ErrCacheConfigured
	}
	if count <= 0 || size <= 0 {
		return fmt.Errorf("comm: invalid cache geometry %d x %d", count, size)
	}
	regions := make([]transport.Region, 0, count)
	for slot := 0; slot < count; slot++ {
		region, err := b.d.worker.Alloc(size)
		if err != nil {
			for _, r := range regions {
				_ = r.Close()
			}
			return fmt.Errorf("comm: allocate cache slot %d: %w", slot, err)
		}
		regions = append(regions, region)
	}
	b.cache = newBufferCache(regions, size)
	b.d.obs.log("cache_setup", logKV("count", count), logKV("size", size))
	return nil
}

// WarmupCache runs two rounds of a ring exchange of count*size bytes on a
// reserved tag. The first round posts receives first so every rank stages
// its receive through the cache and its send through ad hoc regions; the
// second reverses the order. It is collective and ends with a barrier.
func (b *Buffered) WarmupCache(ctx context.Context) (err error) {
	if err := b.d.state.check(); err != nil {
		return err
	}
	if b.cache == nil {
		return ErrCacheNotConfigured
	}
	id := b.d.id
	next, prev := (id.Rank+1)%id.Size, (id.Rank+id.Size-1)%id.Size
	total := b.cache.capacity() * b.cache.size
	span := b.d.obs.startSpan("fabcomm.warmup", logKV("bytes", total), logKV(labelPeer, next))
	defer func() { spanEnd(span, err) }()

	src, want := warmupPattern(id.Rank, total), warmupPattern(prev, total)
	for round, recvFirst := range []bool{true, false} {
		dst := make([]byte, total)
		var hs []*Handle
		post := []func() (*Handle, error){
			func() (*Handle, error) { return b.recv(dst, prev, warmupTag, opRecv) },
			func() (*Handle, error) { return b.send(src, next, warmupTag) },
		}
		if !recvFirst {
			post[0], post[1] = post[1], post[0]
		}
		for _, fn := range post {
			h, err := fn()
			if err != nil {
				return fmt.Errorf("comm: warmup round %d: %w", round, err)
			}
			hs = append(hs, h)
		}
		if err := b.WaitAll(hs); err != nil {
			return fmt.Errorf("comm: warmup round %d: %w", round, err)
		}
		if !bytes.Equal(dst, want) {
			return fmt.Errorf("comm: warmup round %d: payload from rank %d corrupted", round, prev)
		}
		spanAddEvent(span, "warmup_round", logKV("round", round), logKV("recv_first", recvFirst))
	}
	if err := b.d.opts.Group.Barrier(ctx); err != nil {
		return fmt.Errorf("comm: warmup barrier: %w", err)
	}
	b.d.obs.log("cache_warmup", logKV("bytes", total), logKV("adhoc_live", b.adhocLive))
	return nil
}

func warmupPattern(rank, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(rank*31 + i)
	}
	return buf
}

// Send stages buf into cache or ad hoc buffers and posts a header plus
// one batch per cache-sized chunk. buf may be reused as soon as Send returns.
func (b *Buffered) Send(buf []byte, count, elemSize, dest, tag int) (*Handle, error) {
	if err := b.d.state.check(); err != nil {
		return nil, err
	}
	n, err := transferBytes(len(buf), count, elemSize, dest, tag, b.d.id.Size)
	if err != nil {
		return nil, err
	}
	return b.send(buf[:n], dest, uint32(tag))
}

// Recv posts the header and batch receives for exactly count elements.
func (b *Buffered) Recv(buf []byte, count, elemSize, source, tag int) (*Handle, error) {
	if err := b.d.state.check(); err != nil {
		return nil, err
	}
	n, err := transferBytes(len(buf), count, elemSize, source, tag, b.d.id.Size)
	if err != nil {
		return nil, err
	}
	return b.recv(buf[:n], source, uint32(tag), opRecv)
}

// RecvUnknown receives a message whose length is taken from its header.
// The data lands in runtime memory published through out; release it with Free.
func (b *Buffered) RecvUnknown(out *Received, elemSize, source, tag int) (*Handle, error) {
	if err := b.d.state.check(); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.New("comm: nil Received")
	}
	if _, err := transferBytes(0, 0, elemSize, source, tag, b.d.id.Size); err != nil {
		return nil, err
	}
	h, err := b.recv(nil, source, uint32(tag), opRecvUnknown)
	if err != nil {
		return nil, err
	}
	r := b.eng.records.get(h.ids[0])
	r.out, r.elemSize, r.expect = out, elemSize, -1
	return h, nil
}

func (b *Buffered) acquire(size int, fields ...logField) (commBuffer, error) {
	if pb, ok := b.cache.pop(size); ok {
		b.d.obs.stats.cacheHits.Add(1)
		return pb, nil
	}
	region, err := b.d.worker.Alloc(size)
	if err != nil {
		return nil, fmt.Errorf("comm: allocate ad hoc buffer of %d bytes: %w", size, err)
	}
	b.adhocLive++
	b.d.obs.adhocAllocated(size, fields...)
	return adhocBuffer{region: region, size: size}, nil
}

func (b *Buffered) release(buf commBuffer) error {
	switch v := buf.(type) {
	case pooledBuffer:
		b.cache.push(v.slot)
	case adhocBuffer:
		b.adhocLive--
		return v.region.Close()
	}
	return nil
}

func (b *Buffered) releaseRecord(r *record) {
	if r.buf == nil {
		return
	}
	if err := b.release(r.buf); err != nil && r.err == nil {
		r.err = err
	}
	r.buf = nil
}

func (b *Buffered) send(data []byte, dest int, tag uint32) (*Handle, error) {
	if b.cache == nil {
		return nil, ErrCacheNotConfigured
	}
	chunk, n := b.cache.size, len(data)
	hid, hr := b.eng.records.alloc()
	hr.kind, hr.peer, hr.tag, hr.batch = opHeaderSend, dest, tag, headerIndex
	hr.hdr = transferHeader{total: uint64(n), chunkSize: uint64(chunk)}.encode()
	req, err := b.d.postSend(hr.hdr, dest, EncodeTag(tag, headerIndex))
	if err != nil {
		b.eng.records.release(hid)
		return nil, err
	}
	hr.req = req

	fields := []logField{logKV(labelOperation, opSend.String()), logKV(labelPeer, dest)}
	ids := []recordID{hid}
	// Stage every batch before posting any so the copies overlap.
	for i := 0; i < batchCount(n, chunk); i++ {
		off, size := batchSpan(i, n, chunk)
		id, r := b.eng.records.alloc()
		r.kind, r.peer, r.tag, r.batch, r.size = opSend, dest, tag, uint32(i), size
		ids = append(ids, id)
		buf, err := b.acquire(size, fields...)
		if err != nil {
			r.fail(err)
			continue
		}
		r.buf = buf
		r.copy = b.stream.CopyAsync(buf.bytes(), data[off:off+size])
		b.d.obs.stats.bytesStaged.Add(uint64(size))
	}
	for _, id := range ids[1:] {
		r := b.eng.records.get(id)
		if r.state == stateCompleted {
			continue
		}
		if err := r.copy.Wait(); err != nil {
			b.releaseRecord(r)
			r.fail(fmt.Errorf("comm: stage batch %d: %w", r.batch, err))
			continue
		}
		r.copy = nil
		req, err := b.d.postSend(r.buf.bytes(), dest, EncodeTag(tag, r.batch))
		if err != nil {
			b.releaseRecord(r)
			r.fail(err)
			continue
		}
		r.req = req
		b.d.obs.batchPosted(fields...)
	}

	h := newHandle(&b.eng.records, opSend, dest, int(tag), n, ids...)
	b.d.obs.transferPosted(h.fields()...)
	return h, nil
}

// recv posts the header receive. For a known length the batches are posted
// with it; for an unknown length they are posted once the header arrives.
func (b *Buffered) recv(dst []byte, source int, tag uint32, kind opKind) (*Handle, error) {
	if b.cache == nil {
		return nil, ErrCacheNotConfigured
	}
	hid, hr := b.eng.records.alloc()
	hr.kind, hr.peer, hr.tag, hr.batch = opHeaderRecv, source, tag, headerIndex
	hr.hdr = make([]byte, headerSize)
	req, err := b.d.postRecv(hr.hdr, source, EncodeTag(tag, headerIndex))
	if err != nil {
		b.eng.records.release(hid)
		return nil, err
	}
	hr.req = req
	if kind == opRecv {
		hr.dst, hr.size, hr.expect = dst, len(dst), len(dst)
		b.postBatches(hr, dst)
	}
	h := newHandle(&b.eng.records, kind, source, int(tag), len(dst), hid)
	b.d.obs.transferPosted(h.fields()...)
	return h, nil
}

func (b *Buffered) postBatches(parent *record, dst []byte) {
	chunk := b.cache.size
	fields := []logField{logKV(labelOperation, opRecv.String()), logKV(labelPeer, parent.peer)}
	for i := 0; i < batchCount(len(dst), chunk); i++ {
		off, size := batchSpan(i, len(dst), chunk)
		id, r := b.eng.records.alloc()
		r.kind, r.peer, r.tag, r.batch, r.size = opRecv, parent.peer, parent.tag, uint32(i), size
		r.dst = dst[off : off+size]
		parent.children = append(parent.children, id)
		buf, err := b.acquire(size, fields...)
		if err != nil {
			r.fail(err)
			continue
		}
		r.buf = buf
		req, err := b.d.postRecv(buf.bytes(), parent.peer, EncodeTag(parent.tag, uint32(i)))
		if err != nil {
			b.releaseRecord(r)
			r.fail(err)
			continue
		}
		r.req = req
		b.d.obs.batchPosted(fields...)
	}
}

// abandon fails the still-posted batches under a rejected header. Their
// staging buffers may still be written by the transport, so they are parked
// until Finalize instead of returning to the cache.
func (b *Buffered) abandon(parent *record, cause error) {
	for _, id := range parent.children {
		r := b.eng.records.get(id)
		if r == nil || r.state != statePosted {
			continue
		}
		if r.buf != nil {
			b.quarantine = append(b.quarantine, r.buf)
			r.buf = nil
		}
		r.fail(cause)
	}
	parent.fail(cause)
	b.d.obs.log("transfer_rejected", logKV(labelPeer, parent.peer), logKV("tag", parent.tag), logKV("error", cause))
}

func (b *Buffered) step(r *record) {
	switch r.kind {
	case opHeaderSend:
		if done, err := r.req.Test(); done {
			if err != nil {
				r.fail(err)
				return
			}
			r.state = stateCompleted
		}
	case opSend:
		if done, err := r.req.Test(); done {
			b.releaseRecord(r)
			if err != nil {
				r.fail(err)
				return
			}
			r.state = stateCompleted
		}
	case opRecv:
		b.stepBatchRecv(r)
	case opHeaderRecv:
		b.stepHeaderRecv(r)
	}
}

func (b *Buffered) stepBatchRecv(r *record) {
	if r.state == statePosted {
		done, err := r.req.Test()
		if !done {
			return
		}
		if err != nil {
			b.releaseRecord(r)
			r.fail(err)
			return
		}
		if n := r.req.Length(); n != r.size {
			b.releaseRecord(r)
			r.fail(fmt.Errorf("%w: batch %d carried %d of %d bytes", ErrSizeMismatch, r.batch, n, r.size))
			return
		}
		r.copy = b.stream.CopyAsync(r.dst, r.buf.bytes())
		r.state = stateCopyOut
	}
	if r.state == stateCopyOut && r.copy.Done() {
		err := r.copy.Wait()
		r.copy = nil
		b.releaseRecord(r)
		if err != nil {
			r.fail(fmt.Errorf("comm: unstage batch %d: %w", r.batch, err))
			return
		}
		r.state = stateCompleted
	}
}

func (b *Buffered) stepHeaderRecv(r *record) {
	if r.state != statePosted {
		return
	}
	done, err := r.req.Test()
	if !done {
		return
	}
	if err != nil {
		b.abandon(r, fmt.Errorf("comm: header from rank %d: %w", r.peer, err))
		return
	}
	hdr, err := decodeHeader(r.hdr[:r.req.Length()])
	if err != nil {
		b.abandon(r, err)
		return
	}
	if int(hdr.chunkSize) != b.cache.size {
		b.abandon(r, fmt.Errorf("%w: rank %d batches by %d bytes, local buffers hold %d", ErrChunkSizeMismatch, r.peer, hdr.chunkSize, b.cache.size))
		return
	}
	total := int(hdr.total)
	if r.expect >= 0 {
		if total != r.expect {
			b.abandon(r, fmt.Errorf("%w: rank %d sent %d bytes, receive posted for %d", ErrSizeMismatch, r.peer, total, r.expect))
			return
		}
		r.state = stateCompleted
		return
	}
	if total%r.elemSize != 0 {
		r.fail(fmt.Errorf("%w: %d bytes is not a multiple of element size %d", ErrSizeMismatch, total, r.elemSize))
		return
	}
	dst, err := b.d.runtime.Alloc(total)
	if err != nil {
		r.fail(fmt.Errorf("comm: allocate %d bytes: %w", total, err))
		return
	}
	r.dst, r.size = dst, total
	b.postBatches(r, dst)
	r.state = stateCompleted
}

// finish returns leftover staging buffers and publishes unknown-length
// receives, freeing their memory if any part of the transfer failed.
func (b *Buffered) finish(r *record, err error) error {
	b.releaseRecord(r)
	if r.kind != opHeaderRecv || r.out == nil {
		return nil
	}
	if err != nil {
		if r.dst != nil {
			return b.d.runtime.Free(r.dst)
		}
		return nil
	}
	r.out.Data = r.dst
	r.out.Count = r.size / r.elemSize
	return nil
}

// Wait drives progress until h settles, returning its buffers to the cache.
func (b *Buffered) Wait(h *Handle) error {
	if h == nil {
		return nil
	}
	return b.WaitAll([]*Handle{h})
}

// WaitAll waits for every handle in hs and returns the first error seen.
func (b *Buffered) WaitAll(hs []*Handle) error {
	if err := b.d.state.check(); err != nil {
		return err
	}
	return b.eng.waitAll(hs)
}

// Free releases memory handed out by RecvUnknown.
func (b *Buffered) Free(buf []byte) error {
	return b.d.runtime.Free(buf)
}

// Finalize drains the copy stream and closes the worker before releasing the
// cache and parked buffers, so no receive is still posted into memory that
// is being freed. The process group is closed last.
func (b *Buffered) Finalize() error {
	if b.d.state != lifecycleReady {
		return b.d.Finalize()
	}
	b.d.obs.log("finalize_cache",
		logKV("capacity", b.CacheStats().Capacity),
		logKV("adhoc_live", b.adhocLive),
		logKV("quarantined", len(b.quarantine)),
	)
	var errs []error
	if b.stream != nil {
		if err := b.stream.Synchronize(); err != nil {
			errs = append(errs, fmt.Errorf("synchronize stream: %w", err))
		}
		if err := b.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stream: %w", err))
		}
	}
	b.d.state = lifecycleFinalized
	errs = append(errs, b.d.closeTransport()...)
	if b.cache != nil {
		if err := b.cache.close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, buf := range b.quarantine {
		if v, ok := buf.(adhocBuffer); ok {
			b.adhocLive--
			if err := v.region.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
				errs = append(errs, fmt.Errorf("close parked buffer: %w", err))
			}
		}
	}
	b.quarantine = nil
	errs = append(errs, b.d.closeGroup()...)
	return errors.Join(errs...)
}
