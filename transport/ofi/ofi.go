//go:build cgo

package ofi

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"go.uber.org/zap"

	"github.com/rocketbitz/fabcomm/internal/capi"
	"github.com/rocketbitz/fabcomm/transport"
)

const maxPostRetries = 1 << 14

var minRuntime = capi.Version{Major: 1, Minor: 5}

// RuntimeVersion reports the linked libfabric version.
func RuntimeVersion() string { return capi.RuntimeVersion().String() }

func taggedHints(provider string) *capi.Info {
	hints := capi.AllocInfo()
	if provider != "" {
		hints.SetProvider(provider)
	}
	hints.SetEndpointType(capi.EndpointTypeRDM)
	hints.SetCaps(capi.CapTagged | capi.CapDirectedRecv)
	hints.SetMode(capi.ModeContext | capi.ModeContext2)
	hints.SetMRMode(capi.MRModeLocal | capi.MRModeAllocated | capi.MRModeProvKey | capi.MRModeVirtAddr)
	return hints
}

// Discover lists the providers able to serve tagged RDM endpoints. An empty
// provider name lists all of them.
func Discover(provider string) ([]Descriptor, error) {
	hints := taggedHints(provider)
	defer hints.Free()
	info, err := capi.GetInfo(capi.BuildVersion(), "", "", 0, hints)
	if err != nil {
		if errors.Is(err, capi.ErrNoData) {
			return nil, nil
		}
		return nil, fmt.Errorf("ofi: discover: %w", err)
	}
	defer info.Free()

	var out []Descriptor
	for _, entry := range info.Entries() {
		out = append(out, Descriptor{
			Provider:     entry.ProviderName(),
			Fabric:       entry.FabricName(),
			Domain:       entry.DomainName(),
			Version:      entry.ProviderVersion().String(),
			Endpoint:     entry.EndpointType().String(),
			Tagged:       capi.HasCaps(entry.Caps(), capi.CapTagged),
			DirectedRecv: capi.HasCaps(entry.Caps(), capi.CapDirectedRecv),
			MRLocal:      entry.MRMode()&capi.MRModeLocal != 0,
		})
	}
	return out, nil
}

// Open creates a worker on the first matching provider entry.
func (p *Provider) Open() (transport.Worker, error) {
	if err := capi.EnsureRuntimeAtLeast(minRuntime); err != nil {
		return nil, fmt.Errorf("ofi: %w", err)
	}
	hints := taggedHints(p.opts.Provider)
	defer hints.Free()
	info, err := capi.GetInfo(capi.BuildVersion(), "", "", 0, hints)
	if err != nil {
		if errors.Is(err, capi.ErrNoData) {
			return nil, fmt.Errorf("%w: %s", ErrNoProvider, p.opts.Provider)
		}
		return nil, fmt.Errorf("ofi: getinfo %s: %w", p.opts.Provider, err)
	}
	defer info.Free()
	entries := info.Entries()
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoProvider, p.opts.Provider)
	}

	w := &Worker{
		logger:    p.logger,
		provider:  entries[0].ProviderName(),
		mrLocal:   entries[0].MRMode()&capi.MRModeLocal != 0,
		pending:   make(map[uintptr]*request),
		regions:   make(map[*region]struct{}),
		endpoints: make(map[*endpoint]struct{}),
	}
	if err := w.open(entries[0], p.opts.CQSize); err != nil {
		_ = w.teardown()
		return nil, err
	}
	w.logger.Debug("worker opened",
		zap.String("provider", w.provider),
		zap.String("fabric", entries[0].FabricName()),
		zap.String("domain", entries[0].DomainName()),
		zap.Bool("mr_local", w.mrLocal),
	)
	return w, nil
}

var _ transport.Worker = (*Worker)(nil)

// Worker is one libfabric RDM endpoint with its supporting resources. Every
// method takes the worker lock; the provider is only entered under it.
type Worker struct {
	mu       sync.Mutex
	logger   *zap.Logger
	provider string
	mrLocal  bool
	nextKey  uint64

	domain *capi.Domain
	av     *capi.AV
	cq     *capi.CompletionQueue
	ep     *capi.Endpoint
	addr   []byte

	pending   map[uintptr]*request
	regions   map[*region]struct{}
	endpoints map[*endpoint]struct{}
	closed    bool
}

func (w *Worker) open(entry capi.InfoEntry, cqSize int) error {
	var err error
	if w.domain, err = capi.OpenDomain(entry); err != nil {
		return fmt.Errorf("ofi: open domain: %w", err)
	}
	if w.av, err = capi.OpenAV(w.domain, &capi.AVAttr{Type: capi.AVTypeMap}); err != nil {
		return fmt.Errorf("ofi: open address vector: %w", err)
	}
	if w.cq, err = capi.OpenCompletionQueue(w.domain, cqSize); err != nil {
		return fmt.Errorf("ofi: open completion queue: %w", err)
	}
	if w.ep, err = capi.OpenEndpoint(w.domain, entry); err != nil {
		return fmt.Errorf("ofi: open endpoint: %w", err)
	}
	if err = w.ep.BindCompletionQueue(w.cq, capi.BindSend|capi.BindRecv); err != nil {
		return fmt.Errorf("ofi: bind completion queue: %w", err)
	}
	if err = w.ep.BindAddressVector(w.av, 0); err != nil {
		return fmt.Errorf("ofi: bind address vector: %w", err)
	}
	if err = w.ep.Enable(); err != nil {
		return fmt.Errorf("ofi: enable endpoint: %w", err)
	}
	if w.addr, err = w.ep.Name(); err != nil {
		return fmt.Errorf("ofi: endpoint name: %w", err)
	}
	return nil
}

// Address returns the raw endpoint name.
func (w *Worker) Address() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.addr...)
}

type endpoint struct {
	owner *Worker
	addr  capi.FIAddr
}

func (e *endpoint) Close() error {
	w := e.owner
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.endpoints, e)
	return nil
}

// Connect inserts a peer's raw address into the address vector.
func (w *Worker) Connect(addr []byte) (transport.Endpoint, error) {
	if len(addr) == 0 {
		return nil, fmt.Errorf("ofi: empty peer address: %w", transport.ErrUnknownEndpoint)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, transport.ErrClosed
	}
	fiAddr, err := w.av.InsertRaw(unsafe.Pointer(&addr[0]), 0)
	if err != nil {
		return nil, fmt.Errorf("ofi: insert peer address: %w", err)
	}
	ep := &endpoint{owner: w, addr: fiAddr}
	w.endpoints[ep] = struct{}{}
	return ep, nil
}

func (w *Worker) resolveLocked(ep transport.Endpoint) (*endpoint, error) {
	e, ok := ep.(*endpoint)
	if !ok || e == nil || e.owner != w {
		return nil, transport.ErrUnknownEndpoint
	}
	if _, live := w.endpoints[e]; !live {
		return nil, transport.ErrUnknownEndpoint
	}
	return e, nil
}

type region struct {
	owner  *Worker
	mem    *capi.Buffer
	mr     *capi.MemoryRegion
	closed bool
}

func (r *region) Bytes() []byte { return r.mem.Bytes() }

func (r *region) Close() error {
	w := r.owner
	w.mu.Lock()
	defer w.mu.Unlock()
	if r.closed {
		return transport.ErrClosed
	}
	return r.releaseLocked()
}

func (r *region) releaseLocked() error {
	r.closed = true
	delete(r.owner.regions, r)
	err := r.mr.Close()
	r.mem.Free()
	r.mr = nil
	return err
}

func (r *region) descriptor() unsafe.Pointer {
	if r.mr == nil {
		return nil
	}
	return r.mr.Descriptor()
}

// Alloc returns a region of C memory, registered with the domain when the
// provider requires local registration.
func (w *Worker) Alloc(size int) (transport.Region, error) {
	if size < 0 {
		return nil, fmt.Errorf("ofi: negative region size %d", size)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, transport.ErrClosed
	}
	mem, err := capi.AllocBuffer(size)
	if err != nil {
		return nil, fmt.Errorf("ofi: allocate %d byte region: %w", size, err)
	}
	mr, err := w.registerLocked(mem)
	if err != nil {
		mem.Free()
		return nil, err
	}
	r := &region{owner: w, mem: mem, mr: mr}
	w.regions[r] = struct{}{}
	return r, nil
}

// registerLocked registers mem for send and receive when the provider runs in
// FI_MR_LOCAL mode and returns nil otherwise.
func (w *Worker) registerLocked(mem *capi.Buffer) (*capi.MemoryRegion, error) {
	if !w.mrLocal || mem.Len() == 0 {
		return nil, nil
	}
	w.nextKey++
	mr, err := w.domain.RegisterMemory(mem.Pointer(), uintptr(mem.Len()), capi.MRAccessSend|capi.MRAccessRecv, w.nextKey)
	if err != nil {
		return nil, fmt.Errorf("ofi: register %d bytes: %w", mem.Len(), err)
	}
	return mr, nil
}

func (w *Worker) regionOfLocked(buf []byte) *region {
	for r := range w.regions {
		if r.mem.Contains(buf) {
			return r
		}
	}
	return nil
}

type request struct {
	owner *Worker
	op    string
	tag   transport.Tag
	ctx   unsafe.Pointer

	done bool
	err  error
	n    int
	// matched is the tag reported by the completion; probes read it.
	matched uint64

	staging   *capi.Buffer
	stagingMR *capi.MemoryRegion
	copyBack  []byte
}

func (r *request) Test() (bool, error) {
	r.owner.mu.Lock()
	defer r.owner.mu.Unlock()
	return r.done, r.err
}

func (r *request) Length() int {
	r.owner.mu.Lock()
	defer r.owner.mu.Unlock()
	return r.n
}

func (w *Worker) newRequestLocked(op string, tag transport.Tag) (*request, error) {
	ctx := capi.CompletionContextAlloc()
	if ctx == nil {
		return nil, fmt.Errorf("ofi: unable to allocate completion context")
	}
	return &request{owner: w, op: op, tag: tag, ctx: ctx}, nil
}

// stageLocked returns the pointer and descriptor to post for buf. Region
// memory is used in place; anything else goes through a C staging copy.
func (w *Worker) stageLocked(r *request, buf []byte, send bool) (unsafe.Pointer, unsafe.Pointer, error) {
	if len(buf) == 0 {
		return nil, nil, nil
	}
	if reg := w.regionOfLocked(buf); reg != nil {
		return unsafe.Pointer(&buf[0]), reg.descriptor(), nil
	}
	staging, err := capi.AllocBuffer(len(buf))
	if err != nil {
		return nil, nil, fmt.Errorf("ofi: allocate %d byte staging buffer: %w", len(buf), err)
	}
	r.staging = staging
	if send {
		copy(staging.Bytes(), buf)
	} else {
		r.copyBack = buf
	}
	mr, err := w.registerLocked(staging)
	if err != nil {
		return nil, nil, err
	}
	r.stagingMR = mr
	var desc unsafe.Pointer
	if mr != nil {
		desc = mr.Descriptor()
	}
	return staging.Pointer(), desc, nil
}

// freeLocked releases the native resources held by r.
func (r *request) freeLocked() {
	if r.stagingMR != nil {
		if err := r.stagingMR.Close(); err != nil {
			r.owner.logger.Warn("close staging registration", zap.Error(err))
		}
		r.stagingMR = nil
	}
	r.staging.Free()
	r.staging = nil
	capi.CompletionContextFree(r.ctx)
	r.ctx = nil
	r.copyBack = nil
}

func (r *request) finishLocked(length uint64, tag uint64, err error) {
	r.done = true
	r.err = err
	r.matched = tag
	if err == nil {
		r.n = int(length)
		if r.copyBack != nil {
			copy(r.copyBack[:r.n], r.staging.Bytes())
		}
	}
	r.freeLocked()
}

// postLocked retries fn while the provider reports FI_EAGAIN, draining the
// completion queue between attempts.
func (w *Worker) postLocked(fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		var errno capi.Errno
		if err == nil || !errors.As(err, &errno) || !errno.Retryable() || attempt >= maxPostRetries {
			return err
		}
		if w.progressLocked() == 0 {
			runtime.Gosched()
		}
	}
}

// TagSend posts buf to ep. Non-region buffers are copied before returning.
func (w *Worker) TagSend(ep transport.Endpoint, buf []byte, tag transport.Tag) (transport.Request, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, transport.ErrClosed
	}
	dst, err := w.resolveLocked(ep)
	if err != nil {
		return nil, err
	}
	r, err := w.newRequestLocked("send", tag)
	if err != nil {
		return nil, err
	}
	ptr, desc, err := w.stageLocked(r, buf, true)
	if err == nil {
		err = w.postLocked(func() error {
			return w.ep.TSend(ptr, uintptr(len(buf)), desc, dst.addr, uint64(tag), r.ctx)
		})
	}
	if err != nil {
		r.freeLocked()
		return nil, fmt.Errorf("ofi: tagged send: %w", err)
	}
	w.pending[uintptr(r.ctx)] = r
	return r, nil
}

// TagRecv posts a receive for a message from src carrying exactly tag.
func (w *Worker) TagRecv(src transport.Endpoint, buf []byte, tag transport.Tag) (transport.Request, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, transport.ErrClosed
	}
	from, err := w.resolveLocked(src)
	if err != nil {
		return nil, err
	}
	r, err := w.newRequestLocked("recv", tag)
	if err != nil {
		return nil, err
	}
	ptr, desc, err := w.stageLocked(r, buf, false)
	if err == nil {
		err = w.postLocked(func() error {
			return w.ep.TRecv(ptr, uintptr(len(buf)), desc, from.addr, uint64(tag), 0, r.ctx)
		})
	}
	if err != nil {
		r.freeLocked()
		return nil, fmt.Errorf("ofi: tagged recv: %w", err)
	}
	w.pending[uintptr(r.ctx)] = r
	return r, nil
}

// Probe peeks for an unexpected message from src carrying tag. The peek
// resolves through the completion queue, so Probe drives progress until it
// does; other completions observed meanwhile are applied as usual.
func (w *Worker) Probe(src transport.Endpoint, tag transport.Tag) (transport.Message, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return transport.Message{}, false, transport.ErrClosed
	}
	from, err := w.resolveLocked(src)
	if err != nil {
		return transport.Message{}, false, err
	}
	r, err := w.newRequestLocked("probe", tag)
	if err != nil {
		return transport.Message{}, false, err
	}
	err = w.postLocked(func() error {
		return w.ep.TPeek(from.addr, uint64(tag), 0, r.ctx)
	})
	if err != nil {
		r.freeLocked()
		if errors.Is(err, capi.ErrNoMsg) {
			return transport.Message{}, false, nil
		}
		return transport.Message{}, false, fmt.Errorf("ofi: probe: %w", err)
	}
	w.pending[uintptr(r.ctx)] = r
	for !r.done {
		if w.progressLocked() == 0 {
			runtime.Gosched()
		}
	}
	if r.err != nil {
		if errors.Is(r.err, capi.ErrNoMsg) {
			return transport.Message{}, false, nil
		}
		return transport.Message{}, false, r.err
	}
	return transport.Message{Length: r.n, Tag: transport.Tag(r.matched)}, true, nil
}

// Progress drains the completion queue.
func (w *Worker) Progress() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0
	}
	return w.progressLocked()
}

func (w *Worker) progressLocked() int {
	n := 0
	for {
		evt, err := w.cq.ReadContext()
		if err != nil {
			if !errors.Is(err, capi.ErrUnavailable) {
				w.logger.Warn("completion queue read failed", zap.Error(err))
				return n
			}
			cqErr, rerr := w.cq.ReadError(0)
			if rerr != nil || cqErr == nil {
				if rerr != nil {
					w.logger.Warn("completion error read failed", zap.Error(rerr))
				}
				return n
			}
			w.completeLocked(cqErr.Context, cqErr.Length, cqErr.Tag, cqErr.Err, cqErr.ProviderErr)
			n++
			continue
		}
		if evt == nil {
			return n
		}
		w.completeLocked(evt.Context, evt.Length, evt.Tag, capi.Success, 0)
		n++
	}
}

func (w *Worker) completeLocked(ctx unsafe.Pointer, length, tag uint64, errno capi.Errno, provErr int) {
	key := uintptr(ctx)
	r, ok := w.pending[key]
	if !ok {
		w.logger.Debug("completion for unknown context", zap.Uintptr("context", key))
		return
	}
	delete(w.pending, key)

	var err error
	switch {
	case errno == capi.Success:
	case r.op == "probe" && errno == capi.ErrNoMsg:
		err = capi.ErrNoMsg
	case errno == capi.ErrTrunc:
		err = &transport.OperationError{Op: r.op, Tag: r.tag, Err: transport.ErrTruncated}
	default:
		err = &transport.OperationError{Op: r.op, Tag: r.tag, Err: errno}
		w.logger.Debug("operation failed",
			zap.String("op", r.op),
			zap.Uint64("tag", uint64(r.tag)),
			zap.Error(errno),
			zap.Int("prov_errno", provErr),
		)
	}
	r.finishLocked(length, tag, err)
}

// Close tears down the endpoint and every native resource. Pending
// operations fail with transport.ErrClosed.
func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.teardown()
}

func (w *Worker) teardown() error {
	var errs []error
	if err := w.ep.Close(); err != nil {
		errs = append(errs, err)
	}
	for key, r := range w.pending {
		delete(w.pending, key)
		r.done = true
		r.err = &transport.OperationError{Op: r.op, Tag: r.tag, Err: transport.ErrClosed}
		r.freeLocked()
	}
	for r := range w.regions {
		if err := r.releaseLocked(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range []interface{ Close() error }{w.cq, w.av, w.domain} {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	w.endpoints = map[*endpoint]struct{}{}
	return errors.Join(errs...)
}
